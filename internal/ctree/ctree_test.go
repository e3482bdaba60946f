package ctree

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"ctreefs/internal/block"
	"ctreefs/internal/codec"
	"ctreefs/internal/pagealloc"
	"ctreefs/internal/query"
)

// memDevice is an in-memory block.Device stand-in for tests that don't need
// real O_DIRECT I/O, grown on demand in page-sized chunks.
type memDevice struct {
	mu       sync.Mutex
	buf      []byte
	pageSize uint32
}

func newMemDevice(pageSize uint32) *memDevice {
	return &memDevice{pageSize: pageSize}
}

func (d *memDevice) Submit(io *block.IO) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, seg := range io.Segments {
		end := seg.Offset + int64(len(seg.Buffer))
		if end > int64(len(d.buf)) {
			grown := make([]byte, end)
			copy(grown, d.buf)
			d.buf = grown
		}
		switch io.Dir {
		case block.Read:
			copy(seg.Buffer, d.buf[seg.Offset:end])
		case block.Write:
			copy(d.buf[seg.Offset:end], seg.Buffer)
		}
	}
	close(io.Done)
}

func (d *memDevice) Wait(io *block.IO)  { <-io.Done }
func (d *memDevice) Size() uint64       { return uint64(len(d.buf)) / uint64(d.pageSize) }
func (d *memDevice) PageSize() uint32   { return d.pageSize }
func (d *memDevice) Close() error       { return nil }

func cmp(a, b []byte) int { return bytes.Compare(a, b) }

func buildTree(t *testing.T, n int, fanout int) (*memDevice, Superblock, map[string]string) {
	t.Helper()
	dev := newMemDevice(codec.PageSize)
	alloc := pagealloc.New(0)
	b := NewBuilder(dev, alloc, fanout)

	want := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%05d", i)
		v := fmt.Sprintf("value-%05d", i)
		require.NoError(t, b.Append([]byte(k), []byte(v)))
		want[k] = v
	}
	sb, err := b.Finish()
	require.NoError(t, err)
	return dev, sb, want
}

func TestBuilderSingleLeafRoundTrip(t *testing.T) {
	dev, sb, want := buildTree(t, 10, DefaultFanout)
	require.Equal(t, uint32(0), sb.Height)

	r := NewReader(dev, sb)
	for k, v := range want {
		var got []byte
		n, err := r.Lookup(query.Exact([]byte(k), cmp, func(_, value []byte) error {
			got = append([]byte{}, value...)
			return nil
		}))
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, v, string(got))
	}
}

func TestBuilderMultiLevelRoundTrip(t *testing.T) {
	// Small fanout forces multiple leaves and at least one interior level.
	dev, sb, want := buildTree(t, 500, 4)
	require.Greater(t, sb.Height, uint32(0))

	r := NewReader(dev, sb)
	for k, v := range want {
		var got []byte
		n, err := r.Lookup(query.Exact([]byte(k), cmp, func(_, value []byte) error {
			got = append([]byte{}, value...)
			return nil
		}))
		require.NoError(t, err)
		require.Equal(t, 1, n, "key %s", k)
		require.Equal(t, v, string(got))
	}

	n, err := r.Lookup(query.Exact([]byte("missing"), cmp, func(_, _ []byte) error {
		t.Fatal("should not be called")
		return nil
	}))
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestReaderRangeOrdersAscending(t *testing.T) {
	dev, sb, want := buildTree(t, 200, 8)
	r := NewReader(dev, sb)

	var keys []string
	err := r.Range(query.Query{
		Cmp:  func(key []byte) int { return 0 },
		Emit: func(k, _ []byte) error { keys = append(keys, string(k)); return nil },
	})
	require.NoError(t, err)
	require.Len(t, keys, len(want))
	for i := 1; i < len(keys); i++ {
		require.Less(t, keys[i-1], keys[i])
	}
}

func TestReaderScanFiltersWithoutStopping(t *testing.T) {
	dev, sb, _ := buildTree(t, 100, 8)
	r := NewReader(dev, sb)

	var evens []string
	err := r.Scan(query.Query{
		Cmp: func(key []byte) int {
			var i int
			fmt.Sscanf(string(key), "key-%05d", &i)
			if i%2 == 0 {
				return 0
			}
			return -1
		},
		Emit: func(k, _ []byte) error { evens = append(evens, string(k)); return nil },
	})
	require.NoError(t, err)
	require.Len(t, evens, 50)
}

func TestEmptyTreeLookupMiss(t *testing.T) {
	dev := newMemDevice(codec.PageSize)
	alloc := pagealloc.New(0)
	b := NewBuilder(dev, alloc, DefaultFanout)
	sb, err := b.Finish()
	require.NoError(t, err)
	require.True(t, sb.Empty())

	r := NewReader(dev, sb)
	n, err := r.Lookup(query.Exact([]byte("x"), cmp, func(_, _ []byte) error { return nil }))
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
