package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"ctreefs/internal/block"
	"ctreefs/internal/codec"
	"ctreefs/internal/query"
	"ctreefs/fsmeta"
)

// memDevice is the same in-memory block.Device stand-in duplicated across
// package tests; big enough here to hold a container super-block, two
// checkpoint slots, several WAL segments, and a handful of ctree runs.
type memDevice struct {
	mu       sync.Mutex
	buf      []byte
	pageSize uint32
}

func newMemDevice() *memDevice { return &memDevice{pageSize: codec.PageSize} }

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

func (d *memDevice) Wait(io *block.IO) { <-io.Done }
func (d *memDevice) Size() uint64      { return uint64(len(d.buf)) / uint64(d.pageSize) }
func (d *memDevice) PageSize() uint32  { return d.pageSize }
func (d *memDevice) Close() error      { return nil }

func TestFormatThenOpenStartsEmpty(t *testing.T) {
	dev := newMemDevice()
	require.NoError(t, Format(dev, codec.PageSize))

	e, err := Open(dev, WithFlusherIdle(0))
	require.NoError(t, err)
	defer e.Close()

	n, err := e.inode.Lookup(query.Exact(fsmeta.EncodeInodeKey(rootInode), fsmeta.InodeOps.Cmp, func(k, v []byte) error { return nil }))
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestSubmitInodePutIsVisibleAfterCommit(t *testing.T) {
	dev := newMemDevice()
	require.NoError(t, Format(dev, codec.PageSize))
	e, err := Open(dev)
	require.NoError(t, err)
	defer e.Close()

	key := fsmeta.EncodeInodeKey(42)
	value := fsmeta.EncodeInodeValue(fsmeta.Inode{Size: 100, Links: 1, Perm: 0o644})

	tx := NewTxn()
	tx.PutInode(key, value)
	require.NoError(t, e.Submit(tx))

	var got []byte
	n, err := e.inode.Lookup(query.Exact(key, fsmeta.InodeOps.Cmp, func(k, v []byte) error {
		got = append([]byte{}, v...)
		return nil
	}))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	decoded, err := fsmeta.DecodeInodeValue(got)
	require.NoError(t, err)
	require.Equal(t, uint64(100), decoded.Size)
}

func TestSubmitDentryPutIsVisibleAfterCommit(t *testing.T) {
	dev := newMemDevice()
	require.NoError(t, Format(dev, codec.PageSize))
	e, err := Open(dev)
	require.NoError(t, err)
	defer e.Close()

	name := []byte("file.txt")
	key := fsmeta.EncodeDentryKey(rootInode, fsmeta.HashName(name), name)
	value := fsmeta.EncodeDentryValue(fsmeta.Dentry{Inode: 42, Type: 0})

	tx := NewTxn()
	tx.PutDentry(key, value)
	require.NoError(t, e.Submit(tx))

	var got []byte
	n, err := e.dentry.Lookup(query.Exact(key, fsmeta.DentryOps.Cmp, func(k, v []byte) error {
		got = append([]byte{}, v...)
		return nil
	}))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	d, err := fsmeta.DecodeDentryValue(got)
	require.NoError(t, err)
	require.Equal(t, uint64(42), d.Inode)
}

func TestCheckpointSurvivesReopen(t *testing.T) {
	dev := newMemDevice()
	require.NoError(t, Format(dev, codec.PageSize))

	e, err := Open(dev)
	require.NoError(t, err)

	key := fsmeta.EncodeInodeKey(7)
	value := fsmeta.EncodeInodeValue(fsmeta.Inode{Size: 55, Links: 1})
	tx := NewTxn()
	tx.PutInode(key, value)
	require.NoError(t, e.Submit(tx))
	require.NoError(t, e.Checkpoint())
	require.NoError(t, e.Close())

	e2, err := Open(dev)
	require.NoError(t, err)
	defer e2.Close()

	var got []byte
	n, err := e2.inode.Lookup(query.Exact(key, fsmeta.InodeOps.Cmp, func(k, v []byte) error {
		got = append([]byte{}, v...)
		return nil
	}))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	decoded, err := fsmeta.DecodeInodeValue(got)
	require.NoError(t, err)
	require.Equal(t, uint64(55), decoded.Size)
}

func TestAllocInodeReturnsDistinctIncreasingNumbers(t *testing.T) {
	dev := newMemDevice()
	require.NoError(t, Format(dev, codec.PageSize))
	e, err := Open(dev)
	require.NoError(t, err)
	defer e.Close()

	a := e.AllocInode()
	b := e.AllocInode()
	require.Less(t, a, b)
}

func TestFormatRejectsMismatchedPageSize(t *testing.T) {
	dev := newMemDevice()
	require.Error(t, Format(dev, 8192))
}
