package checkpoint

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"ctreefs/internal/block"
	"ctreefs/internal/codec"
	"ctreefs/internal/ctree"
	"ctreefs/internal/lsm"
)

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

func TestCommitMountRoundTrip(t *testing.T) {
	dev := newMemDevice()
	slots := Slots{Primary: 0, Backup: 1}

	var inodeSB lsm.SB
	inodeSB[0] = ctree.Superblock{Root: codec.Ptr{Offs: 7, Size: 3, Csum: 0xABCD}, Size: 3, Height: 0}
	r := Record{
		Gen:     42,
		NextIno: 100,
		InodeSB: inodeSB,
		WAL:     WalSB{HeadOffs: 1, CurrOffs: 5, Used: 512},
	}
	require.NoError(t, Commit(dev, slots, r))

	got, err := Mount(dev, slots)
	require.NoError(t, err)
	require.Equal(t, r.Gen, got.Gen)
	require.Equal(t, r.NextIno, got.NextIno)
	require.Equal(t, r.WAL, got.WAL)
	require.Equal(t, r.InodeSB, got.InodeSB)
}

func TestMountFallsBackToBackupOnCorruptPrimary(t *testing.T) {
	dev := newMemDevice()
	slots := Slots{Primary: 0, Backup: 1}
	r := Record{Gen: 9, NextIno: 1}
	require.NoError(t, Commit(dev, slots, r))

	// Corrupt the primary slot in place.
	dev.mu.Lock()
	dev.buf[0] ^= 0xFF
	dev.mu.Unlock()

	got, err := Mount(dev, slots)
	require.NoError(t, err)
	require.Equal(t, r.Gen, got.Gen)
}

func TestMountFailsWhenBothSlotsCorrupt(t *testing.T) {
	dev := newMemDevice()
	slots := Slots{Primary: 0, Backup: 1}
	r := Record{Gen: 1}
	require.NoError(t, Commit(dev, slots, r))

	dev.mu.Lock()
	dev.buf[0] ^= 0xFF
	dev.buf[codec.PageSize] ^= 0xFF
	dev.mu.Unlock()

	_, err := Mount(dev, slots)
	require.Error(t, err)
}
