// Package checkpoint implements the durable record naming the current LSM
// tier roots and WAL tail, written to both a primary and a backup slot on
// every commit, with an fsync barrier between the two writes for crash
// atomicity.
package checkpoint

import (
	"fmt"

	"ctreefs/internal/block"
	"ctreefs/internal/codec"
	"ctreefs/internal/lsm"
	"ctreefs/internal/xhash"
)

// WalSB is the checkpointed WAL position: the first segment a replay must
// start from, the segment currently being appended to, and how many
// bytes of that segment are already committed.
type WalSB struct {
	HeadOffs uint64 // pages: first segment of the still-relevant log
	CurrOffs uint64 // pages: segment currently being appended to
	Used     uint32 // bytes already committed within CurrOffs's segment
}

const walSBEncodedSize = 8 + 8 + 4

func putWalSB(buf []byte, w WalSB) {
	codec.PutUint64(buf[0:8], w.HeadOffs)
	codec.PutUint64(buf[8:16], w.CurrOffs)
	codec.PutUint32(buf[16:20], w.Used)
}

func getWalSB(buf []byte) WalSB {
	return WalSB{
		HeadOffs: codec.GetUint64(buf[0:8]),
		CurrOffs: codec.GetUint64(buf[8:16]),
		Used:     codec.GetUint32(buf[16:20]),
	}
}

// Record is the fixed-size checkpoint structure.
type Record struct {
	Gen      uint64
	NextIno  uint64
	InodeSB  lsm.SB
	DentrySB lsm.SB
	WAL      WalSB
}

const (
	csumOffset  = 0
	genOffset   = 8
	inoOffset   = 16
	inodeOffset = 24
	dentryOffset = inodeOffset + lsm.EncodedSize
	walOffset    = dentryOffset + lsm.EncodedSize

	// EncodedSize is the on-disk size of a Record: csum + gen + next_ino +
	// two LSM super-blocks + the WAL position.
	EncodedSize = walOffset + walSBEncodedSize
)

// put serializes r into buf[:EncodedSize] with the csum field computed
// last over the rest of the record — there's nothing to restore here
// since csum is written fresh rather than zeroed-then-restored.
func put(buf []byte, r Record) {
	codec.PutUint64(buf[csumOffset:csumOffset+8], 0)
	codec.PutUint64(buf[genOffset:genOffset+8], r.Gen)
	codec.PutUint64(buf[inoOffset:inoOffset+8], r.NextIno)
	lsm.PutSB(buf[inodeOffset:inodeOffset+lsm.EncodedSize], r.InodeSB)
	lsm.PutSB(buf[dentryOffset:dentryOffset+lsm.EncodedSize], r.DentrySB)
	putWalSB(buf[walOffset:walOffset+walSBEncodedSize], r.WAL)
	csum := xhash.Sum64(buf[genOffset:])
	codec.PutUint64(buf[csumOffset:csumOffset+8], csum)
}

// get deserializes a Record from buf[:EncodedSize] and verifies its csum.
func get(buf []byte) (Record, bool) {
	want := codec.GetUint64(buf[csumOffset : csumOffset+8])
	got := xhash.Sum64(buf[genOffset:])
	if got != want {
		return Record{}, false
	}
	return Record{
		Gen:      codec.GetUint64(buf[genOffset : genOffset+8]),
		NextIno:  codec.GetUint64(buf[inoOffset : inoOffset+8]),
		InodeSB:  lsm.GetSB(buf[inodeOffset : inodeOffset+lsm.EncodedSize]),
		DentrySB: lsm.GetSB(buf[dentryOffset : dentryOffset+lsm.EncodedSize]),
		WAL:      getWalSB(buf[walOffset : walOffset+walSBEncodedSize]),
	}, true
}

// Slots names the page offsets of the primary and backup checkpoint
// slots, read from the container super-block.
type Slots struct {
	Primary uint64 // pages
	Backup  uint64 // pages
}

// Commit writes r to both slots: a sync barrier, the primary write (itself
// synced), another sync barrier, then the backup write. An fsync strictly
// between the two slot writes guarantees at most one slot can be torn by
// a crash.
func Commit(dev block.Device, slots Slots, r Record) error {
	if err := barrier(dev); err != nil {
		return fmt.Errorf("checkpoint: pre-commit sync: %w", err)
	}
	if err := writeSlot(dev, slots.Primary, r); err != nil {
		return fmt.Errorf("checkpoint: writing primary slot: %w", err)
	}
	if err := barrier(dev); err != nil {
		return fmt.Errorf("checkpoint: inter-slot sync: %w", err)
	}
	if err := writeSlot(dev, slots.Backup, r); err != nil {
		return fmt.Errorf("checkpoint: writing backup slot: %w", err)
	}
	return nil
}

func writeSlot(dev block.Device, pageOffs uint64, r Record) error {
	pageSize := int(codec.PageSize)
	buf := block.AllocAligned(pageSize)
	if EncodedSize > pageSize {
		return fmt.Errorf("checkpoint: record size %d exceeds page size %d", EncodedSize, pageSize)
	}
	put(buf[:EncodedSize], r)

	io := block.NewIO(block.Write, true, block.Segment{Buffer: buf, Offset: int64(pageOffs) * int64(pageSize)})
	dev.Submit(io)
	dev.Wait(io)
	return io.Err
}

func barrier(dev block.Device) error {
	io := block.NewIO(block.Write, true)
	dev.Submit(io)
	dev.Wait(io)
	return io.Err
}

// Mount reads the primary slot first, falling back to the backup slot if
// the primary's checksum does not verify.
func Mount(dev block.Device, slots Slots) (Record, error) {
	if r, ok := readSlot(dev, slots.Primary); ok {
		return r, nil
	}
	if r, ok := readSlot(dev, slots.Backup); ok {
		return r, nil
	}
	return Record{}, fmt.Errorf("checkpoint: both primary and backup slots fail to verify")
}

func readSlot(dev block.Device, pageOffs uint64) (Record, bool) {
	pageSize := int(codec.PageSize)
	buf := block.AllocAligned(pageSize)
	io := block.NewIO(block.Read, false, block.Segment{Buffer: buf, Offset: int64(pageOffs) * int64(pageSize)})
	dev.Submit(io)
	dev.Wait(io)
	if io.Err != nil {
		return Record{}, false
	}
	return get(buf[:EncodedSize])
}
