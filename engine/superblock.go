// Package engine implements the top-level storage-engine handle: it owns
// the block device, the two typed LSMs, the WAL, the transaction worker,
// and the flusher thread, and exposes the narrow Submit/Checkpoint/Close
// surface everything else in the engine is built to support.
package engine

import (
	"fmt"

	"ctreefs/internal/block"
	"ctreefs/internal/checkpoint"
	"ctreefs/internal/codec"
)

// ContainerMagic identifies a formatted ctreefs container.
const ContainerMagic uint32 = 0x13131313

// Superblock is the fixed container super-block at page 0, naming the page
// size the rest of the engine was formatted with and the two checkpoint
// slot offsets.
type Superblock struct {
	Magic            uint32
	PageSize         uint32
	CheckSize        uint64 // pages per checkpoint slot
	CheckOffs        uint64 // pages: primary slot
	BackupCheckOffs  uint64 // pages: backup slot
	Root             uint64 // inode number of the filesystem root
}

// superblockEncodedSize is comfortably under the container super-block's
// 512-byte budget.
const superblockEncodedSize = 4 + 4 + 8 + 8 + 8 + 8

func putSuperblock(buf []byte, sb Superblock) {
	off := 0
	codec.PutUint32(buf[off:], sb.Magic)
	off += 4
	codec.PutUint32(buf[off:], sb.PageSize)
	off += 4
	codec.PutUint64(buf[off:], sb.CheckSize)
	off += 8
	codec.PutUint64(buf[off:], sb.CheckOffs)
	off += 8
	codec.PutUint64(buf[off:], sb.BackupCheckOffs)
	off += 8
	codec.PutUint64(buf[off:], sb.Root)
}

func getSuperblock(buf []byte) Superblock {
	off := 0
	var sb Superblock
	sb.Magic = codec.GetUint32(buf[off:])
	off += 4
	sb.PageSize = codec.GetUint32(buf[off:])
	off += 4
	sb.CheckSize = codec.GetUint64(buf[off:])
	off += 8
	sb.CheckOffs = codec.GetUint64(buf[off:])
	off += 8
	sb.BackupCheckOffs = codec.GetUint64(buf[off:])
	off += 8
	sb.Root = codec.GetUint64(buf[off:])
	return sb
}

func readSuperblock(dev block.Device, pageSize uint32) (Superblock, error) {
	buf := block.AllocAligned(int(pageSize))
	io := block.NewIO(block.Read, false, block.Segment{Buffer: buf, Offset: 0})
	dev.Submit(io)
	dev.Wait(io)
	if io.Err != nil {
		return Superblock{}, fmt.Errorf("engine: reading container super-block: %w", io.Err)
	}
	sb := getSuperblock(buf)
	if sb.Magic != ContainerMagic {
		return Superblock{}, fmt.Errorf("engine: bad container magic %#x, expected %#x", sb.Magic, ContainerMagic)
	}
	return sb, nil
}

func writeSuperblock(dev block.Device, sb Superblock) error {
	buf := block.AllocAligned(int(sb.PageSize))
	putSuperblock(buf[:superblockEncodedSize], sb)
	io := block.NewIO(block.Write, true, block.Segment{Buffer: buf, Offset: 0})
	dev.Submit(io)
	dev.Wait(io)
	if io.Err != nil {
		return fmt.Errorf("engine: writing container super-block: %w", io.Err)
	}
	return nil
}

func (sb Superblock) checkpointSlots() checkpoint.Slots {
	return checkpoint.Slots{Primary: sb.CheckOffs, Backup: sb.BackupCheckOffs}
}
