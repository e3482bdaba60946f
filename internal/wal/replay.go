package wal

import (
	"fmt"

	"ctreefs/internal/block"
	"ctreefs/internal/codec"
)

// Replay decodes records sequentially from the segment at head, following
// JUMP records, and calls apply for every ENTRY record's payload. It stops
// — without error — at the first record that fails checksum verification
// or whose kind is not ENTRY/JUMP: that record marks end-of-log, since a
// partially-written record at the tail looks exactly like a checksum
// failure.
func Replay(dev block.Device, head uint64, apply func(payload []byte) error) error {
	pageSize := uint64(codec.PageSize)
	offs := head

	for {
		segBuf := block.AllocAligned(SegmentSize)
		io := block.NewIO(block.Read, false, block.Segment{Buffer: segBuf, Offset: int64(offs * pageSize)})
		dev.Submit(io)
		dev.Wait(io)
		if io.Err != nil {
			return io.Err
		}

		jumped := false
		pos := 0
		for pos+HeaderSize <= len(segBuf) {
			total, ok := VerifyRecord(segBuf[pos:])
			if !ok {
				return nil
			}
			rec := segBuf[pos : pos+total]
			kind, _, _ := DecodeRecordHeader(rec)

			switch kind {
			case RecEntry:
				if err := apply(rec[HeaderSize:]); err != nil {
					return err
				}
				pos += total
			case RecJump:
				if total < jumpRecordSize {
					return fmt.Errorf("wal: truncated JUMP record at page %d offset %d", offs, pos)
				}
				offs = codec.GetUint64(rec[HeaderSize : HeaderSize+jumpPayloadSize])
				jumped = true
			default:
				return nil
			}
			if jumped {
				break
			}
		}
		if !jumped {
			return nil
		}
	}
}
