// Package wal implements durable batching of transaction redo records
// across concurrent writers, with double-buffered 4 MiB segments linked
// by JUMP records: length-prefixed, checksummed records appended to a
// segment, replayed sequentially on open, with a JUMP record closing out
// a full segment and pointing at the next one.
package wal

import (
	"fmt"
	"sync"

	"ctreefs/internal/block"
	"ctreefs/internal/codec"
	"ctreefs/internal/pagealloc"
)

// MaxTxnSize bounds a single transaction's encoded entry payload.
const MaxTxnSize = 256 << 10

// SegmentSize is the capacity of one WAL segment.
const SegmentSize = 4 << 20

const jumpPayloadSize = 8
const jumpRecordSize = HeaderSize + jumpPayloadSize

// Position is the WAL's append position, checkpointed as part of the
// recovery record.
type Position struct {
	CurrOffs uint64 // pages
	Used     uint32 // bytes used in the segment at CurrOffs
}

type segment struct {
	offs uint64 // pages
	buf  []byte
	used int
}

// WAL is the append-only log. Append accepts one transaction at a time;
// Sync flushes the current segment to disk so a batch of appends can be
// durably committed together.
//
// Rollover is double-buffered: once a segment fills, its JUMP-terminated
// bytes hand off to a background goroutine that owns the synchronous
// write+fsync while Append keeps accepting into the freshly allocated
// segment immediately. A rollover that arrives before the previous drain
// has finished blocks on it first — both buffers busy, the congestion
// case — rather than running two drains at once.
type WAL struct {
	dev   block.Device
	alloc *pagealloc.Allocator

	mu   sync.Mutex
	cur  *segment
	head uint64 // pages: oldest segment a reader must replay from
	err  error  // sticky error: once a writer hits one, every later writer sees it too

	drainWG  sync.WaitGroup
	drainMu  sync.Mutex
	drainErr error
}

// Create allocates a brand-new WAL starting at a fresh segment.
func Create(dev block.Device, alloc *pagealloc.Allocator) (*WAL, error) {
	w := &WAL{dev: dev, alloc: alloc}
	seg, err := w.allocSegment()
	if err != nil {
		return nil, err
	}
	w.cur = seg
	w.head = seg.offs
	return w, nil
}

// Open resumes a WAL for new appends after recovery, recording head as the
// oldest segment a future replay must start from.
func Open(dev block.Device, alloc *pagealloc.Allocator, head uint64) (*WAL, error) {
	w := &WAL{dev: dev, alloc: alloc, head: head}
	seg, err := w.allocSegment()
	if err != nil {
		return nil, err
	}
	w.cur = seg
	return w, nil
}

func (w *WAL) allocSegment() (*segment, error) {
	pages := uint64(SegmentSize) / uint64(codec.PageSize)
	start := w.alloc.Reserve(pages)
	return &segment{offs: start, buf: block.AllocAligned(SegmentSize)}, nil
}

// Append encodes txn as an ENTRY record and appends it to the current
// segment, rolling to a freshly allocated segment (linked by a JUMP
// record) if it doesn't leave room for a trailing JUMP. Returns the WAL
// position immediately after the append.
func (w *WAL) Append(txn *Txn) (Position, error) {
	payload := txn.Bytes()
	if len(payload) > MaxTxnSize {
		return Position{}, fmt.Errorf("wal: transaction of %d bytes exceeds max %d", len(payload), MaxTxnSize)
	}
	rec := EncodeRecord(RecEntry, payload)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return Position{}, w.err
	}

	if w.cur.used+len(rec)+jumpRecordSize > len(w.cur.buf) {
		if err := w.rollover(); err != nil {
			w.err = err
			return Position{}, err
		}
	}
	if len(rec) > len(w.cur.buf)-jumpRecordSize {
		err := fmt.Errorf("wal: record of %d bytes cannot fit in a %d-byte segment", len(rec), len(w.cur.buf))
		w.err = err
		return Position{}, err
	}

	copy(w.cur.buf[w.cur.used:], rec)
	w.cur.used += len(rec)
	return Position{CurrOffs: w.cur.offs, Used: uint32(w.cur.used)}, nil
}

// rollover terminates the current segment with a JUMP record, hands it off
// to a background goroutine to write and fsync, and switches to a freshly
// allocated segment. Must be called with mu held.
func (w *WAL) rollover() error {
	if err := w.waitDrain(); err != nil {
		return err
	}

	next, err := w.allocSegment()
	if err != nil {
		return err
	}

	var payload [jumpPayloadSize]byte
	codec.PutUint64(payload[:], next.offs)
	jump := EncodeRecord(RecJump, payload[:])
	if w.cur.used+len(jump) > len(w.cur.buf) {
		return fmt.Errorf("wal: no room for JUMP record in segment at page %d", w.cur.offs)
	}
	copy(w.cur.buf[w.cur.used:], jump)
	w.cur.used += len(jump)
	// The rest of the segment is already zero (NONE padding) from
	// AllocAligned's fresh, zero-initialized buffer.

	old := w.cur
	w.cur = next
	w.startDrain(old)
	return nil
}

// startDrain writes seg to disk on a background goroutine. Its result is
// picked up by the next waitDrain call, from either a later rollover or
// Sync.
func (w *WAL) startDrain(seg *segment) {
	w.drainWG.Add(1)
	go func() {
		defer w.drainWG.Done()
		err := w.flush(seg, true)
		if err != nil {
			w.drainMu.Lock()
			if w.drainErr == nil {
				w.drainErr = err
			}
			w.drainMu.Unlock()
		}
	}()
}

// waitDrain blocks until any outstanding background drain completes and
// returns its error, if any. Safe to call with or without mu held: it only
// touches drainWG/drainMu, never cur.
func (w *WAL) waitDrain() error {
	w.drainWG.Wait()
	w.drainMu.Lock()
	err := w.drainErr
	w.drainErr = nil
	w.drainMu.Unlock()
	return err
}

// Sync flushes the current segment's used bytes to disk with an fsync.
// The transaction worker calls this once per batch, after appending every
// transaction in it. If a prior segment is still draining in the
// background, Sync waits for it first: a batch isn't durable until every
// segment its transactions landed in, not just the current one, has hit
// disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	cur := w.cur
	w.mu.Unlock()

	if err := w.waitDrain(); err != nil {
		w.mu.Lock()
		if w.err == nil {
			w.err = err
		}
		w.mu.Unlock()
		return err
	}
	if err := w.flush(cur, true); err != nil {
		w.mu.Lock()
		if w.err == nil {
			w.err = err
		}
		w.mu.Unlock()
		return err
	}
	return nil
}

func (w *WAL) flush(seg *segment, sync bool) error {
	pageSize := int(codec.PageSize)
	writeLen := ((seg.used + pageSize - 1) / pageSize) * pageSize
	if writeLen == 0 {
		return nil
	}
	io := block.NewIO(block.Write, sync, block.Segment{Buffer: seg.buf[:writeLen], Offset: int64(seg.offs) * int64(pageSize)})
	w.dev.Submit(io)
	w.dev.Wait(io)
	return io.Err
}

// Position reports the WAL's current append position, for the checkpoint.
func (w *WAL) Position() Position {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Position{CurrOffs: w.cur.offs, Used: uint32(w.cur.used)}
}

// Head reports the oldest segment offset a replay must start from.
func (w *WAL) Head() uint64 { return w.head }

// Err returns the WAL's sticky error, if any writer has hit one.
func (w *WAL) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
