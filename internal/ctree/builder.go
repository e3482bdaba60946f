package ctree

import (
	"fmt"

	"ctreefs/internal/block"
	"ctreefs/internal/codec"
	"ctreefs/internal/pagealloc"
)

// levelState accumulates entries for one level of the tree under
// construction. Level 0 holds caller (key, value) pairs; every level above
// it holds (separatorKey, childPtr) pairs built from the level below as it
// is flushed to disk.
type levelState struct {
	buf       []byte // the currently-open node, header included
	count     uint32 // entries in buf
	firstKey  []byte // the open node's first key, becomes its separator
	pending   [][]byte
	separator [][]byte // separator key for each entry in pending
	accum     uint64   // bytes of closed-but-unflushed nodes
}

func newLevelState() *levelState {
	return &levelState{buf: make([]byte, nodeHeaderSize)}
}

// Builder accumulates a sorted stream of (key, value) pairs into an
// immutable ctree written page-by-page to a block.Device. Append must be
// called in strictly ascending key order; Finish flushes any remaining
// buffered nodes and returns the tree's Superblock.
//
// Entries stream into page-sized blocks on a directio-backed device; once
// a level's accumulated node bytes cross a flush threshold, closed nodes
// are written out and the level above is fed a new (separatorKey,
// childPtr) entry, building the multi-level interior index bottom-up as
// leaves are produced rather than after the fact.
type Builder struct {
	dev     block.Device
	alloc   *pagealloc.Allocator
	fanout  int
	levels  []*levelState
	pages   uint64
	hasLast bool
}

// NewBuilder constructs a Builder that allocates pages from alloc and
// writes them to dev. fanout overrides DefaultFanout when positive.
func NewBuilder(dev block.Device, alloc *pagealloc.Allocator, fanout int) *Builder {
	if fanout <= 0 {
		fanout = DefaultFanout
	}
	return &Builder{dev: dev, alloc: alloc, fanout: fanout, levels: []*levelState{newLevelState()}}
}

// Append adds a (key, value) pair to the tree under construction. Keys must
// be supplied in strictly ascending order.
func (b *Builder) Append(key, value []byte) error {
	b.hasLast = true
	return b.appendAt(0, key, value)
}

func (b *Builder) appendAt(level int, key, value []byte) error {
	for level >= len(b.levels) {
		b.levels = append(b.levels, newLevelState())
	}
	if level > MaxHeight {
		return fmt.Errorf("ctree: height exceeds %d", MaxHeight)
	}
	ls := b.levels[level]

	entrySize := encodeEntrySize(key, value)
	pageSize := int(codec.PageSize)
	curPages := pagesFor(len(ls.buf), pageSize)
	afterPages := pagesFor(len(ls.buf)+entrySize, pageSize)

	if ls.count >= uint32(b.fanout) && afterPages > curPages {
		b.closeNode(level)
		if ls.accum >= FlushThreshold {
			if err := b.flushLevel(level); err != nil {
				return err
			}
		}
	}

	if ls.count == 0 {
		ls.firstKey = append([]byte{}, key...)
	}
	ls.buf = appendEntry(ls.buf, key, value)
	ls.count++
	return nil
}

func pagesFor(n, pageSize int) int {
	if n == 0 {
		return 0
	}
	return (n + pageSize - 1) / pageSize
}

// closeNode pads the level's open node to a page boundary, stamps its
// header, and queues it under pending. It performs no I/O; flushLevel does
// that once the caller decides to.
func (b *Builder) closeNode(level int) {
	ls := b.levels[level]
	if ls.count == 0 {
		return
	}
	pageSize := int(codec.PageSize)
	padded := pagesFor(len(ls.buf), pageSize) * pageSize
	used := uint32(len(ls.buf))
	node := make([]byte, padded)
	copy(node, ls.buf)
	codec.PutUint32(node[0:4], ls.count)
	codec.PutUint32(node[4:8], used)

	ls.pending = append(ls.pending, node)
	ls.separator = append(ls.separator, ls.firstKey)
	ls.accum += uint64(len(node))

	ls.buf = make([]byte, nodeHeaderSize)
	ls.count = 0
	ls.firstKey = nil
}

// flushLevel writes every pending node at level to disk, then appends a
// (separatorKey, childPtr) entry to level+1 for each one.
func (b *Builder) flushLevel(level int) error {
	ls := b.levels[level]
	if len(ls.pending) == 0 {
		return nil
	}

	pending, separator := ls.pending, ls.separator
	ls.pending, ls.separator, ls.accum = nil, nil, 0

	for i, node := range pending {
		ptr, err := b.writeNode(node)
		if err != nil {
			return err
		}
		var ptrBuf [codec.PtrEncodedSize]byte
		codec.PutPtr(ptrBuf[:], ptr)
		if err := b.appendAt(level+1, separator[i], ptrBuf[:]); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) writeNode(node []byte) (codec.Ptr, error) {
	pageSize := uint64(codec.PageSize)
	pages := uint64(len(node)) / pageSize
	start := b.alloc.Reserve(pages)

	io := block.NewIO(block.Write, false, block.Segment{Buffer: node, Offset: int64(start * pageSize)})
	b.dev.Submit(io)
	b.dev.Wait(io)
	if io.Err != nil {
		return codec.Ptr{}, fmt.Errorf("ctree: writing node at page %d: %w", start, io.Err)
	}
	b.pages += pages
	return codec.Ptr{Offs: start, Size: pages, Csum: codec.ChecksumPages(node)}, nil
}

// Finish closes and flushes every level bottom-up until exactly one node
// remains unflushed with nothing buffered above it: that node is the root.
// After Finish, the Builder must not be reused.
func (b *Builder) Finish() (Superblock, error) {
	if !b.hasLast {
		return Superblock{}, nil
	}

	level := 0
	for {
		b.closeNode(level)
		ls := b.levels[level]

		aboveEmpty := true
		for l := level + 1; l < len(b.levels); l++ {
			if b.levels[l].count > 0 || len(b.levels[l].pending) > 0 {
				aboveEmpty = false
				break
			}
		}

		if aboveEmpty && len(ls.pending) == 1 {
			if level > MaxHeight {
				return Superblock{}, fmt.Errorf("ctree: height %d exceeds %d", level, MaxHeight)
			}
			ptr, err := b.writeNode(ls.pending[0])
			if err != nil {
				return Superblock{}, err
			}
			ls.pending, ls.separator, ls.accum = nil, nil, 0
			return Superblock{Root: ptr, Size: b.pages, Height: uint32(level)}, nil
		}

		if err := b.flushLevel(level); err != nil {
			return Superblock{}, err
		}
		level++
		if level >= len(b.levels) {
			b.levels = append(b.levels, newLevelState())
		}
	}
}
