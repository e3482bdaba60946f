package ctree

import (
	"fmt"

	"ctreefs/internal/block"
	"ctreefs/internal/codec"
	"ctreefs/internal/query"
)

// Reader performs point lookups and range scans against an immutable
// ctree described by a Superblock. Every page read is checksum-verified
// before its entries are trusted.
//
// Pages are read from a directio-backed device and verified by checksum
// before decoding; lookups and scans descend the interior separator-key
// index level by level rather than scanning a flat run.
type Reader struct {
	dev block.Device
	sb  Superblock
}

// NewReader constructs a Reader over the tree described by sb, reading
// pages from dev.
func NewReader(dev block.Device, sb Superblock) *Reader {
	return &Reader{dev: dev, sb: sb}
}

// Superblock returns the tree's root descriptor.
func (r *Reader) Superblock() Superblock { return r.sb }

func (r *Reader) readNode(ptr codec.Ptr) ([]entry, error) {
	pageSize := uint64(codec.PageSize)
	buf := block.AllocAligned(int(ptr.Size * pageSize))
	io := block.NewIO(block.Read, false, block.Segment{Buffer: buf, Offset: int64(ptr.Offs * pageSize)})
	r.dev.Submit(io)
	r.dev.Wait(io)
	if io.Err != nil {
		return nil, fmt.Errorf("ctree: reading node at page %d: %w", ptr.Offs, io.Err)
	}
	if got := codec.ChecksumPages(buf); got != ptr.Csum {
		return nil, fmt.Errorf("ctree: checksum mismatch at offset %d: want %x got %x", ptr.Offs, ptr.Csum, got)
	}
	entries, _, err := decodeNode(buf)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Lookup performs a single-point descent: at each interior level it follows
// the last separator not greater than the target, and at the leaf it looks
// for an exact match. Returns (1, nil) with q.Emit called once on a match,
// or (0, nil) if absent.
func (r *Reader) Lookup(q query.Query) (int, error) {
	if r.sb.Empty() {
		return 0, nil
	}
	ptr := r.sb.Root
	for level := int(r.sb.Height); ; level-- {
		entries, err := r.readNode(ptr)
		if err != nil {
			return 0, err
		}
		if level == 0 {
			for _, e := range entries {
				c := q.Cmp(e.key)
				if c == 0 {
					if err := q.Emit(e.key, e.value); err != nil {
						return 0, err
					}
					return 1, nil
				}
				if c > 0 {
					return 0, nil
				}
			}
			return 0, nil
		}
		idx := childIndex(entries, q)
		ptr = codec.GetPtr(entries[idx].value)
	}
}

// childIndex picks the last interior entry whose separator key is not
// greater than the target, i.e. the child subtree that could hold it. If
// the target precedes every separator (it is smaller than every key in the
// tree), the leftmost child is chosen.
func childIndex(entries []entry, q query.Query) int {
	idx := 0
	for i, e := range entries {
		if q.Cmp(e.key) <= 0 {
			idx = i
		} else {
			break
		}
	}
	return idx
}

// frame is one level of an in-progress descent: the decoded entries at
// that level and the index of the child (or, at the leaf, the entry)
// currently being visited.
type frame struct {
	entries []entry
	idx     int
}

// cursor walks a contiguous run of leaf entries left to right, re-descending
// from the nearest ancestor with a next sibling whenever the current leaf
// is exhausted.
type cursor struct {
	r      *Reader
	frames []frame
}

func (r *Reader) descend(pickLeaf func(entries []entry) int, pickInterior func(entries []entry) int) (*cursor, error) {
	c := &cursor{r: r}
	if r.sb.Empty() {
		return c, nil
	}
	ptr := r.sb.Root
	for level := int(r.sb.Height); ; level-- {
		entries, err := r.readNode(ptr)
		if err != nil {
			return nil, err
		}
		if level == 0 {
			c.frames = append(c.frames, frame{entries: entries, idx: pickLeaf(entries)})
			return c, nil
		}
		idx := pickInterior(entries)
		c.frames = append(c.frames, frame{entries: entries, idx: idx})
		ptr = codec.GetPtr(entries[idx].value)
	}
}

func (c *cursor) current() (key, value []byte, ok bool) {
	if len(c.frames) == 0 {
		return nil, nil, false
	}
	leaf := c.frames[len(c.frames)-1]
	if leaf.idx >= len(leaf.entries) {
		return nil, nil, false
	}
	e := leaf.entries[leaf.idx]
	return e.key, e.value, true
}

// advance moves to the next leaf entry, re-descending from the lowest
// ancestor that still has an unvisited child to its right.
func (c *cursor) advance() error {
	if len(c.frames) == 0 {
		return nil
	}
	leafLevel := len(c.frames) - 1
	c.frames[leafLevel].idx++
	if c.frames[leafLevel].idx < len(c.frames[leafLevel].entries) {
		return nil
	}

	for i := leafLevel - 1; i >= 0; i-- {
		c.frames[i].idx++
		if c.frames[i].idx >= len(c.frames[i].entries) {
			continue
		}
		c.frames = c.frames[:i+1]
		ptr := codec.GetPtr(c.frames[i].entries[c.frames[i].idx].value)
		for lvl := i + 1; lvl <= leafLevel; lvl++ {
			entries, err := c.r.readNode(ptr)
			if err != nil {
				return err
			}
			c.frames = append(c.frames, frame{entries: entries, idx: 0})
			if lvl != leafLevel {
				ptr = codec.GetPtr(entries[0].value)
			}
		}
		return nil
	}
	c.frames = nil
	return nil
}

// Iterator is a pull-style cursor over a contiguous matching run, used by
// the LSM's k-way range merge to advance disk tiers in lockstep with
// memtable sources instead of Range's push-style Emit callback.
type Iterator struct {
	c    *cursor
	q    query.Query
	done bool
}

// Iterate descends to the lower bound of q and returns an Iterator over
// the matching run. Pass a Query whose Cmp always returns 0 to iterate
// every entry in the tree (used when rebuilding a ctree during flush or
// merge).
func (r *Reader) Iterate(q query.Query) (*Iterator, error) {
	lowerBoundLeaf := func(entries []entry) int {
		for i, e := range entries {
			if q.Cmp(e.key) >= 0 {
				return i
			}
		}
		return len(entries)
	}
	// Follow the last child whose separator lies strictly before the
	// matching region (or the leftmost child), so a region that starts in
	// an earlier child is not skipped.
	lowerBoundChild := func(entries []entry) int {
		idx := 0
		for i, e := range entries {
			if q.Cmp(e.key) >= 0 {
				break
			}
			idx = i
		}
		return idx
	}
	c, err := r.descend(lowerBoundLeaf, lowerBoundChild)
	if err != nil {
		return nil, err
	}
	if _, _, ok := c.current(); !ok {
		// The lower bound is past this leaf's last entry: it is the first
		// entry of the next leaf.
		if err := c.advance(); err != nil {
			return nil, err
		}
	}
	it := &Iterator{c: c, q: q}
	it.refresh()
	return it, nil
}

func (it *Iterator) refresh() {
	k, _, ok := it.c.current()
	it.done = !ok || it.q.Cmp(k) != 0
}

// Valid reports whether Key/Value refer to a live entry.
func (it *Iterator) Valid() bool { return !it.done }

// Key returns the current entry's key. Only valid while Valid() is true.
func (it *Iterator) Key() []byte { k, _, _ := it.c.current(); return k }

// Value returns the current entry's value. Only valid while Valid() is true.
func (it *Iterator) Value() []byte { _, v, _ := it.c.current(); return v }

// Next advances to the next matching entry.
func (it *Iterator) Next() error {
	if it.done {
		return nil
	}
	if err := it.c.advance(); err != nil {
		return err
	}
	it.refresh()
	return nil
}

// Range emits every key satisfying q.Cmp == 0, in ascending order, stopping
// at the first key past the matching region.
func (r *Reader) Range(q query.Query) error {
	it, err := r.Iterate(q)
	if err != nil {
		return err
	}
	for it.Valid() {
		if err := q.Emit(it.Key(), it.Value()); err != nil {
			return err
		}
		if err := it.Next(); err != nil {
			return err
		}
	}
	return nil
}

// Scan walks every entry in the tree in ascending key order, emitting
// those for which q.Cmp == 0 without stopping at the first mismatch,
// mirroring memtable Scan semantics for callers that need the
// tombstone-aware full walk.
func (r *Reader) Scan(q query.Query) error {
	leftmost := func(entries []entry) int { return 0 }
	c, err := r.descend(leftmost, leftmost)
	if err != nil {
		return err
	}
	for {
		k, v, ok := c.current()
		if !ok {
			return nil
		}
		if q.Cmp(k) == 0 {
			if err := q.Emit(k, v); err != nil {
				return err
			}
		}
		if err := c.advance(); err != nil {
			return err
		}
	}
}
