package lsm

import (
	"errors"
	"fmt"
	"sync"

	"ctreefs/internal/block"
	"ctreefs/internal/codec"
	"ctreefs/internal/ctree"
	"ctreefs/internal/memtable"
	"ctreefs/internal/pagealloc"
	"ctreefs/internal/query"
)

// ErrFlushBusy is returned by Flush when a previous flush's c1 has not yet
// drained.
var ErrFlushBusy = errors.New("lsm: flush already in progress")

// LSM is the tiered storage engine: an active memtable c0, an optional
// draining memtable c1, and up to MaxTrees immutable on-disk tiers, tier
// 0 being the freshest.
type LSM struct {
	ops    KeyOps
	dev    block.Device
	alloc  *pagealloc.Allocator
	fanout int

	sbMu sync.RWMutex
	sb   SB
	size int // high-water mark: deepest tier index ever populated, plus one

	mtMu sync.RWMutex
	c0   *memtable.Memtable
	c1   *memtable.Memtable

	mergeMu sync.Mutex
	mergeCv *sync.Cond
	merging [MaxTrees]bool
}

// New constructs an empty LSM.
func New(dev block.Device, alloc *pagealloc.Allocator, ops KeyOps, fanout int) *LSM {
	l := &LSM{ops: ops, dev: dev, alloc: alloc, fanout: fanout, c0: memtable.New(ops.Cmp)}
	l.mergeCv = sync.NewCond(&l.mergeMu)
	return l
}

// Open constructs an LSM with its on-disk tiers preloaded from a
// checkpoint; c0 starts empty and c1 absent, matching the recovery
// invariant that only the WAL tail past the checkpoint still needs
// replay.
func Open(dev block.Device, alloc *pagealloc.Allocator, ops KeyOps, fanout int, sb SB) *LSM {
	l := New(dev, alloc, ops, fanout)
	l.sb = sb
	for i := MaxTrees - 1; i >= 0; i-- {
		if !sb[i].Empty() {
			l.size = i + 1
			break
		}
	}
	return l
}

// Insert appends (k, v) to c0 under a read-lock on mtlock: readers taking
// mtlock in read-mode don't block each other, only a flush taking the
// write-lock to swap c0/c1 does.
func (l *LSM) Insert(k, v []byte) {
	l.mtMu.RLock()
	l.c0.Insert(k, v)
	l.mtMu.RUnlock()
}

// Lookup performs a point lookup: c0, then c1 if present, under mtlock;
// failing that, tiers 0..MaxTrees-1 in order under sblock. A
// tombstone match is still returned to the caller (n=1) — the LSM never
// transparently hides it.
func (l *LSM) Lookup(q query.Query) (int, error) {
	l.mtMu.RLock()
	n, err := l.c0.Lookup(q)
	if err == nil && n == 0 && l.c1 != nil {
		n, err = l.c1.Lookup(q)
	}
	l.mtMu.RUnlock()
	if err != nil || n != 0 {
		return n, err
	}

	l.sbMu.RLock()
	defer l.sbMu.RUnlock()
	for i := 0; i < MaxTrees; i++ {
		if l.sb[i].Empty() {
			continue
		}
		r := ctree.NewReader(l.dev, l.sb[i])
		n, err := r.Lookup(q)
		if err != nil {
			return 0, err
		}
		if n != 0 {
			return n, nil
		}
	}
	return 0, nil
}

// Range performs a k-way merge across c0, c1, and every populated tier,
// from freshest to oldest, skipping tombstoned keys.
func (l *LSM) Range(q query.Query) error {
	l.mtMu.RLock()
	sources, err := l.memSources(q)
	l.mtMu.RUnlock()
	if err != nil {
		return err
	}

	l.sbMu.RLock()
	treeSources, err := l.treeSources(q)
	l.sbMu.RUnlock()
	if err != nil {
		return err
	}
	sources = append(sources, treeSources...)

	return mergeRows(l.ops, sources, true, q.Emit)
}

func (l *LSM) memSources(q query.Query) ([]rowSource, error) {
	var sources []rowSource
	s0, err := newMemSource(l.c0, q)
	if err != nil {
		return nil, err
	}
	sources = append(sources, s0)
	if l.c1 != nil {
		s1, err := newMemSource(l.c1, q)
		if err != nil {
			return nil, err
		}
		sources = append(sources, s1)
	}
	return sources, nil
}

func (l *LSM) treeSources(q query.Query) ([]rowSource, error) {
	var sources []rowSource
	for i := 0; i < MaxTrees; i++ {
		if l.sb[i].Empty() {
			continue
		}
		r := ctree.NewReader(l.dev, l.sb[i])
		it, err := r.Iterate(q)
		if err != nil {
			return nil, err
		}
		sources = append(sources, &treeSource{it: it})
	}
	return sources, nil
}

// NeedFlush reports whether c0 has crossed MTreeSize.
func (l *LSM) NeedFlush() bool {
	l.mtMu.RLock()
	defer l.mtMu.RUnlock()
	return l.c0.Size() >= MTreeSize
}

// NeedMerge reports whether tier i has crossed C0Size*Mult^i.
func (l *LSM) NeedMerge(i int) bool {
	l.sbMu.RLock()
	sb := l.sb[i]
	l.sbMu.RUnlock()

	threshold := uint64(C0Size)
	for j := 0; j < i; j++ {
		threshold *= Mult
	}
	return sb.Size*codec.PageSize >= threshold
}

func (l *LSM) lockMerge(i int) {
	l.mergeMu.Lock()
	for l.merging[i] {
		l.mergeCv.Wait()
	}
	l.merging[i] = true
	l.mergeMu.Unlock()
}

func (l *LSM) unlockMerge(i int) {
	l.mergeMu.Lock()
	l.merging[i] = false
	l.mergeCv.Broadcast()
	l.mergeMu.Unlock()
}

// canDropTombstones decides whether a merge/flush writing into targetTier
// may omit tombstoned keys from its output. It compares targetTier against
// size, the high-water mark of the deepest tier ever populated: for the
// c1→T[0] flush (targetTier 0), drop only once no tier past T[0] has ever
// held data; for a merge of tier i into i+1 (targetTier = i+1), drop only
// once no tier past i+1 has ever held data.
//
// size only grows (bumpSize), it is never recomputed by rescanning which
// tiers happen to be populated right now. A tier that drains to empty
// between calls does not shrink size back down: a momentarily-empty T0
// while T1..T3 are still populated must not make canDropTombstones(2)
// think only 3 tiers exist when a deeper tier could still hold the
// pre-deletion value this tombstone is shadowing.
func (l *LSM) canDropTombstones(targetTier int) bool {
	l.sbMu.RLock()
	defer l.sbMu.RUnlock()
	return l.size <= targetTier+1
}

// bumpSize raises the high-water mark to at least n, if it isn't already.
// Caller must hold sbMu for writing.
func (l *LSM) bumpSize(n int) {
	if n > l.size {
		l.size = n
	}
}

// Flush runs the flush_start/flush_finish state machine, merging c1 into
// tier 0. Returns ErrFlushBusy if a previous flush's c1 has not yet
// drained.
func (l *LSM) Flush() error {
	l.lockMerge(0)
	defer l.unlockMerge(0)

	l.mtMu.Lock()
	if l.c1 != nil {
		l.mtMu.Unlock()
		return ErrFlushBusy
	}
	c1 := l.c0
	l.c1 = c1
	l.c0 = memtable.New(l.ops.Cmp)
	l.mtMu.Unlock()

	if err := l.flushFinish(c1); err != nil {
		// c1 remains installed; a subsequent Flush call is a no-op retry
		// candidate once the caller fixes the underlying error.
		return err
	}

	l.mtMu.Lock()
	l.c1 = nil
	l.mtMu.Unlock()
	return nil
}

func (l *LSM) flushFinish(c1 *memtable.Memtable) error {
	l.sbMu.RLock()
	oldT0 := l.sb[0]
	l.sbMu.RUnlock()

	drop := l.canDropTombstones(0)
	full := query.Query{Cmp: constZero}

	var sources []rowSource
	ms, err := newMemSource(c1, full)
	if err != nil {
		return err
	}
	sources = append(sources, ms)
	if !oldT0.Empty() {
		it, err := ctree.NewReader(l.dev, oldT0).Iterate(full)
		if err != nil {
			return err
		}
		sources = append(sources, &treeSource{it: it})
	}

	b := ctree.NewBuilder(l.dev, l.alloc, l.fanout)
	if err := mergeRows(l.ops, sources, drop, b.Append); err != nil {
		return err
	}
	newT0, err := b.Finish()
	if err != nil {
		return err
	}

	l.sbMu.Lock()
	l.sb[0] = newT0
	l.bumpSize(1)
	l.sbMu.Unlock()
	return nil
}

// Merge folds tier i into tier i+1 and empties tier i.
func (l *LSM) Merge(i int) error {
	if i < 0 || i+1 >= MaxTrees {
		return fmt.Errorf("lsm: merge index %d out of range", i)
	}
	l.lockMerge(i)
	l.lockMerge(i + 1)
	defer func() {
		l.unlockMerge(i + 1)
		l.unlockMerge(i)
	}()

	l.sbMu.RLock()
	src := l.sb[i]
	dst := l.sb[i+1]
	l.sbMu.RUnlock()

	if src.Empty() {
		return nil
	}

	result := dst
	if dst.Empty() {
		result = src
	} else {
		drop := l.canDropTombstones(i + 1)
		full := query.Query{Cmp: constZero}
		srcIt, err := ctree.NewReader(l.dev, src).Iterate(full)
		if err != nil {
			return err
		}
		dstIt, err := ctree.NewReader(l.dev, dst).Iterate(full)
		if err != nil {
			return err
		}
		sources := []rowSource{&treeSource{it: srcIt}, &treeSource{it: dstIt}}

		b := ctree.NewBuilder(l.dev, l.alloc, l.fanout)
		if err := mergeRows(l.ops, sources, drop, b.Append); err != nil {
			return err
		}
		result, err = b.Finish()
		if err != nil {
			return err
		}
	}

	l.sbMu.Lock()
	l.sb[i+1] = result
	l.sb[i] = ctree.Superblock{}
	l.bumpSize(i + 2)
	l.sbMu.Unlock()
	return nil
}

// Snapshot returns the current tier roots, for embedding in a checkpoint
// record: every tree root under sblock, snapshotted together with the WAL
// position under transMu so a checkpoint always reflects a consistent cut.
func (l *LSM) Snapshot() SB {
	l.sbMu.RLock()
	defer l.sbMu.RUnlock()
	return l.sb
}

func constZero([]byte) int { return 0 }
