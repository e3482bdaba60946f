package engine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"k8s.io/klog/v2"

	"ctreefs/internal/block"
	"ctreefs/internal/checkpoint"
	"ctreefs/internal/codec"
	"ctreefs/internal/ctree"
	"ctreefs/internal/flusher"
	"ctreefs/internal/pagealloc"
	"ctreefs/internal/wal"
	"ctreefs/internal/txn"
	"ctreefs/fsmeta"
	"ctreefs/internal/lsm"
)

// DefaultFanout is the ctree node fanout both typed stores are built with,
// absent a WithFanout option.
const DefaultFanout = ctree.DefaultFanout

// checkpointWalBytes is the default CheckpointWalBytes: a checkpoint is
// written once this many WAL bytes have accumulated since the last one.
const checkpointWalBytes = 1 << 20

// rootInode is the well-known inode number of the filesystem root,
// written into the container super-block's root field by Format.
const rootInode = 1

// Engine is the process-wide storage-engine handle: it owns the block
// device, the two typed LSMs, the WAL, the transaction worker, and the
// flusher, behind trans/commit locks that serialize checkpoints against
// in-flight transactions.
type Engine struct {
	dev   block.Device
	alloc *pagealloc.Allocator
	sb    Superblock

	inode  *lsm.LSM
	dentry *lsm.LSM

	w      *wal.WAL
	worker *txn.Worker
	fl     *flusher.Flusher

	// transMu quiesces transactions during a checkpoint: Submit holds it
	// for read, Checkpoint briefly takes it for write while snapshotting
	// tier roots and WAL position.
	transMu sync.RWMutex
	// commitMu serializes checkpoint commits themselves.
	commitMu sync.Mutex

	cfg Config

	gen                 atomic.Uint64
	nextIno             atomic.Uint64
	lastCheckpointBytes atomic.Uint64
}

// Format initializes a fresh container: the super-block at page 0, two
// empty checkpoint slots, and an empty WAL.
func Format(dev block.Device, pageSize uint32) error {
	if pageSize != codec.PageSize {
		return fmt.Errorf("engine: page size %d not supported, engine is built for %d", pageSize, codec.PageSize)
	}

	alloc := pagealloc.New(1) // page 0 is the container super-block
	checkOffs := alloc.Reserve(1)
	backupCheckOffs := alloc.Reserve(1)

	w, err := wal.Create(dev, alloc)
	if err != nil {
		return fmt.Errorf("engine: creating initial WAL: %w", err)
	}

	sb := Superblock{
		Magic:           ContainerMagic,
		PageSize:        pageSize,
		CheckSize:       1,
		CheckOffs:       checkOffs,
		BackupCheckOffs: backupCheckOffs,
		Root:            rootInode,
	}
	if err := writeSuperblock(dev, sb); err != nil {
		return err
	}

	rec := checkpoint.Record{
		Gen:     0,
		NextIno: rootInode + 1,
		WAL:     checkpoint.WalSB{HeadOffs: w.Head(), CurrOffs: w.Position().CurrOffs, Used: w.Position().Used},
	}
	if err := checkpoint.Commit(dev, sb.checkpointSlots(), rec); err != nil {
		return fmt.Errorf("engine: writing initial checkpoint: %w", err)
	}
	return nil
}

// Open mounts an existing container: reads the super-block, mounts the
// most recent valid checkpoint, replays the WAL tail past it, and starts
// the transaction worker and flusher threads.
func Open(dev block.Device, opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	sb, err := readSuperblock(dev, codec.PageSize)
	if err != nil {
		return nil, err
	}
	rec, err := checkpoint.Mount(dev, sb.checkpointSlots())
	if err != nil {
		return nil, fmt.Errorf("engine: mounting checkpoint: %w", err)
	}

	alloc := pagealloc.New(recoverAllocatorCursor(rec))

	e := &Engine{dev: dev, alloc: alloc, sb: sb, cfg: cfg}
	e.inode = lsm.Open(dev, alloc, fsmeta.InodeOps, cfg.Fanout, rec.InodeSB)
	e.dentry = lsm.Open(dev, alloc, fsmeta.DentryOps, cfg.Fanout, rec.DentrySB)
	e.gen.Store(rec.Gen)
	e.nextIno.Store(rec.NextIno)

	if err := wal.Replay(dev, rec.WAL.HeadOffs, func(payload []byte) error {
		entries, err := wal.DecodeEntries(payload)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := e.apply(entry.Type, entry.Data); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("engine: replaying WAL from page %d: %w", rec.WAL.HeadOffs, err)
	}

	w, err := wal.Create(dev, alloc)
	if err != nil {
		return nil, fmt.Errorf("engine: opening WAL for new appends: %w", err)
	}
	e.w = w

	e.worker = txn.NewWorker(w, e.apply, e.maybeCheckpoint)
	e.worker.Start()

	e.fl = flusher.New([]flusher.Tree{e.inode, e.dentry}, lsm.MaxTrees, cfg.FlusherIdle, func(t flusher.Tree, err error) {
		klog.Errorf("ctreefs: flusher: %v", err)
	})
	e.fl.Start()

	// Recovery is now reflected entirely in memory (replayed tiers +
	// fresh c0 entries). The new WAL does not reach the replayed tail, so
	// flush the replayed entries into tier 0 before the checkpoint below
	// moves the replay head past that tail.
	for _, l := range []*lsm.LSM{e.inode, e.dentry} {
		if err := l.Flush(); err != nil {
			return nil, fmt.Errorf("engine: flushing replayed entries: %w", err)
		}
	}
	if err := e.Checkpoint(); err != nil {
		return nil, fmt.Errorf("engine: writing post-recovery checkpoint: %w", err)
	}
	return e, nil
}

// recoverAllocatorCursor conservatively bounds the next free page at
// mount time from the extents named in the checkpoint record. Page
// reservation has no reclamation, so overshooting is harmless; the only
// failure mode this guards against is reusing a page
// that is still referenced by a mounted tree or the WAL tail.
func recoverAllocatorCursor(rec checkpoint.Record) uint64 {
	var max uint64
	bump := func(offs, size uint64) {
		if end := offs + size; end > max {
			max = end
		}
	}
	for _, sb := range [2]lsm.SB{rec.InodeSB, rec.DentrySB} {
		for _, t := range sb {
			if !t.Empty() {
				bump(t.Root.Offs, t.Root.Size)
			}
		}
	}
	bump(rec.WAL.CurrOffs, uint64(wal.SegmentSize)/uint64(codec.PageSize))
	if max == 0 {
		max = 1
	}
	return max
}

// apply routes a decoded transaction entry to the store its type names.
func (e *Engine) apply(entryType uint32, data []byte) error {
	key, value, err := decodePutPayload(data)
	if err != nil {
		return err
	}
	switch entryType {
	case EntryInodePut:
		e.inode.Insert(key, value)
	case EntryDentryPut:
		e.dentry.Insert(key, value)
	default:
		return fmt.Errorf("engine: unknown transaction entry type %d", entryType)
	}
	return nil
}

// Submit hands tx to the transaction worker and blocks until its batch has
// been durably written and applied.
func (e *Engine) Submit(tx *Txn) error {
	e.transMu.RLock()
	defer e.transMu.RUnlock()
	return e.worker.Submit(tx.raw())
}

// AllocInode returns a fresh, previously-unused inode number.
func (e *Engine) AllocInode() uint64 {
	return e.nextIno.Add(1) - 1
}

// maybeCheckpoint is the transaction worker's commit hook: it only writes
// a fresh checkpoint once the WAL has grown by checkpointWalBytes since
// the last one, trading a slightly longer replay window after a crash for
// not fsyncing two checkpoint slots on every single batch.
func (e *Engine) maybeCheckpoint(pos wal.Position) error {
	bytes := pos.CurrOffs*uint64(codec.PageSize) + uint64(pos.Used)
	if bytes < e.lastCheckpointBytes.Load()+e.cfg.CheckpointWalBytes {
		return nil
	}
	return e.checkpoint(false)
}

// Checkpoint snapshots both typed LSMs' tier roots and the WAL position,
// and commits them to the primary and backup slots.
func (e *Engine) Checkpoint() error {
	return e.checkpoint(true)
}

// checkpoint takes transMu for write around the snapshot when quiesce is
// set. The worker's commit hook passes false: it runs while submitters
// hold transMu for read, and no apply runs concurrently with it.
func (e *Engine) checkpoint(quiesce bool) error {
	if quiesce {
		e.transMu.Lock()
	}
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	inodeSB := e.inode.Snapshot()
	dentrySB := e.dentry.Snapshot()
	pos := e.w.Position()
	head := e.w.Head()
	if quiesce {
		e.transMu.Unlock()
	}

	rec := checkpoint.Record{
		Gen:      e.gen.Add(1),
		NextIno:  e.nextIno.Load(),
		InodeSB:  inodeSB,
		DentrySB: dentrySB,
		WAL:      checkpoint.WalSB{HeadOffs: head, CurrOffs: pos.CurrOffs, Used: pos.Used},
	}
	if err := checkpoint.Commit(e.dev, e.sb.checkpointSlots(), rec); err != nil {
		return err
	}
	e.lastCheckpointBytes.Store(pos.CurrOffs*uint64(codec.PageSize) + uint64(pos.Used))
	return nil
}

// Close stops the background threads, syncs the WAL and checkpoints once
// more, and releases the device.
func (e *Engine) Close() error {
	var errs *multierror.Error

	e.worker.Stop()
	e.fl.Stop()

	if err := e.w.Sync(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("engine: final WAL sync: %w", err))
	}
	if err := e.Checkpoint(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("engine: final checkpoint: %w", err))
	}
	if err := e.dev.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("engine: closing device: %w", err))
	}
	return errs.ErrorOrNil()
}
