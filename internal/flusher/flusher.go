// Package flusher implements the single background thread that
// periodically checks every tree's size thresholds and runs the flush or
// merge each one needs, servicing several independently-thresholded trees
// (inode and dentry) rather than reacting to a single producer.
package flusher

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Tree is the subset of an LSM's interface the flusher drives. Both the
// inode and dentry trees satisfy it.
type Tree interface {
	NeedFlush() bool
	Flush() error
	NeedMerge(tier int) bool
	Merge(tier int) error
}

// ErrHook, when set, is called with any error a flush or merge attempt
// returns. The flusher itself never aborts on an error; it leaves the
// prior committed state intact and retries on the next tick.
type ErrHook func(tree Tree, err error)

// Flusher is the background flush/merge scheduler.
type Flusher struct {
	trees    []Tree
	maxTiers int
	onErr    ErrHook

	idle time.Duration

	mu   sync.Mutex
	cond *sync.Cond
	done bool
	wake bool

	wg sync.WaitGroup
}

// New constructs a Flusher over trees, checking tiers [0, maxTiers-1) of
// each for merge eligibility. idle bounds how long the thread sleeps
// between polls when nothing signals it sooner via Nudge.
func New(trees []Tree, maxTiers int, idle time.Duration, onErr ErrHook) *Flusher {
	f := &Flusher{trees: trees, maxTiers: maxTiers, idle: idle, onErr: onErr}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Start launches the background thread.
func (f *Flusher) Start() {
	f.wg.Add(1)
	go f.run()
}

// Nudge wakes the flusher immediately instead of waiting for its idle
// sleep to elapse. The engine does not call it; there the flusher runs
// on its idle timeout.
func (f *Flusher) Nudge() {
	f.mu.Lock()
	f.wake = true
	f.mu.Unlock()
	f.cond.Signal()
}

// Stop signals the background thread to exit and waits for it to do so.
func (f *Flusher) Stop() {
	f.mu.Lock()
	f.done = true
	f.mu.Unlock()
	f.cond.Signal()
	f.wg.Wait()
}

func (f *Flusher) run() {
	defer f.wg.Done()
	for {
		if f.sweep() {
			// Work was done; immediately check again rather than sleeping,
			// since flushing c0 can push a tier over its own merge bound.
			if f.shouldStop() {
				return
			}
			continue
		}
		if f.idleWait() {
			return
		}
	}
}

func (f *Flusher) shouldStop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// idleWait blocks until Nudge, Stop, or the idle timeout, whichever comes
// first. Returns true if the flusher should exit.
func (f *Flusher) idleWait() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return true
	}
	if f.wake {
		f.wake = false
		return false
	}

	timedOut := make(chan struct{})
	timer := time.AfterFunc(f.idle, func() {
		f.mu.Lock()
		f.wake = true
		f.mu.Unlock()
		f.cond.Signal()
		close(timedOut)
	})
	for !f.wake && !f.done {
		f.cond.Wait()
	}
	timer.Stop()
	select {
	case <-timedOut:
	default:
	}
	f.wake = false
	return f.done
}

// sweep runs one pass over every tree, flushing or merging whatever has
// crossed its threshold. Returns true if any work was performed.
func (f *Flusher) sweep() bool {
	// The inode and dentry trees are independent stores with their own
	// locking, so their flush/merge checks fan out concurrently; within a
	// single tree, flush still runs before its merges so a merge sees the
	// tier a same-tick flush just produced.
	var did atomic.Bool
	var g errgroup.Group
	for _, t := range f.trees {
		t := t
		g.Go(func() error {
			if t.NeedFlush() {
				if err := t.Flush(); err != nil {
					f.report(t, err)
				} else {
					did.Store(true)
				}
			}
			for i := 0; i < f.maxTiers-1; i++ {
				if t.NeedMerge(i) {
					if err := t.Merge(i); err != nil {
						f.report(t, err)
					} else {
						did.Store(true)
					}
				}
			}
			return nil
		})
	}
	g.Wait()
	return did.Load()
}

func (f *Flusher) report(t Tree, err error) {
	if f.onErr != nil {
		f.onErr(t, err)
	}
}
