// Package txn implements the single background transaction worker that
// batches concurrent writers' submissions into WAL appends, commits a
// checkpoint, and applies each transaction's redo records to the owning
// LSMs. Writers submit onto a lock-free LIFO stack; the worker drains and
// reverses it back into submission order before processing a batch.
package txn

import (
	"sync"
	"sync/atomic"

	"ctreefs/internal/wal"
)

// ApplyFunc materializes one decoded entry into the owning LSM.
type ApplyFunc func(entryType uint32, data []byte) error

// CommitFunc persists a checkpoint naming pos as the new durable WAL tail.
type CommitFunc func(pos wal.Position) error

type request struct {
	tx   *wal.Txn
	done chan error
	next *request
}

// Worker is the single background transaction-processing thread.
type Worker struct {
	w      *wal.WAL
	apply  ApplyFunc
	commit CommitFunc

	head atomic.Pointer[request]
	wake chan struct{}
	done atomic.Bool
	wg   sync.WaitGroup
}

// NewWorker constructs a Worker. Start must be called to begin processing.
func NewWorker(w *wal.WAL, apply ApplyFunc, commit CommitFunc) *Worker {
	return &Worker{w: w, apply: apply, commit: commit, wake: make(chan struct{}, 1)}
}

// Start launches the worker goroutine.
func (wk *Worker) Start() {
	wk.wg.Add(1)
	go wk.run()
}

// Submit pushes tx onto the LIFO submission stack and blocks until the
// worker has processed the batch it landed in, returning that batch's
// error.
func (wk *Worker) Submit(tx *wal.Txn) error {
	req := &request{tx: tx, done: make(chan error, 1)}
	for {
		old := wk.head.Load()
		req.next = old
		if wk.head.CompareAndSwap(old, req) {
			break
		}
	}
	select {
	case wk.wake <- struct{}{}:
	default:
	}
	return <-req.done
}

// Stop signals the worker to drain any remaining queued transactions and
// exit, then waits for it to do so.
func (wk *Worker) Stop() {
	wk.done.Store(true)
	select {
	case wk.wake <- struct{}{}:
	default:
	}
	wk.wg.Wait()
}

func (wk *Worker) run() {
	defer wk.wg.Done()
	for {
		<-wk.wake

		top := wk.head.Swap(nil)
		if top == nil {
			if wk.done.Load() {
				return
			}
			continue
		}

		reqs := reverse(top)
		err := wk.processBatch(reqs)
		for _, r := range reqs {
			r.done <- err
		}

		if wk.done.Load() && wk.head.Load() == nil {
			return
		}
	}
}

// reverse flattens the LIFO stack (newest first) into submission order
// (oldest first), so the resulting WAL order matches submission order
// within a batch.
func reverse(top *request) []*request {
	var reqs []*request
	for r := top; r != nil; r = r.next {
		reqs = append(reqs, r)
	}
	for i, j := 0, len(reqs)-1; i < j; i, j = i+1, j-1 {
		reqs[i], reqs[j] = reqs[j], reqs[i]
	}
	return reqs
}

func (wk *Worker) processBatch(reqs []*request) error {
	for _, r := range reqs {
		if _, err := wk.w.Append(r.tx); err != nil {
			return err
		}
	}
	if err := wk.w.Sync(); err != nil {
		return err
	}

	if wk.commit != nil {
		if err := wk.commit(wk.w.Position()); err != nil {
			return err
		}
	}

	for _, r := range reqs {
		entries, err := wal.DecodeEntries(r.tx.Bytes())
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := wk.apply(e.Type, e.Data); err != nil {
				return err
			}
		}
	}
	return nil
}
