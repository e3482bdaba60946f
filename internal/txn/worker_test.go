package txn

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"ctreefs/internal/block"
	"ctreefs/internal/codec"
	"ctreefs/internal/pagealloc"
	"ctreefs/internal/wal"
)

// memDevice is the same in-memory block.Device stand-in used by the wal
// package tests; duplicated here to keep package tests independent.
type memDevice struct {
	mu       sync.Mutex
	buf      []byte
	pageSize uint32
}

func newMemDevice() *memDevice { return &memDevice{pageSize: codec.PageSize} }

func (d *memDevice) Submit(io *block.IO) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, seg := range io.Segments {
		end := seg.Offset + int64(len(seg.Buffer))
		if end > int64(len(d.buf)) {
			grown := make([]byte, end)
			copy(grown, d.buf)
			d.buf = grown
		}
		switch io.Dir {
		case block.Read:
			copy(seg.Buffer, d.buf[seg.Offset:end])
		case block.Write:
			copy(d.buf[seg.Offset:end], seg.Buffer)
		}
	}
	close(io.Done)
}

func (d *memDevice) Wait(io *block.IO) { <-io.Done }
func (d *memDevice) Size() uint64      { return uint64(len(d.buf)) / uint64(d.pageSize) }
func (d *memDevice) PageSize() uint32  { return d.pageSize }
func (d *memDevice) Close() error      { return nil }

func newTestWorker(t *testing.T, apply ApplyFunc, commit CommitFunc) *Worker {
	t.Helper()
	dev := newMemDevice()
	alloc := pagealloc.New(0)
	w, err := wal.Create(dev, alloc)
	require.NoError(t, err)
	return NewWorker(w, apply, commit)
}

// TestSubmissionOrderBecomesWALOrder checks that concurrently submitted
// transactions, which land on the LIFO stack in whatever order the
// goroutines happen to race in, are reassembled into first-come order
// before being appended to the WAL — verified here with a single-goroutine
// sequential submission, since the stack always holds exactly one entry
// between Submit calls in that case and ordering is therefore deterministic.
func TestSubmissionOrderBecomesWALOrder(t *testing.T) {
	var mu sync.Mutex
	var applied []uint32

	worker := newTestWorker(t, func(entryType uint32, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		applied = append(applied, entryType)
		return nil
	}, nil)
	worker.Start()
	defer worker.Stop()

	for i := uint32(0); i < 5; i++ {
		tx := wal.NewTxn()
		tx.Append(i, []byte{byte(i)})
		require.NoError(t, worker.Submit(tx))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint32{0, 1, 2, 3, 4}, applied)
}

// TestConcurrentSubmitAppliesEveryTransactionExactlyOnce drives many
// goroutines submitting concurrently and checks every one is applied,
// regardless of the batch it lands in.
func TestConcurrentSubmitAppliesEveryTransactionExactlyOnce(t *testing.T) {
	var mu sync.Mutex
	seen := map[uint32]bool{}

	worker := newTestWorker(t, func(entryType uint32, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		seen[entryType] = true
		return nil
	}, nil)
	worker.Start()
	defer worker.Stop()

	const n = 50
	var wg sync.WaitGroup
	for i := uint32(0); i < n; i++ {
		wg.Add(1)
		go func(i uint32) {
			defer wg.Done()
			tx := wal.NewTxn()
			tx.Append(i, nil)
			require.NoError(t, worker.Submit(tx))
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, n)
}

// TestCommitHookReceivesPostSyncPosition checks the commit hook runs after
// the WAL sync by observing it sees a position that already accounts for
// the submitted transaction.
func TestCommitHookReceivesPostSyncPosition(t *testing.T) {
	var positions []wal.Position
	var mu sync.Mutex

	worker := newTestWorker(t, func(uint32, []byte) error { return nil }, func(pos wal.Position) error {
		mu.Lock()
		defer mu.Unlock()
		positions = append(positions, pos)
		return nil
	})
	worker.Start()
	defer worker.Stop()

	tx := wal.NewTxn()
	tx.Append(1, []byte("hello"))
	require.NoError(t, worker.Submit(tx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, positions, 1)
	require.Greater(t, positions[0].Used, uint32(0))
}

// TestApplyErrorFailsWholeBatch checks that when the apply hook fails
// partway through a batch, processBatch returns that error for the batch
// as a whole, even though an earlier transaction in it applied cleanly;
// run hands this one error to every request in the batch.
func TestApplyErrorFailsWholeBatch(t *testing.T) {
	wantErr := errors.New("boom")

	worker := newTestWorker(t, func(entryType uint32, data []byte) error {
		if entryType == 99 {
			return wantErr
		}
		return nil
	}, nil)

	// Manually build a batch of requests so both land in the same
	// processBatch call deterministically, rather than relying on a race
	// between goroutines to land in the same drain.
	good := wal.NewTxn()
	good.Append(1, nil)
	bad := wal.NewTxn()
	bad.Append(99, nil)

	reqs := []*request{
		{tx: good, done: make(chan error, 1)},
		{tx: bad, done: make(chan error, 1)},
	}
	err := worker.processBatch(reqs)
	require.ErrorIs(t, err, wantErr)
}

// TestStopAfterSubmitKeepsAppliedTransaction checks that a transaction
// whose Submit has returned is applied, and that Stop then returns.
func TestStopAfterSubmitKeepsAppliedTransaction(t *testing.T) {
	var applied bool
	var mu sync.Mutex

	worker := newTestWorker(t, func(uint32, []byte) error {
		mu.Lock()
		defer mu.Unlock()
		applied = true
		return nil
	}, nil)
	worker.Start()

	tx := wal.NewTxn()
	tx.Append(1, nil)
	require.NoError(t, worker.Submit(tx))
	worker.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.True(t, applied)
}
