package flusher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTree struct {
	mu          sync.Mutex
	needFlush   bool
	flushCalls  int
	needMerge   map[int]bool
	mergeCalls  map[int]int
}

func newFakeTree() *fakeTree {
	return &fakeTree{needMerge: map[int]bool{}, mergeCalls: map[int]int{}}
}

func (f *fakeTree) NeedFlush() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.needFlush
}

func (f *fakeTree) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushCalls++
	f.needFlush = false
	return nil
}

func (f *fakeTree) NeedMerge(tier int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.needMerge[tier]
}

func (f *fakeTree) Merge(tier int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mergeCalls[tier]++
	f.needMerge[tier] = false
	return nil
}

func (f *fakeTree) setNeedFlush(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.needFlush = v
}

func (f *fakeTree) setNeedMerge(tier int, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.needMerge[tier] = v
}

func (f *fakeTree) flushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushCalls
}

func (f *fakeTree) mergeCount(tier int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mergeCalls[tier]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestNudgeTriggersImmediateFlush(t *testing.T) {
	tree := newFakeTree()
	f := New([]Tree{tree}, 4, time.Hour, nil)
	f.Start()
	defer f.Stop()

	tree.setNeedFlush(true)
	f.Nudge()

	waitFor(t, time.Second, func() bool { return tree.flushCount() == 1 })
}

func TestIdleTimeoutEventuallySweeps(t *testing.T) {
	tree := newFakeTree()
	f := New([]Tree{tree}, 4, 5*time.Millisecond, nil)
	f.Start()
	defer f.Stop()

	tree.setNeedFlush(true)

	waitFor(t, time.Second, func() bool { return tree.flushCount() >= 1 })
}

func TestMergeRunsAcrossAllTiers(t *testing.T) {
	tree := newFakeTree()
	f := New([]Tree{tree}, 4, time.Hour, nil)
	f.Start()
	defer f.Stop()

	tree.setNeedMerge(0, true)
	tree.setNeedMerge(2, true)
	f.Nudge()

	waitFor(t, time.Second, func() bool {
		return tree.mergeCount(0) == 1 && tree.mergeCount(2) == 1
	})
}

func TestErrHookDoesNotFireOnSuccessfulSweep(t *testing.T) {
	var mu sync.Mutex
	var errCount int

	tree := newFakeTree()
	f := New([]Tree{tree}, 4, time.Hour, func(tr Tree, err error) {
		mu.Lock()
		errCount++
		mu.Unlock()
	})
	f.Start()
	defer f.Stop()

	// No error path is exercised by fakeTree (it never fails), so this
	// just checks the hook wiring doesn't block normal sweeps: a
	// successful flush still completes with onErr installed.
	tree.setNeedFlush(true)
	f.Nudge()
	waitFor(t, time.Second, func() bool { return tree.flushCount() == 1 })

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, errCount)
}

func TestStopExitsCleanly(t *testing.T) {
	tree := newFakeTree()
	f := New([]Tree{tree}, 4, time.Hour, nil)
	f.Start()
	f.Stop()
}
