// Package arch provides aliases for the atomic primitives used by the
// skiplist, the memtable, and the page allocator. Other packages (txn,
// flusher, fastrand, engine) import sync/atomic directly.
package arch

import "sync/atomic"

// AtomicUint is a monotonically-addressable 64-bit counter. The skiplist
// tower height, the memtable seq, and the page allocator cursor are of
// this type.
type AtomicUint = atomic.Uint64

// AtomicInt is the signed counterpart. No package in this module uses it.
type AtomicInt = atomic.Int64

// AtomicBool is the boolean counterpart. No package in this module uses it.
type AtomicBool = atomic.Bool
