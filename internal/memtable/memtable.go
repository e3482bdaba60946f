// Package memtable implements the Memtable facade used by the LSM engine:
// insert/lookup/range/scan/size over a skiplist, with a per-memtable
// monotonic sequence counter so that equal-key inserts are ordered
// newest-first.
package memtable

import (
	"ctreefs/internal/arch"
	"ctreefs/internal/memtable/skiplist"
	"ctreefs/internal/query"
)

// Memtable is the in-memory sorted store backing a single LSM tier (c0 or
// c1). It is safe for concurrent readers and writers.
type Memtable struct {
	skl *skiplist.Skiplist
	cmp func(a, b []byte) int
	seq arch.AtomicUint
}

// New constructs an empty memtable ordered by cmp.
func New(cmp func(a, b []byte) int) *Memtable {
	return &Memtable{skl: skiplist.New(cmp), cmp: cmp}
}

// Insert appends (k, v) to the memtable. It never fails. Concurrent
// inserts, including duplicate keys, are allowed; the call that draws its
// sequence number later (from an atomic counter, before the node is
// linked) gets the larger one and therefore shadows the earlier one on
// lookup.
func (m *Memtable) Insert(k, v []byte) {
	seq := m.seq.Add(1)
	m.skl.Insert(k, v, seq)
}

// Lookup performs a single-point lookup, returning 0 if q.Cmp never
// matched, or 1 after q.Emit was called for the highest-seq match.
func (m *Memtable) Lookup(q query.Query) (int, error) {
	return m.skl.Lookup(q)
}

// Range emits every unique, ascending key satisfying q.Cmp == 0.
func (m *Memtable) Range(q query.Query) error {
	return m.skl.Range(q)
}

// Scan iterates every unique key in the memtable, emitting those that
// satisfy q.Cmp == 0.
func (m *Memtable) Scan(q query.Query) error {
	return m.skl.Scan(q)
}

// Size returns an atomic estimate of the raw payload bytes inserted,
// compared against the LSM's flush threshold.
func (m *Memtable) Size() uint64 { return m.skl.Size() }

// Count returns the number of inserts performed, duplicates included.
func (m *Memtable) Count() uint64 { return m.skl.Count() }

// Cmp exposes the key comparator the memtable was constructed with, used
// by the LSM's k-way range merge to compare across c0/c1/tiers.
func (m *Memtable) Cmp() func(a, b []byte) int { return m.cmp }
