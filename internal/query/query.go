// Package query defines the single Query type threaded through the
// memtable, the ctree, and the LSM engine. Using one shared type keeps a
// lookup or a range scan expressible identically whether it terminates in
// an in-memory skiplist or an on-disk ctree.
package query

// Query drives both point lookups and range scans against a sorted
// key/value source.
//
// Cmp compares a candidate key against whatever target or range the caller
// is searching for:
//   - negative: the candidate key lies before the target/range, keep
//     advancing.
//   - zero: the candidate key is a match; Emit will be called for it.
//   - positive: the candidate key lies after the target/range; searches
//     (lookups and range scans alike) stop. Scan instead skips the key
//     and keeps walking.
//
// Emit is invoked once per matching key in ascending key order. Tombstones
// are emitted like any other value, except by LSM.Range, which skips
// them. Returning a non-nil error aborts the scan and propagates the
// error to the caller of Lookup/Range/Scan.
type Query struct {
	Cmp  func(key []byte) int
	Emit func(key, value []byte) error
}

// Exact builds a Query for a single-key point lookup under cmp, the same
// total order the memtable/ctree were built with.
func Exact(target []byte, cmp func(a, b []byte) int, emit func(key, value []byte) error) Query {
	return Query{
		Cmp:  func(key []byte) int { return cmp(key, target) },
		Emit: emit,
	}
}
