package lsm

import (
	"ctreefs/internal/ctree"
	"ctreefs/internal/memtable"
	"ctreefs/internal/query"
)

// rowSource is one input to the k-way merge: memtables are materialized
// ahead of time into a sorted slice, ctree tiers are pulled lazily through
// their own iterator.
type rowSource interface {
	valid() bool
	key() []byte
	value() []byte
	advance() error
}

// memSource materializes a memtable's matching rows into a slice up
// front, rather than advancing it lazily like a ctree iterator.
type memSource struct {
	keys [][]byte
	vals [][]byte
	idx  int
}

func newMemSource(m *memtable.Memtable, q query.Query) (*memSource, error) {
	s := &memSource{}
	collect := query.Query{
		Cmp: q.Cmp,
		Emit: func(k, v []byte) error {
			s.keys = append(s.keys, k)
			s.vals = append(s.vals, v)
			return nil
		},
	}
	if err := m.Range(collect); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *memSource) valid() bool    { return s.idx < len(s.keys) }
func (s *memSource) key() []byte    { return s.keys[s.idx] }
func (s *memSource) value() []byte  { return s.vals[s.idx] }
func (s *memSource) advance() error { s.idx++; return nil }

// treeSource adapts a ctree.Iterator to rowSource.
type treeSource struct {
	it *ctree.Iterator
}

func (s *treeSource) valid() bool    { return s.it.Valid() }
func (s *treeSource) key() []byte    { return s.it.Key() }
func (s *treeSource) value() []byte  { return s.it.Value() }
func (s *treeSource) advance() error { return s.it.Next() }

// mergeRows drives a k-way merge: at each step it picks the source with
// the smallest current key (ties broken toward the
// earliest, i.e. freshest, source in the slice), advances every other
// source sharing that key (shadowing), and hands the result to emit unless
// it is a tombstone that the caller has allowed to be dropped.
//
// sources must be ordered from freshest to oldest (c0, c1, T[0], T[1], ...)
// so that on an equal-key tie the freshest value wins.
func mergeRows(ops KeyOps, sources []rowSource, dropTombstones bool, emit func(k, v []byte) error) error {
	for {
		winner := -1
		for i, s := range sources {
			if !s.valid() {
				continue
			}
			if winner == -1 || ops.Cmp(s.key(), sources[winner].key()) < 0 {
				winner = i
			}
		}
		if winner == -1 {
			return nil
		}

		key := append([]byte{}, sources[winner].key()...)
		value := append([]byte{}, sources[winner].value()...)

		for i, s := range sources {
			if i == winner || !s.valid() {
				continue
			}
			if ops.Cmp(s.key(), key) == 0 {
				if err := s.advance(); err != nil {
					return err
				}
			}
		}
		if err := sources[winner].advance(); err != nil {
			return err
		}

		if ops.Deleted(key, value) && dropTombstones {
			continue
		}
		if err := emit(key, value); err != nil {
			return err
		}
	}
}
