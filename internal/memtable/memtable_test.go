package memtable

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"ctreefs/internal/query"
)

func cmp(a, b []byte) int { return bytes.Compare(a, b) }

func TestInsertLookupRoundTrip(t *testing.T) {
	m := New(cmp)
	m.Insert([]byte("42"), []byte("100"))
	m.Insert([]byte("7"), []byte("200"))
	m.Insert([]byte("42"), []byte("300"))

	var got []byte
	n, err := m.Lookup(query.Exact([]byte("42"), cmp, func(k, v []byte) error {
		got = v
		return nil
	}))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "300", string(got))

	n, err = m.Lookup(query.Exact([]byte("7"), cmp, func(k, v []byte) error {
		got = v
		return nil
	}))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "200", string(got))

	n, err = m.Lookup(query.Exact([]byte("9"), cmp, func(k, v []byte) error {
		t.Fatal("should not be called")
		return nil
	}))
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRangeCollapsesDuplicatesAndOrders(t *testing.T) {
	m := New(cmp)
	for i := 0; i < 64; i++ {
		m.Insert([]byte{byte(i)}, []byte{byte(i), 1})
	}
	// Overwrite half of them with a newer value.
	for i := 0; i < 32; i++ {
		m.Insert([]byte{byte(i)}, []byte{byte(i), 2})
	}

	var keys [][]byte
	var vals [][]byte
	err := m.Range(query.Query{
		Cmp: func(key []byte) int { return 0 },
		Emit: func(k, v []byte) error {
			keys = append(keys, append([]byte{}, k...))
			vals = append(vals, append([]byte{}, v...))
			return nil
		},
	})
	require.NoError(t, err)
	require.Len(t, keys, 64)
	for i := 0; i < 64; i++ {
		require.Equal(t, byte(i), keys[i][0])
		if i < 32 {
			require.Equal(t, byte(2), vals[i][1])
		} else {
			require.Equal(t, byte(1), vals[i][1])
		}
	}
}

func TestConcurrentInserts(t *testing.T) {
	m := New(cmp)
	const n = 200
	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(g int) {
			for i := 0; i < n; i++ {
				k := []byte{byte(g), byte(i)}
				m.Insert(k, k)
			}
			done <- struct{}{}
		}(g)
	}
	for g := 0; g < 4; g++ {
		<-done
	}
	require.Equal(t, uint64(4*n), m.Count())
}
