package fsmeta

import (
	"bytes"
	"fmt"

	"ctreefs/internal/codec"
	"ctreefs/internal/lsm"
	"ctreefs/internal/xhash"
)

// Dentry is the decoded value half of a directory entry record.
type Dentry struct {
	Inode uint64
	Type  uint32
}

// Deleted reports whether the dentry's type bit marks it as tombstoned.
func (d Dentry) Deleted() bool { return d.Type&TypeDel != 0 }

const dentryKeyFixedSize = 8 + 4 + 4 // parent, hash, size
const dentryValueSize = 8 + 4        // inode, type

// HashName computes the dentry key's name hash: the low 32 bits of the
// xxhash64 of the name bytes, seeded with the container magic. It is not
// the xxhash32 algorithm.
func HashName(name []byte) uint32 { return xhash.Sum32(name) }

// EncodeDentryKey packs {parent, hash, size, name} into the variable-length
// key encoding. hash is typically HashName(name); callers that already have
// it (e.g. re-deriving a key for a lookup) may pass it directly.
func EncodeDentryKey(parent uint64, hash uint32, name []byte) []byte {
	buf := make([]byte, dentryKeyFixedSize+len(name))
	off := 0
	codec.PutUint64(buf[off:], parent)
	off += 8
	codec.PutUint32(buf[off:], hash)
	off += 4
	codec.PutUint32(buf[off:], uint32(len(name)))
	off += 4
	copy(buf[off:], name)
	return buf
}

// DecodedDentryKey is the parsed form of a dentry key, returned by
// DecodeDentryKey.
type DecodedDentryKey struct {
	Parent uint64
	Hash   uint32
	Name   []byte
}

// DecodeDentryKey reverses EncodeDentryKey.
func DecodeDentryKey(key []byte) (DecodedDentryKey, error) {
	if len(key) < dentryKeyFixedSize {
		return DecodedDentryKey{}, fmt.Errorf("fsmeta: dentry key too short: %d bytes", len(key))
	}
	off := 0
	parent := codec.GetUint64(key[off:])
	off += 8
	hash := codec.GetUint32(key[off:])
	off += 4
	size := codec.GetUint32(key[off:])
	off += 4
	if off+int(size) != len(key) {
		return DecodedDentryKey{}, fmt.Errorf("fsmeta: dentry key declares name size %d but key is %d bytes", size, len(key))
	}
	return DecodedDentryKey{Parent: parent, Hash: hash, Name: key[off:]}, nil
}

// EncodeDentryValue packs a Dentry into its on-disk value layout.
func EncodeDentryValue(d Dentry) []byte {
	buf := make([]byte, dentryValueSize)
	codec.PutUint64(buf[0:8], d.Inode)
	codec.PutUint32(buf[8:12], d.Type)
	return buf
}

// DecodeDentryValue reverses EncodeDentryValue.
func DecodeDentryValue(buf []byte) (Dentry, error) {
	if len(buf) != dentryValueSize {
		return Dentry{}, fmt.Errorf("fsmeta: dentry value must be %d bytes, got %d", dentryValueSize, len(buf))
	}
	return Dentry{Inode: codec.GetUint64(buf[0:8]), Type: codec.GetUint32(buf[8:12])}, nil
}

// compareDentryKeys orders keys lexicographically on (parent, hash, size,
// name). Comparing the fixed-width prefix fields
// numerically (not as raw little-endian bytes) keeps the tree's order
// independent of the wire byte order, the same rationale as beInodeKey.
func compareDentryKeys(a, b []byte) int {
	da, errA := DecodeDentryKey(a)
	db, errB := DecodeDentryKey(b)
	if errA != nil || errB != nil {
		return bytes.Compare(a, b)
	}
	if da.Parent != db.Parent {
		if da.Parent < db.Parent {
			return -1
		}
		return 1
	}
	if da.Hash != db.Hash {
		if da.Hash < db.Hash {
			return -1
		}
		return 1
	}
	if len(da.Name) != len(db.Name) {
		if len(da.Name) < len(db.Name) {
			return -1
		}
		return 1
	}
	return bytes.Compare(da.Name, db.Name)
}

// DentryOps is the KeyOps the dentry LSM is constructed with.
var DentryOps = lsm.KeyOps{
	Cmp: compareDentryKeys,
	Deleted: func(_, value []byte) bool {
		d, err := DecodeDentryValue(value)
		if err != nil {
			return false
		}
		return d.Deleted()
	},
}
