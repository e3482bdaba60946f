// Package fsmeta implements the external key/value schemas stored in the
// two typed LSMs, the inode store and the dentry store. Everything else in
// the engine treats keys and values as opaque byte strings; this package is
// the one place that knows what an inode or a directory entry actually
// looks like on disk.
//
// It is a thin fixed-layout codec over the generic LSM: encode/decode
// functions plus the KeyOps (comparator and tombstone predicate) each typed
// store is constructed with.
package fsmeta

import (
	"bytes"
	"fmt"

	"ctreefs/internal/codec"
	"ctreefs/internal/lsm"
)

// TypeDel marks a tombstoned record, shared by both the inode and dentry
// schemas.
const TypeDel uint32 = 1 << 0

// BlockMapEntry maps one logical file block to its backing disk extent.
type BlockMapEntry struct {
	DiskOffs uint64
	FileOffs uint64
}

const blockMapEntrySize = 16

// Inode is the decoded value half of an inode record.
type Inode struct {
	Size  uint64
	Mtime uint64 // ms
	Ctime uint64 // ms
	Links uint32
	Type  uint32
	UID   uint32
	GID   uint32
	Perm  uint32
	Bmap  []BlockMapEntry
}

// Deleted reports whether the inode's type bit marks it as tombstoned.
func (i Inode) Deleted() bool { return i.Type&TypeDel != 0 }

const inodeKeySize = 8
const inodeValueFixedSize = 8 + 8 + 8 + 4 + 4 + 4 + 4 + 4 + 4 // size,mtime,ctime,links,type,uid,gid,perm,bmap.size

// EncodeInodeKey packs the inode number into its 8-byte key encoding.
func EncodeInodeKey(ino uint64) []byte {
	buf := make([]byte, inodeKeySize)
	codec.PutUint64(buf, ino)
	return buf
}

// DecodeInodeKey reads the inode number back out of an inode key.
func DecodeInodeKey(key []byte) (uint64, error) {
	if len(key) != inodeKeySize {
		return 0, fmt.Errorf("fsmeta: inode key must be %d bytes, got %d", inodeKeySize, len(key))
	}
	return codec.GetUint64(key), nil
}

// EncodeInodeValue packs an Inode into its on-disk value layout.
func EncodeInodeValue(inode Inode) []byte {
	buf := make([]byte, inodeValueFixedSize+len(inode.Bmap)*blockMapEntrySize)
	off := 0
	codec.PutUint64(buf[off:], inode.Size)
	off += 8
	codec.PutUint64(buf[off:], inode.Mtime)
	off += 8
	codec.PutUint64(buf[off:], inode.Ctime)
	off += 8
	codec.PutUint32(buf[off:], inode.Links)
	off += 4
	codec.PutUint32(buf[off:], inode.Type)
	off += 4
	codec.PutUint32(buf[off:], inode.UID)
	off += 4
	codec.PutUint32(buf[off:], inode.GID)
	off += 4
	codec.PutUint32(buf[off:], inode.Perm)
	off += 4
	codec.PutUint32(buf[off:], uint32(len(inode.Bmap)))
	off += 4
	for _, e := range inode.Bmap {
		codec.PutUint64(buf[off:], e.DiskOffs)
		off += 8
		codec.PutUint64(buf[off:], e.FileOffs)
		off += 8
	}
	return buf
}

// DecodeInodeValue reverses EncodeInodeValue.
func DecodeInodeValue(buf []byte) (Inode, error) {
	if len(buf) < inodeValueFixedSize {
		return Inode{}, fmt.Errorf("fsmeta: inode value too short: %d bytes", len(buf))
	}
	var inode Inode
	off := 0
	inode.Size = codec.GetUint64(buf[off:])
	off += 8
	inode.Mtime = codec.GetUint64(buf[off:])
	off += 8
	inode.Ctime = codec.GetUint64(buf[off:])
	off += 8
	inode.Links = codec.GetUint32(buf[off:])
	off += 4
	inode.Type = codec.GetUint32(buf[off:])
	off += 4
	inode.UID = codec.GetUint32(buf[off:])
	off += 4
	inode.GID = codec.GetUint32(buf[off:])
	off += 4
	inode.Perm = codec.GetUint32(buf[off:])
	off += 4
	count := codec.GetUint32(buf[off:])
	off += 4
	if off+int(count)*blockMapEntrySize > len(buf) {
		return Inode{}, fmt.Errorf("fsmeta: inode bmap of %d entries exceeds value length", count)
	}
	inode.Bmap = make([]BlockMapEntry, count)
	for i := range inode.Bmap {
		inode.Bmap[i].DiskOffs = codec.GetUint64(buf[off:])
		off += 8
		inode.Bmap[i].FileOffs = codec.GetUint64(buf[off:])
		off += 8
	}
	return inode, nil
}

// InodeOps is the KeyOps the inode LSM is constructed with. Keys are
// little-endian on disk, so comparison reinterprets them big-endian rather
// than comparing raw bytes, to keep byte order matching inode number order.
var InodeOps = lsm.KeyOps{
	Cmp: func(a, b []byte) int {
		return bytes.Compare(beInodeKey(a), beInodeKey(b))
	},
	Deleted: func(_, value []byte) bool {
		inode, err := DecodeInodeValue(value)
		if err != nil {
			return false
		}
		return inode.Deleted()
	},
}

// beInodeKey reinterprets a little-endian-encoded 8-byte inode key as a
// big-endian byte string so lexicographic byte comparison matches numeric
// order, without needing to decode and re-encode on every comparison.
func beInodeKey(key []byte) []byte {
	if len(key) != inodeKeySize {
		return key
	}
	v := codec.GetUint64(key)
	var be [8]byte
	for i := 0; i < 8; i++ {
		be[7-i] = byte(v >> (8 * i))
	}
	return be[:]
}
