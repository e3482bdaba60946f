// Package ctree implements the immutable on-disk "ctree" sorted run, its
// builder, and its reader/iterator.
//
// A ctree is a height-H tree of nodes, each serialized as one or more
// contiguous pages. Leaves carry caller (key, value) pairs; interior nodes
// carry, per child, the child's smallest key as a separator and a Ptr to
// the child serialized as the "value" of that slot, so leaves and interior
// nodes share one node encoding.
//
// A tree is built once by streaming sorted entries through a Builder onto a
// directio-backed device, then read many times through a Reader that
// verifies each page's checksum before trusting its contents.
package ctree

import (
	"fmt"

	"ctreefs/internal/codec"
)

// MaxHeight bounds a ctree's height.
const MaxHeight = 8

// DefaultFanout is the minimum number of entries a node holds before a
// spill to a new page is permitted.
const DefaultFanout = 64

// FlushThreshold is the accumulated-bytes threshold per level at which the
// builder batches closed nodes to disk.
const FlushThreshold = 1 << 20

// nodeHeaderSize is the {items:u32, size:u32} prefix of every node page.
const nodeHeaderSize = 8

// Superblock names a ctree's root, its size in pages, and its height. An
// empty tree has Height 0 and a zero Root.
type Superblock struct {
	Root   codec.Ptr
	Size   uint64 // pages
	Height uint32
}

// Empty reports whether the superblock describes the empty tree.
func (sb Superblock) Empty() bool {
	return sb.Root.IsZero() && sb.Size == 0
}

// SuperblockEncodedSize is the on-disk size of a Superblock: a Ptr (24
// bytes) + size (8 bytes) + height (4 bytes).
const SuperblockEncodedSize = codec.PtrEncodedSize + 8 + 4

// PutSuperblock serializes sb into buf[:SuperblockEncodedSize].
func PutSuperblock(buf []byte, sb Superblock) {
	codec.PutPtr(buf[0:24], sb.Root)
	codec.PutUint64(buf[24:32], sb.Size)
	codec.PutUint32(buf[32:36], sb.Height)
}

// GetSuperblock deserializes a Superblock from buf[:SuperblockEncodedSize].
func GetSuperblock(buf []byte) Superblock {
	return Superblock{
		Root:   codec.GetPtr(buf[0:24]),
		Size:   codec.GetUint64(buf[24:32]),
		Height: codec.GetUint32(buf[32:36]),
	}
}

// entry is one decoded (key, value) slot of a node page. For an interior
// node, value is the 24-byte encoding of the child Ptr.
type entry struct {
	key   []byte
	value []byte
}

// encodeEntrySize is the serialized size of (key, value): two u32 length
// prefixes plus the raw bytes.
func encodeEntrySize(key, value []byte) int {
	return 8 + len(key) + len(value)
}

func appendEntry(buf []byte, key, value []byte) []byte {
	var hdr [8]byte
	codec.PutUint32(hdr[0:4], uint32(len(key)))
	codec.PutUint32(hdr[4:8], uint32(len(value)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, key...)
	buf = append(buf, value...)
	return buf
}

// decodeNode parses a node's header and every entry out of page-aligned
// buf. used is the number of meaningful bytes (header + entries); the rest
// of buf is zero padding.
func decodeNode(buf []byte) (items []entry, used uint32, err error) {
	if len(buf) < nodeHeaderSize {
		return nil, 0, fmt.Errorf("ctree: node buffer too small: %d bytes", len(buf))
	}
	count := codec.GetUint32(buf[0:4])
	used = codec.GetUint32(buf[4:8])
	if int(used) > len(buf) {
		return nil, 0, fmt.Errorf("ctree: node declares size %d beyond buffer of %d", used, len(buf))
	}

	off := nodeHeaderSize
	out := make([]entry, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+8 > int(used) {
			return nil, 0, fmt.Errorf("ctree: truncated entry header at offset %d", off)
		}
		keySize := int(codec.GetUint32(buf[off : off+4]))
		valSize := int(codec.GetUint32(buf[off+4 : off+8]))
		off += 8
		if off+keySize+valSize > int(used) {
			return nil, 0, fmt.Errorf("ctree: truncated entry body at offset %d", off)
		}
		out = append(out, entry{key: buf[off : off+keySize], value: buf[off+keySize : off+keySize+valSize]})
		off += keySize + valSize
	}
	return out, used, nil
}
