// Package codec provides the raw little-endian encode/decode helpers that
// every on-disk structure in the engine shares: Ptr, ctree node headers,
// the LSM super-block, the checkpoint record, and WAL record headers. All
// integers on disk are little-endian.
package codec

import (
	"encoding/binary"

	"ctreefs/internal/xhash"
)

// PageSize is the power-of-two page size every on-disk component (ctree,
// WAL, checkpoint, LSM thresholds, engine) uses. None of them takes a
// configurable page size, and Format rejects any other value.
const PageSize = 4096

// Ptr is a durable pointer: an offset/size run of pages plus a checksum
// over the referenced buffer. Reads verify Csum == hash(buffer).
type Ptr struct {
	Offs uint64 // pages
	Size uint64 // pages
	Csum uint64
}

// PtrEncodedSize is the on-disk size of a Ptr: 3 x uint64.
const PtrEncodedSize = 24

// IsZero reports whether p is the nil pointer (an empty tree/run).
func (p Ptr) IsZero() bool {
	return p.Offs == 0 && p.Size == 0
}

// PutPtr writes p into buf[:24] little-endian.
func PutPtr(buf []byte, p Ptr) {
	binary.LittleEndian.PutUint64(buf[0:8], p.Offs)
	binary.LittleEndian.PutUint64(buf[8:16], p.Size)
	binary.LittleEndian.PutUint64(buf[16:24], p.Csum)
}

// GetPtr reads a Ptr from buf[:24].
func GetPtr(buf []byte) Ptr {
	return Ptr{
		Offs: binary.LittleEndian.Uint64(buf[0:8]),
		Size: binary.LittleEndian.Uint64(buf[8:16]),
		Csum: binary.LittleEndian.Uint64(buf[16:24]),
	}
}

// ChecksumPages computes the Ptr checksum for a page-aligned buffer.
func ChecksumPages(buf []byte) uint64 {
	return xhash.Sum64(buf)
}

// PutUint32/PutUint64/GetUint32/GetUint64 are thin aliases kept local so
// every package that encodes a disk structure imports one codec package
// instead of encoding/binary directly and risking a byte-order mismatch.
func PutUint32(buf []byte, v uint32) { binary.LittleEndian.PutUint32(buf, v) }
func PutUint64(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf, v) }
func GetUint32(buf []byte) uint32    { return binary.LittleEndian.Uint32(buf) }
func GetUint64(buf []byte) uint64    { return binary.LittleEndian.Uint64(buf) }

// ZeroedChecksum runs compute over buf with the 8 bytes at csumOffset
// zeroed, then restores the original bytes at that offset and returns the
// checksum. This is the "zero csum field before computation, restore
// afterward" pattern the WAL record encode/verify routines use; the
// checkpoint record instead checksums the bytes after its csum field, and
// a Ptr checksum covers whole node pages.
func ZeroedChecksum(buf []byte, csumOffset int, compute func([]byte) uint64) uint64 {
	var saved [8]byte
	copy(saved[:], buf[csumOffset:csumOffset+8])
	PutUint64(buf[csumOffset:csumOffset+8], 0)
	sum := compute(buf)
	copy(buf[csumOffset:csumOffset+8], saved[:])
	return sum
}
