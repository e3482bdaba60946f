// Package xhash wraps github.com/cespare/xxhash/v2 the way the rest of the
// engine wraps third-party primitives it depends on for wire-format
// stability: one narrow function per on-disk use, seeded with the
// container magic so a checksum never collides across unrelated formats.
package xhash

import "github.com/cespare/xxhash/v2"

// Magic is the container super-block magic and also doubles as the
// checksum seed for every xxhash64 computed over on-disk structures.
const Magic uint64 = 0x13131313

// Sum64 hashes buf seeded with Magic. Every durable checksum in the engine
// is computed with this function: Ptr.csum over the referenced node pages,
// the WAL record csum over the record with its csum field zeroed, and the
// checkpoint csum over the record bytes that follow its csum field.
func Sum64(buf []byte) uint64 {
	d := xxhash.NewWithSeed(Magic)
	_, _ = d.Write(buf)
	return d.Sum64()
}

// Sum32 hashes buf with the low 32 bits of the seeded xxhash64 sum, used
// for the dentry name hash. cespare/xxhash/v2 only exposes the 64-bit
// algorithm; folding it to 32 bits keeps a single hash implementation in
// the dependency graph instead of pulling in a second xxhash32-specific
// module.
func Sum32(buf []byte) uint32 {
	return uint32(Sum64(buf))
}
