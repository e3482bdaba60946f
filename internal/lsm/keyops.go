// Package lsm implements the tiered LSM engine tying a pair of memtables
// (c0/c1) to up to MaxTrees immutable on-disk ctrees, with a flush/merge
// policy and a k-way range merge. Two locks — mtlock guarding the
// memtables, sblock guarding the tier super-blocks — plus a per-tier
// merge-in-progress flag let the flusher run flush and merge concurrently
// across independent tiers without serializing readers behind either.
package lsm

import "ctreefs/internal/ctree"

// KeyOps supplies the ordering and tombstone predicate for one typed LSM
// (the inode store or the dentry store).
type KeyOps struct {
	Cmp     func(a, b []byte) int
	Deleted func(key, value []byte) bool
}

// MaxTrees bounds the number of on-disk tiers.
const MaxTrees = 4

// MTreeSize is the flush threshold: c0 is flushed once its raw payload
// byte count reaches this.
const MTreeSize = 2 << 20

// C0Size is the base unit of the per-tier merge threshold.
const C0Size = 2 << 20

// Mult is the per-tier threshold multiplier: tier i's merge threshold is
// C0Size * Mult^i.
const Mult = 4

// SB is the on-disk LSM super-block: MaxTrees ctree super-blocks, tier 0
// being the freshest.
type SB [MaxTrees]ctree.Superblock

// EncodedSize is the on-disk size of an SB: MaxTrees Superblocks.
const EncodedSize = MaxTrees * ctree.SuperblockEncodedSize

// PutSB serializes sb into buf[:EncodedSize].
func PutSB(buf []byte, sb SB) {
	for i := 0; i < MaxTrees; i++ {
		ctree.PutSuperblock(buf[i*ctree.SuperblockEncodedSize:(i+1)*ctree.SuperblockEncodedSize], sb[i])
	}
}

// GetSB deserializes an SB from buf[:EncodedSize].
func GetSB(buf []byte) SB {
	var sb SB
	for i := 0; i < MaxTrees; i++ {
		sb[i] = ctree.GetSuperblock(buf[i*ctree.SuperblockEncodedSize : (i+1)*ctree.SuperblockEncodedSize])
	}
	return sb
}
