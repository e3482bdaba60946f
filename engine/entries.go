package engine

import (
	"fmt"

	"ctreefs/internal/codec"
	"ctreefs/internal/wal"
)

// Entry types tag a transaction entry's target store and operation. These
// are the `type` field of the {type, size, bytes} entries a transaction is
// built from; everything past the tag is this package's own key/value
// framing, opaque to internal/wal.
const (
	EntryInodePut  uint32 = 1
	EntryDentryPut uint32 = 2
)

// Txn is a transaction builder scoped to the two typed stores the engine
// owns. It wraps wal.Txn so callers never build raw entries by hand.
type Txn struct {
	t *wal.Txn
}

// NewTxn returns an empty transaction.
func NewTxn() *Txn { return &Txn{t: wal.NewTxn()} }

// PutInode appends an inode-store write to the transaction.
func (tx *Txn) PutInode(key, value []byte) {
	tx.t.Append(EntryInodePut, encodePutPayload(key, value))
}

// PutDentry appends a dentry-store write to the transaction.
func (tx *Txn) PutDentry(key, value []byte) {
	tx.t.Append(EntryDentryPut, encodePutPayload(key, value))
}

// raw unwraps the underlying wal.Txn for submission through the
// transaction worker.
func (tx *Txn) raw() *wal.Txn { return tx.t }

// encodePutPayload frames a (key, value) pair as one transaction entry's
// data: a length-prefixed key followed by the value, so the two can be
// told apart on decode without a separator.
func encodePutPayload(key, value []byte) []byte {
	buf := make([]byte, 4+len(key)+len(value))
	codec.PutUint32(buf[0:4], uint32(len(key)))
	copy(buf[4:], key)
	copy(buf[4+len(key):], value)
	return buf
}

func decodePutPayload(data []byte) (key, value []byte, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("engine: put entry shorter than its length prefix")
	}
	keyLen := int(codec.GetUint32(data[0:4]))
	if 4+keyLen > len(data) {
		return nil, nil, fmt.Errorf("engine: put entry declares key length %d exceeding payload", keyLen)
	}
	return data[4 : 4+keyLen], data[4+keyLen:], nil
}
