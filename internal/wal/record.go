package wal

import (
	"fmt"

	"ctreefs/internal/codec"
	"ctreefs/internal/xhash"
)

// Record kinds.
const (
	RecNone  uint8 = 0
	RecEntry uint8 = 1
	RecJump  uint8 = 2
)

// HeaderSize is the packed {type:u8, size:u32, csum:u64} prefix of every
// WAL record: 1 + 4 + 8 bytes, with no alignment padding between fields —
// the on-disk layout is deliberately not a native struct layout.
const HeaderSize = 1 + 4 + 8

const (
	typeOffset = 0
	sizeOffset = 1
	csumOffset = 5
)

// EncodeRecord packs kind and payload into a record with its csum computed
// over the whole record with the csum field zeroed.
func EncodeRecord(kind uint8, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[typeOffset] = kind
	codec.PutUint32(buf[sizeOffset:sizeOffset+4], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	csum := codec.ZeroedChecksum(buf, csumOffset, xhash.Sum64)
	codec.PutUint64(buf[csumOffset:csumOffset+8], csum)
	return buf
}

// DecodeRecordHeader reads the {type, size, csum} triple from the start of
// buf without validating anything.
func DecodeRecordHeader(buf []byte) (kind uint8, size uint32, csum uint64) {
	kind = buf[typeOffset]
	size = codec.GetUint32(buf[sizeOffset : sizeOffset+4])
	csum = codec.GetUint64(buf[csumOffset : csumOffset+8])
	return
}

// VerifyRecord reports whether buf holds a well-formed, checksum-valid
// record of the declared size, without following any JUMP.
func VerifyRecord(buf []byte) (total int, ok bool) {
	if len(buf) < HeaderSize {
		return 0, false
	}
	_, size, csum := DecodeRecordHeader(buf)
	total = HeaderSize + int(size)
	if total > len(buf) {
		return 0, false
	}
	got := codec.ZeroedChecksum(append([]byte{}, buf[:total]...), csumOffset, xhash.Sum64)
	return total, got == csum
}

// Txn is the client-built opaque transaction buffer: a sequence of typed
// entries {type:u32, size:u32, bytes}, later wrapped in an ENTRY record
// header by the WAL on submit.
type Txn struct {
	buf []byte
}

// NewTxn returns an empty transaction builder.
func NewTxn() *Txn { return &Txn{} }

// Append adds one typed entry to the transaction.
func (t *Txn) Append(typ uint32, data []byte) {
	var hdr [8]byte
	codec.PutUint32(hdr[0:4], typ)
	codec.PutUint32(hdr[4:8], uint32(len(data)))
	t.buf = append(t.buf, hdr[:]...)
	t.buf = append(t.buf, data...)
}

// Bytes returns the encoded entry stream, the payload of the ENTRY record
// the WAL will append for this transaction.
func (t *Txn) Bytes() []byte { return t.buf }

// Entry is one decoded typed entry, handed to the transaction worker's
// apply hook.
type Entry struct {
	Type uint32
	Data []byte
}

// DecodeEntries splits a transaction payload back into its typed entries.
func DecodeEntries(payload []byte) ([]Entry, error) {
	var out []Entry
	off := 0
	for off < len(payload) {
		if off+8 > len(payload) {
			return nil, fmt.Errorf("wal: truncated entry header at offset %d", off)
		}
		typ := codec.GetUint32(payload[off : off+4])
		size := int(codec.GetUint32(payload[off+4 : off+8]))
		off += 8
		if off+size > len(payload) {
			return nil, fmt.Errorf("wal: truncated entry body at offset %d", off)
		}
		out = append(out, Entry{Type: typ, Data: payload[off : off+size]})
		off += size
	}
	return out, nil
}
