// Package borsh implements the subset of the Borsh binary encoding needed to
// build NEAR transactions and contract storage values.
//
// Layout rules (little-endian throughout):
//
//	u8/u32/u64      fixed width
//	u128            16 bytes, low limb first
//	string, Vec<u8> u32 length followed by the raw bytes
//	[u8; N]         raw bytes, no length
//	enum            u8 variant index followed by the variant payload
package borsh

import (
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"
)

// Writer accumulates borsh-encoded bytes.
type Writer struct {
	buf []byte
}

// NewWriter creates a writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded bytes.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// U8 writes a single byte.
func (w *Writer) U8(v uint8) {
	w.buf = append(w.buf, v)
}

// U32 writes a little-endian uint32.
func (w *Writer) U32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// U64 writes a little-endian uint64.
func (w *Writer) U64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// U128 writes v as a little-endian 128-bit integer.
// Values wider than 128 bits are rejected.
func (w *Writer) U128(v *uint256.Int) error {
	if v == nil {
		v = new(uint256.Int)
	}
	if v.BitLen() > 128 {
		return fmt.Errorf("value %s overflows u128", v.Dec())
	}
	w.U64(v[0])
	w.U64(v[1])
	return nil
}

// String writes a length-prefixed UTF-8 string.
func (w *Writer) String(s string) {
	w.U32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// DynBytes writes a length-prefixed byte vector.
func (w *Writer) DynBytes(b []byte) {
	w.U32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// Fixed writes bytes without a length prefix.
func (w *Writer) Fixed(b []byte) {
	w.buf = append(w.buf, b...)
}

// EncodeU128 returns the 16-byte borsh encoding of v.
func EncodeU128(v *uint256.Int) ([]byte, error) {
	w := NewWriter(16)
	if err := w.U128(v); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// DecodeU128 decodes a 16-byte little-endian u128.
func DecodeU128(b []byte) (*uint256.Int, error) {
	if len(b) != 16 {
		return nil, fmt.Errorf("u128 needs 16 bytes, got %d", len(b))
	}
	v := new(uint256.Int)
	v[0] = binary.LittleEndian.Uint64(b[0:8])
	v[1] = binary.LittleEndian.Uint64(b[8:16])
	return v, nil
}
