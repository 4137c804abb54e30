package borsh

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// ErrShortBuffer is returned when the input ends before a value is complete.
var ErrShortBuffer = errors.New("borsh: short buffer")

// Reader decodes borsh values from a byte slice.
type Reader struct {
	buf []byte
	off int
}

// NewReader creates a reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d", ErrShortBuffer, n, r.off)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// U8 reads a single byte.
func (r *Reader) U8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// U32 reads a little-endian uint32.
func (r *Reader) U32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// U64 reads a little-endian uint64.
func (r *Reader) U64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// U128 reads a little-endian 128-bit integer.
func (r *Reader) U128() (*uint256.Int, error) {
	b, err := r.take(16)
	if err != nil {
		return nil, err
	}
	return DecodeU128(b)
}

// DynBytes reads a length-prefixed byte vector. The result aliases the input.
func (r *Reader) DynBytes() ([]byte, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	return r.take(int(n))
}

// String reads a length-prefixed string.
func (r *Reader) String() (string, error) {
	b, err := r.DynBytes()
	return string(b), err
}

// Fixed reads exactly n bytes.
func (r *Reader) Fixed(n int) ([]byte, error) {
	return r.take(n)
}
