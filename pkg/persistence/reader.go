package persistence

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Reader decodes big-endian primitives from an io.Reader. Any short read
// is reported as ErrTruncated.
type Reader struct {
	r io.Reader
}

// NewReader creates a Reader consuming r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (r *Reader) read(buf []byte) error {
	if _, err := io.ReadFull(r.r, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return ErrTruncated
		}
		return err
	}
	return nil
}

// Magic consumes and verifies a raw magic byte sequence.
func (r *Reader) Magic(magic []byte) error {
	buf := make([]byte, len(magic))
	if err := r.read(buf); err != nil {
		return err
	}
	if !bytes.Equal(buf, magic) {
		return fmt.Errorf("%w: got % X, want % X", ErrBadMagic, buf, magic)
	}
	return nil
}

// U8 reads an unsigned 8-bit value.
func (r *Reader) U8() (uint8, error) {
	var buf [1]byte
	if err := r.read(buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// U16 reads an unsigned big-endian 16-bit value.
func (r *Reader) U16() (uint16, error) {
	var buf [2]byte
	if err := r.read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// U32 reads an unsigned big-endian 32-bit value.
func (r *Reader) U32() (uint32, error) {
	var buf [4]byte
	if err := r.read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// I32 reads a signed big-endian 32-bit value.
func (r *Reader) I32() (int32, error) {
	v, err := r.U32()
	return int32(v), err
}

// F64 reads a big-endian IEEE-754 double.
func (r *Reader) F64() (float64, error) {
	var buf [8]byte
	if err := r.read(buf[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(buf[:])), nil
}

// Bool reads a boolean encoded as a single byte; any nonzero value is
// true.
func (r *Reader) Bool() (bool, error) {
	v, err := r.U8()
	return v != 0, err
}

// Count reads a u32 list length and validates it against MaxListLength.
func (r *Reader) Count() (int, error) {
	v, err := r.U32()
	if err != nil {
		return 0, err
	}
	if v > MaxListLength {
		return 0, fmt.Errorf("%w: list length %d exceeds %d", ErrCorrupt, v, MaxListLength)
	}
	return int(v), nil
}
