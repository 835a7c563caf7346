package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// TruncatedError reports a read past the end of the input.
type TruncatedError struct {
	Offset int
	Need   int
	Have   int
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("truncated input at offset %d: need %d bytes, have %d", e.Offset, e.Need, e.Have)
}

// Reader consumes a byte slice sequentially with bounds checks.
// The first failure sticks; later reads return zero values.
type Reader struct {
	b    []byte
	pos  int
	base int
	err  error
}

// NewReader creates a reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }

// Fail records err unless an earlier error is already set.
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Pos returns the absolute offset of the cursor within the outermost input.
func (r *Reader) Pos() int { return r.base + r.pos }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	if r.err != nil {
		return 0
	}
	return len(r.b) - r.pos
}

// Done reports whether every byte has been consumed.
func (r *Reader) Done() bool { return r.Remaining() == 0 }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.b) {
		r.err = &TruncatedError{Offset: r.Pos(), Need: n, Have: len(r.b) - r.pos}
		return nil
	}
	p := r.b[r.pos : r.pos+n]
	r.pos += n
	return p
}

// U8 reads one byte.
func (r *Reader) U8() uint8 {
	p := r.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

// Bool reads one byte as a boolean.
func (r *Reader) Bool() bool { return r.U8() != 0 }

// U16 reads a little-endian uint16.
func (r *Reader) U16() uint16 {
	p := r.take(2)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(p)
}

// U32 reads a little-endian uint32.
func (r *Reader) U32() uint32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

// U64 reads a little-endian uint64.
func (r *Reader) U64() uint64 {
	p := r.take(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

// F64 reads an IEEE-754 float64.
func (r *Reader) F64() float64 { return math.Float64frombits(r.U64()) }

// Bytes returns the next n bytes without copying.
func (r *Reader) Bytes(n int) []byte { return r.take(n) }

// Skip advances past n bytes.
func (r *Reader) Skip(n int) { r.take(n) }

// Sub returns a reader over the next n bytes and advances past them.
// Offsets reported by the sub-reader stay absolute.
func (r *Reader) Sub(n int) *Reader {
	start := r.Pos()
	p := r.take(n)
	sub := &Reader{b: p, base: start}
	if r.err != nil {
		sub.err = r.err
	}
	return sub
}

// LenPrefixed reads a uint32 length and returns a sub-reader over that many bytes.
func (r *Reader) LenPrefixed() *Reader {
	n := r.U32()
	return r.Sub(int(n))
}

// Rest returns all unread bytes.
func (r *Reader) Rest() []byte { return r.take(r.Remaining()) }
