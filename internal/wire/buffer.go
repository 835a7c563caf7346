package wire

import (
	"encoding/binary"
	"math"
)

// Buffer is a growable byte buffer with a write cursor and a soft limit.
type Buffer struct {
	b   []byte
	max int
}

// NewBuffer creates a buffer with the given initial capacity and limit.
// A max of 0 means unlimited.
func NewBuffer(capacity, max int) *Buffer {
	if max > 0 && capacity > max {
		capacity = max
	}
	return &Buffer{b: make([]byte, 0, capacity), max: max}
}

// Len returns the write cursor position.
func (b *Buffer) Len() int { return len(b.b) }

// Max returns the configured limit (0 = unlimited).
func (b *Buffer) Max() int { return b.max }

// Fits reports whether the written bytes are within the limit.
func (b *Buffer) Fits() bool { return b.max == 0 || len(b.b) <= b.max }

// Bytes returns the written bytes. The slice aliases the buffer until the
// next write.
func (b *Buffer) Bytes() []byte { return b.b }

// Detach returns a copy of the written bytes and resets the cursor.
func (b *Buffer) Detach() []byte {
	out := make([]byte, len(b.b))
	copy(out, b.b)
	b.b = b.b[:0]
	return out
}

// Reset moves the cursor to the start, keeping the allocation.
func (b *Buffer) Reset() { b.b = b.b[:0] }

// Truncate rewinds the cursor to pos.
func (b *Buffer) Truncate(pos int) {
	if pos < len(b.b) {
		b.b = b.b[:pos]
	}
}

// PutU8 appends one byte.
func (b *Buffer) PutU8(v uint8) { b.b = append(b.b, v) }

// PutBool appends 1 or 0.
func (b *Buffer) PutBool(v bool) {
	if v {
		b.b = append(b.b, 1)
		return
	}
	b.b = append(b.b, 0)
}

// PutU16 appends a little-endian uint16.
func (b *Buffer) PutU16(v uint16) { b.b = binary.LittleEndian.AppendUint16(b.b, v) }

// PutU32 appends a little-endian uint32.
func (b *Buffer) PutU32(v uint32) { b.b = binary.LittleEndian.AppendUint32(b.b, v) }

// PutU64 appends a little-endian uint64.
func (b *Buffer) PutU64(v uint64) { b.b = binary.LittleEndian.AppendUint64(b.b, v) }

// PutF64 appends an IEEE-754 float64.
func (b *Buffer) PutF64(v float64) { b.PutU64(math.Float64bits(v)) }

// PutBytes appends raw bytes.
func (b *Buffer) PutBytes(p []byte) { b.b = append(b.b, p...) }

// PutString appends the bytes of s.
func (b *Buffer) PutString(s string) { b.b = append(b.b, s...) }

// PutZeros appends n zero bytes.
func (b *Buffer) PutZeros(n int) {
	for i := 0; i < n; i++ {
		b.b = append(b.b, 0)
	}
}

// Reserve appends n zero bytes and returns their position for later patching.
func (b *Buffer) Reserve(n int) int {
	pos := len(b.b)
	b.PutZeros(n)
	return pos
}

// PatchU16 overwrites a uint16 at pos.
func (b *Buffer) PatchU16(pos int, v uint16) { binary.LittleEndian.PutUint16(b.b[pos:], v) }

// PatchU32 overwrites a uint32 at pos.
func (b *Buffer) PatchU32(pos int, v uint32) { binary.LittleEndian.PutUint32(b.b[pos:], v) }

// BeginLen reserves a uint32 length prefix; EndLen patches it with the
// number of bytes written since.
func (b *Buffer) BeginLen() int { return b.Reserve(4) }

// EndLen patches the length prefix reserved at pos.
func (b *Buffer) EndLen(pos int) {
	b.PatchU32(pos, uint32(len(b.b)-pos-4))
}
