package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferRoundTrip(t *testing.T) {
	b := NewBuffer(16, 0)
	b.PutU8(7)
	b.PutU16(0xBEEF)
	b.PutU32(0xDEADBEEF)
	b.PutU64(1 << 40)
	b.PutF64(-2.5)
	b.PutBool(true)
	b.PutString("hi")

	r := NewReader(b.Bytes())
	assert.Equal(t, uint8(7), r.U8())
	assert.Equal(t, uint16(0xBEEF), r.U16())
	assert.Equal(t, uint32(0xDEADBEEF), r.U32())
	assert.Equal(t, uint64(1<<40), r.U64())
	assert.Equal(t, -2.5, r.F64())
	assert.True(t, r.Bool())
	assert.Equal(t, []byte("hi"), r.Bytes(2))
	require.NoError(t, r.Err())
	assert.True(t, r.Done())
}

func TestBufferLittleEndian(t *testing.T) {
	b := NewBuffer(4, 0)
	b.PutU32(1)
	assert.Equal(t, []byte{1, 0, 0, 0}, b.Bytes())
}

func TestBufferFitsAndTruncate(t *testing.T) {
	b := NewBuffer(4, 4)
	b.PutU32(1)
	assert.True(t, b.Fits())

	mark := b.Len()
	b.PutU8(1)
	assert.False(t, b.Fits())

	b.Truncate(mark)
	assert.True(t, b.Fits())
	assert.Equal(t, 4, b.Len())
}

func TestBufferLengthPrefix(t *testing.T) {
	b := NewBuffer(8, 0)
	pos := b.BeginLen()
	b.PutString("abc")
	b.EndLen(pos)

	r := NewReader(b.Bytes())
	sub := r.LenPrefixed()
	require.NoError(t, r.Err())
	assert.Equal(t, []byte("abc"), sub.Rest())
	assert.True(t, r.Done())
}

func TestBufferDetachCopies(t *testing.T) {
	b := NewBuffer(4, 0)
	b.PutU8(1)
	out := b.Detach()
	b.PutU8(2)

	assert.Equal(t, []byte{1}, out)
	assert.Equal(t, 1, b.Len())
}

func TestReaderTruncated(t *testing.T) {
	r := NewReader([]byte{1, 2})
	_ = r.U8()
	_ = r.U32()

	var te *TruncatedError
	require.True(t, errors.As(r.Err(), &te))
	assert.Equal(t, 1, te.Offset)
	assert.Equal(t, 4, te.Need)
	assert.Equal(t, 1, te.Have)

	// sticky: later reads return zero values
	assert.Equal(t, uint8(0), r.U8())
}

func TestReaderSubKeepsAbsoluteOffsets(t *testing.T) {
	r := NewReader([]byte{9, 9, 1, 2})
	r.Skip(2)
	sub := r.Sub(2)
	assert.Equal(t, 2, sub.Pos())
	_ = sub.U32()

	var te *TruncatedError
	require.True(t, errors.As(sub.Err(), &te))
	assert.Equal(t, 2, te.Offset)
}

func TestCompressibleSmallStaysRaw(t *testing.T) {
	b := NewBuffer(16, 0)
	b.PutCompressible([]byte("short"), DefaultCompressThreshold)
	assert.Equal(t, FlagRaw, b.Bytes()[0])

	data, compressed, err := ReadCompressible(b.Bytes())
	require.NoError(t, err)
	assert.False(t, compressed)
	assert.Equal(t, []byte("short"), data)
}

func TestCompressibleLargeRepetitiveCompresses(t *testing.T) {
	raw := bytes.Repeat([]byte("tessel "), 200)
	b := NewBuffer(64, 0)
	b.PutCompressible(raw, DefaultCompressThreshold)

	assert.Equal(t, FlagCompressed, b.Bytes()[0])
	assert.Less(t, b.Len(), len(raw))

	n, err := RawLen(b.Bytes())
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)

	data, compressed, err := ReadCompressible(b.Bytes())
	require.NoError(t, err)
	assert.True(t, compressed)
	assert.Equal(t, raw, data)
}

func TestCompressibleFallsBackWhenNoGain(t *testing.T) {
	// incompressible: every byte distinct
	raw := make([]byte, 256)
	for i := range raw {
		raw[i] = byte(i*167 + 13)
	}
	b := NewBuffer(64, 0)
	b.PutCompressible(raw, 10)

	assert.Equal(t, FlagRaw, b.Bytes()[0])
	assert.Equal(t, len(raw)+1, b.Len())
}

func TestCompressibleDisabled(t *testing.T) {
	raw := bytes.Repeat([]byte("a"), 1000)
	b := NewBuffer(64, 0)
	b.PutCompressible(raw, -1)
	assert.Equal(t, FlagRaw, b.Bytes()[0])
}

func TestReadCompressibleUnknownFlag(t *testing.T) {
	_, _, err := ReadCompressible([]byte{9, 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown string flag")
}
