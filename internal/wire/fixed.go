package wire

import (
	"encoding/binary"
	"math"

	"github.com/roach88/tessel/internal/ir"
)

// PutFixed writes v into dst using the layout of a fixed-width tag.
// Timestamps are int64 milliseconds; booleans and enums are one byte.
func PutFixed(dst []byte, tag ir.TypeTag, v float64) {
	switch tag {
	case ir.TagNumber:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
	case ir.TagTimestamp:
		binary.LittleEndian.PutUint64(dst, uint64(int64(v)))
	case ir.TagInt8:
		dst[0] = byte(int8(v))
	case ir.TagUint8, ir.TagBoolean, ir.TagEnum:
		dst[0] = byte(v)
	case ir.TagInt16:
		binary.LittleEndian.PutUint16(dst, uint16(int16(v)))
	case ir.TagUint16:
		binary.LittleEndian.PutUint16(dst, uint16(v))
	case ir.TagInt32:
		binary.LittleEndian.PutUint32(dst, uint32(int32(v)))
	case ir.TagUint32, ir.TagID:
		binary.LittleEndian.PutUint32(dst, uint32(v))
	}
}

// ReadFixed is the inverse of PutFixed.
func ReadFixed(src []byte, tag ir.TypeTag) float64 {
	switch tag {
	case ir.TagNumber:
		return math.Float64frombits(binary.LittleEndian.Uint64(src))
	case ir.TagTimestamp:
		return float64(int64(binary.LittleEndian.Uint64(src)))
	case ir.TagInt8:
		return float64(int8(src[0]))
	case ir.TagUint8, ir.TagBoolean, ir.TagEnum:
		return float64(src[0])
	case ir.TagInt16:
		return float64(int16(binary.LittleEndian.Uint16(src)))
	case ir.TagUint16:
		return float64(binary.LittleEndian.Uint16(src))
	case ir.TagInt32:
		return float64(int32(binary.LittleEndian.Uint32(src)))
	case ir.TagUint32, ir.TagID:
		return float64(binary.LittleEndian.Uint32(src))
	}
	return 0
}

// PutFixedString writes a length-prefixed string padded to size bytes
// (size includes the length byte). The caller validates len(s) < size.
func PutFixedString(dst []byte, s string, size int) {
	n := copy(dst[1:size], s)
	dst[0] = byte(n)
	for i := 1 + n; i < size; i++ {
		dst[i] = 0
	}
}

// ReadFixedString is the inverse of PutFixedString.
func ReadFixedString(src []byte) string {
	if len(src) == 0 {
		return ""
	}
	n := int(src[0])
	if n > len(src)-1 {
		n = len(src) - 1
	}
	return string(src[1 : 1+n])
}
