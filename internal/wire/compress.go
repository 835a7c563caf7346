package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
)

// Storage flags for string-like payloads.
const (
	FlagRaw        uint8 = 0
	FlagCompressed uint8 = 1
)

// DefaultCompressThreshold is the minimum raw size worth compressing.
const DefaultCompressThreshold = 200

// PutCompressible writes data as [flag][...]. Compression is attempted only
// when len(data) exceeds threshold and kept only when it saves space;
// a threshold < 0 disables compression.
func (b *Buffer) PutCompressible(data []byte, threshold int) {
	if threshold >= 0 && len(data) > threshold {
		compressed := snappy.Encode(nil, data)
		if len(compressed)+4 < len(data) {
			b.PutU8(FlagCompressed)
			b.PutU32(uint32(len(data)))
			b.PutBytes(compressed)
			return
		}
	}
	b.PutU8(FlagRaw)
	b.PutBytes(data)
}

// ReadCompressible decodes a payload written by PutCompressible.
func ReadCompressible(p []byte) (data []byte, compressed bool, err error) {
	if len(p) == 0 {
		return nil, false, fmt.Errorf("empty string payload")
	}
	switch p[0] {
	case FlagRaw:
		return p[1:], false, nil
	case FlagCompressed:
		if len(p) < 5 {
			return nil, true, fmt.Errorf("compressed payload too short: %d bytes", len(p))
		}
		rawLen := binary.LittleEndian.Uint32(p[1:5])
		out, err := snappy.Decode(nil, p[5:])
		if err != nil {
			return nil, true, fmt.Errorf("decompress: %w", err)
		}
		if uint32(len(out)) != rawLen {
			return nil, true, fmt.Errorf("decompressed length %d, header says %d", len(out), rawLen)
		}
		return out, true, nil
	default:
		return nil, false, fmt.Errorf("unknown string flag %d", p[0])
	}
}

// RawLen returns the uncompressed length of a PutCompressible payload
// without decompressing it.
func RawLen(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, fmt.Errorf("empty string payload")
	}
	switch p[0] {
	case FlagRaw:
		return len(p) - 1, nil
	case FlagCompressed:
		if len(p) < 5 {
			return 0, fmt.Errorf("compressed payload too short: %d bytes", len(p))
		}
		return int(binary.LittleEndian.Uint32(p[1:5])), nil
	}
	return 0, fmt.Errorf("unknown string flag %d", p[0])
}
