package ir

import "fmt"

// TypeTag identifies the storage kind of a property. The numeric values are
// part of the wire format and must never be reordered.
type TypeTag uint8

const (
	TagNull TypeTag = iota
	TagTimestamp
	TagNumber
	TagInt8
	TagUint8
	TagInt16
	TagUint16
	TagInt32
	TagUint32
	TagBoolean
	TagEnum
	TagString
	TagText
	TagJSON
	TagBinary
	TagAlias
	TagVector
	TagCardinality
	TagReference
	TagReferences
	TagObject
	TagID
)

var tagNames = [...]string{
	TagNull:        "null",
	TagTimestamp:   "timestamp",
	TagNumber:      "number",
	TagInt8:        "int8",
	TagUint8:       "uint8",
	TagInt16:       "int16",
	TagUint16:      "uint16",
	TagInt32:       "int32",
	TagUint32:      "uint32",
	TagBoolean:     "boolean",
	TagEnum:        "enum",
	TagString:      "string",
	TagText:        "text",
	TagJSON:        "json",
	TagBinary:      "binary",
	TagAlias:       "alias",
	TagVector:      "vector",
	TagCardinality: "cardinality",
	TagReference:   "reference",
	TagReferences:  "references",
	TagObject:      "object",
	TagID:          "id",
}

// String returns the declaration name of the tag.
func (t TypeTag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// Valid reports whether t is a known tag.
func (t TypeTag) Valid() bool {
	return int(t) < len(tagNames)
}

// ParseTypeTag maps a declaration name to its tag.
func ParseTypeTag(name string) (TypeTag, bool) {
	for i, n := range tagNames {
		if n == name {
			return TypeTag(i), true
		}
	}
	switch name {
	case "int":
		return TagInt32, true
	case "uint":
		return TagUint32, true
	case "bool":
		return TagBoolean, true
	case "float":
		return TagNumber, true
	case "microbuffer", "bytes":
		return TagBinary, true
	}
	return TagNull, false
}

// FixedSize returns the byte width of fixed-width tags and 0 for variable ones.
func (t TypeTag) FixedSize() int {
	switch t {
	case TagTimestamp, TagNumber:
		return 8
	case TagInt8, TagUint8, TagBoolean, TagEnum:
		return 1
	case TagInt16, TagUint16:
		return 2
	case TagInt32, TagUint32, TagID:
		return 4
	default:
		return 0
	}
}

// IsNumeric reports whether values of t are numbers.
func (t TypeTag) IsNumeric() bool {
	switch t {
	case TagTimestamp, TagNumber, TagInt8, TagUint8, TagInt16, TagUint16, TagInt32, TagUint32:
		return true
	}
	return false
}

// IsStringLike reports whether t is stored as a (possibly compressed) byte string.
func (t TypeTag) IsStringLike() bool {
	switch t {
	case TagString, TagText, TagJSON, TagBinary, TagAlias:
		return true
	}
	return false
}

// IsReference reports whether t points at other nodes.
func (t TypeTag) IsReference() bool {
	return t == TagReference || t == TagReferences
}

// IntRange returns the inclusive bounds of an integer tag.
func (t TypeTag) IntRange() (lo, hi float64, ok bool) {
	switch t {
	case TagInt8:
		return -128, 127, true
	case TagUint8:
		return 0, 255, true
	case TagInt16:
		return -32768, 32767, true
	case TagUint16:
		return 0, 65535, true
	case TagInt32:
		return -2147483648, 2147483647, true
	case TagUint32:
		return 0, 4294967295, true
	}
	return 0, 0, false
}

// VectorBase is the element type of a vector property.
type VectorBase uint8

const (
	VectorFloat32 VectorBase = iota
	VectorFloat64
	VectorInt8
	VectorUint8
	VectorInt16
	VectorUint16
	VectorInt32
	VectorUint32
)

var vectorBaseNames = [...]string{
	VectorFloat32: "float32",
	VectorFloat64: "float64",
	VectorInt8:    "int8",
	VectorUint8:   "uint8",
	VectorInt16:   "int16",
	VectorUint16:  "uint16",
	VectorInt32:   "int32",
	VectorUint32:  "uint32",
}

func (b VectorBase) String() string {
	if int(b) < len(vectorBaseNames) {
		return vectorBaseNames[b]
	}
	return fmt.Sprintf("vectorbase(%d)", uint8(b))
}

// Width is the byte width of one element.
func (b VectorBase) Width() int {
	switch b {
	case VectorFloat64:
		return 8
	case VectorInt8, VectorUint8:
		return 1
	case VectorInt16, VectorUint16:
		return 2
	default:
		return 4
	}
}

// ParseVectorBase maps a declaration name to a vector base type.
func ParseVectorBase(name string) (VectorBase, bool) {
	if name == "" || name == "number" {
		return VectorFloat32, true
	}
	for i, n := range vectorBaseNames {
		if n == name {
			return VectorBase(i), true
		}
	}
	return VectorFloat32, false
}
