package modify

// Operation codes.
const (
	OpCreate uint8 = 1
	OpUpdate uint8 = 2
	OpUpsert uint8 = 3
	OpDelete uint8 = 4
	OpExpire uint8 = 5
)

// Target kinds of a cursor or reference item.
const (
	TargetReal uint8 = 0
	TargetTemp uint8 = 1
	TargetNone uint8 = 2
)

// Field operations.
const (
	FieldSet       uint8 = 1
	FieldDelete    uint8 = 2
	FieldMainFull  uint8 = 3
	FieldMainPart  uint8 = 4
	FieldIncrement uint8 = 5
	FieldDecrement uint8 = 6
	FieldRefSet    uint8 = 7
	FieldRefAdd    uint8 = 8
	FieldRefDelete uint8 = 9
	FieldMergeMain uint8 = 10
)

// EndMarker closes an operation and an edge block.
const EndMarker uint8 = 0xFF

// HeaderLen is the schema hash prefix of every buffer.
const HeaderLen = 8

// CursorLen is the fixed size of an operation header.
const CursorLen = 12

var opNames = map[uint8]string{
	OpCreate: "create",
	OpUpdate: "update",
	OpUpsert: "upsert",
	OpDelete: "delete",
	OpExpire: "expire",
}

// OpName returns the lower-case name of an operation code.
func OpName(op uint8) string {
	if n, ok := opNames[op]; ok {
		return n
	}
	return "op?"
}
