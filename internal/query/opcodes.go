package query

// Program kinds.
const (
	KindItems     uint8 = 1
	KindAggregate uint8 = 2
)

// Target kinds.
const (
	TargetAll   uint8 = 0
	TargetID    uint8 = 1
	TargetIDs   uint8 = 2
	TargetAlias uint8 = 3
)

// Filter instructions.
const (
	FilterCond uint8 = 1 // [field][op][locale][values]
	FilterOr   uint8 = 2 // [u8 n]([u32 len][ops])*
	FilterRef  uint8 = 3 // [prop][u16 type][u32 len][ops on target]
	FilterEdge uint8 = 4 // [u16 type][u32 len][ops on edge table]
)

// Filter value kinds.
const (
	ValNone   uint8 = 0
	ValNumber uint8 = 1 // f64 each
	ValString uint8 = 2 // [u32 len][bytes] each
)

// Include instructions.
const (
	IncMainFull uint8 = 1
	IncMainPart uint8 = 2 // [u16 n]([u16 start][u16 len])*
	IncField    uint8 = 3 // [prop][tag][mode][locale]
	IncRef      uint8 = 4 // [prop][u32 len][sub-program]
	IncRefs     uint8 = 5 // [prop][u32 len][sub-program]
	IncEdge     uint8 = 6 // [u32 len][include ops on edge table]
)

// Unlimited is the encoded limit of a query without one.
const Unlimited = ^uint32(0)
