package reader

import (
	"github.com/roach88/tessel/internal/ir"
)

// Result block tags.
const (
	ResMain  uint8 = 1
	ResField uint8 = 2
	ResRef   uint8 = 3
	ResRefs  uint8 = 4
	ResEdge  uint8 = 5
	ResMeta  uint8 = 6
)

// ReadMode selects what is returned for string-like fields.
type ReadMode uint8

const (
	ModeValue ReadMode = iota
	ModeMeta
	ModeBoth
)

var readModeNames = [...]string{"value", "meta", "both"}

func (m ReadMode) String() string {
	if int(m) < len(readModeNames) {
		return readModeNames[m]
	}
	return "mode(?)"
}

// ParseReadMode maps a mode name to its value.
func ParseReadMode(s string) (ReadMode, bool) {
	for i, n := range readModeNames {
		if n == s {
			return ReadMode(i), true
		}
	}
	return ModeValue, false
}

// Meta describes a stored string without necessarily carrying it.
type Meta struct {
	Value      *string `json:"value,omitempty"`
	Checksum   uint32  `json:"checksum"`
	Size       uint32  `json:"size"`
	Compressed bool    `json:"compressed"`
}

// Prop is the decode-side view of one requested field.
type Prop struct {
	ID    uint8 // 0 for main record fields
	Path  string
	Tag   ir.TypeTag
	Start int // offset inside the returned main block
	Size  int

	Enum       []string
	Locales    []string // locale byte - 1 -> tag
	Locale     uint8    // requested locale, 0 for all
	Mode       ReadMode
	VectorBase ir.VectorBase
	VectorSize int

	Ref *Schema // nested schema of reference fields
}

// Schema mirrors one compiled query level.
type Schema struct {
	Type        string
	Main        []*Prop // requested main fields by Start
	MainLen     int     // expected main block length
	PartialMain bool
	Props       map[uint8]*Prop
	Edge        *Schema // edge fields of the reference this schema hangs off
	Single      bool
	Aggregate   *AggregateLayout
}

// NewSchema returns an empty schema for typ.
func NewSchema(typ string) *Schema {
	return &Schema{Type: typ, Props: make(map[uint8]*Prop)}
}

// Fields returns every requested field, main first, then separate by id.
func (s *Schema) Fields() []*Prop {
	out := make([]*Prop, 0, len(s.Main)+len(s.Props))
	out = append(out, s.Main...)
	for id := 1; id <= 255; id++ {
		if p, ok := s.Props[uint8(id)]; ok {
			out = append(out, p)
		}
	}
	return out
}
