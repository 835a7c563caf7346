package schema

import (
	"strings"

	"github.com/roach88/tessel/internal/ir"
	"github.com/roach88/tessel/internal/wire"
)

const (
	// MainStringThreshold is the largest maxBytes of a string packed into
	// the main record.
	MainStringThreshold = 32

	// MaxSeparateProps bounds the separate property ids of one type.
	MaxSeparateProps = 250

	// MaxEnumValues bounds enum tables; ordinal 0 means unset.
	MaxEnumValues = 254

	// DefaultBlockCapacity is the storage grouping hint when a type
	// declares none.
	DefaultBlockCapacity = 100_000

	// DefaultLocale is used when a schema declares no locales.
	DefaultLocale = "en"
)

// Trigger marks timestamps the encoder fills in on its own.
type Trigger uint8

const (
	TriggerNone Trigger = iota
	TriggerCreate
	TriggerUpdate // on create and on every update
)

// NumRule bounds numeric values. Integer widths get their natural range.
type NumRule struct {
	Min, Max       float64
	HasMin, HasMax bool
	Step           float64
	Integer        bool
}

// VectorInfo describes a fixed-length numeric vector.
type VectorInfo struct {
	Base ir.VectorBase
	Size int
}

// ByteLen is the encoded length of a full vector.
func (v *VectorInfo) ByteLen() int {
	return v.Base.Width() * v.Size
}

// RefInfo links a reference to its target type, inverse and edge table.
type RefInfo struct {
	Target  uint16
	Inverse uint8
	Edge    uint16 // edge Type id, 0 when the relationship has no edge props
}

// Prop is a compiled property descriptor. Which of Num, Enum, Vector and
// Ref is set depends on Tag; downstream code switches on Tag only.
type Prop struct {
	ID    uint8 // separate slot id; 0 for main record props
	Path  string
	Tag   ir.TypeTag
	Owner uint16

	Main  bool
	Start int
	Size  int

	Required bool
	Default  any
	On       Trigger

	Num      *NumRule
	MaxBytes int
	Enum     []string
	Vector   *VectorInfo
	Ref      *RefInfo
}

// IsEdge reports whether the prop lives on an edge table.
func (p *Prop) IsEdge() bool {
	return strings.HasPrefix(p.Path, "$")
}

// EnumIndex returns the 1-based ordinal of an enum value.
func (p *Prop) EnumIndex(v string) (uint8, bool) {
	for i, e := range p.Enum {
		if e == v {
			return uint8(i + 1), true
		}
	}
	return 0, false
}

// EnumValue maps an ordinal back to its value; ordinal 0 is unset.
func (p *Prop) EnumValue(idx uint8) (string, bool) {
	if idx == 0 || int(idx) > len(p.Enum) {
		return "", false
	}
	return p.Enum[idx-1], true
}

// PutMain writes a normalized value into a main record: float64 for
// numerics, bool, string for enums and fixed strings.
func (p *Prop) PutMain(rec []byte, v any) {
	dst := rec[p.Start : p.Start+p.Size]
	switch v := v.(type) {
	case float64:
		wire.PutFixed(dst, p.Tag, v)
	case bool:
		if v {
			dst[0] = 1
		} else {
			dst[0] = 0
		}
	case uint8:
		dst[0] = v
	case string:
		if p.Tag == ir.TagEnum {
			idx, _ := p.EnumIndex(v)
			dst[0] = idx
			return
		}
		wire.PutFixedString(dst, v, p.Size)
	}
}

// ReadMain reads the prop out of a main record. Unset enums read as nil.
func (p *Prop) ReadMain(rec []byte) any {
	src := rec[p.Start : p.Start+p.Size]
	switch p.Tag {
	case ir.TagBoolean:
		return src[0] != 0
	case ir.TagEnum:
		if v, ok := p.EnumValue(src[0]); ok {
			return v
		}
		return nil
	case ir.TagString:
		return wire.ReadFixedString(src)
	}
	return wire.ReadFixed(src, p.Tag)
}

// Type is a compiled node type or edge table.
type Type struct {
	ID    uint16
	Name  string
	Edge  bool
	Owner uint16 // owning type of an edge table

	Props    map[string]*Prop
	Paths    []string // sorted
	Main     []*Prop  // by offset
	MainLen  int
	Separate []*Prop // index id-1

	BlockCapacity int

	Aliases     []*Prop
	Triggers    []*Prop
	Required    []*Prop
	MainDefault []byte
}

// Prop returns the leaf property at path.
func (t *Type) Prop(path string) *Prop {
	return t.Props[path]
}

// ByID returns the separate property with id, or nil.
func (t *Type) ByID(id uint8) *Prop {
	if id == 0 || int(id) > len(t.Separate) {
		return nil
	}
	return t.Separate[id-1]
}

// SeparateCount is the number of separate property slots.
func (t *Type) SeparateCount() int {
	return len(t.Separate)
}

// Leaves returns the props at or below path in path order. An empty path
// selects every prop. A path naming a nested object selects its leaves.
func (t *Type) Leaves(path string) []*Prop {
	if path == "" {
		out := make([]*Prop, 0, len(t.Paths))
		for _, p := range t.Paths {
			out = append(out, t.Props[p])
		}
		return out
	}
	if p, ok := t.Props[path]; ok {
		return []*Prop{p}
	}
	prefix := path + "."
	var out []*Prop
	for _, p := range t.Paths {
		if strings.HasPrefix(p, prefix) {
			out = append(out, t.Props[p])
		}
	}
	return out
}

// NewMainRecord returns a main record initialised with declared defaults.
func (t *Type) NewMainRecord() []byte {
	rec := make([]byte, t.MainLen)
	copy(rec, t.MainDefault)
	return rec
}

// Schema is an immutable compiled schema generation.
type Schema struct {
	Types     []*Type // indexed by id, Types[0] is nil
	Locales   []string
	Fallbacks map[string]string
	Hash      uint64
	Decl      *Decl

	byName map[string]*Type
}

// Type looks a type up by name.
func (s *Schema) Type(name string) (*Type, bool) {
	t, ok := s.byName[name]
	return t, ok
}

// TypeByID returns the type with id, or nil.
func (s *Schema) TypeByID(id uint16) *Type {
	if id == 0 || int(id) >= len(s.Types) {
		return nil
	}
	return s.Types[id]
}

// Names returns the node type names (edge tables excluded) in id order.
func (s *Schema) Names() []string {
	var out []string
	for _, t := range s.Types[1:] {
		if !t.Edge {
			out = append(out, t.Name)
		}
	}
	return out
}

// Target returns the type a reference points at.
func (s *Schema) Target(p *Prop) *Type {
	if p.Ref == nil {
		return nil
	}
	return s.TypeByID(p.Ref.Target)
}

// Inverse returns the paired reference on the target type.
func (s *Schema) Inverse(p *Prop) *Prop {
	t := s.Target(p)
	if t == nil {
		return nil
	}
	return t.ByID(p.Ref.Inverse)
}

// EdgeType returns the edge table of a reference, or nil.
func (s *Schema) EdgeType(p *Prop) *Type {
	if p.Ref == nil || p.Ref.Edge == 0 {
		return nil
	}
	return s.TypeByID(p.Ref.Edge)
}

// LocaleCode returns the 1-based locale byte of a tag.
func (s *Schema) LocaleCode(tag string) (uint8, bool) {
	for i, l := range s.Locales {
		if l == tag {
			return uint8(i + 1), true
		}
	}
	return 0, false
}

// LocaleTag maps a locale byte back to its tag.
func (s *Schema) LocaleTag(code uint8) (string, bool) {
	if code == 0 || int(code) > len(s.Locales) {
		return "", false
	}
	return s.Locales[code-1], true
}
