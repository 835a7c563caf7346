package query

import (
	"errors"
	"fmt"

	"github.com/roach88/tessel/internal/ir"
	"github.com/roach88/tessel/internal/reader"
	"github.com/roach88/tessel/internal/wire"
)

// ProgramError reports a malformed query program.
type ProgramError struct {
	Offset int
	Reason string
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("query program at offset %d: %s", e.Offset, e.Reason)
}

// IsProgramError reports whether err is a ProgramError.
func IsProgramError(err error) bool {
	var pe *ProgramError
	return errors.As(err, &pe)
}

// Program is a parsed query program, the form an engine executes.
type Program struct {
	SchemaHash uint64
	Kind       uint8
	Target     Target
	Level      *Level
}

// Single reports whether the program selects one node.
func (p *Program) Single() bool {
	return p.Kind == KindItems && (p.Target.Kind == TargetID || p.Target.Kind == TargetAlias)
}

// Target selects the nodes of the root level.
type Target struct {
	Kind      uint8
	ID        uint32
	IDs       []uint32
	AliasProp uint8
	Alias     string
}

// Field addresses a value on a node: a main record slice (Prop 0), a
// separate slot, or the node id.
type Field struct {
	Prop  uint8
	Tag   ir.TypeTag
	Start int
	Size  int
}

// IsID reports whether the field is the node id.
func (f Field) IsID() bool { return f.Prop == 0 && f.Tag == ir.TagID }

// IsMain reports whether the field lives in the main record.
func (f Field) IsMain() bool { return f.Prop == 0 && f.Tag != ir.TagID && f.Tag != ir.TagNull }

// FilterOp is one filter instruction. Cond uses Field through Strings;
// Or uses Branches; Ref and Edge use Prop, Type and Sub.
type FilterOp struct {
	Kind uint8

	Field   Field
	Op      Operator
	Locale  uint8
	Numbers []float64
	Strings []string

	Branches [][]FilterOp

	Prop uint8
	Type uint16
	Sub  []FilterOp
}

// SortSpec orders a list level.
type SortSpec struct {
	Field  Field
	Desc   bool
	Locale uint8
}

// Range is a slice of the main record.
type Range struct {
	Start int
	Size  int
}

// FieldSpec requests one separate field.
type FieldSpec struct {
	Prop   uint8
	Tag    ir.TypeTag
	Mode   reader.ReadMode
	Locale uint8
}

// RefSpec requests the nodes behind a reference field.
type RefSpec struct {
	Prop  uint8
	Many  bool
	Level *Level
}

// AggSpec is one aggregate function.
type AggSpec struct {
	Fn     reader.AggFn
	Field  Field
	Acc    int
	Result int
}

// GroupSpec partitions aggregates.
type GroupSpec struct {
	Field    Field
	Interval reader.Interval
}

// AggregateSpec is the body of an aggregate level.
type AggregateSpec struct {
	Group *GroupSpec
	Fns   []AggSpec
}

// Level is one type's slice of a program.
type Level struct {
	Type   uint16
	Offset uint32
	Limit  uint32
	Filter []FilterOp
	Sort   *SortSpec

	MainFull   bool
	MainRanges []Range
	Fields     []FieldSpec
	Refs       []RefSpec
	Edge       *Level

	Aggregate *AggregateSpec
}

// Parse decodes a program produced by Compile.
func Parse(program []byte) (*Program, error) {
	r := wire.NewReader(program)
	p := &Program{
		SchemaHash: r.U64(),
		Kind:       r.U8(),
	}
	typ := r.U16()
	if p.Kind != KindItems && p.Kind != KindAggregate {
		return nil, &ProgramError{Offset: 8, Reason: fmt.Sprintf("unknown kind %d", p.Kind)}
	}
	p.Target.Kind = r.U8()
	switch p.Target.Kind {
	case TargetAll:
	case TargetID:
		p.Target.ID = r.U32()
	case TargetIDs:
		n := r.U32()
		if int(n)*4 > r.Remaining() {
			return nil, &ProgramError{Offset: r.Pos(), Reason: fmt.Sprintf("%d ids overrun the program", n)}
		}
		p.Target.IDs = make([]uint32, n)
		for i := range p.Target.IDs {
			p.Target.IDs[i] = r.U32()
		}
	case TargetAlias:
		p.Target.AliasProp = r.U8()
		p.Target.Alias = string(r.Bytes(int(r.U32())))
	default:
		return nil, &ProgramError{Offset: r.Pos() - 1, Reason: fmt.Sprintf("unknown target %d", p.Target.Kind)}
	}
	level, err := parseLevel(r, typ, p.Kind == KindAggregate)
	if err != nil {
		return nil, err
	}
	if !r.Done() {
		return nil, &ProgramError{Offset: r.Pos(), Reason: fmt.Sprintf("%d trailing bytes", r.Remaining())}
	}
	p.Level = level
	return p, nil
}

func programErr(r *wire.Reader) error {
	err := r.Err()
	if err == nil {
		return nil
	}
	var te *wire.TruncatedError
	if errors.As(err, &te) {
		return &ProgramError{Offset: te.Offset, Reason: "truncated"}
	}
	return err
}

func parseLevel(r *wire.Reader, typ uint16, aggregate bool) (*Level, error) {
	l := &Level{Type: typ, Offset: r.U32(), Limit: r.U32()}
	fr := r.LenPrefixed()
	filter, err := parseFilter(fr)
	if err != nil {
		return nil, err
	}
	l.Filter = filter
	if r.Bool() {
		l.Sort = &SortSpec{Field: parseField(r), Desc: r.Bool(), Locale: r.U8()}
	}
	body := r.LenPrefixed()
	if err := programErr(r); err != nil {
		return nil, err
	}
	if aggregate {
		l.Aggregate, err = parseAggregate(body)
	} else {
		err = parseBody(body, l, true)
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func parseField(r *wire.Reader) Field {
	return Field{Prop: r.U8(), Tag: ir.TypeTag(r.U8()), Start: int(r.U16()), Size: int(r.U16())}
}

func parseFilter(r *wire.Reader) ([]FilterOp, error) {
	var out []FilterOp
	for !r.Done() {
		at := r.Pos()
		op := FilterOp{Kind: r.U8()}
		switch op.Kind {
		case FilterCond:
			op.Field = parseField(r)
			op.Op = Operator(r.U8())
			op.Locale = r.U8()
			kind := r.U8()
			n := int(r.U16())
			switch kind {
			case ValNone:
			case ValNumber:
				op.Numbers = make([]float64, 0, n)
				for i := 0; i < n && r.Err() == nil; i++ {
					op.Numbers = append(op.Numbers, r.F64())
				}
			case ValString:
				op.Strings = make([]string, 0, n)
				for i := 0; i < n && r.Err() == nil; i++ {
					op.Strings = append(op.Strings, string(r.Bytes(int(r.U32()))))
				}
			default:
				return nil, &ProgramError{Offset: at, Reason: fmt.Sprintf("unknown value kind %d", kind)}
			}
			if _, ok := opNames[op.Op]; !ok {
				return nil, &ProgramError{Offset: at, Reason: fmt.Sprintf("unknown operator %d", op.Op)}
			}
		case FilterOr:
			n := int(r.U8())
			for i := 0; i < n && r.Err() == nil; i++ {
				branch, err := parseFilter(r.LenPrefixed())
				if err != nil {
					return nil, err
				}
				op.Branches = append(op.Branches, branch)
			}
		case FilterRef, FilterEdge:
			if op.Kind == FilterRef {
				op.Prop = r.U8()
			}
			op.Type = r.U16()
			sub, err := parseFilter(r.LenPrefixed())
			if err != nil {
				return nil, err
			}
			op.Sub = sub
		default:
			return nil, &ProgramError{Offset: at, Reason: fmt.Sprintf("unknown filter op %d", op.Kind)}
		}
		if err := programErr(r); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, programErr(r)
}

// parseBody reads include ops. Edge bodies carry fields only.
func parseBody(r *wire.Reader, l *Level, refs bool) error {
	for !r.Done() {
		at := r.Pos()
		switch op := r.U8(); op {
		case IncMainFull:
			l.MainFull = true
		case IncMainPart:
			n := int(r.U16())
			for i := 0; i < n && r.Err() == nil; i++ {
				l.MainRanges = append(l.MainRanges, Range{Start: int(r.U16()), Size: int(r.U16())})
			}
		case IncField:
			l.Fields = append(l.Fields, FieldSpec{
				Prop:   r.U8(),
				Tag:    ir.TypeTag(r.U8()),
				Mode:   reader.ReadMode(r.U8()),
				Locale: r.U8(),
			})
		case IncRef, IncRefs:
			if !refs {
				return &ProgramError{Offset: at, Reason: "reference inside an edge body"}
			}
			prop := r.U8()
			sub := r.LenPrefixed()
			level, err := parseLevel(sub, sub.U16(), false)
			if err != nil {
				return err
			}
			if !sub.Done() {
				return &ProgramError{Offset: sub.Pos(), Reason: "trailing bytes in reference"}
			}
			l.Refs = append(l.Refs, RefSpec{Prop: prop, Many: op == IncRefs, Level: level})
		case IncEdge:
			if !refs {
				return &ProgramError{Offset: at, Reason: "edge inside an edge body"}
			}
			edge := &Level{}
			if err := parseBody(r.LenPrefixed(), edge, false); err != nil {
				return err
			}
			l.Edge = edge
		default:
			return &ProgramError{Offset: at, Reason: fmt.Sprintf("unknown include op %d", op)}
		}
		if err := programErr(r); err != nil {
			return err
		}
	}
	return programErr(r)
}

func parseAggregate(r *wire.Reader) (*AggregateSpec, error) {
	spec := &AggregateSpec{}
	if r.Bool() {
		spec.Group = &GroupSpec{Field: parseField(r), Interval: reader.Interval(r.U8())}
	}
	n := int(r.U8())
	for i := 0; i < n && r.Err() == nil; i++ {
		spec.Fns = append(spec.Fns, AggSpec{
			Fn:     reader.AggFn(r.U8()),
			Field:  parseField(r),
			Acc:    int(r.U16()),
			Result: int(r.U16()),
		})
	}
	if err := programErr(r); err != nil {
		return nil, err
	}
	if !r.Done() {
		return nil, &ProgramError{Offset: r.Pos(), Reason: "trailing bytes in aggregate"}
	}
	return spec, nil
}
