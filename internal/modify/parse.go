package modify

import (
	"errors"
	"fmt"

	"github.com/roach88/tessel/internal/ir"
	"github.com/roach88/tessel/internal/schema"
	"github.com/roach88/tessel/internal/wire"
)

// Batch is a parsed modify buffer, the form an engine applies.
type Batch struct {
	SchemaHash uint64
	Ops        []Operation
}

// Operation is one parsed cursor with its instructions.
type Operation struct {
	Offset     int
	Op         uint8
	Type       *schema.Type
	TargetKind uint8
	Target     uint32
	Handle     uint32
	TTL        uint32 // seconds, expire only
	Fields     []Instr
}

// Instr is one field instruction. Which fields are set depends on Op:
// MainFull and MainPart use Data (and Start), Increment and Decrement use
// Start, Tag and Delta, Set uses Data (or Refs for a single reference),
// the Ref ops use Refs, MergeMain uses Patches.
type Instr struct {
	Prop    *schema.Prop // nil for main record instructions
	Op      uint8
	Start   int
	Tag     ir.TypeTag
	Delta   float64
	Data    []byte
	Refs    []RefItem
	Patches []Patch
}

// RefItem is one reference target with optional edge instructions.
type RefItem struct {
	Kind uint8
	ID   uint32
	Edge []Instr
}

// Patch overwrites a slice of the main record.
type Patch struct {
	Start int
	Data  []byte
}

// Parse decodes a buffer produced by Ctx against s. Parse does not check
// the schema hash; callers compare Batch.SchemaHash with their own.
func Parse(s *schema.Schema, buf []byte) (*Batch, error) {
	r := wire.NewReader(buf)
	b := &Batch{SchemaHash: r.U64()}
	if err := bufferErr(r); err != nil {
		return nil, err
	}
	for !r.Done() {
		op, err := parseOp(s, r)
		if err != nil {
			return nil, err
		}
		b.Ops = append(b.Ops, op)
	}
	return b, nil
}

func bufferErr(r *wire.Reader) error {
	err := r.Err()
	if err == nil {
		return nil
	}
	var te *wire.TruncatedError
	if errors.As(err, &te) {
		return &BufferError{Offset: te.Offset, Reason: "truncated"}
	}
	return err
}

func parseOp(s *schema.Schema, r *wire.Reader) (Operation, error) {
	op := Operation{Offset: r.Pos(), Op: r.U8()}
	typ := r.U16()
	op.TargetKind = r.U8()
	op.Target = r.U32()
	op.Handle = r.U32()
	if err := bufferErr(r); err != nil {
		return op, err
	}
	if _, ok := opNames[op.Op]; !ok {
		return op, &BufferError{Offset: op.Offset, Reason: fmt.Sprintf("unknown operation %d", op.Op)}
	}
	op.Type = s.TypeByID(typ)
	if op.Type == nil || op.Type.Edge {
		return op, &BufferError{Offset: op.Offset + 1, Reason: fmt.Sprintf("unknown type %d", typ)}
	}
	if op.TargetKind > TargetNone {
		return op, &BufferError{Offset: op.Offset + 3, Reason: fmt.Sprintf("unknown target kind %d", op.TargetKind)}
	}
	if op.Op == OpExpire {
		op.TTL = r.U32()
	}
	fields, err := parseFields(s, op.Type, r)
	if err != nil {
		return op, err
	}
	op.Fields = fields
	return op, nil
}

// parseFields reads instructions up to and including the end marker.
func parseFields(s *schema.Schema, t *schema.Type, r *wire.Reader) ([]Instr, error) {
	var out []Instr
	for {
		at := r.Pos()
		id := r.U8()
		if err := bufferErr(r); err != nil {
			return nil, err
		}
		if id == EndMarker {
			return out, nil
		}
		in := Instr{Op: r.U8()}
		if id != 0 {
			in.Prop = t.ByID(id)
			if in.Prop == nil {
				return nil, &BufferError{Offset: at, Reason: fmt.Sprintf("%s has no property %d", t.Name, id)}
			}
		}
		if err := parseInstr(s, t, r, &in, at); err != nil {
			return nil, err
		}
		if err := bufferErr(r); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
}

func parseInstr(s *schema.Schema, t *schema.Type, r *wire.Reader, in *Instr, at int) error {
	mainOp := in.Op == FieldMainFull || in.Op == FieldMainPart || in.Op == FieldIncrement ||
		in.Op == FieldDecrement || in.Op == FieldMergeMain
	if mainOp != (in.Prop == nil) {
		return &BufferError{Offset: at, Reason: fmt.Sprintf("field op %d on the wrong block", in.Op)}
	}
	switch in.Op {
	case FieldMainFull:
		in.Data = r.Bytes(int(r.U16()))
		if r.Err() == nil && len(in.Data) != t.MainLen {
			return &BufferError{Offset: at, Reason: fmt.Sprintf("main record of %d bytes, %s needs %d", len(in.Data), t.Name, t.MainLen)}
		}
	case FieldMainPart:
		in.Start = int(r.U16())
		in.Data = r.Bytes(int(r.U16()))
		if in.Start+len(in.Data) > t.MainLen {
			return &BufferError{Offset: at, Reason: "main write past the record"}
		}
	case FieldIncrement, FieldDecrement:
		in.Start = int(r.U16())
		in.Tag = ir.TypeTag(r.U8())
		in.Delta = r.F64()
		if !in.Tag.IsNumeric() || in.Start+in.Tag.FixedSize() > t.MainLen {
			return &BufferError{Offset: at, Reason: "bad increment target"}
		}
	case FieldMergeMain:
		n := int(r.U16())
		for i := 0; i < n && r.Err() == nil; i++ {
			p := Patch{Start: int(r.U16())}
			p.Data = r.Bytes(int(r.U16()))
			if p.Start+len(p.Data) > t.MainLen {
				return &BufferError{Offset: at, Reason: "merge write past the record"}
			}
			in.Patches = append(in.Patches, p)
		}
	case FieldDelete:
	case FieldSet:
		sub := r.LenPrefixed()
		if in.Prop.Tag == ir.TagReference {
			item, err := parseRefItem(s, in.Prop, sub)
			if err != nil {
				return err
			}
			in.Refs = []RefItem{item}
			if !sub.Done() {
				return &BufferError{Offset: sub.Pos(), Reason: "trailing bytes in reference"}
			}
			return bufferErr(sub)
		}
		in.Data = sub.Rest()
		return bufferErr(sub)
	case FieldRefSet, FieldRefAdd, FieldRefDelete:
		if in.Prop.Tag != ir.TagReferences {
			return &BufferError{Offset: at, Reason: fmt.Sprintf("%s is not a references property", in.Prop.Path)}
		}
		sub := r.LenPrefixed()
		n := int(sub.U32())
		for i := 0; i < n && sub.Err() == nil; i++ {
			item, err := parseRefItem(s, in.Prop, sub)
			if err != nil {
				return err
			}
			in.Refs = append(in.Refs, item)
		}
		if err := bufferErr(sub); err != nil {
			return err
		}
		if !sub.Done() {
			return &BufferError{Offset: sub.Pos(), Reason: "trailing bytes in references"}
		}
	default:
		return &BufferError{Offset: at, Reason: fmt.Sprintf("unknown field op %d", in.Op)}
	}
	return nil
}

func parseRefItem(s *schema.Schema, p *schema.Prop, r *wire.Reader) (RefItem, error) {
	item := RefItem{Kind: r.U8(), ID: r.U32()}
	hasEdge := r.Bool()
	if err := bufferErr(r); err != nil {
		return item, err
	}
	if item.Kind != TargetReal && item.Kind != TargetTemp {
		return item, &BufferError{Offset: r.Pos() - 6, Reason: fmt.Sprintf("bad reference kind %d", item.Kind)}
	}
	if !hasEdge {
		return item, nil
	}
	et := s.EdgeType(p)
	if et == nil {
		return item, &BufferError{Offset: r.Pos(), Reason: fmt.Sprintf("%s has no edge properties", p.Path)}
	}
	sub := r.LenPrefixed()
	edge, err := parseFields(s, et, sub)
	if err != nil {
		return item, err
	}
	if !sub.Done() {
		return item, &BufferError{Offset: sub.Pos(), Reason: "trailing bytes in edge block"}
	}
	item.Edge = edge
	return item, nil
}
