package query

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/roach88/tessel/internal/ir"
	"github.com/roach88/tessel/internal/schema"
	"github.com/roach88/tessel/internal/wire"
)

// filter emits the instructions of pred. Instructions in one block are
// ANDed.
func (c *compiler) filter(buf *wire.Buffer, t, edge *schema.Type, pred Predicate, locale uint8) error {
	switch p := pred.(type) {
	case Cond:
		return c.cond(buf, t, edge, p, locale)
	case *Cond:
		return c.cond(buf, t, edge, *p, locale)
	case And:
		for _, sub := range p.Predicates {
			if err := c.filter(buf, t, edge, sub, locale); err != nil {
				return err
			}
		}
		return nil
	case *And:
		return c.filter(buf, t, edge, *p, locale)
	case Or:
		if len(p.Predicates) == 0 || len(p.Predicates) > math.MaxUint8 {
			return errorf("", "or needs 1 to 255 branches, got %d", len(p.Predicates))
		}
		buf.PutU8(FilterOr)
		buf.PutU8(uint8(len(p.Predicates)))
		for _, sub := range p.Predicates {
			pos := buf.BeginLen()
			if err := c.filter(buf, t, edge, sub, locale); err != nil {
				return err
			}
			buf.EndLen(pos)
		}
		return nil
	case *Or:
		return c.filter(buf, t, edge, *p, locale)
	}
	return errorf("", "unsupported predicate %T", pred)
}

func (c *compiler) cond(buf *wire.Buffer, t, edge *schema.Type, cond Cond, locale uint8) error {
	path := cond.Path
	switch {
	case path == "id":
		return c.emitCond(buf, nil, cond, locale)
	case strings.HasPrefix(path, "$"):
		if edge == nil {
			return errorf(path, "edge field outside a reference with edges")
		}
		p := edge.Prop(path)
		if p == nil {
			return errorf(path, "unknown edge field on %s", edge.Name)
		}
		buf.PutU8(FilterEdge)
		buf.PutU16(edge.ID)
		pos := buf.BeginLen()
		if err := c.emitCond(buf, p, cond, locale); err != nil {
			return err
		}
		buf.EndLen(pos)
		return nil
	}

	parts := strings.Split(path, ".")
	for i := 1; i <= len(parts); i++ {
		p := t.Prop(strings.Join(parts[:i], "."))
		if p == nil {
			continue
		}
		if i == len(parts) {
			return c.emitCond(buf, p, cond, locale)
		}
		if !p.Tag.IsReference() {
			return errorf(path, "%s is a %s, not a reference", p.Path, p.Tag)
		}
		target := c.s.Target(p)
		c.types[target.Name] = true
		buf.PutU8(FilterRef)
		buf.PutU8(p.ID)
		buf.PutU16(target.ID)
		pos := buf.BeginLen()
		sub := cond
		sub.Path = strings.Join(parts[i:], ".")
		if err := c.cond(buf, target, c.s.EdgeType(p), sub, locale); err != nil {
			return err
		}
		buf.EndLen(pos)
		return nil
	}
	return errorf(path, "unknown filter field on %s", t.Name)
}

// emitCond writes [FilterCond][field][op][locale][kind][u16 n][values].
func (c *compiler) emitCond(buf *wire.Buffer, p *schema.Prop, cond Cond, locale uint8) error {
	tag := ir.TagID
	if p != nil {
		tag = p.Tag
	}
	vals := values(cond.Value)
	if err := checkArity(cond, vals); err != nil {
		return err
	}
	if err := checkOperator(p, tag, cond); err != nil {
		return err
	}
	kind := ValNone
	if len(vals) > 0 {
		kind = ValNumber
		if stringValued(tag) {
			kind = ValString
		}
	}

	buf.PutU8(FilterCond)
	putFieldRef(buf, p)
	buf.PutU8(uint8(cond.Op))
	if tag == ir.TagText {
		buf.PutU8(locale)
	} else {
		buf.PutU8(0)
	}
	buf.PutU8(kind)
	buf.PutU16(uint16(len(vals)))
	for _, v := range vals {
		if kind == ValString {
			s, ok := v.(string)
			if !ok {
				return errorf(cond.Path, "%s needs string values, got %T", tag, v)
			}
			buf.PutU32(uint32(len(s)))
			buf.PutString(s)
			continue
		}
		f, err := numberValue(p, tag, v)
		if err != nil {
			return errorf(cond.Path, "%v", err)
		}
		buf.PutF64(f)
	}
	return nil
}

func checkArity(cond Cond, vals []any) error {
	n := len(vals)
	switch cond.Op {
	case OpExists, OpNotExists:
		if n != 0 {
			return errorf(cond.Path, "%s takes no value", cond.Op)
		}
	case OpBetween:
		if n != 2 {
			return errorf(cond.Path, "between takes two values, got %d", n)
		}
	case OpGt, OpLt, OpGe, OpLe:
		if n != 1 {
			return errorf(cond.Path, "%s takes one value, got %d", cond.Op, n)
		}
	case OpEq, OpNeq, OpIncludes:
		if n == 0 {
			return errorf(cond.Path, "%s needs a value", cond.Op)
		}
	default:
		return errorf(cond.Path, "unknown operator %s", cond.Op)
	}
	if n > math.MaxUint16 {
		return errorf(cond.Path, "too many values (%d)", n)
	}
	return nil
}

func checkOperator(p *schema.Prop, tag ir.TypeTag, cond Cond) error {
	bad := func() error {
		return errorf(cond.Path, "operator %s does not apply to %s", cond.Op, tag)
	}
	switch cond.Op {
	case OpExists, OpNotExists:
		if p == nil || p.Main {
			return errorf(cond.Path, "%s needs a separate field", cond.Op)
		}
		return nil
	case OpGt, OpLt, OpGe, OpLe, OpBetween:
		if tag.IsNumeric() || tag == ir.TagID {
			return nil
		}
		return bad()
	case OpIncludes:
		switch tag {
		case ir.TagString, ir.TagAlias, ir.TagText, ir.TagReferences:
			return nil
		}
		return bad()
	}
	// equality
	switch tag {
	case ir.TagReferences, ir.TagVector, ir.TagCardinality, ir.TagJSON, ir.TagBinary:
		return bad()
	}
	return nil
}

func stringValued(tag ir.TypeTag) bool {
	switch tag {
	case ir.TagString, ir.TagAlias, ir.TagText:
		return true
	}
	return false
}

func numberValue(p *schema.Prop, tag ir.TypeTag, v any) (float64, error) {
	switch tag {
	case ir.TagBoolean:
		b, ok := v.(bool)
		if !ok {
			return 0, fmt.Errorf("boolean needs a bool, got %T", v)
		}
		if b {
			return 1, nil
		}
		return 0, nil
	case ir.TagEnum:
		s, ok := v.(string)
		if !ok {
			return 0, fmt.Errorf("enum needs a string, got %T", v)
		}
		idx, ok := p.EnumIndex(s)
		if !ok {
			return 0, fmt.Errorf("%q is not one of %v", s, p.Enum)
		}
		return float64(idx), nil
	case ir.TagTimestamp:
		switch v := v.(type) {
		case time.Time:
			return float64(v.UnixMilli()), nil
		case string:
			ts, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return 0, fmt.Errorf("timestamp %q: %v", v, err)
			}
			return float64(ts.UnixMilli()), nil
		}
	}
	f, ok := schema.ToFloat(v)
	if !ok {
		return 0, fmt.Errorf("%s needs a number, got %T", tag, v)
	}
	return f, nil
}

// values flattens a condition value into its list of operands.
func values(v any) []any {
	if v == nil {
		return nil
	}
	switch v := v.(type) {
	case []any:
		return v
	case []byte, string:
		return []any{v}
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
