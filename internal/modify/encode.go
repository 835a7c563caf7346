package modify

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/roach88/tessel/internal/ir"
	"github.com/roach88/tessel/internal/schema"
	"github.com/roach88/tessel/internal/wire"
)

// Delta adds By to a main numeric field; a negative By decrements.
type Delta struct {
	By float64
}

// Increment returns a Delta adding by.
func Increment(by float64) Delta { return Delta{By: by} }

// Decrement returns a Delta subtracting by.
func Decrement(by float64) Delta { return Delta{By: -by} }

type field struct {
	p *schema.Prop
	v any
}

// flatten resolves nested value maps to leaf props, in path order.
func flatten(t *schema.Type, values map[string]any) ([]field, error) {
	out := make(map[*schema.Prop]any)
	var walk func(prefix string, m map[string]any) error
	walk = func(prefix string, m map[string]any) error {
		for k, v := range m {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			if p := t.Prop(path); p != nil {
				if _, dup := out[p]; dup {
					return invalid(t.Name, path, v, "is set twice")
				}
				out[p] = v
				continue
			}
			if sub, ok := v.(map[string]any); ok && len(t.Leaves(path)) > 0 {
				if err := walk(path, sub); err != nil {
					return err
				}
				continue
			}
			return invalid(t.Name, path, v, "unknown property")
		}
		return nil
	}
	if err := walk("", values); err != nil {
		return nil, err
	}
	fields := make([]field, 0, len(out))
	for p, v := range out {
		fields = append(fields, field{p: p, v: v})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].p.Path < fields[j].p.Path })
	return fields, nil
}

func (c *Ctx) createBody(t *schema.Type, values map[string]any) error {
	fields, err := flatten(t, values)
	if err != nil {
		return err
	}
	set := make(map[*schema.Prop]any, len(fields))
	for _, f := range fields {
		set[f.p] = f.v
	}
	for _, p := range t.Required {
		if v, ok := set[p]; (!ok || v == nil) && p.Default == nil {
			return invalid(t.Name, p.Path, v, "is required")
		}
	}

	if t.MainLen > 0 {
		rec := t.NewMainRecord()
		for _, f := range fields {
			if !f.p.Main || f.v == nil {
				continue
			}
			if _, ok := deltaOf(f.v); ok {
				return invalid(t.Name, f.p.Path, f.v, "increment needs an existing node")
			}
			v, err := c.mainValue(t, f.p, f.v)
			if err != nil {
				return err
			}
			f.p.PutMain(rec, v)
		}
		c.buf.PutU8(0)
		c.buf.PutU8(FieldMainFull)
		c.buf.PutU16(uint16(len(rec)))
		c.buf.PutBytes(rec)
	}

	for _, p := range t.Separate {
		v, ok := set[p]
		if !ok || v == nil {
			if p.Default == nil {
				continue
			}
			v = p.Default
		}
		if err := c.setField(t, p, v, true); err != nil {
			return err
		}
	}
	c.triggers(t, set, true)
	c.putMerge()
	return nil
}

func (c *Ctx) updateBody(t *schema.Type, values map[string]any) error {
	fields, err := flatten(t, values)
	if err != nil {
		return err
	}
	set, err := c.updateFields(t, fields)
	if err != nil {
		return err
	}
	c.triggers(t, set, false)
	c.putMerge()
	return nil
}

func (c *Ctx) upsertBody(t *schema.Type, values map[string]any) error {
	fields, err := flatten(t, values)
	if err != nil {
		return err
	}
	found := false
	for _, f := range fields {
		if s, ok := f.v.(string); ok && f.p.Tag == ir.TagAlias && s != "" {
			found = true
		}
	}
	if !found {
		path := ""
		if len(t.Aliases) > 0 {
			path = t.Aliases[0].Path
		}
		return invalid(t.Name, path, nil, "upsert needs an alias value")
	}
	set, err := c.updateFields(t, fields)
	if err != nil {
		return err
	}
	c.triggers(t, set, false)
	c.putMerge()
	return nil
}

// updateFields writes fields with update semantics: main props as
// partial writes, nil clears.
func (c *Ctx) updateFields(t *schema.Type, fields []field) (map[*schema.Prop]any, error) {
	set := make(map[*schema.Prop]any, len(fields))
	var scratch []byte
	for _, f := range fields {
		set[f.p] = f.v
		if !f.p.Main {
			if err := c.setField(t, f.p, f.v, false); err != nil {
				return nil, err
			}
			continue
		}
		if d, ok := deltaOf(f.v); ok {
			if !f.p.Tag.IsNumeric() {
				return nil, invalid(t.Name, f.p.Path, f.v, "%s cannot be incremented", f.p.Tag)
			}
			if math.IsNaN(d.By) || math.IsInf(d.By, 0) {
				return nil, invalid(t.Name, f.p.Path, f.v, "must be a finite number")
			}
			op, by := FieldIncrement, d.By
			if by < 0 {
				op, by = FieldDecrement, -by
			}
			c.buf.PutU8(0)
			c.buf.PutU8(op)
			c.buf.PutU16(uint16(f.p.Start))
			c.buf.PutU8(uint8(f.p.Tag))
			c.buf.PutF64(by)
			continue
		}
		if scratch == nil {
			scratch = make([]byte, t.MainLen)
		}
		dst := scratch[f.p.Start : f.p.Start+f.p.Size]
		if f.v == nil {
			copy(dst, t.MainDefault[f.p.Start:f.p.Start+f.p.Size])
		} else {
			v, err := c.mainValue(t, f.p, f.v)
			if err != nil {
				return nil, err
			}
			clear(dst)
			f.p.PutMain(scratch, v)
		}
		c.buf.PutU8(0)
		c.buf.PutU8(FieldMainPart)
		c.buf.PutU16(uint16(f.p.Start))
		c.buf.PutU16(uint16(f.p.Size))
		c.buf.PutBytes(dst)
	}
	return set, nil
}

func deltaOf(v any) (Delta, bool) {
	switch v := v.(type) {
	case Delta:
		return v, true
	case map[string]any:
		if len(v) != 1 {
			return Delta{}, false
		}
		if n, ok := v["increment"]; ok {
			f, ok := schema.ToFloat(n)
			return Delta{By: f}, ok
		}
		if n, ok := v["decrement"]; ok {
			f, ok := schema.ToFloat(n)
			return Delta{By: -f}, ok
		}
	}
	return Delta{}, false
}

// triggers queues set-on-create and set-on-update timestamps that were
// not given explicitly.
func (c *Ctx) triggers(t *schema.Type, set map[*schema.Prop]any, create bool) {
	if len(t.Triggers) == 0 {
		return
	}
	now := float64(c.clock.Now().UnixMilli())
	for _, p := range t.Triggers {
		if _, ok := set[p]; ok {
			continue
		}
		if p.On == schema.TriggerUpdate || (create && p.On == schema.TriggerCreate) {
			b := make([]byte, p.Size)
			wire.PutFixed(b, p.Tag, now)
			c.merge = append(c.merge, mergeEntry{start: p.Start, data: b})
		}
	}
}

func (c *Ctx) putMerge() {
	if len(c.merge) == 0 {
		return
	}
	c.buf.PutU8(0)
	c.buf.PutU8(FieldMergeMain)
	c.buf.PutU16(uint16(len(c.merge)))
	for _, m := range c.merge {
		c.buf.PutU16(uint16(m.start))
		c.buf.PutU16(uint16(len(m.data)))
		c.buf.PutBytes(m.data)
	}
	c.merge = c.merge[:0]
}

// mainValue validates v and returns it in the form Prop.PutMain takes.
func (c *Ctx) mainValue(t *schema.Type, p *schema.Prop, v any) (any, error) {
	switch p.Tag {
	case ir.TagBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, invalid(t.Name, p.Path, v, "must be a boolean")
		}
		return b, nil
	case ir.TagEnum:
		s, ok := v.(string)
		if !ok {
			return nil, invalid(t.Name, p.Path, v, "must be one of %s", strings.Join(p.Enum, ", "))
		}
		idx, ok := p.EnumIndex(s)
		if !ok {
			return nil, invalid(t.Name, p.Path, v, "must be one of %s", strings.Join(p.Enum, ", "))
		}
		return idx, nil
	case ir.TagString:
		s, ok := v.(string)
		if !ok {
			return nil, invalid(t.Name, p.Path, v, "must be a string")
		}
		if err := p.CheckString(s); err != nil {
			return nil, invalid(t.Name, p.Path, v, "%v", err)
		}
		return s, nil
	}
	f, ok := numberOf(p.Tag, v)
	if !ok {
		return nil, invalid(t.Name, p.Path, v, "must be a number")
	}
	if err := p.CheckNumber(f); err != nil {
		return nil, invalid(t.Name, p.Path, v, "%v", err)
	}
	return f, nil
}

func numberOf(tag ir.TypeTag, v any) (float64, bool) {
	if tag == ir.TagTimestamp {
		switch v := v.(type) {
		case time.Time:
			return float64(v.UnixMilli()), true
		case string:
			ts, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return 0, false
			}
			return float64(ts.UnixMilli()), true
		}
	}
	return schema.ToFloat(v)
}

// setField writes one separate prop. On update a nil value clears it.
func (c *Ctx) setField(t *schema.Type, p *schema.Prop, v any, create bool) error {
	if v == nil {
		if create {
			return nil
		}
		c.buf.PutU8(p.ID)
		c.buf.PutU8(FieldDelete)
		return nil
	}
	switch p.Tag {
	case ir.TagString, ir.TagAlias:
		s, ok := v.(string)
		if !ok {
			return invalid(t.Name, p.Path, v, "must be a string")
		}
		if err := p.CheckString(s); err != nil {
			return invalid(t.Name, p.Path, v, "%v", err)
		}
		threshold := c.threshold
		if p.Tag == ir.TagAlias {
			threshold = -1
		}
		c.putSet(p, func() { c.buf.PutCompressible([]byte(s), threshold) })
	case ir.TagBinary:
		var b []byte
		switch v := v.(type) {
		case []byte:
			b = v
		case string:
			b = []byte(v)
		default:
			return invalid(t.Name, p.Path, v, "must be bytes")
		}
		if err := p.CheckString(string(b)); err != nil {
			return invalid(t.Name, p.Path, v, "%v", err)
		}
		c.putSet(p, func() { c.buf.PutCompressible(b, c.threshold) })
	case ir.TagJSON:
		b, err := json.Marshal(v)
		if err != nil {
			return invalid(t.Name, p.Path, v, "must be JSON-encodable: %v", err)
		}
		if err := p.CheckString(string(b)); err != nil {
			return invalid(t.Name, p.Path, v, "%v", err)
		}
		c.putSet(p, func() { c.buf.PutCompressible(b, c.threshold) })
	case ir.TagText:
		return c.setText(t, p, v)
	case ir.TagVector:
		b, err := vectorBytes(p, v)
		if err != nil {
			return invalid(t.Name, p.Path, v, "%v", err)
		}
		c.putSet(p, func() { c.buf.PutBytes(b) })
	case ir.TagCardinality:
		items := listOf(v)
		c.putSet(p, func() {
			c.buf.PutU32(uint32(len(items)))
			for _, it := range items {
				c.buf.PutU64(xxhash.Sum64String(fmt.Sprint(it)))
			}
		})
	case ir.TagReference:
		return c.setReference(t, p, v)
	case ir.TagReferences:
		return c.setReferences(t, p, v)
	default:
		return invalid(t.Name, p.Path, v, "%s cannot be set", p.Tag)
	}
	return nil
}

// putSet writes [prop][FieldSet][u32 len][payload].
func (c *Ctx) putSet(p *schema.Prop, payload func()) {
	c.buf.PutU8(p.ID)
	c.buf.PutU8(FieldSet)
	pos := c.buf.BeginLen()
	payload()
	c.buf.EndLen(pos)
}

func (c *Ctx) setText(t *schema.Type, p *schema.Prop, v any) error {
	var values map[string]string
	switch v := v.(type) {
	case string:
		if len(c.s.Locales) == 0 {
			return invalid(t.Name, p.Path, v, "schema declares no locales")
		}
		values = map[string]string{c.s.Locales[0]: v}
	case map[string]string:
		values = v
	case map[string]any:
		values = make(map[string]string, len(v))
		for k, e := range v {
			s, ok := e.(string)
			if !ok {
				return invalid(t.Name, p.Path+"."+k, e, "must be a string")
			}
			values[k] = s
		}
	default:
		return invalid(t.Name, p.Path, v, "must be a string or a locale map")
	}
	for _, locale := range ir.SortedKeys(values) {
		s := values[locale]
		code, ok := c.s.LocaleCode(locale)
		if !ok {
			return invalid(t.Name, p.Path, locale, "unknown locale")
		}
		if err := p.CheckString(s); err != nil {
			return invalid(t.Name, p.Path, s, "%v", err)
		}
		c.putSet(p, func() {
			c.buf.PutU8(code)
			c.buf.PutCompressible([]byte(s), c.threshold)
		})
	}
	return nil
}

func (c *Ctx) setReference(t *schema.Type, p *schema.Prop, v any) error {
	c.buf.PutU8(p.ID)
	c.buf.PutU8(FieldSet)
	pos := c.buf.BeginLen()
	if err := c.refItem(t, p, v); err != nil {
		return err
	}
	c.buf.EndLen(pos)
	return nil
}

// setReferences accepts a list (replace) or a map of set/add/delete lists.
func (c *Ctx) setReferences(t *schema.Type, p *schema.Prop, v any) error {
	if m, ok := v.(map[string]any); ok {
		for k := range m {
			if k != "set" && k != "add" && k != "delete" {
				return invalid(t.Name, p.Path, v, "unknown references modifier %q", k)
			}
		}
		for _, mod := range []struct {
			key string
			op  uint8
		}{{"set", FieldRefSet}, {"add", FieldRefAdd}, {"delete", FieldRefDelete}} {
			if items, ok := m[mod.key]; ok {
				if err := c.refList(t, p, mod.op, items); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return c.refList(t, p, FieldRefSet, v)
}

func (c *Ctx) refList(t *schema.Type, p *schema.Prop, op uint8, v any) error {
	items := listOf(v)
	c.buf.PutU8(p.ID)
	c.buf.PutU8(op)
	pos := c.buf.BeginLen()
	c.buf.PutU32(uint32(len(items)))
	for _, it := range items {
		if op == FieldRefDelete {
			if m, ok := it.(map[string]any); ok {
				it = m["id"]
			}
		}
		if err := c.refItem(t, p, it); err != nil {
			return err
		}
	}
	c.buf.EndLen(pos)
	return nil
}

// refItem writes [kind][id][hasEdge]([u32 len][edge fields][end])?.
func (c *Ctx) refItem(t *schema.Type, p *schema.Prop, v any) error {
	target := c.s.Target(p)
	var edge map[string]any
	if m, ok := v.(map[string]any); ok {
		v = m["id"]
		for k, e := range m {
			if k == "id" {
				continue
			}
			if !strings.HasPrefix(k, "$") {
				return invalid(t.Name, p.Path+"."+k, e, "only id and $edge properties may accompany a reference")
			}
			if edge == nil {
				edge = make(map[string]any)
			}
			edge[k] = e
		}
	}
	kind, id, err := c.ref(target, p.Path, v)
	if err != nil {
		return err
	}
	c.buf.PutU8(kind)
	c.buf.PutU32(id)
	if len(edge) == 0 {
		c.buf.PutBool(false)
		return nil
	}
	et := c.s.EdgeType(p)
	if et == nil {
		return invalid(t.Name, p.Path, edge, "reference has no edge properties")
	}
	fields, err := flatten(et, edge)
	if err != nil {
		return err
	}
	c.buf.PutBool(true)
	pos := c.buf.BeginLen()
	if _, err := c.updateFields(et, fields); err != nil {
		return err
	}
	c.buf.PutU8(EndMarker)
	c.buf.EndLen(pos)
	return nil
}

func vectorBytes(p *schema.Prop, v any) ([]byte, error) {
	items := listOf(v)
	if items == nil {
		return nil, fmt.Errorf("must be a list of numbers")
	}
	if len(items) > p.Vector.Size {
		return nil, fmt.Errorf("has %d elements, max %d", len(items), p.Vector.Size)
	}
	base := p.Vector.Base
	out := make([]byte, 0, len(items)*base.Width())
	for i, it := range items {
		f, ok := schema.ToFloat(it)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("element %d is not a finite number", i)
		}
		if lo, hi, isInt := vectorRange(base); isInt && (f < lo || f > hi || f != math.Trunc(f)) {
			return nil, fmt.Errorf("element %d out of %s range", i, base)
		}
		switch base {
		case ir.VectorFloat32:
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(f)))
		case ir.VectorFloat64:
			out = binary.LittleEndian.AppendUint64(out, math.Float64bits(f))
		case ir.VectorInt8:
			out = append(out, byte(int8(f)))
		case ir.VectorUint8:
			out = append(out, byte(f))
		case ir.VectorInt16:
			out = binary.LittleEndian.AppendUint16(out, uint16(int16(f)))
		case ir.VectorUint16:
			out = binary.LittleEndian.AppendUint16(out, uint16(f))
		case ir.VectorInt32:
			out = binary.LittleEndian.AppendUint32(out, uint32(int32(f)))
		case ir.VectorUint32:
			out = binary.LittleEndian.AppendUint32(out, uint32(f))
		}
	}
	return out, nil
}

func vectorRange(b ir.VectorBase) (lo, hi float64, ok bool) {
	switch b {
	case ir.VectorInt8:
		return ir.TagInt8.IntRange()
	case ir.VectorUint8:
		return ir.TagUint8.IntRange()
	case ir.VectorInt16:
		return ir.TagInt16.IntRange()
	case ir.VectorUint16:
		return ir.TagUint16.IntRange()
	case ir.VectorInt32:
		return ir.TagInt32.IntRange()
	case ir.VectorUint32:
		return ir.TagUint32.IntRange()
	}
	return 0, 0, false
}

// listOf flattens any slice into []any. Non-slices other than nil become a
// one-element list; nil stays nil.
func listOf(v any) []any {
	switch v := v.(type) {
	case nil:
		return nil
	case []any:
		if v == nil {
			return []any{}
		}
		return v
	case string, []byte, map[string]any:
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
