package query

import (
	"strings"

	"github.com/roach88/tessel/internal/ir"
	"github.com/roach88/tessel/internal/reader"
	"github.com/roach88/tessel/internal/schema"
	"github.com/roach88/tessel/internal/wire"
)

// selection is the resolved include set of one level.
type selection struct {
	t      *schema.Type
	leaves map[*schema.Prop]bool
	refs   map[*schema.Prop]*refSelection
	edge   map[*schema.Prop]bool
}

type refSelection struct {
	paths []string
	sub   *Query
}

func (sel *selection) ref(p *schema.Prop) *refSelection {
	rs, ok := sel.refs[p]
	if !ok {
		rs = &refSelection{}
		sel.refs[p] = rs
	}
	return rs
}

func (c *compiler) selection(t, edge *schema.Type, q *Query) (*selection, error) {
	sel := &selection{
		t:      t,
		leaves: make(map[*schema.Prop]bool),
		refs:   make(map[*schema.Prop]*refSelection),
		edge:   make(map[*schema.Prop]bool),
	}
	paths := q.Include
	if len(paths) == 0 {
		paths = []string{"*"}
	}
	for _, path := range sortedUnique(paths) {
		if err := c.selectPath(sel, edge, path); err != nil {
			return nil, err
		}
	}
	for _, path := range ir.SortedKeys(q.Refs) {
		p := t.Prop(path)
		if p == nil || !p.Tag.IsReference() {
			return nil, errorf(path, "not a reference of %s", t.Name)
		}
		sel.ref(p).sub = q.Refs[path]
	}
	return sel, nil
}

func (c *compiler) selectPath(sel *selection, edge *schema.Type, path string) error {
	t := sel.t
	switch {
	case path == "*":
		for _, p := range t.Leaves("") {
			if !p.Tag.IsReference() {
				sel.leaves[p] = true
			}
		}
		return nil
	case path == "id":
		return nil
	case strings.HasPrefix(path, "$"):
		if edge == nil {
			return errorf(path, "edge field outside a reference with edges")
		}
		if path == "$*" {
			for _, p := range edge.Leaves("") {
				sel.edge[p] = true
			}
			return nil
		}
		p := edge.Prop(path)
		if p == nil {
			return errorf(path, "unknown edge field on %s", edge.Name)
		}
		sel.edge[p] = true
		return nil
	}

	parts := strings.Split(path, ".")
	for i := 1; i <= len(parts); i++ {
		p := t.Prop(strings.Join(parts[:i], "."))
		if p == nil {
			continue
		}
		if p.Tag.IsReference() {
			rs := sel.ref(p)
			if i < len(parts) {
				rs.paths = append(rs.paths, strings.Join(parts[i:], "."))
			}
			return nil
		}
		if i != len(parts) {
			return errorf(path, "%s is a %s, not an object", p.Path, p.Tag)
		}
		sel.leaves[p] = true
		return nil
	}
	leaves := t.Leaves(path)
	if len(leaves) == 0 {
		return errorf(path, "unknown field on %s", t.Name)
	}
	for _, p := range leaves {
		if p.Tag.IsReference() {
			sel.ref(p)
		} else {
			sel.leaves[p] = true
		}
	}
	return nil
}

// include emits the body of an items level and returns its reader schema.
func (c *compiler) include(buf *wire.Buffer, t, edge *schema.Type, q *Query, locale uint8) (*reader.Schema, error) {
	sel, err := c.selection(t, edge, q)
	if err != nil {
		return nil, err
	}
	meta, err := c.metaModes(t, edge, q)
	if err != nil {
		return nil, err
	}
	rs := reader.NewSchema(t.Name)
	c.includeFields(buf, rs, sel.t, sel.leaves, meta, locale)

	for _, p := range t.Separate {
		r, ok := sel.refs[p]
		if !ok {
			continue
		}
		prop, err := c.includeRef(buf, p, r, locale)
		if err != nil {
			return nil, err
		}
		rs.Props[p.ID] = prop
	}

	if len(sel.edge) > 0 {
		buf.PutU8(IncEdge)
		pos := buf.BeginLen()
		ers := reader.NewSchema(edge.Name)
		c.includeFields(buf, ers, edge, sel.edge, meta, locale)
		buf.EndLen(pos)
		rs.Edge = ers
	}
	return rs, nil
}

// includeFields emits the main block and separate non-reference fields.
func (c *compiler) includeFields(buf *wire.Buffer, rs *reader.Schema, t *schema.Type, leaves map[*schema.Prop]bool, meta map[*schema.Prop]reader.ReadMode, locale uint8) {
	var main []*schema.Prop
	for _, p := range t.Main {
		if leaves[p] {
			main = append(main, p)
		}
	}
	if len(main) > 0 {
		if len(main) == len(t.Main) {
			buf.PutU8(IncMainFull)
			for _, p := range main {
				rs.Main = append(rs.Main, c.readerProp(p, p.Start))
			}
			rs.MainLen = t.MainLen
		} else {
			buf.PutU8(IncMainPart)
			buf.PutU16(uint16(len(main)))
			off := 0
			for _, p := range main {
				buf.PutU16(uint16(p.Start))
				buf.PutU16(uint16(p.Size))
				rs.Main = append(rs.Main, c.readerProp(p, off))
				off += p.Size
			}
			rs.MainLen = off
			rs.PartialMain = true
		}
	}

	for _, p := range t.Separate {
		if p.Tag.IsReference() || !leaves[p] {
			continue
		}
		rp := c.readerProp(p, 0)
		rp.Mode = meta[p]
		if p.Tag == ir.TagText {
			rp.Locale = locale
		}
		buf.PutU8(IncField)
		buf.PutU8(p.ID)
		buf.PutU8(uint8(p.Tag))
		buf.PutU8(uint8(rp.Mode))
		buf.PutU8(rp.Locale)
		rs.Props[p.ID] = rp
	}
}

func (c *compiler) includeRef(buf *wire.Buffer, p *schema.Prop, r *refSelection, locale uint8) (*reader.Prop, error) {
	target := c.s.Target(p)
	c.types[target.Name] = true
	if edge := c.s.EdgeType(p); edge != nil {
		c.types[edge.Name] = true
	}

	sub := &Query{Type: target.Name}
	if r.sub != nil {
		cp := *r.sub
		sub = &cp
		sub.Type = target.Name
		if sub.ID != 0 || len(sub.IDs) > 0 || sub.Alias != nil {
			return nil, errorf(p.Path, "nested queries cannot name targets")
		}
		if len(sub.Aggregate) > 0 {
			return nil, errorf(p.Path, "nested queries cannot aggregate")
		}
	}
	sub.Include = append(append([]string(nil), sub.Include...), r.paths...)
	subLocale, err := c.locale(sub.Locale, locale)
	if err != nil {
		return nil, err
	}

	op := IncRef
	if p.Tag == ir.TagReferences {
		op = IncRefs
	}
	buf.PutU8(op)
	buf.PutU8(p.ID)
	pos := buf.BeginLen()
	buf.PutU16(target.ID)
	srs, err := c.level(buf, target, c.s.EdgeType(p), sub, false, subLocale)
	if err != nil {
		return nil, err
	}
	buf.EndLen(pos)
	srs.Single = op == IncRef

	prop := c.readerProp(p, 0)
	prop.Ref = srs
	return prop, nil
}

func (c *compiler) metaModes(t, edge *schema.Type, q *Query) (map[*schema.Prop]reader.ReadMode, error) {
	if len(q.Meta) == 0 {
		return nil, nil
	}
	out := make(map[*schema.Prop]reader.ReadMode, len(q.Meta))
	for _, path := range ir.SortedKeys(q.Meta) {
		var p *schema.Prop
		if strings.HasPrefix(path, "$") && edge != nil {
			p = edge.Prop(path)
		} else {
			p = t.Prop(path)
		}
		if p == nil {
			return nil, errorf(path, "unknown meta field on %s", t.Name)
		}
		if p.Main || !p.Tag.IsStringLike() {
			return nil, errorf(path, "meta is not available for %s", p.Tag)
		}
		out[p] = q.Meta[path]
	}
	return out, nil
}

func (c *compiler) readerProp(p *schema.Prop, start int) *reader.Prop {
	rp := &reader.Prop{
		ID:    p.ID,
		Path:  p.Path,
		Tag:   p.Tag,
		Start: start,
		Size:  p.Size,
		Enum:  p.Enum,
	}
	if p.Main {
		rp.ID = 0
	}
	if p.Tag == ir.TagText {
		rp.Locales = c.s.Locales
	}
	if p.Vector != nil {
		rp.VectorBase = p.Vector.Base
		rp.VectorSize = p.Vector.Size
	}
	return rp
}
