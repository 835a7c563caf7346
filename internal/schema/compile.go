package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/language"

	"github.com/roach88/tessel/internal/ir"
)

// Compile turns a declaration into an immutable Schema. Every structural
// problem is reported; a partial schema is never returned.
func Compile(decl *Decl) (*Schema, error) {
	if decl == nil || len(decl.Types) == 0 {
		return nil, &SchemaError{Code: ErrEmptySchema, Message: "no types declared"}
	}
	c := &compiler{
		s: &Schema{
			Types:  []*Type{nil},
			Decl:   decl,
			byName: make(map[string]*Type),
		},
		pairs:  make(map[*Prop]*Prop),
		refsOf: make(map[*Prop]*pendingRef),
	}
	c.compileLocales(decl.Locales)

	names := ir.SortedKeys(decl.Types)
	decls := make([]*TypeDecl, 0, len(names))
	for _, name := range names {
		t := &Type{
			ID:            uint16(len(c.s.Types)),
			Name:          name,
			Props:         make(map[string]*Prop),
			BlockCapacity: DefaultBlockCapacity,
		}
		if !validTypeName(name) {
			c.fail(ErrInvalidTypeName, name, "", "type names must be non-empty and must not start with _ or contain . or $")
		}
		td := decl.Types[name]
		if td == nil {
			c.fail(ErrInvalidTypeName, name, "", "missing type declaration")
			td = &TypeDecl{}
		}
		switch {
		case td.BlockCapacity < 0:
			c.fail(ErrInvalidRule, name, "", "blockCapacity must be positive")
		case td.BlockCapacity > 0:
			t.BlockCapacity = td.BlockCapacity
		}
		c.s.Types = append(c.s.Types, t)
		c.s.byName[name] = t
		decls = append(decls, td)
	}
	for i, td := range decls {
		c.flatten(c.s.Types[i+1], "", td.Props, false)
	}

	c.resolveRefs()
	for _, t := range c.s.Types[1:] {
		c.layout(t)
	}
	if len(c.errs) > 0 {
		return nil, errors.Join(c.errs...)
	}
	for a, b := range c.pairs {
		a.Ref.Inverse = b.ID
	}

	hash, err := ir.SchemaHash(decl.Canonical())
	if err != nil {
		return nil, &SchemaError{Code: ErrInvalidDecl, Message: err.Error()}
	}
	c.s.Hash = hash
	return c.s, nil
}

// MustCompileJSON compiles a JSON declaration and panics on error.
// Use only in tests and fixtures.
func MustCompileJSON(src string) *Schema {
	decl, err := LoadJSON([]byte(src))
	if err != nil {
		panic(err)
	}
	s, err := Compile(decl)
	if err != nil {
		panic(err)
	}
	return s
}

type compiler struct {
	s      *Schema
	errs   []error
	refs   []*pendingRef
	refsOf map[*Prop]*pendingRef
	pairs  map[*Prop]*Prop
}

type pendingRef struct {
	owner   *Type
	prop    *Prop
	target  string
	inverse string
	edges   map[string]*PropDecl
}

func (c *compiler) fail(code, typ, path, format string, args ...any) {
	c.errs = append(c.errs, &SchemaError{
		Code:    code,
		Type:    typ,
		Path:    path,
		Message: fmt.Sprintf(format, args...),
	})
}

func (c *compiler) compileLocales(l Locales) {
	if len(l) == 0 {
		c.s.Locales = []string{DefaultLocale}
		return
	}
	tags := ir.SortedKeys(l)
	if len(tags) > 254 {
		c.fail(ErrInvalidLocale, "", "", "%d locales declared, max 254", len(tags))
	}
	c.s.Fallbacks = make(map[string]string)
	for _, tag := range tags {
		if _, err := language.Parse(tag); err != nil {
			c.fail(ErrInvalidLocale, "", "", "invalid locale %q: %v", tag, err)
			continue
		}
		ld := l[tag]
		if ld == nil || ld.Fallback == "" {
			continue
		}
		if _, ok := l[ld.Fallback]; !ok || ld.Fallback == tag {
			c.fail(ErrInvalidLocale, "", "", "locale %q falls back to undeclared locale %q", tag, ld.Fallback)
			continue
		}
		c.s.Fallbacks[tag] = ld.Fallback
	}
	c.s.Locales = tags
}

func validTypeName(name string) bool {
	return name != "" &&
		!strings.HasPrefix(name, "_") &&
		!strings.ContainsAny(name, ".$")
}

func validPropName(name string, edge bool) bool {
	if name == "" || name == "id" || strings.Contains(name, ".") {
		return false
	}
	if edge {
		return len(name) > 1 && name[0] == '$' && !strings.Contains(name[1:], "$")
	}
	return !strings.Contains(name, "$")
}

// flatten walks nested object declarations and builds leaf props.
func (c *compiler) flatten(t *Type, prefix string, props map[string]*PropDecl, edge bool) {
	for _, key := range ir.SortedKeys(props) {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if !validPropName(key, edge) {
			if edge {
				c.fail(ErrInvalidEdgeProp, t.Name, path, "edge property names must start with $")
			} else {
				c.fail(ErrInvalidPropName, t.Name, path, "property names must be non-empty, must not be id and must not contain . or $")
			}
			continue
		}
		pd := props[key]
		if pd == nil {
			c.fail(ErrUnknownPropType, t.Name, path, "missing property declaration")
			continue
		}
		tag, msg := declTag(pd)
		if msg != "" {
			c.fail(ErrUnknownPropType, t.Name, path, "%s", msg)
			continue
		}
		if edge && (tag == ir.TagObject || tag.IsReference()) {
			c.fail(ErrInvalidEdgeProp, t.Name, path, "edge properties must be plain values, got %s", tag)
			continue
		}
		if tag == ir.TagObject {
			c.flatten(t, path, pd.Props, false)
			continue
		}
		p := c.buildProp(t, path, tag, pd)
		if p == nil {
			continue
		}
		t.Props[path] = p
		if tag.IsReference() {
			r := newPendingRef(t, p, pd)
			c.refs = append(c.refs, r)
			c.refsOf[p] = r
		}
	}
}

// declTag resolves the loose declaration forms to a single tag.
func declTag(pd *PropDecl) (ir.TypeTag, string) {
	if pd.Type != "" {
		tag, ok := ir.ParseTypeTag(pd.Type)
		if !ok || tag == ir.TagNull || tag == ir.TagID {
			return 0, fmt.Sprintf("unknown type %q", pd.Type)
		}
		switch tag {
		case ir.TagReference:
			if pd.Ref == "" {
				return 0, "reference needs ref"
			}
		case ir.TagReferences:
			if pd.Ref == "" && (pd.Items == nil || pd.Items.Ref == "") {
				return 0, "references needs items.ref"
			}
		case ir.TagObject:
			if len(pd.Props) == 0 {
				return 0, "object needs props"
			}
		case ir.TagEnum:
			if len(pd.Enum) == 0 {
				return 0, "enum needs values"
			}
		}
		return tag, ""
	}
	switch {
	case len(pd.Enum) > 0:
		return ir.TagEnum, ""
	case pd.Items != nil:
		if pd.Items.Ref == "" {
			return 0, "references needs items.ref"
		}
		return ir.TagReferences, ""
	case pd.Ref != "":
		return ir.TagReference, ""
	case len(pd.Props) > 0:
		return ir.TagObject, ""
	}
	return 0, "declaration has no type, enum, ref, items or props"
}

func newPendingRef(t *Type, p *Prop, pd *PropDecl) *pendingRef {
	r := &pendingRef{owner: t, prop: p, target: pd.Ref, inverse: pd.Prop}
	edges := make(map[string]*PropDecl)
	for k, v := range pd.Edges {
		edges[k] = v
	}
	if pd.Items != nil {
		if pd.Items.Ref != "" {
			r.target = pd.Items.Ref
		}
		if pd.Items.Prop != "" {
			r.inverse = pd.Items.Prop
		}
		for k, v := range pd.Items.Edges {
			edges[k] = v
		}
	}
	if len(edges) > 0 {
		r.edges = edges
	}
	return r
}

// buildProp builds the tagged descriptor of one leaf. It returns nil after
// recording errors.
func (c *compiler) buildProp(t *Type, path string, tag ir.TypeTag, pd *PropDecl) *Prop {
	before := len(c.errs)
	p := &Prop{
		Path:     path,
		Tag:      tag,
		Owner:    t.ID,
		Size:     tag.FixedSize(),
		Required: pd.Required,
	}
	switch {
	case tag.IsNumeric():
		rule := &NumRule{Integer: tag == ir.TagTimestamp}
		lo, hi, isInt := tag.IntRange()
		if isInt {
			rule.Min, rule.Max, rule.HasMin, rule.HasMax, rule.Integer = lo, hi, true, true, true
		}
		if pd.Min != nil {
			if rule.HasMin && *pd.Min < rule.Min {
				c.fail(ErrInvalidRule, t.Name, path, "min %v is below the %s range", *pd.Min, tag)
			}
			rule.Min, rule.HasMin = *pd.Min, true
		}
		if pd.Max != nil {
			if rule.HasMax && *pd.Max > rule.Max {
				c.fail(ErrInvalidRule, t.Name, path, "max %v is above the %s range", *pd.Max, tag)
			}
			rule.Max, rule.HasMax = *pd.Max, true
		}
		if rule.HasMin && rule.HasMax && rule.Min > rule.Max {
			c.fail(ErrInvalidRule, t.Name, path, "min %v > max %v", rule.Min, rule.Max)
		}
		if pd.Step != nil {
			if *pd.Step <= 0 {
				c.fail(ErrInvalidRule, t.Name, path, "step must be positive")
			}
			rule.Step = *pd.Step
		}
		p.Num = rule
		p.Main = true
	case tag == ir.TagBoolean:
		p.Main = true
	case tag == ir.TagEnum:
		if len(pd.Enum) == 0 || len(pd.Enum) > MaxEnumValues {
			c.fail(ErrInvalidEnum, t.Name, path, "enum needs 1 to %d values, got %d", MaxEnumValues, len(pd.Enum))
		}
		seen := make(map[string]bool, len(pd.Enum))
		for _, v := range pd.Enum {
			if seen[v] {
				c.fail(ErrInvalidEnum, t.Name, path, "duplicate enum value %q", v)
			}
			seen[v] = true
		}
		p.Enum = append([]string(nil), pd.Enum...)
		p.Main = true
	case tag.IsStringLike():
		if pd.MaxBytes < 0 {
			c.fail(ErrInvalidRule, t.Name, path, "maxBytes must not be negative")
		}
		p.MaxBytes = pd.MaxBytes
		if tag == ir.TagString && pd.MaxBytes > 0 && pd.MaxBytes <= MainStringThreshold {
			p.Main = true
			p.Size = pd.MaxBytes + 1
		}
	case tag == ir.TagVector:
		if pd.Size <= 0 {
			c.fail(ErrInvalidVector, t.Name, path, "vector needs a positive size")
		}
		base, ok := ir.ParseVectorBase(pd.BaseType)
		if !ok {
			c.fail(ErrInvalidVector, t.Name, path, "unknown vector base type %q", pd.BaseType)
		}
		p.Vector = &VectorInfo{Base: base, Size: pd.Size}
	}

	switch pd.On {
	case "":
	case "create", "update":
		if tag != ir.TagTimestamp {
			c.fail(ErrInvalidRule, t.Name, path, "on is only valid for timestamps")
		}
		p.On = TriggerCreate
		if pd.On == "update" {
			p.On = TriggerUpdate
		}
	default:
		c.fail(ErrInvalidRule, t.Name, path, "on must be create or update, got %q", pd.On)
	}

	if pd.Default != nil && len(c.errs) == before {
		v, err := p.normalizeDefault(pd.Default)
		if err != nil {
			c.fail(ErrInvalidDefault, t.Name, path, "invalid default: %v", err)
		}
		p.Default = v
	}
	if len(c.errs) > before {
		return nil
	}
	return p
}

// resolveRefs pairs every reference with its inverse and compiles edge
// tables. Processing follows type id then path order.
func (c *compiler) resolveRefs() {
	for _, r := range c.refs {
		target, ok := c.s.byName[r.target]
		if !ok {
			c.fail(ErrMissingRefType, r.owner.Name, r.prop.Path, "reference target %q is not declared", r.target)
			continue
		}
		r.prop.Ref = &RefInfo{Target: target.ID}

		if partner, ok := c.pairs[r.prop]; ok {
			if partner.Owner != target.ID {
				c.fail(ErrInvalidInverse, r.owner.Name, r.prop.Path, "is the inverse of %s.%s but points at %s",
					c.s.Types[partner.Owner].Name, partner.Path, target.Name)
			}
			if r.inverse != "" && r.inverse != partner.Path {
				c.fail(ErrInvalidInverse, r.owner.Name, r.prop.Path, "declares inverse %q but is paired with %q", r.inverse, partner.Path)
			}
			continue
		}

		switch {
		case r.inverse != "":
			c.pairDeclared(r, target)
		case target == r.owner:
			c.pairs[r.prop] = r.prop
		default:
			name := "_" + r.owner.Name + "_" + strings.ReplaceAll(r.prop.Path, ".", "_")
			if _, exists := target.Props[name]; exists {
				c.fail(ErrDuplicateProp, target.Name, name, "generated inverse of %s.%s collides with a declared property", r.owner.Name, r.prop.Path)
				continue
			}
			inv := &Prop{Path: name, Tag: ir.TagReferences, Owner: target.ID, Ref: &RefInfo{Target: r.owner.ID}}
			target.Props[name] = inv
			c.pairs[r.prop] = inv
			c.pairs[inv] = r.prop
		}
	}

	for _, r := range c.refs {
		partner, ok := c.pairs[r.prop]
		if !ok || len(r.edges) == 0 {
			continue
		}
		if pr := c.refsOf[partner]; pr != nil && pr != r && len(pr.edges) > 0 {
			// report once per relationship
			if r.owner.ID < pr.owner.ID || (r.owner == pr.owner && r.prop.Path < pr.prop.Path) {
				c.fail(ErrEdgeBothSides, r.owner.Name, r.prop.Path, "edge properties are also declared on %s.%s",
					pr.owner.Name, pr.prop.Path)
			}
			continue
		}
		et := c.edgeType(r.owner, r.prop, r.edges)
		r.prop.Ref.Edge = et.ID
		partner.Ref.Edge = et.ID
	}
}

func (c *compiler) pairDeclared(r *pendingRef, target *Type) {
	if !validPropName(r.inverse, false) {
		c.fail(ErrInvalidInverse, r.owner.Name, r.prop.Path, "invalid inverse name %q", r.inverse)
		return
	}
	inv, exists := target.Props[r.inverse]
	if !exists {
		inv = &Prop{Path: r.inverse, Tag: ir.TagReferences, Owner: target.ID, Ref: &RefInfo{Target: r.owner.ID}}
		target.Props[r.inverse] = inv
	} else {
		if !inv.Tag.IsReference() {
			c.fail(ErrInvalidInverse, r.owner.Name, r.prop.Path, "inverse %s.%s is a %s, not a reference", target.Name, r.inverse, inv.Tag)
			return
		}
		if pr := c.refsOf[inv]; pr != nil {
			if pr.target != r.owner.Name {
				c.fail(ErrInvalidInverse, r.owner.Name, r.prop.Path, "inverse %s.%s points at %s", target.Name, r.inverse, pr.target)
				return
			}
			if pr.inverse != "" && pr.inverse != r.prop.Path {
				c.fail(ErrInvalidInverse, r.owner.Name, r.prop.Path, "inverse %s.%s declares inverse %q", target.Name, r.inverse, pr.inverse)
				return
			}
		}
	}
	if other, ok := c.pairs[inv]; ok && other != r.prop {
		c.fail(ErrDuplicateProp, r.owner.Name, r.prop.Path, "inverse %s.%s is already paired with %s", target.Name, r.inverse, other.Path)
		return
	}
	c.pairs[r.prop] = inv
	c.pairs[inv] = r.prop
}

// edgeType compiles the edge props of a relationship into their own table.
func (c *compiler) edgeType(owner *Type, p *Prop, edges map[string]*PropDecl) *Type {
	et := &Type{
		ID:            uint16(len(c.s.Types)),
		Name:          owner.Name + "." + p.Path,
		Edge:          true,
		Owner:         owner.ID,
		Props:         make(map[string]*Prop),
		BlockCapacity: DefaultBlockCapacity,
	}
	c.s.Types = append(c.s.Types, et)
	c.s.byName[et.Name] = et
	c.flatten(et, "", edges, true)
	return et
}

// layout assigns main offsets and separate ids.
func (c *compiler) layout(t *Type) {
	t.Paths = ir.SortedKeys(t.Props)
	var main, sep []*Prop
	for _, path := range t.Paths {
		p := t.Props[path]
		if p.Main {
			main = append(main, p)
		} else {
			sep = append(sep, p)
		}
		if p.Tag == ir.TagAlias {
			t.Aliases = append(t.Aliases, p)
		}
		if p.On != TriggerNone {
			t.Triggers = append(t.Triggers, p)
		}
		if p.Required {
			t.Required = append(t.Required, p)
		}
	}
	sort.SliceStable(main, func(i, j int) bool { return main[i].Size > main[j].Size })
	off := 0
	for _, p := range main {
		p.Start = off
		off += p.Size
	}
	t.Main = main
	t.MainLen = off

	if len(sep) > MaxSeparateProps {
		c.fail(ErrTooManyProps, t.Name, "", "%d separate properties, max %d", len(sep), MaxSeparateProps)
		return
	}
	for i, p := range sep {
		p.ID = uint8(i + 1)
	}
	t.Separate = sep

	t.MainDefault = make([]byte, t.MainLen)
	for _, p := range main {
		if p.Default != nil {
			p.PutMain(t.MainDefault, p.Default)
		}
	}
}
