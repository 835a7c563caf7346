package query

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/tessel/internal/ir"
	"github.com/roach88/tessel/internal/reader"
	"github.com/roach88/tessel/internal/schema"
	"github.com/roach88/tessel/internal/wire"
)

// QueryError reports a query that does not fit the schema.
type QueryError struct {
	Path    string
	Message string
}

func (e *QueryError) Error() string {
	if e.Path == "" {
		return "query: " + e.Message
	}
	return fmt.Sprintf("query %s: %s", e.Path, e.Message)
}

// IsQueryError reports whether err is a QueryError.
func IsQueryError(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe)
}

func errorf(path, format string, args ...any) error {
	return &QueryError{Path: path, Message: fmt.Sprintf(format, args...)}
}

// Compiled is a program with everything needed to run and decode it.
type Compiled struct {
	Query       *Query
	Program     []byte
	Reader      *reader.Schema
	Fingerprint uint64
	SchemaHash  uint64
	Types       []string // every type the program reads, sorted
}

// Compile compiles q against s.
func Compile(s *schema.Schema, q *Query) (*Compiled, error) {
	if q == nil {
		return nil, errorf("", "nil query")
	}
	t, ok := s.Type(q.Type)
	if !ok || t.Edge {
		return nil, errorf(q.Type, "unknown type")
	}
	c := &compiler{s: s, types: map[string]bool{t.Name: true}}
	locale, err := c.locale(q.Locale, 0)
	if err != nil {
		return nil, err
	}

	buf := wire.NewBuffer(256, 0)
	buf.PutU64(s.Hash)
	kind := KindItems
	if len(q.Aggregate) > 0 {
		kind = KindAggregate
	}
	buf.PutU8(kind)
	buf.PutU16(t.ID)
	single, err := c.target(buf, t, q)
	if err != nil {
		return nil, err
	}
	rs, err := c.level(buf, t, nil, q, kind == KindAggregate, locale)
	if err != nil {
		return nil, err
	}
	rs.Single = single && kind == KindItems

	fp, err := ir.Fingerprint(q.canonical(), s.Hash)
	if err != nil {
		return nil, errorf("", "fingerprint: %v", err)
	}
	types := make([]string, 0, len(c.types))
	for name := range c.types {
		types = append(types, name)
	}
	sort.Strings(types)
	return &Compiled{
		Query:       q,
		Program:     buf.Detach(),
		Reader:      rs,
		Fingerprint: fp,
		SchemaHash:  s.Hash,
		Types:       types,
	}, nil
}

type compiler struct {
	s     *schema.Schema
	types map[string]bool
}

func (c *compiler) locale(tag string, inherited uint8) (uint8, error) {
	if tag == "" {
		return inherited, nil
	}
	code, ok := c.s.LocaleCode(tag)
	if !ok {
		return 0, errorf("locale", "unknown locale %q", tag)
	}
	return code, nil
}

func (c *compiler) target(buf *wire.Buffer, t *schema.Type, q *Query) (bool, error) {
	n := 0
	if q.ID != 0 {
		n++
	}
	if len(q.IDs) > 0 {
		n++
	}
	if q.Alias != nil {
		n++
	}
	if n > 1 {
		return false, errorf(t.Name, "id, ids and alias are exclusive")
	}
	switch {
	case q.Alias != nil:
		p, err := aliasProp(t, q.Alias.Path)
		if err != nil {
			return false, err
		}
		buf.PutU8(TargetAlias)
		buf.PutU8(p.ID)
		buf.PutU32(uint32(len(q.Alias.Value)))
		buf.PutString(q.Alias.Value)
		return true, nil
	case q.ID != 0:
		buf.PutU8(TargetID)
		buf.PutU32(q.ID)
		return true, nil
	case len(q.IDs) > 0:
		buf.PutU8(TargetIDs)
		buf.PutU32(uint32(len(q.IDs)))
		for _, id := range q.IDs {
			buf.PutU32(id)
		}
		return false, nil
	}
	buf.PutU8(TargetAll)
	return false, nil
}

func aliasProp(t *schema.Type, path string) (*schema.Prop, error) {
	if path == "" {
		if len(t.Aliases) != 1 {
			return nil, errorf(t.Name, "alias path is required when the type has %d aliases", len(t.Aliases))
		}
		return t.Aliases[0], nil
	}
	p := t.Prop(path)
	if p == nil || p.Tag != ir.TagAlias {
		return nil, errorf(path, "not an alias of %s", t.Name)
	}
	return p, nil
}

// level writes [u32 offset][u32 limit][filter][sort][body] for one type.
func (c *compiler) level(buf *wire.Buffer, t, edge *schema.Type, q *Query, aggregate bool, locale uint8) (*reader.Schema, error) {
	buf.PutU32(q.Offset)
	limit := q.Limit
	if limit == 0 {
		limit = Unlimited
	}
	buf.PutU32(limit)

	pos := buf.BeginLen()
	if q.Filter != nil {
		if err := c.filter(buf, t, edge, q.Filter, locale); err != nil {
			return nil, err
		}
	}
	buf.EndLen(pos)

	if err := c.sortBlock(buf, t, q.Sort, locale); err != nil {
		return nil, err
	}

	pos = buf.BeginLen()
	var rs *reader.Schema
	var err error
	if aggregate {
		rs, err = c.aggregate(buf, t, q)
	} else {
		rs, err = c.include(buf, t, edge, q, locale)
	}
	if err != nil {
		return nil, err
	}
	buf.EndLen(pos)
	return rs, nil
}

// putFieldRef writes [prop][tag][u16 start][u16 size]. Main fields have
// prop 0; a nil prop is the node id.
func putFieldRef(buf *wire.Buffer, p *schema.Prop) {
	switch {
	case p == nil:
		buf.PutU8(0)
		buf.PutU8(uint8(ir.TagID))
		buf.PutU16(0)
		buf.PutU16(4)
	case p.Main:
		buf.PutU8(0)
		buf.PutU8(uint8(p.Tag))
		buf.PutU16(uint16(p.Start))
		buf.PutU16(uint16(p.Size))
	default:
		buf.PutU8(p.ID)
		buf.PutU8(uint8(p.Tag))
		buf.PutU16(0)
		buf.PutU16(0)
	}
}

func (c *compiler) sortBlock(buf *wire.Buffer, t *schema.Type, s *Sort, locale uint8) error {
	if s == nil {
		buf.PutU8(0)
		return nil
	}
	var p *schema.Prop
	if s.Path != "id" {
		p = t.Prop(s.Path)
		if p == nil {
			return errorf(s.Path, "unknown sort field on %s", t.Name)
		}
		if !sortable(p) {
			return errorf(s.Path, "cannot sort by %s", p.Tag)
		}
	}
	buf.PutU8(1)
	putFieldRef(buf, p)
	buf.PutBool(s.Desc)
	if p != nil && p.Tag == ir.TagText {
		buf.PutU8(locale)
	} else {
		buf.PutU8(0)
	}
	return nil
}

func sortable(p *schema.Prop) bool {
	if p.Main {
		return true
	}
	switch p.Tag {
	case ir.TagString, ir.TagAlias, ir.TagText:
		return true
	}
	return false
}

func sortedUnique(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	j := 0
	for i, s := range out {
		if i == 0 || s != out[j-1] {
			out[j] = s
			j++
		}
	}
	return out[:j]
}
