package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tessel/internal/reader"
)

// Document is the text form of a Query as written in YAML or JSON files.
//
//	type: article
//	include: [title, author.name]
//	filter:
//	  and:
//	    - {path: status, op: "=", value: live}
//	    - {path: views, op: ">", value: 100}
//	sort: {path: views, desc: true}
//	limit: 10
type Document struct {
	Type    string               `json:"type" yaml:"type"`
	ID      uint32               `json:"id,omitempty" yaml:"id,omitempty"`
	IDs     []uint32             `json:"ids,omitempty" yaml:"ids,omitempty"`
	Alias   *Alias               `json:"alias,omitempty" yaml:"alias,omitempty"`
	Offset  uint32               `json:"offset,omitempty" yaml:"offset,omitempty"`
	Limit   uint32               `json:"limit,omitempty" yaml:"limit,omitempty"`
	Sort    *Sort                `json:"sort,omitempty" yaml:"sort,omitempty"`
	Filter  *FilterDocument      `json:"filter,omitempty" yaml:"filter,omitempty"`
	Include []string             `json:"include,omitempty" yaml:"include,omitempty"`
	Refs    map[string]*Document `json:"refs,omitempty" yaml:"refs,omitempty"`
	Locale  string               `json:"locale,omitempty" yaml:"locale,omitempty"`
	Meta    map[string]string    `json:"meta,omitempty" yaml:"meta,omitempty"`

	Aggregate []AggregateDocument `json:"aggregate,omitempty" yaml:"aggregate,omitempty"`
	GroupBy   *GroupByDocument    `json:"groupBy,omitempty" yaml:"groupBy,omitempty"`
}

// FilterDocument is one predicate. Exactly one of the condition fields,
// And or Or is set.
type FilterDocument struct {
	Path  string            `json:"path,omitempty" yaml:"path,omitempty"`
	Op    string            `json:"op,omitempty" yaml:"op,omitempty"`
	Value any               `json:"value,omitempty" yaml:"value,omitempty"`
	And   []*FilterDocument `json:"and,omitempty" yaml:"and,omitempty"`
	Or    []*FilterDocument `json:"or,omitempty" yaml:"or,omitempty"`
}

// AggregateDocument names an aggregate function and its path.
type AggregateDocument struct {
	Fn   string `json:"fn" yaml:"fn"`
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// GroupByDocument groups by a raw value or a named time interval.
type GroupByDocument struct {
	Path     string `json:"path" yaml:"path"`
	Interval string `json:"interval,omitempty" yaml:"interval,omitempty"`
}

// LoadDocumentJSON parses a JSON query document.
func LoadDocumentJSON(data []byte) (*Document, error) {
	d := &Document{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(d); err != nil {
		return nil, errorf("", "parse query: %v", err)
	}
	return d, nil
}

// LoadDocumentYAML parses a YAML query document.
func LoadDocumentYAML(data []byte) (*Document, error) {
	d := &Document{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(d); err != nil {
		return nil, errorf("", "parse query: %v", err)
	}
	return d, nil
}

// LoadDocumentFile loads a query document, picking the parser from the
// extension (.yaml, .yml, .json).
func LoadDocumentFile(path string) (*Document, error) {
	var parse func([]byte) (*Document, error)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parse = LoadDocumentYAML
	case ".json":
		parse = LoadDocumentJSON
	default:
		return nil, fmt.Errorf("unsupported query file extension %q", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read query: %w", err)
	}
	return parse(data)
}

// Query converts the document to a Query. Unknown operator, function,
// interval and read mode names are reported with their path.
func (d *Document) Query() (*Query, error) {
	if d == nil {
		return nil, errorf("", "empty query document")
	}
	q := &Query{
		Type:    d.Type,
		ID:      d.ID,
		IDs:     d.IDs,
		Alias:   d.Alias,
		Offset:  d.Offset,
		Limit:   d.Limit,
		Sort:    d.Sort,
		Include: d.Include,
		Locale:  d.Locale,
	}
	if d.Filter != nil {
		p, err := d.Filter.predicate("filter")
		if err != nil {
			return nil, err
		}
		q.Filter = p
	}
	if len(d.Refs) > 0 {
		q.Refs = make(map[string]*Query, len(d.Refs))
		for path, rd := range d.Refs {
			rq, err := rd.Query()
			if err != nil {
				return nil, fmt.Errorf("refs.%s: %w", path, err)
			}
			q.Refs[path] = rq
		}
	}
	if len(d.Meta) > 0 {
		q.Meta = make(map[string]reader.ReadMode, len(d.Meta))
		for path, name := range d.Meta {
			m, ok := reader.ParseReadMode(name)
			if !ok {
				return nil, errorf("meta."+path, "unknown read mode %q", name)
			}
			q.Meta[path] = m
		}
	}
	for i, a := range d.Aggregate {
		fn, ok := reader.ParseAggFn(a.Fn)
		if !ok {
			return nil, errorf(fmt.Sprintf("aggregate[%d]", i), "unknown function %q", a.Fn)
		}
		q.Aggregate = append(q.Aggregate, Aggregate{Fn: fn, Path: a.Path})
	}
	if g := d.GroupBy; g != nil {
		q.GroupBy = &GroupBy{Path: g.Path}
		if g.Interval != "" {
			iv, ok := reader.ParseInterval(g.Interval)
			if !ok {
				return nil, errorf("groupBy", "unknown interval %q", g.Interval)
			}
			q.GroupBy.Interval = iv
		}
	}
	return q, nil
}

func (f *FilterDocument) predicate(at string) (Predicate, error) {
	set := 0
	if f.Path != "" || f.Op != "" {
		set++
	}
	if f.And != nil {
		set++
	}
	if f.Or != nil {
		set++
	}
	if set != 1 {
		return nil, errorf(at, "filter needs exactly one of path/op, and, or")
	}
	switch {
	case f.And != nil:
		ps, err := predicates(at+".and", f.And)
		if err != nil {
			return nil, err
		}
		return And{Predicates: ps}, nil
	case f.Or != nil:
		ps, err := predicates(at+".or", f.Or)
		if err != nil {
			return nil, err
		}
		return Or{Predicates: ps}, nil
	}
	op, ok := ParseOperator(f.Op)
	if !ok {
		return nil, errorf(at, "unknown operator %q", f.Op)
	}
	return Cond{Path: f.Path, Op: op, Value: plainValue(f.Value)}, nil
}

func predicates(at string, docs []*FilterDocument) ([]Predicate, error) {
	out := make([]Predicate, 0, len(docs))
	for i, fd := range docs {
		p, err := fd.predicate(fmt.Sprintf("%s[%d]", at, i))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// plainValue turns decoder numbers into float64 so filters see the same
// values whichever format the document came from.
func plainValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plainValue(e)
		}
		return out
	}
	return v
}
