package query

import (
	"math"

	"github.com/roach88/tessel/internal/ir"
	"github.com/roach88/tessel/internal/reader"
	"github.com/roach88/tessel/internal/schema"
	"github.com/roach88/tessel/internal/wire"
)

// aggregate emits [u8 hasGroup]([field][u8 interval])?[u8 n]
// ([u8 fn][field][u16 acc][u16 result])*.
func (c *compiler) aggregate(buf *wire.Buffer, t *schema.Type, q *Query) (*reader.Schema, error) {
	if len(q.Include) > 0 || len(q.Refs) > 0 || len(q.Meta) > 0 {
		return nil, errorf(t.Name, "aggregate queries cannot include fields")
	}
	if len(q.Aggregate) > math.MaxUint8 {
		return nil, errorf(t.Name, "too many aggregates (%d)", len(q.Aggregate))
	}
	layout := &reader.AggregateLayout{}

	if g := q.GroupBy; g != nil {
		p := t.Prop(g.Path)
		if p == nil {
			return nil, errorf(g.Path, "unknown group field on %s", t.Name)
		}
		if !groupable(p) {
			return nil, errorf(g.Path, "cannot group by %s", p.Tag)
		}
		if g.Interval != reader.IntervalNone && p.Tag != ir.TagTimestamp {
			return nil, errorf(g.Path, "interval %s needs a timestamp", g.Interval)
		}
		buf.PutU8(1)
		putFieldRef(buf, p)
		buf.PutU8(uint8(g.Interval))
		layout.GroupBy = &reader.GroupLayout{Path: p.Path, Tag: p.Tag, Enum: p.Enum, Interval: g.Interval}
	} else {
		buf.PutU8(0)
	}

	buf.PutU8(uint8(len(q.Aggregate)))
	for _, a := range q.Aggregate {
		p, err := aggregateProp(t, a)
		if err != nil {
			return nil, err
		}
		buf.PutU8(uint8(a.Fn))
		if p == nil {
			putNoField(buf)
		} else {
			putFieldRef(buf, p)
		}
		buf.PutU16(uint16(a.Fn.AccSize()))
		buf.PutU16(uint16(a.Fn.ResultSize()))
		layout.Fields = append(layout.Fields, reader.AggField{Fn: a.Fn, Path: a.Path})
	}

	rs := reader.NewSchema(t.Name)
	rs.Aggregate = layout
	return rs, nil
}

func aggregateProp(t *schema.Type, a Aggregate) (*schema.Prop, error) {
	switch a.Fn {
	case reader.AggCount:
		if a.Path != "" {
			return nil, errorf(a.Path, "count takes no field")
		}
		return nil, nil
	case reader.AggCardinality:
		p := t.Prop(a.Path)
		if p == nil || p.Tag != ir.TagCardinality {
			return nil, errorf(a.Path, "cardinality needs a cardinality field")
		}
		return p, nil
	case reader.AggSum, reader.AggAvg, reader.AggStddev, reader.AggVariance,
		reader.AggMin, reader.AggMax, reader.AggHMean:
		p := t.Prop(a.Path)
		if p == nil {
			return nil, errorf(a.Path, "unknown aggregate field on %s", t.Name)
		}
		if !p.Main || !p.Tag.IsNumeric() {
			return nil, errorf(a.Path, "%s needs a numeric field, got %s", a.Fn, p.Tag)
		}
		return p, nil
	}
	return nil, errorf(a.Path, "unknown aggregate function %s", a.Fn)
}

func groupable(p *schema.Prop) bool {
	if p.Main {
		return true
	}
	switch p.Tag {
	case ir.TagString, ir.TagAlias, ir.TagReference:
		return true
	}
	return false
}

func putNoField(buf *wire.Buffer) {
	buf.PutU8(0)
	buf.PutU8(uint8(ir.TagNull))
	buf.PutU16(0)
	buf.PutU16(0)
}
