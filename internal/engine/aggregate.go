package engine

import (
	"bytes"
	"encoding/binary"
	"math"
	"slices"

	"github.com/roach88/tessel/internal/ir"
	"github.com/roach88/tessel/internal/query"
	"github.com/roach88/tessel/internal/reader"
	"github.com/roach88/tessel/internal/schema"
	"github.com/roach88/tessel/internal/store"
	"github.com/roach88/tessel/internal/wire"
)

// accumulator folds the values of one function over one group.
type accumulator struct {
	n        float64
	sum      float64
	inv      float64 // sum of reciprocals, hmean
	nonzero  float64
	mean, m2 float64 // Welford
	lo, hi   float64
	hashes   map[uint64]struct{}
}

func (a *accumulator) add(v float64) {
	if a.n == 0 || v < a.lo {
		a.lo = v
	}
	if a.n == 0 || v > a.hi {
		a.hi = v
	}
	a.n++
	a.sum += v
	if v != 0 {
		a.inv += 1 / v
		a.nonzero++
	}
	d := v - a.mean
	a.mean += d / a.n
	a.m2 += d * (v - a.mean)
}

func (a *accumulator) result(fn reader.AggFn, count int) float64 {
	switch fn {
	case reader.AggCount:
		return float64(count)
	case reader.AggCardinality:
		return float64(len(a.hashes))
	}
	if a.n == 0 {
		return 0
	}
	switch fn {
	case reader.AggSum:
		return a.sum
	case reader.AggAvg:
		return a.sum / a.n
	case reader.AggMin:
		return a.lo
	case reader.AggMax:
		return a.hi
	case reader.AggVariance:
		return a.m2 / a.n
	case reader.AggStddev:
		return math.Sqrt(a.m2 / a.n)
	case reader.AggHMean:
		if a.inv == 0 {
			return 0
		}
		return a.nonzero / a.inv
	}
	return 0
}

type group struct {
	key   []byte
	count int
	accs  []accumulator
}

// aggregate folds hits into groups and writes them in key order. Without
// a group-by every hit lands in one group with an empty key; no hits
// write no group.
func (x *executor) aggregate(w *reader.ResultWriter, t *schema.Type, spec *query.AggregateSpec, hits []hit) error {
	layout := &reader.AggregateLayout{}
	for _, fn := range spec.Fns {
		layout.Fields = append(layout.Fields, reader.AggField{Fn: fn.Fn})
		if fn.Fn.AccSize() == 0 {
			return badProgram("unknown aggregate function %d", fn.Fn)
		}
	}

	groups := make(map[string]*group)
	for _, h := range hits {
		key, err := x.groupKey(t, spec.Group, h.n)
		if err != nil {
			return err
		}
		g, ok := groups[string(key)]
		if !ok {
			g = &group{key: key, accs: make([]accumulator, len(spec.Fns))}
			groups[string(key)] = g
		}
		g.count++
		for i, fn := range spec.Fns {
			if err := x.accumulate(t, &g.accs[i], fn, h.n); err != nil {
				return err
			}
		}
	}

	ordered := make([]*group, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	slices.SortFunc(ordered, func(a, b *group) int { return bytes.Compare(a.key, b.key) })
	for _, g := range ordered {
		vals := make([]float64, len(spec.Fns))
		for i, fn := range spec.Fns {
			vals[i] = g.accs[i].result(fn.Fn, g.count)
		}
		w.Group(layout, g.key, vals)
	}
	return nil
}

func (x *executor) accumulate(t *schema.Type, acc *accumulator, fn query.AggSpec, n *store.Node) error {
	switch fn.Fn {
	case reader.AggCount:
		return nil
	case reader.AggCardinality:
		p := t.ByID(fn.Field.Prop)
		if p == nil || p.Tag != ir.TagCardinality {
			return badProgram("cardinality of %s property %d", t.Name, fn.Field.Prop)
		}
		hashes, err := decodeHashes(n.Field(p.ID))
		if err != nil {
			return internal("stored cardinality", err)
		}
		if acc.hashes == nil {
			acc.hashes = make(map[uint64]struct{})
		}
		for _, h := range hashes {
			acc.hashes[h] = struct{}{}
		}
		return nil
	}
	f := fn.Field
	if !f.IsMain() || !f.Tag.IsNumeric() || f.Start+f.Tag.FixedSize() > len(n.Main) {
		return badProgram("%s of a non-numeric field", fn.Fn)
	}
	acc.add(wire.ReadFixed(n.Main[f.Start:], f.Tag))
	return nil
}

// groupKey encodes the group of n the way the result decoder reads it:
// time buckets as u64 ms, fixed-width main values raw, main strings and
// separate strings as their text, references as the u32 target id.
func (x *executor) groupKey(t *schema.Type, g *query.GroupSpec, n *store.Node) ([]byte, error) {
	if g == nil {
		return []byte{}, nil
	}
	f := g.Field
	if f.IsMain() {
		if f.Start+f.Size > len(n.Main) {
			return nil, badProgram("group field %d+%d outside %s", f.Start, f.Size, t.Name)
		}
		src := n.Main[f.Start : f.Start+f.Size]
		switch {
		case g.Interval != reader.IntervalNone:
			ms := int64(wire.ReadFixed(src, f.Tag))
			return binary.LittleEndian.AppendUint64(nil, uint64(reader.BucketStart(g.Interval, ms))), nil
		case f.Tag == ir.TagString:
			return []byte(wire.ReadFixedString(src)), nil
		}
		return bytes.Clone(src[:f.Tag.FixedSize()]), nil
	}
	p := t.ByID(f.Prop)
	if p == nil {
		return nil, badProgram("%s has no property %d", t.Name, f.Prop)
	}
	switch p.Tag {
	case ir.TagString, ir.TagAlias:
		s, _, err := x.str(n.Field(p.ID))
		return []byte(s), err
	case ir.TagReference:
		var target uint32
		if refs := n.Refs[p.ID]; len(refs) > 0 {
			target = refs[0].Target
		}
		return putU32(target), nil
	}
	return nil, badProgram("cannot group by %s", p.Tag)
}
