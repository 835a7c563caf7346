package engine

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/roach88/tessel/internal/ir"
	"github.com/roach88/tessel/internal/query"
	"github.com/roach88/tessel/internal/reader"
	"github.com/roach88/tessel/internal/schema"
	"github.com/roach88/tessel/internal/store"
	"github.com/roach88/tessel/internal/wire"
)

// RunQuery executes a compiled query program and returns its result
// buffer.
func (e *Reference) RunQuery(ctx context.Context, program []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkHeader(program, "query program"); err != nil {
		return nil, err
	}
	p, err := query.Parse(program)
	if err != nil {
		return nil, malformed("query program", err)
	}
	return e.execute(ctx, p)
}

// execute runs a parsed program against the current generation. Callers
// hold mu.
func (e *Reference) execute(ctx context.Context, p *query.Program) ([]byte, error) {
	x := &executor{
		ctx:   ctx,
		st:    e.store,
		s:     e.s,
		now:   e.clock.Now().UnixMilli(),
		quota: NewQuotaEnforcer(e.maxScan),
		scans: make(map[uint16][]*store.Node),
		nodes: make(map[nodeKey]*store.Node),
		fold:  cases.Fold(),
	}
	return x.run(p)
}

func badProgram(format string, args ...any) error {
	return malformed("query program", fmt.Errorf(format, args...))
}

// executor evaluates one program. Nodes are read once per execution and
// cached; nodes past their expiry are invisible.
type executor struct {
	ctx   context.Context
	st    *store.Store
	s     *schema.Schema
	now   int64
	quota *QuotaEnforcer

	scans     map[uint16][]*store.Node
	nodes     map[nodeKey]*store.Node
	collators map[uint8]*collate.Collator
	fold      cases.Caser
}

// hit is a candidate node, with the edge node of the reference it was
// reached through.
type hit struct {
	n    *store.Node
	edge *store.Node
	et   *schema.Type
}

func (x *executor) run(p *query.Program) ([]byte, error) {
	t := x.s.TypeByID(p.Level.Type)
	if t == nil || t.Edge {
		return nil, badProgram("unknown type %d", p.Level.Type)
	}
	roots, err := x.roots(t, p.Target)
	if err != nil {
		return nil, err
	}
	hits := make([]hit, len(roots))
	for i, n := range roots {
		hits[i] = hit{n: n}
	}
	hits, err = x.selectHits(t, p.Level, hits)
	if err != nil {
		return nil, err
	}

	w := reader.NewResultWriter()
	switch p.Kind {
	case query.KindAggregate:
		if p.Level.Aggregate == nil {
			return nil, badProgram("aggregate program without aggregate block")
		}
		if err := x.aggregate(w, t, p.Level.Aggregate, hits); err != nil {
			return nil, err
		}
	default:
		for _, h := range hits {
			if err := x.writeItem(w, t, p.Level, h); err != nil {
				return nil, err
			}
		}
	}
	return w.Finish(), nil
}

func (x *executor) live(n *store.Node) bool {
	return n.ExpiresAt == 0 || n.ExpiresAt > x.now
}

// scan returns every live node of t in id order.
func (x *executor) scan(t *schema.Type) ([]*store.Node, error) {
	if nodes, ok := x.scans[t.ID]; ok {
		return nodes, nil
	}
	all, err := x.st.ReadType(x.ctx, t.ID)
	if err != nil {
		return nil, internal("read "+t.Name, err)
	}
	if err := x.quota.Check(len(all)); err != nil {
		return nil, err
	}
	nodes := all[:0]
	for _, n := range all {
		if x.live(n) {
			nodes = append(nodes, n)
			x.nodes[nodeKey{typ: t.ID, id: n.ID}] = n
		}
	}
	x.scans[t.ID] = nodes
	return nodes, nil
}

// node returns a live node or nil.
func (x *executor) node(t *schema.Type, id uint32) (*store.Node, error) {
	if err := x.quota.Check(1); err != nil {
		return nil, err
	}
	k := nodeKey{typ: t.ID, id: id}
	if n, ok := x.nodes[k]; ok {
		return n, nil
	}
	n, err := x.st.ReadNode(x.ctx, t.ID, id)
	if errors.Is(err, sql.ErrNoRows) {
		x.nodes[k] = nil
		return nil, nil
	}
	if err != nil {
		return nil, internal(fmt.Sprintf("read %s %d", t.Name, id), err)
	}
	if !x.live(n) {
		n = nil
	}
	x.nodes[k] = n
	return n, nil
}

func (x *executor) roots(t *schema.Type, target query.Target) ([]*store.Node, error) {
	var ids []uint32
	switch target.Kind {
	case query.TargetAll:
		return x.scan(t)
	case query.TargetID:
		ids = []uint32{target.ID}
	case query.TargetIDs:
		seen := make(map[uint32]bool, len(target.IDs))
		for _, id := range target.IDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	case query.TargetAlias:
		p := t.ByID(target.AliasProp)
		if p == nil || p.Tag != ir.TagAlias {
			return nil, badProgram("%s has no alias property %d", t.Name, target.AliasProp)
		}
		id, ok, err := x.st.FindAlias(x.ctx, t.ID, p.ID, target.Alias)
		if err != nil {
			return nil, internal("find alias", err)
		}
		if ok {
			ids = []uint32{id}
		}
	default:
		return nil, badProgram("unknown target %d", target.Kind)
	}
	out := make([]*store.Node, 0, len(ids))
	for _, id := range ids {
		n, err := x.node(t, id)
		if err != nil {
			return nil, err
		}
		if n != nil {
			out = append(out, n)
		}
	}
	return out, nil
}

// selectHits filters, sorts and slices the candidates of one level.
func (x *executor) selectHits(t *schema.Type, l *query.Level, hits []hit) ([]hit, error) {
	if len(l.Filter) > 0 {
		kept := make([]hit, 0, len(hits))
		for _, h := range hits {
			ok, err := x.match(t, h, l.Filter)
			if err != nil {
				return nil, err
			}
			if ok {
				kept = append(kept, h)
			}
		}
		hits = kept
	}
	if l.Sort != nil {
		if err := x.sort(t, l.Sort, hits); err != nil {
			return nil, err
		}
	}
	off := min(int64(l.Offset), int64(len(hits)))
	hits = hits[off:]
	if l.Limit != query.Unlimited && int64(l.Limit) < int64(len(hits)) {
		hits = hits[:l.Limit]
	}
	return hits, nil
}

// match reports whether h satisfies every op.
func (x *executor) match(t *schema.Type, h hit, ops []query.FilterOp) (bool, error) {
	for i := range ops {
		ok, err := x.eval(t, h, &ops[i])
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (x *executor) eval(t *schema.Type, h hit, op *query.FilterOp) (bool, error) {
	switch op.Kind {
	case query.FilterCond:
		return x.cond(t, h.n, op)
	case query.FilterOr:
		for _, branch := range op.Branches {
			ok, err := x.match(t, h, branch)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	case query.FilterRef:
		p := t.ByID(op.Prop)
		if p == nil || p.Ref == nil || p.Ref.Target != op.Type {
			return false, badProgram("%s has no reference %d to type %d", t.Name, op.Prop, op.Type)
		}
		tt := x.s.Target(p)
		for _, r := range h.n.Refs[p.ID] {
			sub, err := x.refHit(p, tt, r)
			if err != nil {
				return false, err
			}
			if sub.n == nil {
				continue
			}
			ok, err := x.match(tt, sub, op.Sub)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	case query.FilterEdge:
		et := x.s.TypeByID(op.Type)
		if et == nil || !et.Edge || (h.et != nil && h.et.ID != et.ID) {
			return false, badProgram("edge filter on type %d outside its reference", op.Type)
		}
		edge := h.edge
		if edge == nil {
			edge = &store.Node{Type: et.ID, Main: et.NewMainRecord(), Fields: map[store.FieldKey][]byte{}, Refs: map[uint8][]store.Ref{}}
		}
		return x.match(et, hit{n: edge}, op.Sub)
	}
	return false, badProgram("unknown filter op %d", op.Kind)
}

// refHit resolves one stored reference to its live target and edge node.
func (x *executor) refHit(p *schema.Prop, tt *schema.Type, r store.Ref) (hit, error) {
	n, err := x.node(tt, r.Target)
	if err != nil || n == nil {
		return hit{}, err
	}
	h := hit{n: n, et: x.s.EdgeType(p)}
	if r.Edge != 0 && h.et != nil {
		if h.edge, err = x.node(h.et, r.Edge); err != nil {
			return hit{}, err
		}
	}
	return h, nil
}

// operands are the values a condition compares against. A missing
// string reads as "".
type operands struct {
	nums    []float64
	strs    []string
	present bool
}

func (x *executor) operands(t *schema.Type, n *store.Node, f query.Field, locale uint8) (operands, error) {
	var o operands
	switch {
	case f.IsID():
		o.nums, o.present = []float64{float64(n.ID)}, true
		return o, nil
	case f.IsMain():
		if f.Start+f.Size > len(n.Main) || f.Size < f.Tag.FixedSize() {
			return o, badProgram("main field %d+%d outside %s", f.Start, f.Size, t.Name)
		}
		src := n.Main[f.Start : f.Start+f.Size]
		o.present = true
		if f.Tag == ir.TagString {
			o.strs = []string{wire.ReadFixedString(src)}
		} else {
			o.nums = []float64{wire.ReadFixed(src, f.Tag)}
		}
		return o, nil
	}

	p := t.ByID(f.Prop)
	if p == nil {
		return o, badProgram("%s has no property %d", t.Name, f.Prop)
	}
	switch p.Tag {
	case ir.TagString, ir.TagAlias:
		s, ok, err := x.str(n.Field(p.ID))
		if err != nil {
			return o, err
		}
		o.strs, o.present = []string{s}, ok
	case ir.TagText:
		codes := n.Locales(p.ID)
		if locale != 0 {
			codes = nil
			if _, code := x.text(n, p.ID, locale); code != 0 {
				codes = []uint8{code}
			}
		}
		for _, code := range codes {
			s, _, err := x.str(n.Fields[store.FieldKey{Prop: p.ID, Locale: code}])
			if err != nil {
				return o, err
			}
			o.strs = append(o.strs, s)
		}
		o.present = len(o.strs) > 0
		if !o.present {
			o.strs = []string{""}
		}
	case ir.TagReference, ir.TagReferences:
		for _, r := range n.Refs[p.ID] {
			o.nums = append(o.nums, float64(r.Target))
		}
		o.present = len(o.nums) > 0
	default:
		o.present = n.Field(p.ID) != nil
	}
	return o, nil
}

// str decodes a compressible payload; nil reads as absent.
func (x *executor) str(payload []byte) (string, bool, error) {
	if payload == nil {
		return "", false, nil
	}
	raw, _, err := wire.ReadCompressible(payload)
	if err != nil {
		return "", false, internal("stored string", err)
	}
	return string(raw), true, nil
}

// text returns the payload of a text prop in locale, following the
// fallback chain, with the locale it was found in.
func (x *executor) text(n *store.Node, prop, locale uint8) ([]byte, uint8) {
	seen := make(map[uint8]bool)
	for code := locale; code != 0 && !seen[code]; {
		seen[code] = true
		if d, ok := n.Fields[store.FieldKey{Prop: prop, Locale: code}]; ok {
			return d, code
		}
		tag, _ := x.s.LocaleTag(code)
		fb, ok := x.s.Fallbacks[tag]
		if !ok {
			break
		}
		code, _ = x.s.LocaleCode(fb)
	}
	return nil, 0
}

func (x *executor) cond(t *schema.Type, n *store.Node, op *query.FilterOp) (bool, error) {
	o, err := x.operands(t, n, op.Field, op.Locale)
	if err != nil {
		return false, err
	}
	switch op.Op {
	case query.OpExists:
		return o.present, nil
	case query.OpNotExists:
		return !o.present, nil
	case query.OpEq:
		return x.equal(o, op), nil
	case query.OpNeq:
		return !x.equal(o, op), nil
	case query.OpIncludes:
		if len(op.Strings) > 0 {
			for _, s := range o.strs {
				folded := x.fold.String(s)
				for _, want := range op.Strings {
					if strings.Contains(folded, x.fold.String(want)) {
						return true, nil
					}
				}
			}
			return false, nil
		}
		return x.equal(o, op), nil
	}

	if len(op.Numbers) == 0 {
		return false, badProgram("operator %s without operand", op.Op)
	}
	for _, v := range o.nums {
		var ok bool
		switch op.Op {
		case query.OpGt:
			ok = v > op.Numbers[0]
		case query.OpLt:
			ok = v < op.Numbers[0]
		case query.OpGe:
			ok = v >= op.Numbers[0]
		case query.OpLe:
			ok = v <= op.Numbers[0]
		case query.OpBetween:
			if len(op.Numbers) != 2 {
				return false, badProgram("between with %d operands", len(op.Numbers))
			}
			ok = v >= op.Numbers[0] && v <= op.Numbers[1]
		default:
			return false, badProgram("unknown operator %d", op.Op)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// equal reports whether any operand equals any condition value.
func (x *executor) equal(o operands, op *query.FilterOp) bool {
	for _, s := range o.strs {
		if slices.Contains(op.Strings, s) {
			return true
		}
	}
	for _, v := range o.nums {
		if slices.Contains(op.Numbers, v) {
			return true
		}
	}
	return false
}

type sortKey struct {
	num float64
	str string
}

func (x *executor) sortKey(t *schema.Type, n *store.Node, spec *query.SortSpec) (sortKey, error) {
	o, err := x.operands(t, n, spec.Field, spec.Locale)
	if err != nil {
		return sortKey{}, err
	}
	var k sortKey
	if len(o.nums) > 0 {
		k.num = o.nums[0]
	}
	if len(o.strs) > 0 {
		k.str = o.strs[0]
	}
	return k, nil
}

// sort orders hits by the sort field; ties keep ascending id order.
// Strings compare by the collation of the sort locale when one is set.
func (x *executor) sort(t *schema.Type, spec *query.SortSpec, hits []hit) error {
	keys := make(map[uint32]sortKey, len(hits))
	for _, h := range hits {
		k, err := x.sortKey(t, h.n, spec)
		if err != nil {
			return err
		}
		keys[h.n.ID] = k
	}
	cmpStr := strings.Compare
	if c := x.collator(spec.Locale); c != nil {
		cmpStr = c.CompareString
	}
	slices.SortStableFunc(hits, func(a, b hit) int {
		ka, kb := keys[a.n.ID], keys[b.n.ID]
		c := cmpStr(ka.str, kb.str)
		if c == 0 {
			switch {
			case ka.num < kb.num:
				c = -1
			case ka.num > kb.num:
				c = 1
			}
		}
		if spec.Desc {
			c = -c
		}
		if c == 0 {
			switch {
			case a.n.ID < b.n.ID:
				c = -1
			case a.n.ID > b.n.ID:
				c = 1
			}
		}
		return c
	})
	return nil
}

func (x *executor) collator(locale uint8) *collate.Collator {
	if locale == 0 {
		return nil
	}
	if c, ok := x.collators[locale]; ok {
		return c
	}
	tag, ok := x.s.LocaleTag(locale)
	if !ok {
		return nil
	}
	lang, err := language.Parse(tag)
	if err != nil {
		return nil
	}
	if x.collators == nil {
		x.collators = make(map[uint8]*collate.Collator)
	}
	c := collate.New(lang)
	x.collators[locale] = c
	return c
}

// writeItem writes one node with the blocks its level requests.
func (x *executor) writeItem(w *reader.ResultWriter, t *schema.Type, l *query.Level, h hit) error {
	pos := w.BeginItem(h.n.ID)
	if err := x.writeBody(w, t, l, h.n); err != nil {
		return err
	}
	for _, rs := range l.Refs {
		if err := x.writeRefs(w, t, h.n, rs); err != nil {
			return err
		}
	}
	if l.Edge != nil && h.edge != nil && h.et != nil {
		epos := w.BeginEdge()
		if err := x.writeBody(w, h.et, l.Edge, h.edge); err != nil {
			return err
		}
		w.EndEdge(epos)
	}
	w.EndItem(pos)
	return nil
}

// writeBody writes the main record and separate fields of a level.
func (x *executor) writeBody(w *reader.ResultWriter, t *schema.Type, l *query.Level, n *store.Node) error {
	switch {
	case l.MainFull:
		w.Main(n.Main)
	case len(l.MainRanges) > 0:
		var part []byte
		for _, r := range l.MainRanges {
			if r.Start+r.Size > len(n.Main) {
				return badProgram("main range %d+%d outside %s", r.Start, r.Size, t.Name)
			}
			part = append(part, n.Main[r.Start:r.Start+r.Size]...)
		}
		w.Main(part)
	}
	for _, fs := range l.Fields {
		if err := x.writeField(w, t, n, fs); err != nil {
			return err
		}
	}
	return nil
}

func (x *executor) writeField(w *reader.ResultWriter, t *schema.Type, n *store.Node, fs query.FieldSpec) error {
	p := t.ByID(fs.Prop)
	if p == nil {
		return badProgram("%s has no property %d", t.Name, fs.Prop)
	}
	switch p.Tag {
	case ir.TagText:
		codes := n.Locales(p.ID)
		if fs.Locale != 0 {
			codes = nil
			if _, code := x.text(n, p.ID, fs.Locale); code != 0 {
				codes = []uint8{code}
			}
		}
		for _, code := range codes {
			d := n.Fields[store.FieldKey{Prop: p.ID, Locale: code}]
			if fs.Mode != reader.ModeValue {
				if err := x.writeMeta(w, p.ID, code, d, fs.Mode); err != nil {
					return err
				}
				continue
			}
			w.Field(p.ID, append([]byte{code}, d...))
		}
		return nil
	case ir.TagCardinality:
		d := n.Field(p.ID)
		if len(d) < 4 {
			return nil
		}
		w.Field(p.ID, d[:4])
		return nil
	}
	d := n.Field(p.ID)
	if d == nil {
		return nil
	}
	if p.Tag.IsStringLike() && fs.Mode != reader.ModeValue {
		return x.writeMeta(w, p.ID, 0, d, fs.Mode)
	}
	w.Field(p.ID, d)
	return nil
}

// writeMeta describes a stored string: raw size, checksum of the raw
// bytes and compression flag, plus the payload in ModeBoth.
func (x *executor) writeMeta(w *reader.ResultWriter, prop, locale uint8, payload []byte, mode reader.ReadMode) error {
	raw, compressed, err := wire.ReadCompressible(payload)
	if err != nil {
		return internal("stored string", err)
	}
	var value []byte
	if mode == reader.ModeBoth {
		value = payload
	}
	w.Meta(prop, locale, compressed, uint32(len(raw)), uint32(xxhash.Sum64(raw)), value)
	return nil
}

func (x *executor) writeRefs(w *reader.ResultWriter, t *schema.Type, n *store.Node, rs query.RefSpec) error {
	p := t.ByID(rs.Prop)
	if p == nil || p.Ref == nil || rs.Level == nil || rs.Level.Type != p.Ref.Target {
		return badProgram("%s has no reference %d", t.Name, rs.Prop)
	}
	tt := x.s.Target(p)
	hits := make([]hit, 0, len(n.Refs[p.ID]))
	for _, r := range n.Refs[p.ID] {
		h, err := x.refHit(p, tt, r)
		if err != nil {
			return err
		}
		if h.n != nil {
			hits = append(hits, h)
		}
	}
	hits, err := x.selectHits(tt, rs.Level, hits)
	if err != nil {
		return err
	}
	if !rs.Many {
		if len(hits) == 0 {
			return nil
		}
		pos := w.BeginRef(p.ID)
		if err := x.writeItem(w, tt, rs.Level, hits[0]); err != nil {
			return err
		}
		w.EndRef(pos)
		return nil
	}
	pos := w.BeginRefs(p.ID)
	for _, h := range hits {
		if err := x.writeItem(w, tt, rs.Level, h); err != nil {
			return err
		}
	}
	w.EndRefs(pos)
	return nil
}

func putU32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}
