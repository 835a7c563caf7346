package engine

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/roach88/tessel/internal/ir"
	"github.com/roach88/tessel/internal/modify"
	"github.com/roach88/tessel/internal/schema"
	"github.com/roach88/tessel/internal/store"
	"github.com/roach88/tessel/internal/wire"
)

// ApplyModify applies every operation of a modify buffer in order and
// acknowledges each one. Operations fail independently: a failed
// operation leaves no trace, and later operations naming its handle are
// rejected. The whole batch commits in one transaction.
func (e *Reference) ApplyModify(ctx context.Context, buf []byte) (*ModifyResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkHeader(buf, "modify buffer"); err != nil {
		return nil, err
	}
	b, err := modify.Parse(e.s, buf)
	if err != nil {
		return nil, malformed("modify buffer", err)
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, internal("begin modify", err)
	}
	defer tx.Rollback()

	a := newApplier(ctx, tx, e.s, e.clock.Now().UnixMilli(), e.logger)
	res := &ModifyResult{Acks: make([]modify.Ack, 0, len(b.Ops))}
	for i := range b.Ops {
		op := &b.Ops[i]
		ack, err := a.apply(op)
		if err != nil {
			return nil, internal(fmt.Sprintf("%s %s at offset %d", modify.OpName(op.Op), op.Type.Name, op.Offset), err)
		}
		res.Acks = append(res.Acks, ack)
	}
	if err := tx.Commit(); err != nil {
		return nil, internal("commit modify", err)
	}
	seq := e.commits.Next()
	e.schedule(a.expiries)

	e.logger.Debug("modify applied",
		"commit", seq,
		"ops", len(b.Ops),
		"failed", len(a.failed),
		"bytes", len(buf),
	)
	e.refresh(ctx, a.touched)
	return res, nil
}

// opFailure ends one operation with a non-OK status without aborting the
// batch.
type opFailure struct {
	status modify.Status
	reason string
}

func (f *opFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.status, f.reason)
}

func notFound(format string, args ...any) error {
	return &opFailure{status: modify.StatusNotFound, reason: fmt.Sprintf(format, args...)}
}

func rejected(format string, args ...any) error {
	return &opFailure{status: modify.StatusRejected, reason: fmt.Sprintf(format, args...)}
}

func invalidOp(format string, args ...any) error {
	return &opFailure{status: modify.StatusInvalid, reason: fmt.Sprintf(format, args...)}
}

const opSavepoint = "modify_op"

// applier applies the operations of one batch inside its transaction.
type applier struct {
	ctx    context.Context
	tx     *store.Tx
	s      *schema.Schema
	now    int64 // unix ms
	logger *slog.Logger

	handles  map[uint32]uint32 // handle number -> node id
	failed   map[uint32]bool
	touched  map[uint16]bool
	expiries map[nodeKey]int64 // 0 disarms
}

func newApplier(ctx context.Context, tx *store.Tx, s *schema.Schema, now int64, logger *slog.Logger) *applier {
	return &applier{
		ctx:      ctx,
		tx:       tx,
		s:        s,
		now:      now,
		logger:   logger,
		handles:  make(map[uint32]uint32),
		failed:   make(map[uint32]bool),
		touched:  make(map[uint16]bool),
		expiries: make(map[nodeKey]int64),
	}
}

// apply runs one operation inside a savepoint. Only storage failures are
// returned as errors.
func (a *applier) apply(op *modify.Operation) (modify.Ack, error) {
	ack := modify.Ack{Handle: op.Handle}
	if err := a.tx.Savepoint(a.ctx, opSavepoint); err != nil {
		return ack, err
	}
	id, err := a.run(op)
	var f *opFailure
	if errors.As(err, &f) {
		if err := a.tx.RollbackTo(a.ctx, opSavepoint); err != nil {
			return ack, err
		}
		a.failed[op.Handle] = true
		ack.Status = f.status
		a.logger.Debug("operation not applied",
			"op", modify.OpName(op.Op),
			"type", op.Type.Name,
			"handle", op.Handle,
			"status", f.status.String(),
			"reason", f.reason,
		)
		return ack, nil
	}
	if err != nil {
		return ack, err
	}
	if err := a.tx.Release(a.ctx, opSavepoint); err != nil {
		return ack, err
	}
	a.handles[op.Handle] = id
	ack.ID = id
	return ack, nil
}

func (a *applier) run(op *modify.Operation) (uint32, error) {
	t := op.Type
	a.touched[t.ID] = true
	switch op.Op {
	case modify.OpCreate:
		return a.create(t, op.Fields)
	case modify.OpUpsert:
		return a.upsert(t, op.Fields)
	}

	id, err := a.resolve(op.TargetKind, op.Target)
	if err != nil {
		return 0, err
	}
	n, err := a.load(t, id)
	if err != nil {
		return 0, err
	}
	switch op.Op {
	case modify.OpUpdate:
		return id, a.update(t, n, op.Fields)
	case modify.OpDelete:
		return id, a.deleteNode(t, n)
	case modify.OpExpire:
		at := a.now + int64(op.TTL)*1000
		if err := a.tx.SetExpiry(a.ctx, t.ID, id, at); err != nil {
			return 0, err
		}
		a.expiries[nodeKey{typ: t.ID, id: id}] = at
		return id, nil
	}
	return 0, invalidOp("unknown operation %d", op.Op)
}

// resolve maps a cursor or reference target to a node id.
func (a *applier) resolve(kind uint8, id uint32) (uint32, error) {
	switch kind {
	case modify.TargetReal:
		if id == 0 {
			return 0, invalidOp("node id 0")
		}
		return id, nil
	case modify.TargetTemp:
		if nid, ok := a.handles[id]; ok {
			return nid, nil
		}
		if a.failed[id] {
			return 0, rejected("operation %d was not applied", id)
		}
		return 0, invalidOp("handle %d is not part of the batch", id)
	}
	return 0, invalidOp("operation needs a target")
}

// load reads a live node. Nodes past their expiry count as missing.
func (a *applier) load(t *schema.Type, id uint32) (*store.Node, error) {
	n, err := a.tx.ReadNode(a.ctx, t.ID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("%s %d does not exist", t.Name, id)
	}
	if err != nil {
		return nil, err
	}
	if n.ExpiresAt != 0 && n.ExpiresAt <= a.now {
		return nil, notFound("%s %d expired", t.Name, id)
	}
	return n, nil
}

func (a *applier) create(t *schema.Type, fields []modify.Instr) (uint32, error) {
	n, err := a.newNode(t)
	if err != nil {
		return 0, err
	}
	a.stamp(t, n.Main, true)
	if err := a.tx.PutNode(a.ctx, t.ID, n.ID, n.Main); err != nil {
		return 0, err
	}
	return n.ID, a.write(t, n, fields, bytes.Clone(n.Main))
}

func (a *applier) newNode(t *schema.Type) (*store.Node, error) {
	id, err := a.tx.NextID(a.ctx, t.ID)
	if err != nil {
		return nil, err
	}
	return &store.Node{
		Type:   t.ID,
		ID:     id,
		Main:   t.NewMainRecord(),
		Fields: make(map[store.FieldKey][]byte),
		Refs:   make(map[uint8][]store.Ref),
	}, nil
}

func (a *applier) update(t *schema.Type, n *store.Node, fields []modify.Instr) error {
	orig := bytes.Clone(n.Main)
	a.stamp(t, n.Main, false)
	return a.write(t, n, fields, orig)
}

// upsert updates the node owning one of the given alias values, or
// creates a node when none does.
func (a *applier) upsert(t *schema.Type, fields []modify.Instr) (uint32, error) {
	for i := range fields {
		in := &fields[i]
		if in.Prop == nil || in.Prop.Tag != ir.TagAlias || in.Op != modify.FieldSet {
			continue
		}
		raw, _, err := wire.ReadCompressible(in.Data)
		if err != nil {
			return 0, invalidOp("%s: %v", in.Prop.Path, err)
		}
		if len(raw) == 0 {
			continue
		}
		id, ok, err := a.tx.FindAlias(a.ctx, t.ID, in.Prop.ID, string(raw))
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		n, err := a.load(t, id)
		var f *opFailure
		if errors.As(err, &f) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return id, a.update(t, n, fields)
	}
	return a.create(t, fields)
}

// stamp writes trigger timestamps. Explicit values in the instructions
// that follow overwrite them.
func (a *applier) stamp(t *schema.Type, rec []byte, create bool) {
	for _, p := range t.Triggers {
		if p.On == schema.TriggerUpdate || (create && p.On == schema.TriggerCreate) {
			p.PutMain(rec, float64(a.now))
		}
	}
}

// write applies instructions to n and stores its main record if it
// differs from orig.
func (a *applier) write(t *schema.Type, n *store.Node, fields []modify.Instr, orig []byte) error {
	for i := range fields {
		if err := a.instr(t, n, &fields[i]); err != nil {
			return err
		}
	}
	if bytes.Equal(orig, n.Main) {
		return nil
	}
	return a.tx.PutNode(a.ctx, t.ID, n.ID, n.Main)
}

func (a *applier) instr(t *schema.Type, n *store.Node, in *modify.Instr) error {
	switch in.Op {
	case modify.FieldMainFull:
		copy(n.Main, in.Data)
	case modify.FieldMainPart:
		copy(n.Main[in.Start:], in.Data)
	case modify.FieldMergeMain:
		for _, p := range in.Patches {
			copy(n.Main[p.Start:], p.Data)
		}
	case modify.FieldIncrement, modify.FieldDecrement:
		a.increment(t, n.Main, in)
	case modify.FieldDelete:
		return a.clear(t, n.ID, in.Prop)
	case modify.FieldSet:
		return a.set(t, n.ID, in)
	case modify.FieldRefSet:
		return a.replaceRefs(t, n.ID, in.Prop, in.Refs)
	case modify.FieldRefAdd:
		for _, item := range in.Refs {
			target, err := a.resolve(item.Kind, item.ID)
			if err != nil {
				return err
			}
			if err := a.link(t, n.ID, in.Prop, target, item.Edge); err != nil {
				return err
			}
		}
	case modify.FieldRefDelete:
		for _, item := range in.Refs {
			target, err := a.resolve(item.Kind, item.ID)
			if err != nil {
				return err
			}
			if err := a.unlink(t, n.ID, in.Prop, target); err != nil {
				return err
			}
		}
	default:
		return invalidOp("unknown field op %d", in.Op)
	}
	return nil
}

// increment adds or subtracts Delta, clamped to the width of the tag and
// the declared bounds of the prop.
func (a *applier) increment(t *schema.Type, rec []byte, in *modify.Instr) {
	dst := rec[in.Start : in.Start+in.Tag.FixedSize()]
	v := wire.ReadFixed(dst, in.Tag)
	if in.Op == modify.FieldIncrement {
		v += in.Delta
	} else {
		v -= in.Delta
	}
	if lo, hi, ok := in.Tag.IntRange(); ok {
		v = min(max(math.Trunc(v), lo), hi)
	}
	for _, p := range t.Main {
		if p.Start != in.Start || p.Num == nil {
			continue
		}
		if p.Num.HasMin {
			v = max(v, p.Num.Min)
		}
		if p.Num.HasMax {
			v = min(v, p.Num.Max)
		}
	}
	wire.PutFixed(dst, in.Tag, v)
}

// clear removes a separate field, unlinking references and releasing
// alias values.
func (a *applier) clear(t *schema.Type, id uint32, p *schema.Prop) error {
	if p.Tag.IsReference() {
		refs, err := a.refs(t, id, p)
		if err != nil {
			return err
		}
		for _, r := range refs {
			if err := a.unlink(t, id, p, r.Target); err != nil {
				return err
			}
		}
		return nil
	}
	if p.Tag == ir.TagAlias {
		if err := a.tx.DeleteAlias(a.ctx, t.ID, p.ID, id); err != nil {
			return err
		}
	}
	return a.tx.DeleteField(a.ctx, t.ID, id, p.ID)
}

func (a *applier) set(t *schema.Type, id uint32, in *modify.Instr) error {
	p := in.Prop
	key := store.FieldKey{Prop: p.ID}
	data := in.Data
	switch p.Tag {
	case ir.TagReference:
		if len(in.Refs) != 1 {
			return invalidOp("%s: reference set carries %d items", p.Path, len(in.Refs))
		}
		target, err := a.resolve(in.Refs[0].Kind, in.Refs[0].ID)
		if err != nil {
			return err
		}
		return a.link(t, id, p, target, in.Refs[0].Edge)
	case ir.TagText:
		if len(data) < 2 {
			return invalidOp("%s: text payload without locale", p.Path)
		}
		if _, ok := a.s.LocaleTag(data[0]); !ok {
			return invalidOp("%s: unknown locale %d", p.Path, data[0])
		}
		key.Locale = data[0]
		data = data[1:]
		if err := checkLen(p, data); err != nil {
			return err
		}
	case ir.TagCardinality:
		return a.mergeCardinality(t, id, p, data)
	case ir.TagVector:
		w := p.Vector.Base.Width()
		if len(data) > p.Vector.ByteLen() || len(data)%w != 0 {
			return invalidOp("%s: vector of %d bytes", p.Path, len(data))
		}
	case ir.TagAlias:
		raw, _, err := wire.ReadCompressible(data)
		if err != nil {
			return invalidOp("%s: %v", p.Path, err)
		}
		if err := checkLen(p, data); err != nil {
			return err
		}
		if len(raw) == 0 {
			return a.clear(t, id, p)
		}
		prev, err := a.tx.PutAlias(a.ctx, t.ID, p.ID, string(raw), id)
		if err != nil {
			return err
		}
		if prev != 0 {
			if err := a.tx.DeleteField(a.ctx, t.ID, prev, p.ID); err != nil {
				return err
			}
		}
	case ir.TagString, ir.TagJSON, ir.TagBinary:
		if err := checkLen(p, data); err != nil {
			return err
		}
	default:
		return invalidOp("%s: %s cannot be set", p.Path, p.Tag)
	}
	return a.tx.PutField(a.ctx, t.ID, id, key, data)
}

// checkLen enforces maxBytes on the raw length of a compressible payload.
func checkLen(p *schema.Prop, payload []byte) error {
	n, err := wire.RawLen(payload)
	if err != nil {
		return invalidOp("%s: %v", p.Path, err)
	}
	if p.MaxBytes > 0 && n > p.MaxBytes {
		return invalidOp("%s: %d bytes exceeds maxBytes %d", p.Path, n, p.MaxBytes)
	}
	return nil
}

// mergeCardinality adds hashed items to the stored set. The set is kept
// as [u32 n][u64 hash]* in ascending order without duplicates.
func (a *applier) mergeCardinality(t *schema.Type, id uint32, p *schema.Prop, payload []byte) error {
	add, err := decodeHashes(payload)
	if err != nil {
		return invalidOp("%s: %v", p.Path, err)
	}
	n, err := a.tx.ReadNode(a.ctx, t.ID, id)
	if err != nil {
		return err
	}
	cur, err := decodeHashes(n.Field(p.ID))
	if err != nil {
		return fmt.Errorf("stored %s.%s: %w", t.Name, p.Path, err)
	}
	set := append(cur, add...)
	slices.Sort(set)
	set = slices.Compact(set)

	out := make([]byte, 4+8*len(set))
	binary.LittleEndian.PutUint32(out, uint32(len(set)))
	for i, h := range set {
		binary.LittleEndian.PutUint64(out[4+8*i:], h)
	}
	return a.tx.PutField(a.ctx, t.ID, id, store.FieldKey{Prop: p.ID}, out)
}

func decodeHashes(b []byte) ([]uint64, error) {
	if len(b) == 0 {
		return nil, nil
	}
	r := wire.NewReader(b)
	n := int(r.U32())
	if n*8 != r.Remaining() {
		return nil, fmt.Errorf("cardinality payload of %d bytes for %d items", len(b), n)
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = r.U64()
	}
	return out, r.Err()
}

// refs returns the stored references of one node and prop.
func (a *applier) refs(t *schema.Type, id uint32, p *schema.Prop) ([]store.Ref, error) {
	n, err := a.tx.ReadNode(a.ctx, t.ID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return n.Refs[p.ID], nil
}

func findRef(refs []store.Ref, target uint32) (store.Ref, bool) {
	for _, r := range refs {
		if r.Target == target {
			return r, true
		}
	}
	return store.Ref{}, false
}

// replaceRefs makes the references of p exactly the given items. Kept
// targets keep their edge node.
func (a *applier) replaceRefs(t *schema.Type, id uint32, p *schema.Prop, items []modify.RefItem) error {
	targets := make([]uint32, len(items))
	want := make(map[uint32]bool, len(items))
	for i, item := range items {
		target, err := a.resolve(item.Kind, item.ID)
		if err != nil {
			return err
		}
		targets[i] = target
		want[target] = true
	}
	cur, err := a.refs(t, id, p)
	if err != nil {
		return err
	}
	for _, r := range cur {
		if !want[r.Target] {
			if err := a.unlink(t, id, p, r.Target); err != nil {
				return err
			}
		}
	}
	for i, item := range items {
		if err := a.link(t, id, p, targets[i], item.Edge); err != nil {
			return err
		}
	}
	return nil
}

// link points p of node id at target and maintains the inverse side. A
// single reference drops its previous target first. Edge instructions
// create or update the edge node shared by both sides.
func (a *applier) link(t *schema.Type, id uint32, p *schema.Prop, target uint32, edge []modify.Instr) error {
	tt := a.s.Target(p)
	if _, err := a.load(tt, target); err != nil {
		var f *opFailure
		if errors.As(err, &f) {
			return invalidOp("%s: %v", p.Path, f.reason)
		}
		return err
	}
	cur, err := a.refs(t, id, p)
	if err != nil {
		return err
	}
	if p.Tag == ir.TagReference {
		for _, r := range cur {
			if r.Target == target {
				continue
			}
			if err := a.unlink(t, id, p, r.Target); err != nil {
				return err
			}
		}
	}
	existing, linked := findRef(cur, target)
	edgeID := existing.Edge
	if len(edge) > 0 {
		if edgeID, err = a.writeEdge(p, edgeID, edge); err != nil {
			return err
		}
	}
	if linked && existing.Edge == edgeID {
		return nil
	}

	if err := a.tx.AddRef(a.ctx, t.ID, id, p.ID, store.Ref{Target: target, Edge: edgeID}); err != nil {
		return err
	}
	inv := a.s.Inverse(p)
	if inv == nil || (tt.ID == t.ID && inv.ID == p.ID && target == id) {
		return nil
	}
	if inv.Tag == ir.TagReference {
		back, err := a.refs(tt, target, inv)
		if err != nil {
			return err
		}
		for _, r := range back {
			if r.Target == id {
				continue
			}
			if err := a.unlink(tt, target, inv, r.Target); err != nil {
				return err
			}
		}
	}
	a.touched[tt.ID] = true
	return a.tx.AddRef(a.ctx, tt.ID, target, inv.ID, store.Ref{Target: id, Edge: edgeID})
}

// writeEdge applies edge instructions to the edge node of a reference,
// creating it when the reference has none yet.
func (a *applier) writeEdge(p *schema.Prop, edgeID uint32, fields []modify.Instr) (uint32, error) {
	et := a.s.EdgeType(p)
	if et == nil {
		return 0, invalidOp("%s has no edge properties", p.Path)
	}
	a.touched[et.ID] = true
	if edgeID == 0 {
		n, err := a.newNode(et)
		if err != nil {
			return 0, err
		}
		if err := a.tx.PutNode(a.ctx, et.ID, n.ID, n.Main); err != nil {
			return 0, err
		}
		return n.ID, a.write(et, n, fields, bytes.Clone(n.Main))
	}
	n, err := a.tx.ReadNode(a.ctx, et.ID, edgeID)
	if err != nil {
		return 0, fmt.Errorf("edge %s %d: %w", et.Name, edgeID, err)
	}
	return edgeID, a.write(et, n, fields, bytes.Clone(n.Main))
}

// unlink removes the reference from node id to target on both sides and
// deletes its edge node.
func (a *applier) unlink(t *schema.Type, id uint32, p *schema.Prop, target uint32) error {
	ref, ok, err := a.tx.RemoveRef(a.ctx, t.ID, id, p.ID, target)
	if err != nil || !ok {
		return err
	}
	tt := a.s.Target(p)
	if inv := a.s.Inverse(p); inv != nil {
		if _, _, err := a.tx.RemoveRef(a.ctx, tt.ID, target, inv.ID, id); err != nil {
			return err
		}
		a.touched[tt.ID] = true
	}
	if ref.Edge == 0 {
		return nil
	}
	et := a.s.EdgeType(p)
	if et == nil {
		return nil
	}
	a.touched[et.ID] = true
	return a.tx.DeleteNode(a.ctx, et.ID, ref.Edge)
}

// deleteNode unlinks every reference of n, then removes it.
func (a *applier) deleteNode(t *schema.Type, n *store.Node) error {
	for _, p := range t.Separate {
		if !p.Tag.IsReference() {
			continue
		}
		for _, r := range n.Refs[p.ID] {
			if err := a.unlink(t, n.ID, p, r.Target); err != nil {
				return err
			}
		}
	}
	if err := a.tx.DeleteNode(a.ctx, t.ID, n.ID); err != nil {
		return err
	}
	a.touched[t.ID] = true
	a.expiries[nodeKey{typ: t.ID, id: n.ID}] = 0
	return nil
}
