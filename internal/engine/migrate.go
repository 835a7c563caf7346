package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/tessel/internal/ir"
	"github.com/roach88/tessel/internal/schema"
	"github.com/roach88/tessel/internal/store"
	"github.com/roach88/tessel/internal/wire"
)

// migrate rewrites stored nodes from old ids to the ids of next. Types
// and props are matched by name and path. A value survives when its tag
// still fits; everything else falls back to the new default. Node ids,
// expiries and id sequences are kept.
func migrate(ctx context.Context, tx *store.Tx, old, next *schema.Schema, logger *slog.Logger) error {
	var nodes []*store.Node
	for _, ot := range old.Types[1:] {
		ns, err := tx.ReadType(ctx, ot.ID)
		if err != nil {
			return fmt.Errorf("read %s: %w", ot.Name, err)
		}
		nodes = append(nodes, ns...)
	}
	seqs, err := tx.Sequences(ctx)
	if err != nil {
		return err
	}
	if err := tx.Reset(ctx); err != nil {
		return err
	}

	m := &migration{old: old, next: next}
	moved, dropped := 0, 0
	for _, n := range nodes {
		ot := old.TypeByID(n.Type)
		nt, ok := next.Type(ot.Name)
		if !ok {
			dropped++
			continue
		}
		out, aliases := m.node(ot, nt, n)
		if err := tx.WriteNode(ctx, out); err != nil {
			return fmt.Errorf("write %s %d: %w", nt.Name, n.ID, err)
		}
		for _, al := range aliases {
			if _, err := tx.PutAlias(ctx, nt.ID, al.prop, al.value, n.ID); err != nil {
				return fmt.Errorf("alias %s %d: %w", nt.Name, n.ID, err)
			}
		}
		moved++
	}
	for typ, nextID := range seqs {
		ot := old.TypeByID(typ)
		if ot == nil {
			continue
		}
		if nt, ok := next.Type(ot.Name); ok {
			if err := tx.SetNextID(ctx, nt.ID, nextID); err != nil {
				return err
			}
		}
	}
	logger.Info("data migrated", "nodes", moved, "dropped", dropped)
	return nil
}

type migration struct {
	old, next *schema.Schema
}

type aliasValue struct {
	prop  uint8
	value string
}

func (m *migration) node(ot, nt *schema.Type, n *store.Node) (*store.Node, []aliasValue) {
	out := &store.Node{
		Type:      nt.ID,
		ID:        n.ID,
		Main:      nt.NewMainRecord(),
		Fields:    make(map[store.FieldKey][]byte),
		Refs:      make(map[uint8][]store.Ref),
		ExpiresAt: n.ExpiresAt,
	}
	for _, np := range nt.Main {
		op := ot.Prop(np.Path)
		if op == nil || !op.Main {
			continue
		}
		m.mainValue(op, np, n.Main, out.Main)
	}
	for _, op := range ot.Main {
		np := nt.Prop(op.Path)
		if np == nil || np.Main || op.Tag != ir.TagString || np.Tag != ir.TagString {
			continue
		}
		if data := separateString(np, op.ReadMain(n.Main).(string)); data != nil {
			out.Fields[store.FieldKey{Prop: np.ID}] = data
		}
	}

	var aliases []aliasValue
	for key, data := range n.Fields {
		op := ot.ByID(key.Prop)
		if op == nil {
			continue
		}
		np := nt.Prop(op.Path)
		if np == nil || np.Tag != op.Tag {
			continue
		}
		if np.Main {
			if np.Tag == ir.TagString {
				mainString(np, data, out.Main)
			}
			continue
		}
		nk := store.FieldKey{Prop: np.ID}
		if np.Tag == ir.TagText {
			tag, ok := m.old.LocaleTag(key.Locale)
			if !ok {
				continue
			}
			if nk.Locale, ok = m.next.LocaleCode(tag); !ok {
				continue
			}
		}
		switch np.Tag {
		case ir.TagString, ir.TagText, ir.TagAlias, ir.TagJSON, ir.TagBinary:
			if checkLen(np, data) != nil {
				continue
			}
		case ir.TagVector:
			if np.Vector == nil || len(data) != np.Vector.ByteLen() {
				continue
			}
		}
		if np.Tag == ir.TagAlias {
			raw, _, err := wire.ReadCompressible(data)
			if err != nil {
				continue
			}
			aliases = append(aliases, aliasValue{prop: np.ID, value: string(raw)})
		}
		out.Fields[nk] = data
	}

	for prop, refs := range n.Refs {
		op := ot.ByID(prop)
		if op == nil {
			continue
		}
		np := nt.Prop(op.Path)
		if np == nil || np.Ref == nil {
			continue
		}
		otgt, ntgt := m.old.Target(op), m.next.Target(np)
		if otgt == nil || ntgt == nil || otgt.Name != ntgt.Name {
			continue
		}
		keepEdge := sameEdgeType(m.old.EdgeType(op), m.next.EdgeType(np))
		for _, r := range refs {
			if !keepEdge {
				r.Edge = 0
			}
			out.Refs[np.ID] = append(out.Refs[np.ID], r)
			if np.Tag == ir.TagReference {
				break
			}
		}
	}
	return out, aliases
}

// separateString stores a former main-record string as a separate
// payload. Empty strings stay absent.
func separateString(np *schema.Prop, v string) []byte {
	if v == "" || (np.MaxBytes > 0 && len(v) > np.MaxBytes) {
		return nil
	}
	b := wire.NewBuffer(len(v)+1, 0)
	b.PutCompressible([]byte(v), wire.DefaultCompressThreshold)
	return b.Detach()
}

// mainString moves a separate string payload into the main record when
// it fits the fixed slot.
func mainString(np *schema.Prop, data, dst []byte) {
	raw, _, err := wire.ReadCompressible(data)
	if err != nil || len(raw) > np.Size-1 {
		return
	}
	np.PutMain(dst, string(raw))
}

// mainValue carries one main-record value across. Same-shaped props copy
// bytes; numeric props convert through float64 and are dropped when the
// new rule rejects them.
func (m *migration) mainValue(op, np *schema.Prop, src, dst []byte) {
	if op.Tag == np.Tag && op.Size == np.Size && op.Tag != ir.TagEnum {
		copy(dst[np.Start:np.Start+np.Size], src[op.Start:op.Start+op.Size])
		return
	}
	v := op.ReadMain(src)
	if v == nil {
		return
	}
	switch v := v.(type) {
	case float64:
		if !np.Tag.IsNumeric() || np.CheckNumber(v) != nil {
			return
		}
	case bool:
		if np.Tag != ir.TagBoolean {
			return
		}
	case string:
		switch np.Tag {
		case ir.TagEnum:
			if _, ok := np.EnumIndex(v); !ok {
				return
			}
		case ir.TagString:
			if len(v) > np.Size-1 {
				return
			}
		default:
			return
		}
	}
	np.PutMain(dst, v)
}

func sameEdgeType(a, b *schema.Type) bool {
	return a != nil && b != nil && a.Name == b.Name
}
