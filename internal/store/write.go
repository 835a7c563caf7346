package store

import (
	"context"
	"database/sql"
	"fmt"
)

// NextID allocates the next node id of typ. Ids start at 1. The sequence is
// part of the transaction, so a rollback returns its ids.
func (t *Tx) NextID(ctx context.Context, typ uint16) (uint32, error) {
	var id uint32
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO sequences (type, next) VALUES (?, 2)
		ON CONFLICT(type) DO UPDATE SET next = next + 1
		RETURNING next - 1
	`, typ).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("next id: %w", err)
	}
	return id, nil
}

// SetNextID moves the id sequence of typ so the next allocation returns
// next.
func (t *Tx) SetNextID(ctx context.Context, typ uint16, next uint32) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sequences (type, next) VALUES (?, ?)
		ON CONFLICT(type) DO UPDATE SET next = excluded.next
	`, typ, next)
	if err != nil {
		return fmt.Errorf("set next id: %w", err)
	}
	return nil
}

// PutNode inserts a node or replaces its main record. A nil main record
// is stored empty.
func (t *Tx) PutNode(ctx context.Context, typ uint16, id uint32, main []byte) error {
	if main == nil {
		main = []byte{}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO nodes (type, id, main) VALUES (?, ?, ?)
		ON CONFLICT(type, id) DO UPDATE SET main = excluded.main
	`, typ, id, main)
	if err != nil {
		return fmt.Errorf("put node: %w", err)
	}
	return nil
}

// DeleteNode removes a node with its fields, outgoing refs and aliases.
// References held by other nodes are the caller's to remove.
func (t *Tx) DeleteNode(ctx context.Context, typ uint16, id uint32) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM nodes WHERE type = ? AND id = ?`, typ, id)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return nil
}

// SetExpiry schedules a node for removal at unix ms at; 0 clears it.
func (t *Tx) SetExpiry(ctx context.Context, typ uint16, id uint32, at int64) error {
	var v any
	if at != 0 {
		v = at
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE nodes SET expires_at = ? WHERE type = ? AND id = ?
	`, v, typ, id)
	if err != nil {
		return fmt.Errorf("set expiry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// PutField stores a separate field value.
func (t *Tx) PutField(ctx context.Context, typ uint16, id uint32, key FieldKey, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO fields (type, id, prop, locale, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(type, id, prop, locale) DO UPDATE SET data = excluded.data
	`, typ, id, key.Prop, key.Locale, data)
	if err != nil {
		return fmt.Errorf("put field: %w", err)
	}
	return nil
}

// DeleteField removes every locale of a separate field.
func (t *Tx) DeleteField(ctx context.Context, typ uint16, id uint32, prop uint8) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM fields WHERE type = ? AND id = ? AND prop = ?
	`, typ, id, prop)
	if err != nil {
		return fmt.Errorf("delete field: %w", err)
	}
	return nil
}

// AddRef appends a reference. A reference to a target already present
// keeps its position and takes the new edge id.
func (t *Tx) AddRef(ctx context.Context, typ uint16, id uint32, prop uint8, ref Ref) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO refs (type, id, prop, pos, target, edge)
		VALUES (?, ?, ?,
			(SELECT COALESCE(MAX(pos), 0) + 1 FROM refs WHERE type = ? AND id = ? AND prop = ?),
			?, ?)
		ON CONFLICT(type, id, prop, target) DO UPDATE SET edge = excluded.edge
	`, typ, id, prop, typ, id, prop, ref.Target, ref.Edge)
	if err != nil {
		return fmt.Errorf("add ref: %w", err)
	}
	return nil
}

// RemoveRef drops the reference to target and returns it.
func (t *Tx) RemoveRef(ctx context.Context, typ uint16, id uint32, prop uint8, target uint32) (Ref, bool, error) {
	ref := Ref{Target: target}
	err := t.tx.QueryRowContext(ctx, `
		DELETE FROM refs WHERE type = ? AND id = ? AND prop = ? AND target = ?
		RETURNING edge
	`, typ, id, prop, target).Scan(&ref.Edge)
	if err == sql.ErrNoRows {
		return ref, false, nil
	}
	if err != nil {
		return ref, false, fmt.Errorf("remove ref: %w", err)
	}
	return ref, true, nil
}

// PutAlias gives node id the alias value, replacing its previous value for
// prop. A different node holding value loses it; its id is returned.
func (t *Tx) PutAlias(ctx context.Context, typ uint16, prop uint8, value string, id uint32) (uint32, error) {
	prev, found, err := findAlias(ctx, t.tx, typ, prop, value)
	if err != nil {
		return 0, err
	}
	if err := t.DeleteAlias(ctx, typ, prop, id); err != nil {
		return 0, err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO aliases (type, prop, value, id) VALUES (?, ?, ?, ?)
		ON CONFLICT(type, prop, value) DO UPDATE SET id = excluded.id
	`, typ, prop, value, id)
	if err != nil {
		return 0, fmt.Errorf("put alias: %w", err)
	}
	if !found || prev == id {
		return 0, nil
	}
	return prev, nil
}

// DeleteAlias removes the alias value node id holds for prop.
func (t *Tx) DeleteAlias(ctx context.Context, typ uint16, prop uint8, id uint32) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM aliases WHERE type = ? AND prop = ? AND id = ?
	`, typ, prop, id)
	if err != nil {
		return fmt.Errorf("delete alias: %w", err)
	}
	return nil
}

// WriteNode stores a complete node: main record, fields, refs and
// expiry. Existing rows of the node are replaced.
func (t *Tx) WriteNode(ctx context.Context, n *Node) error {
	if err := t.DeleteNode(ctx, n.Type, n.ID); err != nil {
		return err
	}
	if err := t.PutNode(ctx, n.Type, n.ID, n.Main); err != nil {
		return err
	}
	for key, data := range n.Fields {
		if err := t.PutField(ctx, n.Type, n.ID, key, data); err != nil {
			return err
		}
	}
	for prop, refs := range n.Refs {
		for _, ref := range refs {
			if err := t.AddRef(ctx, n.Type, n.ID, prop, ref); err != nil {
				return err
			}
		}
	}
	if n.ExpiresAt != 0 {
		return t.SetExpiry(ctx, n.Type, n.ID, n.ExpiresAt)
	}
	return nil
}

// Reset removes every node, field, reference, alias and id sequence.
// Recorded schema generations are kept.
func (t *Tx) Reset(ctx context.Context) error {
	for _, table := range []string{"aliases", "refs", "fields", "nodes", "sequences"} {
		if _, err := t.tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

// Savepoint opens a named savepoint inside the transaction.
func (t *Tx) Savepoint(ctx context.Context, name string) error {
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	return nil
}

// RollbackTo discards writes since the savepoint and closes it.
func (t *Tx) RollbackTo(ctx context.Context, name string) error {
	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO "+name); err != nil {
		return fmt.Errorf("rollback to %s: %w", name, err)
	}
	return t.Release(ctx, name)
}

// Release closes the savepoint and keeps its writes.
func (t *Tx) Release(ctx context.Context, name string) error {
	if _, err := t.tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	return nil
}

// Sequences returns the next id of every type with allocated ids.
func (t *Tx) Sequences(ctx context.Context) (map[uint16]uint32, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT type, next FROM sequences ORDER BY type`)
	if err != nil {
		return nil, fmt.Errorf("query sequences: %w", err)
	}
	out := make(map[uint16]uint32)
	for rows.Next() {
		var typ uint16
		var next uint32
		if err := rows.Scan(&typ, &next); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		out[typ] = next
	}
	if err := closeRows(rows, "sequences"); err != nil {
		return nil, err
	}
	return out, nil
}
