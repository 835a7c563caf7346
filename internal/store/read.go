package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Node is one stored node with its separate fields and outgoing
// references. Type and property ids belong to the current generation.
type Node struct {
	Type      uint16
	ID        uint32
	Main      []byte
	Fields    map[FieldKey][]byte
	Refs      map[uint8][]Ref
	ExpiresAt int64 // unix ms, 0 = never
}

// FieldKey addresses a separate field slot. Locale is 0 except for text.
type FieldKey struct {
	Prop   uint8
	Locale uint8
}

// Ref is one outgoing reference. Edge is the edge node id, 0 for none.
type Ref struct {
	Target uint32
	Edge   uint32
}

// Field returns the locale-less value of prop, or nil.
func (n *Node) Field(prop uint8) []byte {
	return n.Fields[FieldKey{Prop: prop}]
}

// Locales returns the stored locales of a text prop in ascending order.
func (n *Node) Locales(prop uint8) []uint8 {
	var out []uint8
	for code := 1; code <= 255; code++ {
		if _, ok := n.Fields[FieldKey{Prop: prop, Locale: uint8(code)}]; ok {
			out = append(out, uint8(code))
		}
	}
	return out
}

func newNode(typ uint16, id uint32, main []byte, expires sql.NullInt64) *Node {
	return &Node{
		Type:      typ,
		ID:        id,
		Main:      main,
		Fields:    make(map[FieldKey][]byte),
		Refs:      make(map[uint8][]Ref),
		ExpiresAt: expires.Int64,
	}
}

// ReadNode returns one node.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadNode(ctx context.Context, typ uint16, id uint32) (*Node, error) {
	return readNode(ctx, s.db, typ, id)
}

// ReadNode returns one node as seen by the transaction.
// Returns sql.ErrNoRows if not found.
func (t *Tx) ReadNode(ctx context.Context, typ uint16, id uint32) (*Node, error) {
	return readNode(ctx, t.tx, typ, id)
}

// ReadType returns every node of typ ordered by id ASC.
// Returns an empty slice (not nil) when the type has no nodes.
func (s *Store) ReadType(ctx context.Context, typ uint16) ([]*Node, error) {
	return readNodes(ctx, s.db, typ, 0)
}

// ReadType returns every node of typ as seen by the transaction.
func (t *Tx) ReadType(ctx context.Context, typ uint16) ([]*Node, error) {
	return readNodes(ctx, t.tx, typ, 0)
}

// FindAlias returns the node holding an alias value.
func (s *Store) FindAlias(ctx context.Context, typ uint16, prop uint8, value string) (uint32, bool, error) {
	return findAlias(ctx, s.db, typ, prop, value)
}

// FindAlias returns the node holding an alias value as seen by the
// transaction.
func (t *Tx) FindAlias(ctx context.Context, typ uint16, prop uint8, value string) (uint32, bool, error) {
	return findAlias(ctx, t.tx, typ, prop, value)
}

// CountNodes returns the number of stored nodes per type id.
func (s *Store) CountNodes(ctx context.Context) (map[uint16]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, COUNT(*) FROM nodes GROUP BY type ORDER BY type
	`)
	if err != nil {
		return nil, fmt.Errorf("count nodes: %w", err)
	}
	defer rows.Close()

	out := make(map[uint16]int)
	for rows.Next() {
		var typ uint16
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan node count: %w", err)
		}
		out[typ] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node counts: %w", err)
	}
	return out, nil
}

func readNode(ctx context.Context, q querier, typ uint16, id uint32) (*Node, error) {
	nodes, err := readNodes(ctx, q, typ, id)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, sql.ErrNoRows
	}
	return nodes[0], nil
}

// readNodes loads nodes of typ with their fields and refs. id 0 selects
// every node of the type.
func readNodes(ctx context.Context, q querier, typ uint16, id uint32) ([]*Node, error) {
	where := "type = ?"
	args := []any{typ}
	if id != 0 {
		where += " AND id = ?"
		args = append(args, id)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, main, expires_at FROM nodes
		WHERE `+where+`
		ORDER BY id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	nodes := []*Node{}
	byID := make(map[uint32]*Node)
	for rows.Next() {
		var nid uint32
		var main []byte
		var expires sql.NullInt64
		if err := rows.Scan(&nid, &main, &expires); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n := newNode(typ, nid, main, expires)
		nodes = append(nodes, n)
		byID[nid] = n
	}
	if err := closeRows(rows, "nodes"); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nodes, nil
	}

	if err := readFields(ctx, q, where, args, byID); err != nil {
		return nil, err
	}
	if err := readRefs(ctx, q, where, args, byID); err != nil {
		return nil, err
	}
	return nodes, nil
}

func readFields(ctx context.Context, q querier, where string, args []any, byID map[uint32]*Node) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, prop, locale, data FROM fields
		WHERE `+where+`
		ORDER BY id ASC, prop ASC, locale ASC
	`, args...)
	if err != nil {
		return fmt.Errorf("query fields: %w", err)
	}
	for rows.Next() {
		var id uint32
		var key FieldKey
		var data []byte
		if err := rows.Scan(&id, &key.Prop, &key.Locale, &data); err != nil {
			rows.Close()
			return fmt.Errorf("scan field: %w", err)
		}
		if n := byID[id]; n != nil {
			n.Fields[key] = data
		}
	}
	return closeRows(rows, "fields")
}

func readRefs(ctx context.Context, q querier, where string, args []any, byID map[uint32]*Node) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, prop, target, edge FROM refs
		WHERE `+where+`
		ORDER BY id ASC, prop ASC, pos ASC
	`, args...)
	if err != nil {
		return fmt.Errorf("query refs: %w", err)
	}
	for rows.Next() {
		var id uint32
		var prop uint8
		var ref Ref
		if err := rows.Scan(&id, &prop, &ref.Target, &ref.Edge); err != nil {
			rows.Close()
			return fmt.Errorf("scan ref: %w", err)
		}
		if n := byID[id]; n != nil {
			n.Refs[prop] = append(n.Refs[prop], ref)
		}
	}
	return closeRows(rows, "refs")
}

func findAlias(ctx context.Context, q querier, typ uint16, prop uint8, value string) (uint32, bool, error) {
	var id uint32
	err := q.QueryRowContext(ctx, `
		SELECT id FROM aliases WHERE type = ? AND prop = ? AND value = ?
	`, typ, prop, value).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find alias: %w", err)
	}
	return id, true, nil
}

func closeRows(rows *sql.Rows, what string) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate %s: %w", what, err)
	}
	return rows.Close()
}
