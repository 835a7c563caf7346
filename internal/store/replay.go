package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/tessel/internal/schema"
)

// SchemaRecord is one recorded schema generation.
type SchemaRecord struct {
	Generation int64
	Hash       uint64
	Decl       *schema.Decl
	CreatedAt  time.Time
}

// Expiry is a scheduled node removal.
type Expiry struct {
	Type uint16
	ID   uint32
	At   int64 // unix ms
}

// WriteSchema records decl as the current generation and returns its
// number. Recording the hash of the current generation again is a no-op
// that returns the existing generation.
func (s *Store) WriteSchema(ctx context.Context, hash uint64, decl *schema.Decl, at time.Time) (int64, error) {
	return writeSchema(ctx, s.db, hash, decl, at)
}

// WriteSchema records a generation inside the transaction.
func (t *Tx) WriteSchema(ctx context.Context, hash uint64, decl *schema.Decl, at time.Time) (int64, error) {
	return writeSchema(ctx, t.tx, hash, decl, at)
}

func writeSchema(ctx context.Context, q querier, hash uint64, decl *schema.Decl, at time.Time) (int64, error) {
	cur, err := latestSchema(ctx, q, false)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("write schema: %w", err)
	}
	if err == nil && cur.Hash == hash {
		return cur.Generation, nil
	}

	text, err := marshalDecl(decl)
	if err != nil {
		return 0, fmt.Errorf("write schema: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO schemas (hash, decl, created_at) VALUES (?, ?, ?)
	`, formatHash(hash), text, at.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("write schema: %w", err)
	}
	gen, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("write schema: %w", err)
	}
	return gen, nil
}

// LatestSchema returns the most recent generation with its declaration.
// Returns sql.ErrNoRows if no schema was ever recorded.
func (s *Store) LatestSchema(ctx context.Context) (SchemaRecord, error) {
	return latestSchema(ctx, s.db, true)
}

func latestSchema(ctx context.Context, q querier, withDecl bool) (SchemaRecord, error) {
	var rec SchemaRecord
	var hash, text string
	var created int64
	err := q.QueryRowContext(ctx, `
		SELECT generation, hash, decl, created_at FROM schemas
		ORDER BY generation DESC
		LIMIT 1
	`).Scan(&rec.Generation, &hash, &text, &created)
	if err != nil {
		return rec, err
	}
	if rec.Hash, err = parseHash(hash); err != nil {
		return rec, err
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	if withDecl {
		if rec.Decl, err = unmarshalDecl(text); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// ReadExpiring returns every scheduled removal ordered by time, then type
// and id. The engine re-arms its timers from this after a restart.
func (s *Store) ReadExpiring(ctx context.Context) ([]Expiry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, id, expires_at FROM nodes
		WHERE expires_at IS NOT NULL
		ORDER BY expires_at ASC, type ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query expiring: %w", err)
	}
	out := []Expiry{}
	for rows.Next() {
		var e Expiry
		if err := rows.Scan(&e.Type, &e.ID, &e.At); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expiry: %w", err)
		}
		out = append(out, e)
	}
	if err := closeRows(rows, "expiring"); err != nil {
		return nil, err
	}
	return out, nil
}
