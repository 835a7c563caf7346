package store

import (
	"context"
	"path/filepath"
	"testing"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// withTx runs fn in a transaction and commits it.
func withTx(t *testing.T, s *Store, fn func(ctx context.Context, tx *Tx)) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	defer tx.Rollback()
	fn(ctx, tx)
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
}

// createTestNode writes a node with a main record and returns its id.
func createTestNode(t *testing.T, ctx context.Context, tx *Tx, typ uint16, main []byte) uint32 {
	t.Helper()
	id, err := tx.NextID(ctx, typ)
	if err != nil {
		t.Fatalf("NextID() failed: %v", err)
	}
	if err := tx.PutNode(ctx, typ, id, main); err != nil {
		t.Fatalf("PutNode() failed: %v", err)
	}
	return id
}
