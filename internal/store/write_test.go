package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextID_PerType(t *testing.T) {
	s := createTestStore(t)

	withTx(t, s, func(ctx context.Context, tx *Tx) {
		a1, err := tx.NextID(ctx, 1)
		require.NoError(t, err)
		a2, err := tx.NextID(ctx, 1)
		require.NoError(t, err)
		b1, err := tx.NextID(ctx, 2)
		require.NoError(t, err)

		assert.Equal(t, uint32(1), a1)
		assert.Equal(t, uint32(2), a2)
		assert.Equal(t, uint32(1), b1)
	})
}

func TestSetNextID(t *testing.T) {
	s := createTestStore(t)

	withTx(t, s, func(ctx context.Context, tx *Tx) {
		require.NoError(t, tx.SetNextID(ctx, 1, 40))
		id, err := tx.NextID(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, uint32(40), id)
	})
}

func TestPutNode_ReplacesMain(t *testing.T) {
	s := createTestStore(t)
	var id uint32

	withTx(t, s, func(ctx context.Context, tx *Tx) {
		id = createTestNode(t, ctx, tx, 1, []byte{1, 2})
		require.NoError(t, tx.PutNode(ctx, 1, id, []byte{3, 4}))
	})

	n, err := s.ReadNode(context.Background(), 1, id)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4}, n.Main)
}

func TestPutNode_NilMain(t *testing.T) {
	s := createTestStore(t)
	var id uint32

	withTx(t, s, func(ctx context.Context, tx *Tx) {
		id = createTestNode(t, ctx, tx, 1, nil)
	})

	n, err := s.ReadNode(context.Background(), 1, id)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Empty(t, n.Main)
}

func TestFields_Locales(t *testing.T) {
	s := createTestStore(t)
	var id uint32

	withTx(t, s, func(ctx context.Context, tx *Tx) {
		id = createTestNode(t, ctx, tx, 1, nil)
		require.NoError(t, tx.PutField(ctx, 1, id, FieldKey{Prop: 2}, []byte("bio")))
		require.NoError(t, tx.PutField(ctx, 1, id, FieldKey{Prop: 3, Locale: 2}, []byte("hallo")))
		require.NoError(t, tx.PutField(ctx, 1, id, FieldKey{Prop: 3, Locale: 1}, []byte("hello")))
	})

	n, err := s.ReadNode(context.Background(), 1, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("bio"), n.Field(2))
	assert.Equal(t, []uint8{1, 2}, n.Locales(3))
	assert.Nil(t, n.Field(3))

	withTx(t, s, func(ctx context.Context, tx *Tx) {
		require.NoError(t, tx.DeleteField(ctx, 1, id, 3))
	})
	n, err = s.ReadNode(context.Background(), 1, id)
	require.NoError(t, err)
	assert.Empty(t, n.Locales(3))
	assert.Len(t, n.Fields, 1)
}

func TestRefs_OrderAndEdge(t *testing.T) {
	s := createTestStore(t)
	var id uint32

	withTx(t, s, func(ctx context.Context, tx *Tx) {
		id = createTestNode(t, ctx, tx, 1, nil)
		require.NoError(t, tx.AddRef(ctx, 1, id, 4, Ref{Target: 9}))
		require.NoError(t, tx.AddRef(ctx, 1, id, 4, Ref{Target: 3}))
		require.NoError(t, tx.AddRef(ctx, 1, id, 4, Ref{Target: 9, Edge: 7}))
	})

	n, err := s.ReadNode(context.Background(), 1, id)
	require.NoError(t, err)
	assert.Equal(t, []Ref{{Target: 9, Edge: 7}, {Target: 3}}, n.Refs[4])

	withTx(t, s, func(ctx context.Context, tx *Tx) {
		ref, ok, err := tx.RemoveRef(ctx, 1, id, 4, 9)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, uint32(7), ref.Edge)

		_, ok, err = tx.RemoveRef(ctx, 1, id, 4, 9)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestAliases_MoveBetweenNodes(t *testing.T) {
	s := createTestStore(t)
	var a, b uint32

	withTx(t, s, func(ctx context.Context, tx *Tx) {
		a = createTestNode(t, ctx, tx, 1, nil)
		b = createTestNode(t, ctx, tx, 1, nil)

		prev, err := tx.PutAlias(ctx, 1, 2, "ada@example.com", a)
		require.NoError(t, err)
		assert.Zero(t, prev)

		prev, err = tx.PutAlias(ctx, 1, 2, "ada@example.com", a)
		require.NoError(t, err)
		assert.Zero(t, prev, "re-setting own alias")

		prev, err = tx.PutAlias(ctx, 1, 2, "ada@example.com", b)
		require.NoError(t, err)
		assert.Equal(t, a, prev)
	})

	got, ok, err := s.FindAlias(context.Background(), 1, 2, "ada@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, b, got)
}

func TestAliases_ReplaceOwnValue(t *testing.T) {
	s := createTestStore(t)

	withTx(t, s, func(ctx context.Context, tx *Tx) {
		a := createTestNode(t, ctx, tx, 1, nil)
		_, err := tx.PutAlias(ctx, 1, 2, "old", a)
		require.NoError(t, err)
		_, err = tx.PutAlias(ctx, 1, 2, "new", a)
		require.NoError(t, err)

		_, ok, err := tx.FindAlias(ctx, 1, 2, "old")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestDeleteNode_Cascades(t *testing.T) {
	s := createTestStore(t)
	var id uint32

	withTx(t, s, func(ctx context.Context, tx *Tx) {
		id = createTestNode(t, ctx, tx, 1, nil)
		require.NoError(t, tx.PutField(ctx, 1, id, FieldKey{Prop: 1}, []byte("x")))
		require.NoError(t, tx.AddRef(ctx, 1, id, 2, Ref{Target: 5}))
		_, err := tx.PutAlias(ctx, 1, 3, "x", id)
		require.NoError(t, err)
		require.NoError(t, tx.DeleteNode(ctx, 1, id))
	})

	_, err := s.ReadNode(context.Background(), 1, id)
	assert.True(t, errors.Is(err, sql.ErrNoRows))

	for _, table := range []string{"fields", "refs", "aliases"} {
		var n int
		require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
		assert.Zero(t, n, table)
	}
}

func TestSetExpiry_MissingNode(t *testing.T) {
	s := createTestStore(t)

	withTx(t, s, func(ctx context.Context, tx *Tx) {
		err := tx.SetExpiry(ctx, 1, 42, 1000)
		assert.True(t, errors.Is(err, sql.ErrNoRows))
	})
}

func TestRollback_DiscardsWrites(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	createTestNode(t, ctx, tx, 1, []byte{1})
	require.NoError(t, tx.Rollback())

	nodes, err := s.ReadType(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.NotNil(t, nodes)
}

func TestWriteNode_AndReset(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	n := &Node{
		Type:      2,
		ID:        7,
		Main:      []byte{1, 2, 3},
		Fields:    map[FieldKey][]byte{{Prop: 1}: []byte("a")},
		Refs:      map[uint8][]Ref{3: {{Target: 1}, {Target: 2, Edge: 4}}},
		ExpiresAt: 5000,
	}
	withTx(t, s, func(ctx context.Context, tx *Tx) {
		require.NoError(t, tx.WriteNode(ctx, n))
	})

	got, err := s.ReadNode(ctx, 2, 7)
	require.NoError(t, err)
	assert.Equal(t, n, got)

	counts, err := s.CountNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[uint16]int{2: 1}, counts)

	withTx(t, s, func(ctx context.Context, tx *Tx) {
		require.NoError(t, tx.Reset(ctx))
	})
	counts, err = s.CountNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestSavepoint_RollbackTo(t *testing.T) {
	s := createTestStore(t)
	var keep uint32

	withTx(t, s, func(ctx context.Context, tx *Tx) {
		keep = createTestNode(t, ctx, tx, 1, []byte{1})
		require.NoError(t, tx.Savepoint(ctx, "op"))
		createTestNode(t, ctx, tx, 1, []byte{2})
		require.NoError(t, tx.RollbackTo(ctx, "op"))

		seqs, err := tx.Sequences(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[uint16]uint32{1: 2}, seqs)
	})

	nodes, err := s.ReadType(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, keep, nodes[0].ID)
}
