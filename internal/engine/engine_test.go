package engine

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tessel/internal/modify"
	"github.com/roach88/tessel/internal/query"
	"github.com/roach88/tessel/internal/reader"
	"github.com/roach88/tessel/internal/schema"
	"github.com/roach88/tessel/internal/store"
	"github.com/roach88/tessel/internal/testutil"
)

const testSchema = `{
	"locales": ["en", "de"],
	"types": {
		"user": {
			"name": {"type": "string", "maxBytes": 12},
			"email": "alias",
			"bio": "string",
			"age": {"type": "uint8", "max": 150},
			"score": "int32",
			"status": {"enum": ["active", "banned"], "default": "active"},
			"createdAt": {"type": "timestamp", "on": "create"},
			"title": "text",
			"visits": "cardinality",
			"friends": {"items": {"ref": "user", "$since": "timestamp"}},
			"best": {"ref": "user", "prop": "bestOf"},
			"posts": {"items": {"ref": "post", "prop": "author"}}
		},
		"post": {
			"body": {"type": "string", "required": true},
			"rank": {"type": "number", "default": 1},
			"kind": ["news", "blog"],
			"author": {"ref": "user", "prop": "posts"}
		}
	}
}`

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testEngine struct {
	t     *testing.T
	e     *Reference
	st    *store.Store
	clock *testutil.FakeClock
	enc   *modify.Ctx
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T, path string) *store.Store {
	t.Helper()
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestEngine(t *testing.T, src string, opts ...Option) *testEngine {
	t.Helper()
	st := openTestStore(t, filepath.Join(t.TempDir(), "tessel.db"))
	clk := testutil.NewFakeClock(testNow)
	opts = append([]Option{WithClock(clk), WithLogger(quietLogger())}, opts...)
	e := New(st, opts...)
	t.Cleanup(func() { e.Close() })

	s := schema.MustCompileJSON(src)
	require.NoError(t, e.SetSchema(context.Background(), s))
	te := &testEngine{t: t, e: e, st: st, clock: clk}
	te.enc = modify.NewCtx(s, modify.Options{
		Flush:  e.ApplyModify,
		Clock:  clk,
		Logger: quietLogger(),
	})
	return te
}

func (te *testEngine) create(typ string, values map[string]any) uint32 {
	te.t.Helper()
	h, err := te.enc.Create(context.Background(), typ, values)
	require.NoError(te.t, err)
	require.NoError(te.t, te.enc.Flush(context.Background()))
	id, err := h.Wait(context.Background())
	require.NoError(te.t, err)
	return id
}

func (te *testEngine) update(typ string, id uint32, values map[string]any) error {
	te.t.Helper()
	h, err := te.enc.Update(context.Background(), typ, id, values)
	if err != nil {
		return err
	}
	if err := te.enc.Flush(context.Background()); err != nil {
		return err
	}
	_, err = h.Wait(context.Background())
	return err
}

func (te *testEngine) compile(q *query.Query) *query.Compiled {
	te.t.Helper()
	c, err := query.Compile(te.e.Schema(), q)
	require.NoError(te.t, err)
	return c
}

func (te *testEngine) query(q *query.Query) any {
	te.t.Helper()
	c := te.compile(q)
	buf, err := te.e.RunQuery(context.Background(), c.Program)
	require.NoError(te.t, err)
	v, err := reader.Decode(c.Reader, buf)
	require.NoError(te.t, err)
	return v
}

func (te *testEngine) items(q *query.Query) []reader.Item {
	te.t.Helper()
	items, ok := te.query(q).([]reader.Item)
	require.True(te.t, ok, "expected a list result")
	return items
}

func (te *testEngine) one(typ string, id uint32, include ...string) reader.Item {
	te.t.Helper()
	item, _ := te.query(&query.Query{Type: typ, ID: id, Include: include}).(reader.Item)
	return item
}

func ids(items []reader.Item) []uint32 {
	out := make([]uint32, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID())
	}
	return out
}

func TestCreateAndRead(t *testing.T) {
	te := newTestEngine(t, testSchema)

	id := te.create("user", map[string]any{
		"name":  "ada",
		"email": "ada@example.com",
		"bio":   "wrote the first program",
		"age":   36,
		"score": -5,
		"title": map[string]any{"en": "Countess", "de": "Gräfin"},
	})
	assert.Equal(t, uint32(1), id)

	item := te.one("user", id)
	require.NotNil(t, item)
	assert.Equal(t, "ada", item["name"])
	assert.Equal(t, "ada@example.com", item["email"])
	assert.Equal(t, "wrote the first program", item["bio"])
	assert.Equal(t, int64(36), item["age"])
	assert.Equal(t, int64(-5), item["score"])
	assert.Equal(t, "active", item["status"])
	assert.Equal(t, testNow.UnixMilli(), item["createdAt"])
	assert.Equal(t, map[string]any{"en": "Countess", "de": "Gräfin"}, item["title"])

	assert.Equal(t, uint32(2), te.create("user", map[string]any{"name": "bob"}))
}

const boundarySchema = `{
	"types": {
		"sample": {
			"i8": "int8", "u8": "uint8", "i16": "int16", "u16": "uint16",
			"i32": "int32", "u32": "uint32", "n": "number", "on": "boolean",
			"ts": "timestamp", "code": {"type": "string", "maxBytes": 8},
			"body": "string", "blob": "binary", "doc": "json",
			"links": {"items": {"ref": "sample", "prop": "linkedFrom"}}
		}
	}
}`

func TestRoundTripBoundaries(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
		want   map[string]any
	}{
		{
			name: "minimum",
			values: map[string]any{
				"i8": math.MinInt8, "u8": 0, "i16": math.MinInt16, "u16": 0,
				"i32": math.MinInt32, "u32": 0, "n": -math.MaxFloat64, "on": false,
				"ts": 0, "code": "", "body": "", "blob": []byte{},
			},
			want: map[string]any{
				"i8": int64(math.MinInt8), "u8": int64(0), "i16": int64(math.MinInt16), "u16": int64(0),
				"i32": int64(math.MinInt32), "u32": int64(0), "n": -math.MaxFloat64, "on": false,
				"ts": int64(0), "code": "", "body": "", "blob": []byte{},
			},
		},
		{
			name: "maximum",
			values: map[string]any{
				"i8": math.MaxInt8, "u8": math.MaxUint8, "i16": math.MaxInt16, "u16": math.MaxUint16,
				"i32": math.MaxInt32, "u32": uint32(math.MaxUint32), "n": math.MaxFloat64, "on": true,
				"ts": testNow, "code": "abcdefgh", "body": strings.Repeat("tessel ", 2048),
				"blob": bytes.Repeat([]byte{0xff, 0x00}, 1024),
				"doc":  map[string]any{"k": []any{"v"}},
			},
			want: map[string]any{
				"i8": int64(math.MaxInt8), "u8": int64(math.MaxUint8), "i16": int64(math.MaxInt16), "u16": int64(math.MaxUint16),
				"i32": int64(math.MaxInt32), "u32": int64(math.MaxUint32), "n": math.MaxFloat64, "on": true,
				"ts": testNow.UnixMilli(), "code": "abcdefgh", "body": strings.Repeat("tessel ", 2048),
				"blob": bytes.Repeat([]byte{0xff, 0x00}, 1024),
				"doc":  map[string]any{"k": []any{"v"}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEngine(t, boundarySchema)
			item := te.one("sample", te.create("sample", tt.values))
			require.NotNil(t, item)
			for path, want := range tt.want {
				assert.Equal(t, want, item[path], path)
			}
		})
	}
}

func TestRoundTripReferenceLists(t *testing.T) {
	te := newTestEngine(t, boundarySchema)

	empty := te.create("sample", map[string]any{"links": []any{}})
	assert.Equal(t, []reader.Item{}, te.one("sample", empty, "links")["links"])

	var want []uint32
	links := make([]any, 0, 200)
	for range 200 {
		id := te.create("sample", nil)
		want = append(want, id)
		links = append(links, id)
	}
	full := te.create("sample", map[string]any{"links": links})
	got := te.one("sample", full, "links")["links"].([]reader.Item)
	assert.Equal(t, want, ids(got))
}

func TestMissingNodeReadsNil(t *testing.T) {
	te := newTestEngine(t, testSchema)

	assert.Nil(t, te.one("user", 99))
}

// Creating B with A's temp handle links both sides of the symmetric
// friends relationship.
func TestSymmetricFriends(t *testing.T) {
	te := newTestEngine(t, testSchema)
	ctx := context.Background()

	a, err := te.enc.Create(ctx, "user", map[string]any{"name": "A"})
	require.NoError(t, err)
	b, err := te.enc.Create(ctx, "user", map[string]any{"name": "B", "friends": []any{a}})
	require.NoError(t, err)
	require.NoError(t, te.enc.Flush(ctx))

	aID, err := a.Wait(ctx)
	require.NoError(t, err)
	bID, err := b.Wait(ctx)
	require.NoError(t, err)

	fromB := te.one("user", bID, "friends")
	require.NotNil(t, fromB)
	friends := fromB["friends"].([]reader.Item)
	require.Len(t, friends, 1)
	assert.Equal(t, aID, friends[0].ID())
	assert.Equal(t, "A", friends[0]["name"])

	fromA := te.one("user", aID, "friends")
	friends = fromA["friends"].([]reader.Item)
	require.Len(t, friends, 1)
	assert.Equal(t, bID, friends[0].ID())
	assert.Equal(t, "B", friends[0]["name"])
}

func TestInverseReferences(t *testing.T) {
	te := newTestEngine(t, testSchema)

	u := te.create("user", map[string]any{"name": "writer"})
	p1 := te.create("post", map[string]any{"body": "one", "author": u})
	p2 := te.create("post", map[string]any{"body": "two", "author": u})

	posts := te.one("user", u, "posts")["posts"].([]reader.Item)
	assert.ElementsMatch(t, []uint32{p1, p2}, ids(posts))

	// Moving a post removes it from the old author.
	v := te.create("user", map[string]any{"name": "editor"})
	require.NoError(t, te.update("post", p2, map[string]any{"author": v}))

	posts = te.one("user", u, "posts")["posts"].([]reader.Item)
	assert.Equal(t, []uint32{p1}, ids(posts))
	posts = te.one("user", v, "posts")["posts"].([]reader.Item)
	assert.Equal(t, []uint32{p2}, ids(posts))
}

func TestSingleReferenceWithListInverse(t *testing.T) {
	te := newTestEngine(t, testSchema)

	a := te.create("user", map[string]any{"name": "a"})
	b := te.create("user", map[string]any{"name": "b"})
	c := te.create("user", map[string]any{"name": "c"})

	require.NoError(t, te.update("user", a, map[string]any{"best": b}))
	require.NoError(t, te.update("user", c, map[string]any{"best": b}))

	bestOf := te.one("user", b, "bestOf")["bestOf"].([]reader.Item)
	assert.ElementsMatch(t, []uint32{a, c}, ids(bestOf))

	best := te.one("user", a, "best")["best"].(reader.Item)
	assert.Equal(t, b, best.ID())
}

func TestEdgeFields(t *testing.T) {
	te := newTestEngine(t, testSchema)
	since := testNow.Add(-time.Hour)

	a := te.create("user", map[string]any{"name": "a"})
	b := te.create("user", map[string]any{
		"name":    "b",
		"friends": []any{map[string]any{"id": a, "$since": since}},
	})

	friends := te.one("user", b, "friends.name", "friends.$since")["friends"].([]reader.Item)
	require.Len(t, friends, 1)
	assert.Equal(t, since.UnixMilli(), friends[0]["$since"])
}

func TestIncrementClampsToRange(t *testing.T) {
	te := newTestEngine(t, testSchema)

	id := te.create("user", map[string]any{"name": "n", "age": 140})
	require.NoError(t, te.update("user", id, map[string]any{"age": modify.Increment(20)}))
	assert.Equal(t, int64(150), te.one("user", id)["age"])

	require.NoError(t, te.update("user", id, map[string]any{"score": modify.Decrement(7)}))
	assert.Equal(t, int64(-7), te.one("user", id)["score"])
}

// An over-long update is rejected and the stored value is kept.
func TestMaxBytesRejectionKeepsValue(t *testing.T) {
	te := newTestEngine(t, testSchema)

	id := te.create("user", map[string]any{"name": "short"})
	err := te.update("user", id, map[string]any{"name": "far too long for the field"})
	require.Error(t, err)
	assert.True(t, modify.IsValidationError(err))
	assert.Contains(t, err.Error(), "name")

	assert.Equal(t, "short", te.one("user", id)["name"])
}

func TestUpsertByAlias(t *testing.T) {
	te := newTestEngine(t, testSchema)
	ctx := context.Background()

	upsert := func(values map[string]any) uint32 {
		h, err := te.enc.Upsert(ctx, "user", values)
		require.NoError(t, err)
		require.NoError(t, te.enc.Flush(ctx))
		id, err := h.Wait(ctx)
		require.NoError(t, err)
		return id
	}

	first := upsert(map[string]any{"email": "x@example.com", "name": "x"})
	second := upsert(map[string]any{"email": "x@example.com", "name": "renamed"})
	assert.Equal(t, first, second)
	assert.Equal(t, "renamed", te.one("user", first)["name"])

	other := upsert(map[string]any{"email": "y@example.com", "name": "y"})
	assert.NotEqual(t, first, other)

	found, _ := te.query(&query.Query{Type: "user", Alias: &query.Alias{Value: "x@example.com"}}).(reader.Item)
	require.NotNil(t, found)
	assert.Equal(t, first, found.ID())
}

func TestAliasMovesToNewOwner(t *testing.T) {
	te := newTestEngine(t, testSchema)

	a := te.create("user", map[string]any{"name": "a", "email": "shared@example.com"})
	b := te.create("user", map[string]any{"name": "b", "email": "shared@example.com"})

	assert.Equal(t, "", te.one("user", a)["email"])
	assert.Equal(t, "shared@example.com", te.one("user", b)["email"])
}

func TestUpdateMissingNodeIsNotFound(t *testing.T) {
	te := newTestEngine(t, testSchema)

	err := te.update("user", 42, map[string]any{"name": "ghost"})
	require.Error(t, err)
	assert.True(t, modify.IsNotFound(err))
}

// A failed operation rejects the operations that depend on its handle;
// the rest of the batch still applies.
func TestRejectedDependencies(t *testing.T) {
	te := newTestEngine(t, testSchema)
	ctx := context.Background()

	missing, err := te.enc.Update(ctx, "user", 77, map[string]any{"name": "nobody"})
	require.NoError(t, err)
	post, err := te.enc.Create(ctx, "post", map[string]any{"body": "orphan", "author": missing})
	require.NoError(t, err)
	ok, err := te.enc.Create(ctx, "user", map[string]any{"name": "fine"})
	require.NoError(t, err)
	require.NoError(t, te.enc.Flush(ctx))

	_, err = missing.Wait(ctx)
	assert.True(t, modify.IsNotFound(err))
	_, err = post.Wait(ctx)
	assert.True(t, modify.IsDependencyError(err))
	id, err := ok.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fine", te.one("user", id)["name"])
	assert.Empty(t, te.items(&query.Query{Type: "post"}))
}

func TestDeleteUnlinksReferences(t *testing.T) {
	te := newTestEngine(t, testSchema)
	ctx := context.Background()

	a := te.create("user", map[string]any{"name": "a"})
	b := te.create("user", map[string]any{"name": "b", "friends": []any{a}})

	h, err := te.enc.Delete(ctx, "user", a)
	require.NoError(t, err)
	require.NoError(t, te.enc.Flush(ctx))
	_, err = h.Wait(ctx)
	require.NoError(t, err)

	assert.Nil(t, te.one("user", a))
	assert.Empty(t, te.one("user", b, "friends")["friends"])
}

func TestCardinalityCountsDistinct(t *testing.T) {
	te := newTestEngine(t, testSchema)

	id := te.create("user", map[string]any{"name": "c", "visits": []any{"a", "b"}})
	require.NoError(t, te.update("user", id, map[string]any{"visits": []any{"b", "c"}}))

	assert.Equal(t, uint32(3), te.one("user", id, "visits")["visits"])
}

func TestExpireDeletesAfterTTL(t *testing.T) {
	te := newTestEngine(t, testSchema)
	ctx := context.Background()

	id := te.create("user", map[string]any{"name": "temp"})
	h, err := te.enc.Expire(ctx, "user", id, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, te.enc.Flush(ctx))
	_, err = h.Wait(ctx)
	require.NoError(t, err)

	te.clock.Advance(time.Second)
	assert.NotNil(t, te.one("user", id))

	te.clock.Advance(time.Second)
	assert.Nil(t, te.one("user", id))
}

func TestDeleteDisarmsExpiry(t *testing.T) {
	te := newTestEngine(t, testSchema)
	ctx := context.Background()

	id := te.create("user", map[string]any{"name": "temp"})
	_, err := te.enc.Expire(ctx, "user", id, time.Second)
	require.NoError(t, err)
	_, err = te.enc.Delete(ctx, "user", id)
	require.NoError(t, err)
	require.NoError(t, te.enc.Flush(ctx))

	assert.Equal(t, 0, te.clock.Pending())
}

func TestFilterSortAndRange(t *testing.T) {
	te := newTestEngine(t, testSchema)

	for i, name := range []string{"carol", "alice", "dave", "bob"} {
		te.create("user", map[string]any{"name": name, "age": 20 + i*10})
	}

	got := te.items(&query.Query{
		Type:   "user",
		Filter: query.Where("age", query.OpGe, 30),
		Sort:   &query.Sort{Path: "name"},
	})
	names := make([]string, 0, len(got))
	for _, it := range got {
		names = append(names, it["name"].(string))
	}
	assert.Equal(t, []string{"alice", "bob", "dave"}, names)

	got = te.items(&query.Query{
		Type:   "user",
		Sort:   &query.Sort{Path: "age", Desc: true},
		Offset: 1,
		Limit:  2,
	})
	assert.Equal(t, []uint32{3, 2}, ids(got))

	got = te.items(&query.Query{
		Type: "user",
		Filter: query.Or{Predicates: []query.Predicate{
			query.Where("name", query.OpEq, "bob"),
			query.Where("name", query.OpIncludes, "CAR"),
		}},
	})
	assert.ElementsMatch(t, []uint32{1, 4}, ids(got))
}

func TestFilterAcrossReference(t *testing.T) {
	te := newTestEngine(t, testSchema)

	ann := te.create("user", map[string]any{"name": "ann"})
	ben := te.create("user", map[string]any{"name": "ben"})
	p1 := te.create("post", map[string]any{"body": "a", "author": ann})
	te.create("post", map[string]any{"body": "b", "author": ben})

	got := te.items(&query.Query{Type: "post", Filter: query.Where("author.name", query.OpEq, "ann")})
	assert.Equal(t, []uint32{p1}, ids(got))
}

func TestAggregate(t *testing.T) {
	te := newTestEngine(t, testSchema)

	for i, kind := range []string{"news", "blog", "news"} {
		te.create("post", map[string]any{"body": "x", "kind": kind, "rank": float64(i + 1)})
	}

	v := te.query(&query.Query{
		Type:      "post",
		Aggregate: []query.Aggregate{{Fn: reader.AggCount}, {Fn: reader.AggSum, Path: "rank"}},
	})
	res := v.(reader.AggregateResult)
	assert.Equal(t, int64(3), res["count"])
	assert.Equal(t, map[string]any{"sum": float64(6)}, res["rank"])

	v = te.query(&query.Query{
		Type:      "post",
		Aggregate: []query.Aggregate{{Fn: reader.AggCount}, {Fn: reader.AggMax, Path: "rank"}},
		GroupBy:   &query.GroupBy{Path: "kind"},
	})
	res = v.(reader.AggregateResult)
	news := res["news"].(map[string]any)
	assert.Equal(t, int64(2), news["count"])
	assert.Equal(t, map[string]any{"max": float64(3)}, news["rank"])
	blog := res["blog"].(map[string]any)
	assert.Equal(t, int64(1), blog["count"])
}

func TestAggregateWithoutHits(t *testing.T) {
	te := newTestEngine(t, testSchema)

	v := te.query(&query.Query{Type: "post", Aggregate: []query.Aggregate{{Fn: reader.AggCount}}})
	assert.Equal(t, int64(0), v.(reader.AggregateResult)["count"])
}

func TestScanQuota(t *testing.T) {
	te := newTestEngine(t, testSchema, WithMaxScan(2))

	for _, name := range []string{"a", "b", "c"} {
		te.create("user", map[string]any{"name": name})
	}

	c := te.compile(&query.Query{Type: "user"})
	_, err := te.e.RunQuery(context.Background(), c.Program)
	require.Error(t, err)
	assert.True(t, IsQuotaError(err))
}

func TestSchemaMismatch(t *testing.T) {
	te := newTestEngine(t, testSchema)
	stale := te.compile(&query.Query{Type: "user"})

	next := schema.MustCompileJSON(`{"types": {"user": {"name": "string"}}}`)
	require.NoError(t, te.e.SetSchema(context.Background(), next))

	_, err := te.e.RunQuery(context.Background(), stale.Program)
	require.Error(t, err)
	assert.True(t, IsSchemaMismatch(err))
}

func TestNoSchema(t *testing.T) {
	st := openTestStore(t, filepath.Join(t.TempDir(), "tessel.db"))
	e := New(st, WithLogger(quietLogger()))
	defer e.Close()

	_, err := e.RunQuery(context.Background(), make([]byte, 16))
	var ee *Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ErrCodeNoSchema, ee.Code)
}

func TestMalformedBuffer(t *testing.T) {
	te := newTestEngine(t, testSchema)

	buf := make([]byte, 8, 9)
	for i := range 8 {
		buf[i] = byte(te.e.Schema().Hash >> (8 * i))
	}
	buf = append(buf, 0xff)
	_, err := te.e.ApplyModify(context.Background(), buf)
	require.Error(t, err)
	assert.True(t, IsMalformed(err))
}

func TestSchemaMigration(t *testing.T) {
	te := newTestEngine(t, testSchema)

	a := te.create("user", map[string]any{"name": "ann", "email": "ann@example.com", "age": 30})
	b := te.create("user", map[string]any{"name": "ben", "friends": []any{a}})
	te.create("post", map[string]any{"body": "gone", "author": a})

	next := schema.MustCompileJSON(`{
		"types": {
			"user": {
				"name": "string",
				"email": "alias",
				"age": "uint16",
				"nickname": "string",
				"friends": {"items": {"ref": "user"}}
			}
		}
	}`)
	var seen *schema.Schema
	remove := te.e.OnSchemaChange(func(s *schema.Schema) { seen = s })
	defer remove()
	require.NoError(t, te.e.SetSchema(context.Background(), next))
	assert.Same(t, next, seen)
	require.NoError(t, te.enc.SetSchema(next))

	ann := te.one("user", a, "*", "friends")
	require.NotNil(t, ann)
	assert.Equal(t, "ann", ann["name"])
	assert.Equal(t, int64(30), ann["age"])
	assert.Equal(t, "", ann["nickname"])
	assert.Equal(t, []uint32{b}, ids(ann["friends"].([]reader.Item)))

	found, _ := te.query(&query.Query{Type: "user", Alias: &query.Alias{Value: "ann@example.com"}}).(reader.Item)
	require.NotNil(t, found)
	assert.Equal(t, a, found.ID())

	// Sequences survive the migration.
	assert.Equal(t, uint32(3), te.create("user", map[string]any{"name": "cy"}))
}

func TestSchemaMigrationMovesStrings(t *testing.T) {
	te := newTestEngine(t, `{"types": {"tag": {
		"label": {"type": "string", "maxBytes": 8},
		"note": "string",
		"long": "string"
	}}}`)
	id := te.create("tag", map[string]any{"label": "red", "note": "warm", "long": "far too long for a slot"})

	next := schema.MustCompileJSON(`{"types": {"tag": {
		"label": "string",
		"note": {"type": "string", "maxBytes": 8},
		"long": {"type": "string", "maxBytes": 8}
	}}}`)
	tag, ok := next.Type("tag")
	require.True(t, ok)
	require.True(t, tag.Prop("note").Main)
	require.False(t, tag.Prop("label").Main)
	require.NoError(t, te.e.SetSchema(context.Background(), next))

	item := te.one("tag", id)
	require.NotNil(t, item)
	assert.Equal(t, "red", item["label"])
	assert.Equal(t, "warm", item["note"])
	assert.Equal(t, "", item["long"])
}

func TestSetSameSchemaIsNoop(t *testing.T) {
	te := newTestEngine(t, testSchema)
	gen := te.e.Generation()

	require.NoError(t, te.e.SetSchema(context.Background(), schema.MustCompileJSON(testSchema)))
	assert.Equal(t, gen, te.e.Generation())
}

func TestRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tessel.db")
	st := openTestStore(t, path)
	clk := testutil.NewFakeClock(testNow)
	e := New(st, WithClock(clk), WithLogger(quietLogger()))

	s := schema.MustCompileJSON(testSchema)
	require.NoError(t, e.SetSchema(context.Background(), s))
	enc := modify.NewCtx(s, modify.Options{Flush: e.ApplyModify, Clock: clk, Logger: quietLogger()})
	h, err := enc.Create(context.Background(), "user", map[string]any{"name": "kept"})
	require.NoError(t, err)
	_, err = enc.Expire(context.Background(), "user", h, time.Minute)
	require.NoError(t, err)
	require.NoError(t, enc.Flush(context.Background()))
	require.NoError(t, e.Close())

	again := New(st, WithClock(clk), WithLogger(quietLogger()))
	defer again.Close()
	ok, err := again.Restore(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s.Hash, again.Schema().Hash)

	c, err := query.Compile(again.Schema(), &query.Query{Type: "user"})
	require.NoError(t, err)
	buf, err := again.RunQuery(context.Background(), c.Program)
	require.NoError(t, err)
	items, err := reader.DecodeItems(c.Reader, buf)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "kept", items[0]["name"])

	// The persisted expiry is armed again.
	clk.Advance(time.Minute)
	buf, err = again.RunQuery(context.Background(), c.Program)
	require.NoError(t, err)
	items, err = reader.DecodeItems(c.Reader, buf)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRestoreWithoutSchema(t *testing.T) {
	st := openTestStore(t, filepath.Join(t.TempDir(), "tessel.db"))
	e := New(st, WithLogger(quietLogger()))
	defer e.Close()

	ok, err := e.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, e.Schema())
}

func TestClosedEngine(t *testing.T) {
	te := newTestEngine(t, testSchema)
	c := te.compile(&query.Query{Type: "user"})
	require.NoError(t, te.e.Close())

	_, err := te.e.RunQuery(context.Background(), c.Program)
	assert.True(t, IsClosed(err))
}
