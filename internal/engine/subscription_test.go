package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tessel/internal/query"
	"github.com/roach88/tessel/internal/reader"
	"github.com/roach88/tessel/internal/schema"
)

type pushes struct {
	data chan []byte
	errs chan error
}

func newPushes() *pushes {
	return &pushes{data: make(chan []byte, 16), errs: make(chan error, 16)}
}

func (p *pushes) onData(b []byte) { p.data <- b }
func (p *pushes) onErr(err error) { p.errs <- err }

func (p *pushes) next(t *testing.T, rs *reader.Schema) []reader.Item {
	t.Helper()
	select {
	case buf := <-p.data:
		items, err := reader.DecodeItems(rs, buf)
		require.NoError(t, err)
		return items
	case err := <-p.errs:
		t.Fatalf("unexpected subscription error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription update")
	}
	return nil
}

func (p *pushes) none(t *testing.T) {
	t.Helper()
	select {
	case <-p.data:
		t.Fatal("unexpected subscription update")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribePushesInitialAndUpdates(t *testing.T) {
	te := newTestEngine(t, testSchema)
	c := te.compile(&query.Query{Type: "user", Include: []string{"name"}})

	p := newPushes()
	stop, err := te.e.Subscribe(context.Background(), c.Program, p.onData, p.onErr)
	require.NoError(t, err)
	defer stop()

	assert.Empty(t, p.next(t, c.Reader))

	id := te.create("user", map[string]any{"name": "first"})
	items := p.next(t, c.Reader)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID())
	assert.Equal(t, "first", items[0]["name"])

	require.NoError(t, te.update("user", id, map[string]any{"name": "second"}))
	items = p.next(t, c.Reader)
	assert.Equal(t, "second", items[0]["name"])
}

func TestSubscribeIgnoresUnrelatedTypes(t *testing.T) {
	te := newTestEngine(t, testSchema)
	c := te.compile(&query.Query{Type: "post", Include: []string{"body"}})

	p := newPushes()
	stop, err := te.e.Subscribe(context.Background(), c.Program, p.onData, p.onErr)
	require.NoError(t, err)
	defer stop()
	p.next(t, c.Reader)

	te.create("user", map[string]any{"name": "unrelated"})
	p.none(t)
}

func TestSubscribeFollowsReferencedTypes(t *testing.T) {
	te := newTestEngine(t, testSchema)
	u := te.create("user", map[string]any{"name": "old"})
	te.create("post", map[string]any{"body": "b", "author": u})
	c := te.compile(&query.Query{Type: "post", Include: []string{"author.name"}})

	p := newPushes()
	stop, err := te.e.Subscribe(context.Background(), c.Program, p.onData, p.onErr)
	require.NoError(t, err)
	defer stop()
	p.next(t, c.Reader)

	require.NoError(t, te.update("user", u, map[string]any{"name": "new"}))
	items := p.next(t, c.Reader)
	require.Len(t, items, 1)
	assert.Equal(t, "new", items[0]["author"].(reader.Item)["name"])
}

func TestSubscribeStopEndsDelivery(t *testing.T) {
	te := newTestEngine(t, testSchema)
	c := te.compile(&query.Query{Type: "user"})

	p := newPushes()
	stop, err := te.e.Subscribe(context.Background(), c.Program, p.onData, p.onErr)
	require.NoError(t, err)
	p.next(t, c.Reader)

	stop()
	stop()
	te.create("user", map[string]any{"name": "late"})
	p.none(t)
}

func TestSubscribeListenerPanicIsContained(t *testing.T) {
	te := newTestEngine(t, testSchema)
	c := te.compile(&query.Query{Type: "user"})

	calls := make(chan struct{}, 4)
	stop, err := te.e.Subscribe(context.Background(), c.Program, func([]byte) {
		calls <- struct{}{}
		panic("listener bug")
	}, nil)
	require.NoError(t, err)
	defer stop()

	<-calls
	te.create("user", map[string]any{"name": "again"})
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery stopped after a listener panic")
	}
}

// A listener may call back into the engine from its callback.
func TestSubscribeListenerReentersEngine(t *testing.T) {
	te := newTestEngine(t, testSchema)
	c := te.compile(&query.Query{Type: "user"})

	done := make(chan error, 4)
	stop, err := te.e.Subscribe(context.Background(), c.Program, func([]byte) {
		_, err := te.e.RunQuery(context.Background(), c.Program)
		done <- err
	}, nil)
	require.NoError(t, err)
	defer stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reentrant query blocked")
	}
}

func TestSubscriptionsStopAfterSchemaChange(t *testing.T) {
	te := newTestEngine(t, testSchema)
	c := te.compile(&query.Query{Type: "user"})

	p := newPushes()
	stop, err := te.e.Subscribe(context.Background(), c.Program, p.onData, p.onErr)
	require.NoError(t, err)
	defer stop()
	p.next(t, c.Reader)

	next := schema.MustCompileJSON(`{"types": {"user": {"name": "string"}}}`)
	require.NoError(t, te.e.SetSchema(context.Background(), next))
	require.NoError(t, te.enc.SetSchema(next))
	te.create("user", map[string]any{"name": "fresh"})
	p.none(t)
}

func TestProgramTypes(t *testing.T) {
	s := schema.MustCompileJSON(testSchema)
	c, err := query.Compile(s, &query.Query{
		Type:    "user",
		Include: []string{"friends.$since", "posts.body"},
	})
	require.NoError(t, err)
	p, err := query.Parse(c.Program)
	require.NoError(t, err)

	types, err := programTypes(s, p)
	require.NoError(t, err)
	user, _ := s.Type("user")
	post, _ := s.Type("post")
	edge, _ := s.Type("user.friends")
	assert.Equal(t, map[uint16]bool{user.ID: true, post.ID: true, edge.ID: true}, types)
}
