package subscribe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tessel/internal/query"
	"github.com/roach88/tessel/internal/reader"
	"github.com/roach88/tessel/internal/schema"
	"github.com/roach88/tessel/internal/testutil"
)

const testSchema = `{"types": {"user": {"age": "uint8", "name": "string"}, "post": {"rank": "uint8"}}}`

// fakeBackend records engine subscriptions; tests push results by hand.
type fakeBackend struct {
	mu     sync.Mutex
	subs   []*fakeSub
	result []byte
	err    error
	runs   int
}

type fakeSub struct {
	program []byte
	onData  func([]byte)
	onErr   func(error)
	stopped bool
}

func (b *fakeBackend) RunQuery(_ context.Context, _ []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runs++
	return b.result, b.err
}

func (b *fakeBackend) Subscribe(_ context.Context, program []byte, onData func([]byte), onErr func(error)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	fs := &fakeSub{program: program, onData: onData, onErr: onErr}
	b.subs = append(b.subs, fs)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		fs.stopped = true
	}, nil
}

func (b *fakeBackend) live() []*fakeSub {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*fakeSub
	for _, s := range b.subs {
		if !s.stopped {
			out = append(out, s)
		}
	}
	return out
}

func (b *fakeBackend) setResult(buf []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.result = buf
}

// ages builds a result of users whose main record is one age byte.
func ages(vals ...uint8) []byte {
	w := reader.NewResultWriter()
	for i, v := range vals {
		pos := w.BeginItem(uint32(i + 1))
		w.Main([]byte{v})
		w.EndItem(pos)
	}
	return w.Finish()
}

type recorder struct {
	mu   sync.Mutex
	data []any
	errs []error
}

func (r *recorder) onData(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, v)
}

func (r *recorder) onErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data), len(r.errs)
}

func (r *recorder) lastAge(t *testing.T) int64 {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.data)
	items := r.data[len(r.data)-1].([]reader.Item)
	require.NotEmpty(t, items)
	return items[0]["age"].(int64)
}

type fixture struct {
	m     *Manager
	b     *fakeBackend
	clock *testutil.FakeClock
	set   *metrics.Set
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := &fakeBackend{}
	clk := testutil.NewFakeClock(time.Time{})
	set := metrics.NewSet()
	m := NewManager(b, schema.MustCompileJSON(testSchema), Options{
		Throttle: 50 * time.Millisecond,
		Grace:    time.Second,
		Clock:    clk,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:  set,
	})
	t.Cleanup(m.Close)
	return &fixture{m: m, b: b, clock: clk, set: set}
}

var usersByAge = &query.Query{Type: "user", Include: []string{"age"}}

func TestDiffSuppression(t *testing.T) {
	f := newFixture(t)
	r := &recorder{}
	_, err := f.m.Subscribe(context.Background(), usersByAge, r.onData, r.onErr)
	require.NoError(t, err)

	live := f.b.live()
	require.Len(t, live, 1)
	for range 5 {
		live[0].onData(ages(30))
	}
	n, _ := r.counts()
	assert.Equal(t, 1, n, "identical results notify once")

	live[0].onData(ages(31))
	n, _ = r.counts()
	assert.Equal(t, 2, n, "one change notifies once more")
	assert.Equal(t, int64(31), r.lastAge(t))

	assert.Equal(t, uint64(2), f.set.GetOrCreateCounter("tessel_subscription_notifications_total").Get())
	assert.Equal(t, uint64(4), f.set.GetOrCreateCounter("tessel_subscription_suppressed_total").Get())
}

func TestIdenticalQueriesShareOneSubscription(t *testing.T) {
	f := newFixture(t)
	first, second := &recorder{}, &recorder{}

	_, err := f.m.Subscribe(context.Background(), usersByAge, first.onData, first.onErr)
	require.NoError(t, err)
	f.b.live()[0].onData(ages(7))

	_, err = f.m.Subscribe(context.Background(), &query.Query{Type: "user", Include: []string{"age"}}, second.onData, second.onErr)
	require.NoError(t, err)

	assert.Len(t, f.b.live(), 1)
	assert.Equal(t, 1, f.m.Len())
	assert.Equal(t, int64(7), second.lastAge(t), "late listener gets the cached result")
}

func TestGraceClose(t *testing.T) {
	f := newFixture(t)
	r := &recorder{}

	stop, err := f.m.Subscribe(context.Background(), usersByAge, r.onData, r.onErr)
	require.NoError(t, err)
	stop()
	stop()

	f.clock.Advance(500 * time.Millisecond)
	assert.Len(t, f.b.live(), 1, "still within grace")

	// A new listener inside the grace window keeps the subscription.
	stop, err = f.m.Subscribe(context.Background(), usersByAge, r.onData, r.onErr)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	assert.Len(t, f.b.live(), 1)
	assert.Len(t, f.b.subs, 1, "no second engine subscription")

	stop()
	f.clock.Advance(time.Second)
	assert.Empty(t, f.b.live())
	assert.Equal(t, 0, f.m.Len())
}

func TestInvalidateCoalesces(t *testing.T) {
	f := newFixture(t)
	r := &recorder{}
	_, err := f.m.Subscribe(context.Background(), usersByAge, r.onData, r.onErr)
	require.NoError(t, err)

	f.b.setResult(ages(40))
	f.m.Invalidate("user")
	f.m.Invalidate("user", "post")
	f.m.Invalidate("user")

	f.clock.Advance(49 * time.Millisecond)
	assert.Equal(t, 0, f.b.runs)

	f.clock.Advance(time.Millisecond)
	assert.Equal(t, 1, f.b.runs)
	assert.Equal(t, int64(40), r.lastAge(t))

	f.m.Invalidate("user")
	f.clock.Advance(50 * time.Millisecond)
	assert.Equal(t, 2, f.b.runs)
	n, _ := r.counts()
	assert.Equal(t, 1, n, "unchanged re-run is suppressed")
}

func TestInvalidateIgnoresOtherTypes(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Subscribe(context.Background(), usersByAge, nil, nil)
	require.NoError(t, err)

	f.m.Invalidate("post")
	f.clock.Advance(time.Second)
	assert.Equal(t, 0, f.b.runs)
}

func TestErrorsReachEveryListener(t *testing.T) {
	f := newFixture(t)
	panicky := func(error) { panic("listener bug") }
	r := &recorder{}

	_, err := f.m.Subscribe(context.Background(), usersByAge, nil, panicky)
	require.NoError(t, err)
	_, err = f.m.Subscribe(context.Background(), usersByAge, r.onData, r.onErr)
	require.NoError(t, err)

	boom := errors.New("engine down")
	f.b.live()[0].onErr(boom)

	_, e := r.counts()
	require.Equal(t, 1, e)
	assert.ErrorIs(t, r.errs[0], boom)
}

func TestPanickingListenerDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	r := &recorder{}

	_, err := f.m.Subscribe(context.Background(), usersByAge, func(any) { panic("listener bug") }, nil)
	require.NoError(t, err)
	_, err = f.m.Subscribe(context.Background(), usersByAge, r.onData, r.onErr)
	require.NoError(t, err)

	f.b.live()[0].onData(ages(1))
	n, _ := r.counts()
	assert.Equal(t, 1, n)
}

func TestDecodeErrorGoesToListeners(t *testing.T) {
	f := newFixture(t)
	r := &recorder{}
	_, err := f.m.Subscribe(context.Background(), usersByAge, r.onData, r.onErr)
	require.NoError(t, err)

	f.b.live()[0].onData([]byte{1, 2, 3})

	n, e := r.counts()
	assert.Equal(t, 0, n)
	require.Equal(t, 1, e)
	assert.True(t, reader.IsDecodeError(r.errs[0]))
}

func TestShortResultIsRejectedBeforeCompare(t *testing.T) {
	f := newFixture(t)
	r := &recorder{}
	_, err := f.m.Subscribe(context.Background(), usersByAge, r.onData, r.onErr)
	require.NoError(t, err)
	live := f.b.live()[0]

	live.onData(ages(4))
	live.onData([]byte{0})
	live.onData(nil)

	n, e := r.counts()
	assert.Equal(t, 1, n)
	require.Equal(t, 2, e)
	for _, err := range r.errs {
		assert.True(t, reader.IsDecodeError(err))
		assert.ErrorContains(t, err, "shorter than its checksum")
	}

	// The cached result is kept, so an equal result is still suppressed.
	live.onData(ages(4))
	n, _ = r.counts()
	assert.Equal(t, 1, n)
}

func TestListenerMayUnsubscribeItself(t *testing.T) {
	f := newFixture(t)
	var stop func()
	calls := 0
	stop, err := f.m.Subscribe(context.Background(), usersByAge, func(any) {
		calls++
		stop()
	}, nil)
	require.NoError(t, err)

	live := f.b.live()[0]
	live.onData(ages(1))
	live.onData(ages(2))
	assert.Equal(t, 1, calls)
}

func TestSchemaChangedResubscribes(t *testing.T) {
	f := newFixture(t)
	r := &recorder{}
	_, err := f.m.Subscribe(context.Background(), usersByAge, r.onData, r.onErr)
	require.NoError(t, err)
	old := f.b.live()[0]
	old.onData(ages(5))

	next := schema.MustCompileJSON(`{"types": {"user": {"age": "uint8", "email": "alias"}}}`)
	f.m.SchemaChanged(context.Background(), next)

	live := f.b.live()
	require.Len(t, live, 1)
	assert.NotSame(t, old, live[0])
	assert.Equal(t, 1, f.m.Len())

	// Results for the old program are ignored.
	old.onData(ages(6))
	n, _ := r.counts()
	assert.Equal(t, 1, n)

	// The cache was dropped, so an equal result still notifies.
	live[0].onData(ages(5))
	n, _ = r.counts()
	assert.Equal(t, 2, n)
}

func TestSchemaChangedKeepsQueriesApart(t *testing.T) {
	f := newFixture(t)
	byAge, byName := &recorder{}, &recorder{}
	stopAge, err := f.m.Subscribe(context.Background(), usersByAge, byAge.onData, byAge.onErr)
	require.NoError(t, err)
	stopName, err := f.m.Subscribe(context.Background(), &query.Query{Type: "user", Include: []string{"name"}}, byName.onData, byName.onErr)
	require.NoError(t, err)

	f.m.SchemaChanged(context.Background(), schema.MustCompileJSON(`{"types": {"user": {"age": "uint8", "name": "string", "bio": "string"}}}`))
	require.Len(t, f.b.live(), 2)
	assert.Equal(t, 2, f.m.Len())

	stopAge()
	stopName()
	f.clock.Advance(time.Second)
	assert.Equal(t, 0, f.m.Len())
	assert.Empty(t, f.b.live())
}

func TestSchemaChangedDropsUncompilable(t *testing.T) {
	f := newFixture(t)
	r := &recorder{}
	_, err := f.m.Subscribe(context.Background(), usersByAge, r.onData, r.onErr)
	require.NoError(t, err)

	f.m.SchemaChanged(context.Background(), schema.MustCompileJSON(`{"types": {"post": {"rank": "uint8"}}}`))

	assert.Equal(t, 0, f.m.Len())
	assert.Empty(t, f.b.live())
	_, e := r.counts()
	require.Equal(t, 1, e)
	assert.True(t, query.IsQueryError(r.errs[0]))
}

func TestSubscribeBackendError(t *testing.T) {
	f := newFixture(t)
	f.b.err = errors.New("refused")

	_, err := f.m.Subscribe(context.Background(), usersByAge, nil, nil)
	require.Error(t, err)
	assert.Equal(t, 0, f.m.Len())
}

func TestSubscribeAfterClose(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Subscribe(context.Background(), usersByAge, nil, nil)
	require.NoError(t, err)

	f.m.Close()
	assert.Empty(t, f.b.live())

	_, err = f.m.Subscribe(context.Background(), usersByAge, nil, nil)
	assert.ErrorIs(t, err, errClosed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "notifying", StateNotifying.String())
	assert.Equal(t, "state(9)", State(9).String())
}
