package subscribe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/roach88/tessel/internal/clock"
	"github.com/roach88/tessel/internal/query"
	"github.com/roach88/tessel/internal/schema"
)

const (
	// DefaultThrottle is how long Invalidate waits to coalesce re-runs.
	DefaultThrottle = 100 * time.Millisecond

	// DefaultGrace is how long a subscription outlives its last listener.
	DefaultGrace = 3 * time.Second
)

// Backend is the engine side a Manager talks to.
type Backend interface {
	RunQuery(ctx context.Context, program []byte) ([]byte, error)
	Subscribe(ctx context.Context, program []byte, onData func([]byte), onErr func(error)) (func(), error)
}

// Options configures a Manager.
type Options struct {
	Throttle time.Duration // 0 = DefaultThrottle, < 0 re-runs without delay
	Grace    time.Duration // 0 = DefaultGrace, < 0 closes immediately
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Set // nil disables metrics
}

// Manager owns the live queries of one client.
//
// Thread-safety: all methods are safe for concurrent use. Listeners are
// called without any Manager lock held and may subscribe, unsubscribe or
// invalidate from inside a callback.
type Manager struct {
	backend  Backend
	throttle time.Duration
	grace    time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	// mu orders structural changes: creating, closing and rekeying
	// subscriptions. Lookups go through subs alone.
	mu     sync.Mutex
	s      *schema.Schema
	subs   *xsync.MapOf[uint64, *Subscription]
	closed bool

	notified   *metrics.Counter
	suppressed *metrics.Counter
	failures   *metrics.Counter
}

// NewManager creates a Manager compiling queries against s.
func NewManager(b Backend, s *schema.Schema, opts Options) *Manager {
	if opts.Throttle == 0 {
		opts.Throttle = DefaultThrottle
	}
	if opts.Grace == 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{
		backend:  b,
		throttle: max(opts.Throttle, 0),
		grace:    max(opts.Grace, 0),
		clock:    opts.Clock,
		logger:   opts.Logger,
		s:        s,
		subs:     xsync.NewMapOf[uint64, *Subscription](),
	}
	if set := opts.Metrics; set != nil {
		m.notified = set.GetOrCreateCounter("tessel_subscription_notifications_total")
		m.suppressed = set.GetOrCreateCounter("tessel_subscription_suppressed_total")
		m.failures = set.GetOrCreateCounter("tessel_subscription_errors_total")
		set.GetOrCreateGauge("tessel_subscriptions", func() float64 { return float64(m.subs.Size()) })
	}
	return m
}

// Subscribe adds a listener for q. The first listener of a query starts
// its engine subscription; later listeners of an identical query share it
// and immediately receive its cached result. The returned function
// removes the listener.
func (m *Manager) Subscribe(ctx context.Context, q *query.Query, onData func(any), onErr func(error)) (func(), error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errClosed
	}
	if m.s == nil {
		m.mu.Unlock()
		return nil, errNoSchema
	}
	c, err := query.Compile(m.s, q)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	sub, ok := m.subs.Load(c.Fingerprint)
	if !ok {
		sub = newSubscription(m, q, c)
		m.subs.Store(c.Fingerprint, sub)
	}
	l := sub.add(onData, onErr)
	if !ok {
		if err := sub.start(ctx); err != nil {
			m.subs.Delete(c.Fingerprint)
			sub.close()
			m.mu.Unlock()
			return nil, err
		}
		m.logger.Debug("subscription started", "type", q.Type, "fingerprint", fmt.Sprintf("%016x", c.Fingerprint))
	}
	m.mu.Unlock()

	if ok {
		sub.replay(l)
	}
	return func() { sub.remove(l) }, nil
}

// Invalidate schedules a re-run of every subscription that reads one of
// the named types. Re-runs within one throttle window are coalesced.
func (m *Manager) Invalidate(types ...string) {
	if len(types) == 0 {
		return
	}
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	m.subs.Range(func(_ uint64, sub *Subscription) bool {
		if sub.reads(want) {
			sub.schedule()
		}
		return true
	})
}

// SchemaChanged recompiles every subscription for s and restarts its
// engine subscription. A query that no longer compiles reports the error
// to its listeners and is dropped.
func (m *Manager) SchemaChanged(ctx context.Context, s *schema.Schema) {
	type failure struct {
		sub *Subscription
		err error
	}
	var failed []failure

	m.mu.Lock()
	if m.closed || (m.s != nil && m.s.Hash == s.Hash) {
		m.s = s
		m.mu.Unlock()
		return
	}
	m.s = s
	var all []*Subscription
	m.subs.Range(func(key uint64, sub *Subscription) bool {
		m.subs.Delete(key)
		all = append(all, sub)
		return true
	})
	for _, sub := range all {
		c, err := query.Compile(s, sub.q)
		if err != nil {
			m.logger.Warn("subscription dropped by schema change", "type", sub.q.Type, "error", err)
			sub.close()
			failed = append(failed, failure{sub, err})
			continue
		}
		sub.recompile(c)
		m.subs.Store(c.Fingerprint, sub)
		if err := sub.start(ctx); err != nil {
			m.logger.Warn("resubscribe failed", "type", sub.q.Type, "error", err)
			failed = append(failed, failure{sub, err})
		}
	}
	m.logger.Info("subscriptions recompiled", "count", m.subs.Size(), "schema", fmt.Sprintf("%016x", s.Hash))
	m.mu.Unlock()

	for _, f := range failed {
		f.sub.fail(f.err)
	}
}

// Len returns the number of live subscriptions.
func (m *Manager) Len() int {
	return m.subs.Size()
}

// Close cancels every subscription. Listeners are not called again.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.subs.Range(func(key uint64, sub *Subscription) bool {
		m.subs.Delete(key)
		sub.close()
		return true
	})
}

// release drops sub once its grace period passed without listeners.
func (m *Manager) release(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !sub.idle() {
		return
	}
	if cur, ok := m.subs.Load(sub.key()); ok && cur == sub {
		m.subs.Delete(sub.key())
	}
	sub.close()
	m.logger.Debug("subscription closed", "type", sub.q.Type)
}

func inc(c *metrics.Counter) {
	if c != nil {
		c.Inc()
	}
}
