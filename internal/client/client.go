package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/roach88/tessel/internal/clock"
	"github.com/roach88/tessel/internal/engine"
	"github.com/roach88/tessel/internal/modify"
	"github.com/roach88/tessel/internal/query"
	"github.com/roach88/tessel/internal/reader"
	"github.com/roach88/tessel/internal/schema"
	"github.com/roach88/tessel/internal/subscribe"
)

var (
	// ErrClosed is returned by every call on a closed client.
	ErrClosed = errors.New("client: closed")

	// ErrNoSchema is returned before the first schema generation is known.
	ErrNoSchema = errors.New("client: no schema")
)

// Options configures a Client. Zero values pick the defaults of the
// packages they are passed to.
type Options struct {
	MaxModifySize     int
	CompressThreshold int
	FlushInterval     time.Duration // 0 disables auto flush
	Throttle          time.Duration
	Grace             time.Duration
	Clock             clock.Clock
	Logger            *slog.Logger
	Metrics           *metrics.Set // nil creates a private set
	IDs               IDSource     // nil uses UUIDv7Source
}

// Client owns one encoding context against one engine.
//
// Thread-safety: all methods are safe for concurrent use. Encoding holds
// the client lock across any flush it triggers, so operations reach the
// engine in the order they were encoded. Drain is the synchronization
// point: a handle settles when the batch holding it is acknowledged.
type Client struct {
	engine  engine.Engine
	opts    Options
	id      string
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Set
	subs    *subscribe.Manager
	unwatch func()

	mu     sync.Mutex
	s      *schema.Schema
	enc    *modify.Ctx
	timer  clock.Timer
	closed bool

	ops          *metrics.Counter
	flushes      *metrics.Counter
	flushErrors  *metrics.Counter
	flushedBytes *metrics.Counter
	flushTime    *metrics.Histogram
	queries      *metrics.Counter
	queryErrors  *metrics.Counter
	decodeErrors *metrics.Counter
}

// New creates a client for e. When e pushes schema generations the client
// follows them; otherwise call SetSchema.
func New(e engine.Engine, opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewSet()
	}
	if opts.IDs == nil {
		opts.IDs = UUIDv7Source{}
	}
	c := &Client{
		engine:  e,
		opts:    opts,
		id:      opts.IDs.NewID(),
		clock:   opts.Clock,
		metrics: opts.Metrics,
	}
	c.logger = opts.Logger.With("session", c.id)

	set := opts.Metrics
	c.ops = set.GetOrCreateCounter("tessel_modify_operations_total")
	c.flushes = set.GetOrCreateCounter("tessel_modify_flushes_total")
	c.flushErrors = set.GetOrCreateCounter("tessel_modify_flush_errors_total")
	c.flushedBytes = set.GetOrCreateCounter("tessel_modify_flushed_bytes_total")
	c.flushTime = set.GetOrCreateHistogram("tessel_modify_flush_duration_seconds")
	c.queries = set.GetOrCreateCounter("tessel_queries_total")
	c.queryErrors = set.GetOrCreateCounter("tessel_query_errors_total")
	c.decodeErrors = set.GetOrCreateCounter("tessel_decode_errors_total")
	set.GetOrCreateGauge("tessel_modify_pending", func() float64 {
		return float64(c.Pending())
	})

	c.subs = subscribe.NewManager(e, nil, subscribe.Options{
		Throttle: opts.Throttle,
		Grace:    opts.Grace,
		Clock:    opts.Clock,
		Logger:   c.logger,
		Metrics:  set,
	})
	if n, ok := e.(engine.SchemaNotifier); ok {
		c.unwatch = n.OnSchemaChange(func(s *schema.Schema) {
			c.install(context.Background(), s)
		})
	}
	c.logger.Debug("client created", "auto_flush", opts.FlushInterval)
	return c
}

// ID returns the session id of the client.
func (c *Client) ID() string { return c.id }

// Metrics returns the metric set the client reports to.
func (c *Client) Metrics() *metrics.Set { return c.metrics }

// Schema returns the schema generation the client encodes for, or nil.
func (c *Client) Schema() *schema.Schema {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}

// Pending returns the number of encoded operations not yet flushed.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc == nil {
		return 0
	}
	return c.enc.Pending()
}

// SetSchema flushes pending operations, installs s on the engine and
// switches the client and its subscriptions to it.
func (c *Client) SetSchema(ctx context.Context, s *schema.Schema) error {
	if err := c.Drain(ctx); err != nil {
		return fmt.Errorf("drain before schema change: %w", err)
	}
	if err := c.engine.SetSchema(ctx, s); err != nil {
		return err
	}
	c.install(ctx, s)
	return nil
}

// UseSchema adopts s without sending it to the engine, for a client
// joining an engine whose generation is already known.
func (c *Client) UseSchema(ctx context.Context, s *schema.Schema) {
	c.install(ctx, s)
}

func (c *Client) install(ctx context.Context, s *schema.Schema) {
	c.mu.Lock()
	if c.closed || (c.s != nil && c.s.Hash == s.Hash) {
		c.mu.Unlock()
		return
	}
	if c.enc == nil {
		c.enc = modify.NewCtx(s, modify.Options{
			MaxSize:           c.opts.MaxModifySize,
			CompressThreshold: c.opts.CompressThreshold,
			Flush:             c.send,
			Clock:             c.clock,
			Logger:            c.logger,
		})
	} else {
		// Operations encoded for the old generation are sent as they
		// are; the engine rejects them and their handles fail.
		if c.enc.Pending() > 0 {
			if err := c.flushLocked(ctx); err != nil {
				c.logger.Warn("pending operations lost to schema change", "error", err)
			}
		}
		if err := c.enc.SetSchema(s); err != nil {
			c.logger.Error("switch encoding schema", "error", err)
		}
	}
	prev := c.s
	c.s = s
	c.mu.Unlock()

	attrs := []any{"hash", fmt.Sprintf("%016x", s.Hash)}
	if prev != nil {
		attrs = append(attrs, "previous", fmt.Sprintf("%016x", prev.Hash))
	}
	c.logger.Info("client schema switched", attrs...)
	c.subs.SchemaChanged(ctx, s)
}

// Create encodes a new node of typ. The handle settles after the next
// flush.
func (c *Client) Create(ctx context.Context, typ string, values map[string]any) (*modify.Handle, error) {
	return c.encode(ctx, func(enc *modify.Ctx) (*modify.Handle, error) {
		return enc.Create(ctx, typ, values)
	})
}

// Update encodes changes to the node target, a node id or a handle.
func (c *Client) Update(ctx context.Context, typ string, target any, values map[string]any) (*modify.Handle, error) {
	return c.encode(ctx, func(enc *modify.Ctx) (*modify.Handle, error) {
		return enc.Update(ctx, typ, target, values)
	})
}

// Upsert updates the node matching the alias values in values, or creates
// it.
func (c *Client) Upsert(ctx context.Context, typ string, values map[string]any) (*modify.Handle, error) {
	return c.encode(ctx, func(enc *modify.Ctx) (*modify.Handle, error) {
		return enc.Upsert(ctx, typ, values)
	})
}

// Delete encodes the removal of target.
func (c *Client) Delete(ctx context.Context, typ string, target any) (*modify.Handle, error) {
	return c.encode(ctx, func(enc *modify.Ctx) (*modify.Handle, error) {
		return enc.Delete(ctx, typ, target)
	})
}

// Expire encodes the removal of target after ttl.
func (c *Client) Expire(ctx context.Context, typ string, target any, ttl time.Duration) (*modify.Handle, error) {
	return c.encode(ctx, func(enc *modify.Ctx) (*modify.Handle, error) {
		return enc.Expire(ctx, typ, target, ttl)
	})
}

func (c *Client) encode(ctx context.Context, fn func(*modify.Ctx) (*modify.Handle, error)) (*modify.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.enc == nil {
		return nil, ErrNoSchema
	}
	h, err := fn(c.enc)
	if err != nil {
		return nil, err
	}
	c.ops.Inc()
	c.armLocked()
	return h, nil
}

// armLocked starts the auto flush timer for a non-empty batch.
func (c *Client) armLocked() {
	if c.opts.FlushInterval <= 0 || c.timer != nil || c.enc.Pending() == 0 {
		return
	}
	c.timer = c.clock.AfterFunc(c.opts.FlushInterval, c.autoFlush)
}

func (c *Client) autoFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = nil
	if c.closed || c.enc == nil {
		return
	}
	if err := c.flushLocked(context.Background()); err != nil {
		c.logger.Warn("auto flush failed", "error", err)
	}
}

// Drain flushes every encoded operation and waits for the engine to
// acknowledge them. Handles of the batch are settled when it returns.
func (c *Client) Drain(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc == nil {
		return nil
	}
	return c.flushLocked(ctx)
}

func (c *Client) flushLocked(ctx context.Context) error {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return c.enc.Flush(ctx)
}

// send is the encoder's flush function. It runs with c.mu held.
func (c *Client) send(ctx context.Context, buf []byte) (*modify.Result, error) {
	start := c.clock.Now()
	res, err := c.engine.ApplyModify(ctx, buf)
	c.flushTime.Update(c.clock.Now().Sub(start).Seconds())
	c.flushes.Inc()
	c.flushedBytes.Add(len(buf))
	if err != nil {
		c.flushErrors.Inc()
		c.logger.Warn("modify rejected", "bytes", len(buf), "error", err)
		return nil, err
	}
	c.logger.Debug("modify flushed", "bytes", len(buf), "acks", len(res.Acks))
	return res, nil
}

// Compile compiles q for the current schema generation.
func (c *Client) Compile(q *query.Query) (*query.Compiled, error) {
	c.mu.Lock()
	s := c.s
	c.mu.Unlock()
	if s == nil {
		return nil, ErrNoSchema
	}
	return query.Compile(s, q)
}

// Query runs q once and decodes the result: []reader.Item, a single
// reader.Item (nil when not found) or a reader.AggregateResult.
func (c *Client) Query(ctx context.Context, q *query.Query) (any, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	compiled, err := c.Compile(q)
	if err != nil {
		return nil, err
	}
	c.queries.Inc()
	buf, err := c.engine.RunQuery(ctx, compiled.Program)
	if err != nil {
		c.queryErrors.Inc()
		return nil, fmt.Errorf("query %s: %w", q.Type, err)
	}
	v, err := reader.Decode(compiled.Reader, buf)
	if err != nil {
		c.decodeErrors.Inc()
		c.logger.Warn("query result rejected", "type", q.Type, "bytes", len(buf), "error", err)
		return nil, err
	}
	return v, nil
}

// Subscribe keeps onData up to date with the result of q. onData sees the
// decoded value Query would return and is only called when the result
// changed. The returned function stops the subscription.
func (c *Client) Subscribe(ctx context.Context, q *query.Query, onData func(any), onErr func(error)) (func(), error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if c.Schema() == nil {
		return nil, ErrNoSchema
	}
	return c.subs.Subscribe(ctx, q, onData, onErr)
}

// Invalidate re-runs the subscriptions reading any of types after the
// throttle window, for engines that do not push updates.
func (c *Client) Invalidate(types ...string) {
	c.subs.Invalidate(types...)
}

// Subscriptions returns the number of live subscriptions.
func (c *Client) Subscriptions() int {
	return c.subs.Len()
}

// Close flushes pending operations and stops every subscription. The
// engine is left open.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	var err error
	if c.enc != nil {
		err = c.flushLocked(ctx)
	}
	c.closed = true
	c.mu.Unlock()

	if c.unwatch != nil {
		c.unwatch()
	}
	c.subs.Close()
	c.logger.Debug("client closed")
	return err
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
