package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/roach88/tessel/internal/clock"
	"github.com/roach88/tessel/internal/modify"
	"github.com/roach88/tessel/internal/schema"
	"github.com/roach88/tessel/internal/store"
	"github.com/roach88/tessel/internal/wire"
)

// ModifyResult is the acknowledgement of one applied modify buffer.
type ModifyResult = modify.Result

// Engine is the server side of the client data plane. Buffers and
// programs are opaque bytes produced by the modify encoder and the query
// compiler.
type Engine interface {
	SetSchema(ctx context.Context, s *schema.Schema) error
	ApplyModify(ctx context.Context, buf []byte) (*ModifyResult, error)
	RunQuery(ctx context.Context, program []byte) ([]byte, error)
	Subscribe(ctx context.Context, program []byte, onData func([]byte), onErr func(error)) (func(), error)
}

// SchemaNotifier pushes new schema generations to interested clients.
type SchemaNotifier interface {
	OnSchemaChange(fn func(*schema.Schema)) func()
}

var (
	_ Engine         = (*Reference)(nil)
	_ SchemaNotifier = (*Reference)(nil)
)

// Reference is an Engine backed by the SQLite node store.
//
// Thread-safety model:
//   - every method is safe from any goroutine
//   - writes, queries and subscription refreshes are serialized by one
//     mutex, so a commit and the refresh it triggers are atomic for
//     subscribers
//   - subscription listeners run on their own goroutines, never under
//     the engine lock, so they may call back into the engine
//
// INVARIANTS:
//   - all store access happens under mu (the store has one connection)
//   - an operation either applies completely or not at all
//   - a node past its expiry is invisible before its timer fires
type Reference struct {
	store   *store.Store
	clock   clock.Clock
	logger  *slog.Logger
	maxScan int
	commits *clock.Seq

	mu     sync.Mutex
	s      *schema.Schema
	gen    int64
	closed bool
	timers map[nodeKey]clock.Timer

	subs   *xsync.MapOf[uint64, *subscription]
	subSeq atomic.Uint64

	lmu       sync.Mutex
	listeners []listener
	lseq      uint64
}

type nodeKey struct {
	typ uint16
	id  uint32
}

type listener struct {
	id uint64
	fn func(*schema.Schema)
}

// Option configures a Reference engine.
type Option func(*Reference)

// WithClock sets the clock used for triggers and expiry.
func WithClock(c clock.Clock) Option {
	return func(e *Reference) {
		e.clock = c
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Reference) {
		e.logger = l
	}
}

// WithMaxScan bounds the nodes one query may visit.
//
// Default: 1,000,000 (DefaultMaxScan). A value <= 0 disables the limit.
func WithMaxScan(n int) Option {
	return func(e *Reference) {
		e.maxScan = n
	}
}

// New creates an engine over st. Call Restore to pick up a schema
// generation persisted by an earlier run.
func New(st *store.Store, opts ...Option) *Reference {
	e := &Reference{
		store:   st,
		clock:   clock.Real(),
		logger:  slog.Default(),
		maxScan: DefaultMaxScan,
		commits: clock.NewSeqAt(0),
		timers:  make(map[nodeKey]clock.Timer),
		subs:    xsync.NewMapOf[uint64, *subscription](),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Schema returns the current generation, or nil.
func (e *Reference) Schema() *schema.Schema {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s
}

// Generation returns the persisted generation number of the current
// schema, 0 before the first SetSchema or Restore.
func (e *Reference) Generation() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen
}

// Commits returns the number of committed modify batches and expiries.
func (e *Reference) Commits() uint64 {
	return e.commits.Current()
}

// Restore loads the latest persisted schema generation and re-arms
// pending expiries. It reports false when the store holds no schema.
func (e *Reference) Restore(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, errClosed
	}
	rec, err := e.store.LatestSchema(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, internal("read schema", err)
	}
	s, err := schema.Compile(rec.Decl)
	if err != nil {
		return false, fmt.Errorf("compile persisted schema generation %d: %w", rec.Generation, err)
	}
	if s.Hash != rec.Hash {
		return false, fmt.Errorf("persisted schema generation %d: hash %016x, compiles to %016x",
			rec.Generation, rec.Hash, s.Hash)
	}
	e.s, e.gen = s, rec.Generation
	if err := e.rearm(ctx); err != nil {
		return false, err
	}
	e.logger.Info("schema restored",
		"generation", rec.Generation,
		"hash", fmt.Sprintf("%016x", s.Hash),
		"types", len(s.Names()),
	)
	return true, nil
}

// SetSchema installs a new generation. Stored data is migrated by type
// and property name; data whose property vanished or changed kind is
// dropped. Setting the current generation again is a no-op.
//
// Subscriptions compiled for the previous generation stop receiving
// updates; clients resubscribe once they see the new schema.
func (e *Reference) SetSchema(ctx context.Context, s *schema.Schema) error {
	if s == nil || s.Decl == nil {
		return errors.New("engine: schema has no declaration")
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errClosed
	}
	if e.s != nil && e.s.Hash == s.Hash {
		e.mu.Unlock()
		return nil
	}
	old := e.s
	gen, err := e.installSchema(ctx, old, s)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.s, e.gen = s, gen
	err = e.rearm(ctx)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	attrs := []any{"generation", gen, "hash", fmt.Sprintf("%016x", s.Hash), "types", len(s.Names())}
	if old != nil {
		attrs = append(attrs, "previous", fmt.Sprintf("%016x", old.Hash))
	}
	e.logger.Info("schema installed", attrs...)
	e.notify(s)
	return nil
}

func (e *Reference) installSchema(ctx context.Context, old, s *schema.Schema) (int64, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return 0, internal("begin schema change", err)
	}
	defer tx.Rollback()
	if old != nil {
		if err := migrate(ctx, tx, old, s, e.logger); err != nil {
			return 0, internal("migrate data", err)
		}
	}
	gen, err := tx.WriteSchema(ctx, s.Hash, s.Decl, e.clock.Now())
	if err != nil {
		return 0, internal("write schema", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, internal("commit schema change", err)
	}
	return gen, nil
}

// OnSchemaChange registers fn to run after every installed generation.
// The returned function removes it.
func (e *Reference) OnSchemaChange(fn func(*schema.Schema)) func() {
	e.lmu.Lock()
	e.lseq++
	id := e.lseq
	e.listeners = append(e.listeners, listener{id: id, fn: fn})
	e.lmu.Unlock()
	return func() {
		e.lmu.Lock()
		defer e.lmu.Unlock()
		for i, l := range e.listeners {
			if l.id == id {
				e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

func (e *Reference) notify(s *schema.Schema) {
	e.lmu.Lock()
	ls := append([]listener(nil), e.listeners...)
	e.lmu.Unlock()
	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("schema listener panicked", "panic", r)
				}
			}()
			l.fn(s)
		}()
	}
}

// Close stops expiry timers and subscriptions. The store stays open; it
// belongs to the caller.
func (e *Reference) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for k, t := range e.timers {
		t.Stop()
		delete(e.timers, k)
	}
	e.mu.Unlock()

	e.subs.Range(func(id uint64, sub *subscription) bool {
		e.subs.Delete(id)
		sub.feed.Close()
		return true
	})
	e.logger.Info("engine closed", "commits", e.commits.Current())
	return nil
}

// checkHeader rejects buffers encoded for another generation before
// they are parsed against the current one. Callers hold mu.
func (e *Reference) checkHeader(buf []byte, what string) error {
	if e.closed {
		return errClosed
	}
	if e.s == nil {
		return errNoSchema
	}
	r := wire.NewReader(buf)
	hash := r.U64()
	if r.Err() != nil {
		return malformed(what, r.Err())
	}
	if hash != e.s.Hash {
		return NewSchemaMismatchError(hash, e.s.Hash)
	}
	return nil
}
