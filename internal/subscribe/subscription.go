package subscribe

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/tessel/internal/clock"
	"github.com/roach88/tessel/internal/query"
	"github.com/roach88/tessel/internal/reader"
)

var (
	errClosed   = errors.New("subscribe: manager closed")
	errNoSchema = errors.New("subscribe: no schema")
)

// State is the position of a Subscription in its run cycle.
type State uint8

const (
	StateIdle State = iota
	StateRunning
	StateComparing
	StateNotifying
	StateClosed
)

var stateNames = [...]string{"idle", "running", "comparing", "notifying", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

type listener struct {
	id     uint64
	onData func(any)
	onErr  func(error)
}

// Subscription is one live query shared by every listener of an
// identical query.
type Subscription struct {
	m *Manager
	q *query.Query

	mu        sync.Mutex
	compiled  *query.Compiled
	types     map[string]bool
	listeners []*listener
	nextID    uint64
	state     State
	gen       uint64 // bumped by recompile; older results are dropped
	grace     clock.Timer
	pending   clock.Timer
	unsub     func()
	closed    bool

	hasLast bool
	last    any
	lastLen int
	lastSum uint64

	// run serializes compare and notify so listeners see results in
	// arrival order.
	run sync.Mutex
}

func newSubscription(m *Manager, q *query.Query, c *query.Compiled) *Subscription {
	s := &Subscription{m: m, q: q}
	s.setCompiled(c)
	return s
}

func (s *Subscription) setCompiled(c *query.Compiled) {
	s.compiled = c
	s.types = make(map[string]bool, len(c.Types))
	for _, t := range c.Types {
		s.types[t] = true
	}
}

// Query returns the query the subscription was created from.
func (s *Subscription) Query() *query.Query { return s.q }

// State returns the current run state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Listeners returns the number of attached listeners.
func (s *Subscription) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func (s *Subscription) key() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compiled.Fingerprint
}

func (s *Subscription) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners) == 0 && !s.closed
}

func (s *Subscription) reads(types map[string]bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t := range s.types {
		if types[t] {
			return true
		}
	}
	return false
}

// start opens the engine subscription for the current program.
func (s *Subscription) start(ctx context.Context) error {
	s.mu.Lock()
	gen, prog := s.gen, s.compiled.Program
	s.mu.Unlock()

	unsub, err := s.m.backend.Subscribe(ctx, prog,
		func(buf []byte) { s.deliver(gen, buf) },
		func(err error) { s.deliverErr(gen, err) },
	)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		unsub()
		return nil
	}
	s.unsub = unsub
	s.mu.Unlock()
	return nil
}

// recompile swaps in a program for a new schema generation. The cached
// result is dropped so the next result always notifies.
func (s *Subscription) recompile(c *query.Compiled) {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.gen++
	s.setCompiled(c)
	s.hasLast, s.last, s.lastLen, s.lastSum = false, nil, 0, 0
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.state = StateIdle
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (s *Subscription) add(onData func(any), onErr func(error)) *listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.nextID++
	l := &listener{id: s.nextID, onData: onData, onErr: onErr}
	s.listeners = append(s.listeners, l)
	return l
}

func (s *Subscription) remove(l *listener) {
	s.mu.Lock()
	i := slices.Index(s.listeners, l)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	s.listeners = slices.Delete(s.listeners, i, i+1)
	if len(s.listeners) > 0 || s.closed {
		s.mu.Unlock()
		return
	}
	if s.m.grace == 0 {
		s.mu.Unlock()
		s.m.release(s)
		return
	}
	if s.grace == nil {
		s.grace = s.m.clock.AfterFunc(s.m.grace, func() { s.m.release(s) })
	}
	s.mu.Unlock()
}

// replay hands the cached result to a listener that joined late.
func (s *Subscription) replay(l *listener) {
	s.mu.Lock()
	v, ok := s.last, s.hasLast
	s.mu.Unlock()
	if ok {
		s.call(l, v, nil)
	}
}

// schedule queues a re-run after the throttle window unless one is
// already queued.
func (s *Subscription) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pending != nil {
		return
	}
	gen := s.gen
	s.state = StateRunning
	s.pending = s.m.clock.AfterFunc(s.m.throttle, func() { s.rerun(gen) })
}

func (s *Subscription) rerun(gen uint64) {
	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	prog := s.compiled.Program
	s.mu.Unlock()

	buf, err := s.m.backend.RunQuery(context.Background(), prog)
	if err != nil {
		s.deliverErr(gen, err)
		return
	}
	s.deliver(gen, buf)
}

// deliver compares a fresh result with the cached one and notifies on
// change.
func (s *Subscription) deliver(gen uint64, buf []byte) {
	s.run.Lock()
	defer s.run.Unlock()

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.state = StateComparing
	sum, ok := reader.Checksum(buf)
	if !ok {
		s.mu.Unlock()
		err := &reader.DecodeError{Reason: fmt.Sprintf("result is %d bytes, shorter than its checksum", len(buf))}
		s.m.logger.Warn("subscription result rejected", "type", s.q.Type, "bytes", len(buf), "error", err)
		s.notifyErr(gen, err)
		return
	}
	if s.hasLast && len(buf) == s.lastLen && sum == s.lastSum {
		s.state = StateIdle
		s.mu.Unlock()
		inc(s.m.suppressed)
		return
	}
	rs := s.compiled.Reader
	s.mu.Unlock()

	v, err := reader.Decode(rs, buf)
	if err != nil {
		s.m.logger.Warn("subscription result rejected", "type", s.q.Type, "bytes", len(buf), "error", err)
		s.notifyErr(gen, err)
		return
	}

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.hasLast, s.last, s.lastLen, s.lastSum = true, v, len(buf), sum
	s.state = StateNotifying
	ls := slices.Clone(s.listeners)
	s.mu.Unlock()

	inc(s.m.notified)
	for _, l := range ls {
		s.call(l, v, nil)
	}
	s.setIdle(gen)
}

func (s *Subscription) deliverErr(gen uint64, err error) {
	s.run.Lock()
	defer s.run.Unlock()
	s.notifyErr(gen, err)
}

// notifyErr reports err to every listener. Callers hold run.
func (s *Subscription) notifyErr(gen uint64, err error) {
	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.state = StateNotifying
	ls := slices.Clone(s.listeners)
	s.mu.Unlock()

	inc(s.m.failures)
	for _, l := range ls {
		s.call(l, nil, err)
	}
	s.setIdle(gen)
}

// fail reports err to every listener regardless of state.
func (s *Subscription) fail(err error) {
	s.mu.Lock()
	ls := slices.Clone(s.listeners)
	s.mu.Unlock()
	inc(s.m.failures)
	for _, l := range ls {
		s.call(l, nil, err)
	}
}

func (s *Subscription) setIdle(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.gen == gen && s.state == StateNotifying {
		s.state = StateIdle
	}
}

// call runs one listener callback. A panic is logged and does not reach
// the other listeners.
func (s *Subscription) call(l *listener, v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.m.logger.Error("subscription listener panicked", "type", s.q.Type, "listener", l.id, "panic", r)
		}
	}()
	if err != nil {
		if l.onErr != nil {
			l.onErr(err)
		}
		return
	}
	if l.onData != nil {
		l.onData(v)
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
