package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/tessel/internal/client"
	"github.com/roach88/tessel/internal/engine"
	"github.com/roach88/tessel/internal/modify"
	"github.com/roach88/tessel/internal/query"
	"github.com/roach88/tessel/internal/schema"
	"github.com/roach88/tessel/internal/store"
	"github.com/roach88/tessel/internal/testutil"
)

// Epoch is the virtual time every scenario starts at.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness executes one scenario. It owns a fresh in-memory store, a
// reference engine on a virtual clock and one client.
type Harness struct {
	client *client.Client
	clock  *testutil.FakeClock
	result *Result

	handles map[string]*modify.Handle
	pending []pendingMutation
}

type pendingMutation struct {
	step   int
	as     string
	handle *modify.Handle
	expect *Expect
}

// Run executes a scenario and returns its result.
//
// Expectation and assertion failures are reported in the result. The
// returned error is for scenarios that cannot run at all: a schema that
// does not compile, an unknown handle name, a malformed query document.
func Run(ctx context.Context, s *Scenario) (*Result, error) {
	sch, err := s.compileSchema()
	if err != nil {
		return nil, fmt.Errorf("scenario schema: %w", err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	clk := testutil.NewFakeClock(Epoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(st, engine.WithClock(clk), engine.WithLogger(logger))
	defer eng.Close()

	c := client.New(eng, client.Options{
		MaxModifySize: s.MaxModifySize,
		Clock:         clk,
		Logger:        logger,
		IDs:           testutil.NewStaticID(s.Session),
	})
	defer c.Close(context.Background())
	if err := c.SetSchema(ctx, sch); err != nil {
		return nil, fmt.Errorf("install schema: %w", err)
	}

	h := &Harness{
		client:  c,
		clock:   clk,
		result:  NewResult(),
		handles: make(map[string]*modify.Handle),
	}
	for i, step := range s.Steps {
		if err := h.step(ctx, i, step); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, step.Op, err)
		}
	}
	if len(h.pending) > 0 {
		if err := h.drain(ctx, len(s.Steps)); err != nil {
			return nil, fmt.Errorf("final drain: %w", err)
		}
	}
	for i, a := range s.Assertions {
		if err := h.check(ctx, a); err != nil {
			h.result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return h.result, nil
}

func (h *Harness) step(ctx context.Context, i int, st Step) error {
	switch st.Op {
	case OpCreate, OpUpdate, OpUpsert, OpDelete, OpExpire:
		return h.mutate(ctx, i, st)
	case OpDrain:
		return h.drain(ctx, i)
	case OpAdvance:
		d, _ := time.ParseDuration(st.Duration)
		h.clock.Advance(d)
		h.result.record(Event{Step: i, Op: st.Op, Result: st.Duration})
		return nil
	case OpQuery:
		return h.query(ctx, i, st)
	case OpSetSchema:
		decl, err := declFromMap(st.Schema)
		if err != nil {
			return err
		}
		ev := Event{Step: i, Op: st.Op}
		s, err := schema.Compile(decl)
		if err == nil {
			err = h.client.SetSchema(ctx, s)
		}
		if err != nil {
			ev.Error = err.Error()
		}
		h.result.record(ev)
		h.expectError(i, st.Expect, err)
		return nil
	}
	return fmt.Errorf("unknown op %q", st.Op)
}

func (h *Harness) mutate(ctx context.Context, i int, st Step) error {
	props, err := h.resolve(st.Props, false)
	if err != nil {
		return err
	}
	values, _ := props.(map[string]any)
	target, err := h.resolve(st.Target, false)
	if err != nil {
		return err
	}

	var hd *modify.Handle
	switch st.Op {
	case OpCreate:
		hd, err = h.client.Create(ctx, st.Type, values)
	case OpUpdate:
		hd, err = h.client.Update(ctx, st.Type, target, values)
	case OpUpsert:
		hd, err = h.client.Upsert(ctx, st.Type, values)
	case OpDelete:
		hd, err = h.client.Delete(ctx, st.Type, target)
	case OpExpire:
		ttl, _ := time.ParseDuration(st.Duration)
		hd, err = h.client.Expire(ctx, st.Type, target, ttl)
	}

	ev := Event{Step: i, Op: st.Op, Type: st.Type, As: st.As}
	if err != nil {
		ev.Error = err.Error()
		h.result.record(ev)
		h.expectError(i, st.Expect, err)
		return nil
	}
	h.result.record(ev)
	if st.As != "" {
		h.handles[st.As] = hd
	}
	h.pending = append(h.pending, pendingMutation{step: i, as: st.As, handle: hd, expect: st.Expect})
	return nil
}

// drain flushes and records the acknowledgement of every mutation encoded
// since the previous drain. Batches flushed earlier on overflow are
// reported here too.
func (h *Harness) drain(ctx context.Context, i int) error {
	ev := Event{Step: i, Op: OpDrain}
	if err := h.client.Drain(ctx); err != nil {
		ev.Error = err.Error()
	}
	acks := make([]Ack, 0, len(h.pending))
	for _, p := range h.pending {
		id, settled := p.handle.ID()
		herr := p.handle.Err()
		if !settled && herr == nil {
			return fmt.Errorf("step %d is not acknowledged after drain", p.step)
		}
		ack := Ack{As: p.as, ID: id}
		if herr != nil {
			ack.Error = herr.Error()
		} else if p.as != "" {
			h.result.IDs[p.as] = id
		}
		acks = append(acks, ack)
		h.expectError(p.step, p.expect, herr)
	}
	h.pending = nil
	ev.Result = acks
	h.result.record(ev)
	return nil
}

func (h *Harness) query(ctx context.Context, i int, st Step) error {
	q, err := h.queryFrom(st.Query)
	if err != nil {
		return err
	}
	ev := Event{Step: i, Op: st.Op, Type: q.Type, As: st.As}
	v, err := h.client.Query(ctx, q)
	if err != nil {
		ev.Error = err.Error()
		h.result.record(ev)
		h.expectError(i, st.Expect, err)
		return nil
	}
	got := plain(v)
	ev.Result = got
	h.result.record(ev)

	exp := st.Expect
	if exp == nil {
		return nil
	}
	if exp.Error != "" {
		h.result.AddError(fmt.Sprintf("steps[%d]: expected error containing %q, query succeeded", i, exp.Error))
	}
	if exp.Result != nil && !matchSubset(plain(exp.Result), got) {
		h.result.AddError((&AssertionError{
			Type:     fmt.Sprintf("steps[%d] result", i),
			Expected: render(exp.Result),
			Actual:   render(got),
		}).Error())
	}
	if exp.Count != nil {
		list, ok := got.([]any)
		if !ok || len(list) != *exp.Count {
			h.result.AddError(fmt.Sprintf("steps[%d]: expected %d items, got %s", i, *exp.Count, render(got)))
		}
	}
	return nil
}

// queryFrom resolves handle names in a raw query document to node ids and
// converts it to a Query.
func (h *Harness) queryFrom(raw map[string]any) (*query.Query, error) {
	resolved, err := h.resolve(raw, true)
	if err != nil {
		return nil, err
	}
	js, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("query document: %w", err)
	}
	doc, err := query.LoadDocumentJSON(js)
	if err != nil {
		return nil, err
	}
	return doc.Query()
}

func (h *Harness) expectError(step int, exp *Expect, err error) {
	want := ""
	if exp != nil {
		want = exp.Error
	}
	switch {
	case err == nil && want == "":
	case err == nil:
		h.result.AddError(fmt.Sprintf("steps[%d]: expected error containing %q, got success", step, want))
	case want == "":
		h.result.AddError(fmt.Sprintf("steps[%d]: unexpected error: %v", step, err))
	case !strings.Contains(err.Error(), want):
		h.result.AddError(fmt.Sprintf("steps[%d]: expected error containing %q, got %q", step, want, err.Error()))
	}
}

// resolve replaces "@name" strings with the named handle, or with its
// acknowledged node id when ids is set.
func (h *Harness) resolve(v any, ids bool) (any, error) {
	switch x := v.(type) {
	case string:
		name, ok := strings.CutPrefix(x, "@")
		if !ok || name == "" {
			return x, nil
		}
		hd, ok := h.handles[name]
		if !ok {
			return nil, fmt.Errorf("unknown handle %q", x)
		}
		if !ids {
			return hd, nil
		}
		if id, ok := hd.ID(); ok {
			return id, nil
		}
		if err := hd.Err(); err != nil {
			return nil, fmt.Errorf("handle %s failed: %w", x, err)
		}
		return nil, fmt.Errorf("handle %s is not acknowledged yet, drain first", x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			r, err := h.resolve(e, ids)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			r, err := h.resolve(e, ids)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}
