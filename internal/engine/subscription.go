package engine

import (
	"context"
	"fmt"

	"github.com/roach88/tessel/internal/query"
	"github.com/roach88/tessel/internal/schema"
)

// subscription is one engine-side live query. Results are pushed through
// its queue and delivered on its own goroutine in commit order.
type subscription struct {
	id    uint64
	prog  *query.Program
	hash  uint64
	types map[uint16]bool
	feed  *Feed
}

// Subscribe runs program now and again after every commit that touches
// one of its types, pushing each result to onData. Errors go to onErr.
// The returned function cancels the subscription; updates queued before
// the call may still be dropped.
func (e *Reference) Subscribe(ctx context.Context, program []byte, onData func([]byte), onErr func(error)) (func(), error) {
	e.mu.Lock()
	if err := e.checkHeader(program, "query program"); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	p, err := query.Parse(program)
	if err != nil {
		e.mu.Unlock()
		return nil, malformed("query program", err)
	}
	types, err := programTypes(e.s, p)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	buf, err := e.execute(ctx, p)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	id := e.subSeq.Add(1)
	sub := &subscription{
		id:    id,
		prog:  p,
		hash:  e.s.Hash,
		types: types,
		feed:  NewFeed(fmt.Sprintf("engine-%d", id), onData, onErr, e.logger),
	}
	sub.feed.Push(Delivery{Data: buf})
	e.subs.Store(sub.id, sub)
	e.mu.Unlock()

	e.logger.Debug("subscription started", "id", sub.id, "types", len(types))
	return func() {
		if s, ok := e.subs.LoadAndDelete(sub.id); ok {
			s.feed.Close()
			e.logger.Debug("subscription stopped", "id", s.id)
		}
	}, nil
}

// refresh re-runs every current-generation subscription that reads one
// of the touched types. Callers hold mu.
func (e *Reference) refresh(ctx context.Context, touched map[uint16]bool) {
	if len(touched) == 0 {
		return
	}
	e.subs.Range(func(_ uint64, sub *subscription) bool {
		if sub.hash != e.s.Hash || !sub.reads(touched) {
			return true
		}
		buf, err := e.execute(ctx, sub.prog)
		if err != nil {
			sub.feed.Push(Delivery{Err: err})
			return true
		}
		sub.feed.Push(Delivery{Data: buf})
		return true
	})
}

func (s *subscription) reads(touched map[uint16]bool) bool {
	for t := range touched {
		if s.types[t] {
			return true
		}
	}
	return false
}

// programTypes collects every type a program reads: its levels, the
// targets its filters cross and the edge tables it reads.
func programTypes(s *schema.Schema, p *query.Program) (map[uint16]bool, error) {
	types := make(map[uint16]bool)
	var level func(l *query.Level) error
	var filter func(t *schema.Type, ops []query.FilterOp) error
	filter = func(t *schema.Type, ops []query.FilterOp) error {
		for _, op := range ops {
			switch op.Kind {
			case query.FilterOr:
				for _, b := range op.Branches {
					if err := filter(t, b); err != nil {
						return err
					}
				}
			case query.FilterRef, query.FilterEdge:
				sub := s.TypeByID(op.Type)
				if sub == nil {
					return badProgram("unknown type %d", op.Type)
				}
				types[sub.ID] = true
				if err := filter(sub, op.Sub); err != nil {
					return err
				}
			}
		}
		return nil
	}
	level = func(l *query.Level) error {
		t := s.TypeByID(l.Type)
		if t == nil {
			return badProgram("unknown type %d", l.Type)
		}
		types[t.ID] = true
		if err := filter(t, l.Filter); err != nil {
			return err
		}
		for _, rs := range l.Refs {
			p := t.ByID(rs.Prop)
			if p == nil || p.Ref == nil || rs.Level == nil {
				return badProgram("%s has no reference %d", t.Name, rs.Prop)
			}
			if et := s.EdgeType(p); et != nil {
				types[et.ID] = true
			}
			if err := level(rs.Level); err != nil {
				return err
			}
		}
		return nil
	}
	return types, level(p.Level)
}
