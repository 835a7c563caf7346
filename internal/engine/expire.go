package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// schedule arms or disarms expiry timers after a commit. Callers hold mu.
func (e *Reference) schedule(expiries map[nodeKey]int64) {
	for k, at := range expiries {
		if at == 0 {
			e.disarm(k)
			continue
		}
		e.arm(k, at)
	}
}

// rearm replaces every timer with one per persisted expiry. Type ids
// change between generations, so timers never survive a schema change.
// Callers hold mu.
func (e *Reference) rearm(ctx context.Context) error {
	for k, t := range e.timers {
		t.Stop()
		delete(e.timers, k)
	}
	exp, err := e.store.ReadExpiring(ctx)
	if err != nil {
		return internal("read expiries", err)
	}
	for _, x := range exp {
		e.arm(nodeKey{typ: x.Type, id: x.ID}, x.At)
	}
	if len(exp) > 0 {
		e.logger.Debug("expiry timers armed", "count", len(exp))
	}
	return nil
}

func (e *Reference) arm(k nodeKey, at int64) {
	e.disarm(k)
	delay := time.Duration(at-e.clock.Now().UnixMilli()) * time.Millisecond
	gen := e.gen
	e.timers[k] = e.clock.AfterFunc(max(delay, 0), func() {
		e.expire(gen, k)
	})
}

func (e *Reference) disarm(k nodeKey) {
	if t, ok := e.timers[k]; ok {
		t.Stop()
		delete(e.timers, k)
	}
}

// expire deletes a node whose expiry passed and refreshes the affected
// subscriptions. A timer from an earlier generation is ignored; rearm
// replaced it.
func (e *Reference) expire(gen int64, k nodeKey) {
	ctx := context.Background()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.gen != gen {
		return
	}
	delete(e.timers, k)
	t := e.s.TypeByID(k.typ)
	if t == nil {
		return
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		e.logger.Error("expire: begin", "type", t.Name, "id", k.id, "error", err)
		return
	}
	defer tx.Rollback()

	now := e.clock.Now().UnixMilli()
	n, err := tx.ReadNode(ctx, t.ID, k.id)
	if errors.Is(err, sql.ErrNoRows) {
		return
	}
	if err != nil {
		e.logger.Error("expire: read node", "type", t.Name, "id", k.id, "error", err)
		return
	}
	if n.ExpiresAt == 0 {
		return
	}
	if n.ExpiresAt > now {
		e.arm(k, n.ExpiresAt)
		return
	}

	a := newApplier(ctx, tx, e.s, now, e.logger)
	if err := a.deleteNode(t, n); err != nil {
		e.logger.Error("expire: delete node", "type", t.Name, "id", k.id, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		e.logger.Error("expire: commit", "type", t.Name, "id", k.id, "error", err)
		return
	}
	seq := e.commits.Next()
	e.logger.Debug("node expired", "commit", seq, "type", t.Name, "id", k.id)
	e.refresh(ctx, a.touched)
}
