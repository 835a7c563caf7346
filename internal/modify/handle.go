package modify

import (
	"context"
	"fmt"
	"sync"
)

// Status is the engine's verdict on one operation.
type Status uint8

const (
	StatusOK Status = iota
	StatusNotFound
	StatusRejected // a dependency failed
	StatusInvalid  // the engine could not apply the instructions
)

var statusNames = [...]string{"ok", "not found", "rejected", "invalid"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Ack acknowledges one operation of a batch. Handle is the operation's
// handle number from its cursor; ID is the node it touched.
type Ack struct {
	Handle uint32
	ID     uint32
	Status Status
}

// Result is the engine's acknowledgement of a flushed buffer.
type Result struct {
	Acks []Ack
}

// Handle is the future result of one operation. It resolves exactly once,
// to the node id or to an error, when its batch is acknowledged.
type Handle struct {
	op  uint8
	typ string
	num uint32 // handle number inside its batch
	gen uint64 // batch generation of the owning Ctx
	ctx *Ctx

	mu    sync.Mutex
	done  chan struct{}
	id    uint32
	err   error
	thens []func(uint32, error)
}

func newHandle(c *Ctx, op uint8, typ string, num uint32) *Handle {
	return &Handle{op: op, typ: typ, num: num, gen: c.gen, ctx: c, done: make(chan struct{})}
}

// Resolved returns a handle already resolved to id.
func Resolved(id uint32) *Handle {
	h := &Handle{done: make(chan struct{})}
	h.settle(id, nil)
	return h
}

// Type is the node type the operation targets.
func (h *Handle) Type() string { return h.typ }

// ID returns the node id once the handle resolved successfully.
func (h *Handle) ID() (uint32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id, h.id != 0 && h.err == nil
}

// Err returns the rejection, or nil while pending or once resolved.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed once the handle settles.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the handle settles or ctx is done.
func (h *Handle) Wait(ctx context.Context) (uint32, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id, h.err
}

// Then registers fn to run once the handle settles. fn runs on its own
// goroutine, so it may call back into the client.
func (h *Handle) Then(fn func(id uint32, err error)) {
	h.mu.Lock()
	select {
	case <-h.done:
		id, err := h.id, h.err
		h.mu.Unlock()
		go fn(id, err)
		return
	default:
	}
	h.thens = append(h.thens, fn)
	h.mu.Unlock()
}

func (h *Handle) settle(id uint32, err error) {
	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		return
	default:
	}
	h.id, h.err = id, err
	thens := h.thens
	h.thens = nil
	close(h.done)
	h.mu.Unlock()
	for _, fn := range thens {
		go fn(id, err)
	}
}

func (h *Handle) pending() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
