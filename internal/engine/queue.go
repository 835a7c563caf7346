package engine

import (
	"log/slog"
	"sync"
)

// Delivery is one pushed subscription update: a result buffer or an
// error.
type Delivery struct {
	Data []byte
	Err  error
}

// deliveryQueue is a thread-safe FIFO of updates for one subscription.
//
// The queue is unbounded so a commit never blocks on a slow listener.
// The engine enqueues while holding its lock; the subscription's own
// goroutine dequeues and calls the listener without it.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the delivery loop.
type deliveryQueue struct {
	mu     sync.Mutex
	items  []Delivery
	closed bool
	signal chan struct{} // Signals availability (buffered, size 1)
}

// newDeliveryQueue creates an empty queue.
func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{
		items:  make([]Delivery, 0, 4),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an update to the back of the queue.
// Returns false if the queue is closed.
func (q *deliveryQueue) Enqueue(d Delivery) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, d)

	// Non-blocking; the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Delivery{}, false) if the queue is empty.
func (q *deliveryQueue) TryDequeue() (Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Delivery{}, false
	}

	d := q.items[0]

	// Clear the slot so the result buffer can be collected.
	q.items[0] = Delivery{}

	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}

	return d, true
}

// Wait returns a channel that signals when updates may be available.
// The channel is closed by Close.
func (q *deliveryQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *deliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close drops pending updates and wakes the delivery loop.
func (q *deliveryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	clear(q.items)
	q.items = q.items[:0]
	close(q.signal)
}

// Closed reports whether Close was called.
func (q *deliveryQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Feed hands updates to one listener pair on its own goroutine, in the
// order they were pushed. Transports use it to call listeners off their
// read loop.
type Feed struct {
	queue  *deliveryQueue
	onData func([]byte)
	onErr  func(error)
	logger *slog.Logger
	name   string
	once   sync.Once
}

// NewFeed starts a feed. name tags the panic log of a failing listener.
func NewFeed(name string, onData func([]byte), onErr func(error), logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Feed{queue: newDeliveryQueue(), onData: onData, onErr: onErr, logger: logger, name: name}
	go f.run()
	return f
}

// Push queues d. It reports false once the feed is closed.
func (f *Feed) Push(d Delivery) bool {
	return f.queue.Enqueue(d)
}

// Close stops the feed and drops undelivered updates.
func (f *Feed) Close() {
	f.once.Do(f.queue.Close)
}

func (f *Feed) run() {
	for {
		d, ok := f.queue.TryDequeue()
		if ok {
			f.dispatch(d)
			continue
		}
		if _, open := <-f.queue.Wait(); !open {
			return
		}
	}
}

func (f *Feed) dispatch(d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("subscription listener panicked", "feed", f.name, "panic", r)
		}
	}()
	if d.Err != nil {
		if f.onErr != nil {
			f.onErr(d.Err)
		}
		return
	}
	if f.onData != nil {
		f.onData(d.Data)
	}
}
