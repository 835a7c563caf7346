// Package clock abstracts wall time and timers so that throttling, grace
// periods, auto flush and expiry can run on a virtual clock in tests.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock is a source of time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop cancels the call. It reports whether the call was still pending.
	Stop() bool
}

// Real returns the system clock.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Seq is a monotonic counter. Every call to Next returns a unique, strictly
// increasing value; it is safe for concurrent use.
type Seq struct {
	n atomic.Uint64
}

// NewSeqAt creates a counter whose next value is start+1.
func NewSeqAt(start uint64) *Seq {
	s := &Seq{}
	s.n.Store(start)
	return s
}

// Next returns the next value.
func (s *Seq) Next() uint64 {
	return s.n.Add(1)
}

// Current returns the last value handed out.
func (s *Seq) Current() uint64 {
	return s.n.Load()
}
