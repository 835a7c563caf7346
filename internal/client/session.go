package client

import (
	"sync"

	"github.com/google/uuid"
)

// IDSource hands out client session ids. The id tags every log line of a
// client and is sent as the session header by the WebSocket transport.
type IDSource interface {
	NewID() string
}

// UUIDv7Source generates time-sortable UUIDv7 session ids, so logs of
// several clients sort by connection time.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Source struct{}

// NewID returns a hyphenated UUIDv7. Panics if the random source fails.
func (UUIDv7Source) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// SequenceSource returns predetermined ids in order, for tests that
// compare logs or golden output.
type SequenceSource struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewSequenceSource creates a source returning ids in order.
func NewSequenceSource(ids ...string) *SequenceSource {
	return &SequenceSource{ids: ids}
}

// NewID returns the next id. It panics once every id was handed out, since
// that means a test created more clients than it declared.
func (s *SequenceSource) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.ids) {
		panic("client: SequenceSource exhausted")
	}
	id := s.ids[s.idx]
	s.idx++
	return id
}
