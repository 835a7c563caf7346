package testutil

// StaticID is a session id source that always returns the same id, so a
// scenario run produces byte-identical logs and golden output.
//
// Thread-safety: immutable and safe for concurrent use.
type StaticID struct {
	id string
}

// NewStaticID creates a source for id. An empty id becomes
// "test-session".
func NewStaticID(id string) StaticID {
	if id == "" {
		id = "test-session"
	}
	return StaticID{id: id}
}

// NewID returns the fixed id.
func (s StaticID) NewID() string {
	return s.id
}
