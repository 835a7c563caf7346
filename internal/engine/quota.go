package engine

// DefaultMaxScan is the default number of nodes one query may visit,
// counting nodes reached through references.
const DefaultMaxScan = 1_000_000

// QuotaEnforcer counts nodes visited by one query and enforces a limit.
//
// Each query execution gets its own QuotaEnforcer. Nested reference
// levels share the enforcer of their root query, so deep includes over
// wide fan-outs are bounded as a whole.
type QuotaEnforcer struct {
	maxSteps int
	current  int
}

// NewQuotaEnforcer creates a new quota enforcer with the given limit.
// A limit <= 0 disables enforcement.
func NewQuotaEnforcer(maxSteps int) *QuotaEnforcer {
	return &QuotaEnforcer{maxSteps: maxSteps}
}

// Check adds n visited nodes and validates against the limit.
//
// Returns an Error with ErrCodeQuotaExceeded if the quota is exceeded.
func (q *QuotaEnforcer) Check(n int) error {
	q.current += n
	if q.maxSteps > 0 && q.current > q.maxSteps {
		return NewQuotaError(q.current, q.maxSteps)
	}
	return nil
}

// Current returns the number of nodes visited so far.
func (q *QuotaEnforcer) Current() int {
	return q.current
}

// Remaining returns how many more nodes may be visited, or -1 when
// unlimited.
func (q *QuotaEnforcer) Remaining() int {
	if q.maxSteps <= 0 {
		return -1
	}
	if q.current >= q.maxSteps {
		return 0
	}
	return q.maxSteps - q.current
}
