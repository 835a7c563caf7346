package harness

// Event is one executed step as recorded in the trace.
type Event struct {
	Step   int    `json:"step"`
	Op     string `json:"op"`
	Type   string `json:"type,omitempty"`
	As     string `json:"as,omitempty"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

// Ack is the settled outcome of one named mutation, recorded on the drain
// that acknowledged it.
type Ack struct {
	As    string `json:"as,omitempty"`
	ID    uint32 `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds one event per step plus the final implicit drain.
	Trace []Event `json:"trace"`

	Errors []string `json:"errors,omitempty"`

	// IDs maps handle names to the node ids the engine assigned.
	IDs map[string]uint32 `json:"ids,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []Event{},
		Errors: []string{},
		IDs:    make(map[string]uint32),
	}
}

// AddError records a failed expectation and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) record(e Event) {
	r.Trace = append(r.Trace, e)
}
