package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/tessel/internal/ir"
)

// Snapshot renders a scenario's trace as canonical JSON. Golden files hold
// exactly these bytes.
func Snapshot(s *Scenario, r *Result) ([]byte, error) {
	trace := make([]any, len(r.Trace))
	for i, e := range r.Trace {
		m := map[string]any{"step": e.Step, "op": e.Op}
		if e.Type != "" {
			m["type"] = e.Type
		}
		if e.As != "" {
			m["as"] = e.As
		}
		if e.Error != "" {
			m["error"] = e.Error
		}
		if e.Result != nil {
			m["result"] = plain(e.Result)
		}
		trace[i] = m
	}
	return ir.MarshalCanonical(map[string]any{
		"scenario": s.Name,
		"trace":    trace,
	})
}

// RunWithGolden runs a scenario and compares its snapshot with
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, s *Scenario) (*Result, error) {
	t.Helper()
	result, err := Run(context.Background(), s)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, s, result)
}

// AssertGolden compares an existing result with the scenario's golden
// file without re-running it.
func AssertGolden(t *testing.T, s *Scenario, result *Result) error {
	t.Helper()
	snap, err := Snapshot(s, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, s.Name, snap)
	return nil
}
