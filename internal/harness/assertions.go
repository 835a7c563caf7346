package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/roach88/tessel/internal/query"
	"github.com/roach88/tessel/internal/schema"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

func (h *Harness) check(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertNode, AssertMissing:
		id, err := h.targetID(a.Target)
		if err != nil {
			return err
		}
		v, err := h.client.Query(ctx, &query.Query{Type: a.Node, ID: id, Include: a.Include})
		if err != nil {
			return err
		}
		got := plain(v)
		if a.Type == AssertMissing {
			if got != nil {
				return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("no %s %d", a.Node, id), Actual: render(got)}
			}
			return nil
		}
		if got == nil {
			return &AssertionError{Type: a.Type, Expected: render(a.Expect), Actual: fmt.Sprintf("no %s %d", a.Node, id)}
		}
		if !matchSubset(plain(a.Expect), got) {
			return &AssertionError{Type: a.Type, Expected: render(a.Expect), Actual: render(got)}
		}
		return nil
	case AssertCount:
		doc := map[string]any{"type": a.Node}
		if a.Filter != nil {
			doc["filter"] = a.Filter
		}
		q, err := h.queryFrom(doc)
		if err != nil {
			return err
		}
		v, err := h.client.Query(ctx, q)
		if err != nil {
			return err
		}
		list, _ := plain(v).([]any)
		if len(list) != a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d %s node(s)", a.Count, a.Node),
				Actual:   fmt.Sprintf("%d node(s)", len(list)),
			}
		}
		return nil
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func (h *Harness) targetID(target any) (uint32, error) {
	v, err := h.resolve(target, true)
	if err != nil {
		return 0, err
	}
	f, ok := schema.ToFloat(v)
	if !ok || f < 1 || f > math.MaxUint32 || f != math.Trunc(f) {
		return 0, fmt.Errorf("target %v is not a node id", target)
	}
	return uint32(f), nil
}

// plain converts decoded results and YAML values to the shapes JSON
// decoding produces: map[string]any, []any, float64, string, bool, nil.
func plain(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if (rv.Kind() == reflect.Map || rv.Kind() == reflect.Slice || rv.Kind() == reflect.Pointer) && rv.IsNil() {
		return nil
	}
	js, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(js, &out); err != nil {
		return fmt.Sprint(v)
	}
	return out
}

// matchSubset reports whether every field named in expected is present in
// actual with a matching value. Lists must have the same length and match
// element by element.
func matchSubset(expected, actual any) bool {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return false
		}
		for k, ev := range exp {
			av, ok := act[k]
			if !ok || !matchSubset(ev, av) {
				return false
			}
		}
		return true
	case []any:
		act, ok := actual.([]any)
		if !ok || len(act) != len(exp) {
			return false
		}
		for i := range exp {
			if !matchSubset(exp[i], act[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(expected, actual)
}

func render(v any) string {
	js, err := json.Marshal(plain(v))
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(js)
}
