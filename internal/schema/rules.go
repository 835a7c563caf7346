package schema

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/roach88/tessel/internal/ir"
)

// CheckNumber validates a numeric value against the prop's rule.
func (p *Prop) CheckNumber(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("must be a finite number")
	}
	r := p.Num
	if r == nil {
		return nil
	}
	if r.Integer && f != math.Trunc(f) {
		return fmt.Errorf("must be an integer")
	}
	if r.HasMin && f < r.Min {
		return fmt.Errorf("must be >= %v", r.Min)
	}
	if r.HasMax && f > r.Max {
		return fmt.Errorf("must be <= %v", r.Max)
	}
	if r.Step > 0 {
		q := f / r.Step
		if math.Abs(q-math.Round(q)) > 1e-9 {
			return fmt.Errorf("must be a multiple of %v", r.Step)
		}
	}
	return nil
}

// CheckString validates a string or binary length against maxBytes.
func (p *Prop) CheckString(s string) error {
	limit := p.MaxBytes
	if p.Main && (limit == 0 || limit > p.Size-1) {
		limit = p.Size - 1
	}
	if limit > 0 && len(s) > limit {
		return fmt.Errorf("exceeds maxBytes %d (%d bytes)", limit, len(s))
	}
	return nil
}

// ToFloat converts any Go or JSON number to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// normalizeDefault checks a declared default and returns it in the form
// PutMain and the encoder expect.
func (p *Prop) normalizeDefault(v any) (any, error) {
	switch {
	case p.Tag.IsNumeric():
		f, ok := ToFloat(v)
		if !ok {
			return nil, fmt.Errorf("expected a number, got %T", v)
		}
		if err := p.CheckNumber(f); err != nil {
			return nil, err
		}
		return f, nil
	case p.Tag == ir.TagBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected a boolean, got %T", v)
		}
		return b, nil
	case p.Tag == ir.TagEnum:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected an enum value, got %T", v)
		}
		if _, ok := p.EnumIndex(s); !ok {
			return nil, fmt.Errorf("%q is not one of %v", s, p.Enum)
		}
		return s, nil
	case p.Tag == ir.TagString || p.Tag == ir.TagBinary:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %T", v)
		}
		if err := p.CheckString(s); err != nil {
			return nil, err
		}
		return s, nil
	case p.Tag == ir.TagJSON:
		return v, nil
	}
	return nil, fmt.Errorf("%s properties cannot declare a default", p.Tag)
}
