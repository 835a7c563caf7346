package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/tessel/internal/ir"
)

// Decl is a declarative schema: locales plus types keyed by name.
//
// The JSON form accepts either {"locales": ..., "types": {...}} or a bare
// object whose keys are type names.
type Decl struct {
	Locales Locales              `json:"locales,omitempty"`
	Types   map[string]*TypeDecl `json:"types"`
}

// TypeDecl declares one node type.
type TypeDecl struct {
	Props         map[string]*PropDecl `json:"props"`
	BlockCapacity int                  `json:"blockCapacity,omitempty"`
}

// LocaleDecl declares one locale of text properties.
type LocaleDecl struct {
	Fallback string `json:"fallback,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Locales maps a BCP 47 tag to its declaration. Accepts a list of tags or an
// object of tag -> declaration.
type Locales map[string]*LocaleDecl

// PropDecl is one loosely declared property. Shorthands:
//
//	"string"                    {type: string}
//	["a", "b"]                  {enum: [a, b]}
//	{ref: "user", prop: "x"}    single reference with declared inverse
//	{items: {ref: "user"}}      reference list
//	{props: {...}}              nested object
//
// Keys starting with $ on a reference declaration are edge properties.
type PropDecl struct {
	Type     string               `json:"type,omitempty"`
	Enum     []string             `json:"enum,omitempty"`
	Ref      string               `json:"ref,omitempty"`
	Prop     string               `json:"prop,omitempty"`
	Items    *PropDecl            `json:"items,omitempty"`
	Props    map[string]*PropDecl `json:"props,omitempty"`
	Edges    map[string]*PropDecl `json:"-"`
	Min      *float64             `json:"min,omitempty"`
	Max      *float64             `json:"max,omitempty"`
	Step     *float64             `json:"step,omitempty"`
	MaxBytes int                  `json:"maxBytes,omitempty"`
	Size     int                  `json:"size,omitempty"`
	BaseType string               `json:"baseType,omitempty"`
	Default  any                  `json:"default,omitempty"`
	On       string               `json:"on,omitempty"`
	Required bool                 `json:"required,omitempty"`
}

// UnmarshalJSON accepts the structured and the shorthand forms.
func (d *Decl) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if l, ok := raw["locales"]; ok {
		if err := json.Unmarshal(l, &d.Locales); err != nil {
			return fmt.Errorf("locales: %w", err)
		}
		delete(raw, "locales")
	}
	if t, ok := raw["types"]; ok && len(raw) == 1 {
		if err := json.Unmarshal(t, &d.Types); err != nil {
			return fmt.Errorf("types: %w", err)
		}
		return nil
	}
	d.Types = make(map[string]*TypeDecl, len(raw))
	for _, name := range ir.SortedKeys(raw) {
		td := &TypeDecl{}
		if err := json.Unmarshal(raw[name], td); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		d.Types[name] = td
	}
	return nil
}

// UnmarshalJSON treats an object whose only keys are props/blockCapacity as
// the structured form and anything else as a bare property map.
func (t *TypeDecl) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if structuredType(raw) {
		if err := json.Unmarshal(raw["props"], &t.Props); err != nil {
			return fmt.Errorf("props: %w", err)
		}
		if bc, ok := raw["blockCapacity"]; ok {
			if err := json.Unmarshal(bc, &t.BlockCapacity); err != nil {
				return fmt.Errorf("blockCapacity: %w", err)
			}
		}
		return nil
	}
	t.Props = make(map[string]*PropDecl, len(raw))
	for _, name := range ir.SortedKeys(raw) {
		pd := &PropDecl{}
		if err := json.Unmarshal(raw[name], pd); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		t.Props[name] = pd
	}
	return nil
}

func structuredType(raw map[string]json.RawMessage) bool {
	props, ok := raw["props"]
	if !ok || !bytes.HasPrefix(bytes.TrimSpace(props), []byte("{")) {
		return false
	}
	for k := range raw {
		if k != "props" && k != "blockCapacity" {
			return false
		}
	}
	return true
}

// UnmarshalJSON accepts ["en", "nl"] or {"en": {}, "nl": {"fallback": "en"}}.
func (l *Locales) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	out := Locales{}
	if bytes.HasPrefix(data, []byte("[")) {
		var tags []string
		if err := json.Unmarshal(data, &tags); err != nil {
			return err
		}
		for _, tag := range tags {
			out[tag] = &LocaleDecl{}
		}
		*l = out
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for tag, v := range raw {
		ld := &LocaleDecl{}
		if bytes.HasPrefix(bytes.TrimSpace(v), []byte("{")) {
			if err := json.Unmarshal(v, ld); err != nil {
				return fmt.Errorf("%s: %w", tag, err)
			}
		}
		out[tag] = ld
	}
	*l = out
	return nil
}

// UnmarshalJSON accepts the string, enum-list and object forms.
func (p *PropDecl) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty property declaration")
	}
	switch data[0] {
	case '"':
		return json.Unmarshal(data, &p.Type)
	case '[':
		return unmarshalEnum(data, &p.Enum)
	case '{':
		return p.unmarshalObject(data)
	}
	return fmt.Errorf("property declaration must be a string, list or object, got %s", data)
}

func (p *PropDecl) unmarshalObject(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range ir.SortedKeys(raw) {
		v := raw[k]
		if strings.HasPrefix(k, "$") {
			edge := &PropDecl{}
			if err := json.Unmarshal(v, edge); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			if p.Edges == nil {
				p.Edges = make(map[string]*PropDecl)
			}
			p.Edges[k] = edge
			continue
		}
		var err error
		switch k {
		case "type":
			err = json.Unmarshal(v, &p.Type)
		case "enum":
			err = unmarshalEnum(v, &p.Enum)
		case "ref":
			err = json.Unmarshal(v, &p.Ref)
		case "prop":
			err = json.Unmarshal(v, &p.Prop)
		case "items":
			p.Items = &PropDecl{}
			err = json.Unmarshal(v, p.Items)
		case "props":
			err = json.Unmarshal(v, &p.Props)
		case "min":
			err = json.Unmarshal(v, &p.Min)
		case "max":
			err = json.Unmarshal(v, &p.Max)
		case "step":
			err = json.Unmarshal(v, &p.Step)
		case "maxBytes":
			err = json.Unmarshal(v, &p.MaxBytes)
		case "size":
			err = json.Unmarshal(v, &p.Size)
		case "baseType":
			err = json.Unmarshal(v, &p.BaseType)
		case "default":
			err = json.Unmarshal(v, &p.Default)
		case "on":
			err = json.Unmarshal(v, &p.On)
		case "required":
			err = json.Unmarshal(v, &p.Required)
		default:
			err = fmt.Errorf("unknown key")
		}
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
	}
	return nil
}

// unmarshalEnum accepts strings and numbers; numbers are kept in their
// decimal form.
func unmarshalEnum(data []byte, dst *[]string) error {
	var vals []any
	if err := json.Unmarshal(data, &vals); err != nil {
		return err
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		switch v := v.(type) {
		case string:
			out = append(out, v)
		case float64:
			out = append(out, fmt.Sprint(v))
		default:
			return fmt.Errorf("enum values must be strings or numbers, got %T", v)
		}
	}
	*dst = out
	return nil
}

// Canonical returns the declaration as plain maps for hashing. Equal
// declarations produce equal canonical forms regardless of shorthand used.
func (d *Decl) Canonical() map[string]any {
	out := map[string]any{}
	if len(d.Locales) > 0 {
		locs := make(map[string]any, len(d.Locales))
		for tag, ld := range d.Locales {
			m := map[string]any{}
			if ld != nil {
				if ld.Fallback != "" {
					m["fallback"] = ld.Fallback
				}
				if ld.Required {
					m["required"] = true
				}
			}
			locs[tag] = m
		}
		out["locales"] = locs
	}
	types := make(map[string]any, len(d.Types))
	for name, td := range d.Types {
		if td == nil {
			types[name] = nil
			continue
		}
		tm := map[string]any{"props": canonicalProps(td.Props)}
		if td.BlockCapacity > 0 {
			tm["blockCapacity"] = td.BlockCapacity
		}
		types[name] = tm
	}
	out["types"] = types
	return out
}

func canonicalProps(props map[string]*PropDecl) map[string]any {
	out := make(map[string]any, len(props))
	for name, pd := range props {
		if pd == nil {
			out[name] = nil
			continue
		}
		out[name] = pd.canonical()
	}
	return out
}

func (p *PropDecl) canonical() map[string]any {
	m := map[string]any{}
	set := func(k string, v any, ok bool) {
		if ok {
			m[k] = v
		}
	}
	set("type", p.Type, p.Type != "")
	set("enum", p.Enum, len(p.Enum) > 0)
	set("ref", p.Ref, p.Ref != "")
	set("prop", p.Prop, p.Prop != "")
	if p.Items != nil {
		m["items"] = p.Items.canonical()
	}
	if p.Props != nil {
		m["props"] = canonicalProps(p.Props)
	}
	for k, e := range p.Edges {
		if e != nil {
			m[k] = e.canonical()
		}
	}
	if p.Min != nil {
		m["min"] = *p.Min
	}
	if p.Max != nil {
		m["max"] = *p.Max
	}
	if p.Step != nil {
		m["step"] = *p.Step
	}
	set("maxBytes", p.MaxBytes, p.MaxBytes != 0)
	set("size", p.Size, p.Size != 0)
	set("baseType", p.BaseType, p.BaseType != "")
	set("default", p.Default, p.Default != nil)
	set("on", p.On, p.On != "")
	set("required", true, p.Required)
	return m
}
