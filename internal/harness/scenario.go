package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tessel/internal/schema"
)

// Scenario is a scripted session against a fresh reference engine.
// Steps run in order through one client; assertions run after the last
// step once everything pending has been drained.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description,omitempty"`

	// Schema is an inline declaration in the JSON/YAML schema format.
	// SchemaFile is used instead when set; relative paths resolve against
	// the scenario file.
	Schema     map[string]any `yaml:"schema,omitempty"`
	SchemaFile string         `yaml:"schema_file,omitempty"`

	// Session fixes the client session id. Defaults to "test-session".
	Session string `yaml:"session,omitempty"`

	// MaxModifySize bounds each modify buffer. Zero keeps the client
	// default.
	MaxModifySize int `yaml:"max_modify_size,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one scenario action.
//
// Mutations (create, update, upsert, delete, expire) name their handle
// with As; later steps refer to it as "@name" anywhere a node id or
// reference value is accepted. drain flushes pending mutations, advance
// moves the virtual clock, query runs a query document and set_schema
// switches to a new schema generation.
type Step struct {
	Op       string         `yaml:"op"`
	Type     string         `yaml:"type,omitempty"`
	As       string         `yaml:"as,omitempty"`
	Target   any            `yaml:"target,omitempty"`
	Props    map[string]any `yaml:"props,omitempty"`
	Duration string         `yaml:"duration,omitempty"`
	Query    map[string]any `yaml:"query,omitempty"`
	Schema   map[string]any `yaml:"schema,omitempty"`
	Expect   *Expect        `yaml:"expect,omitempty"`
}

// Expect states what a step must produce.
type Expect struct {
	// Error is a substring of the expected error. For mutations the error
	// may surface at encode time or when the batch is acknowledged.
	Error string `yaml:"error,omitempty"`

	// Result is subset-matched against a decoded query result.
	Result any `yaml:"result,omitempty"`

	// Count is the expected length of a list result.
	Count *int `yaml:"count,omitempty"`
}

// Assertion checks engine state after the last step.
type Assertion struct {
	// Type is one of node, missing or count.
	Type string `yaml:"type"`

	// Node is the type queried by the assertion.
	Node string `yaml:"node"`

	// Target selects one node for node and missing, as "@name" or an id.
	Target any `yaml:"target,omitempty"`

	// Include limits the fields read for node assertions.
	Include []string `yaml:"include,omitempty"`

	// Expect is subset-matched against the node.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Filter restricts count assertions; same form as a query filter.
	Filter map[string]any `yaml:"filter,omitempty"`
	Count  int            `yaml:"count,omitempty"`
}

// Step operations.
const (
	OpCreate    = "create"
	OpUpdate    = "update"
	OpUpsert    = "upsert"
	OpDelete    = "delete"
	OpExpire    = "expire"
	OpDrain     = "drain"
	OpAdvance   = "advance"
	OpQuery     = "query"
	OpSetSchema = "set_schema"
)

// Assertion types.
const (
	AssertNode    = "node"
	AssertMissing = "missing"
	AssertCount   = "count"
)

// LoadScenario reads a scenario file. Unknown fields are rejected so that
// typos do not silently skip checks. A relative schema_file is resolved
// against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if s.SchemaFile != "" && !filepath.IsAbs(s.SchemaFile) {
		s.SchemaFile = filepath.Join(filepath.Dir(path), s.SchemaFile)
	}
	return s, nil
}

// ParseScenario parses and validates a YAML scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// compileSchema builds the scenario's starting schema.
func (s *Scenario) compileSchema() (*schema.Schema, error) {
	var decl *schema.Decl
	var err error
	if s.SchemaFile != "" {
		decl, err = schema.LoadFile(s.SchemaFile)
	} else {
		decl, err = declFromMap(s.Schema)
	}
	if err != nil {
		return nil, err
	}
	return schema.Compile(decl)
}

func declFromMap(m map[string]any) (*schema.Decl, error) {
	js, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	return schema.LoadJSON(js)
}

func validateScenario(s *Scenario) error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if (s.Schema == nil) == (s.SchemaFile == "") {
		return fmt.Errorf("exactly one of schema and schema_file is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	for i, st := range s.Steps {
		if err := validateStep(i, st); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, st Step) error {
	switch st.Op {
	case OpCreate, OpUpsert:
		if st.Type == "" {
			return fmt.Errorf("steps[%d]: type is required for %s", i, st.Op)
		}
	case OpUpdate, OpDelete, OpExpire:
		if st.Type == "" || st.Target == nil {
			return fmt.Errorf("steps[%d]: type and target are required for %s", i, st.Op)
		}
		if st.Op == OpExpire {
			if _, err := time.ParseDuration(st.Duration); err != nil {
				return fmt.Errorf("steps[%d]: expire needs a duration: %w", i, err)
			}
		}
	case OpAdvance:
		d, err := time.ParseDuration(st.Duration)
		if err != nil || d <= 0 {
			return fmt.Errorf("steps[%d]: advance needs a positive duration", i)
		}
	case OpQuery:
		if st.Query == nil {
			return fmt.Errorf("steps[%d]: query is required", i)
		}
	case OpSetSchema:
		if st.Schema == nil {
			return fmt.Errorf("steps[%d]: schema is required for set_schema", i)
		}
	case OpDrain:
	case "":
		return fmt.Errorf("steps[%d]: op is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", i, st.Op)
	}
	if st.As != "" && strings.HasPrefix(st.As, "@") {
		return fmt.Errorf("steps[%d]: as names a handle without the @ prefix", i)
	}
	return nil
}

func validateAssertion(i int, a Assertion) error {
	if a.Node == "" {
		return fmt.Errorf("assertions[%d]: node is required", i)
	}
	switch a.Type {
	case AssertNode:
		if a.Target == nil || len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: target and expect are required for node", i)
		}
	case AssertMissing:
		if a.Target == nil {
			return fmt.Errorf("assertions[%d]: target is required for missing", i)
		}
	case AssertCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", i)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	return nil
}
