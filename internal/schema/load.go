package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"
)

// LoadJSON parses a JSON declaration.
func LoadJSON(data []byte) (*Decl, error) {
	decl := &Decl{}
	if err := json.Unmarshal(data, decl); err != nil {
		return nil, &SchemaError{Code: ErrInvalidDecl, Message: err.Error()}
	}
	return decl, nil
}

// LoadYAML parses a YAML declaration. The document is converted to JSON so
// both sources share one set of shorthand rules.
func LoadYAML(data []byte) (*Decl, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &SchemaError{Code: ErrInvalidDecl, Message: err.Error()}
	}
	if doc == nil {
		return nil, &SchemaError{Code: ErrEmptySchema, Message: "empty document"}
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return nil, &SchemaError{Code: ErrInvalidDecl, Message: err.Error()}
	}
	return LoadJSON(js)
}

// LoadCUE reads a declaration from a concrete CUE value.
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`types: user: name: "string"`)
//	decl, err := LoadCUE(v)
func LoadCUE(v cue.Value) (*Decl, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}
	js, err := v.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	return LoadJSON(js)
}

// LoadFile loads a declaration, picking the parser from the extension
// (.cue, .yaml, .yml, .json).
func LoadFile(path string) (*Decl, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		ctx := cuecontext.New()
		return LoadCUE(ctx.CompileBytes(data, cue.Filename(path)))
	case ".yaml", ".yml":
		return LoadYAML(data)
	case ".json":
		return LoadJSON(data)
	}
	return nil, fmt.Errorf("unsupported schema file extension %q", filepath.Ext(path))
}

// CUEError is a CUE evaluation failure with its source position.
type CUEError struct {
	Message string
	Pos     token.Pos
}

func (e *CUEError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &CUEError{Message: first.Error(), Pos: positions[0]}
	}
	return &CUEError{Message: first.Error()}
}
