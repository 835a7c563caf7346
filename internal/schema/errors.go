package schema

import (
	"errors"
	"fmt"
)

// Schema error codes (E200-E299)
const (
	ErrEmptySchema     = "E200" // no types declared
	ErrInvalidTypeName = "E201" // empty or reserved type name
	ErrInvalidPropName = "E202" // empty, dotted or reserved property name
	ErrUnknownPropType = "E203" // declaration does not resolve to a type tag
	ErrMissingRefType  = "E204" // reference target type not declared
	ErrEdgeBothSides   = "E205" // edge props declared on both sides
	ErrInvalidInverse  = "E206" // declared inverse is not a matching reference
	ErrDuplicateProp   = "E207" // property path or inverse pairing collides
	ErrTooManyProps    = "E208" // more than MaxSeparateProps separate props
	ErrInvalidDefault  = "E209" // default value violates the property rule
	ErrInvalidEnum     = "E210" // empty, duplicate or oversized enum
	ErrInvalidLocale   = "E211" // locale is not a BCP 47 tag or bad fallback
	ErrInvalidVector   = "E212" // vector without size or with unknown base type
	ErrInvalidRule     = "E213" // min > max, negative maxBytes, bad trigger
	ErrInvalidEdgeProp = "E214" // edge prop is not a plain $-prefixed value
	ErrInvalidDecl     = "E215" // malformed declaration source
)

// SchemaError reports one structural problem in a declaration.
// Compile collects every SchemaError and returns them joined.
type SchemaError struct {
	Code    string `json:"code"`
	Type    string `json:"type,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e *SchemaError) Error() string {
	switch {
	case e.Type != "" && e.Path != "":
		return fmt.Sprintf("[%s] %s.%s: %s", e.Code, e.Type, e.Path, e.Message)
	case e.Type != "":
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Type, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// IsSchemaError reports whether err contains a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// Errors flattens a joined compile error into its SchemaErrors.
func Errors(err error) []*SchemaError {
	if err == nil {
		return nil
	}
	var out []*SchemaError
	var walk func(error)
	walk = func(e error) {
		if se, ok := e.(*SchemaError); ok {
			out = append(out, se)
			return
		}
		if j, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range j.Unwrap() {
				walk(inner)
			}
			return
		}
		if next := errors.Unwrap(e); next != nil {
			walk(next)
		}
	}
	walk(err)
	return out
}
