package engine

import (
	"errors"
	"fmt"
)

// Error is an engine-side failure reported to the client.
//
// Engine errors include:
//   - Missing schema: no generation was set before a modify or query
//   - Schema mismatch: the buffer was encoded for another generation
//   - Malformed buffer: a modify buffer or query program failed to parse
//   - Quota exceeded: a query visited more nodes than allowed
//
// Error is carried verbatim across transports; Err is local only.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeNoSchema indicates no schema generation is set.
	ErrCodeNoSchema ErrorCode = "NO_SCHEMA"

	// ErrCodeSchemaMismatch indicates a buffer carries a stale schema hash.
	ErrCodeSchemaMismatch ErrorCode = "SCHEMA_MISMATCH"

	// ErrCodeMalformed indicates a buffer or program that does not parse.
	ErrCodeMalformed ErrorCode = "MALFORMED"

	// ErrCodeQuotaExceeded indicates a query visited too many nodes.
	ErrCodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"

	// ErrCodeClosed indicates the engine was closed.
	ErrCodeClosed ErrorCode = "CLOSED"

	// ErrCodeInternal indicates a storage failure.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsSchemaMismatch returns true if the error is a schema mismatch.
// Uses errors.As to handle wrapped errors.
func IsSchemaMismatch(err error) bool {
	return hasCode(err, ErrCodeSchemaMismatch)
}

// IsQuotaError returns true if the error is a quota exceeded error.
func IsQuotaError(err error) bool {
	return hasCode(err, ErrCodeQuotaExceeded)
}

// IsMalformed returns true if the engine could not parse its input.
func IsMalformed(err error) bool {
	return hasCode(err, ErrCodeMalformed)
}

// IsClosed returns true if the engine was closed.
func IsClosed(err error) bool {
	return hasCode(err, ErrCodeClosed)
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// NewSchemaMismatchError creates an Error for a stale schema hash.
func NewSchemaMismatchError(got, want uint64) *Error {
	return &Error{
		Code:    ErrCodeSchemaMismatch,
		Message: fmt.Sprintf("schema hash %016x, engine has %016x", got, want),
		Details: map[string]string{
			"got":  fmt.Sprintf("%016x", got),
			"want": fmt.Sprintf("%016x", want),
		},
	}
}

// NewQuotaError creates an Error for a query over its scan quota.
func NewQuotaError(steps, maxSteps int) *Error {
	return &Error{
		Code:    ErrCodeQuotaExceeded,
		Message: fmt.Sprintf("query exceeded max scanned nodes (%d > %d)", steps, maxSteps),
		Details: map[string]string{
			"steps":     fmt.Sprintf("%d", steps),
			"max_steps": fmt.Sprintf("%d", maxSteps),
		},
	}
}

func malformed(what string, err error) *Error {
	return &Error{Code: ErrCodeMalformed, Message: fmt.Sprintf("%s: %v", what, err), Err: err}
}

func internal(what string, err error) *Error {
	return &Error{Code: ErrCodeInternal, Message: fmt.Sprintf("%s: %v", what, err), Err: err}
}

var (
	errNoSchema = &Error{Code: ErrCodeNoSchema, Message: "no schema set"}
	errClosed   = &Error{Code: ErrCodeClosed, Message: "engine closed"}
)
