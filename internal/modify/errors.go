package modify

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
)

// PreviewLen is the number of characters of a rejected value kept in
// PropertyValidationError.
const PreviewLen = 30

// PropertyValidationError reports a value that fails its property's rule.
// The operation it belongs to is not encoded.
type PropertyValidationError struct {
	Type  string
	Path  string
	Value string // truncated preview
	Rule  string
}

func (e *PropertyValidationError) Error() string {
	return fmt.Sprintf("invalid %s.%s: %s (got %s)", e.Type, e.Path, e.Rule, e.Value)
}

// IsValidationError reports whether err is a PropertyValidationError.
func IsValidationError(err error) bool {
	var ve *PropertyValidationError
	return errors.As(err, &ve)
}

func invalid(typ, path string, v any, format string, args ...any) error {
	return &PropertyValidationError{
		Type:  typ,
		Path:  path,
		Value: Preview(v),
		Rule:  fmt.Sprintf(format, args...),
	}
}

// Preview renders v for error messages, truncated to PreviewLen characters
// with the full length appended.
func Preview(v any) string {
	var s string
	switch v := v.(type) {
	case string:
		s = fmt.Sprintf("%q", v)
		if n := utf8.RuneCountInString(v); n > PreviewLen {
			s = fmt.Sprintf("%q…(%d chars)", truncate(v, PreviewLen), n)
		}
		return s
	case []byte:
		if len(v) > PreviewLen {
			return fmt.Sprintf("%x…(%d bytes)", v[:PreviewLen/2], len(v))
		}
		return fmt.Sprintf("%x", v)
	case nil:
		return "null"
	}
	s = fmt.Sprint(v)
	if n := utf8.RuneCountInString(s); n > PreviewLen {
		return fmt.Sprintf("%s…(%d chars)", truncate(s, PreviewLen), n)
	}
	return s
}

func truncate(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// errOverflow signals that an operation did not fit in the buffer. It is
// handled by flushing and never returned to callers.
var errOverflow = errors.New("modify buffer overflow")

// PayloadTooLargeError reports an operation that does not fit in an
// empty buffer.
type PayloadTooLargeError struct {
	Op   string
	Type string
	Size int
	Max  int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("%s %s: payload of %s exceeds max modify size %s",
		e.Op, e.Type, humanize.Bytes(uint64(e.Size)), humanize.Bytes(uint64(e.Max)))
}

// IsPayloadTooLarge reports whether err is a PayloadTooLargeError.
func IsPayloadTooLarge(err error) bool {
	var pe *PayloadTooLargeError
	return errors.As(err, &pe)
}

// DependencyError reports an operation that depends on a handle whose
// operation was rejected or never acknowledged.
type DependencyError struct {
	Op     string
	Type   string
	Reason string
	Err    error // the dependency's own failure, if known
}

func (e *DependencyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: dependency failed: %s: %v", e.Op, e.Type, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s %s: dependency failed: %s", e.Op, e.Type, e.Reason)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// IsDependencyError reports whether err is a DependencyError.
func IsDependencyError(err error) bool {
	var de *DependencyError
	return errors.As(err, &de)
}

// AckError reports an operation the engine did not apply.
type AckError struct {
	Op     string
	Type   string
	Status Status
}

func (e *AckError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Type, e.Status)
}

// IsNotFound reports whether err is an AckError with StatusNotFound.
func IsNotFound(err error) bool {
	var ae *AckError
	return errors.As(err, &ae) && ae.Status == StatusNotFound
}

// BufferError reports a malformed modify buffer.
type BufferError struct {
	Offset int
	Reason string
}

func (e *BufferError) Error() string {
	return fmt.Sprintf("modify buffer at offset %d: %s", e.Offset, e.Reason)
}

// IsBufferError reports whether err is a BufferError.
func IsBufferError(err error) bool {
	var be *BufferError
	return errors.As(err, &be)
}
