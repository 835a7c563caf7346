package store

import (
	"fmt"
	"strconv"

	"github.com/roach88/tessel/internal/ir"
	"github.com/roach88/tessel/internal/schema"
)

// marshalDecl converts a schema declaration to canonical JSON TEXT for
// storage. Equal declarations store identical text.
func marshalDecl(decl *schema.Decl) (string, error) {
	data, err := ir.MarshalCanonical(decl.Canonical())
	if err != nil {
		return "", fmt.Errorf("marshal decl: %w", err)
	}
	return string(data), nil
}

// unmarshalDecl parses a stored declaration.
func unmarshalDecl(data string) (*schema.Decl, error) {
	decl, err := schema.LoadJSON([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal decl: %w", err)
	}
	return decl, nil
}

// formatHash renders a schema hash as 16 hex digits. SQLite integers are
// signed, so hashes are stored as text.
func formatHash(h uint64) string {
	return fmt.Sprintf("%016x", h)
}

func parseHash(s string) (uint64, error) {
	h, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse schema hash %q: %w", s, err)
	}
	return h, nil
}
