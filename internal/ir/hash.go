package ir

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for algorithm migration.
const (
	DomainSchema = "tessel/schema/v1"
	DomainQuery  = "tessel/query/v1"
	DomainResult = "tessel/result/v1"
)

// HashWithDomain computes a 64-bit hash with domain separation.
// Format: xxhash64(domain + 0x00 + data)
// The null separator prevents domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(domain)
	_, _ = d.Write([]byte{0x00})
	_, _ = d.Write(data)
	return d.Sum64()
}

// SchemaHash computes the content hash of a schema declaration.
// The hash travels in every modify buffer and query program so client and
// engine can detect drift.
func SchemaHash(decl any) (uint64, error) {
	canonical, err := MarshalCanonical(decl)
	if err != nil {
		return 0, fmt.Errorf("SchemaHash: failed to marshal: %w", err)
	}
	return HashWithDomain(DomainSchema, canonical), nil
}

// Fingerprint identifies a logical query under one schema generation.
// Equal fingerprints imply byte-identical programs.
func Fingerprint(ast any, schemaHash uint64) (uint64, error) {
	canonical, err := MarshalCanonical(ast)
	if err != nil {
		return 0, fmt.Errorf("Fingerprint: failed to marshal: %w", err)
	}
	d := xxhash.New()
	_, _ = d.WriteString(DomainQuery)
	_, _ = d.Write([]byte{0x00})
	_, _ = d.WriteString(fmt.Sprintf("%016x", schemaHash))
	_, _ = d.Write([]byte{0x00})
	_, _ = d.Write(canonical)
	return d.Sum64(), nil
}

// Checksum computes the trailing word of a query result body.
func Checksum(body []byte) uint64 {
	return HashWithDomain(DomainResult, body)
}

// MustSchemaHash is like SchemaHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustSchemaHash(decl any) uint64 {
	h, err := SchemaHash(decl)
	if err != nil {
		panic(err)
	}
	return h
}
