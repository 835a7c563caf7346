// Package ir provides the canonical representation shared by every tessel
// component: the single type-tag enumeration, canonical JSON used for content
// hashing, and the domain-separated hashes derived from it.
//
// This package imports nothing internal. Schema, modify, query and reader all
// agree on wire semantics through the constants defined here; no other
// package declares its own numeric type tags.
//
// Key design constraints:
//   - exactly one TypeTag enumeration, shared by encoder, compiler and decoder
//   - canonical JSON sorts object keys by UTF-16 code units (RFC 8785)
//   - hashes are domain-separated so a schema and a query can never collide
package ir
