// Package store provides SQLite-backed persistence for the reference
// engine's nodes.
//
// Tables:
//   - nodes: one main record per (type, id), with an optional expiry
//   - fields: separate field payloads per (type, id, prop, locale)
//   - refs: outgoing references in insertion order, with edge node ids
//   - aliases: unique alias values per (type, prop)
//   - sequences: per-type id allocation
//   - schemas: recorded schema generations as canonical JSON
//
// The store never interprets field payloads.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Fields, refs and aliases cascade with their node
package store
