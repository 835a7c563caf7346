// Package reader decodes engine result buffers using the Reader Schema the
// query compiler emits alongside each program.
//
// A result is [u32 n] items followed by a trailing u64 checksum of
// everything before it. Each item is [u32 id][u32 len] and a run of
// tagged blocks:
//
//	ResMain  [u16 len][main bytes]
//	ResField [prop][u32 len][payload]
//	ResRef   [prop][u32 len][item]
//	ResRefs  [prop][u32 len][u32 n][item]*
//	ResEdge  [u32 len][blocks scoped to the edge table]
//	ResMeta  [prop][locale][compressed][u32 size][u32 crc][u32 len][value]
//
// Aggregate results replace the items with [u32 groups] followed by
// [u16 keyLen][key][results] per group.
//
// Requested fields missing from an item are filled with the canonical empty
// value of their type, so the decoded shape never depends on stored data.
package reader
