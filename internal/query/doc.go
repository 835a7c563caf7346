// Package query compiles query ASTs into linear byte-code programs and the
// reader.Schema that decodes their results.
//
// A program is
//
//	[u64 schemaHash][u8 kind][u16 type][target]
//	[u32 offset][u32 limit][u32 len][filter][sort][u32 len][body]
//
// where body is either include instructions or an aggregate block.
// Reference includes embed a sub-program for the target type, so one
// program describes the whole include tree. The same AST always compiles
// to the same bytes; Fingerprint hashes the canonical AST together with the
// schema hash and is used to deduplicate subscriptions.
//
// Parse reads a program back into a Program tree. Engines use it to
// execute byte-code without depending on the AST.
package query
