// Package modify encodes create, update, upsert, delete and expire calls
// into the binary instruction stream an engine applies.
//
// A buffer starts with the 8-byte schema hash and holds operations in
// encode order. Each operation is a cursor
//
//	[op u8][type u16][targetKind u8][target u32][handle u32]
//
// followed by field instructions [prop u8][fieldOp u8][payload] and the
// end marker 0xFF. Main record fields use prop 0.
//
// Ctx owns the buffer. When an operation does not fit it flushes the
// batch through the configured FlushFunc and retries once on the empty
// buffer; creates return Handles that later operations in the same batch
// may reference before the engine has assigned ids.
package modify
