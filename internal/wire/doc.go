// Package wire holds the byte-level primitives shared by the modify encoder,
// the query compiler, the result decoder and the reference engine.
//
// All multi-byte integers are little-endian. Buffer writes never fail; the
// owner checks Fits after appending a unit of work and rewinds with Truncate
// when the unit does not fit. Reader uses a sticky error so call sites can
// decode a whole block and check Err once.
package wire
