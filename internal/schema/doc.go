// Package schema compiles declarative type definitions into the byte-layout
// descriptors shared by the modify encoder, the query compiler and the
// result decoder.
//
// Declarations are loose (a property may be "string", an enum list, or an
// object carrying type, ref, items, props and rule keys) and may be loaded
// from CUE, YAML or JSON. Compile turns them into an immutable Schema: a
// flat arena of Types indexed by id, each holding tagged Prop descriptors.
// References point at their target by type id only, so cyclic graphs need
// no embedded pointers.
//
// Layout rules:
//   - fixed-width properties and short strings (maxBytes <= 32) live in the
//     main record, sorted by size descending then path, packed contiguously
//   - every other property is separate and gets a dense id 1..N in path order
//   - id 0 is reserved for the main record block
//
// Every reference has exactly one inverse. Undeclared inverses are created
// on the target as references named _<type>_<prop>; an undeclared
// self-reference is its own inverse.
package schema
