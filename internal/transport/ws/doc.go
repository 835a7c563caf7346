// Package ws carries the engine boundary over WebSocket.
//
// Server wraps an engine and serves it over HTTP; Remote dials a server
// and implements engine.Engine and engine.SchemaNotifier, so a client
// cannot tell a remote engine from a local one. Engine errors keep their
// code across the wire, so engine.IsSchemaMismatch and friends work on
// either side.
//
// Requests from one connection are handled in arrival order. Schema
// generations installed by any client are pushed to every connection.
package ws
