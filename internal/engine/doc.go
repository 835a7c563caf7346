// Package engine implements the reference Tessel engine.
//
// The engine is the server side of the data plane: it installs schema
// generations, applies modify buffers, runs query programs and pushes
// live query results to subscribers.
//
// ARCHITECTURE:
//
// Single Writer:
// Every write, query and subscription refresh runs under one mutex
// against the SQLite node store, so a subscriber never sees a result
// between a commit and the refresh it triggers.
//
// Modify Flow:
//  1. The schema hash of the buffer is checked against the current generation
//  2. The buffer is parsed into operations (modify.Parse)
//  3. Each operation runs inside a savepoint; a failed operation is rolled
//     back and acknowledged with its status while the batch continues
//  4. The transaction commits, expiry timers are rearmed and subscriptions
//     reading a touched type are re-run
//
// Subscriptions:
// Each subscription owns a FIFO of results drained by its own goroutine,
// so a listener may call back into the engine without deadlocking.
//
// Time:
// Trigger timestamps and expiries read the injected clock.Clock; tests
// advance a virtual clock to fire expiries deterministically.
package engine
