// Package subscribe keeps live queries in sync with an engine and tells
// listeners only about results that changed.
//
// A Manager holds one Subscription per compiled query fingerprint, so any
// number of identical queries share one engine subscription. Each
// Subscription moves through these states:
//
//	idle -> running -> comparing -> notifying -> idle
//
// A run starts when the engine pushes a result or when Invalidate
// schedules a re-run after the throttle window. Comparing checks the byte
// length and trailing checksum of the new result against the last one;
// listeners are only called when either differs.
//
// Removing the last listener starts a grace timer. A listener added
// before it fires keeps the subscription (and its cached result) alive;
// otherwise the engine subscription is cancelled.
//
// SchemaChanged recompiles every subscription from its query so listeners
// survive a schema generation change.
package subscribe
