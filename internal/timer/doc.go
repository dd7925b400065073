// Package timer owns the entity -> timer record table.
//
// The Registry is the only writer of timer records. Every mutation is serialized
// per entity, persisted as a versioned snapshot, and mirrored into the wake bridge.
// Wake and snapshot failures are logged and left for the health monitor to repair;
// they never fail the caller.
//
// Before a Registry accepts calls, a RecoveryCoordinator must reconcile the
// persisted snapshot with the wakes still pending in the bridge.
package timer
