// Package engine moves local mutations to the remote and remote changes
// into the local store.
//
// ARCHITECTURE:
//
// Drain:
// Drain takes ready rows from the sync queue, claims each one, sends it and
// records the outcome. Only one drain runs at a time. A Drain call that
// arrives while another is running returns immediately with Coalesced set,
// and the running drain makes one more pass before it returns. Passes repeat
// while rows were processed, so dependents unblocked by a success go out in
// the same drain.
//
// Pull:
// Pull walks entity types parents-first and pages through remote changes
// since each type's watermark. Every page is applied in one transaction
// together with the watermark advance. Rows with unsynced queue entries are
// left alone.
//
// Scheduling:
// Run is a cooperative loop: a periodic tick, external triggers (the change
// notifier, connectivity regained) and a retry timer armed at the earliest
// next_retry_at. Triggers coalesce through a one-slot channel.
//
// Connectivity:
// While offline no further rows are claimed. A request already on the wire
// is never cancelled; it finishes and its outcome is recorded.
package engine
