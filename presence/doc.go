// Package presence implements the per-device presence state machine.
//
// A Device records when it last heard a heartbeat. Every heartbeat announces
// the device online and schedules one delayed timeout-check. When a check
// arrives the device re-decides staleness from its current state: if more
// than OfflineAfter has elapsed since the last heartbeat it announces the
// device offline, otherwise the check is discarded. Because the decision is
// recomputed rather than carried in the check, reordered and duplicated
// checks are harmless.
//
// Online and offline are never stored. They are inferred from
// LastCommunication and the current time:
//
//	unknown --heartbeat--> online --check(elapsed > window)--> offline
//	                         ^  |                                 |
//	                         +--+ heartbeat        heartbeat -----+
//
// A Device is not safe for concurrent use. The dispatch package gives each
// device id a single owning goroutine.
package presence
