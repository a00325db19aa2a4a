// Package peer implements the per-candidate state machine of the swarm.
//
// A Record is created the first time discovery reports a candidate address, or
// when an inbound connection is accepted, and it follows that peer through
// scheduling, dialing, connection and disconnection until the connection queue
// forgets it.
//
// # Status
//
// The status of a record is a bit set:
//
//	StatusProven      connected at least once
//	StatusReconnect   re-dial after the connection closes
//	StatusBanned      never schedule again
//	StatusActive      popped by the scheduler and not yet released
//	StatusTried       popped by the scheduler at least once
//	StatusFirewalled  never reached over the reliable transport
//
// The composite checks StatusBannedOrActive and StatusActiveOrTried are exposed
// as named predicates on Status.
//
// # Priority
//
// Priorities order scheduling, lower values first. A fresh record starts at
// PriorityLow when it is local, PriorityHigh when its referrer sits on the same
// host as the candidate itself, and PriorityMedium otherwise. Update recomputes
// the priority from the retry counter:
//
//	retries == 3  PriorityHigh
//	retries == 2  PriorityVeryLow
//	retries == 1  PriorityNone
//	retries == 0  PriorityLow (local) or PriorityMedium
//
// A record that was tried but never proven gets PriorityNotApplicable and is
// never inserted into the live queue.
//
// # Concurrency
//
// Records are not safe for concurrent use. They are owned by the scheduler's
// event loop and only mutated from it.
package peer
