// Package resolver decides what happens to a stock-affecting sale recorded
// on a disconnected point-of-sale device once the device reconnects.
//
// Resolve takes the device's OfflineMutation and the server's current
// ServerSnapshot, classifies their causal relationship with vclock, and
// returns one of four terminal dispositions:
//
//	BEFORE              -> DISCARD_LOCAL  (server already has newer data)
//	AFTER               -> APPLY_LOCAL    (device dominates, applied as-is)
//	EQUAL | CONCURRENT  -> policy:
//	    controlled substance        -> MANUAL_INTERVENTION, audit required
//	    projected stock < 0         -> MANUAL_INTERVENTION
//	    otherwise                   -> MERGE (merged clock, projected stock)
//
// The resolver holds no state and never blocks. Applying a Resolution, and
// serializing applications per product, is the caller's job: two devices
// reconciling the same product must not both read a snapshot and both
// commit, or one update is lost. Callers that retry after a failed commit
// must fetch a fresh ServerSnapshot and call Resolve again.
//
// # Open policy questions
//
// Two behaviors are preserved as documented but exposed as Policy knobs,
// both off by default:
//
//   - GuardDominantWrites: the AFTER path skips the controlled-substance and
//     negative-stock checks. Enabling the guard runs those checks there too.
//   - EqualIsDuplicate: an EQUAL classification goes through the full
//     conflict policy. Enabling this treats it as a duplicate delivery and
//     discards it.
package resolver
