// Package vclock implements the causal clock used to reconcile offline
// point-of-sale mutations with server inventory.
//
// A Clock maps a device (node) identifier to a logical counter. Unset nodes
// read as 0. Clocks are values: Merge and Compare never modify their inputs,
// and Increment is the only in-place mutation, performed by the device that
// owns the clock before it records a new local event.
//
// Wall-clock timestamps are never consulted. Ordering is decided purely by
// the pointwise partial order over counters:
//
//	a.Compare(b) == Before     every a[n] <= b[n], at least one strictly less
//	a.Compare(b) == After      every a[n] >= b[n], at least one strictly greater
//	a.Compare(b) == Equal      a[n] == b[n] for every n
//	a.Compare(b) == Concurrent neither dominates
//
// Node identifiers are normalized to Unicode NFC on every entry point, so two
// spellings of the same identifier always address the same dimension.
package vclock
