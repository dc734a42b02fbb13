// Package engine reconciles batches of offline mutations uploaded by POS
// devices against the inventory store.
//
// The engine is the caller the resolver expects: it fetches a snapshot,
// asks the resolver for a disposition and commits that disposition. It owns
// the obligations the resolver leaves to its caller:
//
// Serialization:
// Mutations for the same product are applied one at a time through a
// per-product lock, and every commit carries the clock of the snapshot it
// was resolved against. If the store reports the snapshot stale (another
// process wrote first) the engine re-reads and resolves again, up to
// MaxAttempts times.
//
// Acknowledgement:
// Every mutation gets exactly one recorded outcome keyed by
// (device, mutation id). Re-uploading a batch is safe: mutations that
// already have an outcome are reported as replayed and not resolved again.
//
// Compliance:
// Escalations flagged RequiresAudit are queued for review by the store and
// logged at Warn with compliance=true.
//
// Mutations within a batch are processed in upload order. Batches from
// different devices may be reconciled concurrently.
package engine
