// Package store provides SQLite-backed durable state for the sync server.
//
// Tables:
//   - products: current stock and server vector clock per product
//   - outcomes: one row per acknowledged mutation, keyed by (device, mutation)
//   - audit_queue: manual-intervention entries awaiting review
//
// # Commit discipline
//
// Apply is the only write path for synchronized mutations. It checks the
// stored clock against the clock the resolution was computed from and
// fails with ErrStaleSnapshot when another writer got there first, so
// callers re-read the snapshot and resolve again. Stock, clock, outcome and
// audit entry are written in one transaction.
//
// Ordering uses seq INTEGER columns assigned inside that transaction,
// never timestamps.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
