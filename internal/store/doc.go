// Package store provides the SQLite unit-of-work Store.
//
// Each declared entity type maps to one table. A Store owns the database
// and the entity specs; a Session tracks the entities loaded, added,
// modified and removed during one unit of work and commits them in a single
// transaction.
//
// Sessions implement the router.Store boundary:
//   - HasPendingChanges / PendingEntries enumerate tracked entries with
//     their original and current value snapshots
//   - ResolveIdentity reports primary keys (store-generated keys become
//     known after Commit)
//   - Commit writes the pending changes and resets tracking
//
// Auto-detect is on by default: pending changes are recomputed from the
// entities' current values before they are enumerated, so callers mutate
// entities directly with ir.Entity.Set.
//
// Query results are ordered by primary key so enumeration is
// deterministic.
package store
