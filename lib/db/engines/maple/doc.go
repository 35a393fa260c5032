// Package maple implements an in-memory tuple database (db.TupleDB) with sharded
// storage and background expiry.
//
// The package focuses on:
//   - Writes to different identities that never wait for each other
//   - Atomic replace of a tuple, so no reader observes a half updated record
//   - Expiry that is exact for readers and cheap for writers
//
// Key Components:
//
//   - mapleImpl: The central database structure implementing db.TupleDB. It owns the
//     shards, assigns write timestamps and runs one sweeper goroutine per shard.
//
//   - Shard: A partition of the identity space. Each shard has its own concurrent map
//     (xsync.MapOf keyed by tuple.ID), its own expiry heap and its own event queue.
//     Identities are spread over shards by an FNV-1a hash of (owner, key) with a
//     database specific seed.
//
//   - Entry: Payload, mime type, write stamp and expiry deadline of a stored tuple.
//     Deadlines and stamps are unix nanoseconds taken from the injected clock.
//
// Internal Mechanisms:
//
//   - Atomic Replace: every write runs inside xsync.MapOf.Compute, which holds the
//     bucket of the identity for the duration of the callback. The new entry is
//     built, stamped and handed to the OnCommit hook before the callback returns.
//     Because of this the OnCommit calls of one identity happen in commit order.
//
//   - Write Stamps: stamps follow the clock but are forced to be strictly increasing
//     with a CompareAndSwap loop on the last stamp. Two writes never share a stamp,
//     even with a mock clock that does not move.
//
//   - Lazy Eviction: a read that finds an expired entry deletes it inside the same
//     Compute call and reports NotFound. Scans skip expired entries without deleting.
//
// Garbage Collection:
//
//   - Writes with a deadline push a track event to the shard's lock-free MPSC queue.
//     Rewrites without a deadline and evictions push an untrack event. Events are
//     pushed while the entry is held, so they reach the sweeper in commit order.
//
//   - The sweeper of a shard folds events into its expiry heap (a util.MapHeap keyed
//     by identity) until its timer fires, then evicts every entry whose deadline has
//     passed. Each eviction re-checks the entry inside Compute because it may have been
//     rewritten with a new deadline in the meantime.
//
//   - Close() closes the event queues and waits for all sweepers to return.
package maple
