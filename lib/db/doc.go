// Package db defines the storage interface of the tuplespace.
//
// The TupleDB interface maps a tuple identity (owner, key) to the current tuple
// and is the only place where tuples are mutated. Everything else (meta tuple
// resolution, subscriptions, callback dispatch) is layered on top of it.
//
// Key Components:
//
//   - TupleDB Interface: Write, Read, MatchAll plus metadata (GetInfo) and Close.
//
//   - WriteOptions: expiry relative to the write, the mime type, and the OnCommit
//     hook. OnCommit runs while the write still owns the entry, so the order of
//     OnCommit calls for one identity equals the commit order. The engine uses this
//     to enqueue notifications in write order without an extra lock.
//
//   - ReadOptions: wildcard owner reads (internal use only) and "old value"
//     filtering by write timestamp.
//
// Note on Time:
//   - Write timestamps are assigned by the database from its clock and are strictly
//     increasing across all writes of one database, even when the clock stands still
//     (as a mock clock in tests does).
//   - Expiry deadlines are absolute. A tuple whose deadline has passed is absent for
//     every operation, even if it has not been swept yet.
//
// Note on Garbage Collection:
//   - Implementations evict expired entries lazily on read and sweep the remainder in
//     the background. Sweeping never blocks readers or writers of other identities.
//
// Related Packages:
//
// The engines/maple package (github.com/ValentinKolb/dTS/lib/db/engines/maple) provides
// the sharded in-memory implementation.
//
// The testing package (github.com/ValentinKolb/dTS/lib/db/testing) provides
// standardized tests and benchmarks for TupleDB implementations.
//   - RunTupleDBTests: Runs a standardized test suite to validate implementations
//   - RunTupleDBBenchmarks: Provides performance benchmarks for comparing implementations
package db
