// Package util provides the building blocks used by the tuple store engines
// and the callback dispatcher.
//
// The package contains:
//   - functions: seeding, FNV-1a hashing of (owner, key) identities, shard selection
//   - mapheap: a keyed priority queue used to schedule tuple expiry
//   - lockfreempsc: a lock-free multi-producer single-consumer queue used for
//     expiry events and per-subscription delivery mailboxes
//
// None of these types know anything about tuples; they are generic over the
// element or key type.
package util
