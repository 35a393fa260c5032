// Package subscription tracks standing interest in tuples.
//
// A Subscription pairs a pattern (owner matcher and key matcher) with a Callback
// and a mode. Direct subscriptions match tuple identities. Indirect subscriptions
// name one meta tuple and follow whatever tuple it currently points to.
//
// The Registry indexes subscriptions so that a committed tuple can be matched
// without scanning every concrete subscription:
//
//   - Match(t) returns the subscriptions to notify about t, and if t is a meta
//     tuple, moves the indirect subscriptions following it to the new target.
//   - Rebinding is monotonic in the meta tuple's write stamp. The caller can apply
//     meta tuples it read itself (for example right after subscribing) without
//     risking to undo a newer binding.
//
// Handles are opaque pointers. Removing an unknown handle, or the same handle twice,
// fails with InvalidHandle.
//
// The registry never calls callbacks. Delivery is the job of the dispatch package.
package subscription
