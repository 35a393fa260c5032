// Package meta implements meta tuples: tuples whose payload names another tuple.
//
// A meta tuple gives callers a stable logical name (metaOwner, metaKey) whose
// physical binding (realOwner, realKey) can be repointed without touching
// subscribers. The Resolver declares meta tuples, rebinds them, resolves them and
// reads or writes through them.
//
// Resolution is always a single hop. Point refuses targets that are declared meta
// tuples and Declare refuses slots that are current targets, so there are no chains
// and no cycles.
//
// Errors:
//   - NotDeclared: ReadIndirect, WriteIndirect or Point on a slot that was never declared
//   - Unbound: the slot is declared but was never pointed anywhere
//   - NotFound: Resolve of a meta tuple that does not exist
package meta
