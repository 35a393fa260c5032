// Package engine is the tuplespace of one peis: the public surface that composes
// the store, the meta tuple resolver, the subscription registry and the dispatcher.
//
// Lifecycle:
//
//	e, err := engine.New(engine.DefaultConfig(1))
//	err = e.Start()
//	defer e.Stop()
//
// Writes:
//   - SetTuple / SetStringTuple write tuples of the local owner.
//   - SetRemoteTuple forwards writes to other owners through the Transport.
//   - ApplyRemote stores writes received from peers (the engine is the transport's Sink).
//   - SetTupleIndirectly writes the target of a meta tuple.
//
// Every write that succeeds is matched against the registered callbacks and one
// delivery per match is queued before the write returns. Callbacks run on the
// dispatcher, never on the writer's goroutine.
//
// Reads:
//   - GetTuple, GetTupleIndirectly, MatchTuples
//   - WaitTuple blocks until a tuple exists or the context ends
//
// Meta tuples hold "(META <owner> <key>)" or "()" while unbound. Meta callbacks
// follow the current target and receive its value whenever the meta tuple is
// pointed somewhere else.
//
// Errors are *tuple.Error values; compare them with errors.Is and the tuple.Err* sentinels.
package engine
