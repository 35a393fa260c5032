// Package transport groups the implementations of engine.Transport, the
// collaborator that carries writes to tuples of other owners.
//
//   - redis: Redis pub/sub, one channel per owner, fire and forget.
//   - socket: tcp or unix sockets with a static peer table, every write acknowledged.
//   - loopback: engines inside one process, no serialization.
//
// redis and socket send common.Message values encoded by the configured serializer,
// so all peers of a deployment must use the same one.
package transport
