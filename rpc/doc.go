// Package rpc connects tuplespace engines of different peis.
//
// The package is organized into several subpackages:
//
//   - common: the wire message, transport configuration and logging setup.
//
//   - serializer: message serialization with multiple format options (Binary, JSON, GOB).
//
//   - transport/redis: a Redis pub/sub transport. Each owner listens on its own
//     channel and remote writes are published to the channel of the target owner.
//
//   - transport/socket: tcp or unix sockets. Peers are configured statically and every
//     write is acknowledged by the owning engine.
//
//   - transport/loopback: an in-process transport connecting engines of one process,
//     used in tests and for running several peis in one binary.
package rpc
