// Package redis implements the engine transport on top of Redis pub/sub.
//
// Each owner subscribes to "<prefix>:peis:<owner>:writes" and applies what arrives
// there to its own engine. A remote write publishes one serialized common.Message
// of type MsgTTupleSet on the channel of the target owner.
//
// There is no acknowledgement: the sender learns the number of subscribers that
// received the message, nothing more. Use the socket transport when the writer
// must know that the write was applied.
package redis
