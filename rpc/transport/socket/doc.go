// Package socket implements the engine transport over tcp or unix sockets.
//
// Every peer listens on one endpoint and knows the endpoints of the owners it
// writes to (common.TransportConfig.Peers). A remote write is one frame carrying a
// serialized common.Message; the receiving peer applies it to its engine and answers
// with MsgTSuccess or MsgTError on the same connection.
//
// Frame format (big endian):
//
//	owner (8 bytes) | sequence number (8 bytes) | length (4 bytes) | payload
//
// The sequence number correlates responses with requests, so many writes share one
// connection per peer. Requests of a connection are processed by a bounded pool of
// workers. Failed sends are retried with exponential backoff; writes the peer
// rejected (ErrRejected) are not.
package socket
