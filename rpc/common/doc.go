// Package common provides the data structures shared by the transport layer.
//
// Key Components:
//
//   - Message: the wire form of a remote tuple write (and of acknowledgements), with
//     conversions from and to engine.WriteRequest.
//
//   - MessageType: enumeration of all message kinds. Encoded as a string in JSON.
//
//   - TransportConfig: selects the transport (redis, tcp, unix) and holds its settings,
//     including the naming of the per owner write channels ("<prefix>:peis:<owner>:writes")
//     and the peer table of the socket transports.
//
//   - Logger: custom logging implementation plugged into dragonboat's logger package,
//     which every tuplespace package uses. InitLoggers sets the format and the level.
package common
