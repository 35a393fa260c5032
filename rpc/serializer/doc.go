// Package serializer turns common.Message values into bytes and back. Peers of the
// tuplespace exchange remote writes in this form, so both ends must agree on the
// serializer (see the --serializer flag).
//
// Implementations:
//
//   - binarySerializerImpl: compact custom format. A 16 bit flag field records which
//     optional fields follow, so absent fields cost nothing. A nil Value and an empty
//     Value are kept apart. This is the default.
//
//   - jsonSerializerImpl: encoding/json, readable on the wire (redis-cli MONITOR)
//     which helps while debugging. Empty byte slices come back as nil.
//
//   - gobSerializerImpl: encoding/gob. Slower and larger than binary, kept for
//     comparison in the benchmarks.
//
// All serializers are stateless and safe for concurrent use.
//
// Usage:
//
//	s, err := serializer.ByName("binary")
//	data, err := s.Serialize(*common.NewTupleSetRequest(req))
//	// ... publish data ...
//	var msg common.Message
//	err = s.Deserialize(data, &msg)
package serializer
