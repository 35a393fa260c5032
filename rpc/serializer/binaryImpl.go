package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dTS/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format.
//
// Layout: MsgType (1 byte), flags (2 bytes, big endian), then every field whose
// flag is set in the order of the flag bits. Strings and byte slices are prefixed
// with a uint32 length, integers are fixed 8 bytes.
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasRequestID uint16 = 1 << 0
	hasOrigin    uint16 = 1 << 1
	hasOwner     uint16 = 1 << 2
	hasKey       uint16 = 1 << 3
	hasMimeType  uint16 = 1 << 4
	hasExpireIn  uint16 = 1 << 5
	hasValue     uint16 = 1 << 6
	hasErr       uint16 = 1 << 7
	hasMeta      uint16 = 1 << 8
)

// headerSize is MsgType + flags
const headerSize = 3

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	result := make([]byte, b.sizeBytes(msg))
	result[0] = byte(msg.MsgType)

	var flags uint16
	pos := headerSize

	if msg.RequestID != "" {
		flags |= hasRequestID
		pos = putBytes(result, pos, []byte(msg.RequestID))
	}
	if msg.Origin != 0 {
		flags |= hasOrigin
		binary.BigEndian.PutUint64(result[pos:pos+8], uint64(msg.Origin))
		pos += 8
	}
	if msg.Owner != 0 {
		flags |= hasOwner
		binary.BigEndian.PutUint64(result[pos:pos+8], uint64(msg.Owner))
		pos += 8
	}
	if msg.Key != "" {
		flags |= hasKey
		pos = putBytes(result, pos, []byte(msg.Key))
	}
	if msg.MimeType != "" {
		flags |= hasMimeType
		pos = putBytes(result, pos, []byte(msg.MimeType))
	}
	if msg.ExpireIn > 0 {
		flags |= hasExpireIn
		binary.BigEndian.PutUint64(result[pos:pos+8], msg.ExpireIn)
		pos += 8
	}
	// a nil value and an empty value are different, the flag keeps them apart
	if msg.Value != nil {
		flags |= hasValue
		pos = putBytes(result, pos, msg.Value)
	}
	if msg.Err != "" {
		flags |= hasErr
		pos = putBytes(result, pos, []byte(msg.Err))
	}
	if msg.Meta != nil {
		flags |= hasMeta
		putBytes(result, pos, msg.Meta)
	}

	// Set flags after knowing which fields are present
	binary.BigEndian.PutUint16(result[1:3], flags)

	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}

	msg.MsgType = common.MessageType(data[0])
	flags := binary.BigEndian.Uint16(data[1:3])
	r := reader{data: data, pos: headerSize}

	msg.RequestID = ""
	if flags&hasRequestID != 0 {
		msg.RequestID = string(r.bytes("request id"))
	}
	msg.Origin = 0
	if flags&hasOrigin != 0 {
		msg.Origin = int64(r.uint64("origin"))
	}
	msg.Owner = 0
	if flags&hasOwner != 0 {
		msg.Owner = int64(r.uint64("owner"))
	}
	msg.Key = ""
	if flags&hasKey != 0 {
		msg.Key = string(r.bytes("key"))
	}
	msg.MimeType = ""
	if flags&hasMimeType != 0 {
		msg.MimeType = string(r.bytes("mime type"))
	}
	msg.ExpireIn = 0
	if flags&hasExpireIn != 0 {
		msg.ExpireIn = r.uint64("ExpireIn")
	}
	msg.Value = nil
	if flags&hasValue != 0 {
		msg.Value = r.copyBytes("value")
	}
	msg.Err = ""
	if flags&hasErr != 0 {
		msg.Err = string(r.bytes("error"))
	}
	msg.Meta = nil
	if flags&hasMeta != 0 {
		msg.Meta = r.copyBytes("meta")
	}

	return r.err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := headerSize

	if msg.RequestID != "" {
		size += 4 + len(msg.RequestID)
	}
	if msg.Origin != 0 {
		size += 8
	}
	if msg.Owner != 0 {
		size += 8
	}
	if msg.Key != "" {
		size += 4 + len(msg.Key)
	}
	if msg.MimeType != "" {
		size += 4 + len(msg.MimeType)
	}
	if msg.ExpireIn > 0 {
		size += 8
	}
	if msg.Value != nil {
		size += 4 + len(msg.Value)
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}
	if msg.Meta != nil {
		size += 4 + len(msg.Meta)
	}

	return size
}

// putBytes writes a length prefixed byte slice at pos and returns the new position
func putBytes(dst []byte, pos int, src []byte) int {
	binary.BigEndian.PutUint32(dst[pos:pos+4], uint32(len(src)))
	pos += 4
	copy(dst[pos:pos+len(src)], src)
	return pos + len(src)
}

// reader reads fields sequentially and remembers the first error.
// After an error every further read returns the zero value.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) uint64(field string) uint64 {
	if r.err != nil {
		return 0
	}
	if r.pos+8 > len(r.data) {
		r.err = fmt.Errorf("data too short for %s", field)
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.pos : r.pos+8])
	r.pos += 8
	return v
}

// bytes returns a view into the input, callers must copy if they keep it
func (r *reader) bytes(field string) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+4 > len(r.data) {
		r.err = fmt.Errorf("data too short for %s length", field)
		return nil
	}
	n := int(binary.BigEndian.Uint32(r.data[r.pos : r.pos+4]))
	r.pos += 4
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("data too short for %s data", field)
		return nil
	}
	v := r.data[r.pos : r.pos+n]
	r.pos += n
	return v
}

// copyBytes is like bytes but returns an owned (non nil) slice
func (r *reader) copyBytes(field string) []byte {
	v := r.bytes(field)
	if r.err != nil {
		return nil
	}
	return append(make([]byte, 0, len(v)), v...)
}
