package common

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ValentinKolb/dTS/lib/engine"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message is the wire form of everything peers exchange.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Request fields
	RequestID string `json:"request_id,omitempty"` // uuid of the write request
	Origin    int64  `json:"origin,omitempty"`     // owner id of the sender
	Owner     int64  `json:"owner,omitempty"`      // owner of the target tuple
	Key       string `json:"key,omitempty"`        // key of the target tuple
	MimeType  string `json:"mime_type,omitempty"`  // content type of Value
	ExpireIn  uint64 `json:"expireIn,omitempty"`   // lifetime in nanoseconds (0 = never)
	Value     []byte `json:"value,omitempty"`      // payload

	// Response only fields
	Err string `json:"err,omitempty"` // Empty if no error, otherwise contains the error message

	// Meta information
	Meta []byte `json:"meta,omitempty"` // Unused, free for transport specific data
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewTupleSetRequest creates the message for a remote tuple write
func NewTupleSetRequest(req engine.WriteRequest) *Message {
	msg := &Message{
		MsgType:   MsgTTupleSet,
		RequestID: req.ID.String(),
		Origin:    int64(req.Origin),
		Owner:     int64(req.Owner),
		Key:       req.Key,
		MimeType:  req.MimeType,
		Value:     req.Data,
	}
	if req.ExpireAfter > 0 {
		msg.ExpireIn = uint64(req.ExpireAfter.Nanoseconds())
	}
	if msg.Value == nil {
		msg.Value = []byte{}
	}
	return msg
}

// NewSuccessResponse creates a response acknowledging the request requestID
func NewSuccessResponse(requestID string) *Message {
	return &Message{
		MsgType:   MsgTSuccess,
		RequestID: requestID,
	}
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(requestID string, err string) *Message {
	return &Message{
		MsgType:   MsgTError,
		RequestID: requestID,
		Err:       err,
	}
}

// NewCustomRequest creates a new Custom request
func NewCustomRequest(meta []byte) *Message {
	return &Message{
		MsgType: MsgTCustom,
		Meta:    meta,
	}
}

// WriteRequest converts a tuple set message back into a write request
func (m *Message) WriteRequest() (engine.WriteRequest, error) {
	if m.MsgType != MsgTTupleSet {
		return engine.WriteRequest{}, fmt.Errorf("message of type %s is not a tuple write", m.MsgType)
	}

	id, err := uuid.Parse(m.RequestID)
	if err != nil {
		return engine.WriteRequest{}, fmt.Errorf("invalid request id %q: %w", m.RequestID, err)
	}

	return engine.WriteRequest{
		ID:          id,
		Origin:      int(m.Origin),
		Owner:       int(m.Owner),
		Key:         m.Key,
		Data:        m.Value,
		MimeType:    m.MimeType,
		ExpireAfter: time.Duration(m.ExpireIn),
	}, nil
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message exchanged between peers.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTSuccess:
		return "success"
	case MsgTError:
		return "error"
	case MsgTTupleSet:
		return "tupleSet"
	case MsgTCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "unknown":
		*t = MsgTUnknown
	case "success":
		*t = MsgTSuccess
	case "error":
		*t = MsgTError
	case "tupleSet":
		*t = MsgTTupleSet
	case "custom":
		*t = MsgTCustom
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}

	return nil
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Tuplespace operations

	MsgTTupleSet // Write a tuple of the receiving owner

	// Custom operations

	MsgTCustom // Custom operation type
)
