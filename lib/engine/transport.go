package engine

import (
	"context"
	"time"

	"github.com/ValentinKolb/dTS/lib/tuple"
	"github.com/google/uuid"
)

// WriteRequest is a write addressed to the tuple of another owner
type WriteRequest struct {
	ID          uuid.UUID     // unique per request, used to correlate logs
	Origin      int           // owner id of the sender
	Owner       int           // owner of the target tuple
	Key         string        // key of the target tuple
	Data        []byte        // payload
	MimeType    string        // optional content type
	ExpireAfter time.Duration // 0 = never expires
}

// NewWriteRequest creates a request with a fresh id
func NewWriteRequest(origin int, id tuple.ID, data []byte) WriteRequest {
	return WriteRequest{
		ID:     uuid.New(),
		Origin: origin,
		Owner:  id.Owner,
		Key:    id.Key,
		Data:   data,
	}
}

// Target returns the identity of the tuple the request writes
func (r WriteRequest) Target() tuple.ID {
	return tuple.ID{Owner: r.Owner, Key: r.Key}
}

// Transport delivers write requests to the engine of the owning peis.
type Transport interface {
	ForwardWrite(ctx context.Context, req WriteRequest) error
}

// Sink accepts writes that arrive from remote peers
type Sink interface {
	ApplyRemote(req WriteRequest) error
}

// Listener is implemented by transports that also receive writes.
// Listen blocks until ctx ends and hands every request addressed to owner to sink.
type Listener interface {
	Listen(ctx context.Context, owner int, sink Sink) error
}
