// Package loopback connects engines that run in the same process.
//
// All engines share one Hub as their transport. A remote write is handed directly
// to the engine of the target owner, synchronously and without serialization.
package loopback

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dTS/lib/engine"
	"github.com/ValentinKolb/dTS/lib/tuple"
	"github.com/puzpuzpuz/xsync/v3"
)

// Hub routes writes between the engines attached to it.
//
// Thread-safety: safe for concurrent use.
type Hub struct {
	sinks *xsync.MapOf[int, engine.Sink]
}

var (
	_ engine.Transport = (*Hub)(nil)
	_ engine.Listener  = (*Hub)(nil)
)

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{sinks: xsync.NewMapOf[int, engine.Sink]()}
}

// ForwardWrite applies req to the engine of req.Owner and returns its error
func (h *Hub) ForwardWrite(_ context.Context, req engine.WriteRequest) error {
	sink, ok := h.sinks.Load(req.Owner)
	if !ok {
		return tuple.Errorf(tuple.RetCNoTransport, "owner %d is not attached to the hub", req.Owner)
	}
	return sink.ApplyRemote(req)
}

// Listen attaches sink as owner until ctx ends. Only one engine per owner can be attached.
func (h *Hub) Listen(ctx context.Context, owner int, sink engine.Sink) error {
	if _, loaded := h.sinks.LoadOrStore(owner, sink); loaded {
		return fmt.Errorf("owner %d is already attached to the hub", owner)
	}
	defer h.sinks.Delete(owner)

	<-ctx.Done()
	return ctx.Err()
}

// Owners returns the number of attached owners
func (h *Hub) Owners() int {
	return h.sinks.Size()
}
