package socket

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dTS/lib/engine"
	"github.com/ValentinKolb/dTS/rpc/common"
	"github.com/ValentinKolb/dTS/rpc/serializer"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("transport")

const (
	defaultTimeout           = 5 * time.Second
	defaultMaxWorkersPerConn = 8
)

// Transport sends writes to peers over tcp or unix sockets and receives
// the writes addressed to the local owner. Every write is acknowledged, so
// ForwardWrite only returns nil once the owning engine stored the tuple.
//
// Thread-safety: safe for concurrent use.
type Transport struct {
	cfg               common.TransportConfig
	connector         connector
	serializer        serializer.IRPCSerializer
	retryCount        int
	maxWorkersPerConn int
	nextSeq           atomic.Uint64
	applied           *xsync.MapOf[uuid.UUID, *appliedWrite] // outcomes of received writes

	mu         sync.Mutex
	conns      map[string]*peerConnection // endpoint -> connection
	listenAddr net.Addr
	closed     bool
}

var (
	_ engine.Transport = (*Transport)(nil)
	_ engine.Listener  = (*Transport)(nil)
)

// New creates a socket transport. cfg.Kind selects tcp or unix.
func New(cfg common.TransportConfig) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := connectorFor(cfg.Kind)
	if err != nil {
		return nil, err
	}
	s, err := serializer.ByName(cfg.Serializer)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Transport{
		cfg:               cfg,
		connector:         c,
		serializer:        s,
		retryCount:        max(cfg.RetryCount, 1),
		maxWorkersPerConn: defaultMaxWorkersPerConn,
		conns:             make(map[string]*peerConnection),
		applied:           xsync.NewMapOf[uuid.UUID, *appliedWrite](),
	}, nil
}

// Addr returns the address the transport listens on, nil before Listen bound it
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listenAddr
}

// peer returns the endpoint of owner
func (t *Transport) peer(owner int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	endpoint, ok := t.cfg.Peers[owner]
	return endpoint, ok
}

// SetPeer sets (or replaces) the endpoint of owner
func (t *Transport) SetPeer(owner int, endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := make(map[int]string, len(t.cfg.Peers)+1)
	for o, e := range t.cfg.Peers {
		peers[o] = e
	}
	peers[owner] = endpoint
	t.cfg.Peers = peers
}

// Close closes all outgoing connections. A running Listen ends with its context.
// Close is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.closeConnections()
	return nil
}
