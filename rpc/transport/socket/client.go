package socket

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dTS/lib/engine"
	"github.com/ValentinKolb/dTS/lib/tuple"
	"github.com/ValentinKolb/dTS/rpc/common"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrRejected marks writes the receiving peer refused (e.g. an invalid key).
// Those are not retried.
var ErrRejected = errors.New("rejected by peer")

// responseResult contains the result of a request
type responseResult struct {
	data []byte
	err  error
}

// peerConnection is the single multiplexed connection to one endpoint
type peerConnection struct {
	conn     net.Conn
	endpoint string
	pending  *xsync.MapOf[uint64, chan responseResult]
	writeMu  sync.Mutex    // serializes frame writes
	broken   chan struct{} // closed when the reader stopped
}

// --------------------------------------------------------------------------
// Interface Methods (docu see engine.Transport)
// --------------------------------------------------------------------------

func (t *Transport) ForwardWrite(ctx context.Context, req engine.WriteRequest) error {
	endpoint, ok := t.peer(req.Owner)
	if !ok {
		return tuple.Errorf(tuple.RetCNoTransport, "no peer configured for owner %d", req.Owner)
	}

	data, err := t.serializer.Serialize(*common.NewTupleSetRequest(req))
	if err != nil {
		return fmt.Errorf("serialize write %s: %w", req.ID, err)
	}

	// Retry logic with exponential backoff
	var lastErr error
	backoffMs := 50
	for i := 0; i < t.retryCount; i++ {
		resp, err := t.send(ctx, endpoint, int64(req.Owner), data)
		if err == nil {
			return t.checkResponse(req, resp)
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
		log.Debugf("write %s attempt %d/%d failed: %v", req.ID, i+1, t.retryCount, err)

		if i < t.retryCount-1 {
			// small random jitter (+-10%)
			jitter := float64(backoffMs) * (0.9 + 0.2*rand.Float64())
			select {
			case <-time.After(time.Duration(jitter) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoffMs *= 2
		}
	}

	return fmt.Errorf("failed to send write %s to %s after %d attempts: %w", req.ID, endpoint, t.retryCount, lastErr)
}

// checkResponse turns the response of the peer into an error
func (t *Transport) checkResponse(req engine.WriteRequest, data []byte) error {
	var msg common.Message
	if err := t.serializer.Deserialize(data, &msg); err != nil {
		return fmt.Errorf("undecodable response to write %s: %w", req.ID, err)
	}
	switch msg.MsgType {
	case common.MsgTSuccess:
		return nil
	case common.MsgTError:
		return fmt.Errorf("%w: owner %d: %s", ErrRejected, req.Owner, msg.Err)
	default:
		return fmt.Errorf("unexpected response of type %s to write %s", msg.MsgType, req.ID)
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// send writes one request frame and waits for the matching response
func (t *Transport) send(ctx context.Context, endpoint string, owner int64, data []byte) ([]byte, error) {
	pc, err := t.connection(endpoint)
	if err != nil {
		return nil, err
	}

	seq := t.nextSeq.Add(1)
	respCh := make(chan responseResult, 1)
	pc.pending.Store(seq, respCh)
	defer pc.pending.Delete(seq)

	pc.writeMu.Lock()
	err = pc.conn.SetWriteDeadline(time.Now().Add(t.cfg.Timeout))
	if err == nil {
		err = writeFrame(pc.conn, owner, seq, data)
	}
	pc.writeMu.Unlock()
	if err != nil {
		t.drop(pc)
		return nil, err
	}

	timer := time.NewTimer(t.cfg.Timeout)
	defer timer.Stop()

	select {
	case result := <-respCh:
		return result.data, result.err
	case <-pc.broken:
		return nil, fmt.Errorf("connection to %s lost", endpoint)
	case <-timer.C:
		return nil, fmt.Errorf("request to %s timed out", endpoint)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connection returns the open connection to endpoint, dialing if there is none
func (t *Transport) connection(endpoint string) (*peerConnection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport is closed")
	}
	if pc, ok := t.conns[endpoint]; ok {
		return pc, nil
	}

	conn, err := t.connector.Dial(endpoint, t.cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	pc := &peerConnection{
		conn:     conn,
		endpoint: endpoint,
		pending:  xsync.NewMapOf[uint64, chan responseResult](),
		broken:   make(chan struct{}),
	}
	t.conns[endpoint] = pc
	log.Infof("connected to %s://%s", t.connector.Name(), endpoint)

	go t.readResponses(pc)
	return pc, nil
}

// drop closes pc and forgets it so the next request dials again
func (t *Transport) drop(pc *peerConnection) {
	t.mu.Lock()
	if t.conns[pc.endpoint] == pc {
		delete(t.conns, pc.endpoint)
	}
	t.mu.Unlock()
	pc.conn.Close()
}

// readResponses reads responses in a loop and hands them to the waiting requests.
// It stops at the first read error and marks the connection as broken.
func (t *Transport) readResponses(pc *peerConnection) {
	defer close(pc.broken)
	defer t.drop(pc)

	for {
		_, seq, data, err := readFrame(pc.conn, nil)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				log.Warningf("connection to %s lost: %v", pc.endpoint, err)
			}
			return
		}

		respCh, found := pc.pending.Load(seq)
		if !found {
			log.Warningf("received response for unknown request %d from %s", seq, pc.endpoint)
			continue
		}
		respCh <- responseResult{data: data}
	}
}

// closeConnections closes all open connections
func (t *Transport) closeConnections() {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[string]*peerConnection)
	t.mu.Unlock()

	for _, pc := range conns {
		pc.conn.Close()
	}
}

// retryable reports whether err is worth another attempt
func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
