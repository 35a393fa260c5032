package socket

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dTS/lib/engine"
	"github.com/ValentinKolb/dTS/rpc/common"
)

// --------------------------------------------------------------------------
// Interface Methods (docu see engine.Listener)
// --------------------------------------------------------------------------

func (t *Transport) Listen(ctx context.Context, owner int, sink engine.Sink) error {
	if t.cfg.Listen == "" {
		// send only peer, nothing to receive
		<-ctx.Done()
		return ctx.Err()
	}

	listener, err := t.connector.Listen(t.cfg.Listen)
	if err != nil {
		return err
	}
	log.Infof("owner %d receives writes on %s://%s with %d workers per connection",
		owner, t.connector.Name(), listener.Addr(), t.maxWorkersPerConn)

	t.mu.Lock()
	t.listenAddr = listener.Addr()
	t.mu.Unlock()

	go t.pruneApplied(ctx)

	var conns sync.WaitGroup
	var open sync.Map // net.Conn -> struct{}

	// closing the listener ends Accept, closing the connections ends their readers
	stop := context.AfterFunc(ctx, func() {
		listener.Close()
		open.Range(func(c, _ any) bool {
			c.(net.Conn).Close()
			return true
		})
	})
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				conns.Wait()
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				conns.Wait()
				return err
			}
			log.Errorf("accept error: %v", err)
			continue
		}

		open.Store(conn, struct{}{})
		conns.Add(1)
		go func() {
			defer conns.Done()
			defer open.Delete(conn)
			t.handleConnection(conn, owner, sink)
		}()
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// handleConnection serves the requests of one connection
func (t *Transport) handleConnection(conn net.Conn, owner int, sink engine.Sink) {
	defer conn.Close()

	// The buffered channel acts as a counting semaphore
	workerSemaphore := make(chan struct{}, t.maxWorkersPerConn)
	var wg sync.WaitGroup
	var connMutex sync.Mutex

	respond := func(target int64, seq uint64, data []byte) {
		defer func() {
			<-workerSemaphore
			wg.Done()
		}()

		resp := t.apply(owner, target, data, sink)

		// Protect writes to the connection with a mutex
		connMutex.Lock()
		defer connMutex.Unlock()

		if err := conn.SetWriteDeadline(time.Now().Add(t.cfg.Timeout)); err != nil {
			log.Errorf("failed to set write deadline: %v", err)
			return
		}
		if err := writeFrame(conn, target, seq, resp); err != nil {
			log.Errorf("failed to write response: %v", err)
		}
	}

	for {
		target, seq, data, err := readFrame(conn, nil)
		if err == io.EOF || errors.Is(err, net.ErrClosed) {
			break
		}
		if err != nil {
			log.Warningf("closing connection from %s: %v", conn.RemoteAddr(), err)
			break
		}

		// blocks if maxWorkersPerConn requests are in flight
		workerSemaphore <- struct{}{}
		wg.Add(1)
		go respond(target, seq, data)
	}

	// Wait for all workers so no response is written to a closed connection
	wg.Wait()
}

// apply handles one request and returns the serialized response.
// Copies of a request that was already applied get the first response again.
func (t *Transport) apply(owner int, target int64, data []byte, sink engine.Sink) []byte {
	var msg common.Message
	if err := t.serializer.Deserialize(data, &msg); err != nil {
		return t.response(common.NewErrorResponse("", "undecodable request: "+err.Error()))
	}
	req, err := msg.WriteRequest()
	if err != nil {
		return t.response(common.NewErrorResponse(msg.RequestID, err.Error()))
	}
	if req.Owner != owner || target != int64(owner) {
		log.Warningf("rejecting write %s addressed to owner %d, this is owner %d", req.ID, req.Owner, owner)
		return t.response(common.NewErrorResponse(msg.RequestID, "wrong peer for owner"))
	}

	return t.applyOnce(req.ID, func() []byte {
		if err := sink.ApplyRemote(req); err != nil {
			return t.response(common.NewErrorResponse(msg.RequestID, err.Error()))
		}
		return t.response(common.NewSuccessResponse(msg.RequestID))
	})
}

func (t *Transport) response(msg *common.Message) []byte {
	data, err := t.serializer.Serialize(*msg)
	if err != nil {
		// responses only carry strings, this cannot fail for the built in serializers
		log.Errorf("failed to serialize response: %v", err)
		return nil
	}
	return data
}
