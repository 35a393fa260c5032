package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dTS/lib/engine"
	"github.com/ValentinKolb/dTS/rpc/common"
	"github.com/ValentinKolb/dTS/rpc/serializer"
	"github.com/lni/dragonboat/v4/logger"
	goredis "github.com/redis/go-redis/v9"
)

var log = logger.GetLogger("transport")

const defaultTimeout = 5 * time.Second

// Transport forwards writes over Redis pub/sub.
// Every owner listens on its own channel (see common.TransportConfig.WritesChannel),
// a write is published on the channel of the target owner.
//
// Delivery is fire and forget: a write published while the target owner is not
// listening is lost and only logged.
//
// Thread-safety: safe for concurrent use.
type Transport struct {
	rdb        *goredis.Client
	cfg        common.TransportConfig
	serializer serializer.IRPCSerializer
}

var (
	_ engine.Transport = (*Transport)(nil)
	_ engine.Listener  = (*Transport)(nil)
)

// New creates a transport for the redis server in cfg.RedisAddr
func New(cfg common.TransportConfig) (*Transport, error) {
	return NewWithOptions(cfg, &goredis.Options{Addr: cfg.RedisAddr})
}

// NewWithOptions is like New but takes the full connection options (password, db, tls, ...)
func NewWithOptions(cfg common.TransportConfig, opts *goredis.Options) (*Transport, error) {
	if opts == nil || opts.Addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	s, err := serializer.ByName(cfg.Serializer)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Transport{
		rdb:        goredis.NewClient(opts),
		cfg:        cfg,
		serializer: s,
	}, nil
}

// Ping verifies Redis connectivity
func (t *Transport) Ping(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection. The transport must not be used afterwards.
func (t *Transport) Close() error {
	return t.rdb.Close()
}

// --------------------------------------------------------------------------
// Interface Methods (docu see engine.Transport and engine.Listener)
// --------------------------------------------------------------------------

func (t *Transport) ForwardWrite(ctx context.Context, req engine.WriteRequest) error {
	data, err := t.serializer.Serialize(*common.NewTupleSetRequest(req))
	if err != nil {
		return fmt.Errorf("serialize write %s: %w", req.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	channel := t.cfg.WritesChannel(req.Owner)
	receivers, err := t.rdb.Publish(ctx, channel, data).Result()
	if err != nil {
		return fmt.Errorf("publish write %s on %s: %w", req.ID, channel, err)
	}
	if receivers == 0 {
		log.Warningf("write %s to %s has no receiver, owner %d is not listening", req.ID, req.Target(), req.Owner)
	}
	return nil
}

func (t *Transport) Listen(ctx context.Context, owner int, sink engine.Sink) error {
	channel := t.cfg.WritesChannel(owner)
	ps := t.rdb.Subscribe(ctx, channel)
	defer ps.Close()

	// wait for the subscription to be confirmed so writes published after Listen
	// reported ready are not lost
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", channel, err)
	}
	log.Infof("owner %d receives writes on %s", owner, channel)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", channel)
			}
			t.handle(owner, []byte(msg.Payload), sink)
		}
	}
}

// handle decodes one published message and applies it.
// Bad messages are logged and skipped so one broken sender cannot stop the listener.
func (t *Transport) handle(owner int, payload []byte, sink engine.Sink) {
	var msg common.Message
	if err := t.serializer.Deserialize(payload, &msg); err != nil {
		log.Warningf("dropping undecodable message for owner %d: %v", owner, err)
		return
	}
	req, err := msg.WriteRequest()
	if err != nil {
		log.Warningf("dropping message for owner %d: %v", owner, err)
		return
	}
	if req.Owner != owner {
		log.Warningf("dropping write %s addressed to owner %d, this is owner %d", req.ID, req.Owner, owner)
		return
	}
	if err := sink.ApplyRemote(req); err != nil {
		log.Warningf("write %s from owner %d failed: %v", req.ID, req.Origin, err)
	}
}
