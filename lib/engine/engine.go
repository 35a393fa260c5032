package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dTS/lib/db"
	"github.com/ValentinKolb/dTS/lib/db/engines/maple"
	"github.com/ValentinKolb/dTS/lib/dispatch"
	"github.com/ValentinKolb/dTS/lib/meta"
	"github.com/ValentinKolb/dTS/lib/subscription"
	"github.com/ValentinKolb/dTS/lib/tuple"
	"github.com/lni/dragonboat/v4/logger"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var log = logger.GetLogger("engine")

// lifecycle states
const (
	stateCreated int32 = iota
	stateRunning
	stateStopped
)

// Engine is the local tuplespace of one peis.
//
// Every successful write is matched against the registered callbacks and the
// matching deliveries are queued before the write returns. Callbacks run
// asynchronously on the dispatcher, one ordered queue per subscription.
//
// Thread-safety: all methods are safe for concurrent use, including from inside a
// callback, except Stop and Drain which wait for callbacks to finish.
type Engine struct {
	cfg        Config
	store      db.TupleDB
	resolver   *meta.Resolver
	registry   *subscription.Registry
	dispatcher *dispatch.Dispatcher
	metrics    *engineMetrics

	mu       sync.Mutex // serializes Start and Stop
	state    atomic.Int32
	cancel   context.CancelFunc
	listener *errgroup.Group
}

// Info is a snapshot of the engine state
type Info struct {
	Owner             int             `json:"owner"`
	Running           bool            `json:"running"`
	Subscriptions     int             `json:"subscriptions"`
	DeclaredMeta      int             `json:"declared_meta"`
	PendingDeliveries int             `json:"pending_deliveries"`
	Store             db.DatabaseInfo `json:"store"`
}

// New creates an engine. It must be started before use.
// Engines must not share a metrics set.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		cfg:      cfg,
		registry: subscription.NewRegistry(),
		store: maple.NewMapleDB(&maple.DBOptions{
			NumShards:  cfg.NumShards,
			GCInterval: cfg.GCInterval,
			Clock:      cfg.Clock,
		}),
		dispatcher: dispatch.New(cfg.Metrics),
	}
	e.resolver = meta.NewResolver(access{e})
	e.registry.SetBinding(e.resolver.Binding)
	e.metrics = newEngineMetrics(cfg.Metrics, e)

	return e, nil
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Start makes the engine usable and starts listening for inbound writes if the
// transport supports it. Starting a running engine is a no-op, starting a stopped
// engine fails with NotRunning.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state.Load() {
	case stateRunning:
		return nil
	case stateStopped:
		return tuple.NewError(tuple.RetCNotRunning, "engine was stopped and cannot be restarted")
	}
	e.state.Store(stateRunning)

	if l, ok := e.cfg.Transport.(Listener); ok {
		ctx, cancel := context.WithCancel(context.Background())
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			err := l.Listen(ctx, e.cfg.OwnerID, e)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf("listener of owner %d stopped: %v", e.cfg.OwnerID, err)
				return err
			}
			return nil
		})
		e.cancel, e.listener = cancel, g
	}

	log.Infof("engine of owner %d started", e.cfg.OwnerID)
	return nil
}

// Stop stops the listener, waits (up to StopTimeout) for queued deliveries and
// releases the store. Stop is idempotent. Errors of all steps are combined.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Load() == stateStopped {
		return nil
	}
	e.state.Store(stateStopped)

	var err error
	if e.cancel != nil {
		e.cancel()
		if lErr := e.listener.Wait(); lErr != nil {
			err = multierr.Append(err, fmt.Errorf("listener: %w", lErr))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StopTimeout)
	defer cancel()
	if dErr := e.dispatcher.Close(ctx); dErr != nil {
		err = multierr.Append(err, fmt.Errorf("dispatcher: %w", dErr))
	}
	if sErr := e.store.Close(); sErr != nil {
		err = multierr.Append(err, fmt.Errorf("store: %w", sErr))
	}

	log.Infof("engine of owner %d stopped", e.cfg.OwnerID)
	return err
}

// IsRunning reports whether the engine was started and not stopped
func (e *Engine) IsRunning() bool {
	return e.state.Load() == stateRunning
}

// LocalOwner returns the owner id of this peis
func (e *Engine) LocalOwner() int {
	return e.cfg.OwnerID
}

func (e *Engine) checkRunning() error {
	if !e.IsRunning() {
		return tuple.NewError(tuple.RetCNotRunning, "engine is not running")
	}
	return nil
}

// --------------------------------------------------------------------------
// Write path
// --------------------------------------------------------------------------

// write stores the tuple and queues a delivery for every matching subscription.
// Matching runs while the store holds the entry, so deliveries of one identity are
// queued in commit order. Indirect subscriptions rebound by a meta tuple write get
// the current value of their new target after the write committed.
func (e *Engine) write(id tuple.ID, data []byte, opts db.WriteOptions) (tuple.Tuple, error) {
	var rebound []subscription.Rebind
	opts.OnCommit = func(t tuple.Tuple) {
		m := e.registry.Match(t)
		for _, sub := range m.Deliver {
			e.notify(sub, t)
		}
		rebound = m.Rebound
	}

	t, err := e.store.Write(id, data, opts)
	if err != nil {
		e.metrics.writeErrors.Inc()
		return tuple.Tuple{}, err
	}
	e.metrics.writes.Inc()

	for _, rb := range rebound {
		e.deliverCurrent(rb.Sub, rb.Target)
	}
	return t, nil
}

func (e *Engine) notify(sub *subscription.Subscription, t tuple.Tuple) {
	if e.dispatcher.Notify(sub, t.Clone()) {
		e.metrics.notifications.Inc()
	}
}

// deliverCurrent queues the stored value of target for an indirect subscription
// that was bound to it. Nothing is queued if the target does not exist yet or the
// subscription moved on in the meantime.
func (e *Engine) deliverCurrent(sub *subscription.Subscription, target tuple.ID) {
	t, err := e.store.Read(tuple.Owner(target.Owner), target.Key, db.ReadOptions{})
	if err != nil {
		return
	}
	if current, bound := sub.Target(); !bound || current != target {
		return
	}
	e.notify(sub, t)
}

// access is the tuple access of the meta resolver. Its writes take the notifying
// write path, so meta tuple changes rebind subscriptions.
type access struct {
	e *Engine
}

func (a access) ReadTuple(id tuple.ID, opts db.ReadOptions) (tuple.Tuple, error) {
	return a.e.store.Read(tuple.Owner(id.Owner), id.Key, opts)
}

func (a access) WriteTuple(id tuple.ID, data []byte, opts db.WriteOptions) (tuple.Tuple, error) {
	return a.e.write(id, data, opts)
}

// --------------------------------------------------------------------------
// Tuples
// --------------------------------------------------------------------------

// SetTuple writes the tuple key of the local owner and returns the stored tuple
func (e *Engine) SetTuple(key string, data []byte, opts ...WriteOption) (tuple.Tuple, error) {
	if err := e.checkRunning(); err != nil {
		return tuple.Tuple{}, err
	}
	return e.write(tuple.ID{Owner: e.cfg.OwnerID, Key: key}, data, writeOptions(opts))
}

// SetStringTuple writes a string payload to the tuple key of the local owner.
// A nil value is stored as "nil".
func (e *Engine) SetStringTuple(key string, value *string, opts ...WriteOption) (tuple.Tuple, error) {
	data := []byte("nil")
	if value != nil {
		data = []byte(*value)
	}
	return e.SetTuple(key, data, opts...)
}

// GetTuple returns the tuple (owner,key). The owner must be concrete.
func (e *Engine) GetTuple(owner int, key string, opts ...ReadOption) (tuple.Tuple, error) {
	if err := e.checkRunning(); err != nil {
		return tuple.Tuple{}, err
	}
	return e.countRead(e.store.Read(tuple.Owner(owner), key, readOptions(opts)))
}

func (e *Engine) countRead(t tuple.Tuple, err error) (tuple.Tuple, error) {
	e.metrics.reads.Inc()
	if errors.Is(err, tuple.ErrNotFound) {
		e.metrics.readMisses.Inc()
	}
	return t, err
}

// MatchTuples returns every stored tuple matching pattern
func (e *Engine) MatchTuples(pattern tuple.Pattern) ([]tuple.Tuple, error) {
	if err := e.checkRunning(); err != nil {
		return nil, err
	}
	if err := pattern.Validate(); err != nil {
		return nil, err
	}
	return slices.Collect(e.store.MatchAll(pattern)), nil
}

// SetRemoteTuple writes the tuple (owner,key). Writes to the local owner are stored
// directly, writes to any other owner are forwarded through the transport.
// Fails with NoTransport if a remote write is requested without a transport.
func (e *Engine) SetRemoteTuple(ctx context.Context, owner int, key string, data []byte, opts ...WriteOption) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	id := tuple.ID{Owner: owner, Key: key}
	if err := id.Validate(); err != nil {
		return err
	}
	wo := writeOptions(opts)
	if wo.ExpireAfter < 0 {
		return tuple.Errorf(tuple.RetCInvalidIdentifier, "negative expiry %s for %s", wo.ExpireAfter, id)
	}

	if owner == e.cfg.OwnerID {
		_, err := e.write(id, data, wo)
		return err
	}
	if e.cfg.Transport == nil {
		return tuple.Errorf(tuple.RetCNoTransport, "cannot write %s", id)
	}

	req := NewWriteRequest(e.cfg.OwnerID, id, data)
	req.MimeType, req.ExpireAfter = wo.MimeType, wo.ExpireAfter
	if err := e.cfg.Transport.ForwardWrite(ctx, req); err != nil {
		return fmt.Errorf("forward write %s of %s: %w", req.ID, id, err)
	}

	e.metrics.remoteWrites.Inc()
	log.Debugf("forwarded write %s of %s", req.ID, id)
	return nil
}

// ApplyRemote stores a write received from a remote peer as if it was local.
// It implements Sink for transports.
func (e *Engine) ApplyRemote(req WriteRequest) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	_, err := e.write(req.Target(), req.Data, db.WriteOptions{
		ExpireAfter: req.ExpireAfter,
		MimeType:    req.MimeType,
	})
	if err != nil {
		log.Warningf("rejected remote write %s from owner %d: %v", req.ID, req.Origin, err)
		return err
	}
	e.metrics.remoteApplied.Inc()
	return nil
}

// --------------------------------------------------------------------------
// Meta tuples
// --------------------------------------------------------------------------

// DeclareMetaTuple declares (owner,key) as a meta tuple. It starts unbound. Idempotent.
func (e *Engine) DeclareMetaTuple(owner int, key string) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	return e.resolver.Declare(tuple.ID{Owner: owner, Key: key})
}

// SetMetaTuple points the meta tuple (metaOwner,metaKey) to (realOwner,realKey).
// Indirect callbacks of the meta tuple follow the new target.
func (e *Engine) SetMetaTuple(metaOwner int, metaKey string, realOwner int, realKey string) error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	_, err := e.resolver.Point(tuple.ID{Owner: metaOwner, Key: metaKey}, tuple.ID{Owner: realOwner, Key: realKey})
	return err
}

// ResolveMetaTuple returns the current target of the meta tuple (owner,key)
func (e *Engine) ResolveMetaTuple(owner int, key string) (tuple.ID, error) {
	if err := e.checkRunning(); err != nil {
		return tuple.ID{}, err
	}
	return e.resolver.Resolve(tuple.ID{Owner: owner, Key: key})
}

// GetTupleIndirectly reads the tuple the meta tuple (owner,key) points to
func (e *Engine) GetTupleIndirectly(owner int, key string, opts ...ReadOption) (tuple.Tuple, error) {
	if err := e.checkRunning(); err != nil {
		return tuple.Tuple{}, err
	}
	return e.countRead(e.resolver.ReadIndirect(tuple.ID{Owner: owner, Key: key}, readOptions(opts)))
}

// SetTupleIndirectly writes the tuple the meta tuple (owner,key) points to
func (e *Engine) SetTupleIndirectly(owner int, key string, data []byte, opts ...WriteOption) (tuple.Tuple, error) {
	if err := e.checkRunning(); err != nil {
		return tuple.Tuple{}, err
	}
	return e.resolver.WriteIndirect(tuple.ID{Owner: owner, Key: key}, data, writeOptions(opts))
}

// --------------------------------------------------------------------------
// Callbacks
// --------------------------------------------------------------------------

// RegisterCallback calls cb for every write of a tuple matching (owner,key).
func (e *Engine) RegisterCallback(owner tuple.OwnerMatcher, key tuple.KeyMatcher, cb subscription.Callback, opts ...RegisterOption) (*subscription.Handle, error) {
	if err := e.checkRunning(); err != nil {
		return nil, err
	}
	o := registerOpts(opts)

	sub, err := subscription.New(tuple.Pattern{Owner: owner, Key: key}, subscription.ModeDirect, cb)
	if err != nil {
		return nil, err
	}
	if err := e.dispatcher.Attach(sub); err != nil {
		return nil, err
	}

	if o.replay {
		sub.BeginReplay()
	}
	e.registry.Add(sub)
	if o.replay {
		e.replay(sub)
	}

	log.Debugf("registered %s", sub)
	return sub.Handle(), nil
}

// replay queues the stored matches of sub, oldest first
func (e *Engine) replay(sub *subscription.Subscription) {
	stored := slices.Collect(e.store.MatchAll(sub.Pattern()))
	slices.SortFunc(stored, func(a, b tuple.Tuple) int {
		return a.WriteTS.Compare(b.WriteTS)
	})

	ids := make([]tuple.ID, len(stored))
	for i, t := range stored {
		ids[i] = t.ID()
	}
	sub.EndReplay(ids)

	for _, t := range stored {
		e.notify(sub, t)
	}
}

// RegisterMetaCallback calls cb for every write of the tuple the meta tuple
// (owner,key) currently points to. The meta tuple is declared if necessary.
// Whenever the meta tuple is pointed somewhere else, cb receives the current value
// of the new target.
func (e *Engine) RegisterMetaCallback(owner int, key string, cb subscription.Callback, opts ...RegisterOption) (*subscription.Handle, error) {
	if err := e.checkRunning(); err != nil {
		return nil, err
	}
	o := registerOpts(opts)
	slot := tuple.ID{Owner: owner, Key: key}

	if err := e.resolver.Declare(slot); err != nil {
		return nil, err
	}

	sub, err := subscription.New(tuple.Exact(slot), subscription.ModeIndirect, cb)
	if err != nil {
		return nil, err
	}
	if err := e.dispatcher.Attach(sub); err != nil {
		return nil, err
	}
	e.registry.Add(sub)

	// bind to the current target; a meta write racing with this is applied in stamp order
	if metaTuple, err := e.store.Read(tuple.Owner(owner), key, db.ReadOptions{}); err == nil {
		for _, rb := range e.registry.Rebind(metaTuple) {
			if rb.Sub == sub && o.replay {
				e.deliverCurrent(sub, rb.Target)
			}
		}
	}

	log.Debugf("registered %s", sub)
	return sub.Handle(), nil
}

// UnregisterCallback removes the callback of h. Once it returns, no new deliveries
// are queued for h. Deliveries queued before still run; use Drain to wait for them.
// Fails with InvalidHandle for an unknown or already unregistered handle.
func (e *Engine) UnregisterCallback(h *subscription.Handle) error {
	sub, err := e.registry.Remove(h)
	if err != nil {
		return err
	}
	e.dispatcher.Detach(sub.Handle())
	log.Debugf("unregistered %s", sub)
	return nil
}

// UnregisterMetaCallback removes every meta callback of the meta tuple (owner,key).
// Fails with InvalidHandle if there is none.
func (e *Engine) UnregisterMetaCallback(owner int, key string) error {
	slot := tuple.ID{Owner: owner, Key: key}
	if err := slot.Validate(); err != nil {
		return err
	}

	removed := e.registry.RemoveSlot(slot)
	if len(removed) == 0 {
		return tuple.Errorf(tuple.RetCInvalidHandle, "no meta callbacks registered for %s", slot)
	}
	for _, sub := range removed {
		e.dispatcher.Detach(sub.Handle())
	}
	log.Debugf("unregistered %d meta callbacks of %s", len(removed), slot)
	return nil
}

// Drain waits until every delivery queued for the unregistered handle h has run.
// It must not be called from the callback of h. Fails with InvalidHandle for a nil
// or forged handle and for one that is still registered.
func (e *Engine) Drain(ctx context.Context, h *subscription.Handle) error {
	return e.dispatcher.Drain(ctx, h)
}

// --------------------------------------------------------------------------
// Stats
// --------------------------------------------------------------------------

// Info returns a snapshot of the engine state
func (e *Engine) Info() Info {
	return Info{
		Owner:             e.cfg.OwnerID,
		Running:           e.IsRunning(),
		Subscriptions:     e.registry.Len(),
		DeclaredMeta:      e.resolver.Len(),
		PendingDeliveries: e.dispatcher.Pending(),
		Store:             e.store.GetInfo(),
	}
}

// WritePrometheus writes the engine metrics in Prometheus text format
func (e *Engine) WritePrometheus(w io.Writer) {
	e.cfg.Metrics.WritePrometheus(w)
}
