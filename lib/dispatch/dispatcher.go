package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ValentinKolb/dTS/lib/db/util"
	"github.com/ValentinKolb/dTS/lib/subscription"
	"github.com/ValentinKolb/dTS/lib/tuple"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

var log = logger.GetLogger("dispatch")

// mailbox is the ordered delivery queue of one subscription
type mailbox struct {
	sub   *subscription.Subscription
	queue *util.LockFreeMPSC[tuple.Tuple]
	done  chan struct{} // closed after the last queued delivery has run
}

// Dispatcher delivers tuples to subscription callbacks.
//
// Every attached subscription gets its own mailbox and worker goroutine, so a slow
// or failing callback never delays another subscription. Within a mailbox tuples are
// delivered in the order Notify was called.
type Dispatcher struct {
	mailboxes *xsync.MapOf[*subscription.Handle, *mailbox]
	draining  *xsync.MapOf[*subscription.Handle, *mailbox]
	closed    atomic.Bool

	delivered *metrics.Counter
	failed    *metrics.Counter
	skipped   *metrics.Counter
	dropped   *metrics.Counter
}

// New creates a dispatcher that registers its metrics in set (nil = private set)
func New(set *metrics.Set) *Dispatcher {
	if set == nil {
		set = metrics.NewSet()
	}

	d := &Dispatcher{
		mailboxes: xsync.NewMapOf[*subscription.Handle, *mailbox](),
		draining:  xsync.NewMapOf[*subscription.Handle, *mailbox](),
		delivered: set.NewCounter("dts_deliveries_total"),
		failed:    set.NewCounter("dts_delivery_failures_total"),
		skipped:   set.NewCounter("dts_deliveries_skipped_total"),
		dropped:   set.NewCounter("dts_notifications_dropped_total"),
	}
	set.NewGauge("dts_dispatch_pending", func() float64 { return float64(d.Pending()) })
	set.NewGauge("dts_dispatch_mailboxes", func() float64 { return float64(d.mailboxes.Size()) })

	return d
}

// --------------------------------------------------------------------------
// Mailbox lifecycle
// --------------------------------------------------------------------------

// Attach creates the mailbox of sub and starts its worker.
// A subscription must be attached before it can be notified.
func (d *Dispatcher) Attach(sub *subscription.Subscription) error {
	if d.closed.Load() {
		return tuple.NewError(tuple.RetCNotRunning, "dispatcher is closed")
	}

	mb := &mailbox{
		sub:   sub,
		queue: util.NewLockFreeMPSC[tuple.Tuple](),
		done:  make(chan struct{}),
	}
	if _, loaded := d.mailboxes.LoadOrStore(sub.Handle(), mb); loaded {
		mb.queue.Close()
		return tuple.Errorf(tuple.RetCInvalidHandle, "%s is already attached", sub.Handle())
	}

	go d.work(mb)
	return nil
}

// Detach closes the mailbox of h. Tuples already queued are still delivered,
// later notifications are dropped. The returned channel is closed when the
// worker has finished. Detaching an unknown handle returns a closed channel.
func (d *Dispatcher) Detach(h *subscription.Handle) <-chan struct{} {
	mb, ok := d.mailboxes.LoadAndDelete(h)
	if !ok {
		if mb, ok := d.draining.Load(h); ok {
			return mb.done
		}
		done := make(chan struct{})
		close(done)
		return done
	}

	d.draining.Store(h, mb)
	mb.queue.Close()
	return mb.done
}

// Drain waits until the worker of a detached subscription has delivered everything
// queued before Detach. It must not be called from the subscription's own callback.
// Fails with InvalidHandle for a nil or forged handle and for one that is still
// attached. A handle whose deliveries already completed returns nil at once.
func (d *Dispatcher) Drain(ctx context.Context, h *subscription.Handle) error {
	if !h.Issued() {
		return tuple.Errorf(tuple.RetCInvalidHandle, "%s was never issued", h)
	}
	if _, attached := d.mailboxes.Load(h); attached {
		return tuple.Errorf(tuple.RetCInvalidHandle, "%s is still attached", h)
	}
	mb, ok := d.draining.Load(h)
	if !ok {
		return nil
	}

	select {
	case <-mb.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --------------------------------------------------------------------------
// Delivery
// --------------------------------------------------------------------------

// Notify queues t for sub and returns immediately.
// It returns false if sub is not attached (or was detached).
func (d *Dispatcher) Notify(sub *subscription.Subscription, t tuple.Tuple) bool {
	mb, ok := d.mailboxes.Load(sub.Handle())
	if !ok || !mb.queue.Push(t) {
		d.dropped.Inc()
		return false
	}
	return true
}

// work delivers the tuples of one mailbox until it is closed and empty
func (d *Dispatcher) work(mb *mailbox) {
	defer func() {
		d.draining.Delete(mb.sub.Handle())
		close(mb.done)
	}()

	for t := range mb.queue.Recv() {
		if !mb.sub.Admit(t) {
			d.skipped.Inc()
			continue
		}
		if err := d.invoke(mb.sub, t); err != nil {
			d.failed.Inc()
			log.Warningf("callback of %s failed for %s: %v", mb.sub, t.ID(), err)
			continue
		}
		d.delivered.Inc()
	}
}

// invoke calls the callback and turns a panic into an error
func (d *Dispatcher) invoke(sub *subscription.Subscription, t tuple.Tuple) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return sub.Callback().OnTuple(t)
}

// --------------------------------------------------------------------------
// Stats and shutdown
// --------------------------------------------------------------------------

// Pending returns the number of queued deliveries over all mailboxes
func (d *Dispatcher) Pending() int {
	pending := 0
	count := func(_ *subscription.Handle, mb *mailbox) bool {
		pending += mb.queue.Pending()
		return true
	}
	d.mailboxes.Range(count)
	d.draining.Range(count)
	return pending
}

// Len returns the number of attached subscriptions
func (d *Dispatcher) Len() int {
	return d.mailboxes.Size()
}

// Close detaches every subscription and waits for all queued deliveries to finish
// or for ctx to end. Attach fails afterwards.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closed.Store(true)

	var handles []*subscription.Handle
	d.mailboxes.Range(func(h *subscription.Handle, _ *mailbox) bool {
		handles = append(handles, h)
		return true
	})
	for _, h := range handles {
		d.Detach(h)
	}

	g, ctx := errgroup.WithContext(ctx)
	d.draining.Range(func(_ *subscription.Handle, mb *mailbox) bool {
		done := mb.done
		g.Go(func() error {
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		return true
	})
	return g.Wait()
}
