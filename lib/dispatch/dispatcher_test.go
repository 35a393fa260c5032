package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dTS/lib/subscription"
	"github.com/ValentinKolb/dTS/lib/tuple"
	"github.com/VictoriaMetrics/metrics"
)

// recorder collects delivered tuples
type recorder struct {
	mu    sync.Mutex
	got   []tuple.Tuple
	block chan struct{} // if set, every delivery waits for it
}

func (r *recorder) OnTuple(t tuple.Tuple) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.got = append(r.got, t)
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []tuple.Tuple {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tuple.Tuple(nil), r.got...)
}

func (r *recorder) waitFor(t *testing.T, n int) []tuple.Tuple {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %d deliveries, got %d", n, len(r.snapshot()))
	return nil
}

func attach(t *testing.T, d *Dispatcher, mode subscription.Mode, cb subscription.Callback) *subscription.Subscription {
	t.Helper()
	sub, err := subscription.New(tuple.Exact(tuple.ID{Owner: 1, Key: "k"}), mode, cb)
	if err != nil {
		t.Fatalf("subscription.New: %v", err)
	}
	if err := d.Attach(sub); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return sub
}

func tupleAt(owner int, value string, ts int64) tuple.Tuple {
	return tuple.Tuple{Owner: owner, Key: "k", Data: []byte(value), WriteTS: time.Unix(0, ts)}
}

func TestFIFOPerSubscription(t *testing.T) {
	d := New(nil)
	rec := &recorder{}
	sub := attach(t, d, subscription.ModeDirect, rec)

	const n = 1000
	for i := 0; i < n; i++ {
		if !d.Notify(sub, tupleAt(1, fmt.Sprint(i), int64(i+1))) {
			t.Fatalf("Notify %d was dropped", i)
		}
	}

	got := rec.waitFor(t, n)
	for i, tu := range got {
		if tu.StringData() != fmt.Sprint(i) {
			t.Fatalf("Delivery %d out of order: %s", i, tu.StringData())
		}
	}
}

func TestSlowSubscriptionDoesNotBlockOthers(t *testing.T) {
	d := New(nil)
	slow := &recorder{block: make(chan struct{})}
	fast := &recorder{}
	slowSub := attach(t, d, subscription.ModeDirect, slow)
	fastSub := attach(t, d, subscription.ModeDirect, fast)

	for i := 0; i < 10; i++ {
		d.Notify(slowSub, tupleAt(1, "x", int64(i+1)))
		d.Notify(fastSub, tupleAt(1, "x", int64(i+1)))
	}

	fast.waitFor(t, 10)
	if len(slow.snapshot()) != 0 {
		t.Errorf("Slow subscription should still be blocked")
	}
	close(slow.block)
	slow.waitFor(t, 10)
}

func TestCallbackErrorsAreContained(t *testing.T) {
	set := metrics.NewSet()
	d := New(set)

	var calls atomic.Int32
	sub := attach(t, d, subscription.ModeDirect, subscription.CallbackFunc(func(tuple.Tuple) error {
		switch calls.Add(1) {
		case 1:
			return errors.New("boom")
		case 2:
			panic("kaboom")
		}
		return nil
	}))

	for i := 0; i < 3; i++ {
		d.Notify(sub, tupleAt(1, "x", int64(i+1)))
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if calls.Load() != 3 {
		t.Fatalf("Expected 3 callback invocations after failures, got %d", calls.Load())
	}
	if d.Len() != 1 {
		t.Errorf("Failing callback must stay attached")
	}

	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var buf bytes.Buffer
	set.WritePrometheus(&buf)
	for _, line := range []string{"dts_delivery_failures_total 2", "dts_deliveries_total 1"} {
		if !strings.Contains(buf.String(), line) {
			t.Errorf("Expected metrics to contain %q, got:\n%s", line, buf.String())
		}
	}
}

func TestDetachDeliversQueuedAndDropsNew(t *testing.T) {
	d := New(nil)
	rec := &recorder{block: make(chan struct{})}
	sub := attach(t, d, subscription.ModeDirect, rec)

	for i := 0; i < 5; i++ {
		d.Notify(sub, tupleAt(1, fmt.Sprint(i), int64(i+1)))
	}

	done := d.Detach(sub.Handle())
	if d.Notify(sub, tupleAt(1, "late", 100)) {
		t.Errorf("Notify after Detach must be dropped")
	}

	close(rec.block)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Detached mailbox did not drain")
	}

	got := rec.snapshot()
	if len(got) != 5 {
		t.Fatalf("Expected the 5 queued deliveries, got %d", len(got))
	}
	for _, tu := range got {
		if tu.StringData() == "late" {
			t.Errorf("Tuple notified after Detach was delivered")
		}
	}

	if err := d.Drain(context.Background(), sub.Handle()); err != nil {
		t.Errorf("Drain after completion: %v", err)
	}
	select {
	case <-d.Detach(sub.Handle()):
	default:
		t.Errorf("Detaching twice should return a closed channel")
	}
}

func TestDrainWaitsForInFlight(t *testing.T) {
	d := New(nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	sub := attach(t, d, subscription.ModeDirect, subscription.CallbackFunc(func(tuple.Tuple) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	}))

	d.Notify(sub, tupleAt(1, "x", 1))
	<-started

	if err := d.Drain(context.Background(), sub.Handle()); err == nil {
		t.Errorf("Drain of an attached subscription should fail")
	}

	d.Detach(sub.Handle())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Drain(ctx, sub.Handle()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected Drain to time out while the callback runs, got %v", err)
	}

	close(release)
	if err := d.Drain(context.Background(), sub.Handle()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !finished.Load() {
		t.Errorf("In-flight callback must complete")
	}
}

func TestReentrantDetach(t *testing.T) {
	d := New(nil)
	var sub *subscription.Subscription
	var calls atomic.Int32
	ready := make(chan struct{})

	sub = attach(t, d, subscription.ModeDirect, subscription.CallbackFunc(func(tuple.Tuple) error {
		<-ready
		calls.Add(1)
		d.Detach(sub.Handle()) // unregistering from inside the callback must not deadlock
		return nil
	}))
	close(ready)

	d.Notify(sub, tupleAt(1, "a", 1))

	deadline := time.Now().Add(2 * time.Second)
	for d.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if d.Len() != 0 {
		t.Fatalf("Self detach did not happen")
	}
	if err := d.Drain(context.Background(), sub.Handle()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if d.Notify(sub, tupleAt(1, "b", 2)) {
		t.Errorf("Notify after self detach must be dropped")
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 call, got %d", calls.Load())
	}
}

func TestIndirectSkipsStale(t *testing.T) {
	d := New(nil)
	rec := &recorder{}
	sub := attach(t, d, subscription.ModeIndirect, rec)

	d.Notify(sub, tupleAt(12, "new", 10))
	d.Notify(sub, tupleAt(12, "old", 5)) // value read after a rebind, older than what was queued
	d.Notify(sub, tupleAt(12, "newer", 11))

	rec.waitFor(t, 2)
	time.Sleep(10 * time.Millisecond)
	got := rec.snapshot()
	if len(got) != 2 || got[0].StringData() != "new" || got[1].StringData() != "newer" {
		t.Errorf("Expected [new newer], got %v", got)
	}
}

func TestNotifyUnattached(t *testing.T) {
	d := New(nil)
	sub, _ := subscription.New(tuple.Exact(tuple.ID{Owner: 1, Key: "k"}), subscription.ModeDirect, &recorder{})
	if d.Notify(sub, tupleAt(1, "x", 1)) {
		t.Errorf("Notify of an unattached subscription must fail")
	}
	if err := d.Attach(sub); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := d.Attach(sub); !errors.Is(err, tuple.ErrInvalidHandle) {
		t.Errorf("Second Attach: expected InvalidHandle, got %v", err)
	}
}

func TestDrainRejectsForgedHandles(t *testing.T) {
	d := New(nil)
	for _, h := range []*subscription.Handle{nil, {}} {
		if err := d.Drain(context.Background(), h); !errors.Is(err, tuple.ErrInvalidHandle) {
			t.Errorf("Drain(%s): expected InvalidHandle, got %v", h, err)
		}
	}
}

func TestClose(t *testing.T) {
	d := New(nil)
	rec := &recorder{block: make(chan struct{})}
	sub := attach(t, d, subscription.ModeDirect, rec)
	d.Notify(sub, tupleAt(1, "x", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected Close to time out while a callback blocks, got %v", err)
	}

	close(rec.block)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(rec.snapshot()) != 1 {
		t.Errorf("Queued delivery lost on Close")
	}

	other, _ := subscription.New(tuple.Exact(tuple.ID{Owner: 1, Key: "k"}), subscription.ModeDirect, rec)
	if err := d.Attach(other); !errors.Is(err, tuple.ErrNotRunning) {
		t.Errorf("Attach after Close: expected NotRunning, got %v", err)
	}
}
