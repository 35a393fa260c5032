package subscription

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dTS/lib/tuple"
)

var noop = CallbackFunc(func(tuple.Tuple) error { return nil })

func mustPattern(t *testing.T, s string) tuple.Pattern {
	t.Helper()
	p, err := tuple.ParsePattern(s)
	if err != nil {
		t.Fatalf("ParsePattern(%q): %v", s, err)
	}
	return p
}

func mustSub(t *testing.T, pattern string, mode Mode) *Subscription {
	t.Helper()
	sub, err := New(mustPattern(t, pattern), mode, noop)
	if err != nil {
		t.Fatalf("New(%s): %v", pattern, err)
	}
	return sub
}

func metaTuple(slot tuple.ID, target *tuple.ID, ts int64) tuple.Tuple {
	data := []byte(tuple.UnboundMeta)
	if target != nil {
		data = tuple.EncodeMeta(*target)
	}
	return tuple.Tuple{Owner: slot.Owner, Key: slot.Key, Data: data, WriteTS: time.Unix(0, ts)}
}

func contains(subs []*Subscription, sub *Subscription) bool {
	for _, s := range subs {
		if s == sub {
			return true
		}
	}
	return false
}

func TestNewValidation(t *testing.T) {
	_, err := New(tuple.Exact(tuple.ID{Owner: 1, Key: "a"}), ModeDirect, nil)
	if !errors.Is(err, ErrNilCallback) || errors.Is(err, tuple.ErrInvalidHandle) {
		t.Errorf("Expected ErrNilCallback for nil callback, got %v", err)
	}
	if _, err := New(tuple.Pattern{}, ModeDirect, noop); !errors.Is(err, tuple.ErrInvalidIdentifier) {
		t.Errorf("Expected InvalidIdentifier for zero pattern, got %v", err)
	}
	if _, err := New(mustPattern(t, "*:goal"), ModeIndirect, noop); !errors.Is(err, tuple.ErrInvalidIdentifier) {
		t.Errorf("Expected InvalidIdentifier for wildcard meta subscription, got %v", err)
	}

	a := mustSub(t, "1:a", ModeDirect)
	b := mustSub(t, "1:a", ModeDirect)
	if a.Handle() == b.Handle() || a.Handle().String() == b.Handle().String() {
		t.Errorf("Handles must be unique: %s, %s", a.Handle(), b.Handle())
	}
}

func TestExactAndWildcardMatching(t *testing.T) {
	r := NewRegistry()

	exact := mustSub(t, "1:robot.pos", ModeDirect)
	dup := mustSub(t, "1:robot.pos", ModeDirect)
	anyOwner := mustSub(t, "*:RFIDTags", ModeDirect)
	segment := mustSub(t, "1:robot.*", ModeDirect)
	everything := mustSub(t, "*:*", ModeDirect)

	for _, s := range []*Subscription{exact, dup, anyOwner, segment, everything} {
		r.Add(s)
	}
	if r.Len() != 5 {
		t.Fatalf("Expected 5 subscriptions, got %d", r.Len())
	}

	tests := []struct {
		id       tuple.ID
		expected []*Subscription
	}{
		{tuple.ID{Owner: 1, Key: "robot.pos"}, []*Subscription{exact, dup, segment, everything}},
		{tuple.ID{Owner: 2, Key: "robot.pos"}, []*Subscription{everything}},
		{tuple.ID{Owner: 5, Key: "RFIDTags"}, []*Subscription{anyOwner, everything}},
		{tuple.ID{Owner: 7, Key: "RFIDTags"}, []*Subscription{anyOwner, everything}},
		{tuple.ID{Owner: 1, Key: "robot.arm.pos"}, []*Subscription{everything}},
	}

	for _, tt := range tests {
		got := r.MatchingSubscriptions(tt.id)
		if len(got) != len(tt.expected) {
			t.Errorf("%s: expected %d matches, got %d", tt.id, len(tt.expected), len(got))
			continue
		}
		for _, s := range tt.expected {
			if !contains(got, s) {
				t.Errorf("%s: missing %s", tt.id, s)
			}
		}
	}
}

func TestRemove(t *testing.T) {
	r := NewRegistry()
	a := mustSub(t, "1:a", ModeDirect)
	b := mustSub(t, "1:a", ModeDirect)
	w := mustSub(t, "*:a", ModeDirect)
	r.Add(a)
	r.Add(b)
	r.Add(w)

	removed, err := r.Remove(a.Handle())
	if err != nil || removed != a {
		t.Fatalf("Remove failed: %v", err)
	}

	got := r.MatchingSubscriptions(tuple.ID{Owner: 1, Key: "a"})
	if contains(got, a) || !contains(got, b) || !contains(got, w) {
		t.Errorf("Duplicates must be removed independently, got %v", got)
	}

	if _, err := r.Remove(a.Handle()); !errors.Is(err, tuple.ErrInvalidHandle) {
		t.Errorf("Second Remove: expected InvalidHandle, got %v", err)
	}
	if _, err := r.Remove(nil); !errors.Is(err, tuple.ErrInvalidHandle) {
		t.Errorf("Remove(nil): expected InvalidHandle, got %v", err)
	}
	if _, err := r.Remove(&Handle{id: 999999}); !errors.Is(err, tuple.ErrInvalidHandle) {
		t.Errorf("Remove of forged handle: expected InvalidHandle, got %v", err)
	}

	if _, err := r.Remove(w.Handle()); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if got := r.MatchingSubscriptions(tuple.ID{Owner: 3, Key: "a"}); len(got) != 0 {
		t.Errorf("Expected no matches after removing the wildcard, got %v", got)
	}
	if _, ok := r.Lookup(b.Handle()); !ok || r.Len() != 1 {
		t.Errorf("Expected only b to remain")
	}
}

func TestIndirectRebinding(t *testing.T) {
	r := NewRegistry()
	slot := tuple.ID{Owner: 9, Key: "goal"}
	status := tuple.ID{Owner: 12, Key: "status"}
	other := tuple.ID{Owner: 13, Key: "status"}

	sub := mustSub(t, "9:goal", ModeIndirect)
	r.Add(sub)

	// unbound: nothing to deliver
	if got := r.MatchingSubscriptions(status); len(got) != 0 {
		t.Fatalf("Unbound subscription matched %v", got)
	}

	m := r.Match(metaTuple(slot, &status, 10))
	if len(m.Rebound) != 1 || m.Rebound[0].Target != status || m.Rebound[0].Sub != sub {
		t.Fatalf("Expected rebind to %v, got %+v", status, m.Rebound)
	}
	if target, bound := sub.Target(); !bound || target != status {
		t.Errorf("Expected target %v, got %v (bound=%v)", status, target, bound)
	}
	if !contains(r.MatchingSubscriptions(status), sub) {
		t.Errorf("Expected bound subscription to match its target")
	}

	// an older meta tuple is ignored
	if rebound := r.Rebind(metaTuple(slot, &other, 5)); len(rebound) != 0 {
		t.Errorf("Stale meta tuple rebound the subscription: %+v", rebound)
	}

	// the same binding again is not a change
	if rebound := r.Rebind(metaTuple(slot, &status, 11)); len(rebound) != 0 {
		t.Errorf("Unchanged binding reported a rebind: %+v", rebound)
	}

	m = r.Match(metaTuple(slot, &other, 20))
	if len(m.Rebound) != 1 || m.Rebound[0].Target != other {
		t.Fatalf("Expected rebind to %v, got %+v", other, m.Rebound)
	}
	if contains(r.MatchingSubscriptions(status), sub) || !contains(r.MatchingSubscriptions(other), sub) {
		t.Errorf("Target index not moved")
	}

	// unbinding removes it from the target index without reporting a rebind
	m = r.Match(metaTuple(slot, nil, 30))
	if len(m.Rebound) != 0 {
		t.Errorf("Unbind should not report a rebind: %+v", m.Rebound)
	}
	if len(r.MatchingSubscriptions(other)) != 0 {
		t.Errorf("Unbound subscription still matches its old target")
	}
}

func TestMetaTupleAlsoMatchesDirect(t *testing.T) {
	r := NewRegistry()
	slot := tuple.ID{Owner: 9, Key: "goal"}
	status := tuple.ID{Owner: 12, Key: "status"}

	direct := mustSub(t, "9:goal", ModeDirect)
	indirect := mustSub(t, "9:goal", ModeIndirect)
	r.Add(direct)
	r.Add(indirect)

	m := r.Match(metaTuple(slot, &status, 1))
	if len(m.Deliver) != 1 || m.Deliver[0] != direct {
		t.Errorf("Expected only the direct subscription to receive the meta tuple, got %v", m.Deliver)
	}
	if len(m.Rebound) != 1 || m.Rebound[0].Sub != indirect {
		t.Errorf("Expected the indirect subscription to be rebound, got %+v", m.Rebound)
	}
}

func TestRemoveSlot(t *testing.T) {
	r := NewRegistry()
	slot := tuple.ID{Owner: 9, Key: "goal"}
	status := tuple.ID{Owner: 12, Key: "status"}

	a := mustSub(t, "9:goal", ModeIndirect)
	b := mustSub(t, "9:goal", ModeIndirect)
	keep := mustSub(t, "9:other", ModeIndirect)
	for _, s := range []*Subscription{a, b, keep} {
		r.Add(s)
	}
	r.Rebind(metaTuple(slot, &status, 1))

	removed := r.RemoveSlot(slot)
	if len(removed) != 2 || !contains(removed, a) || !contains(removed, b) {
		t.Fatalf("Expected a and b to be removed, got %v", removed)
	}
	if len(r.MatchingSubscriptions(status)) != 0 {
		t.Errorf("Removed subscriptions still match their target")
	}
	if _, err := r.Remove(a.Handle()); !errors.Is(err, tuple.ErrInvalidHandle) {
		t.Errorf("Expected InvalidHandle after RemoveSlot, got %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 remaining subscription, got %d", r.Len())
	}
	if len(r.RemoveSlot(slot)) != 0 {
		t.Errorf("Second RemoveSlot should remove nothing")
	}
}

func TestAdmit(t *testing.T) {
	status := tuple.ID{Owner: 12, Key: "status"}
	other := tuple.ID{Owner: 13, Key: "status"}
	at := func(id tuple.ID, ts int64) tuple.Tuple {
		return tuple.Tuple{Owner: id.Owner, Key: id.Key, WriteTS: time.Unix(0, ts)}
	}

	direct := mustSub(t, "12:status", ModeDirect)
	if !direct.Admit(at(status, 5)) || !direct.Admit(at(status, 5)) {
		t.Errorf("Direct subscriptions admit everything")
	}

	sub := mustSub(t, "9:goal", ModeIndirect)
	steps := []struct {
		t        tuple.Tuple
		expected bool
	}{
		{at(status, 10), true},
		{at(status, 10), false}, // same write read again after a rebind
		{at(status, 9), false},
		{at(status, 11), true},
		{at(other, 3), true}, // a different target is always admitted
		{at(status, 12), true},
	}
	for i, step := range steps {
		if got := sub.Admit(step.t); got != step.expected {
			t.Errorf("step %d: Admit(%v) = %v, expected %v", i, step.t.WriteTS.UnixNano(), got, step.expected)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	id := tuple.ID{Owner: 1, Key: "hot"}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				sub, _ := New(tuple.Exact(id), ModeDirect, noop)
				r.Add(sub)
				if _, err := r.Remove(sub.Handle()); err != nil {
					t.Errorf("Remove failed: %v", err)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = r.Match(tuple.Tuple{Owner: id.Owner, Key: id.Key, WriteTS: time.Unix(0, int64(i))})
			}
		}()
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("Expected empty registry, got %d", r.Len())
	}
}

func TestReplayWatermarks(t *testing.T) {
	a := tuple.ID{Owner: 1, Key: "a"}
	b := tuple.ID{Owner: 1, Key: "b"}
	c := tuple.ID{Owner: 1, Key: "c"}
	at := func(id tuple.ID, ts int64) tuple.Tuple {
		return tuple.Tuple{Owner: id.Owner, Key: id.Key, WriteTS: time.Unix(0, ts)}
	}

	sub := mustSub(t, "1:*", ModeDirect)
	sub.BeginReplay()

	// live write to a admitted while the stored matches are collected
	if !sub.Admit(at(a, 20)) {
		t.Fatalf("Live tuple must be admitted during replay")
	}
	sub.EndReplay([]tuple.ID{a, b})

	steps := []struct {
		t        tuple.Tuple
		expected bool
	}{
		{at(a, 10), false}, // replayed value older than the live write
		{at(b, 15), true},
		{at(b, 15), false},
		{at(a, 21), true},
		{at(c, 1), true}, // not replayed, never filtered
		{at(c, 1), true},
	}
	for i, step := range steps {
		if got := sub.Admit(step.t); got != step.expected {
			t.Errorf("step %d: Admit(%s@%d) = %v, expected %v", i, step.t.Key, step.t.WriteTS.UnixNano(), got, step.expected)
		}
	}
}
