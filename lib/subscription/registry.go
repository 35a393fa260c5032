package subscription

import (
	"sync"

	"github.com/ValentinKolb/dTS/lib/tuple"
)

type subSet map[*Subscription]struct{}

func (s subSet) add(sub *Subscription)    { s[sub] = struct{}{} }
func (s subSet) remove(sub *Subscription) { delete(s, sub) }

// Rebind reports that an indirect subscription now follows a new target.
// The caller is expected to deliver the current value of Target.
type Rebind struct {
	Sub    *Subscription
	Target tuple.ID
}

// Match is the result of matching one committed tuple
type Match struct {
	Deliver []*Subscription // subscriptions that must receive the tuple
	Rebound []Rebind        // indirect subscriptions that moved to a new target
}

// Registry tracks active subscriptions and finds the ones affected by a write.
//
// Indexes:
//   - exact: concrete (owner,key) of direct subscriptions
//   - wildcard: direct subscriptions with an any-owner or wildcard key matcher
//   - slots: meta tuple identity to the indirect subscriptions following it
//   - targets: current target identity to the indirect subscriptions bound to it
//
// The registry never calls callbacks and never calls into the store, so its lock
// may be taken while a store write holds an entry.
type Registry struct {
	mu       sync.RWMutex
	binding  BindingFunc
	subs     map[*Handle]*Subscription
	exact    map[tuple.ID]subSet
	wildcard subSet
	slots    map[tuple.ID]subSet
	targets  map[tuple.ID]subSet
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		binding:  decodeBinding,
		subs:     make(map[*Handle]*Subscription),
		exact:    make(map[tuple.ID]subSet),
		wildcard: make(subSet),
		slots:    make(map[tuple.ID]subSet),
		targets:  make(map[tuple.ID]subSet),
	}
}

// BindingFunc returns the tuple a meta tuple points to
type BindingFunc func(metaTuple tuple.Tuple) (target tuple.ID, bound bool)

func decodeBinding(metaTuple tuple.Tuple) (tuple.ID, bool) {
	target, bound, err := tuple.DecodeMeta(metaTuple.Data)
	return target, err == nil && bound
}

// SetBinding replaces how meta tuple payloads are turned into targets.
// The engine uses it to treat bindings to other meta tuples as unbound.
func (r *Registry) SetBinding(fn BindingFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.binding = fn
}

// --------------------------------------------------------------------------
// Subscribe / Unsubscribe
// --------------------------------------------------------------------------

// Add registers sub. Duplicate patterns are tracked independently.
// An indirect subscription starts unbound; the caller binds it with Rebind.
func (r *Registry) Add(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs[sub.handle] = sub

	switch {
	case sub.mode == ModeIndirect:
		slot := sub.slot()
		index(r.slots, slot).add(sub)
		if target, bound := sub.Target(); bound {
			index(r.targets, target).add(sub)
		}
	default:
		if id, ok := sub.pattern.Concrete(); ok {
			index(r.exact, id).add(sub)
		} else {
			r.wildcard.add(sub)
		}
	}
}

// Remove unregisters the subscription of h.
// Fails with InvalidHandle for a nil, unknown or already removed handle.
func (r *Registry) Remove(h *Handle) (*Subscription, error) {
	if h == nil {
		return nil, tuple.NewError(tuple.RetCInvalidHandle, "nil handle")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[h]
	if !ok {
		return nil, tuple.Errorf(tuple.RetCInvalidHandle, "%s is not registered", h)
	}
	r.removeLocked(sub)
	return sub, nil
}

// RemoveSlot unregisters every indirect subscription following the meta tuple slot
// and returns them. It is not an error if there are none.
func (r *Registry) RemoveSlot(slot tuple.ID) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.slots[slot]
	removed := make([]*Subscription, 0, len(set))
	for sub := range set {
		removed = append(removed, sub)
	}
	for _, sub := range removed {
		r.removeLocked(sub)
	}
	return removed
}

func (r *Registry) removeLocked(sub *Subscription) {
	delete(r.subs, sub.handle)

	if sub.mode == ModeIndirect {
		unindex(r.slots, sub.slot(), sub)
		if target, bound := sub.Target(); bound {
			unindex(r.targets, target, sub)
		}
		return
	}

	if id, ok := sub.pattern.Concrete(); ok {
		unindex(r.exact, id, sub)
	} else {
		r.wildcard.remove(sub)
	}
}

// Len returns the number of registered subscriptions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Lookup returns the subscription of h if it is registered
func (r *Registry) Lookup(h *Handle) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[h]
	return sub, ok
}

// --------------------------------------------------------------------------
// Matching
// --------------------------------------------------------------------------

// MatchingSubscriptions returns every subscription that must be notified about a
// change of id: direct subscriptions whose pattern matches and indirect
// subscriptions currently bound to id.
func (r *Registry) MatchingSubscriptions(id tuple.ID) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.matchingLocked(id)
}

func (r *Registry) matchingLocked(id tuple.ID) []*Subscription {
	matches := make([]*Subscription, 0, len(r.exact[id])+len(r.targets[id]))
	for sub := range r.exact[id] {
		matches = append(matches, sub)
	}
	for sub := range r.wildcard {
		if sub.matchesDirect(id) {
			matches = append(matches, sub)
		}
	}
	for sub := range r.targets[id] {
		matches = append(matches, sub)
	}
	return matches
}

// Match processes a committed tuple: it collects the subscriptions to notify and,
// if t is a meta tuple that indirect subscriptions follow, rebinds them.
func (r *Registry) Match(t tuple.Tuple) Match {
	id := t.ID()

	r.mu.RLock()
	deliver := r.matchingLocked(id)
	followed := len(r.slots[id]) > 0
	r.mu.RUnlock()

	m := Match{Deliver: deliver}
	if followed {
		m.Rebound = r.Rebind(t)
	}
	return m
}

// Rebind applies the binding in metaTuple to every indirect subscription following it.
// A binding older than the one a subscription already has is ignored, so the order in
// which concurrent callers apply meta tuples does not matter.
func (r *Registry) Rebind(metaTuple tuple.Tuple) []Rebind {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, bound := r.binding(metaTuple)
	var rebound []Rebind
	for sub := range r.slots[metaTuple.ID()] {
		old, oldBound, changed := sub.rebind(target, bound, metaTuple.WriteTS)
		if !changed {
			continue
		}
		if oldBound {
			unindex(r.targets, old, sub)
		}
		if target, bound := sub.Target(); bound {
			index(r.targets, target).add(sub)
			rebound = append(rebound, Rebind{Sub: sub, Target: target})
		}
	}
	return rebound
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func index(m map[tuple.ID]subSet, id tuple.ID) subSet {
	set, ok := m[id]
	if !ok {
		set = make(subSet)
		m[id] = set
	}
	return set
}

func unindex(m map[tuple.ID]subSet, id tuple.ID, sub *Subscription) {
	if set, ok := m[id]; ok {
		set.remove(sub)
		if len(set) == 0 {
			delete(m, id)
		}
	}
}
