package subscription

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dTS/lib/tuple"
)

// --------------------------------------------------------------------------
// Callback
// --------------------------------------------------------------------------

// Callback receives the tuples matched by a subscription.
// A returned error is logged by the dispatcher and has no other effect.
type Callback interface {
	OnTuple(t tuple.Tuple) error
}

// ErrNilCallback is returned when a subscription is created without a callback
var ErrNilCallback = errors.New("callback must not be nil")

// CallbackFunc adapts a function to the Callback interface
type CallbackFunc func(t tuple.Tuple) error

// OnTuple calls f(t)
func (f CallbackFunc) OnTuple(t tuple.Tuple) error {
	return f(t)
}

// --------------------------------------------------------------------------
// Handle
// --------------------------------------------------------------------------

var handleSeq atomic.Uint64

// Handle identifies a subscription for unregistration.
// Handles are compared by pointer and cannot be constructed outside this package.
type Handle struct {
	id uint64
}

// Issued reports whether h was handed out by New. A nil or zero handle never was.
func (h *Handle) Issued() bool {
	return h != nil && h.id != 0
}

func (h *Handle) String() string {
	if h == nil {
		return "handle(nil)"
	}
	return fmt.Sprintf("handle(%d)", h.id)
}

// --------------------------------------------------------------------------
// Mode
// --------------------------------------------------------------------------

type Mode int

const (
	ModeDirect   Mode = iota // pattern addresses tuples
	ModeIndirect             // pattern addresses a meta tuple, deliveries come from its target
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeIndirect:
		return "indirect"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Subscription
// --------------------------------------------------------------------------

// Subscription is a standing interest in tuples matching a pattern.
type Subscription struct {
	handle   *Handle
	pattern  tuple.Pattern
	mode     Mode
	callback Callback

	// indirect only, guarded by mu
	mu          sync.Mutex
	target      tuple.ID
	bound       bool
	boundTS     time.Time // write stamp of the meta tuple that produced the binding
	lastTarget  tuple.ID
	lastTS      time.Time // write stamp of the last admitted delivery from lastTarget
	hasLastSeen bool

	// replay watermarks of direct subscriptions, guarded by mu
	replay    map[tuple.ID]time.Time
	recordAll bool
}

// New creates a subscription with a fresh handle.
// Indirect subscriptions must name exactly one meta tuple.
func New(pattern tuple.Pattern, mode Mode, callback Callback) (*Subscription, error) {
	if callback == nil {
		return nil, ErrNilCallback
	}
	if err := pattern.Validate(); err != nil {
		return nil, err
	}
	if mode == ModeIndirect {
		if _, ok := pattern.Concrete(); !ok {
			return nil, tuple.Errorf(tuple.RetCInvalidIdentifier, "meta subscription %s must name one meta tuple", pattern)
		}
	} else if mode != ModeDirect {
		return nil, tuple.Errorf(tuple.RetCInvalidIdentifier, "unknown subscription mode %d", mode)
	}

	return &Subscription{
		handle:   &Handle{id: handleSeq.Add(1)},
		pattern:  pattern,
		mode:     mode,
		callback: callback,
	}, nil
}

// Handle returns the handle used to unregister the subscription
func (s *Subscription) Handle() *Handle { return s.handle }

// Pattern returns the pattern (a meta tuple identity for indirect subscriptions)
func (s *Subscription) Pattern() tuple.Pattern { return s.pattern }

func (s *Subscription) Mode() Mode { return s.mode }

func (s *Subscription) Callback() Callback { return s.callback }

func (s *Subscription) String() string {
	return fmt.Sprintf("%s %s %s", s.handle, s.mode, s.pattern)
}

// slot returns the meta tuple of an indirect subscription
func (s *Subscription) slot() tuple.ID {
	id, _ := s.pattern.Concrete()
	return id
}

// matchesDirect reports whether a direct subscription is interested in id
func (s *Subscription) matchesDirect(id tuple.ID) bool {
	return s.mode == ModeDirect && s.pattern.Matches(id)
}

// Target returns the tuple an indirect subscription currently follows
func (s *Subscription) Target() (tuple.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target, s.bound
}

// Admit decides whether t may be delivered and records it.
// Direct subscriptions admit everything. Indirect subscriptions drop a tuple that
// is not newer than the last one admitted from the same target, which happens when
// the current value read after a rebind races with a newer write to the target.
func (s *Subscription) Admit(t tuple.Tuple) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != ModeIndirect {
		return s.admitReplayLocked(t)
	}

	if s.hasLastSeen && s.lastTarget == t.ID() && !t.WriteTS.After(s.lastTS) {
		return false
	}
	s.lastTarget, s.lastTS, s.hasLastSeen = t.ID(), t.WriteTS, true
	return true
}

// rebind applies the binding carried by a meta tuple write.
// It returns the previous and new binding and whether anything changed.
// Bindings only move forward in write stamp order.
func (s *Subscription) rebind(target tuple.ID, bound bool, ts time.Time) (old tuple.ID, oldBound bool, changed bool) {
	if !bound {
		target = tuple.ID{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.boundTS.IsZero() && !ts.After(s.boundTS) {
		return s.target, s.bound, false
	}
	s.boundTS = ts

	old, oldBound = s.target, s.bound
	if old == target && oldBound == bound {
		return old, oldBound, false
	}
	s.target, s.bound = target, bound
	return old, oldBound, true
}

// --------------------------------------------------------------------------
// Replay
// --------------------------------------------------------------------------

// BeginReplay must be called before a direct subscription is added to the registry
// when the currently stored matches are going to be replayed to it. Until EndReplay
// every admitted tuple records a per identity watermark.
func (s *Subscription) BeginReplay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replay = make(map[tuple.ID]time.Time)
	s.recordAll = true
}

// EndReplay keeps watermarks only for the replayed identities. It must be called
// before the replayed tuples are queued. A replayed tuple that is not newer than a
// live write already admitted for its identity is then dropped by Admit.
func (s *Subscription) EndReplay(replayed []tuple.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[tuple.ID]time.Time, len(replayed))
	for _, id := range replayed {
		keep[id] = s.replay[id]
	}
	s.replay = keep
	s.recordAll = false
}

func (s *Subscription) admitReplayLocked(t tuple.Tuple) bool {
	if s.replay == nil {
		return true
	}
	id := t.ID()
	mark, tracked := s.replay[id]
	if tracked && !t.WriteTS.After(mark) {
		return false
	}
	if tracked || s.recordAll {
		s.replay[id] = t.WriteTS
	}
	return true
}
