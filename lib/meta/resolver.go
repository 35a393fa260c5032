package meta

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ValentinKolb/dTS/lib/db"
	"github.com/ValentinKolb/dTS/lib/tuple"
	"github.com/puzpuzpuz/xsync/v3"
)

// TupleAccess is the read/write path the resolver uses for meta tuples and their targets.
// The engine passes its own notifying write path so that rebinding a meta tuple
// reaches subscribers like any other write.
type TupleAccess interface {
	ReadTuple(id tuple.ID, opts db.ReadOptions) (tuple.Tuple, error)
	WriteTuple(id tuple.ID, data []byte, opts db.WriteOptions) (tuple.Tuple, error)
}

// slot is a declared meta tuple. mu serializes declare and point on the same slot.
type slot struct {
	mu          sync.Mutex
	initialized bool
}

// Resolver resolves one level of indirection from a meta tuple to the tuple it names.
//
// A meta tuple holds either the unbound sentinel or "(META <owner> <key>)".
// Targets are always concrete tuples: a declared meta tuple can never be the target
// of another one, so resolution is exactly one hop.
type Resolver struct {
	access   TupleAccess
	declared *xsync.MapOf[tuple.ID, *slot]
}

// NewResolver creates a resolver on top of access
func NewResolver(access TupleAccess) *Resolver {
	return &Resolver{
		access:   access,
		declared: xsync.NewMapOf[tuple.ID, *slot](),
	}
}

// Declare initializes the meta tuple at id with the unbound sentinel.
// Declaring again is a no-op, and an existing valid meta tuple (for example one
// received from a peer) keeps its binding. A stored binding to another declared
// meta tuple is reset to unbound.
func (r *Resolver) Declare(id tuple.ID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if r.isTarget(id) {
		return tuple.Errorf(tuple.RetCInvalidIdentifier, "%s is the target of a meta tuple and cannot be declared", id)
	}

	s, _ := r.declared.LoadOrCompute(id, func() *slot { return &slot{} })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	existing, err := r.access.ReadTuple(id, db.ReadOptions{})
	switch {
	case err == nil && tuple.IsMetaPayload(existing.Data) && !r.chained(existing):
		// keep the binding
	case err == nil || errors.Is(err, tuple.ErrNotFound):
		if _, err := r.access.WriteTuple(id, []byte(tuple.UnboundMeta), db.WriteOptions{MimeType: tuple.MetaMimeType}); err != nil {
			return fmt.Errorf("declare %s: %w", id, err)
		}
	default:
		return fmt.Errorf("declare %s: %w", id, err)
	}

	s.initialized = true
	return nil
}

// IsDeclared reports whether id was declared as a meta tuple
func (r *Resolver) IsDeclared(id tuple.ID) bool {
	_, ok := r.declared.Load(id)
	return ok
}

// Len returns the number of declared meta tuples
func (r *Resolver) Len() int {
	return r.declared.Size()
}

// Point rebinds the meta tuple at id to target.
// Fails with NotDeclared if id was never declared and with InvalidIdentifier if
// target is itself a declared meta tuple.
func (r *Resolver) Point(id tuple.ID, target tuple.ID) (tuple.Tuple, error) {
	if err := id.Validate(); err != nil {
		return tuple.Tuple{}, err
	}
	if err := target.Validate(); err != nil {
		return tuple.Tuple{}, err
	}
	if r.IsDeclared(target) {
		return tuple.Tuple{}, tuple.Errorf(tuple.RetCInvalidIdentifier, "%s is a meta tuple, meta tuples cannot point to meta tuples", target)
	}

	s, ok := r.declared.Load(id)
	if !ok {
		return tuple.Tuple{}, tuple.Errorf(tuple.RetCNotDeclared, "meta tuple %s", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return r.access.WriteTuple(id, tuple.EncodeMeta(target), db.WriteOptions{MimeType: tuple.MetaMimeType})
}

// Resolve returns the target of the meta tuple at id.
// Fails with NotFound if the meta tuple does not exist, with Unbound if it does
// not point anywhere yet and with InvalidIdentifier if it points to another meta tuple
// (a binding received from a peer).
func (r *Resolver) Resolve(id tuple.ID) (tuple.ID, error) {
	metaTuple, err := r.access.ReadTuple(id, db.ReadOptions{})
	if err != nil {
		return tuple.ID{}, err
	}

	target, bound, err := tuple.DecodeMeta(metaTuple.Data)
	if err != nil {
		return tuple.ID{}, err
	}
	if !bound {
		return tuple.ID{}, tuple.Errorf(tuple.RetCUnbound, "meta tuple %s", id)
	}
	if r.IsDeclared(target) {
		return tuple.ID{}, tuple.Errorf(tuple.RetCInvalidIdentifier, "meta tuple %s points to meta tuple %s", id, target)
	}
	return target, nil
}

// Binding returns the tuple metaTuple points to. A payload that is not a binding,
// or whose target is a declared meta tuple, counts as unbound.
func (r *Resolver) Binding(metaTuple tuple.Tuple) (tuple.ID, bool) {
	target, bound, err := tuple.DecodeMeta(metaTuple.Data)
	if err != nil || !bound || r.IsDeclared(target) {
		return tuple.ID{}, false
	}
	return target, true
}

// chained reports whether metaTuple is bound to a declared meta tuple
func (r *Resolver) chained(metaTuple tuple.Tuple) bool {
	target, bound, err := tuple.DecodeMeta(metaTuple.Data)
	return err == nil && bound && r.IsDeclared(target)
}

// ReadIndirect resolves id and reads the target tuple.
// Fails with NotDeclared for an undeclared slot and with Unbound for a slot that was
// never pointed anywhere.
func (r *Resolver) ReadIndirect(id tuple.ID, opts db.ReadOptions) (tuple.Tuple, error) {
	target, err := r.resolveDeclared(id)
	if err != nil {
		return tuple.Tuple{}, err
	}
	return r.access.ReadTuple(target, opts)
}

// WriteIndirect resolves id and writes data to the target tuple, never to the meta tuple itself.
func (r *Resolver) WriteIndirect(id tuple.ID, data []byte, opts db.WriteOptions) (tuple.Tuple, error) {
	target, err := r.resolveDeclared(id)
	if err != nil {
		return tuple.Tuple{}, err
	}
	return r.access.WriteTuple(target, data, opts)
}

func (r *Resolver) resolveDeclared(id tuple.ID) (tuple.ID, error) {
	if err := id.Validate(); err != nil {
		return tuple.ID{}, err
	}
	if !r.IsDeclared(id) {
		return tuple.ID{}, tuple.Errorf(tuple.RetCNotDeclared, "meta tuple %s", id)
	}
	return r.Resolve(id)
}

// isTarget reports whether some declared meta tuple currently points to id
func (r *Resolver) isTarget(id tuple.ID) bool {
	found := false
	r.declared.Range(func(slotID tuple.ID, _ *slot) bool {
		if target, err := r.Resolve(slotID); err == nil && target == id {
			found = true
			return false
		}
		return true
	})
	return found
}
