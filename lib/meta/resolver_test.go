package meta

import (
	"errors"
	"sync"
	"testing"

	"github.com/ValentinKolb/dTS/lib/db"
	"github.com/ValentinKolb/dTS/lib/db/engines/maple"
	"github.com/ValentinKolb/dTS/lib/tuple"
)

// storeAccess reads and writes a database directly and counts writes
type storeAccess struct {
	db     db.TupleDB
	mu     sync.Mutex
	writes []tuple.ID
}

func (a *storeAccess) ReadTuple(id tuple.ID, opts db.ReadOptions) (tuple.Tuple, error) {
	return a.db.Read(tuple.Owner(id.Owner), id.Key, opts)
}

func (a *storeAccess) WriteTuple(id tuple.ID, data []byte, opts db.WriteOptions) (tuple.Tuple, error) {
	a.mu.Lock()
	a.writes = append(a.writes, id)
	a.mu.Unlock()
	return a.db.Write(id, data, opts)
}

func newResolver(t *testing.T) (*Resolver, *storeAccess) {
	database := maple.NewMapleDB(nil)
	t.Cleanup(func() { _ = database.Close() })
	access := &storeAccess{db: database}
	return NewResolver(access), access
}

var (
	goal   = tuple.ID{Owner: 9, Key: "goal"}
	status = tuple.ID{Owner: 12, Key: "status"}
)

func TestDeclareIsIdempotent(t *testing.T) {
	r, access := newResolver(t)

	if err := r.Declare(goal); err != nil {
		t.Fatalf("Declare failed: %v", err)
	}
	if _, err := r.Point(goal, status); err != nil {
		t.Fatalf("Point failed: %v", err)
	}
	if err := r.Declare(goal); err != nil {
		t.Fatalf("second Declare failed: %v", err)
	}

	// the second declare must not reset the binding
	target, err := r.Resolve(goal)
	if err != nil || target != status {
		t.Errorf("Expected binding to %v to survive, got %v (%v)", status, target, err)
	}
	if len(access.writes) != 2 {
		t.Errorf("Expected 2 writes (declare, point), got %d", len(access.writes))
	}
	if !r.IsDeclared(goal) || r.Len() != 1 {
		t.Errorf("Expected exactly one declared slot")
	}
}

func TestDeclareWritesUnboundSentinel(t *testing.T) {
	r, access := newResolver(t)

	if err := r.Declare(goal); err != nil {
		t.Fatalf("Declare failed: %v", err)
	}

	stored, err := access.ReadTuple(goal, db.ReadOptions{})
	if err != nil {
		t.Fatalf("meta tuple not stored: %v", err)
	}
	if stored.StringData() != tuple.UnboundMeta || stored.MimeType != tuple.MetaMimeType {
		t.Errorf("Expected unbound sentinel with meta mime type, got %v", stored)
	}

	if _, err := r.Resolve(goal); !errors.Is(err, tuple.ErrUnbound) {
		t.Errorf("Expected Unbound, got %v", err)
	}
}

func TestDeclareKeepsExistingBinding(t *testing.T) {
	r, access := newResolver(t)

	// e.g. received from a peer before the local declare
	if _, err := access.WriteTuple(goal, tuple.EncodeMeta(status), db.WriteOptions{}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := r.Declare(goal); err != nil {
		t.Fatalf("Declare failed: %v", err)
	}

	target, err := r.Resolve(goal)
	if err != nil || target != status {
		t.Errorf("Expected existing binding %v, got %v (%v)", status, target, err)
	}
}

func TestStoredChainIsNotFollowed(t *testing.T) {
	r, access := newResolver(t)
	other := tuple.ID{Owner: 9, Key: "subgoal"}

	if err := r.Declare(other); err != nil {
		t.Fatalf("Declare failed: %v", err)
	}

	// a peer bound goal to another meta tuple before goal was declared here
	chain, err := access.WriteTuple(goal, tuple.EncodeMeta(other), db.WriteOptions{})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, bound := r.Binding(chain); bound {
		t.Errorf("Binding to a declared meta tuple must count as unbound")
	}
	if err := r.Declare(goal); err != nil {
		t.Fatalf("Declare failed: %v", err)
	}
	if _, err := r.Resolve(goal); !errors.Is(err, tuple.ErrUnbound) {
		t.Errorf("Declare should reset the chained binding, Resolve got %v", err)
	}
	if _, err := r.ReadIndirect(goal, db.ReadOptions{}); !errors.Is(err, tuple.ErrUnbound) {
		t.Errorf("ReadIndirect: expected Unbound, got %v", err)
	}

	// the same binding arriving after the declare
	if _, err := access.WriteTuple(goal, tuple.EncodeMeta(other), db.WriteOptions{}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := r.Resolve(goal); !errors.Is(err, tuple.ErrInvalidIdentifier) {
		t.Errorf("Resolve: expected InvalidIdentifier, got %v", err)
	}
	if _, err := r.ReadIndirect(goal, db.ReadOptions{}); !errors.Is(err, tuple.ErrInvalidIdentifier) {
		t.Errorf("ReadIndirect: expected InvalidIdentifier, got %v", err)
	}
	if _, err := r.WriteIndirect(goal, []byte("x"), db.WriteOptions{}); !errors.Is(err, tuple.ErrInvalidIdentifier) {
		t.Errorf("WriteIndirect: expected InvalidIdentifier, got %v", err)
	}
	if stored, _ := access.ReadTuple(other, db.ReadOptions{}); stored.StringData() != tuple.UnboundMeta {
		t.Errorf("The chained meta tuple was overwritten: %q", stored.StringData())
	}
}

func TestPointRequiresDeclaration(t *testing.T) {
	r, _ := newResolver(t)

	if _, err := r.Point(goal, status); !errors.Is(err, tuple.ErrNotDeclared) {
		t.Errorf("Expected NotDeclared, got %v", err)
	}
}

func TestNoChaining(t *testing.T) {
	r, _ := newResolver(t)
	other := tuple.ID{Owner: 9, Key: "subgoal"}

	for _, id := range []tuple.ID{goal, other} {
		if err := r.Declare(id); err != nil {
			t.Fatalf("Declare failed: %v", err)
		}
	}

	if _, err := r.Point(goal, other); !errors.Is(err, tuple.ErrInvalidIdentifier) {
		t.Errorf("Pointing at a meta tuple: expected InvalidIdentifier, got %v", err)
	}
	if _, err := r.Point(goal, goal); !errors.Is(err, tuple.ErrInvalidIdentifier) {
		t.Errorf("Pointing at itself: expected InvalidIdentifier, got %v", err)
	}

	if _, err := r.Point(goal, status); err != nil {
		t.Fatalf("Point failed: %v", err)
	}
	if err := r.Declare(status); !errors.Is(err, tuple.ErrInvalidIdentifier) {
		t.Errorf("Declaring a current target: expected InvalidIdentifier, got %v", err)
	}
}

func TestPointRejectsInvalidTarget(t *testing.T) {
	r, _ := newResolver(t)
	if err := r.Declare(goal); err != nil {
		t.Fatalf("Declare failed: %v", err)
	}

	for _, target := range []tuple.ID{{Owner: -1, Key: "x"}, {Owner: 1, Key: "a.*"}, {Owner: 1, Key: ""}} {
		if _, err := r.Point(goal, target); !errors.Is(err, tuple.ErrInvalidIdentifier) {
			t.Errorf("Point to %v: expected InvalidIdentifier, got %v", target, err)
		}
	}
}

func TestResolveMissing(t *testing.T) {
	r, _ := newResolver(t)

	if _, err := r.Resolve(goal); !errors.Is(err, tuple.ErrNotFound) {
		t.Errorf("Expected NotFound, got %v", err)
	}
}

func TestIndirection(t *testing.T) {
	r, access := newResolver(t)

	if err := r.Declare(goal); err != nil {
		t.Fatalf("Declare failed: %v", err)
	}
	if _, err := r.Point(goal, status); err != nil {
		t.Fatalf("Point failed: %v", err)
	}

	written, err := r.WriteIndirect(goal, []byte("done"), db.WriteOptions{})
	if err != nil {
		t.Fatalf("WriteIndirect failed: %v", err)
	}
	if written.ID() != status {
		t.Errorf("WriteIndirect should write the target, wrote %v", written.ID())
	}

	direct, err := access.ReadTuple(status, db.ReadOptions{})
	if err != nil || direct.StringData() != "done" {
		t.Errorf("Expected target to hold done, got %v (%v)", direct, err)
	}

	indirect, err := r.ReadIndirect(goal, db.ReadOptions{})
	if err != nil || indirect.StringData() != "done" || indirect.ID() != status {
		t.Errorf("Expected indirect read of done from %v, got %v (%v)", status, indirect, err)
	}

	// the meta tuple itself still points to the target
	metaTuple, _ := access.ReadTuple(goal, db.ReadOptions{})
	if target, bound, _ := tuple.DecodeMeta(metaTuple.Data); !bound || target != status {
		t.Errorf("Meta tuple was overwritten: %q", metaTuple.Data)
	}
}

func TestIndirectionErrors(t *testing.T) {
	r, _ := newResolver(t)

	if _, err := r.ReadIndirect(goal, db.ReadOptions{}); !errors.Is(err, tuple.ErrNotDeclared) {
		t.Errorf("ReadIndirect undeclared: expected NotDeclared, got %v", err)
	}
	if _, err := r.WriteIndirect(goal, []byte("x"), db.WriteOptions{}); !errors.Is(err, tuple.ErrNotDeclared) {
		t.Errorf("WriteIndirect undeclared: expected NotDeclared, got %v", err)
	}

	if err := r.Declare(goal); err != nil {
		t.Fatalf("Declare failed: %v", err)
	}
	if _, err := r.ReadIndirect(goal, db.ReadOptions{}); !errors.Is(err, tuple.ErrUnbound) {
		t.Errorf("ReadIndirect unbound: expected Unbound, got %v", err)
	}
	if _, err := r.WriteIndirect(goal, []byte("x"), db.WriteOptions{}); !errors.Is(err, tuple.ErrUnbound) {
		t.Errorf("WriteIndirect unbound: expected Unbound, got %v", err)
	}

	// bound but the target does not exist yet
	if _, err := r.Point(goal, status); err != nil {
		t.Fatalf("Point failed: %v", err)
	}
	if _, err := r.ReadIndirect(goal, db.ReadOptions{}); !errors.Is(err, tuple.ErrNotFound) {
		t.Errorf("ReadIndirect of missing target: expected NotFound, got %v", err)
	}
}

func TestRepoint(t *testing.T) {
	r, access := newResolver(t)
	other := tuple.ID{Owner: 13, Key: "status"}

	_, _ = access.WriteTuple(status, []byte("a"), db.WriteOptions{})
	_, _ = access.WriteTuple(other, []byte("b"), db.WriteOptions{})

	if err := r.Declare(goal); err != nil {
		t.Fatalf("Declare failed: %v", err)
	}
	for _, tc := range []struct {
		target   tuple.ID
		expected string
	}{{status, "a"}, {other, "b"}, {status, "a"}} {
		if _, err := r.Point(goal, tc.target); err != nil {
			t.Fatalf("Point failed: %v", err)
		}
		got, err := r.ReadIndirect(goal, db.ReadOptions{})
		if err != nil || got.StringData() != tc.expected {
			t.Errorf("After pointing to %v expected %q, got %v (%v)", tc.target, tc.expected, got, err)
		}
	}
}

func TestConcurrentDeclare(t *testing.T) {
	r, access := newResolver(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Declare(goal); err != nil {
				t.Errorf("Declare failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(access.writes) != 1 {
		t.Errorf("Expected exactly one initializing write, got %d", len(access.writes))
	}
}
