package util

import (
	"math/rand"
	"sort"
	"testing"
)

type expiryKey struct {
	owner int
	key   string
}

// TestNewMapHeap tests the creation of a new MapHeap
func TestNewMapHeap(t *testing.T) {
	mh := NewMapHeap[int]()

	if mh.Len() != 0 {
		t.Errorf("New heap should be empty, but has length %d", mh.Len())
	}

	if _, exists := mh.Peek(); exists {
		t.Error("Peek on empty heap should return exists=false")
	}

	if _, exists := mh.PopMin(); exists {
		t.Error("PopMin on empty heap should return exists=false")
	}
}

// TestAddAndReprioritize tests that re-adding a key moves it instead of duplicating it
func TestAddAndReprioritize(t *testing.T) {
	mh := NewMapHeap[expiryKey]()

	a := expiryKey{1, "a"}
	b := expiryKey{2, "b"}
	c := expiryKey{1, "c"}

	mh.AddItem(a, 100)
	mh.AddItem(b, 200)
	mh.AddItem(c, 50)

	if mh.Len() != 3 {
		t.Errorf("Heap should have 3 items, but has %d", mh.Len())
	}

	item, _ := mh.Peek()
	if item.Key != c || item.Priority != 50 {
		t.Errorf("Expected min item to be (%v,50), got %v", c, item)
	}

	// a tuple rewrite pushes its deadline back
	mh.AddItem(c, 300)
	if mh.Len() != 3 {
		t.Errorf("Re-adding a key should not grow the heap, got %d items", mh.Len())
	}

	item, _ = mh.Peek()
	if item.Key != a {
		t.Errorf("Expected min item to be %v after update, got %v", a, item.Key)
	}

	got, exists := mh.GetByKey(c)
	if !exists || got.Priority != 300 {
		t.Errorf("Expected %v to have priority 300, got %v (exists=%v)", c, got, exists)
	}
}

// TestRemoveByKey tests removing items by key
func TestRemoveByKey(t *testing.T) {
	mh := NewMapHeap[string]()

	mh.AddItem("x", 100)
	mh.AddItem("y", 200)
	mh.AddItem("z", 300)

	priority, exists := mh.RemoveByKey("y")
	if !exists {
		t.Fatal("RemoveByKey should return true for existing key")
	}
	if priority != 200 {
		t.Errorf("RemoveByKey should return priority 200, got %d", priority)
	}
	if mh.Len() != 2 {
		t.Errorf("Heap should have 2 items after removal, has %d", mh.Len())
	}
	if mh.Contains("y") {
		t.Error("Heap should not contain key y after removal")
	}

	if _, exists = mh.RemoveByKey("nope"); exists {
		t.Error("RemoveByKey should return false for non-existent key")
	}
}

// TestPopOrder tests that items come out in priority order
func TestPopOrder(t *testing.T) {
	mh := NewMapHeap[int]()

	priorities := make([]int64, 1000)
	for i := range priorities {
		priorities[i] = rand.Int63n(1_000_000)
		mh.AddItem(i, priorities[i])
	}

	sort.Slice(priorities, func(i, j int) bool { return priorities[i] < priorities[j] })

	for i, expected := range priorities {
		item, ok := mh.PopMin()
		if !ok {
			t.Fatalf("Heap empty after %d items, expected %d items", i, len(priorities))
		}
		if item.Priority != expected {
			t.Fatalf("Pop %d: expected priority %d, got %d", i, expected, item.Priority)
		}
		if mh.Contains(item.Key) {
			t.Fatalf("Popped key %d should no longer be contained", item.Key)
		}
	}

	if mh.Len() != 0 {
		t.Errorf("Heap should be empty after popping all items, has %d items", mh.Len())
	}
}

// TestRemoveKeepsHeapProperty removes from the middle and checks the order of the rest
func TestRemoveKeepsHeapProperty(t *testing.T) {
	mh := NewMapHeap[int]()
	for i := 0; i < 100; i++ {
		mh.AddItem(i, int64(100-i))
	}
	for i := 0; i < 100; i += 3 {
		mh.RemoveByKey(i)
	}

	var last int64 = -1
	for mh.Len() > 0 {
		item, _ := mh.PopMin()
		if item.Priority < last {
			t.Fatalf("Heap order violated: %d after %d", item.Priority, last)
		}
		if item.Key%3 == 0 {
			t.Fatalf("Removed key %d was popped", item.Key)
		}
		last = item.Priority
	}
}
