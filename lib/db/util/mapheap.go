// Package util
//
// This file provides a keyed priority queue used to schedule expiry.
//
// The implementation combines a binary min-heap with a hash map so that both
// the earliest deadline and any specific key can be reached quickly:
//   - O(log n) for AddItem (insert or re-prioritize), RemoveByKey and PopMin
//   - O(1) for Peek, Contains and GetByKey
//
// Re-adding a key replaces its priority instead of creating a duplicate, which
// is exactly what tuple expiry needs: a rewrite of a tuple moves its deadline.
//
// Concurrency: MapHeap is not thread-safe. Each store shard owns one heap and
// only its sweeper goroutine touches it.
//
// Example usage:
//
//	h := NewMapHeap[string]()
//	h.AddItem("a", 300)
//	h.AddItem("b", 100)
//	h.AddItem("a", 50) // moves "a" to the front
//
//	for {
//	    item, ok := h.Peek()
//	    if !ok || item.Priority > now {
//	        break
//	    }
//	    h.RemoveByKey(item.Key)
//	}
package util

import (
	"container/heap"
	"fmt"
)

// HeapItem is an entry of a MapHeap
type HeapItem[K comparable] struct {
	Key      K     // Unique identifier for the item
	Priority int64 // Lower values are popped first
	index    int   // Index in the heap, maintained by the heap package
}

func (i *HeapItem[K]) String() string {
	return fmt.Sprintf("{Key: %v, Priority: %d}", i.Key, i.Priority)
}

// MapHeap is a min-heap by priority with key-based access
type MapHeap[K comparable] struct {
	inner itemHeap[K]
}

// itemHeap implements heap.Interface; kept separate so the heap plumbing is not part of the MapHeap API
type itemHeap[K comparable] struct {
	items    []*HeapItem[K]
	itemsMap map[K]*HeapItem[K]
}

// NewMapHeap creates a new empty MapHeap
func NewMapHeap[K comparable]() *MapHeap[K] {
	return &MapHeap[K]{
		inner: itemHeap[K]{
			items:    make([]*HeapItem[K], 0),
			itemsMap: make(map[K]*HeapItem[K]),
		},
	}
}

// Len returns the number of items in the queue
func (h *MapHeap[K]) Len() int { return len(h.inner.items) }

// AddItem adds a new item to the queue or updates the priority of an existing one
func (h *MapHeap[K]) AddItem(key K, priority int64) {
	if item, exists := h.inner.itemsMap[key]; exists {
		item.Priority = priority
		heap.Fix(&h.inner, item.index)
		return
	}
	heap.Push(&h.inner, &HeapItem[K]{Key: key, Priority: priority})
}

// RemoveByKey removes an item by its key and returns its priority
func (h *MapHeap[K]) RemoveByKey(key K) (int64, bool) {
	item, exists := h.inner.itemsMap[key]
	if !exists {
		return 0, false
	}
	heap.Remove(&h.inner, item.index)
	return item.Priority, true
}

// Peek returns the minimum priority item without removing it
func (h *MapHeap[K]) Peek() (*HeapItem[K], bool) {
	if len(h.inner.items) == 0 {
		return nil, false
	}
	return h.inner.items[0], true
}

// PopMin removes and returns the minimum priority item
func (h *MapHeap[K]) PopMin() (*HeapItem[K], bool) {
	if len(h.inner.items) == 0 {
		return nil, false
	}
	return heap.Pop(&h.inner).(*HeapItem[K]), true
}

// Contains checks if a key exists in the queue
func (h *MapHeap[K]) Contains(key K) bool {
	_, exists := h.inner.itemsMap[key]
	return exists
}

// GetByKey retrieves an item by its key without removing it
func (h *MapHeap[K]) GetByKey(key K) (*HeapItem[K], bool) {
	item, exists := h.inner.itemsMap[key]
	return item, exists
}

// --------------------------------------------------------------------------
// heap.Interface
// --------------------------------------------------------------------------

func (h *itemHeap[K]) Len() int { return len(h.items) }

func (h *itemHeap[K]) Less(i, j int) bool {
	return h.items[i].Priority < h.items[j].Priority
}

func (h *itemHeap[K]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *itemHeap[K]) Push(x interface{}) {
	item := x.(*HeapItem[K])
	item.index = len(h.items)
	h.items = append(h.items, item)
	h.itemsMap[item.Key] = item
}

func (h *itemHeap[K]) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // Avoid memory leak
	item.index = -1 // For safety
	h.items = old[:n-1]
	delete(h.itemsMap, item.Key)
	return item
}
