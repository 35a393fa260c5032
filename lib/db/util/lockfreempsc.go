// Package util provides a lock-free Multi-Producer Single-Consumer (MPSC) queue implementation.
//
// Features and Guarantees:
//
//   - Lock-Free writes: producers append with atomic operations; the mutex is only
//     taken to wake a sleeping consumer
//   - Unbounded Size: the queue can grow to any size as needed, limited only by available memory
//   - Single Consumer: values are handed out in order through the Recv() channel
//   - Drain on Close: after Close() no new values are accepted, but every value pushed
//     before Close() is still delivered before Recv() is closed
//   - Ordering: values pushed by one goroutine (or by producers that are serialized by
//     some outer lock) are received in push order. Unsynchronized concurrent producers
//     are ordered by whichever append completes first.
package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node represents a single element in the queue
type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// LockFreeMPSC is a lock-free multi-producer single-consumer queue
// Implementation uses a linked list of nodes with atomic operations
// for concurrent push operations without locks
type LockFreeMPSC[T any] struct {
	head    atomic.Pointer[node[T]]
	tail    atomic.Pointer[node[T]]
	out     chan T
	closed  atomic.Bool
	pending atomic.Int64 // pushed but not yet received
	pushing atomic.Int64 // producers between the closed check and the append

	// Condition variable for efficient waiting
	mu   sync.Mutex
	cond *sync.Cond
}

// NewLockFreeMPSC creates a new queue and starts its consumer goroutine
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	// Create a sentinel node (dummy node at the beginning)
	sentinel := &node[T]{}

	q := &LockFreeMPSC[T]{
		out: make(chan T),
	}
	q.cond = sync.NewCond(&q.mu)

	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.consume()

	return q
}

// Push adds a value to the queue.
// Returns true if the value was added, or false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *LockFreeMPSC[T]) Push(value T) bool {
	q.pushing.Add(1)
	defer q.pushing.Add(-1)

	if q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}
	var backoff uint8 = 0

	for {
		tailNode := q.tail.Load()

		next := tailNode.next.Load()
		if next == nil {
			// the tail has no next node yet, try to append our node
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// may fail if another producer already moved the tail, which is fine
				q.tail.CompareAndSwap(tailNode, newNode)
				q.pending.Add(1)
				q.wake()
				return true
			}
		} else {
			// help a producer that appended but hasn't moved the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		// spin briefly under low contention, then yield
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// wake signals the consumer. The signal is sent under the mutex so it cannot
// slip in between the consumer's emptiness check and its Wait.
func (q *LockFreeMPSC[T]) wake() {
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// consume continuously sends values from the linked list to the output channel and frees memory
func (q *LockFreeMPSC[T]) consume() {
	defer close(q.out)

	var zero T
	for {
		hasItems := false

		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			hasItems = true

			value := next.value

			// move head pointer (free up memory)
			q.head.Store(next)

			q.out <- value
			q.pending.Add(-1)

			// help go gc - safe to clear after sending
			next.value = zero
		}

		if hasItems {
			continue
		}

		if q.closed.Load() {
			// a producer that passed the closed check before Close may still be appending
			if q.pushing.Load() == 0 && q.head.Load().next.Load() == nil {
				return
			}
			runtime.Gosched()
			continue
		}

		q.mu.Lock()
		if q.head.Load().next.Load() == nil && !q.closed.Load() {
			q.cond.Wait()
		}
		q.mu.Unlock()
	}
}

// Recv returns a receive-only channel for consuming from the queue.
// The channel is closed once the queue is closed and fully drained.
func (q *LockFreeMPSC[T]) Recv() <-chan T {
	return q.out
}

// Close closes the queue, preventing further writes.
// Values already in the queue will still be delivered to the consumer.
// Close is idempotent.
func (q *LockFreeMPSC[T]) Close() {
	if q.closed.CompareAndSwap(false, true) {
		q.wake()
	}
}

// IsClosed returns true if the queue is closed.
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Pending returns the number of values pushed but not yet received
func (q *LockFreeMPSC[T]) Pending() int {
	// the consumer can receive a value before its producer increments the counter
	if n := q.pending.Load(); n > 0 {
		return int(n)
	}
	return 0
}
