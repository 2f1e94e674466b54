// Lock-free implementation of MPSC queue (Multiple Producers Single Consumer)

package lib

import (
	"sync/atomic"
)

// QueueMPSC is an unbounded FIFO queue. Push is safe for concurrent use,
// Pop must be used by a single consumer goroutine only.
type QueueMPSC[T any] struct {
	head   atomic.Pointer[itemMPSC[T]]
	tail   atomic.Pointer[itemMPSC[T]]
	length atomic.Int64
}

type itemMPSC[T any] struct {
	value T
	next  atomic.Pointer[itemMPSC[T]]
}

// NewQueueMPSC creates an empty queue.
func NewQueueMPSC[T any]() *QueueMPSC[T] {
	q := &QueueMPSC[T]{}
	empty := &itemMPSC[T]{}
	q.head.Store(empty)
	q.tail.Store(empty)
	return q
}

// Push appends the value to the queue.
func (q *QueueMPSC[T]) Push(value T) {
	i := &itemMPSC[T]{value: value}
	q.length.Add(1)
	prev := q.head.Swap(i)
	prev.next.Store(i)
}

// Pop removes the oldest value. Returns false if the queue is empty.
func (q *QueueMPSC[T]) Pop() (T, bool) {
	var empty T
	tail := q.tail.Load()
	next := tail.next.Load()
	if next == nil {
		return empty, false
	}
	value := next.value
	next.value = empty // let the GC free this item
	q.tail.Store(next)
	q.length.Add(-1)
	return value, true
}

// Len returns the number of items in the queue
func (q *QueueMPSC[T]) Len() int64 {
	return q.length.Load()
}
