package tapdispatch

import (
	"sync/atomic"
)

// queue is an unbounded multi-producer, single-consumer FIFO. Any number of
// goroutines may push concurrently, but only one goroutine may pop.
//
// Producers swap themselves in as the new tail, and then link the previous
// tail to themselves. Between those two steps, the consumer can briefly
// observe the queue as empty, but no value is ever lost.
type queue[T any] struct {
	head atomic.Pointer[node[T]] // consumer only
	tail atomic.Pointer[node[T]] // producers only
	size atomic.Int64
}

type node[T any] struct {
	next atomic.Pointer[node[T]]
	val  T
}

func newQueue[T any]() *queue[T] {
	stub := &node[T]{}
	q := &queue[T]{}
	q.head.Store(stub)
	q.tail.Store(stub)
	return q
}

func (q *queue[T]) push(val T) {
	n := &node[T]{val: val}
	prev := q.tail.Swap(n)
	prev.next.Store(n)
	q.size.Add(1)
}

func (q *queue[T]) pop() (T, bool) {
	var zero T
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		return zero, false
	}
	q.head.Store(next)
	val := next.val
	next.val = zero
	q.size.Add(-1)
	return val, true
}

func (q *queue[T]) len() int64 {
	return q.size.Load()
}
