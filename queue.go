package libxr

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Queue is a fixed-capacity ring buffer for one producer and one consumer
// running concurrently without locks. The producer may be the driver's
// completion path.
//
// head and tail are monotonically increasing counters; the slot of a
// counter is its value modulo the capacity, so "full" (tail-head == cap)
// and "empty" (tail == head) never alias. The producer writes the slot
// before publishing tail, the consumer reads the slot before publishing
// head.
//
// Size and EmptySize are snapshots. The other side may move before the
// caller acts on them.
type Queue[T any] struct {
	_    cpu.CacheLinePad
	head atomic.Uint64
	_    cpu.CacheLinePad
	tail atomic.Uint64
	_    cpu.CacheLinePad
	buf  []T
	cap  uint64
}

// NewQueue allocates a queue holding up to capacity elements. A power of
// two keeps the index arithmetic cheap but is not required.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		panic("libxr: queue capacity must be >= 1")
	}
	return &Queue[T]{
		buf: make([]T, capacity),
		cap: uint64(capacity),
	}
}

func (q *Queue[T]) Cap() int { return int(q.cap) }

func (q *Queue[T]) Size() int {
	head := q.head.Load()
	tail := q.tail.Load()
	return int(min(tail-head, q.cap))
}

func (q *Queue[T]) EmptySize() int { return int(q.cap) - q.Size() }

// Push appends v, or returns ErrFull. Producer only.
func (q *Queue[T]) Push(v T) error {
	tail := q.tail.Load()
	if tail-q.head.Load() >= q.cap {
		return ErrFull
	}
	q.buf[tail%q.cap] = v
	q.tail.Store(tail + 1)
	return nil
}

// Pop removes the oldest element, or returns ErrEmpty. Consumer only.
func (q *Queue[T]) Pop() (T, error) {
	var zero T
	head := q.head.Load()
	if head == q.tail.Load() {
		return zero, ErrEmpty
	}
	i := head % q.cap
	v := q.buf[i]
	q.buf[i] = zero
	q.head.Store(head + 1)
	return v, nil
}

// Peek returns the oldest element without removing it. Consumer only.
func (q *Queue[T]) Peek() (T, error) {
	head := q.head.Load()
	if head == q.tail.Load() {
		var zero T
		return zero, ErrEmpty
	}
	return q.buf[head%q.cap], nil
}

// PushBatch appends all of src or nothing. Producer only.
func (q *Queue[T]) PushBatch(src []T) error {
	n := uint64(len(src))
	tail := q.tail.Load()
	if q.cap-(tail-q.head.Load()) < n {
		return ErrFull
	}
	start := tail % q.cap
	first := min(n, q.cap-start)
	copy(q.buf[start:start+first], src[:first])
	copy(q.buf[:n-first], src[first:])
	q.tail.Store(tail + n)
	return nil
}

// PopBatch fills all of dst or takes nothing. Consumer only.
func (q *Queue[T]) PopBatch(dst []T) error {
	n := uint64(len(dst))
	head := q.head.Load()
	if q.tail.Load()-head < n {
		return ErrEmpty
	}
	start := head % q.cap
	first := min(n, q.cap-start)
	copy(dst[:first], q.buf[start:start+first])
	copy(dst[first:], q.buf[:n-first])
	q.clear(start, first, n)
	q.head.Store(head + n)
	return nil
}

// Discard drops the n oldest elements, or none if fewer are queued.
// Consumer only.
func (q *Queue[T]) Discard(n int) error {
	if n < 0 {
		return ErrArg
	}
	un := uint64(n)
	head := q.head.Load()
	if q.tail.Load()-head < un {
		return ErrEmpty
	}
	start := head % q.cap
	q.clear(start, min(un, q.cap-start), un)
	q.head.Store(head + un)
	return nil
}

// clear zeroes consumed slots so the queue keeps no stale references.
func (q *Queue[T]) clear(start, first, n uint64) {
	clear(q.buf[start : start+first])
	clear(q.buf[:n-first])
}

// Reset drops everything queued. It must not race with the producer; the
// owning port calls it under its mutex with the driver quiesced.
func (q *Queue[T]) Reset() {
	clear(q.buf)
	q.head.Store(0)
	q.tail.Store(0)
}
