package libxr

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

const (
	slotFree uint32 = iota
	slotWriting
	slotOccupied
	slotReading
)

type poolSlot[T any] struct {
	state atomic.Uint32
	value T
	_     cpu.CacheLinePad
}

// Pool is a fixed set of slots that any number of producers and consumers
// claim with compare-and-swap. Values are copied in and out; the pool owns
// the storage.
//
// A slot only moves Free -> Writing -> Occupied on Put and
// Occupied -> Reading -> Free on Get, so a value is delivered exactly once.
// Every call scans the slots at most once: a full pool fails Put with
// ErrFull and an empty pool fails Get with ErrEmpty without waiting.
//
// There is no ordering across producers. Get returns the lowest occupied
// slot, which is insertion order only for a single producer with no
// interleaved Gets. Use Queue when FIFO matters.
type Pool[T any] struct {
	slots []poolSlot[T]
}

func NewPool[T any](capacity int) *Pool[T] {
	if capacity < 1 {
		panic("libxr: pool capacity must be >= 1")
	}
	return &Pool[T]{slots: make([]poolSlot[T], capacity)}
}

func (p *Pool[T]) Cap() int { return len(p.slots) }

func (p *Pool[T]) Put(v T) error {
	_, err := p.PutIndex(v)
	return err
}

// PutIndex stores v and returns the slot it landed in.
func (p *Pool[T]) PutIndex(v T) (int, error) {
	for i := range p.slots {
		s := &p.slots[i]
		if s.state.Load() != slotFree {
			continue
		}
		if !s.state.CompareAndSwap(slotFree, slotWriting) {
			continue
		}
		s.value = v
		s.state.Store(slotOccupied)
		return i, nil
	}
	return -1, ErrFull
}

func (p *Pool[T]) Get() (T, error) {
	for i := range p.slots {
		if v, err := p.GetFromSlot(i); err == nil {
			return v, nil
		}
	}
	var zero T
	return zero, ErrEmpty
}

// GetFromSlot takes the value in slot i if it is occupied.
func (p *Pool[T]) GetFromSlot(i int) (T, error) {
	var zero T
	if i < 0 || i >= len(p.slots) {
		return zero, ErrArg
	}
	s := &p.slots[i]
	if s.state.Load() != slotOccupied {
		return zero, ErrEmpty
	}
	if !s.state.CompareAndSwap(slotOccupied, slotReading) {
		return zero, ErrEmpty
	}
	v := s.value
	s.value = zero
	s.state.Store(slotFree)
	return v, nil
}

// Size counts occupied slots. It is a snapshot.
func (p *Pool[T]) Size() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].state.Load() == slotOccupied {
			n++
		}
	}
	return n
}

// EmptySize counts free slots. It is a snapshot.
func (p *Pool[T]) EmptySize() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].state.Load() == slotFree {
			n++
		}
	}
	return n
}
