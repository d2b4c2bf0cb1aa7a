package libxr

import (
	"context"
	"time"
)

// WaitForever disables the deadline of a Wait.
const WaitForever time.Duration = -1

// Semaphore is a binary semaphore. Posting never blocks, so it may be done
// from the completion path; a second Post before a Wait is absorbed.
type Semaphore struct {
	ch chan struct{}
}

func NewSemaphore() *Semaphore {
	return &Semaphore{ch: make(chan struct{}, 1)}
}

func (s *Semaphore) Post() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// PostFromCallback posts from a completion. inISR only documents the
// caller's context; the post itself is non-blocking either way.
func (s *Semaphore) PostFromCallback(inISR bool) { s.Post() }

// Wait blocks until the semaphore is posted or timeout elapses. A negative
// timeout waits forever; zero polls.
func (s *Semaphore) Wait(timeout time.Duration) error {
	select {
	case <-s.ch:
		return nil
	default:
	}
	switch {
	case timeout == 0:
		return ErrTimeout
	case timeout < 0:
		<-s.ch
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.ch:
		return nil
	case <-t.C:
		return ErrTimeout
	}
}

func (s *Semaphore) WaitContext(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ErrTimeout
	}
}

// TryWait takes a pending post without blocking.
func (s *Semaphore) TryWait() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
