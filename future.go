package libxr

import "context"

// Future adapts a Callback completion to a channel, for goroutines that
// would rather select than block on a semaphore.
type Future struct {
	op   *Callback
	done chan struct{}
	err  error
}

func NewFuture() *Future {
	f := &Future{done: make(chan struct{})}
	f.op = NewCallback(func(_ bool, err error) { f.Complete(err) })
	return f
}

// Op is the operation to pass to a port. A Future completes once; reusing
// its op for a second request is a programming error.
func (f *Future) Op() Operation { return f.op }

func (f *Future) Complete(err error) {
	select {
	case <-f.done:
		panic("libxr: future completed twice")
	default:
	}
	f.err = err
	close(f.done)
}

func (f *Future) Done() <-chan struct{} { return f.done }

// Err is valid after Done is closed.
func (f *Future) Err() error { return f.err }

func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
