package libxr

import "sync/atomic"

// ReadFun is the driver hook of a ReadPort. It is called with the port
// mutex held when a read cannot be served from the queue. It returns nil
// after filling Request() directly, ErrEmpty, ErrBusy or ErrFull after
// arming the hardware (completion follows through ProcessPendingReads or
// Finish), or any other error to fail the read.
//
// The hook must not call ProcessPendingReads or Finish itself.
type ReadFun func(*ReadPort) error

// ReadPort gates reads from a driver: at most one read is outstanding, and
// data that arrives while nobody waits is recorded so the next read does not
// re-arm the hardware.
type ReadPort struct {
	port
	hook     ReadFun
	readSize atomic.Int64
}

// NewReadPort creates a port buffering up to queueSize bytes. A zero
// queueSize makes a pass-through port whose driver fills Request() itself.
func NewReadPort(queueSize int) *ReadPort {
	return &ReadPort{port: newPort(queueSize)}
}

func (r *ReadPort) Named(name string) *ReadPort {
	r.name = name
	return r
}

// SetHook installs the driver hook. It may be set once, before the port is
// used.
func (r *ReadPort) SetHook(fn ReadFun) {
	assert(r.hook == nil, "read hook of %q already set", r.name)
	r.hook = fn
}

func (r *ReadPort) Readable() bool { return r.hook != nil }

// ReadSize is the length of the last completed read.
func (r *ReadPort) ReadSize() int { return int(r.readSize.Load()) }

// Read fills buf and reports completion through op. A Block op makes Read
// wait and return the outcome; other ops return nil once the read is
// accepted and are notified later, or immediately when the data is already
// buffered.
func (r *ReadPort) Read(buf []byte, op Operation) error {
	if r.hook == nil {
		return ErrNotSupport
	}
	if len(buf) == 0 {
		r.done(op, nil)
		return nil
	}
	if r.queue != nil {
		assert(len(buf) <= r.queue.Cap(), "read of %d bytes exceeds %q queue of %d", len(buf), r.name, r.queue.Cap())
	}

	r.mu.Lock()
	if r.busy.outstanding() {
		return r.reject()
	}
	r.busy.consume()
	for {
		if r.queue != nil && r.queue.Size() >= len(buf) {
			err := r.queue.PopBatch(buf)
			assert(err == nil, "queue of %q shrank under its consumer", r.name)
			r.readSize.Store(int64(len(buf)))
			r.mu.Unlock()
			r.done(op, nil)
			return nil
		}

		r.req = request{buf, op}
		op.MarkAsRunning()
		err := r.hook(r)
		switch {
		case err == nil:
			r.readSize.Store(int64(len(buf)))
			r.mu.Unlock()
			r.done(op, nil)
			return nil
		case !pending(err):
			return r.hookFailed(op, err)
		}
		if r.busy.arm() {
			break
		}
		settled, err := r.busy.retry()
		if !settled {
			// Data arrived between consume and arm: serve it now.
			continue
		}
		// The driver finished before the hook returned.
		if err == nil {
			r.readSize.Store(int64(len(buf)))
		}
		r.mu.Unlock()
		r.done(op, err)
		return err
	}
	r.mu.Unlock()

	if b, ok := op.(*Block); ok {
		return r.await(b)
	}
	return nil
}

// ProcessPendingReads is called by the driver after pushing received bytes
// into the queue. With inISR set it never blocks and never takes the port
// mutex. It completes the pending read if the queue now holds enough bytes,
// or records an event if no read is pending.
func (r *ReadPort) ProcessPendingReads(inISR bool) {
	r.lockDriver(inISR)
	switch r.busy.load() {
	case Pending:
		if !r.busy.claim() {
			break
		}
		req := r.req
		if r.queue == nil || r.queue.Size() < len(req.data) {
			r.busy.unclaim()
			break
		}
		r.queue.PopBatch(req.data)
		r.readSize.Store(int64(len(req.data)))
		r.busy.release()
		r.unlockDriver(inISR)
		r.finish(inISR, req.op, nil)
		return
	case Idle:
		if r.busy.signal() {
			r.stats.events.Inc()
		}
	}
	r.unlockDriver(inISR)
}

// Finish completes the pending read with err. Pass-through drivers call it
// once Request() is filled; any driver calls it to abort a pending read on a
// hard failure. It may run before the hook that started the transfer has
// returned: the read then completes on the thread that issued it.
func (r *ReadPort) Finish(inISR bool, err error) {
	if !r.busy.land(err) {
		return
	}
	req := r.req
	if err == nil {
		r.readSize.Store(int64(len(req.data)))
	}
	r.busy.release()
	r.finish(inISR, req.op, err)
}

// Reset discards buffered bytes, e.g. on link down. A pending read is
// completed with ErrFailed.
func (r *ReadPort) Reset() { r.reset() }
