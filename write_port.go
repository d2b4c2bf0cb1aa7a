package libxr

// WriteFun is the driver hook of a WritePort, called with the port mutex
// held. When Request() is nil the port has just queued bytes and the hook
// only has to make sure the driver is draining the queue. Otherwise a write
// is waiting: the hook returns nil after taking Request() directly, ErrBusy,
// ErrFull or ErrEmpty when space or a transfer will be reported through
// ProcessPendingWrites or Finish, or any other error to fail the write.
//
// The hook must not call ProcessPendingWrites or Finish itself.
type WriteFun func(*WritePort) error

// WritePort gates writes to a driver: at most one write is outstanding. A
// write completes once the driver accepted all of its bytes, into the queue
// or directly.
type WritePort struct {
	port
	hook WriteFun
}

// NewWritePort creates a port buffering up to queueSize bytes. A zero
// queueSize makes a pass-through port whose driver takes Request() itself.
func NewWritePort(queueSize int) *WritePort {
	return &WritePort{port: newPort(queueSize)}
}

func (w *WritePort) Named(name string) *WritePort {
	w.name = name
	return w
}

func (w *WritePort) SetHook(fn WriteFun) {
	assert(w.hook == nil, "write hook of %q already set", w.name)
	w.hook = fn
}

func (w *WritePort) Writable() bool { return w.hook != nil }

// Write hands data to the driver and reports completion through op, with
// the same op semantics as ReadPort.Read. data must stay untouched until
// the write completes.
func (w *WritePort) Write(data []byte, op Operation) error {
	if w.hook == nil {
		return ErrNotSupport
	}
	if len(data) == 0 {
		w.done(op, nil)
		return nil
	}
	if w.queue != nil {
		assert(len(data) <= w.queue.Cap(), "write of %d bytes exceeds %q queue of %d", len(data), w.name, w.queue.Cap())
	}

	w.mu.Lock()
	if w.busy.outstanding() {
		return w.reject()
	}
	w.busy.consume()
	for {
		if w.queue != nil && w.queue.EmptySize() >= len(data) {
			err := w.queue.PushBatch(data)
			assert(err == nil, "queue of %q shrank under its producer", w.name)
			w.req = request{}
			kick := w.hook(w)
			w.mu.Unlock()
			if kick != nil && !pending(kick) {
				// The bytes are queued and go out with the next drain.
				logPort(w.name).WithField("err", kick).Warn("driver kick failed")
			}
			w.done(op, nil)
			return nil
		}

		w.req = request{data, op}
		op.MarkAsRunning()
		err := w.hook(w)
		switch {
		case err == nil:
			w.mu.Unlock()
			w.done(op, nil)
			return nil
		case !pending(err):
			return w.hookFailed(op, err)
		}
		if w.busy.arm() {
			break
		}
		settled, err := w.busy.retry()
		if !settled {
			// Space was freed between consume and arm: retry the queue.
			continue
		}
		// The driver finished before the hook returned.
		w.mu.Unlock()
		w.done(op, err)
		return err
	}
	w.mu.Unlock()

	if b, ok := op.(*Block); ok {
		return w.await(b)
	}
	return nil
}

// ProcessPendingWrites is called by the driver after draining bytes from the
// queue. With inISR set it never blocks and never takes the port mutex. It
// queues the pending write if it now fits, or records an event if no write
// is pending. After a completion the queue holds new bytes to drain.
func (w *WritePort) ProcessPendingWrites(inISR bool) {
	w.lockDriver(inISR)
	switch w.busy.load() {
	case Pending:
		if !w.busy.claim() {
			break
		}
		req := w.req
		if w.queue == nil || w.queue.EmptySize() < len(req.data) {
			w.busy.unclaim()
			break
		}
		w.queue.PushBatch(req.data)
		w.busy.release()
		w.unlockDriver(inISR)
		w.finish(inISR, req.op, nil)
		return
	case Idle:
		if w.busy.signal() {
			w.stats.events.Inc()
		}
	}
	w.unlockDriver(inISR)
}

// Finish completes the pending write with err. Pass-through drivers call it
// once Request() is sent; any driver calls it to abort a pending write on a
// hard failure. It may run before the hook that started the transfer has
// returned: the write then completes on the thread that issued it.
func (w *WritePort) Finish(inISR bool, err error) {
	if !w.busy.land(err) {
		return
	}
	req := w.req
	w.busy.release()
	w.finish(inISR, req.op, err)
}

// Reset discards queued bytes. A pending write is completed with ErrFailed.
func (w *WritePort) Reset() { w.reset() }
