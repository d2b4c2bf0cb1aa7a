package libxr

import (
	"fmt"
	"runtime"
	"sync"

	xsync "github.com/puzpuzpuz/xsync/v2"
)

type request struct {
	data []byte
	op   Operation
}

// port is the state shared by ReadPort and WritePort.
//
// mu serializes request entry from threads. The driver's completion path
// with inISR set never takes it and touches only busy, the queue and, after
// a successful claim, req. req is written only under mu while no request is
// outstanding, and published by busy.arm.
type port struct {
	name  string
	queue *Queue[byte]
	busy  busyFlag
	mu    sync.Mutex
	req   request
	stats portStats
}

type portStats struct {
	completed *xsync.Counter
	rejected  *xsync.Counter
	events    *xsync.Counter
	failed    *xsync.Counter
	cancelled *xsync.Counter
}

// PortStats is a snapshot of a port's counters.
type PortStats struct {
	Completed int64 // requests completed successfully
	Rejected  int64 // requests refused with ErrBusy
	Events    int64 // driver events recorded while idle
	Failed    int64 // requests completed with an error
	Cancelled int64 // requests withdrawn by timeout or Reset
}

func newPort(queueSize int) port {
	p := port{
		stats: portStats{
			completed: xsync.NewCounter(),
			rejected:  xsync.NewCounter(),
			events:    xsync.NewCounter(),
			failed:    xsync.NewCounter(),
			cancelled: xsync.NewCounter(),
		},
	}
	if queueSize < 0 {
		panic("libxr: negative queue size")
	}
	if queueSize > 0 {
		p.queue = NewQueue[byte](queueSize)
	}
	return p
}

func (p *port) Name() string { return p.name }

// Queue returns the byte stream, or nil for a pass-through port.
func (p *port) Queue() *Queue[byte] { return p.queue }

// State reports the busy state. A completion in progress is reported as
// Pending, an early completion nobody collected as Event.
func (p *port) State() BusyState {
	switch s := p.busy.load(); s {
	case completing:
		return Pending
	case finished:
		return Event
	default:
		return s
	}
}

// Request returns the buffer of the stored request. The driver may use it
// inside its hook and, once the hook returned a pending code, until it
// completes the request.
func (p *port) Request() []byte { return p.req.data }

func (p *port) Stats() PortStats {
	return PortStats{
		Completed: p.stats.completed.Value(),
		Rejected:  p.stats.rejected.Value(),
		Events:    p.stats.events.Value(),
		Failed:    p.stats.failed.Value(),
		Cancelled: p.stats.cancelled.Value(),
	}
}

func (p *port) String() string {
	return fmt.Sprintf("Port[%s, %s]", p.name, p.State())
}

func (p *port) count(err error) {
	if err == nil {
		p.stats.completed.Inc()
	} else {
		p.stats.failed.Inc()
	}
}

// done notifies op of a completion that happened on the calling thread.
// Block callers learn the result from the return value instead, so their
// semaphore is left alone.
func (p *port) done(op Operation, err error) {
	p.count(err)
	if op.Kind() != OpBlock {
		op.UpdateStatus(false, err)
	}
}

// finish notifies op of a completion that happened on the driver side.
func (p *port) finish(inISR bool, op Operation, err error) {
	p.count(err)
	op.UpdateStatus(inISR, err)
}

func (p *port) reject() error {
	p.mu.Unlock()
	p.stats.rejected.Inc()
	return ErrBusy
}

func (p *port) hookFailed(op Operation, err error) error {
	p.mu.Unlock()
	logPort(p.name).WithField("err", err).Debug("driver hook failed")
	p.done(op, err)
	return err
}

// await blocks a Block caller whose request went pending. On timeout the
// request is withdrawn if the driver has not completed it yet; otherwise
// the completion already happened and its result is returned.
func (p *port) await(b *Block) error {
	if b.sem.Wait(b.timeout) == nil {
		return b.err
	}
	p.mu.Lock()
	for p.req.op == Operation(b) && p.busy.load() == completing {
		runtime.Gosched()
	}
	cancelled := p.req.op == Operation(b) && p.busy.cancel()
	if cancelled {
		p.req = request{}
	}
	p.mu.Unlock()
	if cancelled {
		p.stats.cancelled.Inc()
		logPort(p.name).Debug("blocking request timed out")
		return ErrTimeout
	}
	return b.drain()
}

// reset drops buffered bytes and returns the port to Idle. A request still
// outstanding is completed with ErrFailed. The driver must not be pushing
// into the queue while this runs.
func (p *port) reset() {
	p.mu.Lock()
	for p.busy.load() == completing {
		runtime.Gosched()
	}
	req := p.req
	cancelled := p.busy.cancel()
	p.req = request{}
	if p.queue != nil {
		p.queue.Reset()
	}
	p.busy.reset()
	p.mu.Unlock()
	if cancelled {
		p.stats.cancelled.Inc()
		logPort(p.name).WithField("kind", req.op.Kind()).Warn("reset cancelled pending request")
		req.op.UpdateStatus(false, ErrFailed)
	}
}

// lockDriver serializes a thread-context driver call against request
// entry. The completion path never locks.
func (p *port) lockDriver(inISR bool) {
	if !inISR {
		p.mu.Lock()
	}
}

func (p *port) unlockDriver(inISR bool) {
	if !inISR {
		p.mu.Unlock()
	}
}
