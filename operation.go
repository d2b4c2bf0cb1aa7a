package libxr

import (
	"sync/atomic"
	"time"
)

type OpKind uint8

const (
	OpCallback OpKind = iota
	OpBlock
	OpPolling
)

func (k OpKind) String() string {
	switch k {
	case OpCallback:
		return "callback"
	case OpBlock:
		return "block"
	case OpPolling:
		return "polling"
	default:
		return "unknown"
	}
}

// Operation is how a caller learns that a request finished. It is a closed
// set: *Callback, *Block and *Poll.
//
// The port never owns an Operation. It holds a reference from the moment
// the request is accepted until it calls UpdateStatus exactly once.
type Operation interface {
	Kind() OpKind
	// UpdateStatus reports the outcome. inISR is true only when called
	// from the driver's completion path.
	UpdateStatus(inISR bool, err error)
	// MarkAsRunning is called once the request is accepted, before the
	// driver hook returns.
	MarkAsRunning()

	sealed()
}

var (
	_ Operation = (*Callback)(nil)
	_ Operation = (*Block)(nil)
	_ Operation = (*Poll)(nil)
)

// Block completes by posting a semaphore the caller waits on.
type Block struct {
	sem     *Semaphore
	timeout time.Duration
	err     error
}

// NewBlock binds sem with a wait timeout. A nil sem allocates one.
func NewBlock(sem *Semaphore, timeout time.Duration) *Block {
	if sem == nil {
		sem = NewSemaphore()
	}
	return &Block{sem: sem, timeout: timeout}
}

func (b *Block) Kind() OpKind           { return OpBlock }
func (b *Block) MarkAsRunning()         {}
func (b *Block) Timeout() time.Duration { return b.timeout }
func (b *Block) Semaphore() *Semaphore  { return b.sem }
func (b *Block) sealed()                {}

func (b *Block) UpdateStatus(inISR bool, err error) {
	b.err = err
	b.sem.PostFromCallback(inISR)
}

// drain returns the recorded result once the semaphore is posted. The
// write of err happens before the post, so the read here is ordered.
func (b *Block) drain() error {
	b.sem.Wait(WaitForever)
	return b.err
}

// Status of a polled operation.
type Status int32

const (
	Ready Status = iota
	Running
	Done
	Error
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Done:
		return "done"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Poll completes by flipping a status flag.
type Poll struct {
	status atomic.Int32
}

func NewPoll() *Poll { return &Poll{} }

func (p *Poll) Kind() OpKind { return OpPolling }
func (p *Poll) sealed()      {}

func (p *Poll) MarkAsRunning() {
	p.status.CompareAndSwap(int32(Ready), int32(Running))
}

func (p *Poll) UpdateStatus(inISR bool, err error) {
	if err != nil {
		p.status.Store(int32(Error))
	} else {
		p.status.Store(int32(Done))
	}
}

// Status returns the current status. A finished status is handed out once:
// Done and Error reset to Ready on read.
func (p *Poll) Status() Status {
LOAD_STATUS:
	s := p.status.Load()
	switch Status(s) {
	case Done, Error:
		if !p.status.CompareAndSwap(s, int32(Ready)) {
			goto LOAD_STATUS
		}
	}
	return Status(s)
}

// Peek returns the current status without consuming it.
func (p *Poll) Peek() Status { return Status(p.status.Load()) }
