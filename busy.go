package libxr

import "sync/atomic"

type BusyState uint32

const (
	// Idle: no request outstanding and no unclaimed driver event.
	Idle BusyState = iota
	// Pending: a request is stored and waits for the driver.
	Pending
	// Event: the driver made progress while nobody was waiting.
	Event
	// completing: the driver side is transferring data for the pending
	// request. Only the driver side enters or leaves it.
	completing
	// finished: the driver completed the request while its hook was still
	// running, before arm. The result waits in busyFlag.early.
	finished
)

func (s BusyState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Event:
		return "event"
	case completing:
		return "completing"
	case finished:
		return "finished"
	default:
		return "unknown"
	}
}

// busyFlag arbitrates between the thread entering a request and the driver
// reporting progress. Each transition has its own helper; nothing else
// writes the flag.
type busyFlag struct {
	v     atomic.Uint32
	early error
}

func (b *busyFlag) load() BusyState { return BusyState(b.v.Load()) }

// outstanding reports whether a request is still owed a completion.
func (b *busyFlag) outstanding() bool {
	switch b.load() {
	case Pending, completing:
		return true
	}
	return false
}

// consume drops a recorded event or a stale early completion. Thread side,
// under the port mutex, when no request is outstanding.
func (b *busyFlag) consume() { b.v.Store(uint32(Idle)) }

// arm publishes the stored request. It fails if an event arrived since
// consume, in which case the caller re-checks the queue.
func (b *busyFlag) arm() bool {
	return b.v.CompareAndSwap(uint32(Idle), uint32(Pending))
}

// retry runs after arm failed, which leaves Event or finished. It drops an
// event so the caller can look at the queue again, or hands back the result
// that land recorded.
func (b *busyFlag) retry() (settled bool, err error) {
	for {
		switch b.load() {
		case finished:
			err = b.early
			b.v.Store(uint32(Idle))
			return true, err
		case Event:
			if b.v.CompareAndSwap(uint32(Event), uint32(Idle)) {
				return false, nil
			}
		default:
			return false, nil
		}
	}
}

// signal records driver progress for the next request.
func (b *busyFlag) signal() bool {
	return b.v.CompareAndSwap(uint32(Idle), uint32(Event))
}

// claim takes the pending request for completion. Driver side.
func (b *busyFlag) claim() bool {
	return b.v.CompareAndSwap(uint32(Pending), uint32(completing))
}

// land routes a driver completion. It claims a pending request, or records
// err for a request whose hook has not returned yet. It reports whether the
// caller claimed the request and must complete it.
func (b *busyFlag) land(err error) bool {
	for {
		switch s := b.load(); s {
		case Pending:
			if b.claim() {
				return true
			}
		case Idle, Event:
			b.early = err
			if b.v.CompareAndSwap(uint32(s), uint32(finished)) {
				return false
			}
		default:
			return false
		}
	}
}

// unclaim hands a claimed request back when it cannot be satisfied yet.
func (b *busyFlag) unclaim() { b.v.Store(uint32(Pending)) }

// release ends a claimed request.
func (b *busyFlag) release() { b.v.Store(uint32(Idle)) }

// cancel withdraws a pending request that the driver has not claimed.
func (b *busyFlag) cancel() bool {
	return b.v.CompareAndSwap(uint32(Pending), uint32(Idle))
}

// reset forces Idle. Only valid under the port mutex after cancel failed
// because nothing was outstanding.
func (b *busyFlag) reset() { b.v.Store(uint32(Idle)) }
