// Package uart is a simulated interrupt-driven UART built on libxr ports.
//
// Received bytes enter through Receive, which plays the RX interrupt: it
// pushes into the read queue and calls ProcessPendingReads from "ISR"
// context. The write hook kicks a TX goroutine that plays the TX interrupt:
// it drains the write queue onto the peer at the configured baud rate and
// calls ProcessPendingWrites after every chunk.
package uart

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	libxr "github.com/libxr/libxr-go"
)

const (
	txChunk = 16
	ctsPoll = 50 * time.Microsecond
)

type Config struct {
	Name      string
	BaudRate  int // 8N1 line rate; 0 transmits as fast as the peer accepts
	RxBufSize int
	TxBufSize int

	// FlowControl holds transmission while the peer's read queue is full,
	// like RTS/CTS. Without it the peer drops what does not fit.
	FlowControl bool
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "uart"
	}
	if c.RxBufSize == 0 {
		c.RxBufSize = 256
	}
	if c.TxBufSize == 0 {
		c.TxBufSize = 256
	}
	return c
}

type UART struct {
	Read  *libxr.ReadPort
	Write *libxr.WritePort

	cfg      Config
	peer     atomic.Pointer[UART]
	limiter  *rate.Limiter
	kick     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	overruns atomic.Int64
	log      *logrus.Entry

	// rxMu keeps Receive out while Close resets the read port.
	rxMu     sync.Mutex
	rxClosed bool
}

func New(cfg Config) *UART {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	u := &UART{
		Read:   libxr.NewReadPort(cfg.RxBufSize).Named(cfg.Name + ".rx"),
		Write:  libxr.NewWritePort(cfg.TxBufSize).Named(cfg.Name + ".tx"),
		cfg:    cfg,
		kick:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		log:    libxr.Logger().WithField("uart", cfg.Name),
	}
	if cfg.BaudRate > 0 {
		// 10 bits per byte on the wire.
		u.limiter = rate.NewLimiter(rate.Limit(float64(cfg.BaudRate)/10), txChunk)
	}
	// RX is always armed: bytes arrive through Receive whenever they come.
	u.Read.SetHook(func(*libxr.ReadPort) error { return libxr.ErrEmpty })
	u.Write.SetHook(u.startTx)

	u.wg.Add(1)
	go u.txLoop()
	return u
}

func (u *UART) Name() string { return u.cfg.Name }

// Connect cross-wires a and b: what one transmits the other receives.
func Connect(a, b *UART) {
	a.peer.Store(b)
	b.peer.Store(a)
}

// Loopback wires u's TX to its own RX.
func Loopback(u *UART) { u.peer.Store(u) }

func (u *UART) startTx(*libxr.WritePort) error {
	select {
	case u.kick <- struct{}{}:
	default:
	}
	return libxr.ErrBusy
}

func (u *UART) txLoop() {
	defer u.wg.Done()
	chunk := make([]byte, txChunk)
	q := u.Write.Queue()
	for {
		select {
		case <-u.kick:
		case <-u.ctx.Done():
			return
		}
		for {
			n := min(q.Size(), txChunk)
			if n == 0 {
				// Drained: lets a write that did not fit complete, or
				// records free space for the next one.
				u.Write.ProcessPendingWrites(true)
				break
			}
			peer := u.peer.Load()
			if peer != nil && u.cfg.FlowControl {
				room, ok := u.waitClearToSend(peer)
				if !ok {
					return
				}
				n = min(n, room)
			}
			if u.limiter != nil {
				if err := u.limiter.WaitN(u.ctx, n); err != nil {
					return
				}
			}
			q.PopBatch(chunk[:n])
			if peer != nil {
				peer.Receive(chunk[:n]...)
			}
			u.Write.ProcessPendingWrites(true)
		}
	}
}

// waitClearToSend polls until peer has room in its read queue. It fails
// once u is closed.
func (u *UART) waitClearToSend(peer *UART) (int, bool) {
	var t *time.Timer
	for {
		if room := peer.Read.Queue().EmptySize(); room > 0 {
			return room, true
		}
		if t == nil {
			t = time.NewTimer(ctsPoll)
			defer t.Stop()
		} else {
			t.Reset(ctsPoll)
		}
		select {
		case <-t.C:
		case <-u.ctx.Done():
			return 0, false
		}
	}
}

// Receive is the RX interrupt. Bytes that do not fit in the read queue are
// dropped and counted as overruns. It returns how many bytes were kept.
// Only one goroutine may act as the RX interrupt at a time. After Close
// everything is dropped.
func (u *UART) Receive(data ...byte) int {
	u.rxMu.Lock()
	defer u.rxMu.Unlock()
	if u.rxClosed {
		return 0
	}
	q := u.Read.Queue()
	n := min(len(data), q.EmptySize())
	q.PushBatch(data[:n])
	if lost := len(data) - n; lost > 0 {
		u.overruns.Add(int64(lost))
		u.log.WithField("lost", lost).Debug("rx overrun")
	}
	u.Read.ProcessPendingReads(true)
	return n
}

func (u *UART) Overruns() int64 { return u.overruns.Load() }

// Close stops transmission, detaches the peer and resets both ports as on
// link down. Pending requests complete with ErrFailed.
func (u *UART) Close() error {
	u.cancel()
	u.wg.Wait()
	if p := u.peer.Swap(nil); p != nil && p != u {
		p.peer.CompareAndSwap(u, nil)
	}
	u.rxMu.Lock()
	u.rxClosed = true
	u.rxMu.Unlock()
	u.Read.Reset()
	u.Write.Reset()
	return nil
}
