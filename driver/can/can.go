// Package can is a simulated CAN controller with three transmit mailboxes.
//
// Outgoing frames wait in a lock-free pool until a mailbox frees up. The
// mailbox mask is claimed with compare-and-swap so the TX-complete
// interrupt can refill mailboxes without taking a lock. Received frames
// land in a lock-free queue and are handed to subscribers from the RX
// interrupt.
package can

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	xsync "github.com/puzpuzpuz/xsync/v2"
	"github.com/sirupsen/logrus"

	libxr "github.com/libxr/libxr-go"
	"github.com/libxr/libxr-go/bitset"
)

const Mailboxes = 3

var ErrClosed = errors.New("can: controller closed")

type Frame struct {
	ID   uint32
	Ext  bool // 29-bit identifier
	RTR  bool
	DLC  uint8
	Data [8]byte
}

func (f Frame) String() string {
	if f.RTR {
		return fmt.Sprintf("%03X#R%d", f.ID, f.DLC)
	}
	return fmt.Sprintf("%03X#%X", f.ID, f.Data[:min(f.DLC, 8)])
}

// Validate checks the identifier range and data length.
func (f Frame) Validate() error {
	limit := uint32(1<<11 - 1)
	if f.Ext {
		limit = 1<<29 - 1
	}
	if f.ID > limit || f.DLC > 8 {
		return libxr.ErrArg
	}
	return nil
}

// Handler receives a frame from the RX interrupt. It must not block.
type Handler func(inISR bool, f Frame)

type Config struct {
	Name        string
	TxPoolSize  int
	RxQueueSize int

	// FrameTime is how long one frame occupies the bus.
	FrameTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "can"
	}
	if c.TxPoolSize == 0 {
		c.TxPoolSize = 8
	}
	if c.RxQueueSize == 0 {
		c.RxQueueSize = 32
	}
	return c
}

type CAN struct {
	cfg Config
	bus *Bus
	log *logrus.Entry

	tx      *libxr.Pool[Frame]
	boxes   atomic.Uint64 // bitset.Bitset64 of busy mailboxes
	mailbox [Mailboxes]Frame
	txLock  atomic.Bool
	txPend  atomic.Bool
	hw      chan uint8

	rx       *libxr.Queue[Frame]
	handlers atomic.Pointer[[]Handler]

	sent     *xsync.Counter
	received *xsync.Counter
	overruns *xsync.Counter

	closed chan struct{}
	wg     sync.WaitGroup
}

// New creates a controller attached to bus.
func New(bus *Bus, cfg Config) *CAN {
	cfg = cfg.withDefaults()
	c := &CAN{
		cfg:      cfg,
		bus:      bus,
		log:      libxr.Logger().WithField("can", cfg.Name),
		tx:       libxr.NewPool[Frame](cfg.TxPoolSize),
		hw:       make(chan uint8, Mailboxes),
		rx:       libxr.NewQueue[Frame](cfg.RxQueueSize),
		sent:     xsync.NewCounter(),
		received: xsync.NewCounter(),
		overruns: xsync.NewCounter(),
		closed:   make(chan struct{}),
	}
	bus.attach(c)
	c.wg.Add(1)
	go c.transmitter()
	return c
}

func (c *CAN) Name() string { return c.cfg.Name }

// AddMessage queues f for transmission. It fails with ErrFull when the pool
// has no free slot and never blocks, so it is safe from interrupt context.
func (c *CAN) AddMessage(f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if err := c.tx.Put(f); err != nil {
		return err
	}
	c.service()
	return nil
}

// Send is AddMessage retried with backoff while the pool is full. It gives
// up when ctx is done.
func (c *CAN) Send(ctx context.Context, f Frame) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 5 * time.Millisecond
	b.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		err := c.AddMessage(f)
		if err != nil && !errors.Is(err, libxr.ErrFull) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

// service moves pooled frames into free mailboxes. Whoever wins txLock does
// the work; a caller that loses leaves txPend set so the winner goes round
// once more before giving up the lock.
func (c *CAN) service() {
	c.txPend.Store(true)
	for c.txPend.Load() {
		if !c.txLock.CompareAndSwap(false, true) {
			return
		}
		c.txPend.Store(false)
		c.fillMailboxes()
		c.txLock.Store(false)
	}
}

func (c *CAN) fillMailboxes() {
	for {
		idx, ok := c.claimMailbox()
		if !ok {
			return
		}
		f, err := c.tx.Get()
		if err != nil {
			c.releaseMailbox(idx)
			return
		}
		c.mailbox[idx] = f
		c.hw <- idx
	}
}

func (c *CAN) claimMailbox() (uint8, bool) {
	for {
		old := c.boxes.Load()
		set := bitset.Bitset64(old)
		idx, ok := set.PickSetBelow(Mailboxes)
		if !ok {
			return 0, false
		}
		if c.boxes.CompareAndSwap(old, uint64(set)) {
			return idx, true
		}
	}
}

func (c *CAN) releaseMailbox(idx uint8) {
	for {
		old := c.boxes.Load()
		set := bitset.Bitset64(old)
		set.Clear(idx)
		if c.boxes.CompareAndSwap(old, uint64(set)) {
			return
		}
	}
}

// BusyMailboxes reports how many mailboxes hold a frame in flight.
func (c *CAN) BusyMailboxes() int {
	return bitset.Bitset64(c.boxes.Load()).Count()
}

// Pending is the number of frames waiting for a mailbox.
func (c *CAN) Pending() int { return c.tx.Size() }

// transmitter plays the controller hardware: it puts mailbox frames on the
// bus and raises the TX-complete interrupt.
func (c *CAN) transmitter() {
	defer c.wg.Done()
	var timer *time.Timer
	for {
		var idx uint8
		select {
		case idx = <-c.hw:
		case <-c.closed:
			return
		}
		if d := c.cfg.FrameTime; d > 0 {
			if timer == nil {
				timer = time.NewTimer(d)
			} else {
				timer.Reset(d)
			}
			select {
			case <-timer.C:
			case <-c.closed:
				return
			}
		}
		c.bus.transmit(c, c.mailbox[idx])
		c.sent.Inc()
		c.onTxComplete(idx)
	}
}

func (c *CAN) onTxComplete(idx uint8) {
	c.releaseMailbox(idx)
	c.service()
}

// Subscribe registers h for every received frame. Handlers run in the RX
// interrupt in registration order.
func (c *CAN) Subscribe(h Handler) {
	for {
		old := c.handlers.Load()
		var hs []Handler
		if old != nil {
			hs = append(hs, *old...)
		}
		hs = append(hs, h)
		if c.handlers.CompareAndSwap(old, &hs) {
			return
		}
	}
}

// receive is the RX interrupt. The bus calls it with arbitration held, so
// there is one producer for rx at a time.
func (c *CAN) receive(f Frame) {
	c.received.Inc()
	if err := c.rx.Push(f); err != nil {
		c.overruns.Inc()
		c.log.WithField("frame", f).Debug("rx overrun")
	}
	if hs := c.handlers.Load(); hs != nil {
		for _, h := range *hs {
			h(true, f)
		}
	}
}

// Recv takes the oldest buffered frame. It must be called from one
// goroutine only.
func (c *CAN) Recv() (Frame, error) { return c.rx.Pop() }

type Stats struct {
	Sent     int64
	Received int64
	Overruns int64
}

func (c *CAN) Stats() Stats {
	return Stats{
		Sent:     c.sent.Value(),
		Received: c.received.Value(),
		Overruns: c.overruns.Value(),
	}
}

// Close detaches the controller. Frames still pooled or in mailboxes are
// dropped.
func (c *CAN) Close() error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	close(c.closed)
	c.wg.Wait()
	c.bus.detach(c)
	return nil
}

// Bus connects controllers. Delivery is serialized the way arbitration
// serializes frames on a real bus.
type Bus struct {
	mu       sync.Mutex
	nodes    []*CAN
	loopback bool
}

func NewBus() *Bus { return &Bus{} }

// Loopback makes senders receive their own frames too.
func (b *Bus) Loopback(on bool) {
	b.mu.Lock()
	b.loopback = on
	b.mu.Unlock()
}

func (b *Bus) attach(c *CAN) {
	b.mu.Lock()
	b.nodes = append(b.nodes, c)
	b.mu.Unlock()
}

func (b *Bus) detach(c *CAN) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, n := range b.nodes {
		if n == c {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			return
		}
	}
}

func (b *Bus) transmit(from *CAN, f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range b.nodes {
		if n != from || b.loopback {
			n.receive(f)
		}
	}
}
