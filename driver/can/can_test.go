package can

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	libxr "github.com/libxr/libxr-go"
)

func collect(c *CAN, n int) <-chan Frame {
	ch := make(chan Frame, n)
	c.Subscribe(func(inISR bool, f Frame) {
		if !inISR {
			panic("rx handler outside the interrupt")
		}
		select {
		case ch <- f:
		default:
		}
	})
	return ch
}

func TestFrameValidate(t *testing.T) {
	cases := []struct {
		f  Frame
		ok bool
	}{
		{Frame{ID: 0x7FF, DLC: 8}, true},
		{Frame{ID: 0x800}, false},
		{Frame{ID: 0x800, Ext: true}, true},
		{Frame{ID: 1 << 29, Ext: true}, false},
		{Frame{ID: 1, DLC: 9}, false},
	}
	for _, c := range cases {
		if err := c.f.Validate(); (err == nil) != c.ok {
			t.Errorf("Validate(%+v) = %v", c.f, err)
		}
	}
	if s := (Frame{ID: 0x123, DLC: 2, Data: [8]byte{0xAB, 0xCD}}).String(); s != "123#ABCD" {
		t.Errorf("String = %q", s)
	}
}

func TestFramesReachPeer(t *testing.T) {
	bus := NewBus()
	a := New(bus, Config{Name: "a"})
	b := New(bus, Config{Name: "b"})
	defer a.Close()
	defer b.Close()
	got := collect(b, 64)
	own := collect(a, 64)

	const n = 40
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		if err := a.Send(ctx, Frame{ID: uint32(i), DLC: 1, Data: [8]byte{byte(i)}}); err != nil {
			t.Fatalf("Send(%d) = %v", i, err)
		}
	}
	var ids []int
	for len(ids) < n {
		select {
		case f := <-got:
			ids = append(ids, int(f.ID))
		case <-ctx.Done():
			t.Fatalf("received %d of %d frames", len(ids), n)
		}
	}
	sort.Ints(ids)
	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("frame ids (-want +got):\n%s", diff)
	}
	if len(own) != 0 {
		t.Errorf("sender heard %d of its own frames without loopback", len(own))
	}
	// The sender counts a frame after the bus has delivered it.
	for a.Stats().Sent != n {
		if ctx.Err() != nil {
			t.Fatalf("sender stats = %+v", a.Stats())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMailboxesAndPoolFill(t *testing.T) {
	bus := NewBus()
	// One frame occupies the bus for an hour: nothing completes.
	c := New(bus, Config{TxPoolSize: 2, FrameTime: time.Hour})
	for i := 0; i < Mailboxes+2; i++ {
		if err := c.AddMessage(Frame{ID: uint32(i)}); err != nil {
			t.Fatalf("AddMessage(%d) = %v", i, err)
		}
	}
	if c.BusyMailboxes() != Mailboxes || c.Pending() != 2 {
		t.Errorf("busy mailboxes %d, pending %d", c.BusyMailboxes(), c.Pending())
	}
	if err := c.AddMessage(Frame{ID: 9}); err != libxr.ErrFull {
		t.Errorf("AddMessage on full pool = %v, want ErrFull", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Send(ctx, Frame{ID: 10}); !errors.Is(err, libxr.ErrFull) {
		t.Errorf("Send on stuck controller = %v", err)
	}
	if err := c.Send(context.Background(), Frame{ID: 0x800}); err != libxr.ErrArg {
		t.Errorf("Send of invalid frame = %v, want ErrArg", err)
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.AddMessage(Frame{}); err != ErrClosed {
		t.Errorf("AddMessage after Close = %v", err)
	}
	if err := c.Close(); err != ErrClosed {
		t.Errorf("second Close = %v", err)
	}
}

func TestLoopbackAndRxOverrun(t *testing.T) {
	bus := NewBus()
	bus.Loopback(true)
	c := New(bus, Config{RxQueueSize: 2})
	defer c.Close()
	got := collect(c, 8)

	for i := 0; i < 5; i++ {
		if err := c.Send(context.Background(), Frame{ID: uint32(i)}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 5; i++ {
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d frames looped back", i)
		}
	}
	if s := c.Stats(); s.Received != 5 || s.Overruns != 3 {
		t.Errorf("stats = %+v", s)
	}
	for i := 0; i < 2; i++ {
		if _, err := c.Recv(); err != nil {
			t.Errorf("Recv %d = %v", i, err)
		}
	}
	if _, err := c.Recv(); err != libxr.ErrEmpty {
		t.Errorf("Recv on drained queue = %v, want ErrEmpty", err)
	}
}
