package libxr

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

type completion struct {
	InISR bool
	Err   error
}

// recorder collects completions delivered on the test goroutine.
type recorder struct {
	got []completion
}

func (r *recorder) op() *Callback {
	return NewCallback(func(inISR bool, err error) {
		r.got = append(r.got, completion{inISR, err})
	})
}

func (r *recorder) check(t *testing.T, want ...completion) {
	t.Helper()
	if diff := cmp.Diff(want, r.got); diff != "" {
		t.Errorf("completions mismatch (-want +got):\n%s", diff)
	}
}

// armedReadPort returns a port whose hook always reports "will complete
// later", counting invocations.
func armedReadPort(size int) (*ReadPort, *atomic.Int32) {
	var calls atomic.Int32
	r := NewReadPort(size).Named("test.rx")
	r.SetHook(func(*ReadPort) error {
		calls.Add(1)
		return ErrEmpty
	})
	return r, &calls
}

func TestReadWithoutHook(t *testing.T) {
	r := NewReadPort(8)
	if r.Readable() {
		t.Error("port without hook is readable")
	}
	if err := r.Read(make([]byte, 1), NewPoll()); err != ErrNotSupport {
		t.Errorf("Read = %v, want ErrNotSupport", err)
	}
}

func TestZeroLengthRequestsSkipTheHook(t *testing.T) {
	r, rcalls := armedReadPort(8)
	var wcalls atomic.Int32
	w := NewWritePort(8)
	w.SetHook(func(*WritePort) error {
		wcalls.Add(1)
		return ErrBusy
	})

	ops := func() []Operation {
		return []Operation{NewPoll(), NewBlock(nil, WaitForever), NewFuture().Op()}
	}
	for _, op := range ops() {
		if err := r.Read(nil, op); err != nil {
			t.Errorf("zero-length %v read = %v", op.Kind(), err)
		}
	}
	for _, op := range ops() {
		if err := w.Write([]byte{}, op); err != nil {
			t.Errorf("zero-length %v write = %v", op.Kind(), err)
		}
	}
	p := NewPoll()
	r.Read(nil, p)
	if s := p.Status(); s != Done {
		t.Errorf("poll after zero-length read = %v, want done", s)
	}
	if rcalls.Load() != 0 || wcalls.Load() != 0 {
		t.Errorf("hooks called %d/%d times", rcalls.Load(), wcalls.Load())
	}
	if r.Queue().Size() != 0 || w.Queue().Size() != 0 {
		t.Error("zero-length request touched a queue")
	}
}

func TestReadServedFromQueue(t *testing.T) {
	r, calls := armedReadPort(8)
	r.Queue().PushBatch([]byte("hello"))

	var rec recorder
	buf := make([]byte, 4)
	if err := r.Read(buf, rec.op()); err != nil {
		t.Fatalf("Read = %v", err)
	}
	rec.check(t, completion{false, nil})
	if string(buf) != "hell" || r.ReadSize() != 4 {
		t.Errorf("read %q (size %d)", buf, r.ReadSize())
	}
	if calls.Load() != 0 {
		t.Errorf("hook called %d times", calls.Load())
	}
	if r.State() != Idle {
		t.Errorf("state = %v, want idle", r.State())
	}
}

func TestReadCompletesFromDriver(t *testing.T) {
	r, calls := armedReadPort(8)
	var rec recorder
	buf := make([]byte, 4)
	if err := r.Read(buf, rec.op()); err != nil {
		t.Fatalf("Read = %v", err)
	}
	if calls.Load() != 1 || r.State() != Pending {
		t.Fatalf("after Read: hook calls %d, state %v", calls.Load(), r.State())
	}
	if got := r.Request(); len(got) != 4 {
		t.Errorf("Request() has %d bytes, want 4", len(got))
	}

	r.Queue().PushBatch([]byte("ab"))
	r.ProcessPendingReads(true)
	rec.check(t)
	if r.State() != Pending {
		t.Fatalf("partial data completed the read: %v", r.State())
	}

	r.Queue().PushBatch([]byte("cd"))
	r.ProcessPendingReads(true)
	rec.check(t, completion{true, nil})
	if string(buf) != "abcd" || r.ReadSize() != 4 {
		t.Errorf("read %q (size %d)", buf, r.ReadSize())
	}
	if r.State() != Idle {
		t.Errorf("state = %v, want idle", r.State())
	}
}

func TestReadRejectsSecondRequest(t *testing.T) {
	r, _ := armedReadPort(8)
	var first, second recorder
	buf := make([]byte, 2)
	r.Read(buf, first.op())

	if err := r.Read(make([]byte, 1), second.op()); err != ErrBusy {
		t.Errorf("second Read = %v, want ErrBusy", err)
	}
	second.check(t)

	r.Queue().PushBatch([]byte("xy"))
	r.ProcessPendingReads(false)
	first.check(t, completion{false, nil})
	if string(buf) != "xy" {
		t.Errorf("first read got %q", buf)
	}
	if s := r.Stats(); s.Rejected != 1 || s.Completed != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestReadConsumesEvent(t *testing.T) {
	r, calls := armedReadPort(8)
	r.Queue().PushBatch([]byte("z"))
	r.ProcessPendingReads(true)
	if r.State() != Event {
		t.Fatalf("state = %v, want event", r.State())
	}
	if r.Stats().Events != 1 {
		t.Errorf("events = %d", r.Stats().Events)
	}

	p := NewPoll()
	buf := make([]byte, 1)
	if err := r.Read(buf, p); err != nil {
		t.Fatal(err)
	}
	if p.Status() != Done || buf[0] != 'z' || calls.Load() != 0 {
		t.Errorf("read %q, hook calls %d", buf, calls.Load())
	}
	if r.State() != Idle {
		t.Errorf("state = %v, want idle", r.State())
	}
}

func TestReadHookFailure(t *testing.T) {
	busOff := errors.New("bus off")
	r := NewReadPort(8)
	r.SetHook(func(*ReadPort) error { return fmt.Errorf("rx: %w", busOff) })

	var rec recorder
	err := r.Read(make([]byte, 3), rec.op())
	if !errors.Is(err, busOff) {
		t.Fatalf("Read = %v, want bus off", err)
	}
	if len(rec.got) != 1 || !errors.Is(rec.got[0].Err, busOff) || rec.got[0].InISR {
		t.Errorf("completions = %+v", rec.got)
	}
	if r.State() != Idle || r.Stats().Failed != 1 {
		t.Errorf("state %v, stats %+v", r.State(), r.Stats())
	}
}

func TestPassThroughRead(t *testing.T) {
	var immediate bool
	r := NewReadPort(0)
	r.SetHook(func(p *ReadPort) error {
		if immediate {
			copy(p.Request(), "now")
			return nil
		}
		return ErrBusy
	})
	if r.Queue() != nil {
		t.Fatal("pass-through port has a queue")
	}

	immediate = true
	buf := make([]byte, 3)
	if err := r.Read(buf, NewBlock(nil, time.Second)); err != nil || string(buf) != "now" {
		t.Fatalf("sync read = %q, %v", buf, err)
	}

	immediate = false
	var rec recorder
	buf = make([]byte, 5)
	r.Read(buf, rec.op())
	copy(r.Request(), "later")
	r.Finish(true, nil)
	rec.check(t, completion{true, nil})
	if string(buf) != "later" || r.ReadSize() != 5 {
		t.Errorf("read %q (size %d)", buf, r.ReadSize())
	}

	r.Finish(true, ErrFailed)
	rec.check(t, completion{true, nil})
}

func TestFinishAbortsPendingRead(t *testing.T) {
	r, _ := armedReadPort(8)
	p := NewPoll()
	r.Read(make([]byte, 4), p)
	r.Finish(true, ErrFailed)
	if s := p.Status(); s != Error {
		t.Errorf("poll = %v, want error", s)
	}
	if r.State() != Idle {
		t.Errorf("state = %v", r.State())
	}
}

// TestFinishBeforeHookReturns has the transfer complete on another
// goroutine while the hook that started it is still running.
func TestFinishBeforeHookReturns(t *testing.T) {
	var result error
	r := NewReadPort(0)
	r.SetHook(func(p *ReadPort) error {
		done := make(chan struct{})
		go func() {
			copy(p.Request(), "hi")
			p.Finish(true, result)
			close(done)
		}()
		<-done
		return ErrEmpty
	})

	buf := make([]byte, 2)
	if err := r.Read(buf, NewBlock(nil, time.Second)); err != nil || string(buf) != "hi" {
		t.Fatalf("blocking Read = %q, %v", buf, err)
	}
	p := NewPoll()
	if err := r.Read(make([]byte, 2), p); err != nil {
		t.Fatalf("polled Read = %v", err)
	}
	if s := p.Status(); s != Done {
		t.Errorf("poll = %v, want done", s)
	}

	result = ErrFailed
	var rec recorder
	if err := r.Read(make([]byte, 2), rec.op()); err != ErrFailed {
		t.Errorf("failed Read = %v, want ErrFailed", err)
	}
	rec.check(t, completion{false, ErrFailed})

	if r.State() != Idle {
		t.Errorf("state = %v, want idle", r.State())
	}
	if s := r.Stats(); s.Completed != 2 || s.Failed != 1 || s.Cancelled != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestBlockingReadWakesOnData(t *testing.T) {
	r := NewReadPort(8)
	r.SetHook(func(p *ReadPort) error {
		// The "hardware" answers from another goroutine, possibly before
		// the port has armed.
		go func() {
			p.Queue().PushBatch([]byte("ping"))
			p.ProcessPendingReads(true)
		}()
		return ErrEmpty
	})
	buf := make([]byte, 4)
	if err := r.Read(buf, NewBlock(nil, 5*time.Second)); err != nil {
		t.Fatalf("Read = %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("read %q", buf)
	}
}

func TestBlockingReadTimeout(t *testing.T) {
	r, calls := armedReadPort(8)
	buf := make([]byte, 2)
	if err := r.Read(buf, NewBlock(nil, 20*time.Millisecond)); err != ErrTimeout {
		t.Fatalf("Read = %v, want ErrTimeout", err)
	}
	if r.State() != Idle || r.Stats().Cancelled != 1 {
		t.Fatalf("state %v, stats %+v", r.State(), r.Stats())
	}

	// Late data is kept for the next read.
	r.Queue().PushBatch([]byte("ok"))
	r.ProcessPendingReads(true)
	if r.State() != Event {
		t.Errorf("state = %v, want event", r.State())
	}
	if err := r.Read(buf, NewBlock(nil, 20*time.Millisecond)); err != nil || string(buf) != "ok" {
		t.Errorf("next Read = %q, %v", buf, err)
	}
	if calls.Load() != 1 {
		t.Errorf("hook calls = %d, want 1", calls.Load())
	}
}

func TestResetCancelsPendingRead(t *testing.T) {
	r, _ := armedReadPort(8)
	r.Queue().PushBatch([]byte("abc"))
	var rec recorder
	r.Read(make([]byte, 6), rec.op())

	r.Reset()
	rec.check(t, completion{false, ErrFailed})
	if r.State() != Idle || r.Queue().Size() != 0 {
		t.Errorf("after Reset: state %v, %d bytes queued", r.State(), r.Queue().Size())
	}
	if r.Stats().Cancelled != 1 {
		t.Errorf("stats = %+v", r.Stats())
	}

	// A completion arriving after the reset finds nothing to complete.
	r.Queue().PushBatch([]byte("abcdef"))
	r.ProcessPendingReads(true)
	rec.check(t, completion{false, ErrFailed})
}

func TestReadOversizedBufferPanics(t *testing.T) {
	r, _ := armedReadPort(4)
	defer func() {
		if recover() == nil {
			t.Error("oversized read did not panic")
		}
	}()
	r.Read(make([]byte, 5), NewPoll())
}

// TestReadNoLostWakeups streams bytes from a simulated interrupt while the
// reader issues requests of random size with every completion style. Each
// request must complete exactly once with the right bytes.
func TestReadNoLostWakeups(t *testing.T) {
	const (
		total    = 50000
		capacity = 32
	)
	r, _ := armedReadPort(capacity)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rng := rand.New(rand.NewSource(3))
		q := r.Queue()
		chunk := make([]byte, 8)
		for n := 0; n < total; {
			room := q.EmptySize()
			if room == 0 {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				runtime.Gosched()
				continue
			}
			k := min(rng.Intn(len(chunk))+1, room, total-n)
			for i := range chunk[:k] {
				chunk[i] = byte(n + i)
			}
			q.PushBatch(chunk[:k])
			n += k
			r.ProcessPendingReads(true)
		}
		return nil
	})
	g.Go(func() error {
		rng := rand.New(rand.NewSource(4))
		buf := make([]byte, capacity)
		for n := 0; n < total; {
			want := buf[:min(rng.Intn(capacity)+1, total-n)]
			if err := readWith(ctx, r, want, rng.Intn(3)); err != nil {
				return fmt.Errorf("read at %d: %w", n, err)
			}
			for i, b := range want {
				if b != byte(n+i) {
					return fmt.Errorf("byte %d = %d, want %d", n+i, b, byte(n+i))
				}
			}
			n += len(want)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if r.State() == Pending {
		t.Error("port left pending")
	}
}

func readWith(ctx context.Context, r *ReadPort, buf []byte, style int) error {
	switch style {
	case 0:
		return r.Read(buf, NewBlock(nil, 10*time.Second))
	case 1:
		var calls atomic.Int32
		f := NewFuture()
		op := NewCallback(func(inISR bool, err error) {
			if calls.Add(1) > 1 {
				panic("completed twice")
			}
			f.Complete(err)
		})
		if err := r.Read(buf, op); err != nil {
			return err
		}
		return f.Wait(ctx)
	default:
		p := NewPoll()
		if err := r.Read(buf, p); err != nil {
			return err
		}
		for {
			switch p.Status() {
			case Done:
				return nil
			case Error:
				return ErrFailed
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			runtime.Gosched()
		}
	}
}
