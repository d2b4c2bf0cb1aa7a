package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	libxr "github.com/libxr/libxr-go"
	"github.com/libxr/libxr-go/driver/uart"
)

// transfer runs one port request with a particular completion style and
// returns once it has completed.
type transfer func(ctx context.Context, buf []byte, do func([]byte, libxr.Operation) error) error

var styles = map[string]transfer{
	"block":    blockTransfer,
	"callback": callbackTransfer,
	"poll":     pollTransfer,
}

func blockTransfer(ctx context.Context, buf []byte, do func([]byte, libxr.Operation) error) error {
	timeout := libxr.WaitForever
	if deadline, ok := ctx.Deadline(); ok {
		timeout = max(time.Until(deadline), time.Millisecond)
	}
	return do(buf, libxr.NewBlock(nil, timeout))
}

func callbackTransfer(ctx context.Context, buf []byte, do func([]byte, libxr.Operation) error) error {
	f := libxr.NewFuture()
	if err := do(buf, f.Op()); err != nil {
		return err
	}
	return f.Wait(ctx)
}

func pollTransfer(ctx context.Context, buf []byte, do func([]byte, libxr.Operation) error) error {
	p := libxr.NewPoll()
	if err := do(buf, p); err != nil {
		return err
	}
	for {
		switch p.Status() {
		case libxr.Done:
			return nil
		case libxr.Error:
			return libxr.ErrFailed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		runtime.Gosched()
	}
}

// runUART streams random bytes from one UART to its peer using a single
// completion style on both ends, then compares what arrived. Both UARTs are
// registered in reg under "<style>.a" and "<style>.b".
func runUART(ctx context.Context, log *logrus.Logger, reg *libxr.Registry, cfg Config, style string) error {
	xfer := styles[style]
	newUART := func(side string) *uart.UART {
		return uart.New(uart.Config{
			Name:        style + "." + side,
			BaudRate:    cfg.UART.BaudRate,
			RxBufSize:   cfg.UART.RxBuffer,
			TxBufSize:   cfg.UART.TxBuffer,
			FlowControl: true,
		})
	}
	a, b := newUART("a"), newUART("b")
	uart.Connect(a, b)
	defer a.Close()
	defer b.Close()
	for _, u := range []*uart.UART{a, b} {
		if _, err := reg.Register(&libxr.Transport{Name: u.Name(), Read: u.Read, Write: u.Write}); err != nil {
			return fmt.Errorf("uart %s: %w", style, err)
		}
	}
	rx, _, ok := reg.LookupName(b.Name())
	if !ok || rx.Read == nil {
		return fmt.Errorf("uart %s: %s not readable", style, b.Name())
	}

	want := make([]byte, cfg.UART.Bytes)
	rand.New(rand.NewSource(time.Now().UnixNano())).Read(want)
	got := make([]byte, 0, len(want))
	chunk := cfg.UART.Chunk

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for off := 0; off < len(want); off += chunk {
			end := min(off+chunk, len(want))
			if err := xfer(ctx, want[off:end], a.Write.Write); err != nil {
				return fmt.Errorf("uart %s: write at %d: %w", style, off, err)
			}
		}
		return nil
	})
	g.Go(func() error {
		buf := make([]byte, chunk)
		for len(got) < len(want) {
			n := min(chunk, len(want)-len(got))
			if err := xfer(ctx, buf[:n], rx.Read.Read); err != nil {
				return fmt.Errorf("uart %s: read at %d: %w", style, len(got), err)
			}
			got = append(got, buf[:n]...)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		i := 0
		for got[i] == want[i] {
			i++
		}
		return fmt.Errorf("uart %s: stream differs at byte %d", style, i)
	}
	log.WithFields(logrus.Fields{
		"style":    style,
		"bytes":    len(want),
		"elapsed":  time.Since(start),
		"overruns": b.Overruns(),
	}).Info("uart run passed")
	return nil
}
