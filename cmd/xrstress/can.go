package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/libxr/libxr-go/driver/can"
)

// runCAN has every node but the last send its share of numbered frames.
// The last node must see each number exactly once.
func runCAN(ctx context.Context, log *logrus.Logger, cfg Config) error {
	bus := can.NewBus()
	nodes := make([]*can.CAN, cfg.CAN.Nodes)
	for i := range nodes {
		nodes[i] = can.New(bus, can.Config{
			Name:        fmt.Sprintf("can%d", i),
			TxPoolSize:  cfg.CAN.TxPool,
			RxQueueSize: cfg.CAN.RxQueue,
			FrameTime:   cfg.CAN.FrameTime,
		})
	}
	defer func() {
		for _, n := range nodes {
			n.Close()
		}
	}()

	total := cfg.CAN.Frames
	sink := nodes[len(nodes)-1]
	senders := nodes[:len(nodes)-1]

	var (
		seen      = bitset.New(uint(total))
		dups      atomic.Int64
		delivered atomic.Int64
		done      = make(chan struct{})
	)
	// Handlers run under bus arbitration, so seen needs no lock.
	sink.Subscribe(func(_ bool, f can.Frame) {
		seq := uint(binary.LittleEndian.Uint32(f.Data[:4]))
		if seq >= uint(total) || seen.Test(seq) {
			dups.Add(1)
			return
		}
		seen.Set(seq)
		if delivered.Add(1) == int64(total) {
			close(done)
		}
	})
	// Nobody reads the RX queue in this run; keep it from overrunning.
	drain := func() {
		for {
			if _, err := sink.Recv(); err != nil {
				return
			}
		}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range senders {
		i, n := i, n
		g.Go(func() error {
			for seq := i; seq < total; seq += len(senders) {
				f := can.Frame{ID: uint32(0x100 + i), DLC: 4}
				binary.LittleEndian.PutUint32(f.Data[:4], uint32(seq))
				if err := n.Send(gctx, f); err != nil {
					return fmt.Errorf("%s: frame %d: %w", n.Name(), seq, err)
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		t := time.NewTicker(time.Millisecond)
		defer t.Stop()
		for {
			drain()
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("can: %d of %d frames delivered: %w", delivered.Load(), total, gctx.Err())
			case <-t.C:
			}
		}
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if d := dups.Load(); d > 0 {
		return fmt.Errorf("can: %d duplicate or unknown frames", d)
	}
	log.WithFields(logrus.Fields{
		"frames":  total,
		"nodes":   len(nodes),
		"elapsed": time.Since(start),
		"sink":    sink.Stats(),
	}).Info("can run passed")
	return nil
}
