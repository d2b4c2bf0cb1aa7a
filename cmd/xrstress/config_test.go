package main

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	libxr "github.com/libxr/libxr-go"
)

func TestDecodeConfig(t *testing.T) {
	c := defaultConfig()
	err := decodeConfig(strings.NewReader(`
timeout: 5s
uart:
  bytes: 1024
  styles: [poll]
can:
  frame-time: 100us
`), &c)
	if err != nil {
		t.Fatal(err)
	}
	if c.Timeout != 5*time.Second || c.UART.Bytes != 1024 || c.CAN.FrameTime != 100*time.Microsecond {
		t.Errorf("decoded %+v", c)
	}
	if diff := cmp.Diff([]string{"poll"}, c.UART.Styles); diff != "" {
		t.Errorf("styles (-want +got):\n%s", diff)
	}
	if c.UART.Chunk != defaultConfig().UART.Chunk {
		t.Errorf("unset key lost its default: chunk %d", c.UART.Chunk)
	}
}

func TestDecodeConfigRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown key":   "uart:\n  parity: even\n",
		"chunk":         "uart:\n  chunk: 512\n",
		"style":         "uart:\n  styles: [dma]\n",
		"twice":         "uart:\n  styles: [poll, poll]\n",
		"single node":   "can:\n  nodes: 1\n",
		"zero timeout":  "timeout: 0s\n",
		"no frames":     "can:\n  frames: 0\n",
		"not a mapping": "- 1\n",
	} {
		c := defaultConfig()
		if err := decodeConfig(strings.NewReader(doc), &c); err == nil {
			t.Errorf("%s: accepted %q", name, doc)
		}
	}
}

func TestEmptyConfigKeepsDefaults(t *testing.T) {
	c := defaultConfig()
	if err := decodeConfig(strings.NewReader(""), &c); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(defaultConfig(), c); diff != "" {
		t.Errorf("config changed (-want +got):\n%s", diff)
	}
}

func TestRuns(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := defaultConfig()
	cfg.UART.Bytes = 4096
	cfg.UART.RxBuffer = 64
	cfg.UART.TxBuffer = 64
	cfg.CAN.Frames = 300

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	reg := libxr.NewRegistry()
	for style := range styles {
		if err := runUART(ctx, log, reg, cfg, style); err != nil {
			t.Errorf("uart %s: %v", style, err)
		}
	}
	if reg.Len() != 2*len(styles) {
		t.Errorf("%d transports registered, want %d", reg.Len(), 2*len(styles))
	}
	rx, _, ok := reg.LookupName("poll.b")
	if !ok || rx.Read.Stats().Completed == 0 {
		t.Errorf("poll.b = %v, %v", rx, ok)
	}
	if err := runUART(ctx, log, reg, cfg, "poll"); !errors.Is(err, libxr.ErrBusy) {
		t.Errorf("second run under a registered name = %v, want ErrBusy", err)
	}
	if err := runCAN(ctx, log, cfg); err != nil {
		t.Errorf("can: %v", err)
	}
}
