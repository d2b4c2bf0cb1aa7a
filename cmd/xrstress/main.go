// Command xrstress pushes traffic through simulated peripherals and checks
// that every byte and frame arrives exactly once.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	libxr "github.com/libxr/libxr-go"
)

var opts Opts

func die(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "oops: %v\n", err)
		os.Exit(1)
	}
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	_, err := parser.Parse()
	if flags.WroteHelp(err) {
		return
	}
	die(err)

	cfg, err := loadConfig(opts.ConfigFile)
	die(err)
	if opts.Bytes > 0 {
		cfg.UART.Bytes = opts.Bytes
	}
	if opts.Frames > 0 {
		cfg.CAN.Frames = opts.Frames
	}

	log := logrus.New()
	switch len(opts.Verbose) {
	case 0:
		log.SetLevel(logrus.WarnLevel)
	case 1:
		log.SetLevel(logrus.InfoLevel)
	default:
		log.SetLevel(logrus.DebugLevel)
	}
	libxr.SetLogger(log)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	reg := libxr.NewRegistry()
	g, ctx := errgroup.WithContext(ctx)
	if opts.Only == "" || opts.Only == "uart" {
		for _, style := range cfg.UART.Styles {
			style := style
			g.Go(func() error { return runUART(ctx, log, reg, cfg, style) })
		}
	}
	if opts.Only == "" || opts.Only == "can" {
		g.Go(func() error { return runCAN(ctx, log, cfg) })
	}
	err = g.Wait()
	logPorts(log, reg)
	die(err)
	log.Info("all runs passed")
}

func logPorts(log *logrus.Logger, reg *libxr.Registry) {
	reg.Range(func(h libxr.Handle, t *libxr.Transport) bool {
		entry := log.WithFields(logrus.Fields{"handle": h, "transport": t.Name})
		if t.Read != nil {
			entry = entry.WithField("rx", t.Read.Stats())
		}
		if t.Write != nil {
			entry = entry.WithField("tx", t.Write.Stats())
		}
		entry.Info("port stats")
		return true
	})
}
