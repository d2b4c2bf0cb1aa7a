package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Opts struct {
	ConfigFile string `short:"c" long:"config" description:"Path to a YAML config file"`
	Only       string `long:"only" choice:"uart" choice:"can" description:"Run a single test"`
	Bytes      int    `long:"bytes" description:"Bytes pushed through each UART run (overrides config)"`
	Frames     int    `long:"frames" description:"Frames sent in the CAN run (overrides config)"`
	Verbose    []bool `short:"v" long:"verbose" description:"Log more, repeat for debug output"`
}

type Config struct {
	Timeout time.Duration `yaml:"timeout"`
	UART    struct {
		Bytes    int      `yaml:"bytes"`
		Chunk    int      `yaml:"chunk"`
		BaudRate int      `yaml:"baud-rate"`
		RxBuffer int      `yaml:"rx-buffer"`
		TxBuffer int      `yaml:"tx-buffer"`
		Styles   []string `yaml:"styles"`
	} `yaml:"uart"`
	CAN struct {
		Frames    int           `yaml:"frames"`
		Nodes     int           `yaml:"nodes"`
		TxPool    int           `yaml:"tx-pool"`
		RxQueue   int           `yaml:"rx-queue"`
		FrameTime time.Duration `yaml:"frame-time"`
	} `yaml:"can"`
}

func defaultConfig() Config {
	var c Config
	c.Timeout = 30 * time.Second
	c.UART.Bytes = 1 << 16
	c.UART.Chunk = 48
	c.UART.RxBuffer = 256
	c.UART.TxBuffer = 256
	c.UART.Styles = []string{"block", "callback", "poll"}
	c.CAN.Frames = 2000
	c.CAN.Nodes = 3
	c.CAN.TxPool = 8
	c.CAN.RxQueue = 64
	return c
}

// loadConfig overlays the file at path, if any, on the defaults. Unknown
// keys are an error.
func loadConfig(path string) (Config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return c, err
	}
	defer f.Close()
	if err := decodeConfig(f, &c); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func decodeConfig(r io.Reader, c *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return c.validate()
}

func (c *Config) validate() error {
	switch {
	case c.Timeout <= 0:
		return errors.New("timeout must be positive")
	case c.UART.Chunk < 1:
		return errors.New("uart.chunk must be positive")
	case c.UART.Chunk > c.UART.RxBuffer || c.UART.Chunk > c.UART.TxBuffer:
		return fmt.Errorf("uart.chunk %d exceeds a port buffer", c.UART.Chunk)
	case c.CAN.Frames < 1:
		return errors.New("can.frames must be positive")
	case c.CAN.Nodes < 2:
		return errors.New("can.nodes must be at least 2")
	case c.CAN.TxPool < 1 || c.CAN.RxQueue < 1:
		return errors.New("can.tx-pool and can.rx-queue must be positive")
	}
	seen := make(map[string]bool)
	for _, s := range c.UART.Styles {
		if _, ok := styles[s]; !ok {
			return fmt.Errorf("unknown uart style %q", s)
		}
		if seen[s] {
			return fmt.Errorf("uart style %q listed twice", s)
		}
		seen[s] = true
	}
	return nil
}
