package sensor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"go.bug.st/serial"

	"stairwatch/internal/clock"
	"stairwatch/internal/stairs"
)

// SerialConfig describes a bridge (phone app or microcontroller) streaming
// readings as text lines: "A,x,y,z", "G,x,y,z" or "S". Readings are stamped
// on receipt.
type SerialConfig struct {
	Port     string
	BaudRate int
	DataBits int
	// StopBits is 1 or 2.
	StopBits int
	// Parity is "N", "E" or "O".
	Parity string

	// Capabilities declares which streams the bridge provides.
	Capabilities stairs.Capabilities

	Clock  clock.Clock
	Logger *slog.Logger
}

func (c SerialConfig) mode() (*serial.Mode, error) {
	m := &serial.Mode{BaudRate: c.BaudRate, DataBits: c.DataBits}
	if m.BaudRate <= 0 {
		m.BaudRate = 115200
	}
	if m.DataBits == 0 {
		m.DataBits = 8
	}
	switch c.StopBits {
	case 0, 1:
		m.StopBits = serial.OneStopBit
	case 2:
		m.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("sensor: unsupported stop bits %d", c.StopBits)
	}
	switch strings.ToUpper(c.Parity) {
	case "", "N":
		m.Parity = serial.NoParity
	case "E":
		m.Parity = serial.EvenParity
	case "O":
		m.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("sensor: unsupported parity %q", c.Parity)
	}
	return m, nil
}

var openPort = func(path string, mode *serial.Mode) (io.ReadCloser, error) {
	return serial.Open(path, mode)
}

type SerialSource struct {
	cfg SerialConfig
	log *slog.Logger

	mu      sync.Mutex
	lines   uint64
	invalid uint64
}

func NewSerialSource(cfg SerialConfig) *SerialSource {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &SerialSource{cfg: cfg, log: log.With("source", "serial", "port", cfg.Port)}
}

func (s *SerialSource) Capabilities() stairs.Capabilities { return s.cfg.Capabilities }

// Stats returns the number of lines read and how many were rejected.
func (s *SerialSource) Stats() (lines, invalid uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines, s.invalid
}

func (s *SerialSource) Run(ctx context.Context, out chan<- Reading) error {
	if strings.TrimSpace(s.cfg.Port) == "" {
		return errors.New("sensor: serial port is required")
	}
	mode, err := s.cfg.mode()
	if err != nil {
		return err
	}
	port, err := openPort(s.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("sensor: open %s: %w", s.cfg.Port, err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = port.Close()
	}()

	sc := bufio.NewScanner(port)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s.mu.Lock()
		s.lines++
		s.mu.Unlock()

		kind, vec, err := ParseFields(strings.Split(line, ","))
		if err != nil {
			s.mu.Lock()
			s.invalid++
			n := s.invalid
			s.mu.Unlock()
			// Log the first few, then every hundredth.
			if n <= 3 || n%100 == 0 {
				s.log.Warn("bad serial line", "line", line, "err", err, "invalid", n)
			}
			continue
		}
		if err := send(ctx, out, Reading{Time: s.cfg.Clock.Now(), Kind: kind, Vec: vec}); err != nil {
			return nil
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("sensor: serial read: %w", err)
	}
	return fmt.Errorf("sensor: serial stream ended: %w", io.ErrUnexpectedEOF)
}
