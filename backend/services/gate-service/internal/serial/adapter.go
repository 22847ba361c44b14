package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	tarm "github.com/tarm/serial"
	"go.uber.org/zap"
)

var (
	// ErrTransportOpen is fatal: the port could not be opened.
	ErrTransportOpen = errors.New("serial: open transport")
	// ErrReadTimeout means no complete line arrived within the wait.
	ErrReadTimeout = errors.New("serial: read timeout")
	// ErrLineTooLong means a line exceeded MaxLineLength and was discarded.
	ErrLineTooLong = errors.New("serial: line too long")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("serial: transport closed")
)

const (
	defaultBaud          = 9600
	defaultReadTimeout   = 100 * time.Millisecond
	defaultIdleDelay     = 100 * time.Millisecond
	defaultMaxLineLength = 256
	chunkSize            = 128
)

// Port is the byte stream under the adapter. *tarm.Port satisfies it.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens a port for the given config. Tests replace it with fakes.
type Opener func(cfg *tarm.Config) (Port, error)

// OpenTarm opens a physical or virtual serial device through tarm/serial.
func OpenTarm(cfg *tarm.Config) (Port, error) {
	return tarm.OpenPort(cfg)
}

// Config describes the link to the gate controller.
type Config struct {
	PortName      string
	BaudRate      int
	ReadTimeout   time.Duration // per Read call; tarm rounds to 100ms steps
	IdleDelay     time.Duration // sleep after an empty read
	SettleDelay   time.Duration // wait after open; many controllers reset when the line opens
	MaxLineLength int
}

func (c Config) withDefaults() Config {
	if c.BaudRate <= 0 {
		c.BaudRate = defaultBaud
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = defaultIdleDelay
	}
	if c.MaxLineLength <= 0 {
		c.MaxLineLength = defaultMaxLineLength
	}
	return c
}

// Adapter frames newline-terminated ASCII lines over a Port. It has no
// knowledge of what the lines mean.
type Adapter struct {
	port   Port
	cfg    Config
	logger *zap.Logger

	buf      bytes.Buffer
	chunk    []byte
	dropping bool

	closeOnce sync.Once
	closed    chan struct{}
}

// Open opens the port and waits out the settle delay. Any failure wraps ErrTransportOpen.
func Open(ctx context.Context, cfg Config, opener Opener, logger *zap.Logger) (*Adapter, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.PortName) == "" {
		return nil, fmt.Errorf("%w: port name is empty", ErrTransportOpen)
	}
	if opener == nil {
		opener = OpenTarm
	}

	port, err := opener(&tarm.Config{
		Name:        cfg.PortName,
		Baud:        cfg.BaudRate,
		Parity:      tarm.ParityNone,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrTransportOpen, cfg.PortName, err)
	}

	a := NewAdapter(port, cfg, logger)
	if cfg.SettleDelay > 0 {
		select {
		case <-ctx.Done():
			_ = a.Close()
			return nil, fmt.Errorf("%w: %v", ErrTransportOpen, ctx.Err())
		case <-time.After(cfg.SettleDelay):
		}
	}

	a.logger.Info("serial transport open",
		zap.String("port", cfg.PortName),
		zap.Int("baud", cfg.BaudRate),
	)
	return a, nil
}

// NewAdapter wraps an already open port.
func NewAdapter(port Port, cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		port:   port,
		cfg:    cfg.withDefaults(),
		logger: logger,
		chunk:  make([]byte, chunkSize),
		closed: make(chan struct{}),
	}
}

// ReadLine returns the next line without its terminator. It gives up with
// ErrReadTimeout once wait has elapsed; bytes of an incomplete line stay
// buffered for the next call. A non-positive wait performs a single poll.
func (a *Adapter) ReadLine(ctx context.Context, wait time.Duration) (string, error) {
	deadline := time.Now().Add(wait)
	for {
		if line, ok, err := a.takeLine(); ok || err != nil {
			return line, err
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if a.isClosed() {
			return "", ErrClosed
		}

		n, err := a.port.Read(a.chunk)
		if n > 0 {
			a.buf.Write(a.chunk[:n])
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			if a.isClosed() {
				return "", ErrClosed
			}
			return "", fmt.Errorf("serial: read: %w", err)
		}

		// tarm/serial reports an expired ReadTimeout as (0, io.EOF).
		if !time.Now().Before(deadline) {
			return "", ErrReadTimeout
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-a.closed:
			return "", ErrClosed
		case <-time.After(minDuration(a.cfg.IdleDelay, time.Until(deadline))):
		}
	}
}

// takeLine pops one complete line from the buffer.
func (a *Adapter) takeLine() (string, bool, error) {
	for {
		data := a.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			if a.buf.Len() > a.cfg.MaxLineLength {
				a.buf.Reset()
				a.dropping = true
			}
			return "", false, nil
		}

		raw := string(data[:idx])
		a.buf.Next(idx + 1)

		if a.dropping || len(raw) > a.cfg.MaxLineLength {
			a.dropping = false
			return "", false, fmt.Errorf("%w: limit %d bytes", ErrLineTooLong, a.cfg.MaxLineLength)
		}

		line := strings.TrimRight(raw, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		return line, true, nil
	}
}

// WriteLine sends line followed by a newline.
func (a *Adapter) WriteLine(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.isClosed() {
		return ErrClosed
	}
	payload := []byte(line + "\n")
	for len(payload) > 0 {
		n, err := a.port.Write(payload)
		if err != nil {
			return fmt.Errorf("serial: write: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("serial: write: %w", io.ErrShortWrite)
		}
		payload = payload[n:]
	}
	return nil
}

// Close releases the port. Safe to call more than once.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		err = a.port.Close()
		a.logger.Info("serial transport closed", zap.String("port", a.cfg.PortName))
	})
	return err
}

func (a *Adapter) isClosed() bool {
	select {
	case <-a.closed:
		return true
	default:
		return false
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if b < a {
		if b < 0 {
			return 0
		}
		return b
	}
	return a
}
