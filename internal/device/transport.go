package device

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Port is the raw byte connection to the device. Read returns (0, nil) when
// the read timeout elapses without data, as go.bug.st/serial does.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	Close() error
}

// Opener opens a Port by name.
type Opener func(name string, cfg PortConfig) (Port, error)

// PortConfig holds the connection parameters. They are not protocol content
// but must be fixed for a session.
type PortConfig struct {
	BaudRate    int           `yaml:"baud_rate" json:"baudRate"`
	ReadTimeout time.Duration `yaml:"read_timeout" json:"readTimeout"`
}

const (
	DefaultBaudRate    = 9600
	DefaultReadTimeout = 1 * time.Second
)

// ErrNotOpen is returned by I/O on a closed Transport.
var ErrNotOpen = errors.New("device: port not open")

// SerialOpenError reports that the device handle could not be acquired.
type SerialOpenError struct {
	Port string
	Err  error
}

func (e *SerialOpenError) Error() string {
	return fmt.Sprintf("device: failed to open %s: %v", e.Port, e.Err)
}

func (e *SerialOpenError) Unwrap() error { return e.Err }

// OpenSerial opens a real serial port, 8N1.
func OpenSerial(name string, cfg PortConfig) (Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return port, nil
}

// Transport owns the connection for a session and frames device output into
// lines. One goroutine may read while another writes.
type Transport struct {
	open Opener
	cfg  PortConfig

	mu   sync.Mutex
	port Port
	name string

	// pending holds bytes read but not yet returned; only the reading
	// goroutine touches it.
	pending []byte
	readBuf []byte
}

// NewTransport creates a Transport. A nil opener means OpenSerial.
func NewTransport(open Opener, cfg PortConfig) *Transport {
	if open == nil {
		open = OpenSerial
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	return &Transport{
		open:    open,
		cfg:     cfg,
		readBuf: make([]byte, 256),
	}
}

// Open acquires the named port. An already open port is closed first.
func (t *Transport) Open(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port != nil {
		log.Printf("[device] %s already open, closing before reopening", t.name)
		t.port.Close()
		t.port = nil
	}
	port, err := t.open(name, t.cfg)
	if err != nil {
		return &SerialOpenError{Port: name, Err: err}
	}
	t.port = port
	t.name = name
	t.pending = nil
	log.Printf("[device] opened %s at %d baud", name, t.cfg.BaudRate)
	return nil
}

// Close releases the port. Closing a closed Transport is a no-op.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	log.Printf("[device] closed %s", t.name)
	return err
}

// IsOpen reports whether the port is held.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// PortName returns the name of the last opened port.
func (t *Transport) PortName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

func (t *Transport) current() (Port, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, ErrNotOpen
	}
	return t.port, nil
}

// Write sends raw bytes to the device.
func (t *Transport) Write(p []byte) (int, error) {
	port, err := t.current()
	if err != nil {
		return 0, err
	}
	return port.Write(p)
}

// WriteString is a convenience for command bytes and parameter lines.
func (t *Transport) WriteString(s string) error {
	_, err := t.Write([]byte(s))
	return err
}

// Read returns buffered bytes first, then reads from the port. It returns
// (0, nil) on read timeout.
func (t *Transport) Read(p []byte) (int, error) {
	if len(t.pending) > 0 {
		n := copy(p, t.pending)
		t.pending = t.pending[n:]
		return n, nil
	}
	port, err := t.current()
	if err != nil {
		return 0, err
	}
	n, err := port.Read(p)
	if err != nil && !t.IsOpen() {
		return n, ErrNotOpen
	}
	return n, err
}

// ReadLine returns the next complete line without its terminator. It returns
// "" with a nil error when the read timeout elapses first; a partial line is
// kept for the next call.
func (t *Transport) ReadLine() (string, error) {
	for {
		if i := bytes.IndexByte(t.pending, '\n'); i >= 0 {
			line := string(t.pending[:i])
			t.pending = t.pending[i+1:]
			return strings.TrimRight(line, "\r"), nil
		}
		port, err := t.current()
		if err != nil {
			return "", err
		}
		n, err := port.Read(t.readBuf)
		if n > 0 {
			t.pending = append(t.pending, t.readBuf[:n]...)
		}
		if err != nil {
			if !t.IsOpen() {
				return "", ErrNotOpen
			}
			return "", fmt.Errorf("device: read %s: %w", t.PortName(), err)
		}
		if n == 0 {
			return "", nil
		}
	}
}

// FlushInput discards everything received but not yet read.
func (t *Transport) FlushInput() error {
	t.pending = nil
	port, err := t.current()
	if err != nil {
		return err
	}
	return port.ResetInputBuffer()
}
