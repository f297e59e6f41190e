package device

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

var errSimClosed = errors.New("sim: port closed")

type simPhase int

const (
	simAwaitParams simPhase = iota
	simArmed
	simRunning
	simStopped
)

// Sim is an in-memory device that speaks the rig wire protocol. It stands in
// for the microcontroller in demo mode and in tests.
type Sim struct {
	// Banner is sent on open; empty means the device never signals ready.
	Banner string
	// Ack is sent after a parameter line; empty means no acknowledgment.
	Ack string
	// Script is emitted line by line after the start byte.
	Script []string
	// Generate, if set, replaces Script from the uploaded parameter line.
	Generate func(paramLine string) []string
	// Pace scales device milliseconds to wall time (1 = real time, 10 = ten
	// times faster). Zero emits the script as fast as possible.
	Pace float64

	EndCode     int
	TriggerCode int
	StartByte   byte
	StopByte    byte
	TriggerByte byte
	ReadTimeout time.Duration

	mu        sync.Mutex
	out       chan []byte
	rest      []byte
	closed    chan struct{}
	closeOnce *sync.Once
	phase     simPhase
	cmd       []byte
	paramLine string
	received  []byte
	clock     int64
	stopReq   chan struct{}
	opens     int
}

// NewSim returns a Sim with the conveyor firmware's conventions.
func NewSim(script []string) *Sim {
	return &Sim{
		Banner:      "Conveyor ready",
		Ack:         "Parameters received",
		Script:      script,
		EndCode:     0,
		TriggerCode: 3,
		StartByte:   'E',
		StopByte:    '0',
		TriggerByte: 'F',
		ReadTimeout: 20 * time.Millisecond,
	}
}

// Opener returns an Opener that hands out this Sim, reset to its boot state.
func (s *Sim) Opener() Opener {
	return func(name string, cfg PortConfig) (Port, error) {
		s.boot()
		return s, nil
	}
}

func (s *Sim) boot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = make(chan []byte, 4096)
	s.rest = nil
	s.closed = make(chan struct{})
	s.closeOnce = &sync.Once{}
	s.stopReq = make(chan struct{})
	s.phase = simAwaitParams
	s.cmd = nil
	s.paramLine = ""
	s.received = nil
	s.clock = 0
	s.opens++
	if s.Banner != "" {
		s.out <- []byte(s.Banner + "\n")
	}
}

// ParamLine returns the last parameter line the host uploaded.
func (s *Sim) ParamLine() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paramLine
}

// Received returns every byte the host wrote since the last open.
func (s *Sim) Received() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.received)
}

// Opens reports how many times the Sim was opened.
func (s *Sim) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// IsClosed reports whether the host released the port.
func (s *Sim) IsClosed() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed == nil {
		return true
	}
	select {
	case <-closed:
		return true
	default:
		return false
	}
}

func (s *Sim) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.rest) > 0 {
		n := copy(p, s.rest)
		s.rest = s.rest[n:]
		s.mu.Unlock()
		return n, nil
	}
	out, closed := s.out, s.closed
	s.mu.Unlock()

	timeout := s.ReadTimeout
	if timeout <= 0 {
		timeout = 20 * time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-closed:
		return 0, errSimClosed
	case b := <-out:
		n := copy(p, b)
		if n < len(b) {
			s.mu.Lock()
			s.rest = append(s.rest, b[n:]...)
			s.mu.Unlock()
		}
		return n, nil
	case <-timer.C:
		return 0, nil
	}
}

func (s *Sim) Write(p []byte) (int, error) {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return 0, errSimClosed
	default:
	}
	s.received = append(s.received, p...)

	var replies []string
	for _, b := range p {
		switch s.phase {
		case simAwaitParams:
			if b == '\n' {
				s.paramLine = strings.TrimSpace(string(s.cmd))
				s.cmd = nil
				if s.Generate != nil {
					s.Script = s.Generate(s.paramLine)
				}
				s.phase = simArmed
				if s.Ack != "" {
					replies = append(replies, s.Ack)
				}
				continue
			}
			s.cmd = append(s.cmd, b)
		case simArmed:
			if b == s.StartByte {
				s.phase = simRunning
				go s.play(s.Script, s.closed, s.stopReq)
			}
		case simRunning:
			switch b {
			case s.StopByte:
				s.phase = simStopped
				close(s.stopReq)
			case s.TriggerByte:
				replies = append(replies, fmt.Sprintf("%d,%d,1", s.TriggerCode, s.clock))
			}
		}
	}
	s.mu.Unlock()

	for _, r := range replies {
		s.emit(r)
	}
	return len(p), nil
}

func (s *Sim) ResetInputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rest = nil
	for {
		select {
		case <-s.out:
		default:
			return nil
		}
	}
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeOnce != nil {
		s.closeOnce.Do(func() { close(s.closed) })
	}
	return nil
}

// emit queues one line for the host. The send happens outside the lock so a
// full buffer cannot stall Read.
func (s *Sim) emit(line string) {
	s.mu.Lock()
	if ts, ok := lineTimestamp(line); ok {
		s.clock = ts
	}
	out, closed := s.out, s.closed
	s.mu.Unlock()

	select {
	case out <- []byte(line + "\n"):
	case <-closed:
	}
}

// play emits the script, pacing by device timestamps, until the script ends,
// the host asks to stop, or the port closes.
func (s *Sim) play(script []string, closed, stop chan struct{}) {
	var last int64
	for _, line := range script {
		if ts, ok := lineTimestamp(line); ok && s.Pace > 0 {
			if gap := ts - last; gap > 0 {
				d := time.Duration(float64(gap) / s.Pace * float64(time.Millisecond))
				select {
				case <-time.After(d):
				case <-stop:
					s.emit(fmt.Sprintf("%d,%d", s.EndCode, s.now()+1))
					return
				case <-closed:
					return
				}
			}
			last = ts
		}
		select {
		case <-stop:
			s.emit(fmt.Sprintf("%d,%d", s.EndCode, s.now()+1))
			return
		case <-closed:
			return
		default:
		}
		s.emit(line)
		if code, ok := lineCode(line); ok && code == s.EndCode {
			return
		}
	}
	// Script exhausted without END: wait for the host to stop us.
	select {
	case <-stop:
		s.emit(fmt.Sprintf("%d,%d", s.EndCode, s.now()+1))
	case <-closed:
	}
}

func (s *Sim) now() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

func lineCode(line string) (int, bool) {
	f := strings.SplitN(line, ",", 3)
	if len(f) < 2 {
		return 0, false
	}
	c, err := strconv.Atoi(strings.TrimSpace(f[0]))
	return c, err == nil
}

func lineTimestamp(line string) (int64, bool) {
	f := strings.SplitN(line, ",", 3)
	if len(f) < 2 {
		return 0, false
	}
	if _, err := strconv.Atoi(strings.TrimSpace(f[0])); err != nil {
		return 0, false
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(f[1]), 10, 64)
	return ts, err == nil
}
