package logger

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/rigctl/internal/event"
	"github.com/shaunagostinho/rigctl/internal/session"
)

// Logger keeps a CSV trail of everything the device said during a session
// and can echo raw device lines to a terminal. It implements
// session.Observer.
type Logger struct {
	mu      sync.Mutex
	dir     string
	enabled bool
	now     func() time.Time

	echo  io.Writer
	quiet func(code int) bool

	file   *os.File
	writer *csv.Writer
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

const (
	maxRowsPerFile = 500_000 // Rotate after 500k rows (~7 hrs of 20 Hz tracking)
)

var csvHeader = []string{
	"timestamp", "kind", "code", "device_ms", "payload", "text",
}

// Row kinds.
const (
	KindLine    = "line"
	KindDiscard = "discard"
	KindEvent   = "event"
	KindState   = "state"
	KindFinish  = "finish"
)

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "logs"
	}
	return &Logger{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
		now:     time.Now,
	}
}

// SetEcho prints every device line to w, except event lines whose code
// quiet reports true for. A nil w turns the echo off.
func (l *Logger) SetEcho(w io.Writer, quiet func(code int) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.echo = w
	l.quiet = quiet
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

func (l *Logger) StateChanged(from, to session.State) {
	l.record(KindState, "", "", "", from.String()+" -> "+to.String())
}

// LineReceived records the raw line, then echoes it unless its code is quiet.
// Quiet codes only affect the echo; the CSV keeps every line.
func (l *Logger) LineReceived(line string) {
	l.record(KindLine, "", "", "", line)

	l.mu.Lock()
	w, quiet := l.echo, l.quiet
	l.mu.Unlock()
	if w == nil {
		return
	}
	if quiet != nil {
		if ev, err := event.ParseLine(line); err == nil && quiet(ev.Code) {
			return
		}
	}
	fmt.Fprintln(w, line)
}

func (l *Logger) LineDiscarded(line string, err error) {
	l.record(KindDiscard, "", "", "", line)
}

func (l *Logger) EventDispatched(ev event.Event) {
	l.record(KindEvent, strconv.Itoa(ev.Code), strconv.FormatInt(ev.Timestamp, 10), joinPayload(ev.Payload), "")
}

// SessionFinished writes the summary row and closes the file, so the next
// session starts a new one.
func (l *Logger) SessionFinished(res session.Result) {
	text := fmt.Sprintf("%s saved=%t trials=%d", res.Path, res.Saved, res.Trials)
	if res.Error != "" {
		text += " error=" + res.Error
	}
	l.record(KindFinish, "", strconv.FormatInt(res.DeviceEnd, 10), "", text)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) record(kind, code, deviceMs, payload, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	now := l.now()

	// Open/rotate file if needed
	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	row := []string{now.Format(time.RFC3339Nano), kind, code, deviceMs, payload, text}
	if err := l.writer.Write(row); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("rig_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	// Write header
	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func joinPayload(p []int64) string {
	if len(p) == 0 {
		return ""
	}
	parts := make([]string, len(p))
	for i, v := range p {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, " ")
}
