package device

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shaunagostinho/rigctl/internal/params"
)

// Handshake stages.
const (
	StageReady = "ready"
	StageAck   = "ack"
)

const (
	DefaultReadyTimeout = 10 * time.Second
	DefaultAckTimeout   = 10 * time.Second
	DefaultSettle       = 100 * time.Millisecond
)

// HandshakeConfig bounds each wait of the upload protocol.
type HandshakeConfig struct {
	ReadyTimeout time.Duration
	AckTimeout   time.Duration
	// Settle is the quiet gap required after the ready signal before the
	// startup text is discarded, so a banner still on the wire cannot pass
	// for the acknowledgment.
	Settle time.Duration
}

// HandshakeTimeoutError reports that the device stayed silent at a stage.
type HandshakeTimeoutError struct {
	Stage   string
	Timeout time.Duration
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("handshake: no %s signal from device within %v", e.Stage, e.Timeout)
}

// Upload opens the transport and configures the device with set:
//
//  1. wait for any byte (device ready)
//  2. wait for the line to go quiet, then discard the startup text
//  3. write the encoded parameters as one line
//  4. wait for any byte (acknowledgment)
//
// On any failure the transport is closed.
func Upload(ctx context.Context, t *Transport, port string, set *params.Set, cfg HandshakeConfig) (err error) {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}

	if err := t.Open(port); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			t.Close()
		}
	}()

	log.Printf("[handshake] waiting up to %v for %s", cfg.ReadyTimeout, port)
	if err := waitForByte(ctx, t, StageReady, cfg.ReadyTimeout); err != nil {
		return err
	}
	if err := waitForQuiet(ctx, t, cfg.Settle, cfg.ReadyTimeout); err != nil {
		return err
	}

	if err := t.FlushInput(); err != nil {
		return fmt.Errorf("handshake: flush: %w", err)
	}

	line := set.Encode()
	log.Printf("[handshake] uploading parameters: %s", line)
	if err := t.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("handshake: write parameters: %w", err)
	}

	if err := waitForByte(ctx, t, StageAck, cfg.AckTimeout); err != nil {
		return err
	}
	log.Printf("[handshake] device on %s acknowledged %d parameters", port, set.Len())
	return nil
}

// waitForByte reads until at least one byte arrives or the timeout elapses.
// Each Read blocks for at most the port read timeout.
func waitForByte(ctx context.Context, t *Transport, stage string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 1)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := t.Read(buf)
		if err != nil {
			return fmt.Errorf("handshake: %s: %w", stage, err)
		}
		if n > 0 {
			return nil
		}
		if !time.Now().Before(deadline) {
			return &HandshakeTimeoutError{Stage: stage, Timeout: timeout}
		}
	}
}

// waitForQuiet reads and drops input until nothing has arrived for settle.
// A device that keeps talking past limit is flushed anyway.
func waitForQuiet(ctx context.Context, t *Transport, settle, limit time.Duration) error {
	start := time.Now()
	last := start
	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := t.Read(buf)
		if err != nil {
			return fmt.Errorf("handshake: %s: %w", StageReady, err)
		}
		now := time.Now()
		if n > 0 {
			last = now
		} else if now.Sub(last) >= settle {
			return nil
		}
		if now.Sub(start) >= limit {
			log.Printf("[handshake] device still sending after %v, flushing anyway", limit)
			return nil
		}
	}
}
