package event

import (
	"context"
	"log"
)

// LineSource yields device lines. ReadLine returns "" with a nil error when
// nothing arrived within the port read timeout.
type LineSource interface {
	ReadLine() (string, error)
}

// Reader turns device lines into events. It is the only place raw device
// output is interpreted.
type Reader struct {
	Source  LineSource
	Queue   *Queue
	EndCode int

	// OnLine sees every non-empty line before parsing (device echo).
	OnLine func(line string)
	// OnDiscard sees lines that were not events.
	OnDiscard func(line string, err error)
}

// Run reads until the END event has been queued, the source fails or ctx is
// cancelled. Reaching END returns nil.
func (r *Reader) Run(ctx context.Context) error {
	var discarded int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := r.Source.ReadLine()
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		if r.OnLine != nil {
			r.OnLine(line)
		}

		ev, err := ParseLine(line)
		if err != nil {
			discarded++
			if r.OnDiscard != nil {
				r.OnDiscard(line, err)
			}
			continue
		}

		r.Queue.Push(ev)
		if ev.Code == r.EndCode {
			log.Printf("[reader] END at device time %d (%d lines discarded)", ev.Timestamp, discarded)
			return nil
		}
	}
}
