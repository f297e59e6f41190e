package event

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Event is one decoded device line: code, device timestamp in ms and up to a
// few extra integers whose meaning depends on the code.
type Event struct {
	Code      int     `json:"code"`
	Timestamp int64   `json:"ts"`
	Payload   []int64 `json:"payload,omitempty"`
}

// Value returns payload field i, or def when the device omitted it.
func (e Event) Value(i int, def int64) int64 {
	if i < 0 || i >= len(e.Payload) {
		return def
	}
	return e.Payload[i]
}

func (e Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d,%d", e.Code, e.Timestamp)
	for _, v := range e.Payload {
		fmt.Fprintf(&b, ",%d", v)
	}
	return b.String()
}

// ErrMalformedLine matches every MalformedLineError.
var ErrMalformedLine = errors.New("malformed event line")

// MalformedLineError is a device line that is not an event. Firmware mixes
// debug text with event lines, so callers discard these.
type MalformedLineError struct {
	Line   string
	Reason string
}

func (e *MalformedLineError) Error() string {
	return fmt.Sprintf("event: malformed line %q: %s", e.Line, e.Reason)
}

func (e *MalformedLineError) Unwrap() error { return ErrMalformedLine }

// ParseLine decodes "code,timestamp[,extra...]". Fields are decimal integers;
// surrounding whitespace is ignored.
func ParseLine(line string) (Event, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 2 {
		return Event{}, &MalformedLineError{Line: line, Reason: "want at least code and timestamp"}
	}

	vals := make([]int64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return Event{}, &MalformedLineError{Line: line, Reason: fmt.Sprintf("field %d: not an integer", i)}
		}
		vals[i] = v
	}

	code := vals[0]
	if int64(int(code)) != code {
		return Event{}, &MalformedLineError{Line: line, Reason: "code out of range"}
	}
	ev := Event{Code: int(code), Timestamp: vals[1]}
	if len(vals) > 2 {
		ev.Payload = vals[2:]
	}
	return ev, nil
}
