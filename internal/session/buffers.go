package session

import (
	"errors"
	"fmt"

	"github.com/shaunagostinho/rigctl/internal/params"
	"github.com/shaunagostinho/rigctl/internal/record"
)

// BufferOverflowError reports a write outside a stream's capacity. It is
// returned before the buffer is touched.
type BufferOverflowError struct {
	Stream   string
	Index    int
	Capacity int
}

func (e *BufferOverflowError) Error() string {
	return fmt.Sprintf("session: stream %s overflow: index %d, capacity %d", e.Stream, e.Index, e.Capacity)
}

// errNoTrial is returned for trial-indexed writes before the first trial.
var errNoTrial = errors.New("session: no trial in progress")

// Stream is one pre-sized buffer and its counter.
type Stream struct {
	Spec    StreamSpec
	samples []record.Sample
	count   int
}

// Capacity returns the buffer size.
func (s *Stream) Capacity() int { return len(s.samples) }

// Buffers holds every stream of a session plus the shared trial cursor.
// Only the dispatcher goroutine touches it.
type Buffers struct {
	streams []*Stream
	byName  map[string]*Stream
	trial   int

	attrs []record.Attribute
}

// NewBuffers sizes one stream per spec of p for set.
func NewBuffers(p *Profile, set *params.Set) (*Buffers, error) {
	b := &Buffers{
		byName: make(map[string]*Stream, len(p.Streams)),
		trial:  p.TrialOrigin,
	}
	for _, spec := range p.Streams {
		n, err := spec.Capacity.Resolve(set)
		if err != nil {
			return nil, fmt.Errorf("session: stream %s capacity: %w", spec.Name, err)
		}
		s := &Stream{Spec: spec, samples: make([]record.Sample, n)}
		b.streams = append(b.streams, s)
		b.byName[spec.Name] = s
	}
	return b, nil
}

// Stream returns the named stream.
func (b *Buffers) Stream(name string) (*Stream, bool) {
	s, ok := b.byName[name]
	return s, ok
}

// Trial returns the trial cursor.
func (b *Buffers) Trial() int { return b.trial }

// slot returns the index the next write to s lands on.
func (b *Buffers) slot(s *Stream) (int, error) {
	i := s.count
	if s.Spec.Index == IndexTrial {
		i = b.trial
		if i < 0 {
			return 0, errNoTrial
		}
	}
	if i >= len(s.samples) {
		return 0, &BufferOverflowError{Stream: s.Spec.Name, Index: i, Capacity: len(s.samples)}
	}
	return i, nil
}

func (b *Buffers) lookup(name string) (*Stream, error) {
	s, ok := b.byName[name]
	if !ok {
		return nil, fmt.Errorf("session: unknown stream %s", name)
	}
	return s, nil
}

// Write stores v at the stream's current slot. Own-indexed streams advance
// their counter; trial-indexed streams overwrite the current trial's entry.
func (b *Buffers) Write(name string, v record.Sample) error {
	s, err := b.lookup(name)
	if err != nil {
		return err
	}
	i, err := b.slot(s)
	if err != nil {
		return err
	}
	s.samples[i] = v
	if s.Spec.Index == IndexOwn {
		s.count++
	}
	return nil
}

// Accumulate adds delta to the current trial's value.
func (b *Buffers) Accumulate(name string, delta int64) error {
	s, err := b.lookup(name)
	if err != nil {
		return err
	}
	i, err := b.slot(s)
	if err != nil {
		return err
	}
	s.samples[i].V += delta
	return nil
}

// Advance moves the trial cursor on. The cursor may reach a trial stream's
// capacity (all trials complete) but never pass it.
func (b *Buffers) Advance() error {
	next := b.trial + 1
	for _, s := range b.streams {
		if s.Spec.Index == IndexTrial && next > len(s.samples) {
			return &BufferOverflowError{Stream: s.Spec.Name, Index: next, Capacity: len(s.samples)}
		}
	}
	b.trial = next
	return nil
}

// SetAttribute records a device-reported session value; a repeated key
// keeps the last value.
func (b *Buffers) SetAttribute(key string, v int64) {
	for i := range b.attrs {
		if b.attrs[i].Key == key {
			b.attrs[i].Int = v
			return
		}
	}
	b.attrs = append(b.attrs, record.Int(key, v))
}

// Attributes returns the recorded attributes in first-seen order.
func (b *Buffers) Attributes() []record.Attribute {
	return append([]record.Attribute(nil), b.attrs...)
}

// Counter returns the number of complete entries in the named stream.
// Trial-indexed streams count completed trials.
func (b *Buffers) Counter(name string) int {
	s, ok := b.byName[name]
	if !ok {
		return 0
	}
	return b.length(s)
}

func (b *Buffers) length(s *Stream) int {
	if s.Spec.Index == IndexOwn {
		return s.count
	}
	n := b.trial
	if n < 0 {
		n = 0
	}
	if n > len(s.samples) {
		n = len(s.samples)
	}
	return n
}

// Counters returns every stream's counter.
func (b *Buffers) Counters() map[string]int {
	out := make(map[string]int, len(b.streams))
	for _, s := range b.streams {
		out[s.Spec.Name] = b.length(s)
	}
	return out
}

// Trimmed returns each stream cut to its counter, in profile order.
func (b *Buffers) Trimmed() []record.Dataset {
	out := make([]record.Dataset, len(b.streams))
	for i, s := range b.streams {
		n := b.length(s)
		out[i] = record.Dataset{
			Name:    s.Spec.Name,
			Kind:    s.Spec.Kind,
			Samples: append([]record.Sample(nil), s.samples[:n]...),
		}
	}
	return out
}
