package session

import (
	"errors"
	"log"

	"github.com/shaunagostinho/rigctl/internal/event"
	"github.com/shaunagostinho/rigctl/internal/record"
)

// DispatchStats counts what the dispatcher did with events.
type DispatchStats struct {
	Dispatched int `json:"dispatched"`
	// Ignored events had a code with no route.
	Ignored int `json:"ignored"`
	// Dropped events were routed but unusable: a missing value field, or a
	// trial write before the first trial.
	Dropped int `json:"dropped"`
}

// Dispatcher routes events into buffers by code.
type Dispatcher struct {
	profile *Profile
	buffers *Buffers
	routes  map[int][]Route

	ended     bool
	deviceEnd int64
	stats     DispatchStats
}

func NewDispatcher(p *Profile, b *Buffers) *Dispatcher {
	d := &Dispatcher{profile: p, buffers: b, routes: make(map[int][]Route)}
	for _, r := range p.Routes {
		d.routes[r.Code] = append(d.routes[r.Code], r)
	}
	return d
}

// Dispatch applies one event. done is true once END has been seen. A non-nil
// error is fatal for the session.
func (d *Dispatcher) Dispatch(ev event.Event) (done bool, err error) {
	if d.ended {
		return true, nil
	}
	d.stats.Dispatched++

	if ev.Code == d.profile.EndCode {
		d.ended = true
		d.deviceEnd = ev.Timestamp
		return true, nil
	}

	routes, ok := d.routes[ev.Code]
	if !ok {
		d.stats.Ignored++
		return false, nil
	}

	dropped := false
	for _, r := range routes {
		err := d.apply(r, ev)
		if errors.Is(err, errNoTrial) || errors.Is(err, errNoValue) {
			dropped = true
			err = nil
		}
		if err != nil {
			return false, err
		}
		if r.Advance && r.Action != ActionAdvance {
			if err := d.buffers.Advance(); err != nil {
				return false, err
			}
		}
	}
	if dropped {
		d.stats.Dropped++
		log.Printf("[session] dropped event %s", ev)
	}
	return false, nil
}

var errNoValue = errors.New("session: event has no value field")

func (d *Dispatcher) apply(r Route, ev event.Event) error {
	b := d.buffers
	switch r.Action {
	case ActionAppend:
		s := record.Sample{T: ev.Timestamp}
		if spec, _ := d.profile.Stream(r.Stream); spec.Kind == record.KindValued {
			if len(ev.Payload) == 0 {
				return errNoValue
			}
			s.V = ev.Payload[0]
		}
		return b.Write(r.Stream, s)
	case ActionFlag:
		v := ev.Value(0, 0)
		if r.Flag != nil {
			v = *r.Flag
		}
		return b.Write(r.Stream, record.Sample{V: v})
	case ActionAccumulate:
		if len(ev.Payload) == 0 {
			return errNoValue
		}
		return b.Accumulate(r.Stream, ev.Payload[0])
	case ActionAttribute:
		b.SetAttribute(r.Attribute, ev.Value(0, ev.Timestamp))
		return nil
	case ActionAdvance:
		return b.Advance()
	}
	return nil
}

// Ended reports whether END was dispatched.
func (d *Dispatcher) Ended() bool { return d.ended }

// DeviceEnd is the device timestamp carried by END.
func (d *Dispatcher) DeviceEnd() int64 { return d.deviceEnd }

func (d *Dispatcher) Stats() DispatchStats { return d.stats }
