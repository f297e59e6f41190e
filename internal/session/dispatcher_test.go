package session

import (
	"errors"
	"reflect"
	"testing"

	"github.com/shaunagostinho/rigctl/internal/event"
	"github.com/shaunagostinho/rigctl/internal/params"
	"github.com/shaunagostinho/rigctl/internal/record"
)

// scenarioProfile is a minimal conveyor: trial starts, rail home closing
// each trial, and a tracking stream.
func scenarioProfile() *Profile {
	return &Profile{
		Name: "scenario",
		Params: params.Schema{
			{Name: "trial_count", Default: 3},
			{Name: "track_period", Default: 50},
		},
		Commands: Commands{Trigger: "F"},
		Streams: []StreamSpec{
			{Name: "trials", Kind: record.KindTimestamp, Index: IndexTrial, Capacity: CapacitySpec{Count: "trial_count"}},
			{Name: "trial_manual", Kind: record.KindFlag, Index: IndexTrial, Capacity: CapacitySpec{Count: "trial_count"}},
			{Name: "rail_home", Kind: record.KindTimestamp, Index: IndexTrial, Capacity: CapacitySpec{Count: "trial_count"}},
			{Name: "track", Kind: record.KindValued, Index: IndexOwn, Capacity: CapacitySpec{Duration: "20000", Period: "track_period"}},
		},
		Routes: []Route{
			{Code: 3, Stream: "trials", Action: ActionAppend},
			{Code: 3, Stream: "trial_manual", Action: ActionFlag},
			{Code: 4, Stream: "trial_manual", Action: ActionFlag, Flag: ptr(1)},
			{Code: 6, Stream: "rail_home", Action: ActionAppend, Advance: true},
			{Code: 7, Stream: "track", Action: ActionAppend},
		},
	}
}

func ptr(v int64) *int64 { return &v }

func newDispatcher(t *testing.T, p *Profile, overrides map[string]int) (*Dispatcher, *Buffers) {
	t.Helper()
	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}
	set, err := p.Bind(overrides)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewBuffers(p, set)
	if err != nil {
		t.Fatal(err)
	}
	return NewDispatcher(p, b), b
}

func feed(t *testing.T, d *Dispatcher, evs ...event.Event) (bool, error) {
	t.Helper()
	for _, ev := range evs {
		done, err := d.Dispatch(ev)
		if err != nil || done {
			return done, err
		}
	}
	return false, nil
}

func ev(code int, ts int64, payload ...int64) event.Event {
	e := event.Event{Code: code, Timestamp: ts}
	if len(payload) > 0 {
		e.Payload = payload
	}
	return e
}

func TestDispatchScenario(t *testing.T) {
	d, b := newDispatcher(t, scenarioProfile(), nil)

	done, err := feed(t, d,
		ev(3, 100), ev(6, 100),
		ev(3, 5100), ev(6, 5100),
		ev(3, 10100), ev(6, 10100),
		ev(0, 15000),
	)
	if err != nil || !done {
		t.Fatalf("feed = %v, %v; want done", done, err)
	}
	if d.DeviceEnd() != 15000 {
		t.Errorf("DeviceEnd = %d, want 15000", d.DeviceEnd())
	}
	if b.Counter("trials") != 3 || b.Counter("rail_home") != 3 {
		t.Errorf("counters = %v", b.Counters())
	}

	sets := map[string]record.Dataset{}
	for _, ds := range b.Trimmed() {
		sets[ds.Name] = ds
	}
	want := []int64{100, 5100, 10100}
	for _, name := range []string{"trials", "rail_home"} {
		if got := sets[name].Times(); !reflect.DeepEqual(got, want) {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
	if got := sets["trial_manual"].Values(); !reflect.DeepEqual(got, []int64{0, 0, 0}) {
		t.Errorf("trial_manual = %v", got)
	}
	if sets["track"].Len() != 0 {
		t.Errorf("track has %d samples", sets["track"].Len())
	}

	// Nothing after END is applied.
	if done, _ := d.Dispatch(ev(3, 20000)); !done || b.Counter("trials") != 3 {
		t.Error("event after END was dispatched")
	}
}

func TestDispatchPartialTrialIsTrimmed(t *testing.T) {
	d, b := newDispatcher(t, scenarioProfile(), nil)
	feed(t, d, ev(3, 100, 1), ev(6, 900), ev(3, 5100), ev(0, 6000))

	for _, ds := range b.Trimmed() {
		switch ds.Name {
		case "trials":
			if !reflect.DeepEqual(ds.Times(), []int64{100}) {
				t.Errorf("trials = %v, want only the completed trial", ds.Times())
			}
		case "trial_manual":
			if !reflect.DeepEqual(ds.Values(), []int64{1}) {
				t.Errorf("trial_manual = %v, want [1]", ds.Values())
			}
		}
	}
}

func TestDispatchValuedAndManualFlag(t *testing.T) {
	d, b := newDispatcher(t, scenarioProfile(), nil)
	feed(t, d,
		ev(7, 50, -2), ev(7, 100, 4),
		ev(3, 120), ev(4, 120), ev(6, 500),
		ev(7, 150), // no value: dropped
		ev(9, 160), // no route: ignored
	)

	trimmed := b.Trimmed()
	track := trimmed[3]
	if !reflect.DeepEqual(track.Samples, []record.Sample{{T: 50, V: -2}, {T: 100, V: 4}}) {
		t.Errorf("track = %v", track.Samples)
	}
	if !reflect.DeepEqual(trimmed[1].Values(), []int64{1}) {
		t.Errorf("trial_manual = %v, want [1]", trimmed[1].Values())
	}
	st := d.Stats()
	if st.Dispatched != 7 || st.Dropped != 1 || st.Ignored != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDispatchOverflowBeforeWrite(t *testing.T) {
	p := scenarioProfile()
	p.Streams[3].Capacity = CapacitySpec{Fixed: 2}
	d, b := newDispatcher(t, p, nil)

	_, err := feed(t, d, ev(7, 1, 10), ev(7, 2, 20), ev(7, 3, 30))
	var oe *BufferOverflowError
	if !errors.As(err, &oe) {
		t.Fatalf("err = %v, want *BufferOverflowError", err)
	}
	if oe.Stream != "track" || oe.Index != 2 || oe.Capacity != 2 {
		t.Errorf("overflow = %+v", oe)
	}
	if b.Counter("track") != 2 {
		t.Errorf("track counter = %d, want 2", b.Counter("track"))
	}
	s, _ := b.Stream("track")
	if s.Capacity() != 2 {
		t.Errorf("buffer grew to %d", s.Capacity())
	}
}

func TestDispatchTrialOverflow(t *testing.T) {
	p := scenarioProfile()
	for i := range p.Streams[:3] {
		p.Streams[i].Capacity = CapacitySpec{Count: "trial_count", Margin: 1}
	}
	d, _ := newDispatcher(t, p, map[string]int{"trial_count": 2})

	_, err := feed(t, d, ev(3, 1), ev(6, 2), ev(3, 3), ev(6, 4), ev(3, 5))
	var oe *BufferOverflowError
	if !errors.As(err, &oe) || oe.Index != 2 {
		t.Fatalf("err = %v, want overflow at index 2", err)
	}
}

func TestDispatchSocialConveyer(t *testing.T) {
	p, _ := BuiltinProfile("social-conveyer")
	d, b := newDispatcher(t, p, map[string]int{"csplus_number": 1, "csminus_number": 1})

	done, err := feed(t, d,
		ev(6, 0, 400000), // session length
		ev(1, 10, 3),     // before the first trial: the tally is dropped
		ev(3, 20),        // next trial -> 0
		ev(4, 100),       // CS+ onset
		ev(1, 150, 2),
		ev(1, 160, 5),
		ev(2, 170),
		ev(3, 5000), // next trial -> 1
		ev(5, 6000), // CS- onset
		ev(1, 6100, 1),
		ev(3, 0), // last trial over -> 2
		ev(0, 9000),
	)
	if err != nil || !done {
		t.Fatalf("feed = %v, %v", done, err)
	}

	if b.Trial() != 2 {
		t.Errorf("trial cursor = %d, want 2", b.Trial())
	}
	got := map[string]record.Dataset{}
	for _, ds := range b.Trimmed() {
		got[ds.Name] = ds
	}
	if v := got["trial_onset"].Times(); !reflect.DeepEqual(v, []int64{100, 6000}) {
		t.Errorf("trial_onset = %v", v)
	}
	if v := got["trial_type"].Values(); !reflect.DeepEqual(v, []int64{1, 0}) {
		t.Errorf("trial_type = %v", v)
	}
	if v := got["steps_by_trial"].Values(); !reflect.DeepEqual(v, []int64{7, 1}) {
		t.Errorf("steps_by_trial = %v", v)
	}
	if v := got["rail_end"].Times(); !reflect.DeepEqual(v, []int64{170, 0}) {
		t.Errorf("rail_end = %v", v)
	}
	if got["steps"].Len() != 4 {
		t.Errorf("steps = %d samples, want 4", got["steps"].Len())
	}
	attrs := b.Attributes()
	if len(attrs) != 1 || attrs[0].Key != "session_length" || attrs[0].Int != 400000 {
		t.Errorf("attributes = %+v", attrs)
	}
	if d.Stats().Dropped != 1 {
		t.Errorf("dropped = %d, want 1", d.Stats().Dropped)
	}
}

func TestDispatchOrderAcrossDrains(t *testing.T) {
	p := scenarioProfile()
	d, b := newDispatcher(t, p, nil)
	q := event.NewQueue()

	var want []int64
	for i := int64(1); i <= 200; i++ {
		q.Push(ev(7, i, i*10))
		want = append(want, i)
		if i%37 == 0 {
			for _, e := range q.Drain() {
				d.Dispatch(e)
			}
		}
	}
	for _, e := range q.Drain() {
		d.Dispatch(e)
	}

	track := b.Trimmed()[3]
	if !reflect.DeepEqual(track.Times(), want) {
		t.Errorf("track order broken: %v", track.Times())
	}
}
