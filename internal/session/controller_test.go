package session

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shaunagostinho/rigctl/internal/device"
	"github.com/shaunagostinho/rigctl/internal/event"
	"github.com/shaunagostinho/rigctl/internal/record"
)

var scenarioScript = []string{
	"Session started",
	"3,100", "6,100",
	"abc,def",
	"3,5100", "6,5100",
	"3,10100", "6,10100",
	"0,15000",
}

// observerLog collects observer callbacks.
type observerLog struct {
	mu          sync.Mutex
	transitions [][2]State
	discarded   []string
	dispatched  []event.Event
	finished    []Result
}

func (r *observerLog) StateChanged(from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, [2]State{from, to})
}

func (r *observerLog) LineReceived(line string) {}

func (r *observerLog) LineDiscarded(line string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discarded = append(r.discarded, line)
}

func (r *observerLog) EventDispatched(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatched = append(r.dispatched, ev)
}

func (r *observerLog) SessionFinished(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, res)
}

func (r *observerLog) codes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.dispatched))
	for i, ev := range r.dispatched {
		out[i] = ev.Code
	}
	return out
}

type countingWriter struct {
	record.Writer
	mu sync.Mutex
	n  int
}

func (w *countingWriter) Write(path string, rec *record.Record) error {
	w.mu.Lock()
	w.n++
	w.mu.Unlock()
	return w.Writer.Write(path, rec)
}

func (w *countingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

type harness struct {
	sim    *device.Sim
	ctl    *Controller
	obs    *observerLog
	writer *countingWriter
	dir    string
}

func newHarness(t *testing.T, script []string, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		sim:    device.NewSim(script),
		obs:    &observerLog{},
		writer: &countingWriter{},
		dir:    t.TempDir(),
	}
	opts := Options{
		Config: Config{
			Handshake: device.HandshakeConfig{
				ReadyTimeout: 100 * time.Millisecond,
				AckTimeout:   100 * time.Millisecond,
			},
			PollInterval: 5 * time.Millisecond,
			DataDir:      h.dir,
		},
		Opener:    h.sim.Opener(),
		Profile:   scenarioProfile(),
		Writer:    h.writer,
		Observers: []Observer{h.obs},
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.ctl = New(opts)
	t.Cleanup(func() {
		h.ctl.Abort()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.ctl.Wait(ctx)
		h.ctl.Abort()
		if h.ctl.State() != Closed {
			t.Errorf("controller left in %s", h.ctl.State())
		}
	})
	return h
}

func (h *harness) open(t *testing.T) {
	t.Helper()
	set, err := h.ctl.Profile().Bind(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.ctl.Open(context.Background(), "sim", set); err != nil {
		t.Fatalf("Open: %v", err)
	}
}

func (h *harness) path(name string) string { return filepath.Join(h.dir, name) }

func (h *harness) wait(t *testing.T) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.ctl.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("session did not finish; state %s", h.ctl.State())
	}
	return res, err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionScenario(t *testing.T) {
	h := newHarness(t, scenarioScript, nil)
	h.open(t)
	if got := h.sim.ParamLine(); got != "3+50" {
		t.Errorf("param line = %q, want 3+50", got)
	}

	path := h.path("run.db")
	if err := h.ctl.Start(StartOptions{Path: path, Notes: "pilot"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res, err := h.wait(t)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if h.ctl.State() != Closed {
		t.Errorf("state = %s, want closed", h.ctl.State())
	}
	if !res.Saved || res.DeviceEnd != 15000 || res.EndReason != record.EndDevice || res.Trials != 3 {
		t.Errorf("result = %+v", res)
	}
	if !h.sim.IsClosed() {
		t.Error("port not released")
	}
	if h.writer.count() != 1 {
		t.Errorf("writer called %d times, want 1", h.writer.count())
	}

	rec, err := record.Open(path)
	if err != nil {
		t.Fatalf("record.Open: %v", err)
	}
	if rec.DeviceEnd != 15000 || rec.Notes != "pilot" || rec.Profile != "scenario" {
		t.Errorf("record meta = %+v", rec)
	}
	if v, _ := rec.Param("trial_count"); v != 3 {
		t.Errorf("trial_count = %d", v)
	}
	want := []int64{100, 5100, 10100}
	for _, name := range []string{"trials", "rail_home"} {
		ds, ok := rec.Dataset(name)
		if !ok || !reflect.DeepEqual(ds.Times(), want) {
			t.Errorf("%s = %v, want %v", name, ds.Times(), want)
		}
	}

	wantStates := [][2]State{
		{Closed, Opening}, {Opening, Open}, {Open, Running}, {Running, Stopping}, {Stopping, Closed},
	}
	h.obs.mu.Lock()
	defer h.obs.mu.Unlock()
	if !reflect.DeepEqual(h.obs.transitions, wantStates) {
		t.Errorf("transitions = %v", h.obs.transitions)
	}
	if !reflect.DeepEqual(h.obs.discarded, []string{"Session started", "abc,def"}) {
		t.Errorf("discarded = %q", h.obs.discarded)
	}
	if len(h.obs.finished) != 1 {
		t.Errorf("SessionFinished called %d times", len(h.obs.finished))
	}
}

func TestSessionOverflowIsFatal(t *testing.T) {
	p := scenarioProfile()
	p.Streams[3].Capacity = CapacitySpec{Fixed: 2}
	h := newHarness(t, []string{"7,1,10", "7,2,20", "7,3,30", "0,100"}, func(o *Options) {
		o.Profile = p
	})
	h.open(t)

	path := h.path("overflow.db")
	if err := h.ctl.Start(StartOptions{Path: path}); err != nil {
		t.Fatal(err)
	}
	res, err := h.wait(t)
	var oe *BufferOverflowError
	if !errors.As(err, &oe) || oe.Stream != "track" {
		t.Fatalf("err = %v, want track overflow", err)
	}
	if res.Saved {
		t.Error("overflowed session was saved")
	}
	if h.ctl.State() != Stopping {
		t.Errorf("state = %s, want stopping", h.ctl.State())
	}
	if record.Exists(path) {
		t.Error("record written after overflow")
	}
	if !h.sim.IsClosed() {
		t.Error("port not released")
	}
	if snap := h.ctl.Snapshot(); !strings.Contains(snap.LastError, "overflow") || !snap.Capabilities.Reset {
		t.Errorf("snapshot = %+v", snap)
	}
	if err := h.ctl.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if h.ctl.State() != Closed {
		t.Errorf("state after reset = %s", h.ctl.State())
	}
}

func TestSessionUserStop(t *testing.T) {
	h := newHarness(t, []string{"3,100", "6,100"}, nil)
	h.open(t)
	if err := h.ctl.Start(StartOptions{Path: h.path("stop.db")}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first trial", func() bool { return h.ctl.Snapshot().Counters["trials"] == 1 })

	if err := h.ctl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	res, err := h.wait(t)
	if err != nil {
		t.Fatal(err)
	}
	if res.DeviceEnd != 101 || !res.Saved {
		t.Errorf("result = %+v, want device end 101", res)
	}
	if !strings.HasSuffix(h.sim.Received(), "E0") {
		t.Errorf("device received %q", h.sim.Received())
	}
}

func TestSessionStopWaitsForEnd(t *testing.T) {
	h := newHarness(t, []string{"3,100"}, nil)
	h.sim.StopByte = 'X'
	h.open(t)
	if err := h.ctl.Start(StartOptions{Path: h.path("hang.db")}); err != nil {
		t.Fatal(err)
	}
	if err := h.ctl.Stop(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	snap := h.ctl.Snapshot()
	if snap.State != Running || !snap.StopRequested {
		t.Errorf("snapshot = %+v, want running with stop requested", snap)
	}

	h.ctl.Abort()
	if _, err := h.wait(t); !errors.Is(err, ErrAborted) {
		t.Errorf("err = %v, want ErrAborted", err)
	}
	if h.ctl.State() != Closed {
		t.Errorf("state = %s, want closed", h.ctl.State())
	}
	if record.Exists(h.path("hang.db")) {
		t.Error("aborted session was saved")
	}
}

func TestSessionStopTimeout(t *testing.T) {
	h := newHarness(t, []string{"3,100", "6,100"}, func(o *Options) {
		o.Config.StopTimeout = 50 * time.Millisecond
	})
	h.sim.StopByte = 'X'
	h.open(t)

	path := h.path("timeout.db")
	if err := h.ctl.Start(StartOptions{Path: path}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first trial", func() bool { return h.ctl.Snapshot().Counters["trials"] == 1 })
	if err := h.ctl.Stop(); err != nil {
		t.Fatal(err)
	}
	res, err := h.wait(t)
	if err != nil {
		t.Fatal(err)
	}
	if res.EndReason != record.EndStopTimeout || res.DeviceEnd != -1 || !res.Saved {
		t.Errorf("result = %+v", res)
	}
	rec, err := record.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if rec.EndReason != record.EndStopTimeout || rec.DeviceEnd != -1 {
		t.Errorf("record end = %s/%d", rec.EndReason, rec.DeviceEnd)
	}
	if ds, _ := rec.Dataset("trials"); ds.Len() != 1 {
		t.Errorf("trials = %d, want 1", ds.Len())
	}
}

func TestSessionPersistFailure(t *testing.T) {
	h := newHarness(t, []string{"3,100"}, nil)
	h.open(t)

	path := h.path("taken.db")
	if err := h.ctl.Start(StartOptions{Path: path}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("someone else"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := h.ctl.Stop(); err != nil {
		t.Fatal(err)
	}

	res, err := h.wait(t)
	var pe *record.PersistError
	if !errors.As(err, &pe) || !errors.Is(err, fs.ErrExist) {
		t.Fatalf("err = %v, want PersistError wrapping fs.ErrExist", err)
	}
	if res.Saved {
		t.Error("Saved = true")
	}
	if h.ctl.State() != Stopping {
		t.Errorf("state = %s, want stopping", h.ctl.State())
	}
	if !h.sim.IsClosed() {
		t.Error("port not released after persist failure")
	}
	if b, _ := os.ReadFile(path); string(b) != "someone else" {
		t.Errorf("existing file overwritten: %q", b)
	}
	if err := h.ctl.Reset(); err != nil {
		t.Fatal(err)
	}
}

func TestStartRefusesExistingPath(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.open(t)

	path := h.path("exists.db")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	err := h.ctl.Start(StartOptions{Path: path})
	if !errors.Is(err, fs.ErrExist) {
		t.Fatalf("Start = %v, want fs.ErrExist", err)
	}
	if h.ctl.State() != Open {
		t.Errorf("state = %s, want open", h.ctl.State())
	}
	if strings.ContainsRune(h.sim.Received(), 'E') {
		t.Error("start byte sent for a refused path")
	}
	if err := h.ctl.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOpenHandshakeFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.sim.Banner = ""

	set, _ := h.ctl.Profile().Bind(nil)
	err := h.ctl.Open(context.Background(), "sim", set)
	var he *device.HandshakeTimeoutError
	if !errors.As(err, &he) || he.Stage != device.StageReady {
		t.Fatalf("Open = %v, want ready timeout", err)
	}
	if h.ctl.State() != Closed || !h.sim.IsClosed() {
		t.Errorf("state = %s, port closed = %v", h.ctl.State(), h.sim.IsClosed())
	}
	if snap := h.ctl.Snapshot(); snap.LastError == "" {
		t.Error("handshake error not kept in snapshot")
	}

	// The slot is free again.
	h.sim.Banner = "ready"
	h.open(t)
	h.ctl.Close()
}

func TestOpenRejectsForeignParams(t *testing.T) {
	h := newHarness(t, nil, nil)
	other, _ := BuiltinProfile("conveyor")
	set, _ := other.Bind(nil)
	if err := h.ctl.Open(context.Background(), "sim", set); err == nil {
		t.Fatal("Open accepted parameters of another profile")
	}
	if h.sim.Opens() != 0 {
		t.Error("port opened for rejected parameters")
	}
}

func TestSingleActiveSession(t *testing.T) {
	a := newHarness(t, nil, nil)
	b := newHarness(t, nil, nil)
	a.open(t)

	set, _ := b.ctl.Profile().Bind(nil)
	if err := b.ctl.Open(context.Background(), "sim", set); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Open = %v, want ErrBusy", err)
	}
	if err := a.ctl.Close(); err != nil {
		t.Fatal(err)
	}
	b.open(t)
	b.ctl.Close()
}

func TestStateErrors(t *testing.T) {
	h := newHarness(t, nil, nil)
	var se *StateError
	if err := h.ctl.Start(StartOptions{}); !errors.As(err, &se) || se.State != Closed {
		t.Errorf("Start while closed = %v", err)
	}
	if err := h.ctl.Stop(); !errors.As(err, &se) {
		t.Errorf("Stop while closed = %v", err)
	}
	if err := h.ctl.Reset(); !errors.As(err, &se) {
		t.Errorf("Reset while closed = %v", err)
	}
	if _, err := h.ctl.Wait(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("Wait = %v, want ErrNoSession", err)
	}
}

func TestTrigger(t *testing.T) {
	h := newHarness(t, []string{"7,40,1"}, nil)
	h.open(t)
	if err := h.ctl.Start(StartOptions{Path: h.path("trigger.db")}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "track sample", func() bool { return h.ctl.Snapshot().Counters["track"] == 1 })

	if err := h.ctl.Trigger(); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, "manual trial", func() bool {
		codes := h.obs.codes()
		return len(codes) == 2 && codes[1] == 3
	})
	h.ctl.Stop()
	if _, err := h.wait(t); err != nil {
		t.Fatal(err)
	}
}

func TestTriggerWithoutCommand(t *testing.T) {
	p := scenarioProfile()
	p.Commands.Trigger = ""
	h := newHarness(t, nil, func(o *Options) { o.Profile = p })
	h.open(t)
	if err := h.ctl.Start(StartOptions{Path: h.path("x.db")}); err != nil {
		t.Fatal(err)
	}
	if err := h.ctl.Trigger(); !errors.Is(err, ErrNoTrigger) {
		t.Errorf("Trigger = %v, want ErrNoTrigger", err)
	}
}

type fakeRecorder struct {
	err     error
	stopped chan struct{}
}

func (r *fakeRecorder) Record(ctx context.Context, stop <-chan struct{}) error {
	select {
	case <-stop:
		close(r.stopped)
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRecordersFollowSession(t *testing.T) {
	ok := &fakeRecorder{stopped: make(chan struct{})}
	bad := &fakeRecorder{err: errors.New("camera unplugged"), stopped: make(chan struct{})}
	h := newHarness(t, scenarioScript, func(o *Options) {
		o.Recorders = []Recorder{ok, bad}
	})
	h.open(t)
	if err := h.ctl.Start(StartOptions{Path: h.path("rec.db")}); err != nil {
		t.Fatal(err)
	}
	res, err := h.wait(t)
	if err != nil {
		t.Fatalf("recorder error failed the session: %v", err)
	}
	for _, r := range []*fakeRecorder{ok, bad} {
		select {
		case <-r.stopped:
		default:
			t.Error("recorder not stopped at END")
		}
	}
	if !res.Saved || res.RecorderErr == nil || !strings.Contains(res.RecorderErr.Error(), "camera") {
		t.Errorf("result = %+v, recorder err %v", res, res.RecorderErr)
	}
}

type fakeNotifier struct {
	got chan [2]string
}

func (n *fakeNotifier) Notify(ctx context.Context, recipient, message string) error {
	n.got <- [2]string{recipient, message}
	return nil
}

func TestNotifierGetsEndMessage(t *testing.T) {
	n := &fakeNotifier{got: make(chan [2]string, 1)}
	h := newHarness(t, scenarioScript, func(o *Options) { o.Notifier = n })
	h.open(t)

	path := h.path("notify.db")
	if err := h.ctl.Start(StartOptions{Path: path, Recipient: "lab"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.wait(t); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-n.got:
		if m[0] != "lab" || !strings.Contains(m[1], "after 3 trials") || !strings.Contains(m[1], path) {
			t.Errorf("notification = %q", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}
}

func TestDefaultRecordPath(t *testing.T) {
	now := time.Date(2024, 3, 5, 14, 7, 9, 0, time.Local)
	h := newHarness(t, scenarioScript, func(o *Options) {
		o.Now = func() time.Time { return now }
	})
	h.open(t)
	if err := h.ctl.Start(StartOptions{}); err != nil {
		t.Fatal(err)
	}
	res, err := h.wait(t)
	if err != nil {
		t.Fatal(err)
	}
	want := h.path("data-240305-140709.db")
	if res.Path != want || !record.Exists(want) {
		t.Errorf("path = %s, want %s", res.Path, want)
	}
}

func TestSnapshotWhileRunning(t *testing.T) {
	h := newHarness(t, []string{"3,100", "6,100", "3,200"}, nil)
	h.open(t)
	if err := h.ctl.Start(StartOptions{Path: h.path("snap.db")}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second trial", func() bool {
		s := h.ctl.Snapshot()
		return s.Counters["trials"] == 1 && s.Trial == 1
	})
	snap := h.ctl.Snapshot()
	if snap.SessionID == "" || snap.StartTime == nil || !snap.Capabilities.Stop || snap.Capabilities.Start {
		t.Errorf("snapshot = %+v", snap)
	}
	if err := h.ctl.SetProfile(scenarioProfile()); err == nil {
		t.Error("profile changed while running")
	}
	h.ctl.Stop()
	h.wait(t)

	snap = h.ctl.Snapshot()
	if snap.Last == nil || snap.Last.Trials != 1 || snap.SessionID != "" {
		t.Errorf("snapshot after session = %+v", snap)
	}
}
