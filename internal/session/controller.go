package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/rigctl/internal/device"
	"github.com/shaunagostinho/rigctl/internal/event"
	"github.com/shaunagostinho/rigctl/internal/params"
	"github.com/shaunagostinho/rigctl/internal/record"
)

var (
	ErrBusy      = errors.New("session: another session is active")
	ErrNoSession = errors.New("session: no session has been started")
	ErrAborted   = errors.New("session: aborted")
	ErrNoTrigger = errors.New("session: profile has no trigger command")

	errStopTimeout = errors.New("session: no END after stop")
)

// StateError reports an operation the current state does not allow.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("session: cannot %s while %s", e.Op, e.State)
}

const DefaultPollInterval = 10 * time.Millisecond

// Config holds the controller settings.
type Config struct {
	Port      device.PortConfig
	Handshake device.HandshakeConfig
	// PollInterval is the dispatcher tick; keep it below the fastest sample
	// period.
	PollInterval time.Duration
	// StopTimeout bounds the wait for END after Stop. Zero waits forever.
	StopTimeout time.Duration
	// DataDir receives records started without an explicit path.
	DataDir string
	Group   string
}

// StartOptions are per-session inputs given at start.
type StartOptions struct {
	Path      string `json:"path,omitempty"`
	Notes     string `json:"notes,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

// Observer receives session activity. Line callbacks run on the reader
// goroutine, EventDispatched on the dispatcher goroutine; implementations
// must be safe for concurrent use and must not block.
type Observer interface {
	StateChanged(from, to State)
	LineReceived(line string)
	LineDiscarded(line string, err error)
	EventDispatched(ev event.Event)
	SessionFinished(res Result)
}

// NopObserver can be embedded to implement only some Observer methods.
type NopObserver struct{}

func (NopObserver) StateChanged(from, to State)          {}
func (NopObserver) LineReceived(line string)             {}
func (NopObserver) LineDiscarded(line string, err error) {}
func (NopObserver) EventDispatched(ev event.Event)       {}
func (NopObserver) SessionFinished(res Result)           {}

// Recorder runs alongside a session, such as a camera capture. Record must
// return once stop is closed (END seen) or ctx is cancelled.
type Recorder interface {
	Record(ctx context.Context, stop <-chan struct{}) error
}

// Notifier delivers the end-of-session message.
type Notifier interface {
	Notify(ctx context.Context, recipient, message string) error
}

// RecordWriter persists a finished session.
type RecordWriter interface {
	Write(path string, rec *record.Record) error
}

// Result summarizes a finished session.
type Result struct {
	ID        string         `json:"id"`
	Path      string         `json:"path"`
	Profile   string         `json:"profile"`
	StartTime time.Time      `json:"startTime"`
	EndTime   time.Time      `json:"endTime"`
	DeviceEnd int64          `json:"deviceEnd"`
	EndReason string         `json:"endReason,omitempty"`
	Trials    int            `json:"trials"`
	Counters  map[string]int `json:"counters"`
	Stats     DispatchStats  `json:"stats"`
	Saved     bool           `json:"saved"`
	Error     string         `json:"error,omitempty"`

	Err         error `json:"-"`
	RecorderErr error `json:"-"`
}

// Snapshot is a consistent copy of the controller state.
type Snapshot struct {
	State         State          `json:"state"`
	Capabilities  Capabilities   `json:"capabilities"`
	Port          string         `json:"port,omitempty"`
	Profile       string         `json:"profile"`
	Params        []params.Param `json:"params,omitempty"`
	SessionID     string         `json:"sessionId,omitempty"`
	Path          string         `json:"path,omitempty"`
	StartTime     *time.Time     `json:"startTime,omitempty"`
	Counters      map[string]int `json:"counters,omitempty"`
	Trial         int            `json:"trial"`
	StopRequested bool           `json:"stopRequested,omitempty"`
	LastError     string         `json:"lastError,omitempty"`
	Last          *Result        `json:"last,omitempty"`
}

// Options wires a Controller.
type Options struct {
	Config    Config
	Opener    device.Opener
	Profile   *Profile
	Writer    RecordWriter
	Notifier  Notifier
	Observers []Observer
	Recorders []Recorder
	Now       func() time.Time
}

// active is the controller holding the process-wide session slot.
var active atomic.Pointer[Controller]

// Controller runs sessions: handshake, start, event dispatch, stop and
// persistence. One controller at a time may be out of the Closed state.
type Controller struct {
	cfg       Config
	transport *device.Transport
	writer    RecordWriter
	notifier  Notifier
	recorders []Recorder
	now       func() time.Time

	obsMu     sync.RWMutex
	observers []Observer

	mu      sync.Mutex
	state   State
	profile *Profile
	set     *params.Set
	port    string
	lastErr error
	run     *run
	last    *Result
}

// run is the state of one started session.
type run struct {
	id        string
	path      string
	notes     string
	recipient string
	profile   *Profile
	set       *params.Set
	start     time.Time
	queue     *event.Queue
	buffers   *Buffers
	disp      *Dispatcher
	cancel    context.CancelFunc
	done      chan struct{}

	// Guarded by Controller.mu.
	stopRequested bool
	stopAt        time.Time
	aborted       bool
	counters      map[string]int
	trial         int
	result        Result
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// New creates a Controller in the Closed state.
func New(opts Options) *Controller {
	cfg := opts.Config
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.Group == "" {
		cfg.Group = record.DefaultGroup
	}
	p := opts.Profile
	if p == nil {
		p, _ = BuiltinProfile(DefaultProfile)
	}
	p.applyDefaults()
	w := opts.Writer
	if w == nil {
		w = &record.Writer{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		cfg:       cfg,
		transport: device.NewTransport(opts.Opener, cfg.Port),
		writer:    w,
		notifier:  opts.Notifier,
		recorders: opts.Recorders,
		now:       now,
		observers: append([]Observer(nil), opts.Observers...),
		profile:   p,
	}
}

// BuiltinProfile returns a copy of the named builtin profile.
func BuiltinProfile(name string) (*Profile, bool) {
	for _, p := range Builtins() {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// AddObserver registers o for all later activity.
func (c *Controller) AddObserver(o Observer) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	obs := make([]Observer, len(c.observers), len(c.observers)+1)
	copy(obs, c.observers)
	c.observers = append(obs, o)
}

func (c *Controller) notify(fn func(Observer)) {
	c.obsMu.RLock()
	obs := c.observers
	c.obsMu.RUnlock()
	for _, o := range obs {
		fn(o)
	}
}

// transitionLocked changes state with c.mu held and returns the observer
// notification, to be called after unlocking.
func (c *Controller) transitionLocked(to State) func() {
	from := c.state
	c.state = to
	if to == Closed {
		active.CompareAndSwap(c, nil)
	}
	if from == to {
		return func() {}
	}
	log.Printf("[session] %s -> %s", from, to)
	return func() {
		c.notify(func(o Observer) { o.StateChanged(from, to) })
	}
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Profile returns the profile used for the next or current session.
func (c *Controller) Profile() *Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// SetProfile selects the profile for the next session.
func (c *Controller) SetProfile(p *Profile) error {
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Closed {
		return &StateError{Op: "change profile", State: c.state}
	}
	c.profile = p
	return nil
}

// Open uploads set to the device on port. On failure the port is released
// and the controller returns to Closed.
func (c *Controller) Open(ctx context.Context, port string, set *params.Set) error {
	c.mu.Lock()
	if c.state != Closed {
		st := c.state
		c.mu.Unlock()
		return &StateError{Op: "open", State: st}
	}
	if err := c.profile.CheckParams(set); err != nil {
		c.mu.Unlock()
		return err
	}
	if !active.CompareAndSwap(nil, c) && active.Load() != c {
		c.mu.Unlock()
		return ErrBusy
	}
	c.port = port
	c.lastErr = nil
	notify := c.transitionLocked(Opening)
	c.mu.Unlock()
	notify()

	err := device.Upload(ctx, c.transport, port, set, c.cfg.Handshake)

	c.mu.Lock()
	if err != nil {
		c.lastErr = err
		notify = c.transitionLocked(Closed)
		c.mu.Unlock()
		notify()
		log.Printf("[session] open %s failed: %v", port, err)
		return err
	}
	c.set = set
	notify = c.transitionLocked(Open)
	c.mu.Unlock()
	notify()
	return nil
}

// Close releases an open port without running a session.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.state != Open {
		st := c.state
		c.mu.Unlock()
		return &StateError{Op: "close", State: st}
	}
	c.transport.Close()
	c.set = nil
	notify := c.transitionLocked(Closed)
	c.mu.Unlock()
	notify()
	return nil
}

func (c *Controller) defaultPath() string {
	return filepath.Join(c.cfg.DataDir, "data-"+c.now().Format("060102-150405")+".db")
}

// Start begins a session on the open device. The record path is checked
// first; an occupied path leaves the controller Open.
func (c *Controller) Start(opts StartOptions) error {
	c.mu.Lock()
	if c.state != Open {
		st := c.state
		c.mu.Unlock()
		return &StateError{Op: "start", State: st}
	}
	p, set := c.profile, c.set
	c.mu.Unlock()

	// Buffers can be large; allocate them without holding the lock.
	buffers, err := NewBuffers(p, set)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != Open || c.set != set {
		st := c.state
		c.mu.Unlock()
		return &StateError{Op: "start", State: st}
	}

	path := opts.Path
	if path == "" {
		path = c.defaultPath()
	}
	if record.Exists(path) {
		c.mu.Unlock()
		return &record.PersistError{Path: path, Op: "create", Err: fs.ErrExist}
	}

	if err := c.transport.FlushInput(); err == nil {
		err = c.transport.WriteString(p.Commands.Start)
	}
	if err != nil {
		c.transport.Close()
		c.lastErr = err
		c.set = nil
		notify := c.transitionLocked(Closed)
		c.mu.Unlock()
		notify()
		return fmt.Errorf("session: start: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:        uuid.NewString(),
		path:      path,
		notes:     opts.Notes,
		recipient: opts.Recipient,
		profile:   p,
		set:       set,
		start:     c.now(),
		queue:     event.NewQueue(),
		buffers:   buffers,
		disp:      NewDispatcher(p, buffers),
		cancel:    cancel,
		done:      make(chan struct{}),
		counters:  buffers.Counters(),
		trial:     buffers.Trial(),
	}
	c.run = r
	c.lastErr = nil
	notify := c.transitionLocked(Running)
	c.mu.Unlock()
	notify()

	log.Printf("[session] %s started (%s), recording to %s", r.id, p.Name, path)
	go c.execute(ctx, r)
	return nil
}

// Stop asks the device to end the session. The controller stays Running
// until the device reports END.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return &StateError{Op: "stop", State: c.state}
	}
	r := c.run
	if err := c.transport.WriteString(r.profile.Commands.Stop); err != nil {
		return fmt.Errorf("session: stop: %w", err)
	}
	if !r.stopRequested {
		r.stopRequested = true
		r.stopAt = c.now()
		log.Printf("[session] stop requested, waiting for END")
	}
	return nil
}

// Trigger starts a trial by hand.
func (c *Controller) Trigger() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return &StateError{Op: "trigger", State: c.state}
	}
	cmd := c.run.profile.Commands.Trigger
	if cmd == "" {
		return ErrNoTrigger
	}
	if err := c.transport.WriteString(cmd); err != nil {
		return fmt.Errorf("session: trigger: %w", err)
	}
	log.Printf("[session] manual trial triggered")
	return nil
}

// Abort releases the port from any state. A running session ends without
// a record.
func (c *Controller) Abort() {
	c.mu.Lock()
	st, r := c.state, c.run
	if st == Running && r != nil {
		r.aborted = true
		r.cancel()
	}
	c.mu.Unlock()

	c.transport.Close()

	c.mu.Lock()
	notify := func() {}
	switch c.state {
	case Open:
		c.set = nil
		notify = c.transitionLocked(Closed)
	case Stopping:
		if c.run == nil || c.run.finished() {
			c.set = nil
			notify = c.transitionLocked(Closed)
		}
	}
	c.mu.Unlock()
	notify()
}

// Reset acknowledges a session that ended in error and returns to Closed.
func (c *Controller) Reset() error {
	c.mu.Lock()
	if c.state != Stopping || (c.run != nil && !c.run.finished()) {
		st := c.state
		c.mu.Unlock()
		return &StateError{Op: "reset", State: st}
	}
	c.set = nil
	c.lastErr = nil
	notify := c.transitionLocked(Closed)
	c.mu.Unlock()
	notify()
	return nil
}

// Wait blocks until the current session has finished.
func (c *Controller) Wait(ctx context.Context) (Result, error) {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil {
		return Result{}, ErrNoSession
	}
	select {
	case <-r.done:
		c.mu.Lock()
		res := r.result
		c.mu.Unlock()
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Snapshot returns a copy of the controller state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		State:        c.state,
		Capabilities: c.state.Capabilities(),
		Port:         c.port,
		Profile:      c.profile.Name,
		Trial:        c.profile.TrialOrigin,
	}
	if c.set != nil {
		s.Params = c.set.Params()
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	if c.last != nil {
		last := *c.last
		s.Last = &last
	}
	if r := c.run; r != nil && (c.state == Running || (c.state == Stopping && !r.finished())) {
		start := r.start
		s.SessionID = r.id
		s.Path = r.path
		s.StartTime = &start
		s.Profile = r.profile.Name
		s.Trial = r.trial
		s.StopRequested = r.stopRequested
		s.Counters = make(map[string]int, len(r.counters))
		for k, v := range r.counters {
			s.Counters[k] = v
		}
	}
	return s
}

// execute runs the reader, the dispatcher loop and any recorders, then
// finalizes the session exactly once.
func (c *Controller) execute(ctx context.Context, r *run) {
	defer close(r.done)
	defer r.cancel()

	g, gctx := errgroup.WithContext(ctx)
	recStop := make(chan struct{})

	reader := &event.Reader{
		Source:  c.transport,
		Queue:   r.queue,
		EndCode: r.profile.EndCode,
		OnLine: func(line string) {
			c.notify(func(o Observer) { o.LineReceived(line) })
		},
		OnDiscard: func(line string, err error) {
			c.notify(func(o Observer) { o.LineDiscarded(line, err) })
		},
	}
	g.Go(func() error {
		err := reader.Run(gctx)
		if err != nil && gctx.Err() == nil {
			return fmt.Errorf("session: reader: %w", err)
		}
		return nil
	})

	var outcome error
	g.Go(func() error {
		outcome = c.dispatchLoop(gctx, r)
		close(recStop)
		c.transport.Close()
		return outcome
	})

	var (
		recMu  sync.Mutex
		recErr error
	)
	for _, rec := range c.recorders {
		g.Go(func() error {
			if err := rec.Record(gctx, recStop); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[session] recorder: %v", err)
				recMu.Lock()
				recErr = errors.Join(recErr, err)
				recMu.Unlock()
			}
			return nil
		})
	}

	werr := g.Wait()

	res := Result{
		ID:          r.id,
		Path:        r.path,
		Profile:     r.profile.Name,
		StartTime:   r.start,
		EndTime:     c.now(),
		Trials:      r.buffers.Counter(trialCounterStream(r.profile)),
		Counters:    r.buffers.Counters(),
		Stats:       r.disp.Stats(),
		RecorderErr: recErr,
	}

	switch {
	case outcome == nil:
		res.DeviceEnd = r.disp.DeviceEnd()
		res.EndReason = record.EndDevice
		c.finalize(r, &res)
	case errors.Is(outcome, errStopTimeout):
		log.Printf("[session] no END within %v of stop; finalizing without it", c.cfg.StopTimeout)
		res.DeviceEnd = -1
		res.EndReason = record.EndStopTimeout
		c.finalize(r, &res)
	default:
		c.mu.Lock()
		aborted := r.aborted
		c.mu.Unlock()
		cause := outcome
		switch {
		case aborted:
			cause = ErrAborted
		case errors.Is(outcome, context.Canceled) && werr != nil:
			cause = werr
		}
		res.Err = cause
		c.fail(r, &res, aborted)
	}
}

// trialCounterStream names the stream whose counter is the trial count: the
// first trial-indexed stream, else one called "trials".
func trialCounterStream(p *Profile) string {
	for _, s := range p.Streams {
		if s.Index == IndexTrial {
			return s.Name
		}
	}
	if _, ok := p.Stream("trials"); ok {
		return "trials"
	}
	return ""
}

func (c *Controller) dispatchLoop(ctx context.Context, r *run) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		done, err := c.drain(r)
		if err != nil {
			log.Printf("[session] %v", err)
			return err
		}
		if done {
			return nil
		}
		if c.stopExpired(r) {
			return errStopTimeout
		}
	}
}

// drain dispatches everything queued since the last tick, in order.
func (c *Controller) drain(r *run) (done bool, err error) {
	evs := r.queue.Drain()
	if len(evs) == 0 {
		return false, nil
	}
	for _, ev := range evs {
		done, err = r.disp.Dispatch(ev)
		if err != nil {
			break
		}
		c.notify(func(o Observer) { o.EventDispatched(ev) })
		if done {
			break
		}
	}

	counters, trial := r.buffers.Counters(), r.buffers.Trial()
	c.mu.Lock()
	r.counters, r.trial = counters, trial
	c.mu.Unlock()
	return done, err
}

func (c *Controller) stopExpired(r *run) bool {
	if c.cfg.StopTimeout <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.stopRequested && c.now().Sub(r.stopAt) >= c.cfg.StopTimeout
}

// finalize persists the session and returns to Closed. A persistence
// failure leaves the controller in Stopping until Reset.
func (c *Controller) finalize(r *run, res *Result) {
	c.mu.Lock()
	notify := c.transitionLocked(Stopping)
	c.mu.Unlock()
	notify()

	rec := &record.Record{
		ID:         r.id,
		Group:      c.cfg.Group,
		Profile:    r.profile.Name,
		StartTime:  r.start,
		EndTime:    res.EndTime,
		DeviceEnd:  res.DeviceEnd,
		Notes:      r.notes,
		EndReason:  res.EndReason,
		Params:     r.set.Params(),
		Attributes: r.buffers.Attributes(),
		Datasets:   r.buffers.Trimmed(),
	}
	err := c.writer.Write(r.path, rec)

	c.mu.Lock()
	notify = func() {}
	if err != nil {
		res.Err = err
		c.lastErr = err
		log.Printf("[session] %s not saved: %v", r.id, err)
	} else {
		res.Saved = true
		c.set = nil
		notify = c.transitionLocked(Closed)
	}
	c.mu.Unlock()
	notify()

	c.finish(r, res)
}

// fail ends a session that cannot be recorded. The port is already
// released.
func (c *Controller) fail(r *run, res *Result, aborted bool) {
	log.Printf("[session] %s failed: %v", r.id, res.Err)
	c.mu.Lock()
	c.lastErr = res.Err
	to := Stopping
	if aborted {
		to = Closed
		c.set = nil
	}
	notify := c.transitionLocked(to)
	c.mu.Unlock()
	notify()

	c.finish(r, res)
}

func (c *Controller) finish(r *run, res *Result) {
	if res.Err != nil {
		res.Error = res.Err.Error()
	}
	c.mu.Lock()
	r.result = *res
	last := *res
	c.last = &last
	c.mu.Unlock()

	c.notify(func(o Observer) { o.SessionFinished(*res) })

	if c.notifier != nil && r.recipient != "" {
		msg := endMessage(res)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.notifier.Notify(ctx, r.recipient, msg); err != nil {
				log.Printf("[session] notify %s: %v", r.recipient, err)
			}
		}()
	}
}

func endMessage(res *Result) string {
	end := res.EndTime.Format("15:04:05")
	if res.Err != nil {
		return fmt.Sprintf("Session ended at %s with an error: %v", end, res.Err)
	}
	return fmt.Sprintf("Session ended at %s after %d trials. Saved to %s", end, res.Trials, res.Path)
}
