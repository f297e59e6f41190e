package session

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/rigctl/internal/params"
	"github.com/shaunagostinho/rigctl/internal/record"
)

// Index selects which cursor a stream is written at.
type Index string

const (
	// IndexTrial streams share the trial cursor; their length is the trial count.
	IndexTrial Index = "trial"
	// IndexOwn streams keep their own counter, advanced on every write.
	IndexOwn Index = "own"
)

// Action is what a route does with an event.
type Action string

const (
	ActionAppend     Action = "append"     // store the timestamp (and payload[0] for valued streams)
	ActionFlag       Action = "flag"       // store Route.Flag, or payload[0] when unset
	ActionAccumulate Action = "accumulate" // add payload[0] to the current trial's tally
	ActionAttribute  Action = "attribute"  // record payload[0] as a session attribute
	ActionAdvance    Action = "advance"    // move the trial cursor on
)

// DefaultMargin scales computed capacities.
const DefaultMargin = 1.1

// MaxCapacity bounds a single stream's buffer (16 bytes per sample, so
// 160 MB). Parameters that size a stream past it are rejected at Open.
const MaxCapacity = 10_000_000

// CapacitySpec sizes a stream's buffer from the session parameters.
//
// Count sizes by an item count; Duration/Period*PerPeriod sizes a sampled
// stream. Both are multiplied by Margin. Fixed is used alone when neither is
// given and is a floor otherwise. Expressions are sums of products of
// parameter names and integers, e.g. "pre_session + iti*trial_num".
type CapacitySpec struct {
	Fixed     int     `yaml:"fixed,omitempty" json:"fixed,omitempty" toml:"fixed,omitempty"`
	Count     string  `yaml:"count,omitempty" json:"count,omitempty" toml:"count,omitempty"`
	Duration  string  `yaml:"duration,omitempty" json:"duration,omitempty" toml:"duration,omitempty"`
	Period    string  `yaml:"period,omitempty" json:"period,omitempty" toml:"period,omitempty"`
	PerPeriod float64 `yaml:"per_period,omitempty" json:"perPeriod,omitempty" toml:"per_period,omitempty"`
	Margin    float64 `yaml:"margin,omitempty" json:"margin,omitempty" toml:"margin,omitempty"`
}

// Resolve computes the capacity for set.
func (c CapacitySpec) Resolve(set *params.Set) (int, error) {
	var base float64
	switch {
	case c.Count != "":
		n, err := evalExpr(c.Count, set)
		if err != nil {
			return 0, err
		}
		base = n
	case c.Duration != "":
		d, err := evalExpr(c.Duration, set)
		if err != nil {
			return 0, err
		}
		p, err := evalExpr(c.Period, set)
		if err != nil {
			return 0, err
		}
		if p <= 0 {
			return 0, fmt.Errorf("period %q evaluates to %v", c.Period, p)
		}
		per := c.PerPeriod
		if per == 0 {
			per = 1
		}
		base = d / p * per
	default:
		if c.Fixed <= 0 {
			return 0, fmt.Errorf("no capacity given")
		}
		if c.Fixed > MaxCapacity {
			return 0, fmt.Errorf("capacity %d exceeds %d", c.Fixed, MaxCapacity)
		}
		return c.Fixed, nil
	}

	if base < 0 || math.IsNaN(base) {
		return 0, fmt.Errorf("capacity evaluates to %v", base)
	}
	margin := c.Margin
	if margin == 0 {
		margin = DefaultMargin
	}
	// Compare in float64 so an overflowing product never reaches int.
	v := math.Ceil(base*margin - 1e-9)
	if math.IsInf(v, 0) || v > MaxCapacity || c.Fixed > MaxCapacity {
		return 0, fmt.Errorf("capacity %.0f exceeds %d", v, MaxCapacity)
	}
	n := int(v)
	if n < c.Fixed {
		n = c.Fixed
	}
	return n, nil
}

func (c CapacitySpec) expressions() []string {
	var out []string
	for _, e := range []string{c.Count, c.Duration, c.Period} {
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

// evalExpr evaluates a sum of products of parameter names and integers.
func evalExpr(expr string, set *params.Set) (float64, error) {
	if strings.TrimSpace(expr) == "" {
		return 0, fmt.Errorf("empty expression")
	}
	var sum float64
	for _, term := range strings.Split(expr, "+") {
		prod := 1.0
		for _, f := range strings.Split(term, "*") {
			f = strings.TrimSpace(f)
			if n, err := strconv.Atoi(f); err == nil {
				prod *= float64(n)
				continue
			}
			v, ok := set.Get(f)
			if !ok {
				return 0, fmt.Errorf("expression %q: unknown parameter %q", expr, f)
			}
			prod *= float64(v)
		}
		sum += prod
	}
	return sum, nil
}

// exprNames returns the parameter names an expression refers to.
func exprNames(expr string) ([]string, error) {
	var names []string
	for _, term := range strings.Split(expr, "+") {
		for _, f := range strings.Split(term, "*") {
			f = strings.TrimSpace(f)
			if f == "" {
				return nil, fmt.Errorf("expression %q: empty factor", expr)
			}
			if _, err := strconv.Atoi(f); err == nil {
				continue
			}
			names = append(names, f)
		}
	}
	return names, nil
}

// StreamSpec declares one buffered stream.
type StreamSpec struct {
	Name     string       `yaml:"name" json:"name" toml:"name"`
	Kind     record.Kind  `yaml:"kind" json:"kind" toml:"kind"`
	Index    Index        `yaml:"index" json:"index" toml:"index"`
	Capacity CapacitySpec `yaml:"capacity" json:"capacity" toml:"capacity"`
}

// Route maps an event code to an effect. A code may have several routes;
// they run in declaration order.
type Route struct {
	Code      int    `yaml:"code" json:"code" toml:"code"`
	Stream    string `yaml:"stream,omitempty" json:"stream,omitempty" toml:"stream,omitempty"`
	Action    Action `yaml:"action" json:"action" toml:"action"`
	Flag      *int64 `yaml:"flag,omitempty" json:"flag,omitempty" toml:"flag,omitempty"`
	Attribute string `yaml:"attribute,omitempty" json:"attribute,omitempty" toml:"attribute,omitempty"`
	// Advance moves the trial cursor on after the action.
	Advance bool `yaml:"advance,omitempty" json:"advance,omitempty" toml:"advance,omitempty"`
}

// Commands are the single-byte host commands of a firmware.
type Commands struct {
	Start   string `yaml:"start" json:"start" toml:"start"`
	Stop    string `yaml:"stop" json:"stop" toml:"stop"`
	Trigger string `yaml:"trigger,omitempty" json:"trigger,omitempty" toml:"trigger,omitempty"`
}

// Profile describes one rig variant: its parameters, event codes, streams
// and buffer sizes.
type Profile struct {
	Name        string        `yaml:"name" json:"name" toml:"name"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty" toml:"description,omitempty"`
	Params      params.Schema `yaml:"params" json:"params" toml:"params"`
	EndCode     int           `yaml:"end_code" json:"endCode" toml:"end_code"`
	TrialOrigin int           `yaml:"trial_origin" json:"trialOrigin" toml:"trial_origin"`
	Commands    Commands      `yaml:"commands" json:"commands" toml:"commands"`
	Streams     []StreamSpec  `yaml:"streams" json:"streams" toml:"streams"`
	Routes      []Route       `yaml:"routes" json:"routes" toml:"routes"`
	// Quiet lists codes left out of the device echo.
	Quiet []int `yaml:"quiet,omitempty" json:"quiet,omitempty" toml:"quiet,omitempty"`
}

// Stream returns the StreamSpec of the named stream.
func (p *Profile) Stream(name string) (StreamSpec, bool) {
	for _, s := range p.Streams {
		if s.Name == name {
			return s, true
		}
	}
	return StreamSpec{}, false
}

// IsQuiet reports whether code is excluded from the echo.
func (p *Profile) IsQuiet(code int) bool {
	for _, c := range p.Quiet {
		if c == code {
			return true
		}
	}
	return false
}

// Bind builds the parameter set for this profile.
func (p *Profile) Bind(overrides map[string]int) (*params.Set, error) {
	return p.Params.Bind(overrides)
}

// CheckParams verifies set carries every parameter of the profile and sizes
// every stream within MaxCapacity.
func (p *Profile) CheckParams(set *params.Set) error {
	if set == nil {
		return fmt.Errorf("profile %s: no parameters", p.Name)
	}
	var missing []string
	for _, f := range p.Params {
		if _, ok := set.Get(f.Name); !ok {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("profile %s: missing parameter(s): %s", p.Name, strings.Join(missing, ", "))
	}
	for _, s := range p.Streams {
		if _, err := s.Capacity.Resolve(set); err != nil {
			return fmt.Errorf("profile %s: stream %s: %w", p.Name, s.Name, err)
		}
	}
	return nil
}

func (p *Profile) applyDefaults() {
	if p.Commands.Start == "" {
		p.Commands.Start = "E"
	}
	if p.Commands.Stop == "" {
		p.Commands.Stop = "0"
	}
}

// Validate checks the profile for internal consistency.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile: missing name")
	}
	errf := func(format string, a ...any) error {
		return fmt.Errorf("profile %s: %s", p.Name, fmt.Sprintf(format, a...))
	}

	if len(p.Params) == 0 {
		return errf("no parameters")
	}
	if _, err := p.Params.Bind(nil); err != nil {
		return errf("%v", err)
	}
	known := make(map[string]bool, len(p.Params))
	for _, f := range p.Params {
		known[f.Name] = true
	}

	if p.TrialOrigin < -1 {
		return errf("trial_origin %d below -1", p.TrialOrigin)
	}
	for name, c := range map[string]string{"start": p.Commands.Start, "stop": p.Commands.Stop, "trigger": p.Commands.Trigger} {
		if c != "" && len(c) != 1 {
			return errf("%s command %q is not a single byte", name, c)
		}
	}

	streams := make(map[string]StreamSpec, len(p.Streams))
	for _, s := range p.Streams {
		if s.Name == "" {
			return errf("stream without a name")
		}
		if _, dup := streams[s.Name]; dup {
			return errf("duplicate stream %s", s.Name)
		}
		if !s.Kind.Valid() {
			return errf("stream %s: unknown kind %q", s.Name, s.Kind)
		}
		if s.Index != IndexTrial && s.Index != IndexOwn {
			return errf("stream %s: unknown index %q", s.Name, s.Index)
		}
		if s.Kind == record.KindTally && s.Index != IndexTrial {
			return errf("stream %s: tally streams are trial-indexed", s.Name)
		}
		c := s.Capacity
		if c.Fixed <= 0 && c.Count == "" && c.Duration == "" {
			return errf("stream %s: no capacity", s.Name)
		}
		if c.Duration != "" && c.Count == "" && c.Period == "" {
			return errf("stream %s: duration capacity needs a period", s.Name)
		}
		for _, e := range c.expressions() {
			names, err := exprNames(e)
			if err != nil {
				return errf("stream %s: %v", s.Name, err)
			}
			for _, n := range names {
				if !known[n] {
					return errf("stream %s: capacity uses unknown parameter %s", s.Name, n)
				}
			}
		}
		streams[s.Name] = s
	}

	type routeKey struct {
		code   int
		stream string
		action Action
	}
	seen := make(map[routeKey]bool, len(p.Routes))
	for _, r := range p.Routes {
		if r.Code == p.EndCode {
			return errf("code %d is the END code and cannot be routed", r.Code)
		}
		k := routeKey{r.Code, r.Stream, r.Action}
		if seen[k] {
			return errf("duplicate route for code %d", r.Code)
		}
		seen[k] = true

		switch r.Action {
		case ActionAttribute:
			if r.Attribute == "" {
				return errf("code %d: attribute route without a name", r.Code)
			}
			continue
		case ActionAdvance:
			continue
		case ActionAppend, ActionFlag, ActionAccumulate:
		default:
			return errf("code %d: unknown action %q", r.Code, r.Action)
		}

		s, ok := streams[r.Stream]
		if !ok {
			return errf("code %d: unknown stream %q", r.Code, r.Stream)
		}
		var want []record.Kind
		switch r.Action {
		case ActionAppend:
			want = []record.Kind{record.KindTimestamp, record.KindValued}
		case ActionFlag:
			want = []record.Kind{record.KindFlag}
		case ActionAccumulate:
			want = []record.Kind{record.KindTally}
		}
		if !kindIn(s.Kind, want) {
			return errf("code %d: %s does not apply to %s stream %s", r.Code, r.Action, s.Kind, s.Name)
		}
	}
	return nil
}

func kindIn(k record.Kind, ks []record.Kind) bool {
	for _, x := range ks {
		if x == k {
			return true
		}
	}
	return false
}

type profileFile struct {
	Profiles []*Profile `yaml:"profiles" json:"profiles" toml:"profiles"`
}

// ParseProfiles decodes and validates profiles. format is "yaml" or "toml".
func ParseProfiles(data []byte, format string) ([]*Profile, error) {
	var f profileFile
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse profiles: %w", err)
		}
	case "toml":
		if err := toml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse profiles: %w", err)
		}
	default:
		return nil, fmt.Errorf("parse profiles: unsupported format %q", format)
	}

	names := make(map[string]bool, len(f.Profiles))
	for _, p := range f.Profiles {
		if p == nil {
			return nil, fmt.Errorf("parse profiles: empty entry")
		}
		p.applyDefaults()
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if names[p.Name] {
			return nil, fmt.Errorf("parse profiles: duplicate profile %s", p.Name)
		}
		names[p.Name] = true
	}
	return f.Profiles, nil
}

// LoadProfiles reads a profile file; the format follows the extension.
func LoadProfiles(path string) ([]*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	ps, err := ParseProfiles(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ps, nil
}

//go:embed builtin.yaml
var builtinYAML []byte

var (
	builtinOnce sync.Once
	builtins    []*Profile
)

// DefaultProfile names the profile used when none is configured.
const DefaultProfile = "conveyor"

// Builtins returns the profiles shipped with rigctl. Callers get their own
// copies.
func Builtins() []*Profile {
	builtinOnce.Do(func() {
		ps, err := ParseProfiles(builtinYAML, "yaml")
		if err != nil {
			panic("session: builtin profiles: " + err.Error())
		}
		builtins = ps
	})
	out := make([]*Profile, len(builtins))
	for i, p := range builtins {
		cp := *p
		out[i] = &cp
	}
	return out
}

// Registry holds the available profiles. Replace swaps the whole set, so a
// reload never leaves a half-updated registry; a running session keeps the
// profile it started with.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewRegistry builds a registry from ps. Later profiles win on name clashes.
func NewRegistry(ps ...*Profile) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(ps); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadRegistry returns the builtins merged with the profiles in path, if any.
func LoadRegistry(path string) (*Registry, error) {
	ps := Builtins()
	if path != "" {
		extra, err := LoadProfiles(path)
		if err != nil {
			return nil, err
		}
		ps = append(ps, extra...)
	}
	return NewRegistry(ps...)
}

// Replace validates ps and swaps it in.
func (r *Registry) Replace(ps []*Profile) error {
	m := make(map[string]*Profile, len(ps))
	for _, p := range ps {
		p.applyDefaults()
		if err := p.Validate(); err != nil {
			return err
		}
		m[p.Name] = p
	}
	r.mu.Lock()
	r.profiles = m
	r.mu.Unlock()
	return nil
}

// Reload re-reads path over the builtins.
func (r *Registry) Reload(path string) error {
	ps := Builtins()
	extra, err := LoadProfiles(path)
	if err != nil {
		return err
	}
	return r.Replace(append(ps, extra...))
}

// Get returns the named profile.
func (r *Registry) Get(name string) (*Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	return p, ok
}

// Names returns the profile names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// List returns the profiles sorted by name.
func (r *Registry) List() []*Profile {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Profile, 0, len(names))
	for _, n := range names {
		if p, ok := r.profiles[n]; ok {
			out = append(out, p)
		}
	}
	return out
}
