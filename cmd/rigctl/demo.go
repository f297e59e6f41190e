package main

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/shaunagostinho/rigctl/internal/device"
	"github.com/shaunagostinho/rigctl/internal/params"
	"github.com/shaunagostinho/rigctl/internal/record"
	"github.com/shaunagostinho/rigctl/internal/session"
)

// demoDevice plays a generated session on the simulator. The script is
// built from the uploaded parameter line and the routes of the profile being
// opened, so every built-in profile gets a session its dispatcher accepts.
type demoDevice struct {
	session.NopObserver

	sim     *device.Sim
	ctl     *session.Controller
	profile atomic.Pointer[session.Profile]
}

func newDemoDevice(pace int) *demoDevice {
	d := &demoDevice{sim: device.NewSim(nil)}
	d.sim.Pace = float64(pace)
	d.sim.Generate = d.script
	return d
}

func (d *demoDevice) StateChanged(from, to session.State) {
	if to == session.Opening && d.ctl != nil {
		d.profile.Store(d.ctl.Profile())
	}
}

// script runs under the sim's lock before playback starts, so it may retune
// the sim to the profile's command bytes and END code.
func (d *demoDevice) script(line string) []string {
	p := d.profile.Load()
	if p == nil {
		return nil
	}
	set, err := params.Decode(p.Params.Names(), line)
	if err != nil {
		log.Printf("[demo] bad parameter line %q: %v", line, err)
		return nil
	}

	d.sim.EndCode = p.EndCode
	d.sim.StartByte = commandByte(p.Commands.Start, d.sim.StartByte)
	d.sim.StopByte = commandByte(p.Commands.Stop, d.sim.StopByte)
	d.sim.TriggerByte = commandByte(p.Commands.Trigger, 0)

	plan := planDemo(p, set)
	if len(plan.marks) > 0 {
		d.sim.TriggerCode = plan.marks[0].codes[0].code
	}
	return plan.script()
}

func commandByte(s string, def byte) byte {
	if len(s) != 1 {
		return def
	}
	return s[0]
}

// demoCode is one event code with the payload its routes need.
type demoCode struct {
	code    int
	payload bool
}

func (c demoCode) line(ts, v int64) string {
	if c.payload {
		return fmt.Sprintf("%d,%d,%d", c.code, ts, v)
	}
	return fmt.Sprintf("%d,%d", c.code, ts)
}

// demoMark is a per-trial marker. Alternative codes writing the same stream
// (CS+ and CS- onsets) take turns.
type demoMark struct {
	stream  string
	advance bool
	codes   []demoCode
}

type demoPlan struct {
	trials            int64
	pre, iti, post    int64
	period            int64
	advanceFirst      bool
	end               int
	marks             []demoMark
	advances, samples []demoCode
	totals            []demoCode
}

// planDemo sorts the profile's codes by the part they play in a session:
// trial markers, cursor advances, periodic samples and session totals.
// Codes that only flag or accumulate are left out.
func planDemo(p *session.Profile, set *params.Set) demoPlan {
	get := func(def int64, names ...string) int64 {
		for _, n := range names {
			if v, ok := set.Get(n); ok && v > 0 {
				return int64(v)
			}
		}
		return def
	}
	plan := demoPlan{
		pre:          get(1000, "pre_session", "presession_window"),
		post:         get(1000, "post_session", "postsession_window"),
		iti:          get(4000, "iti", "mean_ITI"),
		period:       get(50, "track_period"),
		advanceFirst: p.TrialOrigin < 0,
		end:          p.EndCode,
	}
	plan.trials = get(0, "trial_num")
	if plan.trials == 0 {
		for _, f := range p.Params {
			if strings.HasSuffix(f.Name, "_number") {
				plan.trials += get(0, f.Name)
			}
		}
	}
	if plan.trials == 0 {
		plan.trials = 5
	}

	byCode := make(map[int][]session.Route)
	var order []int
	for _, r := range p.Routes {
		if _, seen := byCode[r.Code]; !seen {
			order = append(order, r.Code)
		}
		byCode[r.Code] = append(byCode[r.Code], r)
	}

	markAt := make(map[string]int)
	limit := int64(math.MaxInt64)
	for _, code := range order {
		routes := byCode[code]
		c := demoCode{code: code}
		var mark string
		var sample, total, advances bool
		advanceOnly := true
		for _, r := range routes {
			spec, _ := p.Stream(r.Stream)
			switch r.Action {
			case session.ActionAppend:
				if spec.Kind == record.KindValued {
					c.payload = true
					if spec.Index == session.IndexOwn {
						sample = true
					}
				}
				if spec.Kind == record.KindTimestamp && mark == "" {
					mark = r.Stream
					if n, err := spec.Capacity.Resolve(set); err == nil && int64(n) < limit {
						limit = int64(n)
					}
				}
			case session.ActionFlag:
				if r.Flag == nil {
					c.payload = true
				}
			case session.ActionAccumulate:
				c.payload = true
			case session.ActionAttribute:
				c.payload = true
				total = true
			}
			if r.Action != session.ActionAdvance {
				advanceOnly = false
			}
			if r.Advance {
				advances = true
			}
		}

		switch {
		case advanceOnly:
			plan.advances = append(plan.advances, c)
		case total:
			plan.totals = append(plan.totals, c)
		case sample:
			plan.samples = append(plan.samples, c)
		case mark != "":
			i, ok := markAt[mark]
			if !ok {
				i = len(plan.marks)
				markAt[mark] = i
				plan.marks = append(plan.marks, demoMark{stream: mark})
			}
			plan.marks[i].codes = append(plan.marks[i].codes, c)
			plan.marks[i].advance = plan.marks[i].advance || advances
		}
	}
	// The marker that moves the cursor closes the trial.
	sort.SliceStable(plan.marks, func(i, j int) bool {
		return !plan.marks[i].advance && plan.marks[j].advance
	})

	for _, s := range p.Streams {
		if s.Index != session.IndexTrial {
			continue
		}
		if n, err := s.Capacity.Resolve(set); err == nil && int64(n) < limit {
			limit = int64(n)
		}
	}
	if plan.trials > limit {
		plan.trials = limit
	}
	return plan
}

func (plan demoPlan) total() int64 {
	return plan.pre + plan.trials*plan.iti + plan.post
}

func (plan demoPlan) script() []string {
	type timed struct {
		ts   int64
		line string
	}
	var ev []timed
	total := plan.total()
	for i := int64(0); i < plan.trials; i++ {
		start := plan.pre + i*plan.iti
		if plan.advanceFirst && i == 0 {
			for _, c := range plan.advances {
				ev = append(ev, timed{start, c.line(start, 0)})
			}
		}
		for m, mark := range plan.marks {
			ts := start + int64(m)*plan.iti/int64(2*len(plan.marks))
			c := mark.codes[int(i)%len(mark.codes)]
			ev = append(ev, timed{ts, c.line(ts, 0)})
		}
		for _, c := range plan.advances {
			ts := start + plan.iti/2
			ev = append(ev, timed{ts, c.line(ts, 0)})
		}
	}
	for j, c := range plan.samples {
		step := plan.period * int64(j+1)
		for ts := int64(0); ts < total; ts += step {
			v := int64(20*math.Sin(float64(ts)/700)) + int64(rand.Intn(3))
			ev = append(ev, timed{ts, c.line(ts, v)})
		}
	}
	for _, c := range plan.totals {
		ev = append(ev, timed{total, c.line(total, total)})
	}
	sort.SliceStable(ev, func(i, j int) bool { return ev[i].ts < ev[j].ts })

	script := make([]string, 0, len(ev)+2)
	script = append(script, "Session started")
	for _, e := range ev {
		script = append(script, e.line)
	}
	return append(script, fmt.Sprintf("%d,%d", plan.end, total))
}
