// Package record holds the session record and its on-disk container.
package record

import (
	"time"

	"github.com/shaunagostinho/rigctl/internal/params"
)

// DefaultGroup is the container group that holds behavior data.
const DefaultGroup = "behavior"

// Kind says which sample fields a dataset carries.
type Kind string

const (
	KindTimestamp Kind = "timestamp" // T only
	KindFlag      Kind = "flag"      // V only
	KindTally     Kind = "tally"     // V only, accumulated
	KindValued    Kind = "valued"    // T and V
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTimestamp, KindFlag, KindTally, KindValued:
		return true
	}
	return false
}

// HasTime reports whether samples of this kind carry a timestamp.
func (k Kind) HasTime() bool { return k == KindTimestamp || k == KindValued }

// HasValue reports whether samples of this kind carry a value.
func (k Kind) HasValue() bool { return k != KindTimestamp }

// Sample is one fixed-width buffer entry.
type Sample struct {
	T int64 `json:"t"`
	V int64 `json:"v"`
}

// Dataset is one stream trimmed to its counter.
type Dataset struct {
	Name    string   `json:"name"`
	Kind    Kind     `json:"kind"`
	Samples []Sample `json:"samples"`
}

func (d Dataset) Len() int { return len(d.Samples) }

// Times returns the timestamp column.
func (d Dataset) Times() []int64 {
	out := make([]int64, len(d.Samples))
	for i, s := range d.Samples {
		out[i] = s.T
	}
	return out
}

// Values returns the value column.
func (d Dataset) Values() []int64 {
	out := make([]int64, len(d.Samples))
	for i, s := range d.Samples {
		out[i] = s.V
	}
	return out
}

// Attribute is a scalar or string attribute on the group.
type Attribute struct {
	Key    string `json:"key"`
	Int    int64  `json:"int,omitempty"`
	Text   string `json:"text,omitempty"`
	IsText bool   `json:"isText,omitempty"`
}

func Int(key string, v int64) Attribute { return Attribute{Key: key, Int: v} }
func Text(key, s string) Attribute      { return Attribute{Key: key, Text: s, IsText: true} }

func (a Attribute) Value() any {
	if a.IsText {
		return a.Text
	}
	return a.Int
}

// End reasons.
const (
	EndDevice      = "device_end"
	EndStopTimeout = "stop_timeout"
)

// Record is everything persisted for one finished session.
type Record struct {
	ID        string
	Group     string
	Profile   string
	StartTime time.Time
	EndTime   time.Time
	DeviceEnd int64
	Notes     string
	EndReason string

	Params []params.Param
	// Attributes are extra values reported by the device during the session.
	Attributes []Attribute
	Datasets   []Dataset
}

// Dataset looks up a dataset by name.
func (r *Record) Dataset(name string) (Dataset, bool) {
	for _, d := range r.Datasets {
		if d.Name == name {
			return d, true
		}
	}
	return Dataset{}, false
}

// Param looks up a parameter by name.
func (r *Record) Param(name string) (int, bool) {
	for _, p := range r.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return 0, false
}

// Attribute looks up an extra attribute by key.
func (r *Record) Attribute(key string) (Attribute, bool) {
	for _, a := range r.Attributes {
		if a.Key == key {
			return a, true
		}
	}
	return Attribute{}, false
}

// Attribute sources in the container.
const (
	sourceMeta  = "meta"
	sourceParam = "param"
	sourceExtra = "extra"
)

// Metadata attribute keys.
const (
	AttrSessionID = "session_id"
	AttrProfile   = "profile"
	AttrStartTime = "start_time"
	AttrEndTime   = "end_time"
	AttrDeviceEnd = "device_end"
	AttrNotes     = "notes"
	AttrEndReason = "end_reason"
)

type sourcedAttr struct {
	source string
	Attribute
}

// attributes flattens the record into the ordered attribute list written to
// the container.
func (r *Record) attributes() []sourcedAttr {
	out := []sourcedAttr{
		{sourceMeta, Text(AttrSessionID, r.ID)},
		{sourceMeta, Text(AttrProfile, r.Profile)},
		{sourceMeta, Text(AttrStartTime, r.StartTime.Format(time.RFC3339Nano))},
		{sourceMeta, Text(AttrEndTime, r.EndTime.Format(time.RFC3339Nano))},
		{sourceMeta, Int(AttrDeviceEnd, r.DeviceEnd)},
		{sourceMeta, Text(AttrNotes, r.Notes)},
		{sourceMeta, Text(AttrEndReason, r.EndReason)},
	}
	for _, p := range r.Params {
		out = append(out, sourcedAttr{sourceParam, Int(p.Name, int64(p.Value))})
	}
	for _, a := range r.Attributes {
		out = append(out, sourcedAttr{sourceExtra, a})
	}
	return out
}
