// Package params holds the ordered integer configuration uploaded to the
// device before a session starts.
//
// Order is part of the wire format: values are sent positionally, joined by
// Delimiter, so a Set is always a list and never a map.
package params

import (
	"fmt"
	"strconv"
	"strings"
)

// Delimiter separates values on the wire, e.g. "3+5000+50".
const Delimiter = "+"

// Param is one named value.
type Param struct {
	Name  string `yaml:"name" json:"name" toml:"name"`
	Value int    `yaml:"value" json:"value" toml:"value"`
}

// Set is an immutable, ordered list of Params.
type Set struct {
	params []Param
	index  map[string]int
}

// New builds a Set from params in the given order.
func New(ps []Param) (*Set, error) {
	s := &Set{
		params: make([]Param, len(ps)),
		index:  make(map[string]int, len(ps)),
	}
	for i, p := range ps {
		if p.Name == "" {
			return nil, fmt.Errorf("params: entry %d has no name", i)
		}
		if _, dup := s.index[p.Name]; dup {
			return nil, fmt.Errorf("params: duplicate name %q", p.Name)
		}
		s.index[p.Name] = i
		s.params[i] = p
	}
	return s, nil
}

// Len returns the number of entries.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.params)
}

// Get returns the value stored under name.
func (s *Set) Get(name string) (int, bool) {
	if s == nil {
		return 0, false
	}
	i, ok := s.index[name]
	if !ok {
		return 0, false
	}
	return s.params[i].Value, true
}

// Params returns a copy of the entries in order.
func (s *Set) Params() []Param {
	if s == nil {
		return nil
	}
	out := make([]Param, len(s.params))
	copy(out, s.params)
	return out
}

// Names returns the entry names in order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.params))
	for i, p := range s.params {
		out[i] = p.Name
	}
	return out
}

// Values returns the entry values in order.
func (s *Set) Values() []int {
	if s == nil {
		return nil
	}
	out := make([]int, len(s.params))
	for i, p := range s.params {
		out[i] = p.Value
	}
	return out
}

// Encode serializes the values for the wire, without a line terminator.
func (s *Set) Encode() string {
	vals := s.Values()
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, Delimiter)
}

// DecodeValues parses a Delimiter-joined line of decimal integers.
func DecodeValues(line string) ([]int, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	parts := strings.Split(line, Delimiter)
	out := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("params: value %d (%q): %w", i, p, err)
		}
		out[i] = v
	}
	return out, nil
}

// Decode parses an encoded line and names the values positionally.
func Decode(names []string, line string) (*Set, error) {
	vals, err := DecodeValues(line)
	if err != nil {
		return nil, err
	}
	if len(vals) != len(names) {
		return nil, fmt.Errorf("params: got %d values for %d names", len(vals), len(names))
	}
	ps := make([]Param, len(names))
	for i, n := range names {
		ps[i] = Param{Name: n, Value: vals[i]}
	}
	return New(ps)
}
