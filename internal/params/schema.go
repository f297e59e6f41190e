package params

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Field declares one parameter of a profile and its default value.
type Field struct {
	Name    string `yaml:"name" json:"name" toml:"name"`
	Default int    `yaml:"default" json:"default" toml:"default"`
	Help    string `yaml:"help,omitempty" json:"help,omitempty" toml:"help,omitempty"`
}

// Schema is the ordered parameter declaration of a profile.
type Schema []Field

// Names returns the field names in declaration order.
func (sc Schema) Names() []string {
	out := make([]string, len(sc))
	for i, f := range sc {
		out[i] = f.Name
	}
	return out
}

// Bind builds a Set in schema order, taking values from overrides where
// present and from the field defaults otherwise.
func (sc Schema) Bind(overrides map[string]int) (*Set, error) {
	known := make(map[string]bool, len(sc))
	ps := make([]Param, len(sc))
	for i, f := range sc {
		known[f.Name] = true
		v := f.Default
		if o, ok := overrides[f.Name]; ok {
			v = o
		}
		ps[i] = Param{Name: f.Name, Value: v}
	}

	var unknown []string
	for name := range overrides {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("params: unknown parameter(s): %s", strings.Join(unknown, ", "))
	}
	return New(ps)
}

// ParseAssignments parses "name=value" strings (as given on the command line).
func ParseAssignments(args []string) (map[string]int, error) {
	out := make(map[string]int, len(args))
	for _, a := range args {
		name, val, ok := strings.Cut(a, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("params: %q is not name=value", a)
		}
		v, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf("params: %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}
