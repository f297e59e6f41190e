package session

import "encoding/json"

// State is the session lifecycle state.
type State int

const (
	Closed State = iota
	Opening
	Open
	Running
	Stopping
)

var stateNames = map[State]string{
	Closed:   "closed",
	Opening:  "opening",
	Open:     "open",
	Running:  "running",
	Stopping: "stopping",
}

var stateFromName = map[string]State{
	"closed":   Closed,
	"opening":  Opening,
	"open":     Open,
	"running":  Running,
	"stopping": Stopping,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := stateFromName[n]; ok {
		*s = v
	}
	return nil
}

// Capabilities lists the operator actions a front end may offer in a state.
type Capabilities struct {
	Open       bool `json:"open"`
	Close      bool `json:"close"`
	Start      bool `json:"start"`
	Stop       bool `json:"stop"`
	Trigger    bool `json:"trigger"`
	EditParams bool `json:"editParams"`
	// Reset acknowledges a session that ended in error.
	Reset bool `json:"reset"`
}

var capabilities = map[State]Capabilities{
	Closed:   {Open: true, EditParams: true},
	Opening:  {},
	Open:     {Close: true, Start: true},
	Running:  {Stop: true, Trigger: true},
	Stopping: {Reset: true},
}

// Capabilities returns what is enabled in s.
func (s State) Capabilities() Capabilities {
	return capabilities[s]
}
