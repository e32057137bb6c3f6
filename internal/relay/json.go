package relay

import "sort"

// StateJSON is the wire form of one channel state.
type StateJSON struct {
	RelayNumber int `json:"relay_number"`
	State       int `json:"state"`
}

// ResponseJSON is the /relay-state response body. Failures carry only
// Success=false and Error.
type ResponseJSON struct {
	Success bool        `json:"success"`
	States  []StateJSON `json:"states,omitempty"`
	Partial bool        `json:"partial,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// FormatStates converts a snapshot to its wire form.
func FormatStates(s Snapshot) []StateJSON {
	out := make([]StateJSON, 0, len(s.States))
	for _, cs := range s.States {
		v := 0
		if cs.On {
			v = 1
		}
		out = append(out, StateJSON{RelayNumber: cs.ID, State: v})
	}
	return out
}

// ParseStates converts wire states back to a snapshot ordered by id.
// Any non-zero state is on.
func ParseStates(states []StateJSON) Snapshot {
	s := Snapshot{States: make([]ChannelState, 0, len(states))}
	for _, st := range states {
		s.States = append(s.States, ChannelState{ID: st.RelayNumber, On: st.State != 0})
	}
	sort.Slice(s.States, func(i, j int) bool { return s.States[i].ID < s.States[j].ID })
	return s
}
