package supervisor

import "fmt"

// State is a project's lifecycle state. Transitions are guarded by the
// table below; anything not listed is rejected, so a project can never be
// simultaneously starting and crashed or similar.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
	StateFailed
)

var stateNames = map[State]string{
	StateStopped:  "stopped",
	StateStarting: "starting",
	StateRunning:  "running",
	StateStopping: "stopping",
	StateCrashed:  "crashed",
	StateFailed:   "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Terminal reports whether the state ends a run. Any terminal state may
// transition back to Starting on a new start request.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateCrashed || s == StateFailed
}

// Live reports whether an OS process exists in this state.
func (s State) Live() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

var transitions = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateStopping, StateCrashed, StateFailed},
	StateRunning:  {StateStopping, StateCrashed},
	StateStopping: {StateStopped},
	StateCrashed:  {StateStarting},
	StateFailed:   {StateStarting},
}

func canTransition(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
