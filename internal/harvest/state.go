package harvest

import "fmt"

// State is the harvester lifecycle state.
type State int

const (
	Idle State = iota
	Starting
	Tailing
	Reading
	Dispatching
	Stopping
	Stopped
)

var stateNames = [...]string{
	Idle:        "idle",
	Starting:    "starting",
	Tailing:     "tailing",
	Reading:     "reading",
	Dispatching: "dispatching",
	Stopping:    "stopping",
	Stopped:     "stopped",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}
