package container

// State is one container's position in the lifecycle state machine.
type State string

const (
	StateCreating State = "creating"
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateRemoving State = "removing"
	StateRemoved  State = "removed"
	StateError    State = "error"
)

// stateRank orders the states along the forward path so transitions can be
// checked for monotonicity. Error is a sink reachable from anywhere and is
// not part of the linear rank.
var stateRank = map[State]int{
	StateCreating: 0,
	StateCreated:  1,
	StateStarting: 2,
	StateRunning:  3,
	StateStopping: 4,
	StateStopped:  5,
	StateRemoving: 6,
	StateRemoved:  7,
}

// canTransition reports whether moving from `from` to `to` is allowed:
// strictly forward along the rank, or into Error from any non-terminal
// state. A same-state transition is always allowed. Removed and Error are
// terminal.
func canTransition(from, to State) bool {
	if from == to {
		return true
	}
	if from == StateRemoved || from == StateError {
		return false
	}
	if to == StateError {
		return true
	}
	fromRank, ok := stateRank[from]
	if !ok {
		return false
	}
	toRank, ok := stateRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}
