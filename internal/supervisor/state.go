package supervisor

// State is the run lifecycle: NotStarted -> Running -> Stopped -> Reported,
// with Failed reachable from any non-terminal state.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateStopped
	StateReported
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateReported:
		return "reported"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateReported || s == StateFailed
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// canTransition guards the lifecycle order.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return to == from+1
}
