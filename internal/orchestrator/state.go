package orchestrator

import "fmt"

// State is the run state of the orchestrator.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Mode selects which targets a run iterates.
type Mode string

const (
	ModeFull  Mode = "full"
	ModeRetry Mode = "retry"
)

// ValidateTransition checks if a state transition is valid.
func ValidateTransition(from, to State) error {
	validTransitions := map[State][]State{
		StateIdle: {
			StateRunning, // run accepted
		},
		StateRunning: {
			StateStopping, // stop requested
			StateIdle,     // loop finished
		},
		StateStopping: {
			StateIdle, // loop observed the stop signal
		},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid state transition from %s to %s", from, to)
}
