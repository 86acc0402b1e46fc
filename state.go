package delivery

import "fmt"

// State is the delivery state of a process document.
type State uint8

const (
	// StatePending indicates the job is waiting to be claimed.
	StatePending State = iota + 1
	// StateProcessing indicates the job is claimed and its lease is running.
	StateProcessing
	// StateSuccess indicates the delivery action completed; terminal.
	StateSuccess
	// StateError indicates the delivery action failed or the lease expired; terminal until retried.
	StateError
	// StateRetry indicates an operator requested another attempt after an error.
	StateRetry
)

var stateNames = map[State]string{
	StatePending:    "PENDING",
	StateProcessing: "PROCESSING",
	StateSuccess:    "SUCCESS",
	StateError:      "ERROR",
	StateRetry:      "RETRY",
}

// ParseState parses the persisted representation of a State.
func ParseState(s string) (State, error) {
	for state, name := range stateNames {
		if name == s {
			return state, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrInvalidState, s)
}

// String returns the persisted name of the state.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("State(%d)", uint8(s))
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// IsTerminal reports whether no automatic transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateSuccess || s == StateError
}

// Dispatchable reports whether a notification in state s triggers a claim.
func (s State) Dispatchable() bool {
	return s == StatePending || s == StateRetry
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidState, uint8(s))
	}

	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed

	return nil
}
