package task

import "fmt"

// State is a point in the ExportTask lifecycle:
// Created -> Executing -> (Succeeded | Failed) -> Completed.
type State int32

const (
	StateCreated State = iota
	StateExecuting
	StateSucceeded
	StateFailed
	StateCompleted
)

var stateNames = map[State]string{
	StateCreated:   "created",
	StateExecuting: "executing",
	StateSucceeded: "succeeded",
	StateFailed:    "failed",
	StateCompleted: "completed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether Execute has finished.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCompleted
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
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

// ParseState converts a state name back to a State.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return StateCreated, fmt.Errorf("unknown task state: %s", name)
}
