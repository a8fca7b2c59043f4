package task

import (
	"errors"
	"fmt"
)

var (
	ErrNilSearchContext = errors.New("search context is nil")
	ErrNilCompletion    = errors.New("completion target is nil")
	ErrAlreadyExecuted  = errors.New("task already executed")
	ErrNotExecuted      = errors.New("task has not finished executing")
	ErrAlreadyCompleted = errors.New("task already completed")

	ErrEmptyExport  = errors.New("export produced no data")
	ErrExportFailed = errors.New("export failed")
)

// MisuseError is the panic value for a violated task lifecycle: nil inputs,
// re-execution, or completion out of order.
type MisuseError struct {
	Op     string
	TaskID string
	State  State
	Err    error
}

func (e *MisuseError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("task misuse: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("task misuse: %s on %s (state %s): %v", e.Op, e.TaskID, e.State, e.Err)
}

func (e *MisuseError) Unwrap() error {
	return e.Err
}
