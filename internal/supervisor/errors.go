package supervisor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidInterval is returned by New for a non-positive interval.
	ErrInvalidInterval = errors.New("sampling interval must be > 0")
	// ErrEmptyCommand is wrapped in a LaunchError when no command is given.
	ErrEmptyCommand = errors.New("no command to run")
	// ErrAlreadyRun is returned when Run is called twice on one Supervisor.
	ErrAlreadyRun = errors.New("supervisor already ran")
)

// LaunchError means the child process could not be started. No samples were
// taken and no report was written.
type LaunchError struct {
	Command []string
	Err     error
}

func (e *LaunchError) Error() string {
	if len(e.Command) == 0 {
		return fmt.Sprintf("launch: %v", e.Err)
	}
	return fmt.Sprintf("launch %q: %v", strings.Join(e.Command, " "), e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ReportingError means the report could not be fully written. The child's
// outcome is still valid.
type ReportingError struct {
	Err error
}

func (e *ReportingError) Error() string {
	return fmt.Sprintf("write report: %v", e.Err)
}

func (e *ReportingError) Unwrap() error { return e.Err }
