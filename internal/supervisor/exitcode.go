package supervisor

import (
	"errors"
	"io/fs"
	"os/exec"

	"github.com/skobkin/jobmon/internal/sampler"
)

// Process exit codes.
const (
	ExitOK           = 0
	ExitUsage        = 2
	ExitReporting    = 70
	ExitSampling     = 71
	ExitCannotRun    = 126
	ExitNotFound     = 127
	ExitSignalBase   = 128
	ExitInterrupted  = 130
	exitChildUnknown = 1
)

// ExitCode maps a run result to the process exit code. The child's own
// failure takes precedence over a reporting failure.
func ExitCode(out Outcome, err error) int {
	var launchErr *LaunchError
	var samplingErr *sampler.SamplingError

	switch {
	case errors.Is(err, ErrInvalidInterval), errors.Is(err, ErrEmptyCommand):
		return ExitUsage
	case errors.As(err, &launchErr):
		if errors.Is(launchErr.Err, fs.ErrPermission) {
			return ExitCannotRun
		}
		if errors.Is(launchErr.Err, exec.ErrNotFound) || errors.Is(launchErr.Err, fs.ErrNotExist) {
			return ExitNotFound
		}
		return ExitCannotRun
	case errors.As(err, &samplingErr):
		return ExitSampling
	}

	switch {
	case out.Cancelled:
		return ExitInterrupted
	case out.SignalNumber > 0:
		return ExitSignalBase + out.SignalNumber
	case out.ExitCode > 0:
		return out.ExitCode
	case out.ExitCode < 0:
		return exitChildUnknown
	}

	var reportingErr *ReportingError
	if errors.As(err, &reportingErr) {
		return ExitReporting
	}
	if err != nil {
		return exitChildUnknown
	}
	return ExitOK
}
