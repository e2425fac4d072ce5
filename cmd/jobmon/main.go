package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/skobkin/jobmon/internal/supervisor"
	"github.com/skobkin/jobmon/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

func main() {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the CLI and maps the result to a process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return supervisor.ExitOK
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil && !exitErr.logged {
			fmt.Fprintln(cmd.ErrOrStderr(), "jobmon:", exitErr.err)
		}
		return exitErr.code
	}

	// Anything else comes from flag or argument parsing.
	fmt.Fprintln(cmd.ErrOrStderr(), "jobmon:", err)
	return supervisor.ExitUsage
}

// exitError carries a specific exit code out of a command.
type exitError struct {
	code   int
	err    error
	logged bool
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error {
	return &exitError{code: supervisor.ExitUsage, err: err}
}
