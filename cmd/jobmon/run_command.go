package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/skobkin/jobmon/internal/app"
	"github.com/skobkin/jobmon/internal/config"
	"github.com/skobkin/jobmon/internal/report"
	"github.com/skobkin/jobmon/internal/supervisor"
)

type runFlags struct {
	interval  time.Duration
	output    string
	logLevel  string
	grace     time.Duration
	listen    string
	noGPU     bool
	noProcess bool
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run [flags] [--] <command> [args...]",
		Short: "Run a command while sampling resource usage",
		Long: "Run a command as a child process, sample host and GPU usage at a fixed\n" +
			"interval while it runs, and write a text summary, a JSON summary and a\n" +
			"usage plot to the output directory when it ends.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return usageError(err)
			}
			if err := applyRunFlags(cmd, &cfg, flags); err != nil {
				return usageError(err)
			}
			if err := cfg.Validate(); err != nil {
				return usageError(err)
			}

			logger := app.NewLogger(cfg, cmd.ErrOrStderr())
			out, runErr := app.Run(cmd.Context(), logger, cfg, args)
			if out.Summary != nil {
				printSummary(cmd.OutOrStdout(), *out.Summary)
			}
			if out.Artifacts.Text != "" {
				logger.Info("report written",
					"text", out.Artifacts.Text,
					"json", out.Artifacts.JSON,
					"plot", out.Artifacts.Plot,
				)
			}

			code := supervisor.ExitCode(out, runErr)
			if runErr != nil {
				logger.Error("run failed", "err", runErr, "exit_code", code)
			}
			if code != supervisor.ExitOK {
				return &exitError{code: code, err: runErr, logged: true}
			}
			return nil
		},
	}

	// Flags after the command name belong to the command.
	cmd.Flags().SetInterspersed(false)

	cmd.Flags().DurationVarP(&flags.interval, "interval", "i", time.Second, "Sampling interval")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "resource_report", "Output directory for the report")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().DurationVar(&flags.grace, "grace", 10*time.Second, "Time the job gets to exit after SIGTERM before it is killed")
	cmd.Flags().StringVar(&flags.listen, "listen", "", "Serve live metrics on this address while the job runs")
	cmd.Flags().BoolVar(&flags.noGPU, "no-gpu", false, "Disable GPU sampling")
	cmd.Flags().BoolVar(&flags.noProcess, "no-process", false, "Disable per-process sampling of the job")

	return cmd
}

// applyRunFlags overrides cfg with flags set explicitly on the command line.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, flags runFlags) error {
	changed := cmd.Flags().Changed

	if changed("interval") {
		cfg.SampleInterval = flags.interval
	}
	if changed("output") {
		cfg.OutputDir = flags.output
	}
	if changed("log-level") {
		level, err := config.ParseLogLevel(flags.logLevel)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}
	if changed("grace") {
		cfg.TerminateGrace = flags.grace
	}
	if changed("listen") {
		cfg.ListenAddr = flags.listen
	}
	if changed("no-gpu") && flags.noGPU {
		cfg.GPU.Enable = false
	}
	if changed("no-process") && flags.noProcess {
		cfg.Process.Enable = false
	}
	return nil
}

func printSummary(w io.Writer, s report.Summary) {
	fmt.Fprint(w, "\n"+report.RenderText(s, tableStyle(w)))
}
