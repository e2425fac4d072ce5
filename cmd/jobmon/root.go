package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/skobkin/jobmon/internal/config"
)

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "jobmon",
		Short:         "Run a job and report its CPU, RAM and GPU usage",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Configuration file path (TOML)")

	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newProbeCommand(opts))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	return config.Load(strings.TrimSpace(o.configPath))
}
