package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/skobkin/jobmon/internal/app"
	"github.com/skobkin/jobmon/internal/sampler"
	"github.com/skobkin/jobmon/internal/supervisor"
)

func newProbeCommand(opts *rootOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Take one sample from every available source and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return usageError(err)
			}
			if err := cfg.Validate(); err != nil {
				return usageError(err)
			}

			logger := app.NewLogger(cfg, cmd.ErrOrStderr())
			result, err := app.Probe(cmd.Context(), logger, cfg)
			if err != nil {
				return &exitError{code: supervisor.ExitCode(supervisor.Outcome{}, err), err: err}
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), renderProbe(result, tableStyle(cmd.OutOrStdout())))
			return err
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit the probe result as JSON")
	return cmd
}

func renderProbe(result app.ProbeResult, style table.Style) string {
	s := result.Sample

	tw := table.NewWriter()
	tw.SetStyle(style)
	tw.AppendHeader(table.Row{"Metric", "Value"})
	tw.AppendRow(table.Row{"Sources", fmt.Sprint(result.Sources)})
	tw.AppendRow(table.Row{"Window", result.Window.Round(time.Millisecond).String()})
	tw.AppendRow(table.Row{"CPU", formatPercent(s.CPUPercent)})
	tw.AppendRow(table.Row{"RAM used", humanize.IBytes(s.RAMUsedBytes)})
	tw.AppendRow(table.Row{"RAM available", humanize.IBytes(s.RAMAvailableBytes)})
	if result.RAMTotalBytes > 0 {
		tw.AppendRow(table.Row{"RAM total", humanize.IBytes(result.RAMTotalBytes)})
	}
	if s.GPUMemoryUsedBytes != nil {
		tw.AppendRow(table.Row{"GPU memory", humanize.IBytes(*s.GPUMemoryUsedBytes)})
	}
	if s.GPUUtilizationPercent != nil {
		tw.AppendRow(table.Row{"GPU utilization", formatPercent(*s.GPUUtilizationPercent)})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})

	out := tw.Render()
	if len(s.GPUs) == 0 {
		return out + "\nNo GPU data available"
	}
	return out + "\n\n" + renderProbeDevices(s.GPUs, style)
}

func renderProbeDevices(devices []sampler.Device, style table.Style) string {
	tw := table.NewWriter()
	tw.SetStyle(style)
	tw.AppendHeader(table.Row{"GPU", "Vendor", "Name", "Memory", "Utilization"})
	for _, dev := range devices {
		memory := "-"
		switch {
		case dev.MemoryUsedBytes != nil && dev.MemoryTotalBytes != nil:
			memory = humanize.IBytes(*dev.MemoryUsedBytes) + " / " + humanize.IBytes(*dev.MemoryTotalBytes)
		case dev.MemoryUsedBytes != nil:
			memory = humanize.IBytes(*dev.MemoryUsedBytes)
		}
		util := "-"
		if dev.UtilizationPercent != nil {
			util = formatPercent(*dev.UtilizationPercent)
		}
		tw.AppendRow(table.Row{dev.ID, dev.Vendor, dev.Name, memory, util})
	}
	return tw.Render()
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64) + "%"
}

// tableStyle picks box drawing for terminals and plain ASCII otherwise.
func tableStyle(w io.Writer) table.Style {
	file, ok := w.(*os.File)
	if !ok {
		return table.StyleDefault
	}
	fd := file.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return table.StyleRounded
	}
	return table.StyleDefault
}
