package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

const noData = "no data"

// RenderText formats the summary as a set of tables. summary.txt uses the
// plain ASCII style; terminals get table.StyleRounded.
func RenderText(s Summary, style table.Style) string {
	var b strings.Builder

	b.WriteString(renderRun(s, style))
	b.WriteString("\n\n")

	if !s.HasData() {
		b.WriteString("Resource usage: " + noData + " (the job finished before the first sample)\n")
		return b.String()
	}

	b.WriteString(renderUsage(s, style))
	b.WriteString("\n")

	if len(s.GPUs) > 0 {
		b.WriteString("\n")
		b.WriteString(renderDevices(s, style))
		b.WriteString("\n")
	}
	return b.String()
}

func renderRun(s Summary, style table.Style) string {
	tw := table.NewWriter()
	tw.SetStyle(style)
	tw.SetTitle("Run")

	tw.AppendRow(table.Row{"Run ID", s.RunID})
	tw.AppendRow(table.Row{"Command", strings.Join(s.Command, " ")})
	tw.AppendRow(table.Row{"Started", s.StartedAt.Format(time.RFC3339)})
	tw.AppendRow(table.Row{"Duration", formatSeconds(s.DurationSeconds)})
	tw.AppendRow(table.Row{"Interval", formatSeconds(s.IntervalSeconds)})
	tw.AppendRow(table.Row{"Samples", strconv.Itoa(s.SampleCount)})
	tw.AppendRow(table.Row{"Exit status", exitStatus(s)})
	if s.RAMTotalBytes > 0 {
		tw.AppendRow(table.Row{"RAM total", humanize.IBytes(s.RAMTotalBytes)})
	}
	return tw.Render()
}

func renderUsage(s Summary, style table.Style) string {
	tw := table.NewWriter()
	tw.SetStyle(style)
	tw.SetTitle("Resource usage")
	tw.AppendHeader(table.Row{"Metric", "Peak", "Average", "Min"})

	appendStat(tw, "CPU", s.CPU, formatPercent)
	appendStat(tw, "RAM used", s.RAMUsed, formatBytes)
	appendStat(tw, "RAM available", s.RAMAvailable, formatBytes)
	if s.ProcessCPU != nil || s.ProcessRSS != nil {
		appendStat(tw, "Job CPU", s.ProcessCPU, formatPercent)
		appendStat(tw, "Job RSS", s.ProcessRSS, formatBytes)
	}
	if s.ProcessGPUMem != nil {
		appendStat(tw, "Job GPU memory", s.ProcessGPUMem, formatBytes)
	}
	if s.HasGPU() {
		appendStat(tw, "GPU memory", s.GPUMemory, formatBytes)
		appendStat(tw, "GPU utilization", s.GPUUtilization, formatPercent)
	}

	tw.SetColumnConfigs(rightAligned(2, 3, 4))
	return tw.Render()
}

func renderDevices(s Summary, style table.Style) string {
	tw := table.NewWriter()
	tw.SetStyle(style)
	tw.SetTitle("GPUs")
	tw.AppendHeader(table.Row{"Device", "Name", "Memory peak", "Memory free min", "Memory total", "Utilization peak", "Utilization avg", "Memory busy peak"})

	for _, dev := range s.GPUs {
		memPeak, freeMin, utilPeak, utilAvg, memBusy := noData, noData, noData, noData, noData
		if dev.MemoryUsedBytes != nil {
			memPeak = formatBytes(dev.MemoryUsedBytes.Peak)
		}
		if dev.MemoryFreeBytes != nil {
			freeMin = formatBytes(dev.MemoryFreeBytes.Min)
		}
		if dev.Utilization != nil {
			utilPeak = formatPercent(dev.Utilization.Peak)
			utilAvg = formatPercent(dev.Utilization.Average)
		}
		if dev.MemoryUtilization != nil {
			memBusy = formatPercent(dev.MemoryUtilization.Peak)
		}
		total := "-"
		if dev.MemoryTotalBytes != nil {
			total = humanize.IBytes(*dev.MemoryTotalBytes)
		}
		tw.AppendRow(table.Row{dev.ID, dev.Name, memPeak, freeMin, total, utilPeak, utilAvg, memBusy})
	}

	tw.SetColumnConfigs(rightAligned(3, 4, 5, 6, 7, 8))
	return tw.Render()
}

func appendStat(tw table.Writer, label string, stat *Stat, format func(float64) string) {
	if stat == nil {
		tw.AppendRow(table.Row{label, noData, noData, noData})
		return
	}
	tw.AppendRow(table.Row{label, format(stat.Peak), format(stat.Average), format(stat.Min)})
}

func rightAligned(columns ...int) []table.ColumnConfig {
	configs := make([]table.ColumnConfig, 0, len(columns))
	for _, n := range columns {
		configs = append(configs, table.ColumnConfig{
			Number:      n,
			Align:       text.AlignRight,
			AlignHeader: text.AlignLeft,
		})
	}
	return configs
}

func exitStatus(s Summary) string {
	switch {
	case s.Cancelled:
		return "cancelled"
	case s.Signal != "":
		return "killed by " + s.Signal
	default:
		return strconv.Itoa(s.ExitCode)
	}
}

func formatPercent(v float64) string {
	return fmt.Sprintf("%.1f%%", v)
}

func formatBytes(v float64) string {
	if v < 0 {
		v = 0
	}
	return humanize.IBytes(uint64(v))
}

func formatSeconds(v float64) string {
	return (time.Duration(v * float64(time.Second))).Round(time.Millisecond).String()
}
