package report

import (
	"fmt"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/skobkin/jobmon/internal/sampler"
)

const (
	plotDPI  = 96
	bytesGiB = 1 << 30
)

type series struct {
	label string
	xys   plotter.XYs
}

// WritePlot renders stacked time-series panels as PNG: CPU, memory and, when
// any GPU value was recorded, GPU utilization. widthPx and heightPx are the
// image size in pixels.
func WritePlot(w io.Writer, samples []sampler.Sample, widthPx, heightPx int) error {
	if widthPx <= 0 || heightPx <= 0 {
		return fmt.Errorf("invalid plot size %dx%d", widthPx, heightPx)
	}

	var hostCPU, procCPU, ramUsed, procRSS, procGPU, gpuMem, gpuUtil plotter.XYs
	for _, s := range samples {
		x := s.Offset.Seconds()
		hostCPU = append(hostCPU, plotter.XY{X: x, Y: s.CPUPercent})
		ramUsed = append(ramUsed, plotter.XY{X: x, Y: float64(s.RAMUsedBytes) / bytesGiB})
		if s.ProcessCPUPercent != nil {
			procCPU = append(procCPU, plotter.XY{X: x, Y: *s.ProcessCPUPercent})
		}
		if s.ProcessRSSBytes != nil {
			procRSS = append(procRSS, plotter.XY{X: x, Y: float64(*s.ProcessRSSBytes) / bytesGiB})
		}
		if s.ProcessGPUMemoryBytes != nil {
			procGPU = append(procGPU, plotter.XY{X: x, Y: float64(*s.ProcessGPUMemoryBytes) / bytesGiB})
		}
		// Absent GPU values only drop points from the GPU series.
		if s.GPUMemoryUsedBytes != nil {
			gpuMem = append(gpuMem, plotter.XY{X: x, Y: float64(*s.GPUMemoryUsedBytes) / bytesGiB})
		}
		if s.GPUUtilizationPercent != nil {
			gpuUtil = append(gpuUtil, plotter.XY{X: x, Y: *s.GPUUtilizationPercent})
		}
	}

	cpuPanel, err := newPanel("CPU", "%", []series{{"host", hostCPU}, {"job", procCPU}})
	if err != nil {
		return err
	}
	memPanel, err := newPanel("Memory", "GiB", []series{{"RAM used", ramUsed}, {"job RSS", procRSS}, {"GPU memory", gpuMem}, {"job GPU memory", procGPU}})
	if err != nil {
		return err
	}
	panels := [][]*plot.Plot{{cpuPanel}, {memPanel}}

	if len(gpuUtil) > 0 {
		gpuPanel, err := newPanel("GPU utilization", "%", []series{{"GPU", gpuUtil}})
		if err != nil {
			return err
		}
		panels = append(panels, []*plot.Plot{gpuPanel})
	}

	width := vg.Length(widthPx) * vg.Inch / plotDPI
	height := vg.Length(heightPx) * vg.Inch / plotDPI
	img := vgimg.NewWith(vgimg.UseWH(width, height), vgimg.UseDPI(plotDPI))
	dc := draw.New(img)

	tiles := draw.Tiles{
		Rows:      len(panels),
		Cols:      1,
		PadTop:    vg.Millimeter * 2,
		PadBottom: vg.Millimeter * 2,
		PadLeft:   vg.Millimeter * 2,
		PadRight:  vg.Millimeter * 2,
		PadY:      vg.Millimeter * 4,
	}
	canvases := plot.Align(panels, tiles, dc)
	for row := range panels {
		panels[row][0].Draw(canvases[row][0])
	}

	png := vgimg.PngCanvas{Canvas: img}
	if _, err := png.WriteTo(w); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}

func newPanel(title, unit string, lines []series) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "elapsed (s)"
	p.Y.Label.Text = unit
	p.Y.Min = 0
	p.Legend.Top = true
	p.Legend.Left = true
	p.Add(plotter.NewGrid())

	for i, s := range lines {
		if len(s.xys) == 0 {
			continue
		}
		line, err := plotter.NewLine(s.xys)
		if err != nil {
			return nil, fmt.Errorf("build %s series %q: %w", title, s.label, err)
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(s.label, line)
	}
	return p, nil
}
