package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/jedib0t/go-pretty/v6/table"
)

const (
	TextFilename = "summary.txt"
	JSONFilename = "summary.json"
	PlotFilename = "usage.png"
	lockFilename = ".jobmon.lock"

	defaultPlotWidth  = 1280
	defaultPlotHeight = 960
)

// ErrOutputLocked is returned when another run holds the output directory.
var ErrOutputLocked = errors.New("output directory is locked by another run")

// Artifacts lists the files a generation wrote. Missing entries were not
// written.
type Artifacts struct {
	Text string `json:"text,omitempty"`
	JSON string `json:"json,omitempty"`
	Plot string `json:"plot,omitempty"`
}

// Options configures a Generator.
type Options struct {
	OutputDir  string
	PlotWidth  int
	PlotHeight int
	Logger     *slog.Logger
}

// Generator writes the report artifacts for a finished run.
type Generator struct {
	dir        string
	plotWidth  int
	plotHeight int
	logger     *slog.Logger
}

// NewGenerator validates options and returns a Generator.
func NewGenerator(opts Options) (*Generator, error) {
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	width, height := opts.PlotWidth, opts.PlotHeight
	if width <= 0 {
		width = defaultPlotWidth
	}
	if height <= 0 {
		height = defaultPlotHeight
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		dir:        opts.OutputDir,
		plotWidth:  width,
		plotHeight: height,
		logger:     logger.With("component", "report"),
	}, nil
}

// Dir returns the output directory.
func (g *Generator) Dir() string { return g.dir }

// Generate summarizes the run and writes summary.txt, summary.json and
// usage.png in that order. Each file is written to a temp file and renamed
// into place. On error the artifacts written so far are returned.
func (g *Generator) Generate(ctx context.Context, in Input) (Summary, Artifacts, error) {
	summary := Summarize(in)
	var artifacts Artifacts

	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return summary, artifacts, fmt.Errorf("create output directory: %w", err)
	}

	lock := flock.New(filepath.Join(g.dir, lockFilename))
	locked, err := lock.TryLock()
	if err != nil {
		return summary, artifacts, fmt.Errorf("lock output directory: %w", err)
	}
	if !locked {
		return summary, artifacts, ErrOutputLocked
	}
	defer func() {
		// Removed while still held so only the artifacts remain.
		if err := os.Remove(lock.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
			g.logger.Warn("failed to remove output lock", "err", err)
		}
		if err := lock.Unlock(); err != nil {
			g.logger.Warn("failed to release output lock", "err", err)
		}
	}()

	textPath := filepath.Join(g.dir, TextFilename)
	if err := writeAtomic(textPath, func(w io.Writer) error {
		_, err := io.WriteString(w, RenderText(summary, table.StyleDefault))
		return err
	}); err != nil {
		return summary, artifacts, fmt.Errorf("write text summary: %w", err)
	}
	artifacts.Text = textPath

	if err := ctx.Err(); err != nil {
		return summary, artifacts, err
	}

	jsonPath := filepath.Join(g.dir, JSONFilename)
	if err := writeAtomic(jsonPath, func(w io.Writer) error {
		return WriteJSON(w, summary)
	}); err != nil {
		return summary, artifacts, fmt.Errorf("write json summary: %w", err)
	}
	artifacts.JSON = jsonPath

	if err := ctx.Err(); err != nil {
		return summary, artifacts, err
	}

	plotPath := filepath.Join(g.dir, PlotFilename)
	if err := writeAtomic(plotPath, func(w io.Writer) error {
		return WritePlot(w, in.Samples, g.plotWidth, g.plotHeight)
	}); err != nil {
		return summary, artifacts, fmt.Errorf("write plot: %w", err)
	}
	artifacts.Plot = plotPath

	g.logger.Info("report written",
		"dir", g.dir,
		"samples", summary.SampleCount,
	)
	return summary, artifacts, nil
}

// writeAtomic renders into memory, writes a temp file next to path and
// renames it over path.
func writeAtomic(path string, render func(io.Writer) error) error {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
