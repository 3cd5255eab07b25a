// Package monitor renders voxel grid occupancy as PNG plots.
package monitor

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/voxelizer/internal/lidar/voxel"
)

// ErrNoVoxels is returned when there is nothing to plot.
var ErrNoVoxels = errors.New("monitor: result has no voxels")

// PlotOccupancy writes a histogram of points per voxel for one result to
// path. The image format follows the file extension.
func PlotOccupancy(res voxel.Result, title, path string) error {
	if res.NumVoxels == 0 {
		return ErrNoVoxels
	}

	values := make(plotter.Values, res.NumVoxels)
	peak := 1
	for i, c := range res.NumPoints[:res.NumVoxels] {
		values[i] = float64(c)
		if int(c) > peak {
			peak = int(c)
		}
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Points per voxel"
	p.Y.Label.Text = "Voxels"

	hist, err := plotter.NewHist(values, peak)
	if err != nil {
		return fmt.Errorf("failed to build histogram: %w", err)
	}
	hist.FillColor = color.RGBA{R: 70, G: 130, B: 180, A: 255}
	p.Add(hist)

	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

// FrameSample is the occupancy summary of one voxelized frame.
type FrameSample struct {
	FrameIdx  int
	NumVoxels int
	Retained  int
	Dropped   int
	Saturated bool
}

// OccupancyPlotter records per-frame occupancy over a sequence of frames and
// plots it once the sequence is done.
type OccupancyPlotter struct {
	mu        sync.Mutex
	enabled   bool
	outputDir string
	name      string
	samples   []FrameSample
}

// NewOccupancyPlotter creates a plotter whose files are prefixed with name.
func NewOccupancyPlotter(name string) *OccupancyPlotter {
	return &OccupancyPlotter{name: name}
}

// Start enables sampling into outputDir, creating it if needed, and discards
// earlier samples.
func (op *OccupancyPlotter) Start(outputDir string) error {
	op.mu.Lock()
	defer op.mu.Unlock()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	op.outputDir = outputDir
	op.enabled = true
	op.samples = op.samples[:0]
	return nil
}

// Stop disables sampling. Call GeneratePlots to produce output files.
func (op *OccupancyPlotter) Stop() {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.enabled = false
}

// IsEnabled returns true if the plotter is currently recording.
func (op *OccupancyPlotter) IsEnabled() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.enabled
}

// Sample records the next frame. It is a no-op while stopped.
func (op *OccupancyPlotter) Sample(res voxel.Result) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if !op.enabled {
		return
	}
	op.samples = append(op.samples, FrameSample{
		FrameIdx:  len(op.samples),
		NumVoxels: res.NumVoxels,
		Retained:  res.Stats.Retained,
		Dropped:   res.Stats.Dropped(),
		Saturated: res.Saturated(),
	})
}

// Samples returns a copy of the recorded frames.
func (op *OccupancyPlotter) Samples() []FrameSample {
	op.mu.Lock()
	defer op.mu.Unlock()
	return append([]FrameSample(nil), op.samples...)
}

// GeneratePlots writes <name>_occupancy.png with voxels, retained and dropped
// points per frame, and returns its path.
func (op *OccupancyPlotter) GeneratePlots() (string, error) {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.outputDir == "" {
		return "", errors.New("monitor: plotter was never started")
	}
	if len(op.samples) == 0 {
		return "", errors.New("monitor: no frames sampled")
	}

	series := []struct {
		label string
		value func(FrameSample) int
	}{
		{"voxels", func(s FrameSample) int { return s.NumVoxels }},
		{"retained", func(s FrameSample) int { return s.Retained }},
		{"dropped", func(s FrameSample) int { return s.Dropped }},
	}
	colors := generateColors(len(series))

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s occupancy", op.name)
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Count"

	for i, s := range series {
		pts := make(plotter.XYs, len(op.samples))
		for j, sample := range op.samples {
			pts[j] = plotter.XY{X: float64(sample.FrameIdx), Y: float64(s.value(sample))}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return "", fmt.Errorf("failed to build %s line: %w", s.label, err)
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(s.label, line)
	}

	file := filepath.Join(op.outputDir, fmt.Sprintf("%s_occupancy.png", op.name))
	if err := p.Save(14*vg.Inch, 6*vg.Inch, file); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", file, err)
	}
	return file, nil
}

// generateColors creates a palette of distinct colors for series lines.
func generateColors(n int) []color.Color {
	colors := make([]color.Color, n)
	for i := range colors {
		hue := float64(i) / float64(max(n, 1))
		r := uint8(255 * clamp01(1-3*hue))
		g := uint8(255 * clamp01(1-3*abs(hue-1.0/3)))
		b := uint8(255 * clamp01(1-3*abs(hue-2.0/3)))
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
