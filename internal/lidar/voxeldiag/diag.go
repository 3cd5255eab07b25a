// Package voxeldiag runs a voxel grid through a matrix of capacity settings
// on a random point cloud and reports, per setting, whether the grid could be
// built and used and how full it got.
package voxeldiag

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/voxelizer/internal/config"
	"github.com/banshee-data/voxelizer/internal/lidar/voxel"
	"github.com/banshee-data/voxelizer/internal/monitoring"
	"github.com/banshee-data/voxelizer/internal/timeutil"
)

var logf = monitoring.Prefixed("voxeldiag")

// Geometry is the part of voxel.Params shared by every case of a run.
type Geometry struct {
	VoxelSize        [3]float64
	CoordsRange      [6]float64
	NumPointFeatures int
}

// DefaultGeometry is a 0.32m x 0.32m x 4m pillar grid over a
// 69.12m x 79.36m forward field of view with x, y, z, intensity points.
func DefaultGeometry() Geometry {
	return Geometry{
		VoxelSize:        [3]float64{0.32, 0.32, 4.0},
		CoordsRange:      [6]float64{0.0, -39.68, -3.0, 69.12, 39.68, 1.0},
		NumPointFeatures: 4,
	}
}

// GeometryFromConfig takes the geometry of a loaded VoxelConfig.
func GeometryFromConfig(cfg *config.VoxelConfig) Geometry {
	return Geometry{
		VoxelSize:        cfg.GetVoxelSize(),
		CoordsRange:      cfg.GetCoordsRange(),
		NumPointFeatures: cfg.GetNumPointFeatures(),
	}
}

// Params combines the geometry with one case's capacities.
func (g Geometry) Params(c Case) voxel.Params {
	return voxel.Params{
		VoxelSize:         g.VoxelSize,
		CoordsRange:       g.CoordsRange,
		NumPointFeatures:  g.NumPointFeatures,
		MaxPointsPerVoxel: c.MaxPointsPerVoxel,
		MaxNumVoxels:      c.MaxNumVoxels,
	}
}

// Case is one capacity setting to exercise.
type Case struct {
	Name              string
	MaxPointsPerVoxel voxel.Capacity
	MaxNumVoxels      voxel.Capacity
}

// DefaultCases returns the standard matrix, from a small preallocation up to
// dynamic points per voxel.
func DefaultCases() []Case {
	return []Case{
		{Name: "Small safe", MaxPointsPerVoxel: voxel.Bounded(5), MaxNumVoxels: voxel.Bounded(1000)},
		{Name: "Medium", MaxPointsPerVoxel: voxel.Bounded(32), MaxNumVoxels: voxel.Bounded(8000)},
		{Name: "Large", MaxPointsPerVoxel: voxel.Bounded(64), MaxNumVoxels: voxel.Bounded(16000)},
		{Name: "Dynamic points", MaxPointsPerVoxel: voxel.Dynamic(), MaxNumVoxels: voxel.Bounded(16000)},
	}
}

// RandomCloud returns n points drawn uniformly from the coordinate range of
// g. Features past z are uniform in [0, 1).
func RandomCloud(rng *rand.Rand, n int, g Geometry) []float32 {
	f := g.NumPointFeatures
	out := make([]float32, n*f)
	for i := 0; i < n; i++ {
		row := out[i*f : (i+1)*f]
		for a := 0; a < 3; a++ {
			lo, hi := g.CoordsRange[a], g.CoordsRange[a+3]
			row[a] = float32(lo + rng.Float64()*(hi-lo))
		}
		for k := 3; k < f; k++ {
			row[k] = rng.Float32()
		}
	}
	return out
}

// Stage names where a case can fail.
const (
	StageConstruct = "construct"
	StageConvert   = "convert"
)

// CaseResult is the outcome of one case.
type CaseResult struct {
	Case
	Err      error
	Stage    string // set when Err is non-nil
	Duration time.Duration

	NumVoxels int
	Stats     voxel.Stats
	Saturated bool

	OccupancyMean   float64 // points per voxel
	OccupancyStdDev float64
	OccupancyMax    int

	// Result is a detached copy of the conversion output, for plotting.
	Result voxel.Result
}

// OK reports whether the grid was built and the conversion succeeded.
func (r CaseResult) OK() bool { return r.Err == nil }

// Report is one diagnostics run over a set of cases.
type Report struct {
	RunID     string
	StartedAt time.Time
	Geometry  Geometry
	NumPoints int
	Seed      int64
	Precision PrecisionCheck
	Cases     []CaseResult
}

// PrecisionCheck compares the grid derived from a geometry with the grid
// derived from the same geometry rounded through float32, the precision
// sensor configs are often stored in.
type PrecisionCheck struct {
	Shape64, Shape32 [3]int // x, y, z
	Err64, Err32     error
}

// Consistent reports whether both precisions are accepted and agree.
func (c PrecisionCheck) Consistent() bool {
	return c.Err64 == nil && c.Err32 == nil && c.Shape64 == c.Shape32
}

// CheckPrecision validates g at full precision and rounded to float32.
func CheckPrecision(g Geometry) PrecisionCheck {
	probe := Case{MaxPointsPerVoxel: voxel.Bounded(1), MaxNumVoxels: voxel.Bounded(1)}
	var c PrecisionCheck
	c.Shape64, c.Err64 = g.Params(probe).Validate()
	c.Shape32, c.Err32 = g.rounded32().Params(probe).Validate()
	return c
}

func (g Geometry) rounded32() Geometry {
	r := g
	for i, v := range g.VoxelSize {
		r.VoxelSize[i] = float64(float32(v))
	}
	for i, v := range g.CoordsRange {
		r.CoordsRange[i] = float64(float32(v))
	}
	return r
}

// Passed returns the number of cases that succeeded.
func (r *Report) Passed() int {
	n := 0
	for _, c := range r.Cases {
		if c.OK() {
			n++
		}
	}
	return n
}

// Run exercises every case on the same cloud. Case failures are recorded in
// the report; Run itself only fails when ctx is done.
func Run(ctx context.Context, g Geometry, cases []Case, cloud []float32) (*Report, error) {
	return RunWithClock(ctx, timeutil.RealClock{}, g, cases, cloud)
}

// RunWithClock is Run with an explicit clock for start times and durations.
func RunWithClock(ctx context.Context, clock timeutil.Clock, g Geometry, cases []Case, cloud []float32) (*Report, error) {
	report := &Report{
		RunID:     uuid.New().String(),
		StartedAt: clock.Now(),
		Geometry:  g,
		Cases:     make([]CaseResult, 0, len(cases)),
	}
	if g.NumPointFeatures > 0 {
		report.NumPoints = len(cloud) / g.NumPointFeatures
	}

	report.Precision = CheckPrecision(g)
	if !report.Precision.Consistent() {
		logf("geometry differs between float64 and float32: shape %v (%v) vs %v (%v)",
			report.Precision.Shape64, report.Precision.Err64, report.Precision.Shape32, report.Precision.Err32)
	}

	for i, c := range cases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cr := runCase(clock, g, c, cloud)
		if cr.OK() {
			logf("%d. %s: points/voxel=%v voxels=%v -> %d voxels, %d/%d points retained in %v",
				i+1, c.Name, c.MaxPointsPerVoxel, c.MaxNumVoxels,
				cr.NumVoxels, cr.Stats.Retained, cr.Stats.Points, cr.Duration)
		} else {
			logf("%d. %s: points/voxel=%v voxels=%v -> %s failed: %v",
				i+1, c.Name, c.MaxPointsPerVoxel, c.MaxNumVoxels, cr.Stage, cr.Err)
		}
		report.Cases = append(report.Cases, cr)
	}
	return report, nil
}

func runCase(clock timeutil.Clock, g Geometry, c Case, cloud []float32) CaseResult {
	cr := CaseResult{Case: c}
	start := clock.Now()

	grid, err := voxel.New(g.Params(c))
	if err != nil {
		cr.Err, cr.Stage = err, StageConstruct
		cr.Duration = clock.Since(start)
		return cr
	}
	res, err := grid.Convert(cloud)
	cr.Duration = clock.Since(start)
	if err != nil {
		cr.Err, cr.Stage = err, StageConvert
		return cr
	}

	cr.Result = res.Clone()
	cr.NumVoxels = res.NumVoxels
	cr.Stats = res.Stats
	cr.Saturated = res.Saturated()
	cr.OccupancyMean, cr.OccupancyStdDev, cr.OccupancyMax = occupancy(res.NumPoints)
	return cr
}

// occupancy summarises points per voxel. The standard deviation is the
// sample one and is 0 for fewer than two voxels.
func occupancy(counts []int32) (mean, stddev float64, peak int) {
	if len(counts) == 0 {
		return 0, 0, 0
	}
	xs := make([]float64, len(counts))
	for i, c := range counts {
		xs[i] = float64(c)
		if int(c) > peak {
			peak = int(c)
		}
	}
	if len(xs) < 2 {
		return xs[0], 0, peak
	}
	mean, stddev = stat.MeanStdDev(xs, nil)
	return mean, stddev, peak
}

// IsConfigFailure reports whether a case failed because its parameters were
// rejected at construction.
func (r CaseResult) IsConfigFailure() bool {
	return r.Stage == StageConstruct && errors.Is(r.Err, voxel.ErrInvalidConfig)
}
