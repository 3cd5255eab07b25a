// Command voxel-diag exercises the voxel grid over a matrix of capacity
// settings on a random cloud, then runs the configured grid over the same
// cloud split into frames. The config file is taken from $VOXEL_CONFIG or
// config/voxel.defaults.json.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/banshee-data/voxelizer/internal/config"
	"github.com/banshee-data/voxelizer/internal/db"
	"github.com/banshee-data/voxelizer/internal/lidar/monitor"
	"github.com/banshee-data/voxelizer/internal/lidar/pipeline"
	"github.com/banshee-data/voxelizer/internal/lidar/voxel"
	"github.com/banshee-data/voxelizer/internal/lidar/voxeldiag"
	"github.com/banshee-data/voxelizer/internal/monitoring"
)

// framesPerWorker is how many frames each worker gets when the cloud is split.
const framesPerWorker = 4

func main() {
	path := os.Getenv("VOXEL_CONFIG")
	if path == "" {
		path = config.DefaultConfigPath
	}
	cfg, err := config.LoadVoxelConfig(path)
	if err != nil {
		log.Fatalf("failed to load %s: %v", path, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := run(ctx, cfg)
	if err != nil {
		log.Fatalf("voxel-diag: %v", err)
	}
	monitoring.Logf("run %s: %d/%d cases passed", report.RunID, report.Passed(), len(report.Cases))
}

// run executes the diagnostics matrix and the frame run described by cfg.
func run(ctx context.Context, cfg *config.VoxelConfig) (*voxeldiag.Report, error) {
	g := voxeldiag.GeometryFromConfig(cfg)
	seed := cfg.GetDiagSeed()
	cloud := voxeldiag.RandomCloud(rand.New(rand.NewSource(seed)), cfg.GetDiagPoints(), g)

	monitoring.Logf("voxel-diag: %d points, seed %d, voxel size %v, range %v",
		cfg.GetDiagPoints(), seed, g.VoxelSize, g.CoordsRange)

	report, err := voxeldiag.Run(ctx, g, voxeldiag.DefaultCases(), cloud)
	if err != nil {
		return nil, err
	}
	report.Seed = seed

	if report.Precision.Consistent() {
		monitoring.Logf("grid %v (x,y,z), identical at float32 precision", report.Precision.Shape64)
	} else {
		monitoring.Logf("grid %v (x,y,z) at float64, %v at float32", report.Precision.Shape64, report.Precision.Shape32)
	}

	for i, c := range report.Cases {
		if c.OK() {
			monitoring.Logf("  %d. %-15s ok   voxels=%d retained=%d dropped=%d saturated=%v occupancy=%.2f±%.2f (max %d)",
				i+1, c.Name, c.NumVoxels, c.Stats.Retained, c.Stats.Dropped(), c.Saturated,
				c.OccupancyMean, c.OccupancyStdDev, c.OccupancyMax)
		} else {
			monitoring.Logf("  %d. %-15s FAIL %s: %v", i+1, c.Name, c.Stage, c.Err)
		}
	}

	if dbPath := cfg.GetDiagDBPath(); dbPath != "" {
		if err := record(dbPath, report); err != nil {
			return nil, err
		}
	}

	plotDir := cfg.GetDiagPlotDir()
	if plotDir != "" {
		plotDir = filepath.Join(plotDir, report.RunID)
		if err := plotCases(plotDir, report); err != nil {
			return nil, err
		}
	}

	if err := runFrames(ctx, cfg, cloud, plotDir); err != nil {
		return nil, err
	}
	return report, nil
}

func record(path string, report *voxeldiag.Report) error {
	store, err := db.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer store.Close()

	if err := store.RecordRun(report); err != nil {
		return err
	}
	monitoring.Logf("recorded run %s in %s", report.RunID, path)
	return nil
}

func plotCases(dir string, report *voxeldiag.Report) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create plot dir: %w", err)
	}
	for i, c := range report.Cases {
		if !c.OK() || c.NumVoxels == 0 {
			continue
		}
		file := filepath.Join(dir, fmt.Sprintf("case_%02d_occupancy.png", i+1))
		title := fmt.Sprintf("%s (points/voxel %v, voxels %v)", c.Name, c.MaxPointsPerVoxel, c.MaxNumVoxels)
		if err := monitor.PlotOccupancy(c.Result, title, file); err != nil {
			return err
		}
	}
	return nil
}

// runFrames splits the cloud into frames and converts them in parallel with
// the grid the config describes. Occupancy per frame is plotted when dir is
// set.
func runFrames(ctx context.Context, cfg *config.VoxelConfig, cloud []float32, dir string) error {
	p := voxel.ParamsFromConfig(cfg)
	workers := cfg.GetDiagWorkers()
	frames := splitFrames(cloud, p.NumPointFeatures, workers*framesPerWorker)

	results, err := pipeline.VoxelizeFrames(ctx, p, frames, workers)
	if err != nil {
		return fmt.Errorf("frame run failed: %w", err)
	}

	plotter := monitor.NewOccupancyPlotter("frames")
	if dir != "" {
		if err := plotter.Start(dir); err != nil {
			return err
		}
	}
	saturated := 0
	for _, res := range results {
		plotter.Sample(res)
		if res.Saturated() {
			saturated++
		}
	}
	plotter.Stop()
	monitoring.Logf("frame run: %d frames on %d workers, %d saturated", len(results), workers, saturated)

	if dir != "" && len(results) > 0 {
		file, err := plotter.GeneratePlots()
		if err != nil {
			return err
		}
		monitoring.Logf("wrote %s", file)
	}
	return nil
}

// splitFrames cuts a row-major cloud into at most n frames of whole rows.
func splitFrames(cloud []float32, features, n int) [][]float32 {
	rows := len(cloud) / features
	if rows == 0 || n < 1 {
		return nil
	}
	n = min(n, rows)
	frames := make([][]float32, 0, n)
	for i := 0; i < n; i++ {
		lo := rows * i / n
		hi := rows * (i + 1) / n
		frames = append(frames, cloud[lo*features:hi*features])
	}
	return frames
}
