package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/voxelizer/internal/lidar/voxel"
	"github.com/banshee-data/voxelizer/internal/monitoring"
)

var logf = monitoring.Prefixed("pipeline")

// VoxelizeFrames converts every frame with params p using up to workers
// grids in parallel. Each frame is a row-major buffer of p.NumPointFeatures
// floats per point. Results are detached copies in frame order.
//
// The first conversion error or context cancellation aborts the run and no
// results are returned.
func VoxelizeFrames(ctx context.Context, p voxel.Params, frames [][]float32, workers int) ([]voxel.Result, error) {
	if _, err := p.Validate(); err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > len(frames) {
		workers = len(frames)
	}

	// One grid per worker; SetLimit guarantees a free grid is always waiting.
	grids := make(chan *voxel.Grid, workers)
	for i := 0; i < workers; i++ {
		g, err := voxel.New(p)
		if err != nil {
			return nil, err
		}
		grids <- g
	}

	logf("voxelizing %d frames on %d workers", len(frames), workers)

	results := make([]voxel.Result, len(frames))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for i, frame := range frames {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			grid := <-grids
			defer func() { grids <- grid }()

			if err := egCtx.Err(); err != nil {
				return err
			}
			res, err := grid.Convert(frame)
			if err != nil {
				return fmt.Errorf("frame %d: %w", i, err)
			}
			results[i] = res.Clone()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
