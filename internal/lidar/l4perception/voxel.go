package l4perception

import (
	"fmt"

	"github.com/banshee-data/voxelizer/internal/lidar/voxel"
)

// Voxelizer feeds world points through a voxel grid. Like the grid it wraps,
// it reuses its buffers and is not safe for concurrent use.
type Voxelizer struct {
	grid *voxel.Grid
	rows []float32
	best []int // per voxel, index of the point Downsample keeps
}

// NewVoxelizer builds a grid for PointFeatures-wide rows. Point-to-voxel
// tracking is always enabled because Downsample needs it.
func NewVoxelizer(p voxel.Params) (*Voxelizer, error) {
	if p.NumPointFeatures != PointFeatures {
		return nil, fmt.Errorf("%w: world points have %d features, params ask for %d",
			voxel.ErrInvalidConfig, PointFeatures, p.NumPointFeatures)
	}
	p.TrackPointVoxelIDs = true
	g, err := voxel.New(p)
	if err != nil {
		return nil, err
	}
	return &Voxelizer{grid: g}, nil
}

// Grid returns the underlying voxel grid.
func (v *Voxelizer) Grid() *voxel.Grid { return v.grid }

// Voxelize converts points into voxels. The result aliases internal buffers
// until the next call.
func (v *Voxelizer) Voxelize(points []WorldPoint) (voxel.Result, error) {
	v.rows = PackFeatures(v.rows[:0], points)
	return v.grid.Convert(v.rows)
}

// Downsample keeps one point per voxel: the retained point closest to the
// mean of the voxel's retained points, ties going to the earlier point.
// Timestamp and sensor metadata of the kept point are preserved. Output order
// is voxel creation order. Points outside the grid's coordinate range, or
// beyond its capacity limits, are dropped and have no representative.
func (v *Voxelizer) Downsample(points []WorldPoint) ([]WorldPoint, error) {
	if len(points) == 0 {
		return nil, nil
	}
	res, err := v.Voxelize(points)
	if err != nil {
		return nil, err
	}
	means := res.Means(nil)

	if cap(v.best) < res.NumVoxels {
		v.best = make([]int, res.NumVoxels)
	}
	best := v.best[:res.NumVoxels]
	bestDist := make([]float64, res.NumVoxels)
	for i := range best {
		best[i] = -1
	}

	f := res.NumFeatures
	for i, id := range res.PointVoxelID {
		if id < 0 {
			continue
		}
		m := means[int(id)*f:]
		dx := float64(float32(points[i].X) - m[0])
		dy := float64(float32(points[i].Y) - m[1])
		dz := float64(float32(points[i].Z) - m[2])
		d := dx*dx + dy*dy + dz*dz
		if best[id] < 0 || d < bestDist[id] {
			best[id] = i
			bestDist[id] = d
		}
	}

	out := make([]WorldPoint, 0, res.NumVoxels)
	for _, i := range best {
		if i >= 0 {
			out = append(out, points[i])
		}
	}
	return out, nil
}
