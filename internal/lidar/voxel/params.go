package voxel

import (
	"fmt"
	"math"
)

// CapacityMode selects whether a capacity limit is a preallocated ceiling or
// a growable container.
type CapacityMode int

const (
	// CapacityBounded preallocates exactly Limit entries. Overflow is dropped.
	CapacityBounded CapacityMode = iota
	// CapacityDynamic grows on demand and never drops.
	CapacityDynamic
)

func (m CapacityMode) String() string {
	switch m {
	case CapacityBounded:
		return "bounded"
	case CapacityDynamic:
		return "dynamic"
	default:
		return fmt.Sprintf("CapacityMode(%d)", int(m))
	}
}

// Capacity is a limit on either the number of voxels or the number of points
// per voxel. The zero value is Bounded(0), which New rejects, so every caller
// has to pick a mode.
type Capacity struct {
	Mode  CapacityMode
	Limit int // ignored when Mode is CapacityDynamic
}

// Bounded returns a hard capacity of n entries.
func Bounded(n int) Capacity { return Capacity{Mode: CapacityBounded, Limit: n} }

// Dynamic returns an unbounded, growable capacity.
func Dynamic() Capacity { return Capacity{Mode: CapacityDynamic} }

// IsDynamic reports whether the capacity grows on demand.
func (c Capacity) IsDynamic() bool { return c.Mode == CapacityDynamic }

// limit returns the bounded limit, or 0 for dynamic capacity.
func (c Capacity) limit() int {
	if c.IsDynamic() {
		return 0
	}
	return c.Limit
}

func (c Capacity) String() string {
	if c.IsDynamic() {
		return "dynamic"
	}
	return fmt.Sprintf("bounded(%d)", c.Limit)
}

// Params are the construction parameters of a Grid.
type Params struct {
	// VoxelSize is the cell edge length along x, y and z.
	VoxelSize [3]float64
	// CoordsRange is [xmin, ymin, zmin, xmax, ymax, zmax]. Each axis is
	// half-open: min is inside the grid, max is not.
	CoordsRange [6]float64
	// NumPointFeatures is the width of each point row; the first three
	// features are x, y, z.
	NumPointFeatures int

	MaxPointsPerVoxel Capacity
	MaxNumVoxels      Capacity

	// RejectNonFinite makes Convert fail with ErrInvalidInput when a point has
	// a NaN or infinite coordinate. When false such points are dropped as out
	// of range.
	RejectNonFinite bool

	// TrackPointVoxelIDs records, for every input point, the index of the
	// voxel that retained it (or -1) in Result.PointVoxelID.
	TrackPointVoxelIDs bool
}

// shapeEpsilon absorbs representation error in (max-min)/size so that a range
// which is an exact multiple of the voxel size on paper does not lose a row.
const shapeEpsilon = 1e-6

// maxLinearCells bounds nx*ny*nz so linear indices fit comfortably in int64.
const maxLinearCells = 1 << 62

// MaxCapacity is the largest bounded limit. Voxel slots and per-voxel counts
// are int32.
const MaxCapacity = math.MaxInt32

// Validate checks p and returns the derived grid shape in x, y, z order.
func (p Params) Validate() ([3]int, error) {
	var shape [3]int
	axes := [3]string{"x", "y", "z"}

	if p.NumPointFeatures < 3 {
		return shape, configErrorf("num_point_features", "must be at least 3, got %d", p.NumPointFeatures)
	}
	for a := 0; a < 3; a++ {
		size := p.VoxelSize[a]
		if math.IsNaN(size) || math.IsInf(size, 0) || size <= 0 {
			return shape, configErrorf("voxel_size", "%s must be positive and finite, got %v", axes[a], size)
		}
		lo, hi := p.CoordsRange[a], p.CoordsRange[a+3]
		if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
			return shape, configErrorf("coords_range", "%s bounds must be finite, got [%v, %v)", axes[a], lo, hi)
		}
		if hi <= lo {
			return shape, configErrorf("coords_range", "%s max %v must exceed min %v", axes[a], hi, lo)
		}
		// Points are float32; the grid compares them against float32 bounds.
		if math.Abs(lo) > math.MaxFloat32 || math.Abs(hi) > math.MaxFloat32 {
			return shape, configErrorf("coords_range", "%s bounds [%v, %v) overflow float32", axes[a], lo, hi)
		}
		if float32(hi) <= float32(lo) {
			return shape, configErrorf("coords_range", "%s bounds [%v, %v) collapse at float32 precision", axes[a], lo, hi)
		}
		if size > math.MaxFloat32 || float32(size) == 0 {
			return shape, configErrorf("voxel_size", "%s size %v is not representable as float32", axes[a], size)
		}
	}

	volume := 1.0
	for a := 0; a < 3; a++ {
		n := math.Floor((p.CoordsRange[a+3]-p.CoordsRange[a])/p.VoxelSize[a] + shapeEpsilon)
		if n < 1 {
			return shape, configErrorf("voxel_size", "%s size %v exceeds range %v", axes[a],
				p.VoxelSize[a], p.CoordsRange[a+3]-p.CoordsRange[a])
		}
		if n > math.MaxInt32 {
			return shape, configErrorf("voxel_size", "%s grid dimension %.0f too large", axes[a], n)
		}
		volume *= n
		shape[a] = int(n)
	}
	if volume >= maxLinearCells {
		return shape, configErrorf("voxel_size", "grid volume %.0f too large", volume)
	}

	if err := validateCapacity("max_points_per_voxel", p.MaxPointsPerVoxel); err != nil {
		return shape, err
	}
	if err := validateCapacity("max_num_voxels", p.MaxNumVoxels); err != nil {
		return shape, err
	}
	return shape, nil
}

func validateCapacity(field string, c Capacity) error {
	switch c.Mode {
	case CapacityDynamic:
		return nil
	case CapacityBounded:
		if c.Limit < 1 {
			return configErrorf(field, "bounded limit must be at least 1, got %d", c.Limit)
		}
		if c.Limit > MaxCapacity {
			return configErrorf(field, "bounded limit %d exceeds %d", c.Limit, MaxCapacity)
		}
		return nil
	default:
		return configErrorf(field, "unknown capacity mode %v", c.Mode)
	}
}
