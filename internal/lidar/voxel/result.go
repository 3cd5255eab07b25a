package voxel

// Stats counts what happened to the input points of one conversion.
type Stats struct {
	Points            int // input points
	Retained          int
	DroppedOutOfRange int // outside CoordsRange (or non-finite)
	DroppedVoxelFull  int // voxel already held MaxPointsPerVoxel points
	DroppedTableFull  int // new voxel after MaxNumVoxels were created
}

// Dropped returns the number of input points that were not retained.
func (s Stats) Dropped() int {
	return s.DroppedOutOfRange + s.DroppedVoxelFull + s.DroppedTableFull
}

// Result is the output of one conversion. Voxels appear in the order their
// first point arrived.
//
// Features holds NumVoxels blocks of MaxPoints rows of NumFeatures floats.
// Rows beyond NumPoints[i] in block i are zero. Coords holds one (iz, iy, ix)
// triple per voxel.
type Result struct {
	Features  []float32
	Coords    []int32
	NumPoints []int32

	NumVoxels   int
	MaxPoints   int // rows per voxel block; the fullest voxel when points per voxel is dynamic
	NumFeatures int

	// VoxelLimit and PointLimit are the bounded capacities in effect, 0 when
	// dynamic.
	VoxelLimit int
	PointLimit int

	// PointVoxelID maps each input point to the voxel that retained it, or
	// -1. Only set when Params.TrackPointVoxelIDs is enabled.
	PointVoxelID []int32

	Stats Stats
}

// Coord returns the (iz, iy, ix) index of voxel i.
func (r Result) Coord(i int) [3]int32 {
	return [3]int32{r.Coords[3*i], r.Coords[3*i+1], r.Coords[3*i+2]}
}

// Points returns the retained rows of voxel i, without padding.
func (r Result) Points(i int) []float32 {
	stride := r.MaxPoints * r.NumFeatures
	start := i * stride
	return r.Features[start : start+int(r.NumPoints[i])*r.NumFeatures]
}

// Saturated reports whether the result may have hit a capacity limit: the
// voxel table is full, or some voxel holds the per-voxel maximum. It is the
// signal available to callers that do not inspect Stats; Stats says exactly
// whether anything was dropped.
func (r Result) Saturated() bool {
	if r.VoxelLimit > 0 && r.NumVoxels >= r.VoxelLimit {
		return true
	}
	if r.PointLimit > 0 {
		for _, c := range r.NumPoints {
			if int(c) >= r.PointLimit {
				return true
			}
		}
	}
	return false
}

// Means returns the per-voxel mean of the retained rows, NumVoxels rows of
// NumFeatures floats, written into dst when it is large enough.
func (r Result) Means(dst []float32) []float32 {
	n := r.NumVoxels * r.NumFeatures
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	clear(dst)

	f := r.NumFeatures
	sums := make([]float64, f)
	for i := 0; i < r.NumVoxels; i++ {
		count := int(r.NumPoints[i])
		if count == 0 {
			continue
		}
		pts := r.Points(i)
		clear(sums)
		for p := 0; p < count; p++ {
			for k := 0; k < f; k++ {
				sums[k] += float64(pts[p*f+k])
			}
		}
		out := dst[i*f : (i+1)*f]
		for k := range out {
			out[k] = float32(sums[k] / float64(count))
		}
	}
	return dst
}

// Clone returns a copy of r that does not alias the grid's buffers.
func (r Result) Clone() Result {
	c := r
	c.Features = append([]float32(nil), r.Features...)
	c.Coords = append([]int32(nil), r.Coords...)
	c.NumPoints = append([]int32(nil), r.NumPoints...)
	if r.PointVoxelID != nil {
		c.PointVoxelID = append([]int32(nil), r.PointVoxelID...)
	}
	return c
}
