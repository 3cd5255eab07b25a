package voxel

import (
	"fmt"
	"math"

	"github.com/banshee-data/voxelizer/internal/monitoring"
)

// DenseLookupLimit is the largest grid volume (in cells) that uses a dense
// cell-to-voxel lookup array. Larger grids fall back to a map keyed by the
// linear cell index.
const DenseLookupLimit = 1 << 22

var logf = monitoring.Prefixed("voxel")

// maxArenaFloats caps the preallocated feature arena of a fully bounded grid.
const maxArenaFloats = 1 << 31

// Grid buckets points into a fixed voxel grid. Buffers are allocated by New
// and reused by every Convert call.
type Grid struct {
	params      Params
	shape       [3]int // nx, ny, nz
	numFeatures int
	maxPoints   int // 0 when points per voxel is dynamic
	maxVoxels   int // 0 when the voxel count is dynamic
	block       int // maxPoints * numFeatures

	// Bounds and voxel size rounded to the precision of the points, so a
	// point equal to a configured bound compares equal to it.
	lo, hi, size [3]float32

	// Exactly one of dense or sparse is set. Both map a linear cell index
	// to a voxel slot.
	dense  []int32
	sparse map[int64]int32

	linear []int64   // per slot, cell index (used to reset dense)
	coords []int32   // per slot, iz, iy, ix
	counts []int32   // per slot, retained points
	arena  []float32 // bounded points: slot*block stacked rows, zero padded
	zero   []float32 // one zeroed block, appended when a dynamic table grows

	// Dynamic points per voxel: one growable row buffer per slot, kept
	// across calls and truncated on reuse.
	rows   [][]float32
	padded []float32

	pointIDs []int32
	stats    Stats
}

// New validates p and allocates a Grid. A bounded voxel table with bounded
// points per voxel allocates its whole feature arena here and never grows.
func New(p Params) (*Grid, error) {
	shape, err := p.Validate()
	if err != nil {
		return nil, err
	}

	g := &Grid{
		params:      p,
		shape:       shape,
		numFeatures: p.NumPointFeatures,
		maxPoints:   p.MaxPointsPerVoxel.limit(),
		maxVoxels:   p.MaxNumVoxels.limit(),
	}
	g.block = g.maxPoints * g.numFeatures
	for a := 0; a < 3; a++ {
		g.lo[a] = float32(p.CoordsRange[a])
		g.hi[a] = float32(p.CoordsRange[a+3])
		g.size[a] = float32(p.VoxelSize[a])
	}

	if g.maxPoints > 0 && g.maxVoxels > 0 {
		if float64(g.maxVoxels)*float64(g.block) > maxArenaFloats {
			return nil, configErrorf("max_num_voxels", "arena of %d voxels x %d points x %d features too large",
				g.maxVoxels, g.maxPoints, g.numFeatures)
		}
	}

	volume := int64(shape[0]) * int64(shape[1]) * int64(shape[2])
	if volume <= DenseLookupLimit {
		g.dense = make([]int32, volume)
		for i := range g.dense {
			g.dense[i] = -1
		}
	} else {
		g.sparse = make(map[int64]int32, min(int64(g.maxVoxels), volume))
	}

	if g.maxVoxels > 0 {
		g.linear = make([]int64, 0, g.maxVoxels)
		g.coords = make([]int32, 0, 3*g.maxVoxels)
		g.counts = make([]int32, 0, g.maxVoxels)
		if g.maxPoints > 0 {
			g.arena = make([]float32, g.maxVoxels*g.block)
		} else {
			g.rows = make([][]float32, 0, g.maxVoxels)
		}
	} else if g.maxPoints > 0 {
		g.zero = make([]float32, g.block)
	}

	lookup := "dense"
	if g.sparse != nil {
		lookup = "sparse"
	}
	logf("grid %dx%dx%d (x,y,z) features=%d points/voxel=%v voxels=%v lookup=%s",
		shape[0], shape[1], shape[2], g.numFeatures, p.MaxPointsPerVoxel, p.MaxNumVoxels, lookup)

	return g, nil
}

// Params returns the parameters the grid was built with.
func (g *Grid) Params() Params { return g.params }

// GridShape returns the number of cells along z, y and x.
func (g *Grid) GridShape() [3]int { return [3]int{g.shape[2], g.shape[1], g.shape[0]} }

// VoxelIndexOf returns the (iz, iy, ix) cell containing the point, or false
// when it lies outside the coordinate range.
func (g *Grid) VoxelIndexOf(x, y, z float32) ([3]int, bool) {
	_, idx, ok := g.locate(x, y, z)
	return [3]int{idx[2], idx[1], idx[0]}, ok
}

// Convert voxelizes a row-major buffer of points, NumPointFeatures floats per
// point. The returned Result aliases the grid's buffers and is valid until the
// next call; use Result.Clone to keep it.
//
// An error leaves the grid and any previous Result untouched.
func (g *Grid) Convert(points []float32) (Result, error) {
	f := g.numFeatures
	if len(points)%f != 0 {
		return Result{}, &InputError{Row: -1,
			Reason: fmt.Sprintf("buffer length %d is not a multiple of %d features", len(points), f)}
	}
	n := len(points) / f
	if g.params.RejectNonFinite {
		for i := 0; i < n; i++ {
			if err := checkFinite(points[i*f:i*f+3], i); err != nil {
				return Result{}, err
			}
		}
	}

	g.begin(n)
	for i := 0; i < n; i++ {
		g.add(points[i*f:(i+1)*f], i)
	}
	return g.result(), nil
}

// ConvertRows is Convert for callers holding one slice per point. Every row
// must be exactly NumPointFeatures wide.
func (g *Grid) ConvertRows(rows [][]float32) (Result, error) {
	f := g.numFeatures
	for i, row := range rows {
		if len(row) != f {
			return Result{}, &InputError{Row: i, Reason: fmt.Sprintf("width %d, want %d", len(row), f)}
		}
		if g.params.RejectNonFinite {
			if err := checkFinite(row[:3], i); err != nil {
				return Result{}, err
			}
		}
	}

	g.begin(len(rows))
	for i, row := range rows {
		g.add(row, i)
	}
	return g.result(), nil
}

func checkFinite(xyz []float32, row int) error {
	for _, v := range xyz {
		fv := float64(v)
		if math.IsNaN(fv) || math.IsInf(fv, 0) {
			return &InputError{Row: row, Reason: "non-finite coordinate"}
		}
	}
	return nil
}

// begin resets the table for a new conversion of n points.
func (g *Grid) begin(n int) {
	if g.dense != nil {
		for _, lin := range g.linear {
			g.dense[lin] = -1
		}
	} else {
		clear(g.sparse)
	}
	if g.maxPoints > 0 {
		clear(g.arena[:len(g.counts)*g.block])
	}
	g.linear = g.linear[:0]
	g.coords = g.coords[:0]
	g.counts = g.counts[:0]
	g.stats = Stats{Points: n}

	if g.params.TrackPointVoxelIDs {
		if cap(g.pointIDs) < n {
			g.pointIDs = make([]int32, n)
		}
		g.pointIDs = g.pointIDs[:n]
	}
}

// locate returns the linear cell index and the (ix, iy, iz) cell of a point.
func (g *Grid) locate(x, y, z float32) (int64, [3]int, bool) {
	var idx [3]int
	c := [3]float32{x, y, z}
	for a := 0; a < 3; a++ {
		// Written so that NaN fails the comparison.
		if !(c[a] >= g.lo[a] && c[a] < g.hi[a]) {
			return 0, idx, false
		}
		cell := math.Floor((float64(c[a]) - float64(g.lo[a])) / float64(g.size[a]))
		if !(cell >= 0 && cell < float64(g.shape[a])) {
			return 0, idx, false
		}
		idx[a] = int(cell)
	}
	lin := (int64(idx[2])*int64(g.shape[1])+int64(idx[1]))*int64(g.shape[0]) + int64(idx[0])
	return lin, idx, true
}

func (g *Grid) lookup(lin int64) (int32, bool) {
	if g.dense != nil {
		slot := g.dense[lin]
		return slot, slot >= 0
	}
	slot, ok := g.sparse[lin]
	return slot, ok
}

// add places point i and records where it went.
func (g *Grid) add(row []float32, i int) {
	slot := g.place(row)
	if g.params.TrackPointVoxelIDs {
		g.pointIDs[i] = slot
	}
}

func (g *Grid) place(row []float32) int32 {
	lin, idx, ok := g.locate(row[0], row[1], row[2])
	if !ok {
		g.stats.DroppedOutOfRange++
		return -1
	}

	slot, found := g.lookup(lin)
	if !found {
		if g.maxVoxels > 0 && len(g.counts) >= g.maxVoxels {
			g.stats.DroppedTableFull++
			return -1
		}
		slot = g.create(lin, idx)
	}

	count := int(g.counts[slot])
	if g.maxPoints > 0 {
		if count >= g.maxPoints {
			g.stats.DroppedVoxelFull++
			return -1
		}
		off := int(slot)*g.block + count*g.numFeatures
		copy(g.arena[off:off+g.numFeatures], row)
	} else {
		g.rows[slot] = append(g.rows[slot], row...)
	}
	g.counts[slot]++
	g.stats.Retained++
	return slot
}

func (g *Grid) create(lin int64, idx [3]int) int32 {
	slot := int32(len(g.counts))
	if g.dense != nil {
		g.dense[lin] = slot
	} else {
		g.sparse[lin] = slot
	}
	g.linear = append(g.linear, lin)
	g.coords = append(g.coords, int32(idx[2]), int32(idx[1]), int32(idx[0]))
	g.counts = append(g.counts, 0)

	if g.maxPoints > 0 {
		// Only a dynamic table outgrows its arena; a bounded one was sized
		// by New.
		if need := (int(slot) + 1) * g.block; need > len(g.arena) {
			g.arena = append(g.arena, g.zero...)
		}
	} else if int(slot) < len(g.rows) {
		g.rows[slot] = g.rows[slot][:0]
	} else {
		g.rows = append(g.rows, make([]float32, 0, 4*g.numFeatures))
	}
	return slot
}

func (g *Grid) result() Result {
	v := len(g.counts)
	r := Result{
		Coords:      g.coords,
		NumPoints:   g.counts,
		NumVoxels:   v,
		MaxPoints:   g.maxPoints,
		NumFeatures: g.numFeatures,
		VoxelLimit:  g.maxVoxels,
		PointLimit:  g.maxPoints,
		Stats:       g.stats,
	}
	if g.params.TrackPointVoxelIDs {
		r.PointVoxelID = g.pointIDs
	}

	if g.maxPoints > 0 {
		r.Features = g.arena[:v*g.block]
		return r
	}

	// Dynamic points per voxel: pad to the fullest voxel of this call.
	p := 0
	for _, c := range g.counts {
		if int(c) > p {
			p = int(c)
		}
	}
	need := v * p * g.numFeatures
	if cap(g.padded) < need {
		g.padded = make([]float32, need)
	}
	g.padded = g.padded[:need]
	clear(g.padded)
	stride := p * g.numFeatures
	for slot := 0; slot < v; slot++ {
		copy(g.padded[slot*stride:], g.rows[slot])
	}
	r.Features = g.padded
	r.MaxPoints = p
	return r
}
