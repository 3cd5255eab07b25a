package voxel

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/voxelizer/internal/monitoring"
)

func TestMain(m *testing.M) {
	restore := monitoring.Quiet()
	code := m.Run()
	restore()
	os.Exit(code)
}

// unitParams is a 2x2x2 grid of 1m cells over [0,2)^3 with 3 features.
func unitParams(points, voxels Capacity) Params {
	return Params{
		VoxelSize:         [3]float64{1, 1, 1},
		CoordsRange:       [6]float64{0, 0, 0, 2, 2, 2},
		NumPointFeatures:  3,
		MaxPointsPerVoxel: points,
		MaxNumVoxels:      voxels,
	}
}

func flatten(rows ...[]float32) []float32 {
	var out []float32
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

func mustGrid(t *testing.T, p Params) *Grid {
	t.Helper()
	g, err := New(p)
	require.NoError(t, err)
	return g
}

func TestConvert_OnePointPerCell(t *testing.T) {
	g := mustGrid(t, unitParams(Bounded(2), Bounded(8)))

	var rows [][]float32
	for _, z := range []float32{0.5, 1.5} {
		for _, y := range []float32{0.5, 1.5} {
			for _, x := range []float32{0.5, 1.5} {
				rows = append(rows, []float32{x, y, z})
			}
		}
	}

	res, err := g.Convert(flatten(rows...))
	require.NoError(t, err)
	require.Equal(t, 8, res.NumVoxels)
	assert.Equal(t, []int32{1, 1, 1, 1, 1, 1, 1, 1}, res.NumPoints)
	assert.Len(t, res.Features, 8*2*3)
	assert.Equal(t, 8, res.Stats.Retained)
	assert.Zero(t, res.Stats.Dropped())

	// Creation order follows input order; coords are z, y, x.
	want := []int32{
		0, 0, 0, 0, 0, 1, 0, 1, 0, 0, 1, 1,
		1, 0, 0, 1, 0, 1, 1, 1, 0, 1, 1, 1,
	}
	if diff := cmp.Diff(want, res.Coords); diff != "" {
		t.Errorf("coords mismatch (-want +got):\n%s", diff)
	}

	// Second row of every block is padding.
	for i := 0; i < res.NumVoxels; i++ {
		block := res.Features[i*6 : (i+1)*6]
		assert.Equal(t, rows[i], block[:3])
		assert.Equal(t, []float32{0, 0, 0}, block[3:])
	}
}

func TestConvert_VoxelFullDropsExtraPoints(t *testing.T) {
	g := mustGrid(t, unitParams(Bounded(2), Bounded(8)))

	res, err := g.Convert(flatten(
		[]float32{0.1, 0.1, 0.1},
		[]float32{0.2, 0.2, 0.2},
		[]float32{0.3, 0.3, 0.3},
	))
	require.NoError(t, err)
	require.Equal(t, 1, res.NumVoxels)
	assert.Equal(t, []int32{2}, res.NumPoints)
	assert.Equal(t, []float32{0.1, 0.1, 0.1, 0.2, 0.2, 0.2}, res.Points(0))
	assert.Equal(t, 1, res.Stats.DroppedVoxelFull)
	assert.True(t, res.Saturated())
}

func TestConvert_TableFullFirstTouchedWins(t *testing.T) {
	g := mustGrid(t, unitParams(Bounded(2), Bounded(1)))

	res, err := g.Convert(flatten(
		[]float32{1.5, 0.5, 0.5},
		[]float32{0.5, 0.5, 0.5},
		[]float32{1.6, 0.6, 0.6},
		[]float32{0.6, 0.6, 0.6},
	))
	require.NoError(t, err)
	require.Equal(t, 1, res.NumVoxels)
	assert.Equal(t, [3]int32{0, 0, 1}, res.Coord(0))
	assert.Equal(t, []int32{2}, res.NumPoints)
	assert.Equal(t, 2, res.Stats.DroppedTableFull)
	assert.True(t, res.Saturated())
}

func TestConvert_RangeIsHalfOpen(t *testing.T) {
	g := mustGrid(t, unitParams(Bounded(4), Bounded(8)))

	res, err := g.Convert(flatten(
		[]float32{2, 0.5, 0.5}, // x == max
		[]float32{0.5, 2, 0.5}, // y == max
		[]float32{0.5, 0.5, 2}, // z == max
		[]float32{0, 0, 0},     // min corner
		[]float32{-0.0001, 0, 0},
	))
	require.NoError(t, err)
	require.Equal(t, 1, res.NumVoxels)
	assert.Equal(t, [3]int32{0, 0, 0}, res.Coord(0))
	assert.Equal(t, []int32{1}, res.NumPoints)
	assert.Equal(t, 4, res.Stats.DroppedOutOfRange)
}

func TestConvert_BoundsAtPointPrecision(t *testing.T) {
	// 0.7 has no exact float32 form; a point written as 0.7 is still the max.
	g := mustGrid(t, Params{
		VoxelSize:         [3]float64{0.1, 0.1, 0.1},
		CoordsRange:       [6]float64{0, 0, 0, 0.7, 0.7, 0.7},
		NumPointFeatures:  3,
		MaxPointsPerVoxel: Bounded(4),
		MaxNumVoxels:      Bounded(16),
	})
	res, err := g.Convert(flatten(
		[]float32{0.7, 0.05, 0.05},
		[]float32{0.65, 0.05, 0.05},
	))
	require.NoError(t, err)
	require.Equal(t, 1, res.NumVoxels)
	assert.Equal(t, [3]int32{0, 0, 6}, res.Coord(0))
	assert.Equal(t, 1, res.Stats.DroppedOutOfRange)

	// Same for a min of -39.68, which must be inside.
	kitti := mustGrid(t, Params{
		VoxelSize:         [3]float64{0.32, 0.32, 4.0},
		CoordsRange:       [6]float64{0, -39.68, -3, 69.12, 39.68, 1},
		NumPointFeatures:  3,
		MaxPointsPerVoxel: Bounded(4),
		MaxNumVoxels:      Bounded(16),
	})
	res, err = kitti.Convert(flatten(
		[]float32{0, -39.68, -3},
		[]float32{69.12, 0, 0},
		[]float32{10, 39.68, 0},
	))
	require.NoError(t, err)
	require.Equal(t, 1, res.NumVoxels)
	assert.Equal(t, [3]int32{0, 0, 0}, res.Coord(0))
	assert.Equal(t, 2, res.Stats.DroppedOutOfRange)

	idx, ok := kitti.VoxelIndexOf(0, -39.68, -3)
	require.True(t, ok)
	assert.Equal(t, [3]int{0, 0, 0}, idx)
}

func TestConvert_BoundedDoesNotAllocate(t *testing.T) {
	p := Params{
		VoxelSize:         [3]float64{1, 1, 1},
		CoordsRange:       [6]float64{0, 0, 0, 8, 8, 8},
		NumPointFeatures:  4,
		MaxPointsPerVoxel: Bounded(8),
		MaxNumVoxels:      Bounded(64),
	}
	points := randomCloud(rand.New(rand.NewSource(9)), 500, p)

	g := mustGrid(t, p)
	allocs := testing.AllocsPerRun(20, func() {
		if _, err := g.Convert(points); err != nil {
			t.Fatal(err)
		}
	})
	assert.Zero(t, allocs, "bounded Convert allocated")

	// Point voxel ids are sized on the first call and reused afterwards.
	p.TrackPointVoxelIDs = true
	tracked := mustGrid(t, p)
	_, err := tracked.Convert(points)
	require.NoError(t, err)
	allocs = testing.AllocsPerRun(20, func() {
		if _, err := tracked.Convert(points[:len(points)/2]); err != nil {
			t.Fatal(err)
		}
	})
	assert.Zero(t, allocs, "bounded Convert with point ids allocated after warm-up")
}

func TestConvert_NoDropsWhenCapacitySuffices(t *testing.T) {
	p := Params{
		VoxelSize:         [3]float64{0.5, 0.5, 0.5},
		CoordsRange:       [6]float64{-2, -2, -1, 2, 2, 1},
		NumPointFeatures:  4,
		MaxPointsPerVoxel: Bounded(64),
		MaxNumVoxels:      Bounded(8 * 8 * 4),
	}
	g := mustGrid(t, p)

	rng := rand.New(rand.NewSource(7))
	points := randomCloud(rng, 2000, p)

	res, err := g.Convert(points)
	require.NoError(t, err)

	var sum int
	for _, c := range res.NumPoints {
		sum += int(c)
	}
	assert.Equal(t, 2000, sum)
	assert.Equal(t, 2000, res.Stats.Retained)
	assert.False(t, res.Saturated())
}

func TestConvert_Idempotent(t *testing.T) {
	p := Params{
		VoxelSize:         [3]float64{0.32, 0.32, 4.0},
		CoordsRange:       [6]float64{0, -39.68, -3, 69.12, 39.68, 1},
		NumPointFeatures:  4,
		MaxPointsPerVoxel: Bounded(5),
		MaxNumVoxels:      Bounded(1000),
	}
	g := mustGrid(t, p)
	assert.Equal(t, [3]int{1, 248, 216}, g.GridShape())

	rng := rand.New(rand.NewSource(42))
	points := randomCloud(rng, 5000, p)

	first, err := g.Convert(points)
	require.NoError(t, err)
	first = first.Clone()

	second, err := g.Convert(points)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second conversion differs (-first +second):\n%s", diff)
	}
}

func TestConvert_ResetClearsPadding(t *testing.T) {
	g := mustGrid(t, unitParams(Bounded(3), Bounded(8)))

	_, err := g.Convert(flatten(
		[]float32{0.1, 0.1, 0.1},
		[]float32{0.2, 0.2, 0.2},
		[]float32{0.3, 0.3, 0.3},
	))
	require.NoError(t, err)

	res, err := g.Convert(flatten([]float32{0.4, 0.4, 0.4}))
	require.NoError(t, err)
	require.Equal(t, 1, res.NumVoxels)
	assert.Equal(t, []float32{0.4, 0.4, 0.4, 0, 0, 0, 0, 0, 0}, res.Features)
}

func TestConvert_MembershipIndependentOfOrder(t *testing.T) {
	p := unitParams(Dynamic(), Dynamic())
	p.TrackPointVoxelIDs = true
	g := mustGrid(t, p)

	rng := rand.New(rand.NewSource(3))
	points := randomCloud(rng, 300, p)

	membership := func(points []float32, order []int) map[int][3]int32 {
		res, err := g.Convert(points)
		require.NoError(t, err)
		out := make(map[int][3]int32, len(order))
		for i, orig := range order {
			id := res.PointVoxelID[i]
			require.GreaterOrEqual(t, id, int32(0))
			out[orig] = res.Coord(int(id))
		}
		return out
	}

	identity := make([]int, 300)
	for i := range identity {
		identity[i] = i
	}
	perm := rng.Perm(300)
	shuffled := make([]float32, len(points))
	for i, orig := range perm {
		copy(shuffled[i*3:(i+1)*3], points[orig*3:(orig+1)*3])
	}

	if diff := cmp.Diff(membership(points, identity), membership(shuffled, perm)); diff != "" {
		t.Errorf("membership changed under reordering (-want +got):\n%s", diff)
	}
}

func TestConvert_DynamicPointsPadsToFullestVoxel(t *testing.T) {
	g := mustGrid(t, unitParams(Dynamic(), Bounded(8)))

	res, err := g.Convert(flatten(
		[]float32{0.1, 0.1, 0.1},
		[]float32{1.5, 0.5, 0.5},
		[]float32{0.2, 0.2, 0.2},
		[]float32{0.3, 0.3, 0.3},
	))
	require.NoError(t, err)
	require.Equal(t, 2, res.NumVoxels)
	assert.Equal(t, 3, res.MaxPoints)
	assert.Equal(t, []int32{3, 1}, res.NumPoints)
	assert.Len(t, res.Features, 2*3*3)
	assert.Equal(t, []float32{1.5, 0.5, 0.5, 0, 0, 0, 0, 0, 0}, res.Features[9:])
	assert.False(t, res.Saturated())

	// A later, sparser frame shrinks the padding again.
	res, err = g.Convert(flatten([]float32{0.5, 0.5, 0.5}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.MaxPoints)
	assert.Equal(t, []float32{0.5, 0.5, 0.5}, res.Features)
}

func TestConvert_DynamicVoxelsGrowsArena(t *testing.T) {
	p := Params{
		VoxelSize:         [3]float64{1, 1, 1},
		CoordsRange:       [6]float64{0, 0, 0, 10, 10, 10},
		NumPointFeatures:  3,
		MaxPointsPerVoxel: Bounded(2),
		MaxNumVoxels:      Dynamic(),
	}
	g := mustGrid(t, p)

	var rows [][]float32
	for i := 0; i < 10; i++ {
		for j := 0; j < 10; j++ {
			rows = append(rows, []float32{float32(i) + 0.5, float32(j) + 0.5, 0.5})
		}
	}
	res, err := g.Convert(flatten(rows...))
	require.NoError(t, err)
	assert.Equal(t, 100, res.NumVoxels)
	assert.Len(t, res.Features, 100*2*3)
	assert.Zero(t, res.Stats.Dropped())

	res, err = g.Convert(flatten(rows[:5]...))
	require.NoError(t, err)
	assert.Equal(t, 5, res.NumVoxels)
	assert.Equal(t, rows[4], res.Points(4))
}

func TestConvert_SparseLookup(t *testing.T) {
	p := Params{
		VoxelSize:         [3]float64{1, 1, 1},
		CoordsRange:       [6]float64{0, 0, 0, 4096, 4096, 2},
		NumPointFeatures:  3,
		MaxPointsPerVoxel: Bounded(2),
		MaxNumVoxels:      Bounded(16),
	}
	g := mustGrid(t, p)
	require.Nil(t, g.dense)
	require.NotNil(t, g.sparse)

	points := flatten(
		[]float32{4095.5, 4095.5, 1.5},
		[]float32{0.5, 0.5, 0.5},
		[]float32{4095.7, 4095.1, 1.2},
	)
	for round := 0; round < 2; round++ {
		res, err := g.Convert(points)
		require.NoError(t, err)
		require.Equal(t, 2, res.NumVoxels)
		assert.Equal(t, [3]int32{1, 4095, 4095}, res.Coord(0))
		assert.Equal(t, [3]int32{0, 0, 0}, res.Coord(1))
		assert.Equal(t, []int32{2, 1}, res.NumPoints)
	}
}

func TestConvert_PointVoxelIDs(t *testing.T) {
	p := unitParams(Bounded(1), Bounded(1))
	p.TrackPointVoxelIDs = true
	g := mustGrid(t, p)

	res, err := g.Convert(flatten(
		[]float32{0.5, 0.5, 0.5},
		[]float32{0.6, 0.6, 0.6}, // voxel full
		[]float32{1.5, 1.5, 1.5}, // table full
		[]float32{5, 5, 5},       // out of range
	))
	require.NoError(t, err)
	assert.Equal(t, []int32{0, -1, -1, -1}, res.PointVoxelID)
	assert.Equal(t, Stats{
		Points:            4,
		Retained:          1,
		DroppedOutOfRange: 1,
		DroppedVoxelFull:  1,
		DroppedTableFull:  1,
	}, res.Stats)
}

func TestConvert_EmptyInput(t *testing.T) {
	g := mustGrid(t, unitParams(Bounded(2), Bounded(8)))

	res, err := g.Convert(nil)
	require.NoError(t, err)
	assert.Zero(t, res.NumVoxels)
	assert.Empty(t, res.Features)
	assert.Empty(t, res.Coords)
	assert.False(t, res.Saturated())
}

func TestConvert_InvalidInputIsAllOrNothing(t *testing.T) {
	g := mustGrid(t, unitParams(Bounded(2), Bounded(8)))

	good, err := g.Convert(flatten([]float32{0.5, 0.5, 0.5}, []float32{1.5, 0.5, 0.5}))
	require.NoError(t, err)
	kept := good.Clone()

	_, err = g.Convert([]float32{0.5, 0.5, 0.5, 1.5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))
	var inErr *InputError
	require.True(t, errors.As(err, &inErr))
	assert.Equal(t, -1, inErr.Row)

	_, err = g.ConvertRows([][]float32{{0.5, 0.5, 0.5}, {1.5, 0.5}})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.True(t, errors.As(err, &inErr))
	assert.Equal(t, 1, inErr.Row)

	if diff := cmp.Diff(kept, good); diff != "" {
		t.Errorf("failed conversion touched previous result (-want +got):\n%s", diff)
	}
}

func TestConvert_NonFinite(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	points := flatten([]float32{0.5, 0.5, 0.5}, []float32{nan, 0.5, 0.5}, []float32{0.5, inf, 0.5})

	t.Run("dropped by default", func(t *testing.T) {
		g := mustGrid(t, unitParams(Bounded(4), Bounded(8)))
		res, err := g.Convert(points)
		require.NoError(t, err)
		assert.Equal(t, 1, res.NumVoxels)
		assert.Equal(t, 2, res.Stats.DroppedOutOfRange)
	})

	t.Run("rejected when enabled", func(t *testing.T) {
		p := unitParams(Bounded(4), Bounded(8))
		p.RejectNonFinite = true
		g := mustGrid(t, p)
		_, err := g.Convert(points)
		require.ErrorIs(t, err, ErrInvalidInput)
		var inErr *InputError
		require.True(t, errors.As(err, &inErr))
		assert.Equal(t, 1, inErr.Row)
	})
}

func TestConvertRows_MatchesConvert(t *testing.T) {
	rows := [][]float32{{0.5, 0.5, 0.5}, {1.5, 1.5, 0.5}, {0.7, 0.2, 0.9}}

	a := mustGrid(t, unitParams(Bounded(2), Bounded(8)))
	b := mustGrid(t, unitParams(Bounded(2), Bounded(8)))

	fromFlat, err := a.Convert(flatten(rows...))
	require.NoError(t, err)
	fromRows, err := b.ConvertRows(rows)
	require.NoError(t, err)

	if diff := cmp.Diff(fromFlat, fromRows); diff != "" {
		t.Errorf("ConvertRows differs (-flat +rows):\n%s", diff)
	}
}

func TestVoxelIndexOf(t *testing.T) {
	g := mustGrid(t, unitParams(Bounded(1), Bounded(1)))

	idx, ok := g.VoxelIndexOf(1.5, 0.5, 1.0)
	require.True(t, ok)
	assert.Equal(t, [3]int{1, 0, 1}, idx)

	_, ok = g.VoxelIndexOf(2.0, 0.5, 0.5)
	assert.False(t, ok)
}

// randomCloud returns n points uniformly inside the coordinate range of p.
func randomCloud(rng *rand.Rand, n int, p Params) []float32 {
	f := p.NumPointFeatures
	out := make([]float32, n*f)
	for i := 0; i < n; i++ {
		for a := 0; a < 3; a++ {
			lo, hi := p.CoordsRange[a], p.CoordsRange[a+3]
			v := float32(lo + rng.Float64()*(hi-lo))
			if v >= float32(hi) {
				v = float32(lo)
			}
			out[i*f+a] = v
		}
		for k := 3; k < f; k++ {
			out[i*f+k] = rng.Float32()
		}
	}
	return out
}
