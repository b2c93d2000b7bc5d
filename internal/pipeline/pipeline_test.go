package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dtm.report/internal/fsutil"
	"github.com/banshee-data/dtm.report/internal/matcher"
	"github.com/banshee-data/dtm.report/internal/metrics"
	"github.com/banshee-data/dtm.report/internal/monitoring"
	"github.com/banshee-data/dtm.report/internal/raster"
	"github.com/banshee-data/dtm.report/internal/results"
	"github.com/banshee-data/dtm.report/internal/tilekey"
)

// memRasters is an in-memory raster store that also registers every grid
// with a MemoryFileSystem so discovery sees it.
type memRasters struct {
	mu    sync.Mutex
	fs    *fsutil.MemoryFileSystem
	grids map[string]*raster.Grid
}

func newMemRasters() *memRasters {
	return &memRasters{fs: fsutil.NewMemoryFileSystem(), grids: make(map[string]*raster.Grid)}
}

func (m *memRasters) put(path string, g *raster.Grid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grids[path] = g
	m.fs.Touch(path)
}

func (m *memRasters) Read(path string) (*raster.Grid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grids[path]
	if !ok {
		return nil, fmt.Errorf("read %s: not found", path)
	}
	return g.Clone(), nil
}

func (m *memRasters) Write(path string, g *raster.Grid) error {
	m.put(path, g.Clone())
	return nil
}

func (m *memRasters) get(path string) *raster.Grid {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grids[path]
}

func gridOf(rows, cols int, nodata float64, t raster.Transform, vals ...float64) *raster.Grid {
	g := raster.New(rows, cols, nodata)
	g.Transform = t
	copy(g.Data, vals)
	return g
}

func filled(rows, cols int, nodata float64, t raster.Transform, v float64) *raster.Grid {
	g := raster.New(rows, cols, nodata)
	g.Transform = t
	g.Fill(v)
	return g
}

var refValues = []float64{100, 110, 120, 130, 140, 150, 160, 170, 180}

// siteFixture lays out one site:
//
//	100_200: identical (p50_n0), one cell +10 (p10_n5), all no-return (p20_n0)
//	300_200: simulated grid with one row missing (p50_n0)
//	999_999_p50_n0: simulated tile with no reference
func siteFixture(t *testing.T) (*memRasters, Options) {
	t.Helper()
	m := newMemRasters()
	tfA := raster.NorthUp(100, 230, 10)
	tfB := raster.NorthUp(300, 230, 10)

	m.put("data/test/als_dtm/100_200.tif", gridOf(3, 3, -999, tfA, refValues...))
	m.put("data/test/sim_dtm/100_200_p50_n0.tif", gridOf(3, 3, 0, tfA, refValues...))
	off := append([]float64(nil), refValues...)
	off[4] += 10
	m.put("data/test/sim_dtm/100_200_p10_n5.tif", gridOf(3, 3, 0, tfA, off...))
	m.put("data/test/sim_dtm/100_200_p20_n0.tif", filled(3, 3, 0, tfA, 0))

	m.put("data/test/als_dtm/300_200.tif", gridOf(3, 3, -999, tfB, refValues...))
	m.put("data/test/sim_dtm/300_200_p50_n0.tif", gridOf(2, 3, 0, tfB, refValues[:6]...))

	m.put("data/test/sim_dtm/999_999_p50_n0.tif", gridOf(3, 3, 0, tfA, refValues...))

	m.put("data/test/als_canopy/cover_a.tif", filled(3, 3, -1, tfA, 0.5))
	m.put("data/test/als_slope/slope_a.tif", filled(3, 3, -1, tfA, 45))

	return m, Options{
		Site:            "test",
		ReferenceDir:    "data/test/als_dtm",
		SimulatedDir:    "data/test/sim_dtm",
		CanopyDir:       "data/test/als_canopy",
		SlopeDir:        "data/test/als_slope",
		DifferenceDir:   "data/test/diff_dtm",
		Conventions:     metrics.DefaultConventions(),
		OverlapFraction: 0.9,
		Workers:         1,
	}
}

func quiet(t *testing.T) *[]string {
	t.Helper()
	var mu sync.Mutex
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })
	return &lines
}

func TestRunSite(t *testing.T) {
	logs := quiet(t)
	m, opts := siteFixture(t)
	r := &Runner{FS: m.fs, Reader: m, Writer: m}

	res, err := r.RunSite(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Pairs)
	assert.Equal(t, 1, res.ShapeMismatches)
	assert.Equal(t, 0, res.Degraded)
	assert.Equal(t, 1, res.Skipped.Count(ReasonNoOverlap))
	assert.Equal(t, 1, res.Skipped.Count(matcher.ReasonUnmatchedSimulated))

	require.Len(t, res.Records, 3)
	got := []string{res.Records[0].File, res.Records[1].File, res.Records[2].File}
	assert.Equal(t, []string{"100_200_p10_n5", "100_200_p50_n0", "300_200_p50_n0"}, got)

	off := res.Records[0]
	assert.Equal(t, tilekey.Condition{Photons: 10, Noise: 5}, off.Condition)
	assert.Equal(t, metrics.StatusOK, off.Status)
	assert.InDelta(t, math.Sqrt(100.0/9), off.RMSE, 1e-9)
	assert.InDelta(t, -10.0/9, off.Bias, 1e-9)
	assert.InDelta(t, 1-100.0/6000, off.R2, 1e-9)
	assert.Equal(t, 9, off.DataCount)
	assert.Equal(t, 0, off.NoDataCount)
	require.NotNil(t, off.Canopy)
	assert.InDelta(t, 0.5, off.Canopy.Mean, 1e-12)
	assert.Nil(t, off.Slope, "slope is off by default")

	same := res.Records[1]
	assert.Zero(t, same.RMSE)
	assert.Equal(t, 1.0, same.R2)

	mismatch := res.Records[2]
	assert.Equal(t, metrics.StatusShapeMismatch, mismatch.Status)
	assert.Equal(t, "test", mismatch.Folder)
	assert.Nil(t, mismatch.Canopy)

	diff := m.get("data/test/diff_dtm/100_200_p10_n5.tif")
	require.NotNil(t, diff)
	assert.Equal(t, -10.0, diff.At(1, 1))
	assert.Equal(t, 0.0, diff.At(0, 0))
	assert.Nil(t, m.get("data/test/diff_dtm/300_200_p50_n0.tif"), "mismatched tiles get no difference raster")
	assert.Nil(t, m.get("data/test/diff_dtm/100_200_p20_n0.tif"), "skipped tiles get no difference raster")

	assert.Contains(t, *logs, "test: skipping 100_200_p20_n0 p20_n0: no overlapping valid data")
}

func TestRunSite_TableHoldsSentinels(t *testing.T) {
	quiet(t)
	m, opts := siteFixture(t)
	r := &Runner{FS: m.fs, Reader: m}

	res, err := r.RunSite(context.Background(), opts)
	require.NoError(t, err)

	table := res.Table(false)
	require.NoError(t, table.Verify())
	assert.Equal(t, 3, table.Len())
	assert.Equal(t, "-999", table.Column(results.ColRMSE)[2])
	assert.Equal(t, "-999", table.Column(results.ColCanopyMean)[2])
}

func TestRunSite_WorkersKeepOrder(t *testing.T) {
	quiet(t)
	m, opts := siteFixture(t)
	for i := 0; i < 20; i++ {
		x := 1000 + 30*i
		tf := raster.NorthUp(float64(x), 230, 10)
		m.put(fmt.Sprintf("data/test/als_dtm/%d_200.tif", x), gridOf(3, 3, -999, tf, refValues...))
		for _, cond := range []string{"p10_n0", "p50_n5"} {
			m.put(fmt.Sprintf("data/test/sim_dtm/%d_200_%s.tif", x, cond), gridOf(3, 3, 0, tf, refValues...))
		}
	}
	r := &Runner{FS: m.fs, Reader: m}

	serial, err := r.RunSite(context.Background(), opts)
	require.NoError(t, err)

	opts.Workers = 8
	parallel, err := r.RunSite(context.Background(), opts)
	require.NoError(t, err)

	if diff := cmp.Diff(serial.Records, parallel.Records); diff != "" {
		t.Errorf("parallel run changed records (-serial +parallel):\n%s", diff)
	}
	assert.Equal(t, serial.Skipped.Counts(), parallel.Skipped.Counts())
}

func TestRunSite_Slope(t *testing.T) {
	quiet(t)
	m, opts := siteFixture(t)
	opts.IncludeSlope = true
	r := &Runner{FS: m.fs, Reader: m}

	res, err := r.RunSite(context.Background(), opts)
	require.NoError(t, err)
	require.NotNil(t, res.Records[0].Slope)
	assert.InDelta(t, 45, res.Records[0].Slope.Mean, 1e-9)

	opts.SlopeUnits = "percent"
	res, err = r.RunSite(context.Background(), opts)
	require.NoError(t, err)
	require.NotNil(t, res.Records[0].Slope)
	assert.InDelta(t, 100, res.Records[0].Slope.Mean, 1e-9)
}

func TestRunSite_NoPairs(t *testing.T) {
	quiet(t)
	m := newMemRasters()
	m.put("data/empty/als_dtm/1_1.tif", filled(1, 1, -999, raster.Transform{}, 1))
	r := &Runner{FS: m.fs, Reader: m}

	_, err := r.RunSite(context.Background(), Options{
		Site: "empty", ReferenceDir: "data/empty/als_dtm", SimulatedDir: "data/empty/sim_dtm",
	})
	assert.ErrorIs(t, err, matcher.ErrNoPairs)
}

func TestRunSite_ReadFailureAborts(t *testing.T) {
	quiet(t)
	m, opts := siteFixture(t)
	m.fs.Touch("data/test/sim_dtm/100_200_p99_n0.tif")
	r := &Runner{FS: m.fs, Reader: m}

	_, err := r.RunSite(context.Background(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "100_200_p99_n0.tif")
}

func TestRunSite_Cancelled(t *testing.T) {
	quiet(t)
	m, opts := siteFixture(t)
	r := &Runner{FS: m.fs, Reader: m}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.RunSite(ctx, opts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSlopeReader(t *testing.T) {
	m := newMemRasters()
	m.put("s.tif", gridOf(1, 3, -9999, raster.Transform{}, 45, -1, -9999))

	g, err := SlopeReader(m, "percent").Read("s.tif")
	require.NoError(t, err)
	assert.InDelta(t, 100, g.Data[0], 1e-9)
	assert.Equal(t, -1.0, g.Data[1])
	assert.Equal(t, -9999.0, g.Data[2])
	assert.Equal(t, 45.0, m.get("s.tif").Data[0], "source grid is not modified")

	_, err = SlopeReader(m, "percent").Read("missing.tif")
	assert.Error(t, err)
}

func TestForEachOrdered(t *testing.T) {
	t.Parallel()

	out := make([]int, 50)
	err := forEachOrdered(context.Background(), len(out), 7, func(i int) error {
		out[i] = i * i
		return nil
	})
	require.NoError(t, err)
	for i, v := range out {
		assert.Equal(t, i*i, v)
	}

	boom := errors.New("boom")
	err = forEachOrdered(context.Background(), 50, 4, func(i int) error {
		if i == 10 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)

	assert.NoError(t, forEachOrdered(context.Background(), 0, 4, func(int) error {
		t.Fatal("called with no work")
		return nil
	}))
}
