package pipeline

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dtm.report/internal/raster"
)

const pointsText = `# id ground top slope cover
gediWave.100.200 10.5 30.0 12.0 0.80
gediWave.130.200 11.0 31.0 14.0 0.70
gediWave.100.170 12.0 -1000000.0 9.0 0.60
broken line
gediWave.130.170 13.0 33.0 not-a-number 0.50
`

func TestPointGridder_GridDir(t *testing.T) {
	lines := quiet(t)
	m := newMemRasters()
	m.fs.WriteFile("data/paracou/pts_metric/100_200.txt", []byte(pointsText))
	m.fs.WriteFile("data/paracou/pts_metric/empty.txt", []byte("# header only\n"))

	cfg := testConfig()
	res := 30.0
	cfg.GridResolution = &res
	g := NewPointGridder(cfg, "paracou", m.fs, m, "WKT")

	st, err := g.GridDir(cfg.SitePath("paracou", cfg.GetPointsDir()))
	require.NoError(t, err)
	assert.Equal(t, GridStats{Files: 1, Footprints: 3, SkippedLines: 2, EmptyFiles: 1}, st)

	ground := m.get(filepath.Join("data", "paracou", "als_dtm", "100_200.tif"))
	require.NotNil(t, ground)
	assert.Equal(t, 2, ground.Rows)
	assert.Equal(t, 2, ground.Cols)
	assert.Equal(t, "WKT", ground.CRS)
	assert.Equal(t, raster.NorthUp(85, 215, 30), ground.Transform)
	assert.Equal(t, []float64{10.5, 11.0, 12.0, -999}, ground.Data)

	top := m.get(filepath.Join("data", "paracou", TopDir, "100_200.tif"))
	require.NotNil(t, top)
	assert.Equal(t, []float64{30, 31, -999, -999}, top.Data)

	cover := m.get(filepath.Join("data", "paracou", "als_canopy", "100_200.tif"))
	require.NotNil(t, cover)
	assert.Equal(t, []float64{0.8, 0.7, 0.6, -1}, cover.Data)

	assert.NotNil(t, m.get(filepath.Join("data", "paracou", "als_slope", "100_200.tif")))
	assert.Nil(t, m.get(filepath.Join("data", "paracou", "als_dtm", "empty.tif")))
	assert.Contains(t, *lines, "points: data/paracou/pts_metric/empty.txt: no usable records (0 lines skipped)")
}

type failWriter struct{}

func (failWriter) Write(string, *raster.Grid) error { return assert.AnError }

func TestPointGridder_WriteFailureAborts(t *testing.T) {
	quiet(t)
	m := newMemRasters()
	m.fs.WriteFile("pts/a.txt", []byte(pointsText))
	g := NewPointGridder(testConfig(), "paracou", m.fs, failWriter{}, "")

	_, err := g.GridDir("pts")
	assert.ErrorIs(t, err, assert.AnError)
}
