package sensitivity

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dtm.report/internal/metrics"
	"github.com/banshee-data/dtm.report/internal/monitoring"
	"github.com/banshee-data/dtm.report/internal/results"
	"github.com/banshee-data/dtm.report/internal/tilekey"
)

func init() {
	monitoring.SetLogger(nil)
}

var cond149 = tilekey.Condition{Photons: 149, Noise: 0}

func rec(folder string, cover, rmse float64) results.Record {
	return results.Record{
		Folder:      folder,
		Condition:   cond149,
		Status:      metrics.StatusOK,
		RMSE:        rmse,
		Bias:        rmse / 2,
		Canopy:      &results.Stat{Mean: cover, Std: 0.05},
		DataCount:   90,
		NoDataCount: 10,
	}
}

func TestEstimate_AllWithinLimit(t *testing.T) {
	t.Parallel()

	recs := []results.Record{
		rec("paracou", 0.10, 1),
		rec("paracou", 0.105, 2),
		rec("paracou", 0.50, 3),
		rec("paracou", 0.505, 3.5),
	}
	rep, err := Estimate(recs, DefaultParams())
	require.NoError(t, err)
	require.Len(t, rep.Results, 1)
	assert.Empty(t, rep.Skipped)

	r := rep.Results[0]
	assert.Equal(t, 1.0, r.Sensitivity)
	assert.Equal(t, "paracou", r.Folder)
	assert.Equal(t, cond149, r.Condition)
	assert.InDelta(t, 2.375, r.RMSE, 1e-12)
	assert.InDelta(t, 1.1875, r.Bias, 1e-12)
	assert.Equal(t, 360, r.PixelCount)
	assert.Equal(t, 40, r.NoDataCount)
	assert.InDelta(t, 0.1, r.NoDataProp, 1e-12)
	assert.Equal(t, 4, r.Tiles)

	require.Len(t, r.Bins, 50)
	assert.Equal(t, 2, r.Bins[5].Count)
	assert.InDelta(t, 1.5, r.Bins[5].MeanRMSE, 1e-12)
	assert.InDelta(t, 3.25, r.Bins[25].MeanRMSE, 1e-12)
	assert.True(t, math.IsNaN(r.Bins[0].MeanRMSE))
	assert.Equal(t, 10.0, r.Bins[5].Lower)
	assert.Equal(t, 12.0, r.Bins[5].Upper)

	require.NotNil(t, r.Fit)
	assert.InDelta(t, 0.0875, r.Fit.Slope, 1e-12)
	assert.InDelta(t, 1.0625, r.Fit.Intercept, 1e-12)
}

func TestEstimate_AllAboveLimitSkipsGroup(t *testing.T) {
	t.Parallel()

	recs := []results.Record{
		rec("paracou", 0.10, 5),
		rec("paracou", 0.11, 6),
		rec("paracou", 0.60, 7),
		rec("paracou", 0.61, 9),
	}
	rep, err := Estimate(recs, DefaultParams())
	require.NoError(t, err)
	assert.Empty(t, rep.Results)
	require.Len(t, rep.Skipped, 1)
	assert.ErrorIs(t, rep.Skipped[0].Err, ErrNeverAcceptable)
}

func TestEstimate_SparseBinsDiscarded(t *testing.T) {
	t.Parallel()

	recs := []results.Record{
		rec("paracou", 0.10, 1),
		rec("paracou", 0.30, 1),
		rec("paracou", 0.70, 9),
	}
	rep, err := Estimate(recs, DefaultParams())
	require.NoError(t, err)
	assert.Empty(t, rep.Results)
	require.Len(t, rep.Skipped, 1)
	assert.ErrorIs(t, rep.Skipped[0].Err, ErrInsufficientData)
}

func TestEstimate_ThresholdIsLowestExceedingCover(t *testing.T) {
	t.Parallel()

	recs := []results.Record{
		rec("paracou", 0.10, 1),
		rec("paracou", 0.11, 2),
		rec("paracou", 0.20, 9), // alone in its bin, discarded
		rec("paracou", 0.50, 6),
		rec("paracou", 0.505, 7),
		rec("paracou", 0.80, 5),
		rec("paracou", 0.81, 3),
	}
	rep, err := Estimate(recs, DefaultParams())
	require.NoError(t, err)
	require.Len(t, rep.Results, 1)
	assert.Equal(t, 0.50, rep.Results[0].Sensitivity)
	assert.Equal(t, 6, rep.Results[0].Tiles)
}

func TestEstimate_OutlierModes(t *testing.T) {
	t.Parallel()

	recs := []results.Record{
		rec("paracou", 0.10, 1),
		rec("paracou", 0.11, 2),
		rec("paracou", 0.30, 3),
		rec("paracou", 0.31, 20),
	}

	testCases := []struct {
		mode  OutlierMode
		want  float64
		tiles int
	}{
		{IncludeOutliers, 0.31, 4},
		{ExcludeUpperQuartile, 1.0, 3},
	}
	for _, tc := range testCases {
		t.Run(string(tc.mode), func(t *testing.T) {
			t.Parallel()
			p := DefaultParams()
			p.OutlierMode = tc.mode
			rep, err := Estimate(recs, p)
			require.NoError(t, err)
			require.Len(t, rep.Results, 1)
			assert.Equal(t, tc.want, rep.Results[0].Sensitivity)
			assert.Equal(t, tc.tiles, rep.Results[0].Tiles)
		})
	}
}

func TestEstimate_GroupingAndFilters(t *testing.T) {
	t.Parallel()

	n8 := tilekey.Condition{Photons: 149, Noise: 8}
	withCond := func(r results.Record, c tilekey.Condition) results.Record {
		r.Condition = c
		return r
	}
	sparse := rec("wind_river", 0.101, 1)
	sparse.DataCount, sparse.NoDataCount = 10, 90

	recs := []results.Record{
		rec("wind_river", 0.10, 1), rec("wind_river", 0.10, 1), sparse,
		rec("paracou", 0.10, 1), rec("paracou", 0.10, 1),
		withCond(rec("paracou", 0.10, 2), n8), withCond(rec("paracou", 0.10, 2), n8),
		{Folder: "paracou", Condition: cond149, Status: metrics.StatusShapeMismatch},
		{Folder: "paracou", Condition: cond149, Status: metrics.StatusDegraded, Canopy: nil},
		{Folder: "paracou", Condition: cond149, Status: metrics.StatusOK, RMSE: 1},
	}

	p := DefaultParams()
	p.MinDataProportion = 0.5
	p.LasSettings = "11"
	rep, err := Estimate(recs, p)
	require.NoError(t, err)
	require.Len(t, rep.Results, 3)
	assert.Equal(t, "paracou", rep.Results[0].Folder)
	assert.Equal(t, cond149, rep.Results[0].Condition)
	assert.Equal(t, n8, rep.Results[1].Condition)
	assert.Equal(t, "wind_river", rep.Results[2].Folder)
	assert.Equal(t, 2, rep.Results[2].Tiles)
	for _, r := range rep.Results {
		assert.Equal(t, "11", r.LasSettings)
	}

	p.Merged = true
	rep, err = Estimate(recs, p)
	require.NoError(t, err)
	require.Len(t, rep.Results, 2)
	assert.Equal(t, MergedFolder, rep.Results[0].Folder)
	assert.Equal(t, 4, rep.Results[0].Tiles)
}

func TestEstimate_NonFiniteMetricsDropped(t *testing.T) {
	t.Parallel()

	nanBias := rec("paracou", 0.10, 1)
	nanBias.Bias = math.NaN()
	infRMSE := rec("paracou", 0.10, math.Inf(1))
	recs := []results.Record{
		rec("paracou", 0.10, 1), rec("paracou", 0.11, 3), nanBias, infRMSE,
	}

	rep, err := Estimate(recs, DefaultParams())
	require.NoError(t, err)
	require.Len(t, rep.Results, 1)
	r := rep.Results[0]
	assert.Equal(t, 2, r.Tiles)
	assert.InDelta(t, 2.0, r.RMSE, 1e-12)
	assert.InDelta(t, 1.0, r.Bias, 1e-12)
}

func TestDropUpperQuartile_InterpolatedBoundary(t *testing.T) {
	t.Parallel()

	var rows []results.Record
	for _, v := range []float64{5, 1, 4, 2, 3} {
		rows = append(rows, rec("paracou", 0.10, v))
	}
	// Rank (5-1)*0.75 = 3 lands on 4, so only 5 is dropped.
	kept := dropUpperQuartile(rows)
	var got []float64
	for _, r := range kept {
		got = append(got, r.RMSE)
	}
	assert.Equal(t, []float64{4, 1, 2, 3}, got)

	assert.InDelta(t, 3.25, upperQuartile([]float64{1, 2, 3, 4}), 1e-12)
	assert.Equal(t, 7.0, upperQuartile([]float64{7}))
	assert.Empty(t, dropUpperQuartile(nil))
}

func TestParamsValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultParams().Validate())

	testCases := []struct {
		name   string
		mutate func(*Params)
	}{
		{"zero limit", func(p *Params) { p.ErrorLimit = 0 }},
		{"wide bins", func(p *Params) { p.BinWidthPercent = 101 }},
		{"zero tiles", func(p *Params) { p.MinTilesPerBin = 0 }},
		{"mode", func(p *Params) { p.OutlierMode = "median" }},
		{"proportion", func(p *Params) { p.MinDataProportion = 1.5 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := DefaultParams()
			tc.mutate(&p)
			assert.Error(t, p.Validate())
			_, err := Estimate(nil, p)
			assert.Error(t, err)
		})
	}
}

func TestBinIndex(t *testing.T) {
	t.Parallel()

	n := binCount(2)
	assert.Equal(t, 50, n)
	assert.Equal(t, 0, binIndex(0, 2, n))
	assert.Equal(t, 0, binIndex(0.019, 2, n))
	assert.Equal(t, 1, binIndex(0.021, 2, n))
	assert.Equal(t, 49, binIndex(1.0, 2, n))
	assert.Equal(t, 4, binCount(30))
	assert.Equal(t, 3, binIndex(0.95, 30, 4))
}

func TestWriteTableAndCurves(t *testing.T) {
	t.Parallel()

	rep, err := Estimate([]results.Record{
		rec("paracou", 0.10, 1), rec("paracou", 0.105, 2),
		rec("paracou", 0.50, 3), rec("paracou", 0.505, 3.5),
	}, DefaultParams())
	require.NoError(t, err)

	var tbl bytes.Buffer
	require.NoError(t, WriteTable(&tbl, rep.Results))
	lines := strings.Split(strings.TrimSpace(tbl.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Folder,las_settings,nPhotons,Noise,RMSE,Bias,Pixel_count,nodata_count,nodata_prop,beam_sensitivity", lines[0])
	assert.Equal(t, "paracou,,149,0,2.375,1.1875,360,40,0.1,1", lines[1])

	var curves bytes.Buffer
	require.NoError(t, WriteCurves(&curves, rep.Results))
	lines = strings.Split(strings.TrimSpace(curves.String()), "\n")
	require.Len(t, lines, 51)
	assert.True(t, strings.HasPrefix(lines[1], "paracou,149,0,0,2,0,,1.06"), lines[1])
	assert.True(t, strings.HasPrefix(lines[6], "paracou,149,0,10,12,2,1.5,"), lines[6])
}
