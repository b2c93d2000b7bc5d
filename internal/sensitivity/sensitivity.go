// Package sensitivity derives the beam sensitivity of each simulated
// condition: the canopy cover above which ground elevation error exceeds an
// acceptable limit.
package sensitivity

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/dtm.report/internal/metrics"
	"github.com/banshee-data/dtm.report/internal/monitoring"
	"github.com/banshee-data/dtm.report/internal/results"
	"github.com/banshee-data/dtm.report/internal/tilekey"
	"github.com/banshee-data/dtm.report/internal/units"
)

var (
	// ErrInsufficientData means no canopy bin held enough tiles.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrNeverAcceptable means every bin's mean RMSE exceeded the limit.
	ErrNeverAcceptable = errors.New("error never within limit")
)

// OutlierMode selects how high-error tiles are treated.
type OutlierMode string

const (
	IncludeOutliers      OutlierMode = "include"
	ExcludeUpperQuartile OutlierMode = "exclude_upper_quartile"
)

// MergedFolder labels results computed over all sites at once.
const MergedFolder = "all"

// Params configures the estimator.
type Params struct {
	ErrorLimit        float64 // RMSE limit
	BinWidthPercent   float64 // canopy cover bin width
	MinTilesPerBin    int
	OutlierMode       OutlierMode
	MinDataProportion float64 // drop tiles with a lower valid-cell share
	Merged            bool    // group across sites
	LasSettings       string  // copied into every result
}

// DefaultParams returns a 4 m limit over 2% bins with at least two tiles.
func DefaultParams() Params {
	return Params{
		ErrorLimit:      4,
		BinWidthPercent: 2,
		MinTilesPerBin:  2,
		OutlierMode:     IncludeOutliers,
	}
}

// Validate checks p.
func (p Params) Validate() error {
	if !(p.ErrorLimit > 0) {
		return fmt.Errorf("error limit must be positive, got %g", p.ErrorLimit)
	}
	if !(p.BinWidthPercent > 0 && p.BinWidthPercent <= 100) {
		return fmt.Errorf("bin width must be in (0, 100], got %g", p.BinWidthPercent)
	}
	if p.MinTilesPerBin < 1 {
		return fmt.Errorf("min tiles per bin must be at least 1, got %d", p.MinTilesPerBin)
	}
	switch p.OutlierMode {
	case IncludeOutliers, ExcludeUpperQuartile:
	default:
		return fmt.Errorf("unknown outlier mode %q", p.OutlierMode)
	}
	if p.MinDataProportion < 0 || p.MinDataProportion > 1 {
		return fmt.Errorf("min data proportion must be in [0, 1], got %g", p.MinDataProportion)
	}
	return nil
}

// Bin is one canopy cover interval [Lower, Upper) in percent.
type Bin struct {
	Index    int
	Lower    float64
	Upper    float64
	Count    int
	MeanRMSE float64 // NaN when Count is 0
}

// Fit is an ordinary least squares line of bin index against mean RMSE.
type Fit struct {
	Intercept float64
	Slope     float64
}

// At evaluates the line at bin index i.
func (f Fit) At(i int) float64 { return f.Intercept + f.Slope*float64(i) }

// Result is the beam sensitivity of one condition at one site.
type Result struct {
	Folder      string
	LasSettings string
	Condition   tilekey.Condition

	RMSE        float64 // mean over the tiles used
	Bias        float64
	PixelCount  int
	NoDataCount int
	NoDataProp  float64

	Sensitivity float64 // canopy cover fraction, 1 when never exceeded
	Tiles       int

	Bins []Bin
	Fit  *Fit // nil with fewer than two populated bins
}

// Skip records a group that produced no result.
type Skip struct {
	Folder    string
	Condition tilekey.Condition
	Err       error
}

// Report is the estimator output in folder then condition order.
type Report struct {
	Results []Result
	Skipped []Skip
}

type groupKey struct {
	folder string
	cond   tilekey.Condition
}

// Estimate computes beam sensitivity for every (site, condition) group in
// recs, or every condition when p.Merged is set. Rows without usable metrics
// or canopy cover are ignored.
func Estimate(recs []results.Record, p Params) (Report, error) {
	if err := p.Validate(); err != nil {
		return Report{}, err
	}

	groups := make(map[groupKey][]results.Record)
	for _, r := range recs {
		if !usable(r, p) {
			continue
		}
		k := groupKey{folder: r.Folder, cond: r.Condition}
		if p.Merged {
			k.folder = MergedFolder
		}
		groups[k] = append(groups[k], r)
	}

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].folder != keys[j].folder {
			return keys[i].folder < keys[j].folder
		}
		return keys[i].cond.Less(keys[j].cond)
	})

	var rep Report
	for _, k := range keys {
		res, err := estimateGroup(groups[k], p)
		if err != nil {
			monitoring.Logf("sensitivity: %s %s skipped: %v", k.folder, k.cond, err)
			rep.Skipped = append(rep.Skipped, Skip{Folder: k.folder, Condition: k.cond, Err: err})
			continue
		}
		res.Folder = k.folder
		res.Condition = k.cond
		res.LasSettings = p.LasSettings
		rep.Results = append(rep.Results, res)
	}
	return rep, nil
}

func usable(r results.Record, p Params) bool {
	if r.Status != metrics.StatusOK || r.Canopy == nil {
		return false
	}
	if r.Canopy.Mean < 0 || r.RMSE < 0 || !finite(r.RMSE) || !finite(r.Bias) {
		return false
	}
	return r.ValidProportion() >= p.MinDataProportion
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func binCount(width float64) int {
	return int(math.Ceil(100 / width))
}

// binIndex places a canopy fraction in its percentage bin.
func binIndex(cover, width float64, n int) int {
	i := int(math.Floor(units.CoverPercent(cover) / width))
	if i >= n {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

func estimateGroup(rows []results.Record, p Params) (Result, error) {
	n := binCount(p.BinWidthPercent)
	idx := make([]int, len(rows))
	counts := make([]int, n)
	for i, r := range rows {
		idx[i] = binIndex(r.Canopy.Mean, p.BinWidthPercent, n)
		counts[idx[i]]++
	}

	var kept []results.Record
	var keptIdx []int
	for i, r := range rows {
		if counts[idx[i]] >= p.MinTilesPerBin {
			kept = append(kept, r)
			keptIdx = append(keptIdx, idx[i])
		}
	}
	if len(kept) == 0 {
		return Result{}, ErrInsufficientData
	}

	bins := make([]Bin, n)
	sums := make([]float64, n)
	for i := range bins {
		bins[i] = Bin{
			Index: i,
			Lower: float64(i) * p.BinWidthPercent,
			Upper: math.Min(float64(i+1)*p.BinWidthPercent, 100),
		}
	}
	for i, r := range kept {
		b := keptIdx[i]
		bins[b].Count++
		sums[b] += r.RMSE
	}
	acceptable := false
	for i := range bins {
		if bins[i].Count == 0 {
			bins[i].MeanRMSE = math.NaN()
			continue
		}
		bins[i].MeanRMSE = sums[i] / float64(bins[i].Count)
		if bins[i].MeanRMSE <= p.ErrorLimit {
			acceptable = true
		}
	}
	if !acceptable {
		return Result{}, ErrNeverAcceptable
	}

	used := kept
	if p.OutlierMode == ExcludeUpperQuartile {
		used = dropUpperQuartile(kept)
	}

	res := Result{Bins: bins, Tiles: len(used), Sensitivity: 1}
	var exceeded []float64
	rmse := make([]float64, len(used))
	bias := make([]float64, len(used))
	var nodata int
	for i, r := range used {
		rmse[i], bias[i] = r.RMSE, r.Bias
		res.PixelCount += r.DataCount
		nodata += r.NoDataCount
		if r.RMSE > p.ErrorLimit {
			exceeded = append(exceeded, r.Canopy.Mean)
		}
	}
	if len(exceeded) > 0 {
		res.Sensitivity = floats.Min(exceeded)
	}
	res.RMSE = stat.Mean(rmse, nil)
	res.Bias = stat.Mean(bias, nil)
	res.NoDataCount = nodata
	if total := res.PixelCount + nodata; total > 0 {
		res.NoDataProp = float64(nodata) / float64(total)
	}
	res.Fit = fitBins(bins)
	return res, nil
}

// dropUpperQuartile removes tiles whose RMSE is above the 75th percentile,
// interpolated between closest ranks as numpy and matplotlib boxplots do.
func dropUpperQuartile(rows []results.Record) []results.Record {
	if len(rows) == 0 {
		return rows
	}
	sorted := make([]float64, len(rows))
	for i, r := range rows {
		sorted[i] = r.RMSE
	}
	sort.Float64s(sorted)
	q := upperQuartile(sorted)

	out := make([]results.Record, 0, len(rows))
	for _, r := range rows {
		if r.RMSE <= q {
			out = append(out, r)
		}
	}
	return out
}

// upperQuartile returns the 0.75 quantile of sorted, interpolating at rank
// (n-1)*0.75.
func upperQuartile(sorted []float64) float64 {
	h := float64(len(sorted)-1) * 0.75
	lo := int(math.Floor(h))
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

func fitBins(bins []Bin) *Fit {
	var x, y []float64
	for _, b := range bins {
		if math.IsNaN(b.MeanRMSE) {
			continue
		}
		x = append(x, float64(b.Index))
		y = append(y, b.MeanRMSE)
	}
	if len(x) < 2 {
		return nil
	}
	alpha, beta := stat.LinearRegression(x, y, nil, false)
	return &Fit{Intercept: alpha, Slope: beta}
}
