// Package results accumulates per-tile comparison records into a columnar
// table and reads and writes it as CSV.
package results

import (
	"github.com/banshee-data/dtm.report/internal/attribution"
	"github.com/banshee-data/dtm.report/internal/metrics"
	"github.com/banshee-data/dtm.report/internal/tilekey"
)

const (
	// Sentinel fills numeric fields that have no result: every metric of a
	// shape-mismatched tile and the attribution of a tile no auxiliary
	// raster covers.
	Sentinel = -999.0
	// DegradedMarker fills the attribution fields of a tile whose R² fell
	// outside [-1, 1].
	DegradedMarker = -900.0
)

// Stat is a mean and standard deviation pair.
type Stat struct {
	Mean float64
	Std  float64
}

// Record is one row of the per-site summary table. Optional values are nil
// when absent; sentinels only appear once the record is serialized.
type Record struct {
	Folder    string // site
	File      string // simulated tile stem
	Condition tilekey.Condition

	Status metrics.Status
	RMSE   float64
	R2     float64
	Bias   float64

	Canopy *Stat
	Slope  *Stat

	DataCount   int
	NoDataCount int
}

// NewRecord builds the row for one compared tile.
func NewRecord(site string, sim tilekey.Name, c metrics.Comparison, attr attribution.Attribution) Record {
	r := Record{
		Folder:      site,
		File:        sim.Stem,
		Condition:   sim.Condition,
		Status:      c.Status,
		RMSE:        c.RMSE,
		R2:          c.R2,
		Bias:        c.Bias,
		DataCount:   c.DataCount,
		NoDataCount: c.NoDataCount,
	}
	if attr.Canopy != nil {
		r.Canopy = &Stat{Mean: attr.Canopy.Mean, Std: attr.Canopy.Std}
	}
	if attr.Slope != nil {
		r.Slope = &Stat{Mean: attr.Slope.Mean, Std: attr.Slope.Std}
	}
	return r
}

// ValidProportion is DataCount over all counted cells, or 0 when nothing
// was counted.
func (r Record) ValidProportion() float64 {
	total := r.DataCount + r.NoDataCount
	if total <= 0 || r.Status == metrics.StatusShapeMismatch {
		return 0
	}
	return float64(r.DataCount) / float64(total)
}

// metricValues returns RMSE, R², bias and the counts as written.
func (r Record) metricValues() (rmse, r2, bias, nodata, data float64) {
	if r.Status == metrics.StatusShapeMismatch {
		return Sentinel, Sentinel, Sentinel, Sentinel, Sentinel
	}
	return r.RMSE, r.R2, r.Bias, float64(r.NoDataCount), float64(r.DataCount)
}

// statValues returns the mean and std written for an attribution field.
func (r Record) statValues(s *Stat) (mean, std float64) {
	switch {
	case r.Status == metrics.StatusShapeMismatch:
		return Sentinel, Sentinel
	case r.Status == metrics.StatusDegraded:
		return DegradedMarker, DegradedMarker
	case s == nil:
		return Sentinel, Sentinel
	}
	return s.Mean, s.Std
}
