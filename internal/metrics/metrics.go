// Package metrics compares a simulated elevation grid against its reference
// and reports RMSE, R², bias and a cell-wise difference grid.
package metrics

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/dtm.report/internal/raster"
)

// ErrNoOverlap is returned by Compare when no cell holds valid data in both
// grids. The caller should skip the tile.
var ErrNoOverlap = errors.New("no overlapping valid data")

// ErrShapeMismatch wraps the alignment failure held in Comparison.Mismatch.
var ErrShapeMismatch = errors.New("grids cannot be compared cell by cell")

// Status classifies a Comparison.
type Status int

const (
	// StatusOK means the metrics were computed and are in band.
	StatusOK Status = iota
	// StatusShapeMismatch means the grids could not be compared cell by
	// cell. No metrics or counts are set.
	StatusShapeMismatch
	// StatusDegraded means R² fell outside [-1, 1]. RMSE, R² and bias are
	// zeroed; counts and the difference grid are kept.
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusShapeMismatch:
		return "shape_mismatch"
	case StatusDegraded:
		return "degraded"
	}
	return "unknown"
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{StatusOK, StatusShapeMismatch, StatusDegraded} {
		if st.String() == s {
			return st, nil
		}
	}
	return StatusOK, fmt.Errorf("unknown comparison status %q", s)
}

// Conventions declares the no-data values of each grid kind.
type Conventions struct {
	ReferenceNoData  float64
	SimulatedNoData  float64
	DifferenceNoData float64
}

// DefaultConventions returns the ALS/simulator conventions: -999 for the
// reference, 0 ("no ground return") for the simulation and 0 for the output.
func DefaultConventions() Conventions {
	return Conventions{ReferenceNoData: -999, SimulatedNoData: 0, DifferenceNoData: 0}
}

// Comparison is the outcome of comparing one reference/simulated pair.
type Comparison struct {
	Status Status
	// Mismatch describes why the grids could not be compared when Status is
	// StatusShapeMismatch.
	Mismatch error

	RMSE float64
	R2   float64
	Bias float64 // mean(ref - sim)

	DataCount   int // cells valid in both grids
	NoDataCount int // remaining cells

	// Difference holds ref - sim at valid cells and DifferenceNoData
	// elsewhere, georeferenced like the simulated grid.
	Difference *raster.Grid
	Mask       []bool
}

// Usable reports whether the metrics carry measured values.
func (c Comparison) Usable() bool { return c.Status == StatusOK }

// ValidMask returns true where ref and sim both hold a measurement.
func ValidMask(ref, sim *raster.Grid, conv Conventions) ([]bool, int) {
	mask := make([]bool, len(ref.Data))
	var n int
	for i, r := range ref.Data {
		s := sim.Data[i]
		if r == conv.ReferenceNoData || math.IsNaN(r) || s == conv.SimulatedNoData || math.IsNaN(s) {
			continue
		}
		mask[i] = true
		n++
	}
	return mask, n
}

// Compare computes error metrics of sim against ref.
//
// Grids that differ in shape or pixel lattice produce a StatusShapeMismatch
// comparison and no error. A comparison with no valid cell returns
// ErrNoOverlap alongside the counts.
func Compare(ref, sim *raster.Grid, conv Conventions) (Comparison, error) {
	if err := raster.Aligned(ref, sim); err != nil {
		return Comparison{Status: StatusShapeMismatch, Mismatch: fmt.Errorf("%w: %w", ErrShapeMismatch, err)}, nil
	}
	if err := ref.Check(); err != nil {
		return Comparison{}, err
	}
	if err := sim.Check(); err != nil {
		return Comparison{}, err
	}

	mask, n := ValidMask(ref, sim, conv)
	c := Comparison{
		Mask:        mask,
		DataCount:   n,
		NoDataCount: len(mask) - n,
	}
	if n == 0 {
		return c, ErrNoOverlap
	}

	truth := make([]float64, 0, n)
	est := make([]float64, 0, n)
	diff := make([]float64, 0, n)
	c.Difference = sim.Like(conv.DifferenceNoData)
	for i, ok := range mask {
		if !ok {
			continue
		}
		d := ref.Data[i] - sim.Data[i]
		c.Difference.Data[i] = d
		truth = append(truth, ref.Data[i])
		est = append(est, sim.Data[i])
		diff = append(diff, d)
	}

	ssRes := floats.Dot(diff, diff)
	c.RMSE = math.Sqrt(ssRes / float64(n))
	c.Bias = stat.Mean(diff, nil)
	c.R2 = rSquared(est, truth, ssRes)

	if !(c.R2 >= -1 && c.R2 <= 1) {
		c.Status = StatusDegraded
		c.RMSE, c.R2, c.Bias = 0, 0, 0
	}
	return c, nil
}

// rSquared is 1 - SS_res/SS_tot with the reference as truth. A constant
// reference matched exactly scores 1.
func rSquared(est, truth []float64, ssRes float64) float64 {
	if ssRes == 0 {
		return 1
	}
	return stat.RSquaredFrom(est, truth, nil)
}
