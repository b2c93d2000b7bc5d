// Package pipeline runs the per-site comparison: it discovers reference and
// simulated tiles, pairs them, computes error metrics, attributes canopy and
// slope statistics and collects the rows of the site summary table.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/dtm.report/internal/attribution"
	"github.com/banshee-data/dtm.report/internal/fsutil"
	"github.com/banshee-data/dtm.report/internal/matcher"
	"github.com/banshee-data/dtm.report/internal/metrics"
	"github.com/banshee-data/dtm.report/internal/monitoring"
	"github.com/banshee-data/dtm.report/internal/raster"
	"github.com/banshee-data/dtm.report/internal/results"
	"github.com/banshee-data/dtm.report/internal/tilekey"
	"github.com/banshee-data/dtm.report/internal/units"
)

// Reasons recorded in SiteResult.Skipped in addition to the matcher's.
const (
	ReasonNoOverlap = "no_overlap"
)

// TileExt is the extension of every raster the pipeline reads or writes.
const TileExt = ".tif"

// Options configures one site run. Directories are full paths.
type Options struct {
	Site          string
	ReferenceDir  string
	SimulatedDir  string
	CanopyDir     string
	SlopeDir      string
	DifferenceDir string // empty disables difference rasters

	Conventions     metrics.Conventions
	OverlapFraction float64
	IncludeSlope    bool
	SlopeUnits      string
	Workers         int
}

// Runner holds the I/O collaborators of a run.
type Runner struct {
	FS     fsutil.FileSystem
	Reader raster.Reader
	Writer raster.Writer // nil disables difference rasters
}

// SiteResult is the outcome of RunSite.
type SiteResult struct {
	Site    string
	Records []results.Record
	Pairs   int
	Skipped *monitoring.Tally

	ShapeMismatches int
	Degraded        int
}

// Table returns the records as a summary table.
func (r *SiteResult) Table(withSlope bool) *results.Table {
	t := results.NewTable(withSlope)
	t.AppendAll(r.Records)
	return t
}

// RunSite compares every matched tile of one site. Recoverable per-tile
// conditions are logged and counted; I/O failures abort the run.
func (r *Runner) RunSite(ctx context.Context, opts Options) (*SiteResult, error) {
	refs, err := fsutil.FindTiles(r.FS, opts.ReferenceDir, TileExt)
	if err != nil {
		return nil, fmt.Errorf("%s: list reference tiles: %w", opts.Site, err)
	}
	sims, err := fsutil.FindTiles(r.FS, opts.SimulatedDir, TileExt)
	if err != nil {
		return nil, fmt.Errorf("%s: list simulated tiles: %w", opts.Site, err)
	}

	match := matcher.Match(refs, sims)
	monitoring.Logf("%s: %d reference, %d simulated tiles, %d pairs covering %d simulated",
		opts.Site, len(refs), len(sims), len(match.Pairs), match.Simulated())
	if err := match.Require(); err != nil {
		return nil, fmt.Errorf("%s: %w", opts.Site, err)
	}

	attr, err := r.attributor(opts)
	if err != nil {
		return nil, err
	}

	out := &SiteResult{Site: opts.Site, Pairs: len(match.Pairs), Skipped: monitoring.NewTally()}
	out.Skipped.Merge(match.Skipped)

	perPair := make([][]results.Record, len(match.Pairs))
	err = forEachOrdered(ctx, len(match.Pairs), opts.Workers, func(i int) error {
		recs, err := r.comparePair(opts, attr, match.Pairs[i], out.Skipped)
		perPair[i] = recs
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, recs := range perPair {
		for _, rec := range recs {
			switch rec.Status {
			case metrics.StatusShapeMismatch:
				out.ShapeMismatches++
			case metrics.StatusDegraded:
				out.Degraded++
			}
		}
		out.Records = append(out.Records, recs...)
	}
	monitoring.Logf("%s: %d records, %d shape mismatches, %d degraded, skipped: %s",
		opts.Site, len(out.Records), out.ShapeMismatches, out.Degraded, out.Skipped)
	return out, nil
}

func (r *Runner) attributor(opts Options) (*attribution.Attributor, error) {
	canopyPaths, err := fsutil.FindTiles(r.FS, opts.CanopyDir, TileExt)
	if err != nil {
		return nil, fmt.Errorf("%s: list canopy rasters: %w", opts.Site, err)
	}
	canopy, err := attribution.BuildIndex(canopyPaths, r.Reader, opts.OverlapFraction)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opts.Site, err)
	}
	a := &attribution.Attributor{Canopy: canopy, Reader: r.Reader}

	if opts.IncludeSlope {
		slopePaths, err := fsutil.FindTiles(r.FS, opts.SlopeDir, TileExt)
		if err != nil {
			return nil, fmt.Errorf("%s: list slope rasters: %w", opts.Site, err)
		}
		if a.Slope, err = attribution.BuildIndex(slopePaths, r.Reader, opts.OverlapFraction); err != nil {
			return nil, fmt.Errorf("%s: %w", opts.Site, err)
		}
		if opts.SlopeUnits != "" && opts.SlopeUnits != units.Degrees {
			a.SlopeReader = SlopeReader(r.Reader, opts.SlopeUnits)
		}
	}
	return a, nil
}

// comparePair reads the reference tile once and compares every simulated
// tile sharing its origin.
func (r *Runner) comparePair(opts Options, attr *attribution.Attributor, p matcher.Pair, skipped *monitoring.Tally) ([]results.Record, error) {
	ref, err := r.Reader.Read(p.Reference.Path)
	if err != nil {
		return nil, fmt.Errorf("%s: read reference %s: %w", opts.Site, p.Reference.Path, err)
	}

	var recs []results.Record
	for _, sim := range p.Simulated {
		rec, ok, err := r.compareTile(opts, attr, ref, sim)
		if err != nil {
			return nil, err
		}
		if !ok {
			skipped.Inc(ReasonNoOverlap)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (r *Runner) compareTile(opts Options, attr *attribution.Attributor, ref *raster.Grid, sim tilekey.Name) (results.Record, bool, error) {
	grid, err := r.Reader.Read(sim.Path)
	if err != nil {
		return results.Record{}, false, fmt.Errorf("%s: read simulated %s: %w", opts.Site, sim.Path, err)
	}

	c, err := metrics.Compare(ref, grid, opts.Conventions)
	if errors.Is(err, metrics.ErrNoOverlap) {
		monitoring.Logf("%s: skipping %s %s: %v", opts.Site, sim.Stem, sim.Condition, err)
		return results.Record{}, false, nil
	}
	if err != nil {
		return results.Record{}, false, fmt.Errorf("%s: compare %s: %w", opts.Site, sim.Path, err)
	}

	switch c.Status {
	case metrics.StatusShapeMismatch:
		monitoring.Logf("%s: %s %s: %v", opts.Site, sim.Stem, sim.Condition, c.Mismatch)
		return results.NewRecord(opts.Site, sim, c, attribution.Attribution{}), true, nil
	case metrics.StatusDegraded:
		monitoring.Logf("%s: %s %s: R² outside [-1, 1], metrics zeroed", opts.Site, sim.Stem, sim.Condition)
	}

	if r.Writer != nil && opts.DifferenceDir != "" {
		path := filepath.Join(opts.DifferenceDir, sim.Stem+TileExt)
		if err := r.Writer.Write(path, c.Difference); err != nil {
			return results.Record{}, false, fmt.Errorf("%s: write difference %s: %w", opts.Site, path, err)
		}
	}

	var a attribution.Attribution
	if c.Status == metrics.StatusOK {
		if a, err = attr.Attribute(c.Difference.Bounds()); err != nil {
			return results.Record{}, false, fmt.Errorf("%s: attribute %s: %w", opts.Site, sim.Stem, err)
		}
	}
	return results.NewRecord(opts.Site, sim, c, a), true, nil
}

// SlopeReader wraps r so that slope cells are returned in the given units.
// Negative and no-data cells are left untouched.
func SlopeReader(r raster.Reader, slopeUnits string) raster.Reader {
	return raster.ReaderFunc(func(path string) (*raster.Grid, error) {
		g, err := r.Read(path)
		if err != nil {
			return nil, err
		}
		out := g.Clone()
		for i, v := range out.Data {
			if out.IsNoData(v) || v < 0 {
				continue
			}
			out.Data[i] = units.ConvertSlope(v, slopeUnits)
		}
		return out, nil
	})
}
