package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/dtm.report/internal/config"
	"github.com/banshee-data/dtm.report/internal/fsutil"
	"github.com/banshee-data/dtm.report/internal/monitoring"
	"github.com/banshee-data/dtm.report/internal/raster"
	"github.com/banshee-data/dtm.report/internal/tilekey"
)

// PointsExt is the extension of per-point text metric files.
const PointsExt = ".txt"

// TopDir holds rasterized top-of-canopy heights; nothing else reads it.
const TopDir = "als_top"

// auxNoData marks empty cells in canopy and slope grids, which treat any
// negative value as missing.
const auxNoData = -1.0

// BandOutput says where one band of a text metric file is written.
type BandOutput struct {
	Band   raster.Band
	Dir    string
	NoData float64
}

// PointGridder rasterizes per-point text metric files.
type PointGridder struct {
	FS         fsutil.FileSystem
	Writer     raster.Writer
	Parser     *raster.MetricParser
	Resolution float64
	CRS        string // WKT stamped on every grid, may be empty
	Outputs    []BandOutput
}

// NewPointGridder configures a gridder for one site: ground goes to the
// reference directory, cover and slope to the auxiliary directories and top
// height to TopDir.
func NewPointGridder(cfg *config.RunConfig, site string, fsys fsutil.FileSystem, w raster.Writer, crs string) *PointGridder {
	return &PointGridder{
		FS:         fsys,
		Writer:     w,
		Parser:     raster.NewMetricParser(cfg.GetPointIDPrefix()),
		Resolution: cfg.GetGridResolution(),
		CRS:        crs,
		Outputs: []BandOutput{
			{Band: raster.BandGround, Dir: cfg.SitePath(site, cfg.GetReferenceDir()), NoData: cfg.GetReferenceNoData()},
			{Band: raster.BandCover, Dir: cfg.SitePath(site, cfg.GetCanopyDir()), NoData: auxNoData},
			{Band: raster.BandSlope, Dir: cfg.SitePath(site, cfg.GetSlopeDir()), NoData: auxNoData},
			{Band: raster.BandTop, Dir: cfg.SitePath(site, TopDir), NoData: cfg.GetReferenceNoData()},
		},
	}
}

// GridStats summarizes a GridDir call.
type GridStats struct {
	Files        int
	Footprints   int
	SkippedLines int
	EmptyFiles   int
}

// GridDir rasterizes every text metric file in dir. Files without a single
// parsable record are logged and skipped.
func (g *PointGridder) GridDir(dir string) (GridStats, error) {
	var st GridStats
	paths, err := fsutil.FindTiles(g.FS, dir, PointsExt)
	if err != nil {
		return st, fmt.Errorf("list %s: %w", dir, err)
	}
	for _, p := range paths {
		n, skipped, err := g.GridFile(p)
		st.SkippedLines += skipped
		if errors.Is(err, raster.ErrNoFootprints) {
			monitoring.Logf("points: %s: no usable records (%d lines skipped)", p, skipped)
			st.EmptyFiles++
			continue
		}
		if err != nil {
			return st, err
		}
		st.Files++
		st.Footprints += n
	}
	return st, nil
}

// GridFile rasterizes one file into each configured output, named after the
// file's stem. It returns the footprint and skipped line counts.
func (g *PointGridder) GridFile(path string) (footprints, skipped int, err error) {
	f, err := g.FS.Open(path)
	if err != nil {
		return 0, 0, err
	}
	set, err := g.Parser.Parse(f)
	f.Close()
	if err != nil {
		return 0, set.Skipped, fmt.Errorf("%s: %w", path, err)
	}
	if set.Skipped > 0 {
		monitoring.Logf("points: %s: skipped %d unparseable lines", path, set.Skipped)
	}

	name := tilekey.Stem(path) + TileExt
	for _, out := range g.Outputs {
		grid, err := raster.Rasterize(set.Footprints, out.Band, g.Resolution, out.NoData)
		if err != nil {
			return 0, set.Skipped, err
		}
		grid.CRS = g.CRS
		dst := filepath.Join(out.Dir, name)
		if err := g.Writer.Write(dst, grid); err != nil {
			return 0, set.Skipped, fmt.Errorf("write %s: %w", dst, err)
		}
	}
	return len(set.Footprints), set.Skipped, nil
}
