// Package attribution links a tile's difference grid to the canopy cover and
// slope rasters that cover the same ground.
package attribution

import (
	"fmt"
	"math"
	"sort"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/dtm.report/internal/monitoring"
	"github.com/banshee-data/dtm.report/internal/raster"
)

// DefaultOverlapFraction is the share of both extents that must overlap for a
// candidate to qualify.
const DefaultOverlapFraction = 0.9

// Summary is the mean and population standard deviation of an auxiliary
// raster over its valid cells.
type Summary struct {
	Path  string
	Mean  float64
	Std   float64
	Count int
}

// Summarize reduces g to a Summary. Cells that are negative, NaN or equal to
// the grid's no-data value are ignored. ok is false when no cell remains.
func Summarize(g *raster.Grid) (s Summary, ok bool) {
	vals := make([]float64, 0, len(g.Data))
	for _, v := range g.Data {
		if v < 0 || g.IsNoData(v) {
			continue
		}
		vals = append(vals, v)
	}
	if len(vals) == 0 {
		return Summary{}, false
	}
	s.Mean, s.Std = stat.PopMeanStdDev(vals, nil)
	s.Count = len(vals)
	return s, true
}

// OverlapArea returns the area shared by a and b.
func OverlapArea(a, b *geom.Bounds) float64 {
	w := math.Min(a.Max.X, b.Max.X) - math.Max(a.Min.X, b.Min.X)
	h := math.Min(a.Max.Y, b.Max.Y) - math.Max(a.Min.Y, b.Min.Y)
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Qualifies reports whether the overlap of a and b is at least fraction of
// each of their areas.
func Qualifies(a, b *geom.Bounds, fraction float64) bool {
	ov := OverlapArea(a, b)
	if ov == 0 {
		return false
	}
	return ov >= fraction*a.Area() && ov >= fraction*b.Area()
}

// entry is an indexed candidate. The embedded Geom is a copy of b so the
// tree sees the extent through Bounds().
type entry struct {
	geom.Geom
	b     *geom.Bounds
	order int
	path  string
}

// Index finds auxiliary rasters by extent. Candidates keep the order they
// were added in; the first qualifying one wins.
type Index struct {
	tree     *rtree.Rtree
	entries  []*entry
	fraction float64
}

// NewIndex returns an empty index. A fraction outside (0, 1] selects
// DefaultOverlapFraction.
func NewIndex(fraction float64) *Index {
	if !(fraction > 0 && fraction <= 1) {
		fraction = DefaultOverlapFraction
	}
	return &Index{tree: rtree.NewTree(25, 50), fraction: fraction}
}

// Add registers a candidate raster with its extent.
func (ix *Index) Add(path string, b *geom.Bounds) {
	e := &entry{Geom: b.Copy(), b: b.Copy(), order: len(ix.entries), path: path}
	ix.entries = append(ix.entries, e)
	ix.tree.Insert(e)
}

// Len returns the number of candidates.
func (ix *Index) Len() int { return len(ix.entries) }

// Find returns the path of the first candidate, in insertion order, whose
// extent qualifies against extent.
func (ix *Index) Find(extent *geom.Bounds) (string, bool) {
	hits := ix.tree.SearchIntersect(extent)
	sort.Slice(hits, func(i, j int) bool {
		return hits[i].(*entry).order < hits[j].(*entry).order
	})
	for _, h := range hits {
		e := h.(*entry)
		if Qualifies(extent, e.b, ix.fraction) {
			return e.path, true
		}
	}
	return "", false
}

// BuildIndex reads each path's extent through r and indexes it. Paths are
// added in the order given.
func BuildIndex(paths []string, r raster.Reader, fraction float64) (*Index, error) {
	ix := NewIndex(fraction)
	for _, p := range paths {
		g, err := r.Read(p)
		if err != nil {
			return nil, fmt.Errorf("index %s: %w", p, err)
		}
		ix.Add(p, g.Bounds())
	}
	return ix, nil
}

// Attributor summarizes the auxiliary rasters that cover a tile.
type Attributor struct {
	Canopy *Index
	Slope  *Index // nil when slope is not reported
	Reader raster.Reader

	// SlopeReader loads slope rasters when set, so values can be converted
	// to the reporting units before they are summarized.
	SlopeReader raster.Reader
}

// Attribution holds the canopy and slope summaries for one tile. A nil
// field means no qualifying raster was found.
type Attribution struct {
	Canopy *Summary
	Slope  *Summary
}

// Attribute looks up the canopy and slope rasters for extent. A missing
// candidate is not an error; a read failure is.
func (a *Attributor) Attribute(extent *geom.Bounds) (Attribution, error) {
	var out Attribution
	var err error
	if out.Canopy, err = a.lookup("canopy", a.Canopy, a.Reader, extent); err != nil {
		return out, err
	}
	slopeReader := a.SlopeReader
	if slopeReader == nil {
		slopeReader = a.Reader
	}
	if out.Slope, err = a.lookup("slope", a.Slope, slopeReader, extent); err != nil {
		return out, err
	}
	return out, nil
}

func (a *Attributor) lookup(kind string, ix *Index, r raster.Reader, extent *geom.Bounds) (*Summary, error) {
	if ix == nil {
		return nil, nil
	}
	path, ok := ix.Find(extent)
	if !ok {
		monitoring.Logf("attribution: no %s raster covers %.1f,%.1f-%.1f,%.1f",
			kind, extent.Min.X, extent.Min.Y, extent.Max.X, extent.Max.Y)
		return nil, nil
	}
	g, err := r.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read %s raster %s: %w", kind, path, err)
	}
	s, ok := Summarize(g)
	if !ok {
		monitoring.Logf("attribution: %s raster %s has no valid cells", kind, path)
		return nil, nil
	}
	s.Path = path
	return &s, nil
}
