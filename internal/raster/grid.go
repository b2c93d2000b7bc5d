package raster

import (
	"errors"
	"fmt"
	"math"

	"github.com/ctessum/geom"
)

var (
	// ErrShape is returned when two grids do not have the same rows and cols.
	ErrShape = errors.New("raster shapes differ")
	// ErrMisaligned is returned when two grids of equal shape sit on
	// different pixel lattices.
	ErrMisaligned = errors.New("raster pixel grids are not aligned")
)

// Transform is a GDAL geotransform:
//
//	x = T[0] + col*T[1] + row*T[2]
//	y = T[3] + col*T[4] + row*T[5]
//
// The zero value means the grid is not georeferenced.
type Transform [6]float64

// NorthUp returns a transform with the given top-left corner and square
// pixel size.
func NorthUp(originX, originY, res float64) Transform {
	return Transform{originX, res, 0, originY, 0, -res}
}

// IsZero reports whether t carries no georeferencing.
func (t Transform) IsZero() bool { return t == Transform{} }

// PixelSize returns the absolute pixel width and height.
func (t Transform) PixelSize() (w, h float64) {
	return math.Hypot(t[1], t[4]), math.Hypot(t[2], t[5])
}

// Apply maps a fractional (col, row) position to map coordinates.
func (t Transform) Apply(col, row float64) (x, y float64) {
	return t[0] + col*t[1] + row*t[2], t[3] + col*t[4] + row*t[5]
}

// Grid is a single-band raster.
type Grid struct {
	Rows, Cols int
	Data       []float64 // row-major, len = Rows*Cols

	Transform Transform
	CRS       string // WKT, may be empty
	NoData    float64
}

// New returns a rows x cols grid filled with nodata.
func New(rows, cols int, nodata float64) *Grid {
	g := &Grid{Rows: rows, Cols: cols, Data: make([]float64, rows*cols), NoData: nodata}
	g.Fill(nodata)
	return g
}

// Fill sets every cell to v.
func (g *Grid) Fill(v float64) {
	for i := range g.Data {
		g.Data[i] = v
	}
}

// At returns the cell at (row, col).
func (g *Grid) At(row, col int) float64 { return g.Data[row*g.Cols+col] }

// Set stores v at (row, col).
func (g *Grid) Set(row, col int, v float64) { g.Data[row*g.Cols+col] = v }

// Len returns the number of cells.
func (g *Grid) Len() int { return g.Rows * g.Cols }

// IsNoData reports whether v is this grid's no-data value or NaN.
func (g *Grid) IsNoData(v float64) bool {
	return v == g.NoData || math.IsNaN(v)
}

// Check verifies that Data matches the declared shape.
func (g *Grid) Check() error {
	if g.Rows < 0 || g.Cols < 0 {
		return fmt.Errorf("raster: negative shape %dx%d", g.Rows, g.Cols)
	}
	if len(g.Data) != g.Rows*g.Cols {
		return fmt.Errorf("raster: %d cells for shape %dx%d", len(g.Data), g.Rows, g.Cols)
	}
	return nil
}

// Clone returns a deep copy of g.
func (g *Grid) Clone() *Grid {
	c := *g
	c.Data = append([]float64(nil), g.Data...)
	return &c
}

// Like returns an empty grid with g's shape and georeferencing, filled with
// nodata.
func (g *Grid) Like(nodata float64) *Grid {
	c := New(g.Rows, g.Cols, nodata)
	c.Transform = g.Transform
	c.CRS = g.CRS
	return c
}

// SameShape reports whether g and o have equal rows and cols.
func (g *Grid) SameShape(o *Grid) bool {
	return g.Rows == o.Rows && g.Cols == o.Cols
}

// Bounds returns the map extent covered by g. A grid with no transform is
// treated as sitting on a unit lattice with its top-left corner at the
// origin.
func (g *Grid) Bounds() *geom.Bounds {
	t := g.Transform
	if t.IsZero() {
		t = NorthUp(0, float64(g.Rows), 1)
	}
	x, y := t.Apply(0, 0)
	b := geom.NewBoundsPoint(geom.Point{X: x, Y: y})
	for _, c := range [][2]float64{{float64(g.Cols), 0}, {0, float64(g.Rows)}, {float64(g.Cols), float64(g.Rows)}} {
		x, y = t.Apply(c[0], c[1])
		b.Extend(geom.NewBoundsPoint(geom.Point{X: x, Y: y}))
	}
	return b
}

// Aligned checks that a and b can be compared cell by cell. Shapes must
// match. When both grids are georeferenced their pixel sizes must agree and
// their origins must lie within half a pixel of each other.
func Aligned(a, b *Grid) error {
	if !a.SameShape(b) {
		return fmt.Errorf("%w: %dx%d vs %dx%d", ErrShape, a.Rows, a.Cols, b.Rows, b.Cols)
	}
	if a.Transform.IsZero() || b.Transform.IsZero() {
		return nil
	}
	aw, ah := a.Transform.PixelSize()
	bw, bh := b.Transform.PixelSize()
	if !closeTo(aw, bw) || !closeTo(ah, bh) {
		return fmt.Errorf("%w: pixel size %gx%g vs %gx%g", ErrMisaligned, aw, ah, bw, bh)
	}
	if math.Abs(a.Transform[0]-b.Transform[0]) > aw/2 || math.Abs(a.Transform[3]-b.Transform[3]) > ah/2 {
		return fmt.Errorf("%w: origin (%g, %g) vs (%g, %g)", ErrMisaligned,
			a.Transform[0], a.Transform[3], b.Transform[0], b.Transform[3])
	}
	return nil
}

func closeTo(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// Reader loads a single-band grid from path.
type Reader interface {
	Read(path string) (*Grid, error)
}

// Writer stores g at path, replacing any existing file.
type Writer interface {
	Write(path string, g *Grid) error
}

// ReaderFunc adapts a function to the Reader interface.
type ReaderFunc func(path string) (*Grid, error)

// Read calls f(path).
func (f ReaderFunc) Read(path string) (*Grid, error) { return f(path) }
