package raster

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// MissingValue marks an absent measurement in ALS text metric files.
const MissingValue = -1000000.0

// ErrNoFootprints is returned when rasterizing an empty footprint set.
var ErrNoFootprints = errors.New("no footprints to rasterize")

// Band selects one measurement from a Footprint.
type Band int

const (
	BandGround Band = iota
	BandTop
	BandSlope
	BandCover
)

func (b Band) String() string {
	switch b {
	case BandGround:
		return "ground"
	case BandTop:
		return "top"
	case BandSlope:
		return "slope"
	case BandCover:
		return "cover"
	}
	return fmt.Sprintf("band(%d)", int(b))
}

// Footprint is one record of an ALS text metric file.
type Footprint struct {
	X, Y   float64
	Ground float64
	Top    float64
	Slope  float64
	Cover  float64
}

// Value returns the measurement for band b.
func (f Footprint) Value(b Band) float64 {
	switch b {
	case BandGround:
		return f.Ground
	case BandTop:
		return f.Top
	case BandSlope:
		return f.Slope
	case BandCover:
		return f.Cover
	}
	return math.NaN()
}

// MetricParser reads ALS text metric records. Each line is whitespace
// separated: an identifier of the form <prefix>.<X>.<Y> followed by ground,
// top height, slope and cover. Extra trailing fields are ignored.
type MetricParser struct {
	idPattern *regexp.Regexp
}

// NewMetricParser returns a parser for identifiers starting with prefix.
func NewMetricParser(prefix string) *MetricParser {
	return &MetricParser{
		idPattern: regexp.MustCompile(regexp.QuoteMeta(prefix) + `\.(\d+)\.(\d+)`),
	}
}

// MetricSet is the result of parsing one text metric file.
type MetricSet struct {
	Footprints []Footprint
	Skipped    int // lines without a parsable identifier or values
}

// Parse reads every record from r. Lines that do not carry an identifier or
// have too few numeric fields are counted in Skipped.
func (p *MetricParser) Parse(r io.Reader) (MetricSet, error) {
	var set MetricSet
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fp, ok := p.parseLine(line)
		if !ok {
			set.Skipped++
			continue
		}
		set.Footprints = append(set.Footprints, fp)
	}
	if err := sc.Err(); err != nil {
		return set, fmt.Errorf("reading metric text: %w", err)
	}
	return set, nil
}

func (p *MetricParser) parseLine(line string) (Footprint, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Footprint{}, false
	}
	m := p.idPattern.FindStringSubmatch(fields[0])
	if m == nil {
		return Footprint{}, false
	}
	var (
		fp  Footprint
		err error
	)
	if fp.X, err = strconv.ParseFloat(m[1], 64); err != nil {
		return Footprint{}, false
	}
	if fp.Y, err = strconv.ParseFloat(m[2], 64); err != nil {
		return Footprint{}, false
	}
	vals := make([]float64, 4)
	for i := range vals {
		if vals[i], err = strconv.ParseFloat(fields[i+1], 64); err != nil {
			return Footprint{}, false
		}
	}
	fp.Ground, fp.Top, fp.Slope, fp.Cover = vals[0], vals[1], vals[2], vals[3]
	return fp, true
}

// Rasterize places one band of fps onto a north-up grid with square pixels
// of size res. Footprint coordinates are pixel centres; the grid spans from
// the smallest to the largest coordinate on each axis. Cells with no
// footprint, and footprints carrying MissingValue, hold nodata. When two
// footprints fall in the same cell the later one wins.
func Rasterize(fps []Footprint, band Band, res, nodata float64) (*Grid, error) {
	if len(fps) == 0 {
		return nil, ErrNoFootprints
	}
	if res <= 0 || math.IsNaN(res) {
		return nil, fmt.Errorf("rasterize: resolution must be positive, got %g", res)
	}

	minX, maxX := fps[0].X, fps[0].X
	minY, maxY := fps[0].Y, fps[0].Y
	for _, fp := range fps[1:] {
		minX, maxX = math.Min(minX, fp.X), math.Max(maxX, fp.X)
		minY, maxY = math.Min(minY, fp.Y), math.Max(maxY, fp.Y)
	}

	cols := int(math.Floor((maxX-minX)/res)) + 1
	rows := int(math.Floor((maxY-minY)/res)) + 1
	g := New(rows, cols, nodata)
	g.Transform = NorthUp(minX-res/2, maxY+res/2, res)

	for _, fp := range fps {
		col := int(math.Floor((fp.X - minX) / res))
		row := int(math.Floor((maxY - fp.Y) / res))
		v := fp.Value(band)
		if v == MissingValue || math.IsNaN(v) {
			v = nodata
		}
		g.Set(row, col, v)
	}
	return g, nil
}
