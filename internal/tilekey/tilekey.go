// Package tilekey turns tile file names into typed spatial and acquisition
// keys. File names are the only place the tile origin and the simulated
// sensor settings are recorded, so all pattern matching lives here and the
// rest of the pipeline works with Key and Condition values.
//
// Names look like
//
//	data/paracou/als_dtm/284589.5_584489.0.tif
//	data/paracou/sim_dtm/284589.5_584489.0_p149_n0.tif
//
// where the first "<x>_<y>" pair is the tile origin, "p<N>" the photon count
// and "n<N>" the noise level.
package tilekey

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnparseable is returned when a name carries no recognisable key.
var ErrUnparseable = errors.New("unparseable tile name")

var (
	spatialPattern = regexp.MustCompile(`(?:^|[_.\-])(\d+(?:\.\d+)?)_(\d+(?:\.\d+)?)(?:$|[_.\-])`)
	photonPattern  = regexp.MustCompile(`(?:^|[_.\-])p(\d+)`)
	noisePattern   = regexp.MustCompile(`(?:^|[_.\-])n(\d+)`)
)

// Key is the grid origin of a tile.
type Key struct {
	X, Y float64
}

// String renders the key in canonical form. "826000.0_1149352" and
// "826000_1149352.00" both render as "826000_1149352".
func (k Key) String() string {
	return formatCoord(k.X) + "_" + formatCoord(k.Y)
}

// Less orders keys by X then Y.
func (k Key) Less(o Key) bool {
	if k.X != o.X {
		return k.X < o.X
	}
	return k.Y < o.Y
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Condition is the simulated sensor configuration a tile was produced under.
type Condition struct {
	Photons int
	Noise   int
}

func (c Condition) String() string {
	return fmt.Sprintf("p%d_n%d", c.Photons, c.Noise)
}

// Less orders conditions by photon count then noise.
func (c Condition) Less(o Condition) bool {
	if c.Photons != o.Photons {
		return c.Photons < o.Photons
	}
	return c.Noise < o.Noise
}

// Name is a parsed tile file name.
type Name struct {
	Path         string
	Stem         string
	Key          Key
	Condition    Condition
	HasCondition bool
}

// Stem returns the base name of path without its final extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// SpatialKey extracts the first "<x>_<y>" pair from the base name of path.
// Both numbers must stand on their own between separators, so condition
// tokens such as "n0" never contribute a coordinate.
// Directory components are ignored so the same tile maps to the same key
// wherever it is stored.
func SpatialKey(path string) (Key, error) {
	stem := Stem(path)
	m := spatialPattern.FindStringSubmatch(stem)
	if m == nil {
		return Key{}, fmt.Errorf("%w: no <x>_<y> origin in %q", ErrUnparseable, path)
	}
	x, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Key{}, fmt.Errorf("%w: origin x %q: %v", ErrUnparseable, m[1], err)
	}
	y, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return Key{}, fmt.Errorf("%w: origin y %q: %v", ErrUnparseable, m[2], err)
	}
	return Key{X: x, Y: y}, nil
}

// ParseCondition extracts the photon count and noise level from the base
// name of path. Both must be present.
func ParseCondition(path string) (Condition, error) {
	stem := Stem(path)
	p := photonPattern.FindStringSubmatch(stem)
	if p == nil {
		return Condition{}, fmt.Errorf("%w: no photon count in %q", ErrUnparseable, path)
	}
	n := noisePattern.FindStringSubmatch(stem)
	if n == nil {
		return Condition{}, fmt.Errorf("%w: no noise level in %q", ErrUnparseable, path)
	}
	photons, err := strconv.Atoi(p[1])
	if err != nil {
		return Condition{}, fmt.Errorf("%w: photon count %q: %v", ErrUnparseable, p[1], err)
	}
	noise, err := strconv.Atoi(n[1])
	if err != nil {
		return Condition{}, fmt.Errorf("%w: noise level %q: %v", ErrUnparseable, n[1], err)
	}
	return Condition{Photons: photons, Noise: noise}, nil
}

// Parse extracts the spatial key from path and, when present, the
// acquisition condition. Reference tiles carry no condition.
func Parse(path string) (Name, error) {
	key, err := SpatialKey(path)
	if err != nil {
		return Name{}, err
	}
	name := Name{Path: path, Stem: Stem(path), Key: key}
	if cond, err := ParseCondition(path); err == nil {
		name.Condition = cond
		name.HasCondition = true
	}
	return name, nil
}

// ParseSimulated is Parse for simulated tiles, where the condition is
// mandatory.
func ParseSimulated(path string) (Name, error) {
	name, err := Parse(path)
	if err != nil {
		return Name{}, err
	}
	if !name.HasCondition {
		_, err := ParseCondition(path)
		return Name{}, err
	}
	return name, nil
}
