// Package units provides shared constants and conversions for slope and
// canopy cover values.
package units

import "math"

// Slope unit constants
const (
	Degrees = "degrees"
	Percent = "percent"
)

// ValidSlopeUnits contains all valid slope unit values
var ValidSlopeUnits = []string{Degrees, Percent}

// IsValid checks if the given unit is in the list of valid slope units
func IsValid(unit string) bool {
	for _, validUnit := range ValidSlopeUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "degrees, percent"
}

// ConvertSlope converts a slope in degrees to the target units.
// Slope rasters are produced in degrees.
func ConvertSlope(slopeDeg float64, targetUnits string) float64 {
	switch targetUnits {
	case Percent:
		return math.Tan(slopeDeg*math.Pi/180) * 100
	default:
		return slopeDeg
	}
}

// SlopePercentToDegrees is the inverse of ConvertSlope(_, Percent).
func SlopePercentToDegrees(pct float64) float64 {
	return math.Atan(pct/100) * 180 / math.Pi
}

// CoverPercent converts a canopy cover fraction in [0,1] to percent.
func CoverPercent(fraction float64) float64 { return fraction * 100 }

// CoverFraction converts a canopy cover percentage to a fraction.
func CoverFraction(pct float64) float64 { return pct / 100 }
