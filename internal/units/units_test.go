package units

import (
	"math"
	"testing"
)

func TestIsValid(t *testing.T) {
	tests := []struct {
		name     string
		unit     string
		expected bool
	}{
		{"valid degrees", Degrees, true},
		{"valid percent", Percent, true},
		{"invalid unit", "radians", false},
		{"empty unit", "", false},
		{"uppercase", "DEGREES", false}, // Case-sensitive
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsValid(tt.unit)
			if result != tt.expected {
				t.Errorf("IsValid(%s) = %v, want %v", tt.unit, result, tt.expected)
			}
		})
	}
}

func TestGetValidUnitsString(t *testing.T) {
	result := GetValidUnitsString()
	expected := "degrees, percent"
	if result != expected {
		t.Errorf("GetValidUnitsString() = %s, want %s", result, expected)
	}
}

func TestConvertSlope(t *testing.T) {
	tests := []struct {
		name     string
		deg      float64
		unit     string
		expected float64
	}{
		{"0 deg to degrees", 0, Degrees, 0},
		{"30 deg to degrees", 30, Degrees, 30},
		{"0 deg to percent", 0, Percent, 0},
		{"45 deg to percent", 45, Percent, 100},
		{"unknown unit passes through", 12, "grads", 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ConvertSlope(tt.deg, tt.unit)
			if math.Abs(result-tt.expected) > 1e-9 {
				t.Errorf("ConvertSlope(%v, %s) = %v, want %v", tt.deg, tt.unit, result, tt.expected)
			}
		})
	}
}

func TestSlopeRoundTrip(t *testing.T) {
	for _, deg := range []float64{0, 5, 17.5, 44.9} {
		got := SlopePercentToDegrees(ConvertSlope(deg, Percent))
		if math.Abs(got-deg) > 1e-9 {
			t.Errorf("round trip of %v gave %v", deg, got)
		}
	}
}

func TestCover(t *testing.T) {
	if got := CoverPercent(0.42); math.Abs(got-42) > 1e-9 {
		t.Errorf("CoverPercent(0.42) = %v", got)
	}
	if got := CoverFraction(42); math.Abs(got-0.42) > 1e-12 {
		t.Errorf("CoverFraction(42) = %v", got)
	}
}
