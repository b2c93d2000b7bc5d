package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/banshee-data/dtm.report/internal/metrics"
	"github.com/banshee-data/dtm.report/internal/sensitivity"
	"github.com/banshee-data/dtm.report/internal/units"
)

// DefaultConfigPath is the path to the canonical run defaults file.
const DefaultConfigPath = "config/run.defaults.json"

// DefaultSites are the study areas processed when no site list is given.
var DefaultSites = []string{
	"Bonaly",
	"hubbard_brook",
	"la_selva",
	"nouragues",
	"oak_ridge",
	"paracou",
	"robson_creek",
	"wind_river",
}

// defaultSiteEPSG maps each study area to the projected CRS its tiles use.
var defaultSiteEPSG = map[string]int{
	"Bonaly":        27700, // British National Grid
	"hubbard_brook": 32619,
	"la_selva":      32616,
	"nouragues":     32622,
	"oak_ridge":     32616,
	"paracou":       32622,
	"robson_creek":  28355, // GDA94 / MGA 55
	"wind_river":    32610,
	"test":          32616,
}

// RunConfig is the root configuration of a comparison run. Every field is
// optional; the Get* methods supply defaults for anything omitted.
type RunConfig struct {
	// Layout
	DataRoot      *string  `json:"data_root,omitempty"`
	Sites         []string `json:"sites,omitempty"`
	LasSettings   *string  `json:"las_settings,omitempty"`
	ReferenceDir  *string  `json:"reference_dir,omitempty"`
	SimulatedDir  *string  `json:"simulated_dir,omitempty"`
	CanopyDir     *string  `json:"canopy_dir,omitempty"`
	SlopeDir      *string  `json:"slope_dir,omitempty"`
	DifferenceDir *string  `json:"difference_dir,omitempty"`
	PointsDir     *string  `json:"points_dir,omitempty"`

	// No-data conventions
	ReferenceNoData  *float64 `json:"reference_nodata,omitempty"`
	SimulatedNoData  *float64 `json:"simulated_nodata,omitempty"`
	DifferenceNoData *float64 `json:"difference_nodata,omitempty"`

	// Comparison
	OverlapFraction *float64 `json:"overlap_fraction,omitempty"`
	IncludeSlope    *bool    `json:"include_slope,omitempty"`
	SlopeUnits      *string  `json:"slope_units,omitempty"` // "degrees" or "percent"
	Workers         *int     `json:"workers,omitempty"`

	// Beam sensitivity
	ErrorLimit        *float64 `json:"error_limit,omitempty"`
	BinWidthPercent   *float64 `json:"bin_width_percent,omitempty"`
	MinTilesPerBin    *int     `json:"min_tiles_per_bin,omitempty"`
	OutlierMode       *string  `json:"outlier_mode,omitempty"`
	MinDataProportion *float64 `json:"min_data_proportion,omitempty"`

	// Text metric rasterization
	GridResolution *float64 `json:"grid_resolution,omitempty"`
	PointIDPrefix  *string  `json:"point_id_prefix,omitempty"`

	SiteEPSG map[string]int `json:"site_epsg,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultRunConfig returns a RunConfig with every field set to its default.
// It matches DefaultConfigPath.
func DefaultRunConfig() *RunConfig {
	return &RunConfig{
		DataRoot:          ptrString("data"),
		Sites:             append([]string(nil), DefaultSites...),
		LasSettings:       ptrString(""),
		ReferenceDir:      ptrString("als_dtm"),
		SimulatedDir:      ptrString("sim_dtm"),
		CanopyDir:         ptrString("als_canopy"),
		SlopeDir:          ptrString("als_slope"),
		DifferenceDir:     ptrString("diff_dtm"),
		PointsDir:         ptrString("pts_metric"),
		ReferenceNoData:   ptrFloat64(-999),
		SimulatedNoData:   ptrFloat64(0),
		DifferenceNoData:  ptrFloat64(0),
		OverlapFraction:   ptrFloat64(0.9),
		IncludeSlope:      ptrBool(false),
		SlopeUnits:        ptrString(units.Degrees),
		Workers:           ptrInt(1),
		ErrorLimit:        ptrFloat64(4),
		BinWidthPercent:   ptrFloat64(2),
		MinTilesPerBin:    ptrInt(2),
		OutlierMode:       ptrString(string(sensitivity.IncludeOutliers)),
		MinDataProportion: ptrFloat64(0),
		GridResolution:    ptrFloat64(30),
		PointIDPrefix:     ptrString("gediWave"),
	}
}

// EmptyRunConfig returns a RunConfig with all fields unset.
func EmptyRunConfig() *RunConfig {
	return &RunConfig{}
}

// LoadRunConfig loads a RunConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
// Fields omitted from the file fall back to their defaults.
func LoadRunConfig(path string) (*RunConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRunConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching parent
// directories. Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *RunConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/raster/gdalio/
	}
	for _, path := range candidates {
		if cfg, err := LoadRunConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *RunConfig) Validate() error {
	if c.OverlapFraction != nil {
		if f := *c.OverlapFraction; !(f > 0 && f <= 1) {
			return fmt.Errorf("overlap_fraction must be in (0, 1], got %g", f)
		}
	}
	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", *c.Workers)
	}
	if c.GridResolution != nil && !(*c.GridResolution > 0) {
		return fmt.Errorf("grid_resolution must be positive, got %g", *c.GridResolution)
	}
	if c.SlopeUnits != nil && !units.IsValid(*c.SlopeUnits) {
		return fmt.Errorf("slope_units must be one of %s, got %q", units.GetValidUnitsString(), *c.SlopeUnits)
	}
	for site, code := range c.SiteEPSG {
		if code <= 0 {
			return fmt.Errorf("site_epsg[%s] must be a positive EPSG code, got %d", site, code)
		}
	}
	if err := c.SensitivityParams().Validate(); err != nil {
		return err
	}
	return nil
}

// GetDataRoot returns the data root directory or the default.
func (c *RunConfig) GetDataRoot() string {
	if c.DataRoot == nil || *c.DataRoot == "" {
		return "data"
	}
	return *c.DataRoot
}

// GetSites returns the configured sites or DefaultSites.
func (c *RunConfig) GetSites() []string {
	if len(c.Sites) == 0 {
		return append([]string(nil), DefaultSites...)
	}
	return append([]string(nil), c.Sites...)
}

// GetLasSettings returns the LAS processing settings label.
func (c *RunConfig) GetLasSettings() string {
	if c.LasSettings == nil {
		return ""
	}
	return *c.LasSettings
}

func stringOr(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

// GetReferenceDir returns the per-site reference DTM directory name.
func (c *RunConfig) GetReferenceDir() string { return stringOr(c.ReferenceDir, "als_dtm") }

// GetSimulatedDir returns the per-site simulated DTM directory name.
func (c *RunConfig) GetSimulatedDir() string { return stringOr(c.SimulatedDir, "sim_dtm") }

// GetCanopyDir returns the per-site canopy cover directory name.
func (c *RunConfig) GetCanopyDir() string { return stringOr(c.CanopyDir, "als_canopy") }

// GetSlopeDir returns the per-site slope directory name.
func (c *RunConfig) GetSlopeDir() string { return stringOr(c.SlopeDir, "als_slope") }

// GetDifferenceDir returns the per-site difference raster directory name.
func (c *RunConfig) GetDifferenceDir() string { return stringOr(c.DifferenceDir, "diff_dtm") }

// GetPointsDir returns the per-site text metric directory name.
func (c *RunConfig) GetPointsDir() string { return stringOr(c.PointsDir, "pts_metric") }

// GetReferenceNoData returns the reference no-data value or the default.
func (c *RunConfig) GetReferenceNoData() float64 {
	if c.ReferenceNoData == nil {
		return -999 // default
	}
	return *c.ReferenceNoData
}

// GetSimulatedNoData returns the simulated no-data value or the default.
func (c *RunConfig) GetSimulatedNoData() float64 {
	if c.SimulatedNoData == nil {
		return 0 // no ground return
	}
	return *c.SimulatedNoData
}

// GetDifferenceNoData returns the difference raster no-data value or the default.
func (c *RunConfig) GetDifferenceNoData() float64 {
	if c.DifferenceNoData == nil {
		return 0 // default
	}
	return *c.DifferenceNoData
}

// Conventions returns the no-data conventions for the metric engine.
func (c *RunConfig) Conventions() metrics.Conventions {
	return metrics.Conventions{
		ReferenceNoData:  c.GetReferenceNoData(),
		SimulatedNoData:  c.GetSimulatedNoData(),
		DifferenceNoData: c.GetDifferenceNoData(),
	}
}

// GetOverlapFraction returns the attribution overlap fraction or the default.
func (c *RunConfig) GetOverlapFraction() float64 {
	if c.OverlapFraction == nil {
		return 0.9 // default
	}
	return *c.OverlapFraction
}

// GetIncludeSlope returns whether slope columns are reported.
func (c *RunConfig) GetIncludeSlope() bool {
	if c.IncludeSlope == nil {
		return false // default
	}
	return *c.IncludeSlope
}

// GetSlopeUnits returns the reported slope units or the default.
func (c *RunConfig) GetSlopeUnits() string { return stringOr(c.SlopeUnits, units.Degrees) }

// GetWorkers returns the tile worker count or the default.
func (c *RunConfig) GetWorkers() int {
	if c.Workers == nil {
		return 1 // default
	}
	return *c.Workers
}

// GetErrorLimit returns the beam sensitivity RMSE limit or the default.
func (c *RunConfig) GetErrorLimit() float64 {
	if c.ErrorLimit == nil {
		return 4.0 // default
	}
	return *c.ErrorLimit
}

// GetBinWidthPercent returns the canopy bin width or the default.
func (c *RunConfig) GetBinWidthPercent() float64 {
	if c.BinWidthPercent == nil {
		return 2 // default
	}
	return *c.BinWidthPercent
}

// GetMinTilesPerBin returns the minimum bin population or the default.
func (c *RunConfig) GetMinTilesPerBin() int {
	if c.MinTilesPerBin == nil {
		return 2 // default
	}
	return *c.MinTilesPerBin
}

// GetOutlierMode returns the outlier handling mode or the default.
func (c *RunConfig) GetOutlierMode() string {
	return stringOr(c.OutlierMode, string(sensitivity.IncludeOutliers))
}

// GetMinDataProportion returns the valid-cell filter or the default.
func (c *RunConfig) GetMinDataProportion() float64 {
	if c.MinDataProportion == nil {
		return 0 // no filter
	}
	return *c.MinDataProportion
}

// SensitivityParams returns the beam sensitivity estimator parameters.
func (c *RunConfig) SensitivityParams() sensitivity.Params {
	return sensitivity.Params{
		ErrorLimit:        c.GetErrorLimit(),
		BinWidthPercent:   c.GetBinWidthPercent(),
		MinTilesPerBin:    c.GetMinTilesPerBin(),
		OutlierMode:       sensitivity.OutlierMode(c.GetOutlierMode()),
		MinDataProportion: c.GetMinDataProportion(),
		LasSettings:       c.GetLasSettings(),
	}
}

// GetGridResolution returns the text metric grid resolution or the default.
func (c *RunConfig) GetGridResolution() float64 {
	if c.GridResolution == nil {
		return 30 // default
	}
	return *c.GridResolution
}

// GetPointIDPrefix returns the text metric identifier prefix or the default.
func (c *RunConfig) GetPointIDPrefix() string { return stringOr(c.PointIDPrefix, "gediWave") }

// SiteEPSGCode returns the EPSG code for site. Configured codes take
// precedence over the built-in table.
func (c *RunConfig) SiteEPSGCode(site string) (int, bool) {
	if code, ok := c.SiteEPSG[site]; ok {
		return code, true
	}
	code, ok := defaultSiteEPSG[site]
	return code, ok
}

// KnownSites returns every site with an EPSG code, sorted.
func (c *RunConfig) KnownSites() []string {
	seen := map[string]bool{}
	for s := range defaultSiteEPSG {
		seen[s] = true
	}
	for s := range c.SiteEPSG {
		seen[s] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SitePath joins the data root, site and a per-site directory.
func (c *RunConfig) SitePath(site, dir string) string {
	return filepath.Join(c.GetDataRoot(), site, dir)
}
