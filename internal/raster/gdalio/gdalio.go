// Package gdalio reads and writes single-band GeoTIFF grids through GDAL.
package gdalio

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/lukeroth/gdal"

	"github.com/banshee-data/dtm.report/internal/raster"
)

// IO implements raster.Reader and raster.Writer for GeoTIFF files.
type IO struct {
	// DefaultNoData is used when a band declares no no-data value.
	DefaultNoData float64
	// CreateOptions are passed to the GTiff driver on write.
	CreateOptions []string
}

// New returns an IO with LZW compression on write.
func New(defaultNoData float64) *IO {
	return &IO{DefaultNoData: defaultNoData, CreateOptions: []string{"COMPRESS=LZW"}}
}

var (
	_ raster.Reader = (*IO)(nil)
	_ raster.Writer = (*IO)(nil)
)

// Read loads band 1 of path.
func (rw *IO) Read(path string) (*raster.Grid, error) {
	ds, err := gdal.Open(path, gdal.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer ds.Close()

	if ds.RasterCount() < 1 {
		return nil, fmt.Errorf("open %s: no raster bands", path)
	}
	cols, rows := ds.RasterXSize(), ds.RasterYSize()
	band := ds.RasterBand(1)

	g := &raster.Grid{
		Rows:      rows,
		Cols:      cols,
		Data:      make([]float64, rows*cols),
		Transform: raster.Transform(ds.GeoTransform()),
		CRS:       ds.Projection(),
		NoData:    rw.DefaultNoData,
	}
	if nd, ok := band.NoDataValue(); ok {
		g.NoData = nd
	}
	if err := band.IO(gdal.Read, 0, 0, cols, rows, g.Data, cols, rows, 0, 0); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	// GDAL reports the default {0,1,0,0,0,1} for files without georeferencing.
	if g.Transform == (raster.Transform{0, 1, 0, 0, 0, 1}) {
		g.Transform = raster.Transform{}
	}
	return g, nil
}

// Write stores g as a Float32 GeoTIFF at path, creating parent directories.
func (rw *IO) Write(path string, g *raster.Grid) error {
	if err := g.Check(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	driver, err := gdal.GetDriverByName("GTiff")
	if err != nil {
		return fmt.Errorf("GTiff driver: %w", err)
	}
	ds := driver.Create(path, g.Cols, g.Rows, 1, gdal.Float32, rw.CreateOptions)
	defer ds.Close()

	if !g.Transform.IsZero() {
		if err := ds.SetGeoTransform([6]float64(g.Transform)); err != nil {
			return fmt.Errorf("set transform on %s: %w", path, err)
		}
	}
	if g.CRS != "" {
		if err := ds.SetProjection(g.CRS); err != nil {
			return fmt.Errorf("set projection on %s: %w", path, err)
		}
	}
	band := ds.RasterBand(1)
	if err := band.SetNoDataValue(g.NoData); err != nil {
		return fmt.Errorf("set nodata on %s: %w", path, err)
	}
	buf := make([]float32, len(g.Data))
	for i, v := range g.Data {
		if math.IsNaN(v) {
			v = g.NoData
		}
		buf[i] = float32(v)
	}
	if err := band.IO(gdal.Write, 0, 0, g.Cols, g.Rows, buf, g.Cols, g.Rows, 0, 0); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// EPSGToWKT returns the WKT definition of an EPSG code.
func EPSGToWKT(code int) (string, error) {
	sr := gdal.CreateSpatialReference("")
	defer sr.Destroy()
	if err := sr.FromEPSG(code); err != nil {
		return "", fmt.Errorf("EPSG:%d: %w", code, err)
	}
	wkt, err := sr.ToWKT()
	if err != nil {
		return "", fmt.Errorf("EPSG:%d to WKT: %w", code, err)
	}
	return wkt, nil
}
