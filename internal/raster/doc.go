// Package raster holds the single-band grid model shared by the comparison
// pipeline: row-major cell data, a GDAL-style geotransform, a CRS and a
// no-data value.
//
// File formats live elsewhere. GeoTIFF access is in the gdalio subpackage;
// the per-point ALS text metric format is parsed and rasterized here because
// it needs no native library.
package raster
