package sensitivity

import (
	"encoding/csv"
	"io"
	"math"
	"strconv"
)

// TableColumns is the header of the beam sensitivity table.
var TableColumns = []string{
	"Folder", "las_settings", "nPhotons", "Noise", "RMSE", "Bias",
	"Pixel_count", "nodata_count", "nodata_prop", "beam_sensitivity",
}

// CurveColumns is the header of the per-bin curve table.
var CurveColumns = []string{
	"Folder", "nPhotons", "Noise", "bin_lower", "bin_upper", "tile_count", "mean_RMSE", "fit_RMSE",
}

func ftoa(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteTable writes one row per result.
func WriteTable(w io.Writer, rs []Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(TableColumns); err != nil {
		return err
	}
	for _, r := range rs {
		row := []string{
			r.Folder,
			r.LasSettings,
			strconv.Itoa(r.Condition.Photons),
			strconv.Itoa(r.Condition.Noise),
			ftoa(r.RMSE),
			ftoa(r.Bias),
			strconv.Itoa(r.PixelCount),
			strconv.Itoa(r.NoDataCount),
			ftoa(r.NoDataProp),
			ftoa(r.Sensitivity),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCurves writes the per-bin mean RMSE series of every result. Empty
// bins leave mean_RMSE blank; fit_RMSE is blank when no line was fitted.
func WriteCurves(w io.Writer, rs []Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CurveColumns); err != nil {
		return err
	}
	for _, r := range rs {
		for _, b := range r.Bins {
			fit := math.NaN()
			if r.Fit != nil {
				fit = r.Fit.At(b.Index)
			}
			row := []string{
				r.Folder,
				strconv.Itoa(r.Condition.Photons),
				strconv.Itoa(r.Condition.Noise),
				ftoa(b.Lower),
				ftoa(b.Upper),
				strconv.Itoa(b.Count),
				ftoa(b.MeanRMSE),
				ftoa(fit),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
