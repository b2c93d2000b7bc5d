package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/banshee-data/dtm.report/internal/db"
	"github.com/banshee-data/dtm.report/internal/fsutil"
	"github.com/banshee-data/dtm.report/internal/monitoring"
	"github.com/banshee-data/dtm.report/internal/results"
	"github.com/banshee-data/dtm.report/internal/sensitivity"
)

// LoadRecords reads and merges summary tables. A missing column or an
// unparsable cell aborts with a results.SchemaError.
func LoadRecords(fsys fsutil.FileSystem, paths []string) ([]results.Record, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no summary tables given")
	}
	tables := make([]*results.Table, 0, len(paths))
	for _, p := range paths {
		t, err := readTable(fsys, p)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	merged, err := results.Merge(tables...)
	if err != nil {
		return nil, err
	}
	return merged.Records()
}

func readTable(fsys fsutil.FileSystem, path string) (*results.Table, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := results.ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// BeamSensitivity estimates beam sensitivity from summary tables and writes
// the result table and per-bin curves.
type BeamSensitivity struct {
	FS     fsutil.FileSystem
	Store  *db.RunStore // optional
	Params sensitivity.Params
}

// BeamOutput is what BeamSensitivity.Run produced.
type BeamOutput struct {
	Report sensitivity.Report
	RunID  string
}

// Run reads inputs, estimates every group and writes tablePath and, when
// set, curvesPath.
func (b *BeamSensitivity) Run(inputs []string, tablePath, curvesPath string) (*BeamOutput, error) {
	if err := b.Params.Validate(); err != nil {
		return nil, err
	}
	recs, err := LoadRecords(b.FS, inputs)
	if err != nil {
		return nil, err
	}
	report, err := sensitivity.Estimate(recs, b.Params)
	if err != nil {
		return nil, err
	}

	if err := writeWith(b.FS, tablePath, report.Results, sensitivity.WriteTable); err != nil {
		return nil, err
	}
	if curvesPath != "" {
		if err := writeWith(b.FS, curvesPath, report.Results, sensitivity.WriteCurves); err != nil {
			return nil, err
		}
	}
	monitoring.Logf("beam sensitivity: %d results, %d skipped groups, written to %s",
		len(report.Results), len(report.Skipped), tablePath)

	out := &BeamOutput{Report: report}
	if b.Store != nil {
		if out.RunID, err = b.persist(recs, report); err != nil {
			return nil, fmt.Errorf("persist sensitivity: %w", err)
		}
	}
	return out, nil
}

func (b *BeamSensitivity) persist(recs []results.Record, report sensitivity.Report) (string, error) {
	params, err := json.Marshal(b.Params)
	if err != nil {
		return "", err
	}
	skipped := make(map[string]int)
	for _, s := range report.Skipped {
		skipped[skipReason(s.Err)]++
	}
	run := &db.Run{
		Site:        sitesLabel(recs, b.Params.Merged),
		LasSettings: b.Params.LasSettings,
		ParamsJSON:  params,
		Skipped:     skipped,
	}
	if err := b.Store.InsertRun(run); err != nil {
		return "", err
	}
	if err := b.Store.InsertSensitivity(run.RunID, report.Results); err != nil {
		return "", err
	}
	return run.RunID, nil
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, sensitivity.ErrNeverAcceptable):
		return "never_acceptable"
	case errors.Is(err, sensitivity.ErrInsufficientData):
		return "insufficient_data"
	}
	return "other"
}

// sitesLabel names the sites a sensitivity run covered.
func sitesLabel(recs []results.Record, merged bool) string {
	if merged {
		return sensitivity.MergedFolder
	}
	var sites []string
	seen := map[string]bool{}
	for _, r := range recs {
		if !seen[r.Folder] {
			seen[r.Folder] = true
			sites = append(sites, r.Folder)
		}
	}
	return strings.Join(sites, ",")
}

func writeWith(fsys fsutil.FileSystem, path string, rs []sensitivity.Result, fn func(io.Writer, []sensitivity.Result) error) error {
	w, err := fsutil.CreateAll(fsys, path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := fn(w, rs); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return w.Close()
}
