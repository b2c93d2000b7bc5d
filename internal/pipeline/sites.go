package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/dtm.report/internal/config"
	"github.com/banshee-data/dtm.report/internal/db"
	"github.com/banshee-data/dtm.report/internal/fsutil"
	"github.com/banshee-data/dtm.report/internal/matcher"
	"github.com/banshee-data/dtm.report/internal/monitoring"
	"github.com/banshee-data/dtm.report/internal/results"
)

// SummaryFileName is the per-site summary table written under the data root.
func SummaryFileName(site string) string {
	return fmt.Sprintf("summary_stats_%s.csv", site)
}

// MergedSummaryFileName is the all-sites table written by RunSites.
const MergedSummaryFileName = "summary_stats_all.csv"

// OptionsFromConfig resolves the per-site options of cfg.
func OptionsFromConfig(cfg *config.RunConfig, site string) Options {
	return Options{
		Site:            site,
		ReferenceDir:    cfg.SitePath(site, cfg.GetReferenceDir()),
		SimulatedDir:    cfg.SitePath(site, cfg.GetSimulatedDir()),
		CanopyDir:       cfg.SitePath(site, cfg.GetCanopyDir()),
		SlopeDir:        cfg.SitePath(site, cfg.GetSlopeDir()),
		DifferenceDir:   cfg.SitePath(site, cfg.GetDifferenceDir()),
		Conventions:     cfg.Conventions(),
		OverlapFraction: cfg.GetOverlapFraction(),
		IncludeSlope:    cfg.GetIncludeSlope(),
		SlopeUnits:      cfg.GetSlopeUnits(),
		Workers:         cfg.GetWorkers(),
	}
}

// Batch runs sites from one configuration and writes their tables. Store is
// optional; when set every site run is persisted.
type Batch struct {
	Runner *Runner
	Config *config.RunConfig
	Store  *db.RunStore
}

// SiteOutput is what Batch produced for one site.
type SiteOutput struct {
	Result    *SiteResult
	TablePath string
	RunID     string
}

// RunSite runs one site, writes its summary table to
// <data_root>/summary_stats_<site>.csv and persists it.
func (b *Batch) RunSite(ctx context.Context, site string) (*SiteOutput, error) {
	res, err := b.Runner.RunSite(ctx, OptionsFromConfig(b.Config, site))
	if err != nil {
		return nil, err
	}

	table := res.Table(b.Config.GetIncludeSlope())
	path := filepath.Join(b.Config.GetDataRoot(), SummaryFileName(site))
	if err := writeTable(b.Runner.FS, path, table); err != nil {
		return nil, err
	}
	out := &SiteOutput{Result: res, TablePath: path}

	if b.Store != nil {
		if out.RunID, err = b.persist(res); err != nil {
			return nil, fmt.Errorf("%s: persist run: %w", site, err)
		}
	}
	monitoring.Logf("%s: wrote %d rows to %s", site, table.Len(), path)
	return out, nil
}

// RunSites runs every site in order and writes the merged table. A site
// with no matching tiles is logged and left out; any other failure aborts.
func (b *Batch) RunSites(ctx context.Context, sites []string) ([]*SiteOutput, *results.Table, error) {
	var outs []*SiteOutput
	var tables []*results.Table
	for _, site := range sites {
		out, err := b.RunSite(ctx, site)
		if err != nil {
			if errors.Is(err, matcher.ErrNoPairs) {
				monitoring.Logf("%s: skipped: %v", site, err)
				continue
			}
			return outs, nil, err
		}
		outs = append(outs, out)
		tables = append(tables, out.Result.Table(b.Config.GetIncludeSlope()))
	}
	if len(tables) == 0 {
		return outs, nil, fmt.Errorf("no site produced results")
	}

	merged, err := results.Merge(tables...)
	if err != nil {
		return outs, nil, err
	}
	path := filepath.Join(b.Config.GetDataRoot(), MergedSummaryFileName)
	if err := writeTable(b.Runner.FS, path, merged); err != nil {
		return outs, nil, err
	}
	monitoring.Logf("merged %d sites, %d rows to %s", len(tables), merged.Len(), path)
	return outs, merged, nil
}

func (b *Batch) persist(res *SiteResult) (string, error) {
	params, err := json.Marshal(b.Config)
	if err != nil {
		return "", err
	}
	run := &db.Run{
		Site:        res.Site,
		LasSettings: b.Config.GetLasSettings(),
		ParamsJSON:  params,
		PairCount:   res.Pairs,
		Skipped:     res.Skipped.Counts(),
	}
	if err := b.Store.InsertRun(run); err != nil {
		return "", err
	}
	if err := b.Store.InsertTileRecords(run.RunID, res.Records); err != nil {
		return "", err
	}
	return run.RunID, nil
}

func writeTable(fsys fsutil.FileSystem, path string, t *results.Table) error {
	w, err := fsutil.CreateAll(fsys, path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := t.WriteCSV(w); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return w.Close()
}
