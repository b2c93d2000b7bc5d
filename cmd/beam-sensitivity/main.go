package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/dtm.report/internal/config"
	"github.com/banshee-data/dtm.report/internal/db"
	"github.com/banshee-data/dtm.report/internal/fsutil"
	"github.com/banshee-data/dtm.report/internal/pipeline"
	"github.com/banshee-data/dtm.report/internal/sensitivity"
	"github.com/banshee-data/dtm.report/internal/version"
)

const prog = "beam-sensitivity"

var (
	configPath  = flag.String("config", "", "Run configuration JSON (defaults apply when empty)")
	inputs      = flag.String("in", "", "Comma-separated summary tables (default: one per configured site under the data root)")
	merged      = flag.Bool("merged", false, "Estimate across all sites at once")
	outPath     = flag.String("out", "", "Beam sensitivity table (default: <data>/beam_sensitivity[_all].csv)")
	curvesPath  = flag.String("curves", "", "Per-bin mean RMSE curves; empty disables")
	lasLabel    = flag.String("las", "", "LAS settings label, overrides las_settings")
	errorLimit  = flag.Float64("limit", 0, "RMSE limit, overrides error_limit")
	outlierMode = flag.String("outliers", "", "Outlier mode (include, exclude_upper_quartile), overrides outlier_mode")
	minDataProp = flag.Float64("min-data-prop", -1, "Minimum valid-cell proportion, overrides min_data_proportion")
	dbPath      = flag.String("db", "dtm_results.db", "Results database; empty disables persistence")
)

func main() {
	flag.Parse()

	switch flag.Arg(0) {
	case "":
	case "migrate":
		db.RunMigrateCommand(prog, flag.Args()[1:], *dbPath)
		return
	case "version":
		fmt.Println(version.String(prog))
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", flag.Arg(0))
		flag.Usage()
		os.Exit(1)
	}

	cfg := config.DefaultRunConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadRunConfig(*configPath); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	if *lasLabel != "" {
		cfg.LasSettings = lasLabel
	}
	if *errorLimit > 0 {
		cfg.ErrorLimit = errorLimit
	}
	if *outlierMode != "" {
		cfg.OutlierMode = outlierMode
	}
	if *minDataProp >= 0 {
		cfg.MinDataProportion = minDataProp
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	params := cfg.SensitivityParams()
	params.Merged = *merged

	fsys := fsutil.OSFileSystem{}
	paths := splitList(*inputs)
	if len(paths) == 0 {
		for _, site := range cfg.GetSites() {
			p := filepath.Join(cfg.GetDataRoot(), pipeline.SummaryFileName(site))
			if !fsys.Exists(p) {
				log.Printf("%s: no summary table at %s, skipping", site, p)
				continue
			}
			paths = append(paths, p)
		}
	}

	table := *outPath
	if table == "" {
		name := "beam_sensitivity.csv"
		if *merged {
			name = "beam_sensitivity_" + sensitivity.MergedFolder + ".csv"
		}
		table = filepath.Join(cfg.GetDataRoot(), name)
	}

	b := &pipeline.BeamSensitivity{FS: fsys, Params: params}
	if *dbPath != "" {
		database, err := db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open results database: %v", err)
		}
		defer database.Close()
		b.Store = db.NewRunStore(database.DB)
	}

	out, err := b.Run(paths, table, *curvesPath)
	if err != nil {
		log.Fatalf("beam sensitivity failed: %v", err)
	}
	for _, r := range out.Report.Results {
		log.Printf("%s %s: sensitivity %.3f over %d tiles (RMSE %.3f)", r.Folder, r.Condition, r.Sensitivity, r.Tiles, r.RMSE)
	}
	log.Printf("wrote %d results to %s", len(out.Report.Results), table)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
