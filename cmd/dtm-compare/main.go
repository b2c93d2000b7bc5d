package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/dtm.report/internal/config"
	"github.com/banshee-data/dtm.report/internal/db"
	"github.com/banshee-data/dtm.report/internal/fsutil"
	"github.com/banshee-data/dtm.report/internal/pipeline"
	"github.com/banshee-data/dtm.report/internal/raster/gdalio"
	"github.com/banshee-data/dtm.report/internal/version"
)

const prog = "dtm-compare"

var (
	configPath = flag.String("config", "", "Run configuration JSON (defaults apply when empty)")
	site       = flag.String("site", "", "Site to process (required unless -all)")
	allSites   = flag.Bool("all", false, "Process every configured site and write the merged table")
	dataRoot   = flag.String("data", "", "Data root, overrides data_root")
	lasLabel   = flag.String("las", "", "LAS settings label, overrides las_settings")
	workers    = flag.Int("workers", 0, "Tile workers, overrides workers")
	withSlope  = flag.Bool("slope", false, "Report slope statistics")
	slopeUnits = flag.String("slope-units", "", "Slope units (degrees, percent), overrides slope_units")
	noDiff     = flag.Bool("no-diff", false, "Do not write difference rasters")
	dbPath     = flag.String("db", "dtm_results.db", "Results database; empty disables persistence")
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	switch flag.Arg(0) {
	case "":
	case "migrate":
		db.RunMigrateCommand(prog, flag.Args()[1:], *dbPath)
		return
	case "version":
		fmt.Println(version.String(prog))
		return
	case "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", flag.Arg(0))
		printUsage()
		os.Exit(1)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if !*allSites && *site == "" {
		log.Fatal("-site is required unless -all is given")
	}

	rw := gdalio.New(cfg.GetReferenceNoData())
	runner := &pipeline.Runner{FS: fsutil.OSFileSystem{}, Reader: rw}
	if !*noDiff {
		runner.Writer = rw
	}
	batch := &pipeline.Batch{Runner: runner, Config: cfg}

	if *dbPath != "" {
		database, err := db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open results database: %v", err)
		}
		defer database.Close()
		batch.Store = db.NewRunStore(database.DB)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *allSites {
		outs, merged, err := batch.RunSites(ctx, cfg.GetSites())
		if err != nil {
			log.Fatalf("run failed: %v", err)
		}
		for _, o := range outs {
			log.Printf("%s: %d rows, run %s", o.Result.Site, len(o.Result.Records), runLabel(o.RunID))
		}
		log.Printf("merged table: %d rows from %d sites", merged.Len(), len(outs))
		return
	}

	out, err := batch.RunSite(ctx, *site)
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}
	log.Printf("%s: %d rows written to %s, run %s", *site, len(out.Result.Records), out.TablePath, runLabel(out.RunID))
}

func loadConfig() (*config.RunConfig, error) {
	cfg := config.DefaultRunConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadRunConfig(*configPath); err != nil {
			return nil, err
		}
	}

	// Flags override the file.
	if *dataRoot != "" {
		cfg.DataRoot = dataRoot
	}
	if *lasLabel != "" {
		cfg.LasSettings = lasLabel
	}
	if *workers > 0 {
		cfg.Workers = workers
	}
	if *withSlope {
		cfg.IncludeSlope = withSlope
	}
	if *slopeUnits != "" {
		cfg.SlopeUnits = slopeUnits
	}
	return cfg, cfg.Validate()
}

func runLabel(id string) string {
	if id == "" {
		return "not persisted"
	}
	return id
}

func printUsage() {
	fmt.Printf(`%[1]s - compare simulated DTM tiles against ALS reference tiles

Usage:
  %[1]s [flags]                 Run the comparison
  %[1]s [flags] migrate <cmd>   Manage the results database schema
  %[1]s version                 Show build information

Outputs per site:
  <data>/summary_stats_<site>.csv       one row per compared tile
  <data>/<site>/diff_dtm/<tile>.tif     difference rasters
  <data>/summary_stats_all.csv          merged table (-all only)

Flags:
`, prog)
	flag.PrintDefaults()
}
