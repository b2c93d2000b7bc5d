package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/banshee-data/dtm.report/internal/config"
	"github.com/banshee-data/dtm.report/internal/fsutil"
	"github.com/banshee-data/dtm.report/internal/pipeline"
	"github.com/banshee-data/dtm.report/internal/raster/gdalio"
	"github.com/banshee-data/dtm.report/internal/version"
)

const prog = "pts-grid"

var (
	configPath = flag.String("config", "", "Run configuration JSON (defaults apply when empty)")
	site       = flag.String("site", "", "Site to grid (required unless -all)")
	allSites   = flag.Bool("all", false, "Grid every configured site")
	dataRoot   = flag.String("data", "", "Data root, overrides data_root")
	inDir      = flag.String("in", "", "Text metric directory (default: <data>/<site>/<points_dir>)")
	resolution = flag.Float64("res", 0, "Grid resolution in metres, overrides grid_resolution")
)

func main() {
	flag.Parse()

	switch flag.Arg(0) {
	case "":
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
	if *dataRoot != "" {
		cfg.DataRoot = dataRoot
	}
	if *resolution > 0 {
		cfg.GridResolution = resolution
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	var sites []string
	switch {
	case *allSites:
		sites = cfg.GetSites()
	case *site != "":
		sites = []string{*site}
	default:
		log.Fatal("-site is required unless -all is given")
	}
	if *inDir != "" && len(sites) != 1 {
		log.Fatal("-in needs a single -site")
	}

	rw := gdalio.New(cfg.GetReferenceNoData())
	for _, s := range sites {
		dir := *inDir
		if dir == "" {
			dir = cfg.SitePath(s, cfg.GetPointsDir())
		}
		if err := gridSite(cfg, s, dir, rw); err != nil {
			log.Fatalf("%s: %v", s, err)
		}
	}
}

func gridSite(cfg *config.RunConfig, site, dir string, rw *gdalio.IO) error {
	var crs string
	if code, ok := cfg.SiteEPSGCode(site); ok {
		wkt, err := gdalio.EPSGToWKT(code)
		if err != nil {
			return fmt.Errorf("EPSG:%d: %w", code, err)
		}
		crs = wkt
	} else {
		log.Printf("%s: no EPSG code configured, grids carry no CRS", site)
	}

	g := pipeline.NewPointGridder(cfg, site, fsutil.OSFileSystem{}, rw, crs)
	st, err := g.GridDir(dir)
	if err != nil {
		return err
	}
	log.Printf("%s: gridded %d files (%d footprints, %d lines skipped, %d empty files)",
		site, st.Files, st.Footprints, st.SkippedLines, st.EmptyFiles)
	return nil
}
