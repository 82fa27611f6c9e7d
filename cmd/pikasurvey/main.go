package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/lox/pikasurvey/internal/config"
	"github.com/lox/pikasurvey/internal/ingest"
	"github.com/lox/pikasurvey/internal/metrics"
	"github.com/lox/pikasurvey/internal/pipeline"
	"github.com/lox/pikasurvey/internal/report"
	"github.com/lox/pikasurvey/internal/store"
)

type CLI struct {
	EnvFile     kongdotenv.ENVFileConfig `kong:"optional,name=env-file,default='.env',help='Path to .env file.'"`
	DB          string                   `default:"data/pikasurvey.db" env:"PIKASURVEY_DB" help:"SQLite database path."`
	Config      string                   `short:"c" env:"PIKASURVEY_CONFIG" type:"path" help:"Layout and analysis YAML file."`
	MetricsFile string                   `env:"PIKASURVEY_METRICS_FILE" type:"path" help:"Write Prometheus metrics to this textfile on exit."`

	Fetch   FetchCmd   `cmd:"" help:"Download the climate workbook over FTP."`
	Ingest  IngestCmd  `cmd:"" help:"Load survey, site and climate workbooks into the database."`
	Analyze AnalyzeCmd `cmd:"" help:"Select, check and export a haypile model from stored data."`
	Run     RunCmd     `cmd:"" help:"Ingest workbooks then analyze."`
	Climate ClimateCmd `cmd:"" help:"Summarize stored daily climate by season."`
}

type app struct {
	ctx   context.Context
	cfg   *config.Config
	store *store.Store
}

type FetchCmd struct {
	Host   string `env:"PIKASURVEY_FTP_HOST" help:"FTP host:port, overrides the config."`
	Path   string `env:"PIKASURVEY_FTP_PATH" help:"Remote workbook path, overrides the config."`
	Dir    string `default:"data/raw" type:"path" help:"Download directory."`
	Ingest bool   `help:"Load the downloaded workbook as climate data."`
}

func (c *FetchCmd) Run(a *app) error {
	fc := a.cfg.Fetch
	if c.Host != "" {
		fc.Host = c.Host
	}
	if c.Path != "" {
		fc.Path = c.Path
	}
	path, err := ingest.FetchToFile(a.ctx, fc, c.Dir)
	if err != nil {
		return err
	}
	log.Printf("fetch: saved %s", path)
	if !c.Ingest {
		return nil
	}
	_, err = ingest.NewLoader(a.store, a.cfg).LoadClimate(path)
	return err
}

type IngestCmd struct {
	Survey  string `type:"existingfile" help:"Haypile survey workbook."`
	Sites   string `type:"existingfile" help:"Site attribute workbook."`
	Weather string `name:"climate" type:"existingfile" help:"Daily climate workbook."`
}

func (c *IngestCmd) Run(a *app) error {
	if c.Survey == "" && c.Sites == "" && c.Weather == "" {
		return fmt.Errorf("ingest: give at least one of --survey, --sites, --climate")
	}
	loader := ingest.NewLoader(a.store, a.cfg)
	steps := []struct {
		path string
		load func(string) (*ingest.Result, error)
	}{
		{c.Survey, loader.LoadSurvey},
		{c.Sites, loader.LoadSites},
		{c.Weather, loader.LoadClimate},
	}
	for _, s := range steps {
		if s.path == "" {
			continue
		}
		if _, err := s.load(s.path); err != nil {
			return err
		}
	}
	counts, err := a.store.TableCounts()
	if err != nil {
		return err
	}
	log.Printf("ingest: database holds %d surveys, %d sites, %d climate days",
		counts["surveys"], counts["site_attributes"], counts["climate_observations"])
	return nil
}

type AnalyzeCmd struct {
	Family    string `help:"Model family: poisson, nbinom, binomial or auto. Overrides the config."`
	Output    string `short:"o" type:"path" help:"Output directory, overrides the config."`
	Narrative bool   `help:"Write narrative.md with the OpenAI API (needs OPENAI_API_KEY)."`
	Model     string `env:"PIKASURVEY_NARRATIVE_MODEL" help:"Chat model for the narrative."`
}

func (c *AnalyzeCmd) Run(a *app) error {
	if c.Family != "" {
		a.cfg.Analysis.Family = c.Family
	}
	if c.Output != "" {
		a.cfg.Analysis.OutputDir = c.Output
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	p := pipeline.New(a.store, a.cfg)
	if c.Narrative {
		n, err := report.NewOpenAINarrator(c.Model)
		if err != nil {
			log.Printf("analyze: narrative disabled: %v", err)
		} else {
			p.SetNarrator(n)
		}
	}
	out, err := p.Analyze(a.ctx)
	if err != nil {
		return err
	}
	for _, f := range out.Files {
		log.Printf("analyze: wrote %s", f)
	}
	return nil
}

type RunCmd struct {
	IngestCmd  `embed:""`
	AnalyzeCmd `embed:""`
}

func (c *RunCmd) Run(a *app) error {
	if err := c.IngestCmd.Run(a); err != nil {
		return err
	}
	return c.AnalyzeCmd.Run(a)
}

type ClimateCmd struct {
	Output string `short:"o" type:"path" help:"Output directory, overrides the config."`
}

func (c *ClimateCmd) Run(a *app) error {
	if c.Output != "" {
		a.cfg.Analysis.OutputDir = c.Output
	}
	years, _, err := pipeline.New(a.store, a.cfg).Climate()
	if err != nil {
		return err
	}
	for _, y := range years {
		log.Printf("climate: %d summer max %.1f winter mean %.1f precip %.0f",
			y.Year, y.SummerMax.Float64, y.WinterMean.Float64, y.PrecipTotal.Float64)
	}
	return nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("pikasurvey"),
		kong.Description("Pika haypile survey analysis."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(cli.DB), 0o755); err != nil {
		log.Fatalf("create database dir: %v", err)
	}
	st, db, err := store.Open(cli.DB)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer closeDB(db)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runErr := kctx.Run(&app{ctx: ctx, cfg: cfg, store: st})

	if cli.MetricsFile != "" {
		if err := metrics.WriteTextfile(cli.MetricsFile); err != nil {
			log.Printf("metrics: %v", err)
		}
	}
	if runErr != nil {
		closeDB(db)
		log.Fatalf("%s: %v", kctx.Command(), runErr)
	}
}

func closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		log.Printf("close database: %v", err)
	}
}
