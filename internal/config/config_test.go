package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.yaml")
	content := `
survey:
  sheet: Counts
  skip_rows: 3
  years:
    - {year: 2017, area_col: 2, active_col: 3}
analysis:
  family: poisson
  workers: 2
fetch:
  timeout: 10s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Survey.Sheet != "Counts" {
		t.Errorf("Survey.Sheet = %q, want Counts", cfg.Survey.Sheet)
	}
	if cfg.Survey.SkipRows != 3 {
		t.Errorf("Survey.SkipRows = %d, want 3", cfg.Survey.SkipRows)
	}
	if len(cfg.Survey.Years) != 1 {
		t.Errorf("len(Survey.Years) = %d, want 1", len(cfg.Survey.Years))
	}
	if cfg.Analysis.Family != "poisson" {
		t.Errorf("Analysis.Family = %q, want poisson", cfg.Analysis.Family)
	}
	if cfg.Analysis.Simulations != 250 {
		t.Errorf("Analysis.Simulations = %d, want default 250", cfg.Analysis.Simulations)
	}
	if cfg.Fetch.Timeout != 10*time.Second {
		t.Errorf("Fetch.Timeout = %v, want 10s", cfg.Fetch.Timeout)
	}
	if cfg.Sites.Sheet != "Sites" {
		t.Errorf("Sites.Sheet = %q, want default Sites", cfg.Sites.Sheet)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unknown family", func(c *Config) { c.Analysis.Family = "gaussian" }, "Family"},
		{"unknown term", func(c *Config) { c.Analysis.Terms = []string{"year", "slope"} }, "Terms"},
		{"no survey years", func(c *Config) { c.Survey.Years = nil }, "Years"},
		{"negative skip rows", func(c *Config) { c.Climate.SkipRows = -1 }, "SkipRows"},
		{"missing sheet", func(c *Config) { c.Sites.Sheet = "" }, "Sheet"},
		{"too few simulations", func(c *Config) { c.Analysis.Simulations = 5 }, "Simulations"},
		{"duplicate term", func(c *Config) { c.Analysis.Terms = []string{"year", "elev", "elev"} }, "Terms"},
		{"duplicate year", func(c *Config) {
			c.Survey.Years = append(c.Survey.Years, YearColumns{Year: 2017, AreaCol: 6, ActiveCol: 7})
		}, "listed twice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load of missing file succeeded")
	}
}
