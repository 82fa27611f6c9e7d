package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config describes the spreadsheet layouts and analysis settings. Column
// positions and skip-row counts are contractual: they are never discovered
// from header text.
type Config struct {
	Survey   SurveySheet    `yaml:"survey"`
	Sites    SiteSheet      `yaml:"sites"`
	Climate  ClimateSheet   `yaml:"climate"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Fetch    FetchConfig    `yaml:"fetch"`
}

// SheetLayout locates a table inside a workbook. Columns are zero-based.
type SheetLayout struct {
	Sheet    string   `yaml:"sheet" validate:"required"`
	SkipRows int      `yaml:"skip_rows" validate:"min=0"`
	Missing  []string `yaml:"missing"` // cell texts parsed as null
}

type SurveySheet struct {
	SheetLayout  `yaml:",inline"`
	SiteCol      int           `yaml:"site_col" validate:"min=0"`
	TalusAreaCol int           `yaml:"talus_area_col" validate:"min=-1"`
	Years        []YearColumns `yaml:"years" validate:"min=1,dive"`
}

type YearColumns struct {
	Year      int `yaml:"year" validate:"gt=0"`
	AreaCol   int `yaml:"area_col" validate:"min=0"`
	ActiveCol int `yaml:"active_col" validate:"min=0"`
}

// SiteSheet columns set to -1 are absent from the workbook.
type SiteSheet struct {
	SheetLayout  `yaml:",inline"`
	SiteCol      int `yaml:"site_col" validate:"min=0"`
	RoadCol      int `yaml:"road_col" validate:"min=-1"`
	PowerlineCol int `yaml:"powerline_col" validate:"min=-1"`
	ElevationCol int `yaml:"elevation_col" validate:"min=-1"`
	ZoneCol      int `yaml:"zone_col" validate:"min=-1"`
	AspectCol    int `yaml:"aspect_col" validate:"min=-1"`
}

type ClimateSheet struct {
	SheetLayout `yaml:",inline"`
	Station     string `yaml:"station"`
	DateCol     int    `yaml:"date_col" validate:"min=0"`
	MaxCol      int    `yaml:"max_col" validate:"min=-1"`
	MeanCol     int    `yaml:"mean_col" validate:"min=-1"`
	PrecipCol   int    `yaml:"precip_col" validate:"min=-1"`
}

type AnalysisConfig struct {
	Family      string   `yaml:"family" validate:"oneof=poisson nbinom binomial auto"`
	Terms       []string `yaml:"terms" validate:"min=1,unique,dive,oneof=year elev road talus aspect year:elev"`
	Simulations int      `yaml:"simulations" validate:"min=10"`
	Seed        uint64   `yaml:"seed"`
	Workers     int      `yaml:"workers" validate:"min=1"`
	GridPoints  int      `yaml:"grid_points" validate:"min=2"`
	Alpha       float64  `yaml:"alpha" validate:"gt=0,lt=1"`
	OutputDir   string   `yaml:"output_dir" validate:"required"`
}

// FetchConfig points at a climate workbook published on an FTP server.
type FetchConfig struct {
	Host     string        `yaml:"host"`
	Path     string        `yaml:"path"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxRetry time.Duration `yaml:"max_retry"`
}

func Default() *Config {
	return &Config{
		Survey: SurveySheet{
			SheetLayout:  SheetLayout{Sheet: "Haypiles", SkipRows: 1, Missing: []string{"", "999", "NA"}},
			SiteCol:      0,
			TalusAreaCol: 1,
			Years: []YearColumns{
				{Year: 2017, AreaCol: 2, ActiveCol: 3},
				{Year: 2019, AreaCol: 4, ActiveCol: 5},
			},
		},
		Sites: SiteSheet{
			SheetLayout:  SheetLayout{Sheet: "Sites", SkipRows: 1, Missing: []string{"", "NA"}},
			SiteCol:      0,
			RoadCol:      1,
			PowerlineCol: 2,
			ElevationCol: 3,
			ZoneCol:      4,
			AspectCol:    5,
		},
		Climate: ClimateSheet{
			SheetLayout: SheetLayout{Sheet: "Daily", SkipRows: 1, Missing: []string{"", "M", "NA"}},
			Station:     "basin",
			DateCol:     0,
			MaxCol:      1,
			MeanCol:     2,
			PrecipCol:   3,
		},
		Analysis: AnalysisConfig{
			Family:      "nbinom",
			Terms:       []string{"year", "elev", "road", "talus", "aspect", "year:elev"},
			Simulations: 250,
			Seed:        20190801,
			Workers:     4,
			GridPoints:  50,
			Alpha:       0.05,
			OutputDir:   "output",
		},
		Fetch: FetchConfig{
			User:     "anonymous",
			Password: "anonymous",
			Timeout:  30 * time.Second,
			MaxRetry: 2 * time.Minute,
		},
	}
}

// Load reads a YAML layout file over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[int]bool)
	for _, y := range c.Survey.Years {
		if seen[y.Year] {
			return fmt.Errorf("invalid config: survey year %d listed twice", y.Year)
		}
		seen[y.Year] = true
	}
	return nil
}
