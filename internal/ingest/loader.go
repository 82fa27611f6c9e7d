package ingest

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/lox/pikasurvey/internal/config"
	"github.com/lox/pikasurvey/internal/metrics"
	"github.com/lox/pikasurvey/internal/models"
	"github.com/lox/pikasurvey/internal/store"
	"github.com/lox/pikasurvey/internal/survey"
)

// Loader parses the input workbooks and persists their records.
type Loader struct {
	store *store.Store
	cfg   *config.Config
}

func NewLoader(st *store.Store, cfg *config.Config) *Loader {
	return &Loader{store: st, cfg: cfg}
}

// Result summarizes one loaded workbook.
type Result struct {
	Kind      string
	File      string
	Rows      int // records stored
	Flagged   int // records stored with quality flags
	Issues    []RowIssue
	Duplicate bool // identical content was loaded before
}

func (r Result) String() string {
	return fmt.Sprintf("%s: %d rows (%d flagged, %d issues)", r.File, r.Rows, r.Flagged, len(r.Issues))
}

func (l *Loader) archive(kind, path string) ([]byte, *Result, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", kind, err)
	}
	name := filepath.Base(path)
	log.Printf("ingest: loading %s workbook %s (%s)", kind, name, humanize.Bytes(uint64(len(content))))

	res := &Result{Kind: kind, File: name}
	if _, dup, err := l.store.StoreSourceFile(kind, name, content); err != nil {
		log.Printf("ingest: archive %s: %v", name, err)
	} else if dup {
		res.Duplicate = true
		log.Printf("ingest: %s matches a previously loaded file, reloading records", name)
	}
	return content, res, nil
}

func (l *Loader) report(res *Result) {
	for _, issue := range res.Issues {
		log.Printf("ingest: %s", issue)
		metrics.QualityFlags.WithLabelValues(res.Kind, issue.Flag).Inc()
	}
	metrics.RowsIngested.WithLabelValues(res.Kind).Add(float64(res.Rows))
	log.Printf("ingest: %s", res)
}

// LoadSurvey reads the wide survey workbook, reshapes it to one record per
// site and year, and replaces the stored survey table with the records and
// their quality flags.
func (l *Loader) LoadSurvey(path string) (*Result, error) {
	content, res, err := l.archive("survey", path)
	if err != nil {
		return nil, err
	}
	wide, issues, err := ReadSurvey(bytes.NewReader(content), l.cfg.Survey)
	if err != nil {
		return nil, fmt.Errorf("survey %s: %w", res.File, err)
	}
	res.Issues = issues

	records := survey.Reshape(wide)
	if dropped := len(wide) - countSites(records); dropped > 0 {
		log.Printf("ingest: dropped %d sites with no survey data", dropped)
	}
	qc := make([]string, len(records))
	for i := range records {
		flags := ValidateSurvey(&records[i])
		for _, f := range flags {
			metrics.QualityFlags.WithLabelValues(res.Kind, f).Inc()
		}
		if len(flags) > 0 {
			res.Flagged++
		}
		qc[i] = QualityFlagsToJSON(flags)
	}
	if err := l.store.ReplaceSurveys(records, qc); err != nil {
		return nil, fmt.Errorf("store surveys: %w", err)
	}
	res.Rows = len(records)
	l.report(res)
	return res, nil
}

func countSites(records []models.SurveyRecord) int {
	seen := make(map[string]bool)
	for _, r := range records {
		seen[r.Site] = true
	}
	return len(seen)
}

func (l *Loader) LoadSites(path string) (*Result, error) {
	content, res, err := l.archive("sites", path)
	if err != nil {
		return nil, err
	}
	attrs, issues, err := ReadSites(bytes.NewReader(content), l.cfg.Sites)
	if err != nil {
		return nil, fmt.Errorf("sites %s: %w", res.File, err)
	}
	res.Issues = issues
	for _, a := range attrs {
		if err := l.store.UpsertSiteAttributes(a); err != nil {
			return nil, fmt.Errorf("store site %s: %w", a.Site, err)
		}
		res.Rows++
	}
	l.report(res)
	return res, nil
}

// LoadClimate reads a daily climate workbook from disk.
func (l *Loader) LoadClimate(path string) (*Result, error) {
	content, res, err := l.archive("climate", path)
	if err != nil {
		return nil, err
	}
	obs, issues, err := ReadClimate(bytes.NewReader(content), l.cfg.Climate)
	if err != nil {
		return nil, fmt.Errorf("climate %s: %w", res.File, err)
	}
	res.Issues = issues
	for _, o := range obs {
		flags := ValidateClimate(&o)
		for _, f := range flags {
			metrics.QualityFlags.WithLabelValues(res.Kind, f).Inc()
		}
		if len(flags) > 0 {
			res.Flagged++
		}
		if err := l.store.UpsertClimateObservation(o, QualityFlagsToJSON(flags)); err != nil {
			return nil, fmt.Errorf("store climate %s: %w", o.Date.Format("2006-01-02"), err)
		}
		res.Rows++
	}
	l.report(res)
	return res, nil
}
