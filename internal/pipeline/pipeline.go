// Package pipeline runs the analysis stages over stored survey data and
// writes the results to the output directory.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/lox/pikasurvey/internal/climate"
	"github.com/lox/pikasurvey/internal/config"
	"github.com/lox/pikasurvey/internal/diagnose"
	"github.com/lox/pikasurvey/internal/dredge"
	"github.com/lox/pikasurvey/internal/effects"
	"github.com/lox/pikasurvey/internal/glmm"
	"github.com/lox/pikasurvey/internal/metrics"
	"github.com/lox/pikasurvey/internal/models"
	"github.com/lox/pikasurvey/internal/report"
	"github.com/lox/pikasurvey/internal/store"
	"github.com/lox/pikasurvey/internal/survey"
)

// Auto fits Poisson first and switches to negative binomial when the
// Poisson residuals are overdispersed.
const Auto = "auto"

type Pipeline struct {
	store    *store.Store
	cfg      *config.Config
	narrator report.Narrator
}

func New(st *store.Store, cfg *config.Config) *Pipeline {
	return &Pipeline{store: st, cfg: cfg}
}

// SetNarrator enables the narrative summary.
func (p *Pipeline) SetNarrator(n report.Narrator) {
	p.narrator = n
}

// Outcome is the result of an analysis run.
type Outcome struct {
	RunID       string
	Frame       *survey.Frame
	Selection   *dredge.Result
	Diagnostics *diagnose.Report
	Coefs       []glmm.Coef
	YearMeans   []effects.Estimate
	Climate     []models.ClimateYear
	Files       []string
}

func (p *Pipeline) path(name string) string {
	return filepath.Join(p.cfg.Analysis.OutputDir, name)
}

// Climate summarizes stored daily observations into seasonal statistics
// and writes the climate table and plot.
func (p *Pipeline) Climate() ([]models.ClimateYear, []string, error) {
	obs, err := p.store.GetClimateObservations(p.cfg.Climate.Station)
	if err != nil {
		return nil, nil, fmt.Errorf("load climate: %w", err)
	}
	if len(obs) == 0 {
		log.Printf("climate: no observations for station %q", p.cfg.Climate.Station)
		return nil, nil, nil
	}
	years := climate.Summarize(obs)
	log.Printf("climate: summarized %d daily records into %d years", len(obs), len(years))

	if err := os.MkdirAll(p.cfg.Analysis.OutputDir, 0o755); err != nil {
		return nil, nil, err
	}
	files := []string{p.path("climate_summary.csv")}
	if err := report.WriteClimate(files[0], years); err != nil {
		return nil, nil, err
	}
	if err := report.PlotClimate(p.path("climate.png"), years); err != nil {
		log.Printf("climate: plot skipped: %v", err)
	} else {
		files = append(files, p.path("climate.png"))
	}
	return years, files, nil
}

// Analyze joins stored surveys with site attributes, selects a model for
// the configured family, checks its residuals and exports effects.
func (p *Pipeline) Analyze(ctx context.Context) (out *Outcome, err error) {
	a := p.cfg.Analysis
	run, err := p.store.StartAnalysisRun(a.Family, a.Terms)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	out = &Outcome{RunID: run.ID}
	log.Printf("analyze: run %s (%s: %s)", run.ID, a.Family, strings.Join(a.Terms, ", "))

	defer func() {
		run.Success = err == nil
		if err != nil {
			run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		}
		if cerr := p.store.CompleteAnalysisRun(run); cerr != nil {
			log.Printf("analyze: complete run %s: %v", run.ID, cerr)
		}
	}()

	frame, rows, err := p.frame(a)
	if err != nil {
		return nil, err
	}
	out.Frame = frame
	run.RowsUsed = sql.NullInt64{Int64: int64(len(frame.Rows)), Valid: true}
	run.RowsDropped = sql.NullInt64{Int64: int64(frame.Dropped), Valid: true}

	sel, diag, err := p.selectModel(ctx, frame, a)
	if err != nil {
		return nil, err
	}
	out.Selection, out.Diagnostics = sel, diag
	top := sel.Top()
	run.Family = sel.Family.String()
	run.Candidates = sql.NullInt64{Int64: int64(len(sel.Models) + len(sel.Failed)), Valid: true}
	run.FailedFits = sql.NullInt64{Int64: int64(len(sel.Failed)), Valid: true}
	run.TopFormula = sql.NullString{String: top.Formula(), Valid: true}
	run.TopAICc = sql.NullFloat64{Float64: top.AICc, Valid: !math.IsInf(top.AICc, 0)}
	run.Flagged = diag.Flagged
	if diag.Flagged {
		run.Concerns = sql.NullString{String: strings.Join(diag.Concerns, "; "), Valid: true}
	}
	if err := p.store.InsertRankings(run.ID, rankings(sel)); err != nil {
		return nil, fmt.Errorf("store rankings: %w", err)
	}

	out.Coefs = top.Fit.Coefficients(0.95)
	m := effects.Model{Predictor: top.Fit, Family: sel.Family, Frame: frame, Terms: top.Terms}
	if out.YearMeans, err = effects.YearMeans(m); err != nil {
		return nil, err
	}
	elevation, err := effects.Curve(m, effects.Elevation, a.GridPoints)
	if err != nil {
		return nil, err
	}
	road, err := effects.Curve(m, effects.Road, a.GridPoints)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(a.OutputDir, 0o755); err != nil {
		return nil, err
	}
	writes := []struct {
		name  string
		write func(path string) error
	}{
		{"survey_long.csv", func(f string) error { return report.WriteSurveyLong(f, rows) }},
		{"model_selection.csv", func(f string) error { return report.WriteSelection(f, sel) }},
		{"coefficients.csv", func(f string) error { return report.WriteCoefficients(f, out.Coefs) }},
		{"diagnostics.csv", func(f string) error { return report.WriteDiagnostics(f, diag, a.Alpha) }},
		{"marginal_means_year.csv", func(f string) error { return report.WriteYearMeans(f, sel.Family, out.YearMeans) }},
		{"effect_elevation.csv", func(f string) error { return report.WriteCurve(f, sel.Family, effects.Elevation, elevation) }},
		{"effect_road.csv", func(f string) error { return report.WriteCurve(f, sel.Family, effects.Road, road) }},
	}
	for _, w := range writes {
		path := p.path(w.name)
		if err := w.write(path); err != nil {
			return nil, fmt.Errorf("write %s: %w", w.name, err)
		}
		out.Files = append(out.Files, path)
	}

	plots := []struct {
		name string
		draw func(path string) error
	}{
		{"density_by_elevation.png", func(f string) error { return report.PlotDensityByElevation(f, rows) }},
		{"effect_elevation.png", func(f string) error { return report.PlotCurve(f, sel.Family, effects.Elevation, elevation) }},
		{"effect_road.png", func(f string) error { return report.PlotCurve(f, sel.Family, effects.Road, road) }},
		{"marginal_means_year.png", func(f string) error { return report.PlotYearMeans(f, sel.Family, out.YearMeans) }},
		{"model_card.png", func(f string) error { return p.writeCard(f, frame, sel, diag, out.Coefs) }},
	}
	for _, pl := range plots {
		path := p.path(pl.name)
		if err := pl.draw(path); err != nil {
			log.Printf("analyze: %s skipped: %v", pl.name, err)
			continue
		}
		out.Files = append(out.Files, path)
	}

	years, files, err := p.Climate()
	if err != nil {
		return nil, err
	}
	out.Climate = years
	out.Files = append(out.Files, files...)

	if p.narrator != nil {
		s := report.Summary{
			Selection:   sel,
			Diagnostics: diag,
			YearMeans:   out.YearMeans,
			Climate:     years,
			Rows:        len(frame.Rows),
			Dropped:     frame.Dropped,
			Sites:       len(frame.Sites),
		}
		path := p.path("narrative.md")
		if err := report.WriteNarrative(ctx, p.narrator, path, s); err != nil {
			log.Printf("analyze: narrative skipped: %v", err)
		} else {
			out.Files = append(out.Files, path)
		}
	}

	log.Printf("analyze: top model %s (%s, AICc %.2f, weight %.2f), wrote %d files to %s",
		top.Formula(), sel.Family, top.AICc, top.Weight, len(out.Files), a.OutputDir)
	return out, nil
}

// frame loads and joins the stored data and builds the complete-case frame
// for the full term set.
func (p *Pipeline) frame(a config.AnalysisConfig) (*survey.Frame, []models.ModelRow, error) {
	records, err := p.store.GetSurveys()
	if err != nil {
		return nil, nil, fmt.Errorf("load surveys: %w", err)
	}
	attrs, err := p.store.GetSiteAttributes()
	if err != nil {
		return nil, nil, fmt.Errorf("load site attributes: %w", err)
	}
	joined, rep, err := survey.Join(records, attrs)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("analyze: joined %d survey rows, %d with site attributes", rep.Rows, rep.Matched)
	for _, u := range rep.Unmatched {
		if u.Suggestion != "" {
			log.Printf("analyze: site %q has no attributes (did you mean %q?)", u.Site, u.Suggestion)
		} else {
			log.Printf("analyze: site %q has no attributes", u.Site)
		}
	}

	ds := survey.BuildDataset(joined)
	terms, err := survey.ParseTerms(a.Terms)
	if err != nil {
		return nil, nil, err
	}
	resp := survey.Count
	if a.Family == glmm.Binomial.String() {
		resp = survey.Presence
	}
	frame, err := survey.NewFrame(ds, terms, resp)
	if err != nil {
		return nil, nil, fmt.Errorf("model frame: %w", err)
	}
	if frame.Dropped > 0 {
		log.Printf("analyze: excluded %d of %d rows with missing values", frame.Dropped, len(ds.Rows))
	}
	return frame, ds.Rows, nil
}

// selectModel dredges the frame and diagnoses the top model. In auto mode
// an overdispersed Poisson selection is redone as negative binomial.
func (p *Pipeline) selectModel(ctx context.Context, frame *survey.Frame, a config.AnalysisConfig) (*dredge.Result, *diagnose.Report, error) {
	name := a.Family
	if name == Auto {
		name = glmm.Poisson.String()
	}
	fam, err := glmm.ParseFamily(name)
	if err != nil {
		return nil, nil, err
	}

	sel, diag, err := p.dredgeAndDiagnose(ctx, frame, fam, a)
	if err != nil {
		return nil, nil, err
	}
	if a.Family == Auto && overdispersed(diag, a.Alpha) {
		log.Printf("analyze: poisson residuals overdispersed (ratio %.2f, p=%.3g), refitting as %s",
			diag.Dispersion.Statistic, diag.Dispersion.P, glmm.NegativeBinomial)
		sel, diag, err = p.dredgeAndDiagnose(ctx, frame, glmm.NegativeBinomial, a)
		if err != nil {
			return nil, nil, err
		}
	}
	return sel, diag, nil
}

func overdispersed(d *diagnose.Report, alpha float64) bool {
	return d.Dispersion.P < alpha && d.Dispersion.Statistic > 1
}

func (p *Pipeline) dredgeAndDiagnose(ctx context.Context, frame *survey.Frame, fam glmm.Family, a config.AnalysisConfig) (*dredge.Result, *diagnose.Report, error) {
	sel, err := dredge.Run(ctx, frame, fam, dredge.Options{Workers: a.Workers})
	if err != nil {
		return nil, nil, err
	}
	top := sel.Top()
	diag, err := diagnose.Residuals(top.Fit, a.Simulations, a.Seed, a.Alpha)
	if err != nil {
		return nil, nil, err
	}
	if diag.Flagged {
		metrics.ResidualsFlagged.Set(1)
		for _, c := range diag.Concerns {
			log.Printf("analyze: top model %s (%s): %s", top.Formula(), fam, c)
		}
	} else {
		metrics.ResidualsFlagged.Set(0)
	}
	for _, w := range top.Fit.Warnings {
		log.Printf("analyze: top model %s: %s", top.Formula(), w)
	}
	return sel, diag, nil
}

func (p *Pipeline) writeCard(path string, frame *survey.Frame, sel *dredge.Result, diag *diagnose.Report, coefs []glmm.Coef) error {
	top := sel.Top()
	b, err := report.ModelCard(report.CardData{
		Family:   sel.Family,
		Formula:  top.Formula(),
		N:        len(frame.Rows),
		Sites:    len(frame.Sites),
		AICc:     top.AICc,
		Weight:   top.Weight,
		Sigma:    top.Fit.Sigma,
		Theta:    top.Fit.Theta,
		Coefs:    coefs,
		Flagged:  diag.Flagged,
		Concerns: diag.Concerns,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func rankings(sel *dredge.Result) []store.Ranking {
	out := make([]store.Ranking, len(sel.Models))
	for i, m := range sel.Models {
		out[i] = store.Ranking{
			Rank:      i + 1,
			Formula:   m.Formula(),
			NumParams: m.Fit.NumParams(),
			LogLik:    m.Fit.LogLik,
			AICc:      m.AICc,
			Delta:     m.Delta,
			Weight:    m.Weight,
		}
	}
	return out
}
