// Package report writes analysis results as CSV tables, PNG plots, a model
// card image and an optional narrative summary.
package report

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/lox/pikasurvey/internal/diagnose"
	"github.com/lox/pikasurvey/internal/dredge"
	"github.com/lox/pikasurvey/internal/effects"
	"github.com/lox/pikasurvey/internal/glmm"
	"github.com/lox/pikasurvey/internal/models"
)

const na = "NA"

func writeCSV(path string, header []string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func num(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return na
	}
	return strconv.FormatFloat(v, 'g', 10, 64)
}

func nullNum(v sql.NullFloat64) string {
	if !v.Valid {
		return na
	}
	return num(v.Float64)
}

func nullStr(v sql.NullString) string {
	if !v.Valid {
		return na
	}
	return v.String
}

func nullBool(v sql.NullBool) string {
	if !v.Valid {
		return na
	}
	return strconv.FormatBool(v.Bool)
}

// WriteSurveyLong writes the joined long-format survey table.
func WriteSurveyLong(path string, rows []models.ModelRow) error {
	header := []string{"site", "year", "talus_area", "area", "active", "density",
		"road_dist", "powerline_dist", "elevation", "zone", "aspect",
		"elevation_scaled", "talus_scaled", "present"}
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = []string{
			r.Site, strconv.Itoa(r.Year), nullNum(r.TalusArea), nullNum(r.Area), nullNum(r.Active), nullNum(r.Density),
			nullNum(r.RoadDist), nullNum(r.PowerlineDist), nullNum(r.Elevation), nullStr(r.Zone), nullStr(r.Aspect),
			nullNum(r.ElevationScaled), nullNum(r.TalusScaled), nullBool(r.Present),
		}
	}
	return writeCSV(path, header, out)
}

func WriteClimate(path string, years []models.ClimateYear) error {
	header := []string{"year", "summer_max", "summer_mean", "winter_mean", "winter_min", "precip_total"}
	out := make([][]string, len(years))
	for i, y := range years {
		out[i] = []string{strconv.Itoa(y.Year), nullNum(y.SummerMax), nullNum(y.SummerMean),
			nullNum(y.WinterMean), nullNum(y.WinterMin), nullNum(y.PrecipTotal)}
	}
	return writeCSV(path, header, out)
}

// WriteSelection writes the ranked candidate table followed by failed fits.
func WriteSelection(path string, res *dredge.Result) error {
	header := []string{"rank", "formula", "family", "k", "loglik", "aicc", "delta", "weight", "status", "error"}
	var out [][]string
	for i, m := range res.Models {
		out = append(out, []string{
			strconv.Itoa(i + 1), m.Formula(), res.Family.String(), strconv.Itoa(m.Fit.NumParams()),
			num(m.Fit.LogLik), num(m.AICc), num(m.Delta), num(m.Weight), "ok", "",
		})
	}
	for _, f := range res.Failed {
		out = append(out, []string{na, dredge.Formula(f.Terms), res.Family.String(), na, na, na, na, na, "failed", f.Err.Error()})
	}
	return writeCSV(path, header, out)
}

func WriteCoefficients(path string, coefs []glmm.Coef) error {
	header := []string{"term", "estimate", "std_error", "z", "p_value", "lower", "upper",
		"exp_estimate", "exp_lower", "exp_upper"}
	out := make([][]string, len(coefs))
	for i, c := range coefs {
		out[i] = []string{c.Name, num(c.Estimate), num(c.StdErr), num(c.Z), num(c.P), num(c.Lower), num(c.Upper),
			num(c.Exp), num(math.Exp(c.Lower)), num(math.Exp(c.Upper))}
	}
	return writeCSV(path, header, out)
}

func WriteDiagnostics(path string, r *diagnose.Report, alpha float64) error {
	header := []string{"test", "statistic", "p_value", "flagged"}
	var out [][]string
	for _, t := range []diagnose.Test{r.Uniformity, r.Dispersion, r.ZeroInfl} {
		out = append(out, []string{t.Name, num(t.Statistic), num(t.P), strconv.FormatBool(t.P < alpha)})
	}
	out = append(out, []string{"outliers", strconv.Itoa(r.Outliers), na, "false"})
	return writeCSV(path, header, out)
}

func responseName(fam glmm.Family) string {
	if fam.IsCount() {
		return "density"
	}
	return "probability"
}

func WriteYearMeans(path string, fam glmm.Family, est []effects.Estimate) error {
	header := []string{"year", responseName(fam), "lower", "upper", "eta", "se"}
	out := make([][]string, len(est))
	for i, e := range est {
		out[i] = []string{strconv.Itoa(e.Year), num(e.Response), num(e.Lower), num(e.Upper), num(e.Eta), num(e.SE)}
	}
	return writeCSV(path, header, out)
}

func WriteCurve(path string, fam glmm.Family, c effects.Covariate, est []effects.Estimate) error {
	header := []string{"year", string(c), responseName(fam), "lower", "upper"}
	out := make([][]string, len(est))
	for i, e := range est {
		out[i] = []string{strconv.Itoa(e.Year), num(e.Value), num(e.Response), num(e.Lower), num(e.Upper)}
	}
	return writeCSV(path, header, out)
}
