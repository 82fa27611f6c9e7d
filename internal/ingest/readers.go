package ingest

import (
	"database/sql"
	"io"

	"github.com/lox/pikasurvey/internal/config"
	"github.com/lox/pikasurvey/internal/models"
)

const (
	FlagUnparseableCell = "unparseable_cell"
	FlagMissingSite     = "missing_site"
	FlagBadDate         = "bad_date"
	FlagDuplicateRow    = "duplicate_row"
)

type sheetReader struct {
	sh     *Sheet
	issues []RowIssue
}

func (r *sheetReader) flag(row int, flag, detail string) {
	r.issues = append(r.issues, RowIssue{Sheet: r.sh.Name, Row: r.sh.RowNumber(row), Flag: flag, Detail: detail})
}

// float reads a numeric cell, reporting and nulling values that don't parse.
func (r *sheetReader) float(row, col int) sql.NullFloat64 {
	v, err := r.sh.Float(row, col)
	if err != nil {
		r.flag(row, FlagUnparseableCell, err.Error())
	}
	return v
}

// ReadSurvey reads the wide survey sheet. Unparseable numeric cells are
// reported and treated as missing.
func ReadSurvey(in io.Reader, layout config.SurveySheet) ([]models.WideSurvey, []RowIssue, error) {
	sh, err := ReadSheet(in, layout.SheetLayout)
	if err != nil {
		return nil, nil, err
	}

	r := &sheetReader{sh: sh}
	var out []models.WideSurvey
	for i := 0; i < sh.Len(); i++ {
		if sh.Blank(i) {
			continue
		}
		site := sh.Text(i, layout.SiteCol)
		if !site.Valid {
			r.flag(i, FlagMissingSite, "row has data but no site id")
			continue
		}

		w := models.WideSurvey{Site: site.String}
		if layout.TalusAreaCol >= 0 {
			w.TalusArea = r.float(i, layout.TalusAreaCol)
		}
		for _, yc := range layout.Years {
			w.Years = append(w.Years, models.YearCell{
				Year:   yc.Year,
				Area:   r.float(i, yc.AreaCol),
				Active: r.float(i, yc.ActiveCol),
			})
		}
		out = append(out, w)
	}
	return out, r.issues, nil
}

// ReadSites reads the site description sheet. Later rows for an already seen
// site are reported and dropped.
func ReadSites(in io.Reader, layout config.SiteSheet) ([]models.SiteAttributes, []RowIssue, error) {
	sh, err := ReadSheet(in, layout.SheetLayout)
	if err != nil {
		return nil, nil, err
	}

	r := &sheetReader{sh: sh}
	var out []models.SiteAttributes
	seen := make(map[string]bool)
	for i := 0; i < sh.Len(); i++ {
		if sh.Blank(i) {
			continue
		}
		site := sh.Text(i, layout.SiteCol)
		if !site.Valid {
			r.flag(i, FlagMissingSite, "row has data but no site id")
			continue
		}
		if seen[site.String] {
			r.flag(i, FlagDuplicateRow, site.String)
			continue
		}
		seen[site.String] = true

		out = append(out, models.SiteAttributes{
			Site:          site.String,
			RoadDist:      r.float(i, layout.RoadCol),
			PowerlineDist: r.float(i, layout.PowerlineCol),
			Elevation:     r.float(i, layout.ElevationCol),
			Zone:          sh.Text(i, layout.ZoneCol),
			Aspect:        sh.Text(i, layout.AspectCol),
		})
	}
	return out, r.issues, nil
}

// ReadClimate reads the daily climate sheet. Rows without a parseable date
// are dropped.
func ReadClimate(in io.Reader, layout config.ClimateSheet) ([]models.ClimateObservation, []RowIssue, error) {
	sh, err := ReadSheet(in, layout.SheetLayout)
	if err != nil {
		return nil, nil, err
	}

	r := &sheetReader{sh: sh}
	var out []models.ClimateObservation
	for i := 0; i < sh.Len(); i++ {
		if sh.Blank(i) {
			continue
		}
		date, err := sh.Date(i, layout.DateCol)
		if err != nil {
			r.flag(i, FlagBadDate, err.Error())
			continue
		}
		out = append(out, models.ClimateObservation{
			Station:  layout.Station,
			Date:     date,
			TempMax:  r.float(i, layout.MaxCol),
			TempMean: r.float(i, layout.MeanCol),
			Precip:   r.float(i, layout.PrecipCol),
		})
	}
	return out, r.issues, nil
}
