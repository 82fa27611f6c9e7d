// Package survey turns wide haypile survey sheets into the long, joined and
// scaled table the models are fit on.
package survey

import (
	"database/sql"
	"sort"

	"github.com/lox/pikasurvey/internal/models"
)

// Reshape pivots wide rows into one record per (site, year). A year is
// emitted when either its area or its count is present; sites with no data
// in any year produce no records.
func Reshape(wide []models.WideSurvey) []models.SurveyRecord {
	var out []models.SurveyRecord
	for _, w := range wide {
		for _, c := range w.Years {
			if !c.Area.Valid && !c.Active.Valid {
				continue
			}
			out = append(out, models.SurveyRecord{
				Site:      w.Site,
				TalusArea: w.TalusArea,
				Year:      c.Year,
				Area:      c.Area,
				Active:    c.Active,
				Density:   Density(c.Active, c.Area),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Site != out[j].Site {
			return out[i].Site < out[j].Site
		}
		return out[i].Year < out[j].Year
	})
	return out
}

// Density is active haypiles per unit surveyed area. It is null when either
// value is missing or the area is not positive.
func Density(active, area sql.NullFloat64) sql.NullFloat64 {
	if !active.Valid || !area.Valid || area.Float64 <= 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: active.Float64 / area.Float64, Valid: true}
}
