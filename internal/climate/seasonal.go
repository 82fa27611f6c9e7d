// Package climate summarizes daily weather into yearly seasonal statistics.
package climate

import (
	"database/sql"
	"math"
	"sort"
	"time"

	"github.com/lox/pikasurvey/internal/models"
)

// WinterYear maps a date to the winter it belongs to. December counts toward
// the following year's winter; January and February toward their own year.
// ok is false outside December-February.
func WinterYear(t time.Time) (year int, ok bool) {
	switch t.Month() {
	case time.December:
		return t.Year() + 1, true
	case time.January, time.February:
		return t.Year(), true
	}
	return 0, false
}

func isSummer(m time.Month) bool { return m >= time.June && m <= time.August }

type acc struct {
	sum, min, max float64
	n             int
}

func newAcc() *acc { return &acc{min: math.Inf(1), max: math.Inf(-1)} }

func (a *acc) add(v sql.NullFloat64) {
	if !v.Valid {
		return
	}
	a.sum += v.Float64
	a.min = math.Min(a.min, v.Float64)
	a.max = math.Max(a.max, v.Float64)
	a.n++
}

func (a *acc) mean() sql.NullFloat64 {
	if a == nil || a.n == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: a.sum / float64(a.n), Valid: true}
}

func (a *acc) minimum() sql.NullFloat64 {
	if a == nil || a.n == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: a.min, Valid: true}
}

func (a *acc) maximum() sql.NullFloat64 {
	if a == nil || a.n == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: a.max, Valid: true}
}

func (a *acc) total() sql.NullFloat64 {
	if a == nil || a.n == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: a.sum, Valid: true}
}

// winterWindow tracks which months of a winter were observed.
type winterWindow struct {
	temps    *acc
	december bool
	janFeb   bool
}

// Summarize aggregates daily observations into one row per year:
//   - summer (Jun-Aug, calendar year): max of daily max, mean of daily mean
//   - winter (Dec-Feb, winter year): mean and min of daily mean
//   - precipitation: calendar-year total
//
// The winter windows at either end of the series are discarded when the
// series cuts through them: a first winter with no December, and a last
// winter with no January or February. Interior winters are kept as observed.
// Years are outer-joined, so a year missing one statistic keeps the others.
func Summarize(obs []models.ClimateObservation) []models.ClimateYear {
	summerMax := make(map[int]*acc)
	summerMean := make(map[int]*acc)
	winters := make(map[int]*winterWindow)
	precip := make(map[int]*acc)

	get := func(m map[int]*acc, y int) *acc {
		a, ok := m[y]
		if !ok {
			a = newAcc()
			m[y] = a
		}
		return a
	}

	for _, o := range obs {
		y := o.Date.Year()
		if isSummer(o.Date.Month()) {
			get(summerMax, y).add(o.TempMax)
			get(summerMean, y).add(o.TempMean)
		}
		if wy, ok := WinterYear(o.Date); ok {
			w, ok := winters[wy]
			if !ok {
				w = &winterWindow{temps: newAcc()}
				winters[wy] = w
			}
			w.temps.add(o.TempMean)
			if o.Date.Month() == time.December {
				w.december = true
			} else {
				w.janFeb = true
			}
		}
		get(precip, y).add(o.Precip)
	}

	years := make(map[int]bool)
	for y := range summerMax {
		years[y] = true
	}
	for y := range precip {
		years[y] = true
	}
	trimWinterEdges(winters)
	for y := range winters {
		years[y] = true
	}

	out := make([]models.ClimateYear, 0, len(years))
	for y := range years {
		cy := models.ClimateYear{
			Year:        y,
			SummerMax:   summerMax[y].maximum(),
			SummerMean:  summerMean[y].mean(),
			PrecipTotal: precip[y].total(),
		}
		if w, ok := winters[y]; ok {
			cy.WinterMean = w.temps.mean()
			cy.WinterMin = w.temps.minimum()
		}
		if cy.SummerMax.Valid || cy.SummerMean.Valid || cy.WinterMean.Valid || cy.PrecipTotal.Valid {
			out = append(out, cy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Year < out[j].Year })
	return out
}

func trimWinterEdges(winters map[int]*winterWindow) {
	if len(winters) == 0 {
		return
	}
	first, last := math.MaxInt, math.MinInt
	for y := range winters {
		first = min(first, y)
		last = max(last, y)
	}
	if !winters[first].december {
		delete(winters, first)
	}
	if w, ok := winters[last]; ok && !w.janFeb {
		delete(winters, last)
	}
}
