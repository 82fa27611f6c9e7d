package survey

import (
	"errors"
	"fmt"
	"sort"

	"github.com/agnivade/levenshtein"

	"github.com/lox/pikasurvey/internal/models"
)

var ErrDuplicateSite = errors.New("duplicate site in attribute table")

// Unmatched is a surveyed site with no attribute row.
type Unmatched struct {
	Site       string
	Suggestion string // closest attribute site id, if any is near
	Distance   int
}

type JoinReport struct {
	Rows      int
	Matched   int
	Unmatched []Unmatched
}

// maxSuggestDistance bounds typo suggestions to small edits.
const maxSuggestDistance = 2

// Join left-joins survey records to site attributes on site id. The output
// has exactly one row per input record; attribute fields stay null when the
// site has no attribute row.
func Join(records []models.SurveyRecord, attrs []models.SiteAttributes) ([]models.ModelRow, JoinReport, error) {
	bySite := make(map[string]models.SiteAttributes, len(attrs))
	for _, a := range attrs {
		if _, dup := bySite[a.Site]; dup {
			return nil, JoinReport{}, fmt.Errorf("%w: %s", ErrDuplicateSite, a.Site)
		}
		bySite[a.Site] = a
	}

	report := JoinReport{Rows: len(records)}
	missing := make(map[string]bool)
	rows := make([]models.ModelRow, 0, len(records))
	for _, rec := range records {
		row := models.ModelRow{SurveyRecord: rec}
		if a, ok := bySite[rec.Site]; ok {
			row.RoadDist = a.RoadDist
			row.PowerlineDist = a.PowerlineDist
			row.Elevation = a.Elevation
			row.Zone = a.Zone
			row.Aspect = a.Aspect
			report.Matched++
		} else {
			missing[rec.Site] = true
		}
		rows = append(rows, row)
	}

	for site := range missing {
		report.Unmatched = append(report.Unmatched, suggest(site, attrs))
	}
	sort.Slice(report.Unmatched, func(i, j int) bool { return report.Unmatched[i].Site < report.Unmatched[j].Site })
	return rows, report, nil
}

func suggest(site string, attrs []models.SiteAttributes) Unmatched {
	u := Unmatched{Site: site, Distance: -1}
	for _, a := range attrs {
		d := levenshtein.ComputeDistance(site, a.Site)
		if d > maxSuggestDistance {
			continue
		}
		if u.Distance < 0 || d < u.Distance || (d == u.Distance && a.Site < u.Suggestion) {
			u.Suggestion, u.Distance = a.Site, d
		}
	}
	return u
}
