package survey

import (
	"database/sql"

	"gonum.org/v1/gonum/stat"

	"github.com/lox/pikasurvey/internal/models"
)

// Scale is a centring and scaling transform fitted on a column.
type Scale struct {
	Center float64
	Scale  float64
}

func (s Scale) Apply(x float64) float64 {
	if s.Scale == 0 {
		return 0
	}
	return (x - s.Center) / s.Scale
}

func (s Scale) Invert(z float64) float64 { return z*s.Scale + s.Center }

// FitScale computes mean and sample standard deviation over the valid values.
func FitScale(values []sql.NullFloat64) Scale {
	var xs []float64
	for _, v := range values {
		if v.Valid {
			xs = append(xs, v.Float64)
		}
	}
	if len(xs) == 0 {
		return Scale{}
	}
	if len(xs) == 1 {
		return Scale{Center: xs[0]}
	}
	mean, sd := stat.MeanStdDev(xs, nil)
	return Scale{Center: mean, Scale: sd}
}

type Dataset struct {
	Rows      []models.ModelRow
	Elevation Scale
	Talus     Scale
}

// BuildDataset derives scaled elevation, scaled talus area and presence for
// joined rows. Scaling is fitted across all rows, so a site surveyed in two
// years weighs twice.
func BuildDataset(rows []models.ModelRow) *Dataset {
	elev := make([]sql.NullFloat64, len(rows))
	talus := make([]sql.NullFloat64, len(rows))
	for i, r := range rows {
		elev[i] = r.Elevation
		talus[i] = r.TalusArea
	}
	ds := &Dataset{
		Rows:      make([]models.ModelRow, len(rows)),
		Elevation: FitScale(elev),
		Talus:     FitScale(talus),
	}
	for i, r := range rows {
		if r.Elevation.Valid {
			r.ElevationScaled = sql.NullFloat64{Float64: ds.Elevation.Apply(r.Elevation.Float64), Valid: true}
		}
		if r.TalusArea.Valid {
			r.TalusScaled = sql.NullFloat64{Float64: ds.Talus.Apply(r.TalusArea.Float64), Valid: true}
		}
		if r.Active.Valid {
			r.Present = sql.NullBool{Bool: r.Active.Float64 > 0, Valid: true}
		}
		ds.Rows[i] = r
	}
	return ds
}
