// Package effects computes population-level predictions from a fitted model:
// marginal means per survey year and effect curves over a covariate.
package effects

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/lox/pikasurvey/internal/glmm"
	"github.com/lox/pikasurvey/internal/survey"
)

// Predictor returns a link-scale prediction and its standard error for one
// design row.
type Predictor interface {
	Predict(x []float64, offset float64) (eta, se float64, err error)
}

// Model ties a predictor to the frame and terms its design rows come from.
type Model struct {
	Predictor Predictor
	Family    glmm.Family
	Frame     *survey.Frame
	Terms     []survey.Term
	Level     float64 // confidence level, 0.95 when zero
}

type Covariate string

const (
	Elevation Covariate = "elevation" // metres
	Road      Covariate = "road_dist"
)

// Estimate is a prediction on the response scale. Count families report
// density per unit area; the binomial family reports probability.
type Estimate struct {
	Year     int
	Value    float64 // covariate value for curves, in natural units
	Eta      float64
	SE       float64
	Response float64
	Lower    float64
	Upper    float64
}

func (m Model) z() float64 {
	level := m.Level
	if level == 0 {
		level = 0.95
	}
	return distuv.UnitNormal.Quantile(1 - (1-level)/2)
}

// predict back-transforms the link-scale Wald interval at p.
func (m Model) predict(p survey.Point) (Estimate, error) {
	offset := m.Frame.Offset()
	eta, se, err := m.Predictor.Predict(m.Frame.Encode(m.Terms, p), offset)
	if err != nil {
		return Estimate{}, err
	}
	z := m.z()
	e := Estimate{
		Year:     p.Year,
		Eta:      eta,
		SE:       se,
		Response: m.Family.LinkInv(eta),
		Lower:    m.Family.LinkInv(eta - z*se),
		Upper:    m.Family.LinkInv(eta + z*se),
	}
	if m.Family.IsCount() {
		// expected count at the mean surveyed area, as density
		e.Response /= m.Frame.MeanArea
		e.Lower /= m.Frame.MeanArea
		e.Upper /= m.Frame.MeanArea
	}
	return e, nil
}

// YearMeans predicts at the reference point of every survey year.
func YearMeans(m Model) ([]Estimate, error) {
	out := make([]Estimate, 0, len(m.Frame.Years))
	for _, y := range m.Frame.Years {
		e, err := m.predict(m.Frame.Reference(y))
		if err != nil {
			return nil, fmt.Errorf("marginal mean %d: %w", y, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Curve predicts over an evenly spaced grid spanning the observed range of a
// covariate, for each survey year, holding other covariates at their
// reference values.
func Curve(m Model, c Covariate, points int) ([]Estimate, error) {
	if points < 2 {
		return nil, fmt.Errorf("curve: need at least 2 grid points, got %d", points)
	}
	lo, hi, err := observedRange(m.Frame, c)
	if err != nil {
		return nil, err
	}
	grid := floats.Span(make([]float64, points), lo, hi)

	out := make([]Estimate, 0, points*len(m.Frame.Years))
	for _, y := range m.Frame.Years {
		for _, v := range grid {
			p := m.Frame.Reference(y)
			switch c {
			case Elevation:
				p.ElevScaled = m.Frame.Elevation.Apply(v)
			case Road:
				p.Road = v
			}
			e, err := m.predict(p)
			if err != nil {
				return nil, fmt.Errorf("curve %s=%g: %w", c, v, err)
			}
			e.Value = v
			out = append(out, e)
		}
	}
	return out, nil
}

func observedRange(f *survey.Frame, c Covariate) (lo, hi float64, err error) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, r := range f.Rows {
		var v float64
		switch c {
		case Elevation:
			if !r.Elevation.Valid {
				continue
			}
			v = r.Elevation.Float64
		case Road:
			if !r.RoadDist.Valid {
				continue
			}
			v = r.RoadDist.Float64
		default:
			return 0, 0, fmt.Errorf("unknown covariate %q", c)
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if math.IsInf(lo, 1) {
		return 0, 0, fmt.Errorf("no observed values for %s", c)
	}
	return lo, hi, nil
}
