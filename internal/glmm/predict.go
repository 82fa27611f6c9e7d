package glmm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// Predict returns the population-level linear predictor (random effect zero)
// for one covariate row and its standard error from the fixed-effect
// covariance.
func (f *Fit) Predict(x []float64, offset float64) (eta, se float64, err error) {
	if len(x) != len(f.Beta) {
		return 0, 0, fmt.Errorf("predict: %d values for %d coefficients", len(x), len(f.Beta))
	}
	eta = offset
	for k, b := range f.Beta {
		eta += x[k] * b
	}
	if f.Cov == nil {
		return eta, math.NaN(), nil
	}
	var v float64
	for i := range x {
		for j := range x {
			v += x[i] * f.Cov.At(i, j) * x[j]
		}
	}
	return eta, math.Sqrt(math.Max(v, 0)), nil
}

// Fitted returns conditional fitted means including the random intercepts.
func (f *Fit) Fitted() []float64 {
	d := f.design
	out := make([]float64, len(d.Y))
	for i := range out {
		eta := d.offset(i) + linear(d.X, i, f.Beta) + f.RanEf[d.Group[i]]
		out[i] = f.Family.LinkInv(eta)
	}
	return out
}

// Observed returns the response the model was fitted to.
func (f *Fit) Observed() []float64 { return f.design.Y }

type Coef struct {
	Name     string
	Estimate float64
	StdErr   float64
	Z        float64
	P        float64
	Lower    float64 // Wald interval on the link scale
	Upper    float64
	Exp      float64 // exp(Estimate): rate or odds ratio
}

// Coefficients summarizes the fixed effects with Wald intervals at the given
// confidence level.
func (f *Fit) Coefficients(level float64) []Coef {
	z := distuv.UnitNormal.Quantile(1 - (1-level)/2)
	out := make([]Coef, len(f.Beta))
	for i, b := range f.Beta {
		se := f.StdErr(i)
		c := Coef{
			Name:     f.Names[i],
			Estimate: b,
			StdErr:   se,
			Z:        b / se,
			Lower:    b - z*se,
			Upper:    b + z*se,
			Exp:      math.Exp(b),
		}
		c.P = 2 * distuv.UnitNormal.Survival(math.Abs(c.Z))
		out[i] = c
	}
	return out
}
