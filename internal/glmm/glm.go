package glmm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// fitGLM fits the fixed effects alone by iteratively reweighted least
// squares. It supplies starting values for the mixed model.
func fitGLM(d *Design, fam Family, theta float64) ([]float64, error) {
	n, p := d.X.Dims()

	eta := make([]float64, n)
	for i, y := range d.Y {
		switch fam {
		case Binomial:
			m := (y + 0.5) / 2
			eta[i] = math.Log(m / (1 - m))
		default:
			eta[i] = math.Log(y + 0.5)
		}
	}

	beta := make([]float64, p)
	wx := mat.NewDense(n, p, nil)
	z := mat.NewVecDense(n, nil)
	for iter := 0; iter < 50; iter++ {
		for i := 0; i < n; i++ {
			d1, w := fam.derivs(d.Y[i], eta[i], theta)
			w = math.Max(w, 1e-10)
			z.SetVec(i, eta[i]-d.offset(i)+d1/w)
			for k := 0; k < p; k++ {
				wx.Set(i, k, w*d.X.At(i, k))
			}
		}

		var xtwx mat.Dense
		xtwx.Mul(wx.T(), d.X)
		xtwz := mat.NewVecDense(p, nil)
		xtwz.MulVec(wx.T(), z)

		var next mat.VecDense
		if err := next.SolveVec(&xtwx, xtwz); err != nil {
			return nil, fmt.Errorf("glm: solve normal equations: %w", err)
		}

		delta := 0.0
		for k := 0; k < p; k++ {
			delta = math.Max(delta, math.Abs(next.AtVec(k)-beta[k]))
			beta[k] = next.AtVec(k)
		}
		for i := 0; i < n; i++ {
			eta[i] = d.offset(i) + linear(d.X, i, beta)
		}
		if delta < 1e-8 {
			break
		}
	}
	return beta, nil
}

// momentTheta estimates the negative binomial size from Poisson fitted means.
func momentTheta(d *Design, beta []float64) float64 {
	var num, den float64
	for i, y := range d.Y {
		mu := math.Exp(d.offset(i) + linear(d.X, i, beta))
		num += mu * mu
		den += (y-mu)*(y-mu) - mu
	}
	if den <= 0 {
		return 10
	}
	return math.Min(math.Max(num/den, 0.1), 100)
}

func linear(x *mat.Dense, i int, beta []float64) float64 {
	var s float64
	for k, b := range beta {
		s += x.At(i, k) * b
	}
	return s
}
