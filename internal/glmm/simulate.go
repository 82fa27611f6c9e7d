package glmm

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Simulate draws nsim response vectors from the fitted model. Random
// intercepts are redrawn from N(0, Sigma^2) for each simulation, so the
// draws are unconditional on the estimated modes.
func (f *Fit) Simulate(nsim int, src rand.Source) [][]float64 {
	d := f.design
	n := len(d.Y)
	norm := distuv.Normal{Mu: 0, Sigma: f.Sigma, Src: src}

	sims := make([][]float64, nsim)
	b := make([]float64, d.Groups)
	for s := range sims {
		for j := range b {
			b[j] = norm.Rand()
		}
		y := make([]float64, n)
		for i := range y {
			mu := f.Family.LinkInv(d.offset(i) + linear(d.X, i, f.Beta) + b[d.Group[i]])
			y[i] = f.draw(mu, src)
		}
		sims[s] = y
	}
	return sims
}

func (f *Fit) draw(mu float64, src rand.Source) float64 {
	switch f.Family {
	case Binomial:
		return distuv.Bernoulli{P: mu, Src: src}.Rand()
	case NegativeBinomial:
		lambda := distuv.Gamma{Alpha: f.Theta, Beta: f.Theta / mu, Src: src}.Rand()
		return poisson(lambda, src)
	default:
		return poisson(mu, src)
	}
}

func poisson(lambda float64, src rand.Source) float64 {
	if !(lambda > 1e-12) {
		return 0
	}
	return distuv.Poisson{Lambda: lambda, Src: src}.Rand()
}
