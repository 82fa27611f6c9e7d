// Package diagnose checks fitted models with simulation-based scaled
// residuals: each observation is located within the distribution of
// responses simulated from the model, which should make the residuals
// uniform on (0,1) when the model is adequate.
package diagnose

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Simulator is a fitted model that can simulate new responses.
type Simulator interface {
	Simulate(nsim int, src rand.Source) [][]float64
	Observed() []float64
}

type Test struct {
	Name      string
	Statistic float64
	P         float64
}

type Report struct {
	N           int
	Simulations int
	Residuals   []float64
	Uniformity  Test // Kolmogorov-Smirnov against U(0,1)
	Dispersion  Test // observed / simulated residual variance
	ZeroInfl    Test // observed / expected zero count
	Outliers    int  // observations outside every simulation
	Flagged     bool
	Concerns    []string
}

// Residuals simulates nsim datasets and tests the scaled residuals. A test
// with p below alpha flags the report.
func Residuals(m Simulator, nsim int, seed uint64, alpha float64) (*Report, error) {
	if nsim < 2 {
		return nil, fmt.Errorf("diagnose: need at least 2 simulations, got %d", nsim)
	}
	obs := m.Observed()
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	sims := m.Simulate(nsim, src)
	jitter := rand.New(rand.NewPCG(seed+1, seed))

	n := len(obs)
	r := &Report{N: n, Simulations: nsim, Residuals: make([]float64, n)}
	expected := make([]float64, n)
	for i, y := range obs {
		var below, equal int
		for _, sim := range sims {
			switch {
			case sim[i] < y:
				below++
			case sim[i] == y:
				equal++
			}
			expected[i] += sim[i]
		}
		expected[i] /= float64(nsim)
		res := (float64(below) + jitter.Float64()*float64(equal)) / float64(nsim)
		r.Residuals[i] = res
		if below == nsim || below+equal == 0 {
			r.Outliers++
		}
	}

	r.Uniformity = ksUniform(r.Residuals)
	r.Dispersion = dispersion(obs, sims, expected)
	r.ZeroInfl = zeroInflation(obs, sims)

	for _, t := range []Test{r.Uniformity, r.Dispersion, r.ZeroInfl} {
		if t.P < alpha {
			r.Flagged = true
			r.Concerns = append(r.Concerns, fmt.Sprintf("%s deviation (stat=%.3f, p=%.3g)", t.Name, t.Statistic, t.P))
		}
	}
	return r, nil
}

// ksUniform is the one-sample Kolmogorov-Smirnov test against U(0,1), with
// the Stephens approximation to the p-value.
func ksUniform(x []float64) Test {
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	n := float64(len(s))
	var d float64
	for i, v := range s {
		d = math.Max(d, math.Max(float64(i+1)/n-v, v-float64(i)/n))
	}
	sq := math.Sqrt(n)
	return Test{Name: "uniformity", Statistic: d, P: kolmogorovQ((sq + 0.12 + 0.11/sq) * d)}
}

// kolmogorovQ is the survival function of the Kolmogorov distribution.
func kolmogorovQ(lambda float64) float64 {
	if lambda < 0.2 {
		return 1
	}
	var sum float64
	sign := 1.0
	for k := 1; k <= 100; k++ {
		term := sign * 2 * math.Exp(-2*float64(k*k)*lambda*lambda)
		sum += term
		if math.Abs(term) < 1e-12 {
			break
		}
		sign = -sign
	}
	return math.Min(math.Max(sum, 0), 1)
}

// dispersion compares the variance of observed residuals with the variance
// of simulated residuals around the simulation mean.
func dispersion(obs []float64, sims [][]float64, expected []float64) Test {
	resid := make([]float64, len(obs))
	for i, y := range obs {
		resid[i] = y - expected[i]
	}
	observed := stat.Variance(resid, nil)

	simVars := make([]float64, len(sims))
	for s, sim := range sims {
		for i := range sim {
			resid[i] = sim[i] - expected[i]
		}
		simVars[s] = stat.Variance(resid, nil)
	}
	mean := stat.Mean(simVars, nil)
	if mean == 0 {
		return Test{Name: "dispersion", Statistic: math.NaN(), P: 1}
	}
	return Test{Name: "dispersion", Statistic: observed / mean, P: twoSided(observed, simVars)}
}

func zeroInflation(obs []float64, sims [][]float64) Test {
	observed := zeros(obs)
	counts := make([]float64, len(sims))
	for s, sim := range sims {
		counts[s] = zeros(sim)
	}
	mean := stat.Mean(counts, nil)
	ratio := math.NaN()
	if mean > 0 {
		ratio = observed / mean
	}
	return Test{Name: "zero-inflation", Statistic: ratio, P: twoSided(observed, counts)}
}

func zeros(y []float64) float64 {
	var n float64
	for _, v := range y {
		if v == 0 {
			n++
		}
	}
	return n
}

// twoSided is the simulation p-value of an observed statistic.
func twoSided(observed float64, simulated []float64) float64 {
	var ge, le int
	for _, v := range simulated {
		if v >= observed {
			ge++
		}
		if v <= observed {
			le++
		}
	}
	n := float64(len(simulated))
	return math.Min(1, 2*math.Min(float64(ge)/n, float64(le)/n))
}
