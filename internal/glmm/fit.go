// Package glmm fits generalized linear mixed models with a single random
// intercept by maximizing the Laplace-approximated marginal likelihood.
package glmm

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

var (
	ErrNotConverged    = errors.New("model did not converge")
	ErrSingularHessian = errors.New("hessian is not positive definite")
)

// Design is the data for one model: response, fixed-effect matrix with named
// columns, optional offset and the grouping factor of the random intercept.
type Design struct {
	Y      []float64
	X      *mat.Dense
	Names  []string
	Offset []float64 // nil means zero
	Group  []int     // group index per row, 0..Groups-1
	Groups int
}

func (d *Design) offset(i int) float64 {
	if d.Offset == nil {
		return 0
	}
	return d.Offset[i]
}

func (d *Design) Validate() error {
	n, p := d.X.Dims()
	switch {
	case n == 0:
		return errors.New("design has no rows")
	case len(d.Y) != n:
		return fmt.Errorf("design: %d responses for %d rows", len(d.Y), n)
	case len(d.Names) != p:
		return fmt.Errorf("design: %d names for %d columns", len(d.Names), p)
	case d.Offset != nil && len(d.Offset) != n:
		return fmt.Errorf("design: %d offsets for %d rows", len(d.Offset), n)
	case len(d.Group) != n:
		return fmt.Errorf("design: %d group labels for %d rows", len(d.Group), n)
	case d.Groups < 1:
		return errors.New("design: no groups")
	}
	for _, g := range d.Group {
		if g < 0 || g >= d.Groups {
			return fmt.Errorf("design: group index %d out of range", g)
		}
	}
	return nil
}

// Fit is a fitted model.
type Fit struct {
	Family    Family
	Names     []string
	Beta      []float64
	Cov       *mat.SymDense // covariance of Beta; nil when unavailable
	Sigma     float64       // random intercept standard deviation
	Theta     float64       // negative binomial size; zero for other families
	LogLik    float64
	N         int
	Groups    int
	RanEf     []float64 // conditional modes of the random intercepts
	Converged bool
	Warnings  []string

	design *Design
}

// NumParams counts fixed effects, the random intercept variance and any
// dispersion parameter.
func (f *Fit) NumParams() int { return len(f.Beta) + 1 + f.Family.dispersionParams() }

func (f *Fit) AIC() float64 { return -2*f.LogLik + 2*float64(f.NumParams()) }

// AICc is AIC with the small-sample correction.
func (f *Fit) AICc() float64 {
	k := float64(f.NumParams())
	n := float64(f.N)
	if n-k-1 <= 0 {
		return math.Inf(1)
	}
	return f.AIC() + 2*k*(k+1)/(n-k-1)
}

func (f *Fit) StdErr(i int) float64 {
	if f.Cov == nil {
		return math.NaN()
	}
	return math.Sqrt(f.Cov.At(i, i))
}

const (
	minLogSigma = -8
	maxLogSigma = 4
	minLogTheta = -6
	maxLogTheta = 10
)

// laplace evaluates the negative Laplace log-likelihood. It keeps the random
// effect modes between calls as warm starts, so it must not be evaluated
// concurrently.
type laplace struct {
	d       *Design
	fam     Family
	p       int
	members [][]int
	b       []float64
	eta     []float64
}

func newLaplace(d *Design, fam Family) *laplace {
	_, p := d.X.Dims()
	l := &laplace{
		d:       d,
		fam:     fam,
		p:       p,
		members: make([][]int, d.Groups),
		b:       make([]float64, d.Groups),
		eta:     make([]float64, len(d.Y)),
	}
	for i, g := range d.Group {
		l.members[g] = append(l.members[g], i)
	}
	return l
}

func (l *laplace) unpack(x []float64) (beta []float64, logSigma, theta float64) {
	beta = x[:l.p]
	logSigma = clamp(x[l.p], minLogSigma, maxLogSigma)
	if l.fam == NegativeBinomial {
		theta = math.Exp(clamp(x[l.p+1], minLogTheta, maxLogTheta))
	}
	return beta, logSigma, theta
}

func (l *laplace) negLogLik(x []float64) float64 {
	beta, logSigma, theta := l.unpack(x)
	sigma2 := math.Exp(2 * logSigma)

	for i := range l.eta {
		l.eta[i] = l.d.offset(i) + linear(l.d.X, i, beta)
	}

	var total float64
	for j, rows := range l.members {
		if len(rows) == 0 {
			continue
		}
		b := l.mode(rows, l.b[j], sigma2, theta)
		l.b[j] = b

		h := 1 / sigma2
		ll := -b*b/(2*sigma2) - logSigma
		for _, i := range rows {
			_, nd2 := l.fam.derivs(l.d.Y[i], l.eta[i]+b, theta)
			h += nd2
			ll += l.fam.logDensity(l.d.Y[i], l.eta[i]+b, theta)
		}
		total += ll - 0.5*math.Log(h)
	}
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return 1e100
	}
	return -total
}

// mode finds the conditional mode of one random intercept by Newton's method.
func (l *laplace) mode(rows []int, b, sigma2, theta float64) float64 {
	for iter := 0; iter < 100; iter++ {
		g := -b / sigma2
		h := 1 / sigma2
		for _, i := range rows {
			d1, nd2 := l.fam.derivs(l.d.Y[i], l.eta[i]+b, theta)
			g += d1
			h += nd2
		}
		step := clamp(g/h, -2, 2)
		b += step
		if math.Abs(step) < 1e-12 {
			break
		}
	}
	return b
}

// FitModel fits the model. It returns ErrNotConverged when neither BFGS nor
// the Nelder-Mead fallback reaches a stationary point.
func FitModel(ctx context.Context, d *Design, fam Family) (*Fit, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	x0, err := startValues(d, fam)
	if err != nil {
		return nil, err
	}

	l := newLaplace(d, fam)
	obj := func(x []float64) float64 { return l.negLogLik(x) }
	grad := func(g, x []float64) { fd.Gradient(g, obj, x, &fd.Settings{Formula: fd.Central}) }

	converged := false
	xhat := x0
	res, err := optimize.Minimize(optimize.Problem{Func: obj, Grad: grad}, x0,
		&optimize.Settings{GradientThreshold: 1e-6, MajorIterations: 1000}, &optimize.BFGS{})
	if res != nil {
		xhat = res.X
	}
	if err == nil && stationary(res.Status) {
		converged = true
	} else {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		nm, nmErr := optimize.Minimize(optimize.Problem{Func: obj}, xhat,
			&optimize.Settings{FuncEvaluations: 50000}, &optimize.NelderMead{})
		if nmErr != nil || nm == nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotConverged, fam, errors.Join(err, nmErr))
		}
		xhat = nm.X
		converged = stationary(nm.Status)
	}
	if !converged {
		return nil, fmt.Errorf("%w: %s", ErrNotConverged, fam)
	}

	negLL := obj(xhat)
	beta, logSigma, theta := l.unpack(xhat)
	n, p := d.X.Dims()
	fit := &Fit{
		Family:    fam,
		Names:     append([]string(nil), d.Names...),
		Beta:      append([]float64(nil), beta...),
		Sigma:     math.Exp(logSigma),
		Theta:     theta,
		LogLik:    -negLL,
		N:         n,
		Groups:    d.Groups,
		RanEf:     append([]float64(nil), l.b...),
		Converged: true,
		design:    d,
	}
	if logSigma <= minLogSigma+1e-6 {
		fit.Warnings = append(fit.Warnings, "random intercept variance estimated at zero (singular fit)")
	}

	cov, warn, err := covariance(obj, xhat, p)
	if err != nil {
		fit.Warnings = append(fit.Warnings, err.Error())
	} else {
		fit.Cov = cov
		if warn != "" {
			fit.Warnings = append(fit.Warnings, warn)
		}
	}
	// restore the random effect modes at the optimum after Hessian probing
	obj(xhat)
	copy(fit.RanEf, l.b)
	return fit, nil
}

func stationary(s optimize.Status) bool {
	switch s {
	case optimize.Success, optimize.GradientThreshold, optimize.FunctionConvergence,
		optimize.StepConvergence, optimize.MethodConverge, optimize.FunctionThreshold:
		return true
	}
	return false
}

func startValues(d *Design, fam Family) ([]float64, error) {
	start := Poisson
	if fam == Binomial {
		start = Binomial
	}
	beta, err := fitGLM(d, start, 0)
	if err != nil {
		return nil, err
	}
	x0 := append(beta, math.Log(0.5))
	if fam == NegativeBinomial {
		x0 = append(x0, math.Log(momentTheta(d, beta)))
	}
	return x0, nil
}

// covariance inverts the finite-difference Hessian of the negative
// log-likelihood and returns the fixed-effect block. When the full Hessian is
// not positive definite (typically a variance parameter on its boundary) the
// fixed-effect block is inverted on its own.
func covariance(obj func([]float64) float64, xhat []float64, p int) (*mat.SymDense, string, error) {
	k := len(xhat)
	h := mat.NewSymDense(k, nil)
	fd.Hessian(h, obj, xhat, &fd.Settings{Formula: fd.Central})

	var chol mat.Cholesky
	if chol.Factorize(h) {
		var inv mat.SymDense
		if err := chol.InverseTo(&inv); err == nil {
			return sliceSym(&inv, p), "", nil
		}
	}

	hb := sliceSym(h, p)
	if !chol.Factorize(hb) {
		return nil, "", ErrSingularHessian
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrSingularHessian, err)
	}
	return &inv, "standard errors conditional on variance parameters", nil
}

func sliceSym(s *mat.SymDense, p int) *mat.SymDense {
	out := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			out.SetSym(i, j, s.At(i, j))
		}
	}
	return out
}

func clamp(x, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, x)) }
