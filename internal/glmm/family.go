package glmm

import (
	"fmt"
	"math"
)

// Family is the conditional response distribution and its canonical-ish link.
type Family int

const (
	Poisson          Family = iota // log link
	NegativeBinomial               // log link, NB2 variance mu + mu^2/theta
	Binomial                       // logit link, 0/1 response
)

func (f Family) String() string {
	switch f {
	case Poisson:
		return "poisson"
	case NegativeBinomial:
		return "nbinom"
	case Binomial:
		return "binomial"
	}
	return fmt.Sprintf("family(%d)", int(f))
}

func ParseFamily(s string) (Family, error) {
	switch s {
	case "poisson":
		return Poisson, nil
	case "nbinom", "nbinom2", "negative_binomial":
		return NegativeBinomial, nil
	case "binomial", "logistic":
		return Binomial, nil
	}
	return 0, fmt.Errorf("unknown family %q", s)
}

// IsCount reports whether the family models counts with an exposure offset.
func (f Family) IsCount() bool { return f != Binomial }

// dispersionParams is the number of extra parameters beyond the fixed
// effects and the random intercept variance.
func (f Family) dispersionParams() int {
	if f == NegativeBinomial {
		return 1
	}
	return 0
}

// LinkInv maps the linear predictor to the response scale.
func (f Family) LinkInv(eta float64) float64 {
	if f == Binomial {
		return 1 / (1 + math.Exp(-eta))
	}
	return math.Exp(eta)
}

// logDensity is log f(y | eta).
func (f Family) logDensity(y, eta, theta float64) float64 {
	switch f {
	case Poisson:
		lg, _ := math.Lgamma(y + 1)
		return y*eta - math.Exp(eta) - lg
	case NegativeBinomial:
		mu := math.Exp(eta)
		a, _ := math.Lgamma(y + theta)
		b, _ := math.Lgamma(theta)
		c, _ := math.Lgamma(y + 1)
		lt := math.Log(theta + mu)
		return a - b - c + theta*(math.Log(theta)-lt) + y*(eta-lt)
	default:
		return y*eta - softplus(eta)
	}
}

// derivs returns d log f / d eta and its negated second derivative.
func (f Family) derivs(y, eta, theta float64) (d1, negd2 float64) {
	switch f {
	case Poisson:
		mu := math.Exp(eta)
		return y - mu, mu
	case NegativeBinomial:
		mu := math.Exp(eta)
		s := theta + mu
		return theta * (y - mu) / s, theta * mu * (y + theta) / (s * s)
	default:
		p := 1 / (1 + math.Exp(-eta))
		return y - p, p * (1 - p)
	}
}

func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}
