// Package dredge fits every admissible covariate subset of a full model and
// ranks the candidates by AICc.
package dredge

import (
	"context"
	"fmt"
	"iter"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/pikasurvey/internal/glmm"
	"github.com/lox/pikasurvey/internal/metrics"
	"github.com/lox/pikasurvey/internal/survey"
)

// FitFunc fits one design. glmm.FitModel is the default.
type FitFunc func(ctx context.Context, d *glmm.Design, fam glmm.Family) (*glmm.Fit, error)

type Options struct {
	Workers int
	Fit     FitFunc
}

// Model is a ranked candidate.
type Model struct {
	Terms  []survey.Term
	Fit    *glmm.Fit
	AICc   float64
	Delta  float64
	Weight float64 // Akaike weight
}

func (m Model) Formula() string { return Formula(m.Terms) }

// Failure is a subset whose fit did not succeed.
type Failure struct {
	Terms []survey.Term
	Err   error
}

type Result struct {
	Family glmm.Family
	N      int // rows shared by every candidate
	Models []Model
	Failed []Failure
}

// Top returns the best-ranked model.
func (r *Result) Top() Model { return r.Models[0] }

// Formula renders a term subset as a right-hand side, "1" for the null model.
func Formula(terms []survey.Term) string {
	if len(terms) == 0 {
		return "1"
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = string(t)
	}
	return strings.Join(parts, " + ")
}

// Subsets yields every subset of terms in which each interaction is
// accompanied by all of its main effects. Terms keep their input order.
func Subsets(terms []survey.Term) iter.Seq[[]survey.Term] {
	return func(yield func([]survey.Term) bool) {
		n := len(terms)
		for mask := 0; mask < 1<<n; mask++ {
			sub := make([]survey.Term, 0, n)
			for i, t := range terms {
				if mask&(1<<i) != 0 {
					sub = append(sub, t)
				}
			}
			if !marginal(sub) {
				continue
			}
			if !yield(sub) {
				return
			}
		}
	}
}

func marginal(sub []survey.Term) bool {
	have := make(map[survey.Term]bool, len(sub))
	for _, t := range sub {
		have[t] = true
	}
	for _, t := range sub {
		for _, p := range t.Parents() {
			if !have[p] {
				return false
			}
		}
	}
	return true
}

// Run fits the frame's full model, then every other admissible subset on the
// same rows. A failed full model aborts the run; failed subsets are recorded
// and left out of the ranking.
func Run(ctx context.Context, frame *survey.Frame, fam glmm.Family, opts Options) (*Result, error) {
	fit := opts.Fit
	if fit == nil {
		fit = glmm.FitModel
	}
	if !marginal(frame.Terms) {
		return nil, fmt.Errorf("full model %s: %w", Formula(frame.Terms), survey.ErrNonMarginal)
	}
	workers := max(opts.Workers, 1)

	fitOne := func(ctx context.Context, terms []survey.Term) (*glmm.Fit, error) {
		start := time.Now()
		f, err := fit(ctx, frame.Design(terms), fam)
		metrics.FitLatency.WithLabelValues(fam.String()).Observe(time.Since(start).Seconds())
		status := "ok"
		if err != nil {
			status = "failed"
		}
		metrics.ModelsFitted.WithLabelValues(fam.String(), status).Inc()
		return f, err
	}

	full, err := fitOne(ctx, frame.Terms)
	if err != nil {
		return nil, fmt.Errorf("full model %s: %w", Formula(frame.Terms), err)
	}

	var subsets [][]survey.Term
	for s := range Subsets(frame.Terms) {
		if len(s) < len(frame.Terms) {
			subsets = append(subsets, s)
		}
	}
	log.Printf("dredge: fitting %d candidate models (%s, %d rows, %d workers)",
		len(subsets)+1, fam, len(frame.Rows), workers)

	fits := make([]*glmm.Fit, len(subsets))
	errs := make([]error, len(subsets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, s := range subsets {
		g.Go(func() error {
			fits[i], errs[i] = fitOne(gctx, s)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Family: fam, N: full.N}
	res.Models = append(res.Models, Model{Terms: append([]survey.Term(nil), frame.Terms...), Fit: full})
	for i, s := range subsets {
		if errs[i] != nil {
			log.Printf("dredge: %s failed: %v", Formula(s), errs[i])
			res.Failed = append(res.Failed, Failure{Terms: s, Err: errs[i]})
			continue
		}
		res.Models = append(res.Models, Model{Terms: s, Fit: fits[i]})
	}
	rank(res.Models)
	return res, nil
}

// rank orders models by AICc and fills in deltas and Akaike weights.
func rank(models []Model) {
	for i := range models {
		models[i].AICc = models[i].Fit.AICc()
	}
	sort.SliceStable(models, func(i, j int) bool {
		a, b := models[i], models[j]
		if a.AICc != b.AICc {
			return a.AICc < b.AICc
		}
		return len(a.Terms) < len(b.Terms)
	})
	if len(models) == 0 {
		return
	}
	best := models[0].AICc
	var total float64
	for i := range models {
		models[i].Delta = models[i].AICc - best
		if !math.IsInf(models[i].AICc, 1) {
			models[i].Weight = math.Exp(-models[i].Delta / 2)
			total += models[i].Weight
		}
	}
	if total == 0 {
		return
	}
	for i := range models {
		models[i].Weight /= total
	}
}
