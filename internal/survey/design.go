package survey

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/lox/pikasurvey/internal/glmm"
	"github.com/lox/pikasurvey/internal/models"
)

// Term is a candidate model covariate. Interactions join main effects with ":".
type Term string

const (
	TermYear          Term = "year"
	TermElevation     Term = "elev"
	TermRoad          Term = "road"
	TermTalus         Term = "talus"
	TermAspect        Term = "aspect"
	TermYearElevation Term = "year:elev"
)

// Parents lists the main effects an interaction term requires.
func (t Term) Parents() []Term {
	parts := strings.Split(string(t), ":")
	if len(parts) < 2 {
		return nil
	}
	out := make([]Term, len(parts))
	for i, p := range parts {
		out[i] = Term(p)
	}
	return out
}

// ParseTerms converts term names, rejecting repeats and interactions whose
// main effects are not also listed.
func ParseTerms(names []string) ([]Term, error) {
	out := make([]Term, 0, len(names))
	seen := make(map[Term]bool, len(names))
	for _, n := range names {
		switch t := Term(n); t {
		case TermYear, TermElevation, TermRoad, TermTalus, TermAspect, TermYearElevation:
			if seen[t] {
				return nil, fmt.Errorf("term %q listed twice", n)
			}
			seen[t] = true
			out = append(out, t)
		default:
			return nil, fmt.Errorf("unknown term %q", n)
		}
	}
	for _, t := range out {
		for _, p := range t.Parents() {
			if !seen[p] {
				return nil, fmt.Errorf("%w: %s without %s", ErrNonMarginal, t, p)
			}
		}
	}
	return out, nil
}

type Response int

const (
	Count    Response = iota // active haypiles, offset log(area)
	Presence                 // active > 0
)

var (
	ErrNoCompleteRows   = errors.New("no complete rows for model")
	ErrDegenerateFactor = errors.New("factor has fewer than two levels")
	ErrNonMarginal      = errors.New("interaction without its main effects")
)

const intercept = "(Intercept)"

// Frame is the complete-case data for a full set of terms. Every sub-model is
// built from the same rows so their likelihoods are comparable.
type Frame struct {
	Rows     []models.ModelRow
	Terms    []Term
	Response Response
	Dropped  int // rows excluded for missing values

	Years   []int    // factor levels; the first is the baseline
	Aspects []string // factor levels; the first is the baseline
	Sites   []string

	Elevation Scale
	Talus     Scale
	MeanArea  float64

	means Point
	group []int
}

// Point is a covariate setting on the model scale.
type Point struct {
	Year        int
	ElevScaled  float64
	Road        float64
	TalusScaled float64
	Aspect      map[string]float64 // level weights; nil averages levels equally
}

func NewFrame(ds *Dataset, terms []Term, resp Response) (*Frame, error) {
	f := &Frame{
		Terms:     append([]Term(nil), terms...),
		Response:  resp,
		Elevation: ds.Elevation,
		Talus:     ds.Talus,
	}
	for _, r := range ds.Rows {
		if f.complete(r) {
			f.Rows = append(f.Rows, r)
		} else {
			f.Dropped++
		}
	}
	if len(f.Rows) == 0 {
		return nil, ErrNoCompleteRows
	}

	years := make(map[int]bool)
	aspects := make(map[string]bool)
	siteIdx := make(map[string]int)
	for _, r := range f.Rows {
		years[r.Year] = true
		if r.Aspect.Valid {
			aspects[r.Aspect.String] = true
		}
		if _, ok := siteIdx[r.Site]; !ok {
			siteIdx[r.Site] = len(siteIdx)
			f.Sites = append(f.Sites, r.Site)
		}
	}
	for y := range years {
		f.Years = append(f.Years, y)
	}
	sort.Ints(f.Years)
	for a := range aspects {
		f.Aspects = append(f.Aspects, a)
	}
	sort.Strings(f.Aspects)

	if f.uses(TermYear) && len(f.Years) < 2 {
		return nil, fmt.Errorf("%w: year", ErrDegenerateFactor)
	}
	if f.uses(TermAspect) && len(f.Aspects) < 2 {
		return nil, fmt.Errorf("%w: aspect", ErrDegenerateFactor)
	}

	f.group = make([]int, len(f.Rows))
	var sumArea, sumElev, sumRoad, sumTalus float64
	for i, r := range f.Rows {
		f.group[i] = siteIdx[r.Site]
		sumArea += r.Area.Float64
		sumElev += r.ElevationScaled.Float64
		sumRoad += r.RoadDist.Float64
		sumTalus += r.TalusScaled.Float64
	}
	n := float64(len(f.Rows))
	f.MeanArea = sumArea / n
	f.means = Point{ElevScaled: sumElev / n, Road: sumRoad / n, TalusScaled: sumTalus / n}
	return f, nil
}

func (f *Frame) uses(t Term) bool {
	for _, have := range f.Terms {
		if have == t {
			return true
		}
		for _, p := range have.Parents() {
			if p == t {
				return true
			}
		}
	}
	return false
}

func (f *Frame) complete(r models.ModelRow) bool {
	switch f.Response {
	case Count:
		if !r.Active.Valid || !r.Area.Valid || r.Area.Float64 <= 0 {
			return false
		}
	case Presence:
		if !r.Present.Valid {
			return false
		}
	}
	if f.uses(TermElevation) && !r.ElevationScaled.Valid {
		return false
	}
	if f.uses(TermRoad) && !r.RoadDist.Valid {
		return false
	}
	if f.uses(TermTalus) && !r.TalusScaled.Valid {
		return false
	}
	if f.uses(TermAspect) && !r.Aspect.Valid {
		return false
	}
	return true
}

// Columns names the design columns of a term subset, intercept first.
func (f *Frame) Columns(terms []Term) []string {
	cols := []string{intercept}
	for _, t := range terms {
		switch t {
		case TermYear:
			for _, y := range f.Years[1:] {
				cols = append(cols, yearColumn(y))
			}
		case TermElevation:
			cols = append(cols, "elev_s")
		case TermRoad:
			cols = append(cols, "road_dist")
		case TermTalus:
			cols = append(cols, "talus_s")
		case TermAspect:
			for _, a := range f.Aspects[1:] {
				cols = append(cols, "aspect"+a)
			}
		case TermYearElevation:
			for _, y := range f.Years[1:] {
				cols = append(cols, yearColumn(y)+":elev_s")
			}
		}
	}
	return cols
}

func yearColumn(y int) string { return "year" + strconv.Itoa(y) }

// Encode returns the design row for a covariate point under a term subset.
func (f *Frame) Encode(terms []Term, p Point) []float64 {
	x := []float64{1}
	for _, t := range terms {
		switch t {
		case TermYear:
			for _, y := range f.Years[1:] {
				x = append(x, indicator(p.Year == y))
			}
		case TermElevation:
			x = append(x, p.ElevScaled)
		case TermRoad:
			x = append(x, p.Road)
		case TermTalus:
			x = append(x, p.TalusScaled)
		case TermAspect:
			for _, a := range f.Aspects[1:] {
				if p.Aspect == nil {
					x = append(x, 1/float64(len(f.Aspects)))
				} else {
					x = append(x, p.Aspect[a])
				}
			}
		case TermYearElevation:
			for _, y := range f.Years[1:] {
				x = append(x, indicator(p.Year == y)*p.ElevScaled)
			}
		}
	}
	return x
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Design builds the model design for a term subset over the frame's rows.
func (f *Frame) Design(terms []Term) *glmm.Design {
	names := f.Columns(terms)
	n := len(f.Rows)
	x := mat.NewDense(n, len(names), nil)
	d := &glmm.Design{
		Y:      make([]float64, n),
		X:      x,
		Names:  names,
		Group:  append([]int(nil), f.group...),
		Groups: len(f.Sites),
	}
	if f.Response == Count {
		d.Offset = make([]float64, n)
	}
	for i, r := range f.Rows {
		x.SetRow(i, f.Encode(terms, f.pointOf(r)))
		switch f.Response {
		case Count:
			d.Y[i] = r.Active.Float64
			d.Offset[i] = math.Log(r.Area.Float64)
		case Presence:
			d.Y[i] = indicator(r.Present.Bool)
		}
	}
	return d
}

func (f *Frame) pointOf(r models.ModelRow) Point {
	p := Point{
		Year:        r.Year,
		ElevScaled:  r.ElevationScaled.Float64,
		Road:        r.RoadDist.Float64,
		TalusScaled: r.TalusScaled.Float64,
	}
	if r.Aspect.Valid {
		p.Aspect = map[string]float64{r.Aspect.String: 1}
	}
	return p
}

// Reference is the marginal-means point for a year: numeric covariates at
// their frame means, aspect levels averaged with equal weights.
func (f *Frame) Reference(year int) Point {
	p := f.means
	p.Year = year
	p.Aspect = nil
	return p
}

// Offset is the log exposure used for population predictions.
func (f *Frame) Offset() float64 {
	if f.Response == Count {
		return math.Log(f.MeanArea)
	}
	return 0
}
