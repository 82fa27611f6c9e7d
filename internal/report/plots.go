package report

import (
	"fmt"
	"sort"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/lox/pikasurvey/internal/effects"
	"github.com/lox/pikasurvey/internal/glmm"
	"github.com/lox/pikasurvey/internal/models"
)

const (
	plotWidth  = 7 * vg.Inch
	plotHeight = 4.5 * vg.Inch
)

var dashed = []vg.Length{vg.Points(4), vg.Points(3)}

func save(p *plot.Plot, path string) error {
	if err := p.Save(plotWidth, plotHeight, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

func byYear(est []effects.Estimate) ([]int, map[int][]effects.Estimate) {
	groups := make(map[int][]effects.Estimate)
	for _, e := range est {
		groups[e.Year] = append(groups[e.Year], e)
	}
	years := make([]int, 0, len(groups))
	for y := range groups {
		years = append(years, y)
	}
	sort.Ints(years)
	return years, groups
}

// PlotDensityByElevation scatters observed haypile density against site
// elevation, one series per survey year.
func PlotDensityByElevation(path string, rows []models.ModelRow) error {
	p := plot.New()
	p.Title.Text = "Haypile density by elevation"
	p.X.Label.Text = "Elevation (m)"
	p.Y.Label.Text = "Active haypiles per ha"

	series := make(map[int]plotter.XYs)
	for _, r := range rows {
		if !r.Density.Valid || !r.Elevation.Valid {
			continue
		}
		series[r.Year] = append(series[r.Year], plotter.XY{X: r.Elevation.Float64, Y: r.Density.Float64})
	}
	years := make([]int, 0, len(series))
	for y := range series {
		years = append(years, y)
	}
	sort.Ints(years)
	if len(years) == 0 {
		return fmt.Errorf("density plot: no rows with density and elevation")
	}

	for i, y := range years {
		s, err := plotter.NewScatter(series[y])
		if err != nil {
			return err
		}
		s.GlyphStyle.Color = plotutil.Color(i)
		s.GlyphStyle.Shape = plotutil.Shape(i)
		p.Add(s)
		p.Legend.Add(strconv.Itoa(y), s)
	}
	p.Legend.Top = true
	return save(p, path)
}

// PlotCurve draws an effect curve with its confidence band per year.
func PlotCurve(path string, fam glmm.Family, c effects.Covariate, est []effects.Estimate) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Predicted %s by %s", responseName(fam), c)
	p.X.Label.Text = covariateLabel(c)
	p.Y.Label.Text = responseName(fam)

	years, groups := byYear(est)
	for i, y := range years {
		g := groups[y]
		mid := make(plotter.XYs, len(g))
		lo := make(plotter.XYs, len(g))
		hi := make(plotter.XYs, len(g))
		for j, e := range g {
			mid[j] = plotter.XY{X: e.Value, Y: e.Response}
			lo[j] = plotter.XY{X: e.Value, Y: e.Lower}
			hi[j] = plotter.XY{X: e.Value, Y: e.Upper}
		}
		line, err := plotter.NewLine(mid)
		if err != nil {
			return err
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(2)
		p.Add(line)
		p.Legend.Add(strconv.Itoa(y), line)

		for _, band := range []plotter.XYs{lo, hi} {
			l, err := plotter.NewLine(band)
			if err != nil {
				return err
			}
			l.Color = plotutil.Color(i)
			l.Dashes = dashed
			p.Add(l)
		}
	}
	p.Legend.Top = true
	return save(p, path)
}

func covariateLabel(c effects.Covariate) string {
	switch c {
	case effects.Elevation:
		return "Elevation (m)"
	case effects.Road:
		return "Distance to road (m)"
	}
	return string(c)
}

type yearPoints struct {
	plotter.XYs
	plotter.YErrors
}

// PlotYearMeans draws marginal means per survey year with interval bars.
func PlotYearMeans(path string, fam glmm.Family, est []effects.Estimate) error {
	p := plot.New()
	p.Title.Text = "Marginal " + responseName(fam) + " by survey year"
	p.X.Label.Text = "Year"
	p.Y.Label.Text = responseName(fam)

	data := yearPoints{XYs: make(plotter.XYs, len(est)), YErrors: make(plotter.YErrors, len(est))}
	for i, e := range est {
		data.XYs[i] = plotter.XY{X: float64(e.Year), Y: e.Response}
		data.YErrors[i].Low = e.Response - e.Lower
		data.YErrors[i].High = e.Upper - e.Response
	}
	pts, err := plotter.NewScatter(data)
	if err != nil {
		return err
	}
	bars, err := plotter.NewYErrorBars(data)
	if err != nil {
		return err
	}
	p.Add(pts, bars)
	p.X.Tick.Marker = yearTicks(est)
	p.X.Min -= 0.5
	p.X.Max += 0.5
	return save(p, path)
}

func yearTicks(est []effects.Estimate) plot.ConstantTicks {
	ticks := make(plot.ConstantTicks, len(est))
	for i, e := range est {
		ticks[i] = plot.Tick{Value: float64(e.Year), Label: strconv.Itoa(e.Year)}
	}
	return ticks
}

// PlotClimate draws the seasonal temperature series by year.
func PlotClimate(path string, years []models.ClimateYear) error {
	p := plot.New()
	p.Title.Text = "Seasonal temperature"
	p.X.Label.Text = "Year"
	p.Y.Label.Text = "°C"

	series := []struct {
		name string
		get  func(models.ClimateYear) (float64, bool)
	}{
		{"summer max", func(y models.ClimateYear) (float64, bool) { return y.SummerMax.Float64, y.SummerMax.Valid }},
		{"summer mean", func(y models.ClimateYear) (float64, bool) { return y.SummerMean.Float64, y.SummerMean.Valid }},
		{"winter mean", func(y models.ClimateYear) (float64, bool) { return y.WinterMean.Float64, y.WinterMean.Valid }},
		{"winter min", func(y models.ClimateYear) (float64, bool) { return y.WinterMin.Float64, y.WinterMin.Valid }},
	}
	added := 0
	for i, s := range series {
		var xys plotter.XYs
		for _, y := range years {
			if v, ok := s.get(y); ok {
				xys = append(xys, plotter.XY{X: float64(y.Year), Y: v})
			}
		}
		if len(xys) == 0 {
			continue
		}
		line, pts, err := plotter.NewLinePoints(xys)
		if err != nil {
			return err
		}
		line.Color = plotutil.Color(i)
		pts.Color = plotutil.Color(i)
		p.Add(line, pts)
		p.Legend.Add(s.name, line, pts)
		added++
	}
	if added == 0 {
		return fmt.Errorf("climate plot: no seasonal values")
	}
	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	p.Legend.Left = true
	return save(p, path)
}
