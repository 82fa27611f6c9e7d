package climate

import (
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/lox/pikasurvey/internal/models"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func nf(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

func obs(t time.Time, mean, max, precip float64) models.ClimateObservation {
	return models.ClimateObservation{Station: "basin", Date: t, TempMean: nf(mean), TempMax: nf(max), Precip: nf(precip)}
}

func findYear(t *testing.T, ys []models.ClimateYear, year int) models.ClimateYear {
	t.Helper()
	for _, y := range ys {
		if y.Year == year {
			return y
		}
	}
	t.Fatalf("year %d missing from %+v", year, ys)
	return models.ClimateYear{}
}

func TestWinterYear(t *testing.T) {
	tests := []struct {
		date   time.Time
		want   int
		wantOK bool
	}{
		{day(2018, time.December, 15), 2019, true},
		{day(2019, time.January, 3), 2019, true},
		{day(2019, time.February, 28), 2019, true},
		{day(2019, time.March, 1), 0, false},
		{day(2019, time.November, 30), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.date.Format("2006-01-02"), func(t *testing.T) {
			got, ok := WinterYear(tt.date)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("WinterYear(%s) = %d, %v, want %d, %v", tt.date.Format("2006-01-02"), got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestSummarizeWinter(t *testing.T) {
	in := []models.ClimateObservation{
		obs(day(2018, time.December, 20), -5, 0, 1),
		obs(day(2019, time.January, 10), -8, -2, 2),
		obs(day(2019, time.February, 5), -6, -1, 0),
	}
	got := findYear(t, Summarize(in), 2019)

	if !got.WinterMin.Valid || got.WinterMin.Float64 != -8 {
		t.Errorf("WinterMin = %v, want -8", got.WinterMin)
	}
	want := (-5.0 - 8 - 6) / 3
	if !got.WinterMean.Valid || math.Abs(got.WinterMean.Float64-want) > 1e-9 {
		t.Errorf("WinterMean = %v, want %.4f", got.WinterMean, want)
	}
}

func TestSummarizeSummer(t *testing.T) {
	in := []models.ClimateObservation{
		obs(day(2019, time.June, 1), 10, 20, 0),
		obs(day(2019, time.July, 1), 14, 25, 0),
		obs(day(2019, time.August, 1), 12, 22, 0),
		obs(day(2019, time.September, 1), 11, 30, 0),
	}
	got := findYear(t, Summarize(in), 2019)
	if got.SummerMax.Float64 != 25 {
		t.Errorf("SummerMax = %v, want 25", got.SummerMax.Float64)
	}
	if got.SummerMean.Float64 != 12 {
		t.Errorf("SummerMean = %v, want 12", got.SummerMean.Float64)
	}
}

func TestSummarizeIncompleteWinters(t *testing.T) {
	// Series starts in January 2017 and ends in December 2018.
	in := []models.ClimateObservation{
		obs(day(2017, time.January, 5), -9, -3, 1),
		obs(day(2017, time.July, 5), 12, 24, 0),
		obs(day(2017, time.December, 5), -4, 1, 3),
		obs(day(2018, time.January, 5), -7, -2, 2),
		obs(day(2018, time.December, 5), -3, 2, 1),
	}
	got := Summarize(in)

	y2017 := findYear(t, got, 2017)
	if y2017.WinterMean.Valid {
		t.Errorf("2017 winter has no December, WinterMean = %v, want null", y2017.WinterMean)
	}
	if !y2017.SummerMax.Valid || !y2017.PrecipTotal.Valid {
		t.Errorf("2017 should keep summer and precipitation, got %+v", y2017)
	}

	y2018 := findYear(t, got, 2018)
	if !y2018.WinterMean.Valid || y2018.WinterMean.Float64 != -5.5 {
		t.Errorf("2018 WinterMean = %v, want -5.5", y2018.WinterMean)
	}

	for _, y := range got {
		if y.Year == 2019 {
			t.Errorf("December-only winter 2019 should be discarded, got %+v", y)
		}
	}
}

func TestSummarizeInteriorWinterGap(t *testing.T) {
	// December 2014 is missing; winter 2015 keeps its January data.
	in := []models.ClimateObservation{
		obs(day(2013, time.December, 5), -4, 1, 0),
		obs(day(2014, time.January, 5), -6, -1, 0),
		obs(day(2015, time.January, 5), -10, -4, 0),
		obs(day(2015, time.February, 5), -8, -2, 0),
		obs(day(2015, time.December, 5), -2, 3, 0),
		obs(day(2016, time.February, 5), -4, 0, 0),
	}
	got := Summarize(in)

	tests := []struct {
		year     int
		wantMean float64
		wantMin  float64
	}{
		{2014, -5, -6},
		{2015, -9, -10},
		{2016, -3, -4},
	}
	for _, tt := range tests {
		y := findYear(t, got, tt.year)
		if !y.WinterMean.Valid || y.WinterMean.Float64 != tt.wantMean {
			t.Errorf("%d WinterMean = %v, want %v", tt.year, y.WinterMean, tt.wantMean)
		}
		if !y.WinterMin.Valid || y.WinterMin.Float64 != tt.wantMin {
			t.Errorf("%d WinterMin = %v, want %v", tt.year, y.WinterMin, tt.wantMin)
		}
	}
}

func TestSummarizePrecipitationAndOrder(t *testing.T) {
	in := []models.ClimateObservation{
		obs(day(2020, time.March, 1), 5, 9, 2.5),
		obs(day(2019, time.April, 1), 5, 9, 1),
		obs(day(2019, time.May, 1), 5, 9, 4),
		{Station: "basin", Date: day(2019, time.May, 2)},
	}
	got := Summarize(in)
	if len(got) != 2 || got[0].Year != 2019 || got[1].Year != 2020 {
		t.Fatalf("years = %+v, want [2019 2020]", got)
	}
	if got[0].PrecipTotal.Float64 != 5 {
		t.Errorf("2019 precip = %v, want 5", got[0].PrecipTotal.Float64)
	}
	if got[0].SummerMax.Valid {
		t.Errorf("2019 SummerMax = %v, want null", got[0].SummerMax)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	if got := Summarize(nil); len(got) != 0 {
		t.Errorf("Summarize(nil) = %+v, want empty", got)
	}
}
