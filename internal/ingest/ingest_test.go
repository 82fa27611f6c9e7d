package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/xuri/excelize/v2"
	_ "modernc.org/sqlite"

	"github.com/lox/pikasurvey/internal/config"
	"github.com/lox/pikasurvey/internal/models"
	"github.com/lox/pikasurvey/internal/store"
)

func nf(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

func workbook(t *testing.T, sheet string, rows [][]any) *excelize.File {
	t.Helper()
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		t.Fatalf("SetSheetName: %v", err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("SetSheetRow: %v", err)
		}
	}
	return f
}

func workbookBytes(t *testing.T, sheet string, rows [][]any) *bytes.Reader {
	t.Helper()
	buf, err := workbook(t, sheet, rows).WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer: %v", err)
	}
	return bytes.NewReader(buf.Bytes())
}

func workbookFile(t *testing.T, dir, name, sheet string, rows [][]any) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := workbook(t, sheet, rows).SaveAs(path); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}
	return path
}

var surveyRows = [][]any{
	{"Site", "Talus area", "Area 2017", "Active 2017", "Area 2019", "Active 2019"},
	{"A", 20, 10, 3, 12, 5},
	{"B", 4, 8, 0, 999, 999},
	{"C", 6, "", "", "NA", ""},
}

var siteRows = [][]any{
	{"Site", "Road", "Powerline", "Elevation", "Zone", "Aspect"},
	{"A", 120, 300, 1650, "subalpine", "N"},
	{"B", 40, "NA", 1400, "montane", "S"},
}

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

var climateRows = [][]any{
	{"Date", "Max", "Mean", "Precip"},
	{day(2018, time.December, 20), 0, -5, 1.5},
	{"2019-01-10", -2, -8, "M"},
	{day(2019, time.February, 5), -1, -6, 0},
	{"yesterday", 3, 1, 0},
}

func TestReadSurvey(t *testing.T) {
	rows := append(append([][]any(nil), surveyRows...),
		[]any{"D", 3, "abc", 1, "", ""},
		[]any{"", 5, 2, 1, "", ""},
		[]any{"", "", "", "", "", ""},
	)
	got, issues, err := ReadSurvey(workbookBytes(t, "Haypiles", rows), config.Default().Survey)
	if err != nil {
		t.Fatalf("ReadSurvey: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4 (A, B, C, D)", len(got))
	}

	want := models.WideSurvey{
		Site:      "B",
		TalusArea: nf(4),
		Years: []models.YearCell{
			{Year: 2017, Area: nf(8), Active: nf(0)},
			{Year: 2019},
		},
	}
	if diff := cmp.Diff(want, got[1]); diff != "" {
		t.Errorf("B (-want +got):\n%s", diff)
	}
	if got[3].Years[0].Area.Valid || !got[3].Years[0].Active.Valid {
		t.Errorf("D 2017 = %+v, want area null and count 1", got[3].Years[0])
	}

	var flags []string
	for _, i := range issues {
		flags = append(flags, i.Flag)
	}
	if diff := cmp.Diff([]string{FlagUnparseableCell, FlagMissingSite}, flags); diff != "" {
		t.Errorf("issues (-want +got):\n%s", diff)
	}
	if issues[0].Row != 5 {
		t.Errorf("issue row = %d, want 5", issues[0].Row)
	}
}

func TestReadSurvey_SheetNotFound(t *testing.T) {
	_, _, err := ReadSurvey(workbookBytes(t, "Other", surveyRows), config.Default().Survey)
	if !errors.Is(err, ErrSheetNotFound) {
		t.Errorf("err = %v, want ErrSheetNotFound", err)
	}
}

func TestReadSites(t *testing.T) {
	rows := append(append([][]any(nil), siteRows...), []any{"A", 1, 1, 1, "alpine", "E"})
	got, issues, err := ReadSites(workbookBytes(t, "Sites", rows), config.Default().Sites)
	if err != nil {
		t.Fatalf("ReadSites: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Zone.String != "subalpine" {
		t.Errorf("first A row should win, got zone %q", got[0].Zone.String)
	}
	if got[1].PowerlineDist.Valid {
		t.Errorf("B powerline = %v, want null", got[1].PowerlineDist)
	}
	if len(issues) != 1 || issues[0].Flag != FlagDuplicateRow {
		t.Errorf("issues = %v, want one duplicate_row", issues)
	}
}

func TestReadSites_AbsentColumns(t *testing.T) {
	layout := config.Default().Sites
	layout.PowerlineCol = -1
	layout.ZoneCol = -1
	got, _, err := ReadSites(workbookBytes(t, "Sites", siteRows), layout)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].PowerlineDist.Valid || got[0].Zone.Valid {
		t.Errorf("absent columns should be null, got %+v", got[0])
	}
}

func TestReadClimate(t *testing.T) {
	got, issues, err := ReadClimate(workbookBytes(t, "Daily", climateRows), config.Default().Climate)
	if err != nil {
		t.Fatalf("ReadClimate: %v", err)
	}
	want := []models.ClimateObservation{
		{Station: "basin", Date: day(2018, time.December, 20), TempMax: nf(0), TempMean: nf(-5), Precip: nf(1.5)},
		{Station: "basin", Date: day(2019, time.January, 10), TempMax: nf(-2), TempMean: nf(-8)},
		{Station: "basin", Date: day(2019, time.February, 5), TempMax: nf(-1), TempMean: nf(-6), Precip: nf(0)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReadClimate (-want +got):\n%s", diff)
	}
	if len(issues) != 1 || issues[0].Flag != FlagBadDate {
		t.Errorf("issues = %v, want one bad_date", issues)
	}
}

func TestValidateSurvey(t *testing.T) {
	tests := []struct {
		name      string
		rec       models.SurveyRecord
		wantFlags []string
	}{
		{"valid", models.SurveyRecord{Area: nf(10), Active: nf(3)}, nil},
		{"count without area", models.SurveyRecord{Active: nf(3)}, []string{FlagCountWithoutArea}},
		{"zero area", models.SurveyRecord{Area: nf(0), Active: nf(1)}, []string{FlagAreaNotPositive}},
		{"negative count", models.SurveyRecord{Area: nf(5), Active: nf(-1)}, []string{FlagCountNegative}},
		{"fractional count", models.SurveyRecord{Area: nf(5), Active: nf(2.5)}, []string{FlagCountFractional}},
		{"area only", models.SurveyRecord{Area: nf(5)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateSurvey(&tt.rec)
			if diff := cmp.Diff(tt.wantFlags, got); diff != "" {
				t.Errorf("flags (-want +got):\n%s", diff)
			}
		})
	}
}

func TestValidateClimate(t *testing.T) {
	tests := []struct {
		name      string
		obs       models.ClimateObservation
		wantFlags []string
	}{
		{"valid", models.ClimateObservation{TempMean: nf(10), TempMax: nf(15), Precip: nf(2)}, nil},
		{"hot", models.ClimateObservation{TempMax: nf(50)}, []string{FlagTempOutOfRange}},
		{"cold mean", models.ClimateObservation{TempMean: nf(-70), TempMax: nf(-65)}, []string{FlagTempOutOfRange}},
		{"max below mean", models.ClimateObservation{TempMean: nf(10), TempMax: nf(5)}, []string{FlagMaxBelowMean}},
		{"negative precip", models.ClimateObservation{Precip: nf(-1)}, []string{FlagPrecipNegative}},
		{"all null", models.ClimateObservation{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateClimate(&tt.obs)
			sort.Strings(got)
			if diff := cmp.Diff(tt.wantFlags, got); diff != "" {
				t.Errorf("flags (-want +got):\n%s", diff)
			}
		})
	}
}

func TestQualityFlagsToJSON(t *testing.T) {
	if got := QualityFlagsToJSON(nil); got != "" {
		t.Errorf("QualityFlagsToJSON(nil) = %q, want empty", got)
	}
	if got := QualityFlagsToJSON([]string{FlagCountWithoutArea}); got != `["count_without_area"]` {
		t.Errorf("QualityFlagsToJSON = %q", got)
	}
}

func setupLoader(t *testing.T) (*Loader, *store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewLoader(st, config.Default()), st
}

func TestLoader(t *testing.T) {
	loader, st := setupLoader(t)
	dir := t.TempDir()

	surveyPath := workbookFile(t, dir, "haypiles.xlsx", "Haypiles", surveyRows)
	res, err := loader.LoadSurvey(surveyPath)
	if err != nil {
		t.Fatalf("LoadSurvey: %v", err)
	}
	if res.Rows != 3 || res.Duplicate {
		t.Errorf("survey result = %+v, want 3 rows", res)
	}

	recs, err := st.GetSurveys()
	if err != nil {
		t.Fatal(err)
	}
	type key struct {
		site    string
		year    int
		density float64
	}
	var got []key
	for _, r := range recs {
		got = append(got, key{r.Site, r.Year, math.Round(r.Density.Float64*1000) / 1000})
	}
	want := []key{{"A", 2017, 0.3}, {"A", 2019, 0.417}, {"B", 2017, 0}}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(key{})); diff != "" {
		t.Errorf("surveys (-want +got):\n%s", diff)
	}

	// loading the same workbook again is recognised and idempotent
	res, err = loader.LoadSurvey(surveyPath)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Duplicate {
		t.Error("second load should be reported as duplicate")
	}

	if _, err := loader.LoadSites(workbookFile(t, dir, "sites.xlsx", "Sites", siteRows)); err != nil {
		t.Fatalf("LoadSites: %v", err)
	}
	res, err = loader.LoadClimate(workbookFile(t, dir, "climate.xlsx", "Daily", climateRows))
	if err != nil {
		t.Fatalf("LoadClimate: %v", err)
	}
	if res.Rows != 3 || len(res.Issues) != 1 {
		t.Errorf("climate result = %+v, want 3 rows and 1 issue", res)
	}

	counts, err := st.TableCounts()
	if err != nil {
		t.Fatal(err)
	}
	wantCounts := map[string]int{
		"surveys":              3,
		"site_attributes":      2,
		"climate_observations": 3,
		"source_files":         3,
		"analysis_runs":        0,
	}
	if diff := cmp.Diff(wantCounts, counts); diff != "" {
		t.Errorf("counts (-want +got):\n%s", diff)
	}
}

func TestLoader_RevisedSurveyReplacesRecords(t *testing.T) {
	loader, st := setupLoader(t)
	dir := t.TempDir()

	original := [][]any{
		surveyRows[0],
		{"Talus-12", 20, 10, 3, 12, 5},
		{"Talus-13", 4, 8, 0, 6, 1},
	}
	if _, err := loader.LoadSurvey(workbookFile(t, dir, "haypiles.xlsx", "Haypiles", original)); err != nil {
		t.Fatalf("LoadSurvey: %v", err)
	}

	// Talus-12 renamed, and Talus-13's 2019 cells cleared
	revised := [][]any{
		surveyRows[0],
		{"Talus-21", 20, 10, 3, 12, 5},
		{"Talus-13", 4, 8, 0, "", ""},
	}
	res, err := loader.LoadSurvey(workbookFile(t, dir, "haypiles-v2.xlsx", "Haypiles", revised))
	if err != nil {
		t.Fatalf("LoadSurvey revised: %v", err)
	}
	if res.Rows != 3 {
		t.Errorf("revised rows = %d, want 3", res.Rows)
	}

	recs, err := st.GetSurveys()
	if err != nil {
		t.Fatal(err)
	}
	type key struct {
		site string
		year int
	}
	var got []key
	for _, r := range recs {
		got = append(got, key{r.Site, r.Year})
	}
	want := []key{{"Talus-13", 2017}, {"Talus-21", 2017}, {"Talus-21", 2019}}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(key{})); diff != "" {
		t.Errorf("surveys after revision (-want +got):\n%s", diff)
	}
}

func TestLoader_MissingFile(t *testing.T) {
	loader, _ := setupLoader(t)
	_, err := loader.LoadSurvey(filepath.Join(t.TempDir(), "nope.xlsx"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want not exist", err)
	}
}

func TestFetchFTP_Errors(t *testing.T) {
	if _, err := FetchFTP(context.Background(), config.FetchConfig{}); err == nil {
		t.Error("FetchFTP without host should fail")
	}

	cfg := config.FetchConfig{
		Host:     "127.0.0.1:1",
		Path:     "/climate.xlsx",
		Timeout:  time.Second,
		MaxRetry: 200 * time.Millisecond,
	}
	if _, err := FetchFTP(context.Background(), cfg); err == nil {
		t.Error("FetchFTP to a closed port should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg.MaxRetry = time.Minute
	if _, err := FetchFTP(ctx, cfg); err == nil {
		t.Error("FetchFTP with cancelled context should fail")
	}
}
