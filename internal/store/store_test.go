package store

import (
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"

	"github.com/lox/pikasurvey/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := New(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func nf(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

func TestUpsertAndGetSurveys(t *testing.T) {
	store := setupTestStore(t)

	recs := []models.SurveyRecord{
		{Site: "B", TalusArea: nf(4), Year: 2017, Area: nf(8), Active: nf(0), Density: nf(0)},
		{Site: "A", TalusArea: nf(20), Year: 2019, Area: nf(12), Active: nf(5), Density: nf(5.0 / 12)},
		{Site: "A", TalusArea: nf(20), Year: 2017, Area: nf(10), Active: nf(3), Density: nf(0.3)},
		{Site: "C", Year: 2017, Active: nf(2)},
	}
	for _, r := range recs {
		if err := store.UpsertSurvey(r, ""); err != nil {
			t.Fatalf("UpsertSurvey: %v", err)
		}
	}

	got, err := store.GetSurveys()
	if err != nil {
		t.Fatalf("GetSurveys: %v", err)
	}
	want := []models.SurveyRecord{recs[2], recs[1], recs[0], recs[3]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetSurveys (-want +got):\n%s", diff)
	}
}

func TestReplaceSurveys(t *testing.T) {
	store := setupTestStore(t)

	first := []models.SurveyRecord{
		{Site: "Talus-12", TalusArea: nf(20), Year: 2017, Area: nf(10), Active: nf(3), Density: nf(0.3)},
		{Site: "Talus-13", TalusArea: nf(4), Year: 2017, Area: nf(8), Active: nf(0), Density: nf(0)},
	}
	if err := store.ReplaceSurveys(first, []string{"", ""}); err != nil {
		t.Fatalf("ReplaceSurveys: %v", err)
	}

	second := []models.SurveyRecord{
		{Site: "Talus-21", TalusArea: nf(20), Year: 2017, Area: nf(10), Active: nf(3), Density: nf(0.3)},
	}
	if err := store.ReplaceSurveys(second, []string{`["count_fractional"]`}); err != nil {
		t.Fatalf("ReplaceSurveys: %v", err)
	}

	got, err := store.GetSurveys()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(second, got); diff != "" {
		t.Errorf("GetSurveys (-want +got):\n%s", diff)
	}

	counts, err := store.TableCounts()
	if err != nil {
		t.Fatal(err)
	}
	if counts["surveys"] != 1 {
		t.Errorf("surveys count = %d, want 1", counts["surveys"])
	}

	if err := store.ReplaceSurveys(first, nil); err == nil {
		t.Error("ReplaceSurveys with mismatched flags succeeded")
	}
	if got, _ := store.GetSurveys(); len(got) != 1 {
		t.Errorf("failed replace changed the table: %d rows", len(got))
	}
}

func TestUpsertSurvey_Update(t *testing.T) {
	store := setupTestStore(t)

	rec := models.SurveyRecord{Site: "A", TalusArea: nf(20), Year: 2017, Area: nf(10), Active: nf(3), Density: nf(0.3)}
	if err := store.UpsertSurvey(rec, ""); err != nil {
		t.Fatal(err)
	}
	rec.Active = nf(4)
	rec.Density = nf(0.4)
	if err := store.UpsertSurvey(rec, `["count_fractional"]`); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetSurveys()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Active.Float64 != 4 {
		t.Errorf("Active = %v, want 4", got[0].Active.Float64)
	}
}

func TestUpsertAndGetSiteAttributes(t *testing.T) {
	store := setupTestStore(t)

	attrs := []models.SiteAttributes{
		{Site: "Talus-2", RoadDist: nf(120), Elevation: nf(1650), Aspect: sql.NullString{String: "N", Valid: true}},
		{Site: "Talus-1", RoadDist: nf(40), PowerlineDist: nf(300), Elevation: nf(1400),
			Zone: sql.NullString{String: "subalpine", Valid: true}},
	}
	for _, a := range attrs {
		if err := store.UpsertSiteAttributes(a); err != nil {
			t.Fatalf("UpsertSiteAttributes: %v", err)
		}
	}
	got, err := store.GetSiteAttributes()
	if err != nil {
		t.Fatalf("GetSiteAttributes: %v", err)
	}
	if diff := cmp.Diff([]models.SiteAttributes{attrs[1], attrs[0]}, got); diff != "" {
		t.Errorf("GetSiteAttributes (-want +got):\n%s", diff)
	}
}

func TestClimateObservations(t *testing.T) {
	store := setupTestStore(t)

	day := func(m time.Month, d int) time.Time { return time.Date(2019, m, d, 0, 0, 0, 0, time.UTC) }
	obs := []models.ClimateObservation{
		{Station: "basin", Date: day(time.January, 2), TempMean: nf(-4), TempMax: nf(1), Precip: nf(0)},
		{Station: "basin", Date: day(time.January, 1), TempMean: nf(-6), TempMax: nf(-1)},
		{Station: "summit", Date: day(time.January, 1), TempMean: nf(-12)},
	}
	for _, o := range obs {
		if err := store.UpsertClimateObservation(o, ""); err != nil {
			t.Fatalf("UpsertClimateObservation: %v", err)
		}
	}
	// re-import the same day
	if err := store.UpsertClimateObservation(obs[0], ""); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetClimateObservations("basin")
	if err != nil {
		t.Fatalf("GetClimateObservations: %v", err)
	}
	if diff := cmp.Diff([]models.ClimateObservation{obs[1], obs[0]}, got); diff != "" {
		t.Errorf("basin (-want +got):\n%s", diff)
	}

	all, err := store.GetClimateObservations("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want 3", len(all))
	}
}

func TestStoreSourceFile_Dedup(t *testing.T) {
	store := setupTestStore(t)

	content := []byte("PK\x03\x04 workbook bytes")
	id, dup, err := store.StoreSourceFile("survey", "haypiles.xlsx", content)
	if err != nil {
		t.Fatalf("StoreSourceFile: %v", err)
	}
	if dup || id == 0 {
		t.Errorf("first store: id = %d dup = %v", id, dup)
	}

	id2, dup, err := store.StoreSourceFile("survey", "haypiles-copy.xlsx", content)
	if err != nil {
		t.Fatal(err)
	}
	if !dup || id2 != id {
		t.Errorf("second store: id = %d dup = %v, want %d true", id2, dup, id)
	}

	got, err := store.GetSourceFile(id)
	if err != nil {
		t.Fatalf("GetSourceFile: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content = %q, want %q", got, content)
	}

	counts, err := store.TableCounts()
	if err != nil {
		t.Fatal(err)
	}
	if counts["source_files"] != 1 {
		t.Errorf("source_files = %d, want 1", counts["source_files"])
	}
}

func TestAnalysisRun_StartAndComplete(t *testing.T) {
	store := setupTestStore(t)

	run, err := store.StartAnalysisRun("nbinom", []string{"year", "elev"})
	if err != nil {
		t.Fatalf("StartAnalysisRun: %v", err)
	}
	if len(run.ID) != 36 {
		t.Errorf("ID = %q, want a uuid", run.ID)
	}

	run.RowsUsed = sql.NullInt64{Int64: 40, Valid: true}
	run.Candidates = sql.NullInt64{Int64: 4, Valid: true}
	run.TopFormula = sql.NullString{String: "elev", Valid: true}
	run.TopAICc = nf(126.7)
	run.Flagged = true
	run.Concerns = sql.NullString{String: "dispersion deviation", Valid: true}
	run.Success = true
	if err := store.CompleteAnalysisRun(run); err != nil {
		t.Fatalf("CompleteAnalysisRun: %v", err)
	}

	runs, err := store.GetRecentAnalysisRuns(5)
	if err != nil {
		t.Fatalf("GetRecentAnalysisRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
	got := runs[0]
	if got.ID != run.ID || !got.Success || !got.Flagged || got.TopFormula.String != "elev" || got.Terms != "year,elev" {
		t.Errorf("run = %+v", got)
	}
	if !got.FinishedAt.Valid {
		t.Error("FinishedAt not set")
	}
}

func TestInsertRankings(t *testing.T) {
	store := setupTestStore(t)

	run, err := store.StartAnalysisRun("poisson", []string{"road"})
	if err != nil {
		t.Fatal(err)
	}
	rankings := []Ranking{
		{Rank: 1, Formula: "road", NumParams: 3, LogLik: -50, AICc: 106.6, Delta: 0, Weight: 0.9},
		{Rank: 2, Formula: "1", NumParams: 2, LogLik: -53, AICc: math.Inf(1), Delta: math.Inf(1), Weight: 0},
	}
	if err := store.InsertRankings(run.ID, rankings); err != nil {
		t.Fatalf("InsertRankings: %v", err)
	}
	// a second insert replaces the first
	if err := store.InsertRankings(run.ID, rankings); err != nil {
		t.Fatalf("InsertRankings again: %v", err)
	}

	got, err := store.GetRankings(run.ID)
	if err != nil {
		t.Fatalf("GetRankings: %v", err)
	}
	if diff := cmp.Diff(rankings, got); diff != "" {
		t.Errorf("GetRankings (-want +got):\n%s", diff)
	}
}

func TestMigrationVersion(t *testing.T) {
	store := setupTestStore(t)

	version, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("MigrationVersion = %d, want %d", version, len(migrations))
	}

	// applying again is a no-op
	if err := store.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}
