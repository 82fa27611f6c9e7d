package store

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/lox/pikasurvey/internal/models"
)

const dateLayout = "2006-01-02"

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens a SQLite database file and applies pending migrations.
func Open(path string) (*Store, *sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := New(db)
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return s, db, nil
}

// UpsertSurvey stores one survey record and its site's talus area.
func (s *Store) UpsertSurvey(rec models.SurveyRecord, qcFlags string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertSurvey(tx, rec, qcFlags); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceSurveys swaps the stored survey table for records in one
// transaction. Sites and site/year rows absent from records are removed.
// qcFlags is indexed like records.
func (s *Store) ReplaceSurveys(records []models.SurveyRecord, qcFlags []string) error {
	if len(qcFlags) != len(records) {
		return fmt.Errorf("replace surveys: %d records but %d flag sets", len(records), len(qcFlags))
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM surveys`); err != nil {
		return fmt.Errorf("clear surveys: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM survey_sites`); err != nil {
		return fmt.Errorf("clear survey sites: %w", err)
	}
	for i, rec := range records {
		if err := upsertSurvey(tx, rec, qcFlags[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertSurvey(tx *sql.Tx, rec models.SurveyRecord, qcFlags string) error {
	if _, err := tx.Exec(`
		INSERT INTO survey_sites (site, talus_area) VALUES (?, ?)
		ON CONFLICT(site) DO UPDATE SET talus_area = excluded.talus_area
	`, rec.Site, rec.TalusArea); err != nil {
		return fmt.Errorf("upsert site %s: %w", rec.Site, err)
	}

	var flags sql.NullString
	if qcFlags != "" {
		flags = sql.NullString{String: qcFlags, Valid: true}
	}
	if _, err := tx.Exec(`
		INSERT INTO surveys (site, year, area, active, density, qc_flags)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(site, year) DO UPDATE SET
			area = excluded.area,
			active = excluded.active,
			density = excluded.density,
			qc_flags = excluded.qc_flags
	`, rec.Site, rec.Year, rec.Area, rec.Active, rec.Density, flags); err != nil {
		return fmt.Errorf("upsert survey %s/%d: %w", rec.Site, rec.Year, err)
	}
	return nil
}

// GetSurveys returns every survey record ordered by site and year.
func (s *Store) GetSurveys() ([]models.SurveyRecord, error) {
	rows, err := s.db.Query(`
		SELECT v.site, t.talus_area, v.year, v.area, v.active, v.density
		FROM surveys v
		JOIN survey_sites t ON t.site = v.site
		ORDER BY v.site, v.year
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SurveyRecord
	for rows.Next() {
		var r models.SurveyRecord
		if err := rows.Scan(&r.Site, &r.TalusArea, &r.Year, &r.Area, &r.Active, &r.Density); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpsertSiteAttributes(a models.SiteAttributes) error {
	_, err := s.db.Exec(`
		INSERT INTO site_attributes (site, road_dist, powerline_dist, elevation, zone, aspect)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(site) DO UPDATE SET
			road_dist = excluded.road_dist,
			powerline_dist = excluded.powerline_dist,
			elevation = excluded.elevation,
			zone = excluded.zone,
			aspect = excluded.aspect
	`, a.Site, a.RoadDist, a.PowerlineDist, a.Elevation, a.Zone, a.Aspect)
	return err
}

func (s *Store) GetSiteAttributes() ([]models.SiteAttributes, error) {
	rows, err := s.db.Query(`
		SELECT site, road_dist, powerline_dist, elevation, zone, aspect
		FROM site_attributes ORDER BY site
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SiteAttributes
	for rows.Next() {
		var a models.SiteAttributes
		if err := rows.Scan(&a.Site, &a.RoadDist, &a.PowerlineDist, &a.Elevation, &a.Zone, &a.Aspect); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertClimateObservation stores one daily record keyed by station and day.
func (s *Store) UpsertClimateObservation(o models.ClimateObservation, qcFlags string) error {
	var flags sql.NullString
	if qcFlags != "" {
		flags = sql.NullString{String: qcFlags, Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO climate_observations (station, obs_date, temp_mean, temp_max, precip, qc_flags)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(station, obs_date) DO UPDATE SET
			temp_mean = excluded.temp_mean,
			temp_max = excluded.temp_max,
			precip = excluded.precip,
			qc_flags = excluded.qc_flags
	`, o.Station, o.Date.Format(dateLayout), o.TempMean, o.TempMax, o.Precip, flags)
	return err
}

// GetClimateObservations returns a station's daily records in date order.
// An empty station returns every station.
func (s *Store) GetClimateObservations(station string) ([]models.ClimateObservation, error) {
	rows, err := s.db.Query(`
		SELECT station, obs_date, temp_mean, temp_max, precip
		FROM climate_observations
		WHERE ? = '' OR station = ?
		ORDER BY station, obs_date
	`, station, station)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ClimateObservation
	for rows.Next() {
		var o models.ClimateObservation
		var date string
		if err := rows.Scan(&o.Station, &date, &o.TempMean, &o.TempMax, &o.Precip); err != nil {
			return nil, err
		}
		o.Date, err = time.Parse(dateLayout, date)
		if err != nil {
			return nil, fmt.Errorf("climate %s: bad date %q: %w", o.Station, date, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// TableCounts reports row counts of the data tables.
func (s *Store) TableCounts() (map[string]int, error) {
	counts := make(map[string]int)
	for _, table := range []string{"surveys", "site_attributes", "climate_observations", "source_files", "analysis_runs"} {
		var n int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// finite maps infinities to NULL, which SQLite cannot store as REAL.
func finite(v float64) sql.NullFloat64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func nullInf(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.Inf(1)
	}
	return v.Float64
}
