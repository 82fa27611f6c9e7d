package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Survey, site and climate tables",
		SQL: `
CREATE TABLE IF NOT EXISTS survey_sites (
    site TEXT PRIMARY KEY,
    talus_area REAL
);

CREATE TABLE IF NOT EXISTS surveys (
    site TEXT NOT NULL REFERENCES survey_sites(site),
    year INTEGER NOT NULL,
    area REAL,
    active REAL,
    density REAL,
    qc_flags TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (site, year)
);

CREATE TABLE IF NOT EXISTS site_attributes (
    site TEXT PRIMARY KEY,
    road_dist REAL,
    powerline_dist REAL,
    elevation REAL,
    zone TEXT,
    aspect TEXT
);

CREATE TABLE IF NOT EXISTS climate_observations (
    station TEXT NOT NULL,
    obs_date TEXT NOT NULL,
    temp_mean REAL,
    temp_max REAL,
    precip REAL,
    qc_flags TEXT,
    PRIMARY KEY (station, obs_date)
);

CREATE INDEX IF NOT EXISTS idx_surveys_year ON surveys(year);
`,
	},
	{
		Version:     2,
		Description: "Source workbook archive",
		SQL: `
CREATE TABLE IF NOT EXISTS source_files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    name TEXT NOT NULL,
    loaded_at DATETIME NOT NULL,
    size_bytes INTEGER NOT NULL,
    content_compressed BLOB NOT NULL,
    content_hash TEXT NOT NULL UNIQUE
);
`,
	},
	{
		Version:     3,
		Description: "Analysis run audit and model rankings",
		SQL: `
CREATE TABLE IF NOT EXISTS analysis_runs (
    id TEXT PRIMARY KEY,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    family TEXT NOT NULL,
    terms TEXT NOT NULL,
    rows_used INTEGER,
    rows_dropped INTEGER,
    candidates INTEGER,
    failed_fits INTEGER,
    top_formula TEXT,
    top_aicc REAL,
    flagged BOOLEAN DEFAULT FALSE,
    concerns TEXT,
    success BOOLEAN DEFAULT FALSE,
    error_message TEXT
);

CREATE TABLE IF NOT EXISTS model_rankings (
    run_id TEXT NOT NULL REFERENCES analysis_runs(id),
    rank INTEGER NOT NULL,
    formula TEXT NOT NULL,
    num_params INTEGER NOT NULL,
    loglik REAL NOT NULL,
    aicc REAL,
    delta REAL,
    weight REAL,
    PRIMARY KEY (run_id, rank)
);

CREATE INDEX IF NOT EXISTS idx_analysis_runs_started ON analysis_runs(started_at);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		log.Printf("migrations: completed %d", m.Version)
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
