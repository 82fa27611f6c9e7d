package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AnalysisRun audits one model selection run.
type AnalysisRun struct {
	ID           string
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Family       string
	Terms        string // comma separated candidate terms
	RowsUsed     sql.NullInt64
	RowsDropped  sql.NullInt64
	Candidates   sql.NullInt64
	FailedFits   sql.NullInt64
	TopFormula   sql.NullString
	TopAICc      sql.NullFloat64
	Flagged      bool
	Concerns     sql.NullString
	Success      bool
	ErrorMessage sql.NullString
}

// Ranking is one row of a run's model selection table.
type Ranking struct {
	Rank      int
	Formula   string
	NumParams int
	LogLik    float64
	AICc      float64
	Delta     float64
	Weight    float64
}

func (s *Store) StartAnalysisRun(family string, terms []string) (*AnalysisRun, error) {
	run := &AnalysisRun{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Family:    family,
		Terms:     strings.Join(terms, ","),
	}
	_, err := s.db.Exec(`
		INSERT INTO analysis_runs (id, started_at, family, terms, success)
		VALUES (?, ?, ?, ?, FALSE)
	`, run.ID, run.StartedAt, run.Family, run.Terms)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteAnalysisRun records the run's outcome.
func (s *Store) CompleteAnalysisRun(run *AnalysisRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.Exec(`
		UPDATE analysis_runs SET
			finished_at = ?,
			family = ?,
			rows_used = ?,
			rows_dropped = ?,
			candidates = ?,
			failed_fits = ?,
			top_formula = ?,
			top_aicc = ?,
			flagged = ?,
			concerns = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.Family, run.RowsUsed, run.RowsDropped, run.Candidates, run.FailedFits,
		run.TopFormula, run.TopAICc, run.Flagged, run.Concerns, run.Success, run.ErrorMessage, run.ID)
	return err
}

// InsertRankings stores a run's ranked models, replacing any earlier set.
func (s *Store) InsertRankings(runID string, rankings []Ranking) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM model_rankings WHERE run_id = ?`, runID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO model_rankings (run_id, rank, formula, num_params, loglik, aicc, delta, weight)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rankings {
		if _, err := stmt.Exec(runID, r.Rank, r.Formula, r.NumParams, r.LogLik,
			finite(r.AICc), finite(r.Delta), r.Weight); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetRankings(runID string) ([]Ranking, error) {
	rows, err := s.db.Query(`
		SELECT rank, formula, num_params, loglik, aicc, delta, weight
		FROM model_rankings WHERE run_id = ? ORDER BY rank
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Ranking
	for rows.Next() {
		var r Ranking
		var aicc, delta sql.NullFloat64
		if err := rows.Scan(&r.Rank, &r.Formula, &r.NumParams, &r.LogLik, &aicc, &delta, &r.Weight); err != nil {
			return nil, err
		}
		r.AICc = nullInf(aicc)
		r.Delta = nullInf(delta)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRecentAnalysisRuns returns the latest runs, newest first.
func (s *Store) GetRecentAnalysisRuns(limit int) ([]AnalysisRun, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, family, terms, rows_used, rows_dropped,
		       candidates, failed_fits, top_formula, top_aicc, flagged, concerns,
		       success, error_message
		FROM analysis_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AnalysisRun
	for rows.Next() {
		var r AnalysisRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Family, &r.Terms,
			&r.RowsUsed, &r.RowsDropped, &r.Candidates, &r.FailedFits, &r.TopFormula,
			&r.TopAICc, &r.Flagged, &r.Concerns, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
