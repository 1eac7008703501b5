package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/spinlidar/internal/timeutil"
)

// Tune run states.
const (
	TuneStatusRunning   = "running"
	TuneStatusCompleted = "completed"
	TuneStatusFailed    = "failed"
)

var (
	// ErrTuneRunNotFound is returned when updating a run that was never inserted.
	ErrTuneRunNotFound = errors.New("tune run not found")
	// ErrNoTuneRuns is returned by LatestTuneRun when no run has completed.
	ErrNoTuneRuns = errors.New("no completed tune runs")
)

// TuneRun is one invocation of the RPM tuner.
type TuneRun struct {
	RunID        string     `json:"run_id"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	MinRPM       float64    `json:"min_rpm"`
	MaxRPM       float64    `json:"max_rpm"`
	InitialRPM   float64    `json:"initial_rpm"`
	BestRPM      *float64   `json:"best_rpm,omitempty"`
	BestError    *float64   `json:"best_error,omitempty"`
	Evaluations  int        `json:"evaluations"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// TuneTrial is one objective evaluation within a run. Error is nil when the
// evaluation failed, for example because a rotation came back empty.
type TuneTrial struct {
	RunID      string    `json:"run_id"`
	Seq        int       `json:"seq"`
	RPM        float64   `json:"rpm"`
	Error      *float64  `json:"error,omitempty"`
	SamplesA   int       `json:"samples_a"`
	SamplesB   int       `json:"samples_b"`
	RecordedAt time.Time `json:"recorded_at"`
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second)))
}

func nullTime(t *time.Time) sql.NullFloat64 {
	if t == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: timeutil.UnixSeconds(*t), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// InsertTuneRun records the start of a tuning run.
func (db *DB) InsertTuneRun(run TuneRun) error {
	if run.Status == "" {
		run.Status = TuneStatusRunning
	}
	_, err := db.Exec(`INSERT INTO tune_runs (
			run_id, started_at, finished_at, min_rpm, max_rpm, initial_rpm,
			best_rpm, best_error, evaluations, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, timeutil.UnixSeconds(run.StartedAt), nullTime(run.FinishedAt),
		run.MinRPM, run.MaxRPM, run.InitialRPM,
		nullFloat(run.BestRPM), nullFloat(run.BestError), run.Evaluations,
		run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert tune run %s: %w", run.RunID, err)
	}
	return nil
}

// FinishTuneRun stores the outcome of a run previously inserted with
// InsertTuneRun.
func (db *DB) FinishTuneRun(run TuneRun) error {
	res, err := db.Exec(`UPDATE tune_runs SET
			finished_at = ?, best_rpm = ?, best_error = ?, evaluations = ?,
			status = ?, error_message = ?
		WHERE run_id = ?`,
		nullTime(run.FinishedAt), nullFloat(run.BestRPM), nullFloat(run.BestError),
		run.Evaluations, run.Status, run.ErrorMessage, run.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish tune run %s: %w", run.RunID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTuneRunNotFound, run.RunID)
	}
	return nil
}

// InsertTuneTrial records one objective evaluation.
func (db *DB) InsertTuneTrial(trial TuneTrial) error {
	_, err := db.Exec(`INSERT INTO tune_trials (
			run_id, seq, rpm, error, samples_a, samples_b, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		trial.RunID, trial.Seq, trial.RPM, nullFloat(trial.Error),
		trial.SamplesA, trial.SamplesB, timeutil.UnixSeconds(trial.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert tune trial %s/%d: %w", trial.RunID, trial.Seq, err)
	}
	return nil
}

const tuneRunColumns = `run_id, started_at, finished_at, min_rpm, max_rpm, initial_rpm,
	best_rpm, best_error, evaluations, status, COALESCE(error_message, '')`

type scanner interface {
	Scan(dest ...any) error
}

func scanTuneRun(s scanner) (TuneRun, error) {
	var (
		run       TuneRun
		started   float64
		finished  sql.NullFloat64
		bestRPM   sql.NullFloat64
		bestError sql.NullFloat64
	)
	if err := s.Scan(
		&run.RunID, &started, &finished, &run.MinRPM, &run.MaxRPM, &run.InitialRPM,
		&bestRPM, &bestError, &run.Evaluations, &run.Status, &run.ErrorMessage,
	); err != nil {
		return TuneRun{}, err
	}
	run.StartedAt = fromUnixSeconds(started)
	if finished.Valid {
		t := fromUnixSeconds(finished.Float64)
		run.FinishedAt = &t
	}
	run.BestRPM = floatPtr(bestRPM)
	run.BestError = floatPtr(bestError)
	return run, nil
}

// TuneRuns returns up to limit runs, newest first. A limit <= 0 returns 100.
func (db *DB) TuneRuns(limit int) ([]TuneRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT `+tuneRunColumns+` FROM tune_runs
		ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []TuneRun{}
	for rows.Next() {
		run, err := scanTuneRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// LatestTuneRun returns the most recent completed run with a best rpm.
func (db *DB) LatestTuneRun() (*TuneRun, error) {
	row := db.QueryRow(`SELECT `+tuneRunColumns+` FROM tune_runs
		WHERE status = ? AND best_rpm IS NOT NULL
		ORDER BY started_at DESC LIMIT 1`, TuneStatusCompleted)
	run, err := scanTuneRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoTuneRuns
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// TuneTrials returns the trials of a run in evaluation order.
func (db *DB) TuneTrials(runID string) ([]TuneTrial, error) {
	rows, err := db.Query(`SELECT run_id, seq, rpm, error, samples_a, samples_b, recorded_at
		FROM tune_trials WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trials := []TuneTrial{}
	for rows.Next() {
		var (
			trial    TuneTrial
			errVal   sql.NullFloat64
			recorded float64
		)
		if err := rows.Scan(&trial.RunID, &trial.Seq, &trial.RPM, &errVal,
			&trial.SamplesA, &trial.SamplesB, &recorded); err != nil {
			return nil, err
		}
		trial.Error = floatPtr(errVal)
		trial.RecordedAt = fromUnixSeconds(recorded)
		trials = append(trials, trial)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return trials, nil
}
