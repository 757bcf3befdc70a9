// Package history persists finished pipeline runs in a sqlite database and
// keeps the most recent runs for each pipeline key.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/mrz1836/buildfarm/internal/constants"
	bferrors "github.com/mrz1836/buildfarm/internal/errors"
	"github.com/mrz1836/buildfarm/internal/run"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	pipeline    TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME,
	summary     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS results (
	run_id      TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	job         TEXT NOT NULL,
	job_group   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	link        TEXT NOT NULL DEFAULT '',
	artifacts   TEXT NOT NULL DEFAULT '[]',
	error       TEXT NOT NULL DEFAULT '',
	message     TEXT NOT NULL DEFAULT '',
	started_at  DATETIME,
	finished_at DATETIME,
	PRIMARY KEY (run_id, seq),
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON runs(pipeline, started_at);
`

// Record is a stored run.
type Record struct {
	ID         string              `json:"id"`
	Key        string              `json:"key"`
	Status     constants.RunStatus `json:"status"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at,omitzero"`
	// Summary is the path of the run's aggregated summary, if any.
	Summary string       `json:"summary,omitempty"`
	Results []run.Result `json:"results,omitempty"`
}

// Store is a sqlite-backed run history.
type Store struct {
	db   *sql.DB
	keep int
}

// Open opens (creating if needed) the database at path and migrates it. keep
// is the number of runs retained per pipeline key; zero or less keeps
// constants.DefaultBuildHistory.
func Open(ctx context.Context, path string, keep int) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history: %w", err)
	}
	if keep <= 0 {
		keep = constants.DefaultBuildHistory
	}
	s := &Store{db: db, keep: keep}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate history: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores a run and its results, replacing any earlier copy with the same
// ID, then prunes the run's pipeline key down to the retention limit.
func (s *Store) Save(ctx context.Context, snap run.Snapshot, summaryPath string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM results WHERE run_id = ?`, snap.ID); err != nil {
		return fmt.Errorf("clear results: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, pipeline, status, started_at, finished_at, summary)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			summary = excluded.summary
	`, snap.ID, snap.Key, string(snap.Status), snap.StartedAt.UTC(), nullTime(snap.FinishedAt), summaryPath)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	for i, res := range snap.Results {
		artifacts, err := json.Marshal(nonNil(res.Artifacts))
		if err != nil {
			return fmt.Errorf("encode artifacts: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO results (run_id, seq, job, job_group, status, link, artifacts, error, message, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, snap.ID, i, res.Job, res.Group, string(res.Status), res.Link, string(artifacts),
			res.Error, res.Message, nullTime(res.StartedAt), nullTime(res.FinishedAt))
		if err != nil {
			return fmt.Errorf("insert result %q: %w", res.Job, err)
		}
	}

	if err := prune(ctx, tx, snap.Key, s.keep); err != nil {
		return err
	}
	return tx.Commit()
}

func prune(ctx context.Context, tx *sql.Tx, key string, keep int) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM runs WHERE pipeline = ? AND id NOT IN (
			SELECT id FROM runs WHERE pipeline = ? ORDER BY started_at DESC, id DESC LIMIT ?
		)
	`, key, key, keep)
	if err != nil {
		return fmt.Errorf("prune history: %w", err)
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM results WHERE run_id NOT IN (SELECT id FROM runs)`)
	if err != nil {
		return fmt.Errorf("prune results: %w", err)
	}
	return nil
}

// List returns the stored runs for key, newest first, without results. An
// empty key lists every pipeline. limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, key string, limit int) ([]Record, error) {
	query := `SELECT id, pipeline, status, started_at, finished_at, summary FROM runs`
	var args []any
	if key != "" {
		query += ` WHERE pipeline = ?`
		args = append(args, key)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns one run with its results in completion order.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pipeline, status, started_at, finished_at, summary FROM runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bferrors.Wrapf(bferrors.ErrRunNotFound, "run %q", id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT job, job_group, status, link, artifacts, error, message, started_at, finished_at
		FROM results WHERE run_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			res               run.Result
			status, artifacts string
			started, finished sql.NullTime
		)
		if err := rows.Scan(&res.Job, &res.Group, &status, &res.Link, &artifacts,
			&res.Error, &res.Message, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		res.Status = constants.JobStatus(status)
		if err := json.Unmarshal([]byte(artifacts), &res.Artifacts); err != nil {
			return nil, fmt.Errorf("decode artifacts: %w", err)
		}
		if len(res.Artifacts) == 0 {
			res.Artifacts = nil
		}
		res.StartedAt = started.Time
		res.FinishedAt = finished.Time
		rec.Results = append(rec.Results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Record, error) {
	var (
		rec      Record
		status   string
		finished sql.NullTime
	)
	if err := sc.Scan(&rec.ID, &rec.Key, &status, &rec.StartedAt, &finished, &rec.Summary); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan run: %w", err)
	}
	rec.Status = constants.RunStatus(status)
	rec.FinishedAt = finished.Time
	return rec, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
