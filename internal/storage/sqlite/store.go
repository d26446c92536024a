package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cruciblehq/pipelined/internal/pipeline"
)

// Default number of runs returned by ListRuns.
const defaultListLimit = 50

// SQLite-backed run and template store.
type Store struct {
	db *sql.DB
}

// Selects the runs returned by ListRuns.
type RunFilter struct {
	Repository string          // Only runs of this origin repository, when set.
	Status     pipeline.Status // Only runs in this status, when set.
	Limit      int             // Maximum number of runs, newest first.
}

// Opens the database at dsn and initializes the schema.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY,
			template TEXT NOT NULL,
			version TEXT NOT NULL,
			repository TEXT NOT NULL,
			status TEXT NOT NULL,
			document TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS templates (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			document TEXT NOT NULL,
			published_at TIMESTAMP NOT NULL,
			UNIQUE (name, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_repository ON runs(repository)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// Closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Inserts or replaces a run.
func (s *Store) SaveRun(ctx context.Context, run pipeline.Run) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	var ended sql.NullTime
	if !run.EndedAt.IsZero() {
		ended = sql.NullTime{Time: run.EndedAt, Valid: true}
	}

	query := `INSERT INTO runs (id, template, version, repository, status, document, created_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			document = excluded.document,
			ended_at = excluded.ended_at`

	_, err = s.db.ExecContext(ctx, query,
		int64(run.ID), run.Template, run.Version, run.Origin.Repository,
		string(run.Status), string(doc), run.CreatedAt, ended,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// Returns a stored run, or [pipeline.ErrRunNotFound].
func (s *Store) GetRun(ctx context.Context, id pipeline.RunID) (pipeline.Run, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM runs WHERE id = ?`, int64(id)).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Run{}, fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, id)
	}
	if err != nil {
		return pipeline.Run{}, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return decodeRun(doc)
}

// Returns stored runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]pipeline.Run, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT document FROM runs
		WHERE (? = '' OR repository = ?) AND (? = '' OR status = ?)
		ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, f.Repository, f.Repository, string(f.Status), string(f.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []pipeline.Run
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		run, err := decodeRun(doc)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Returns the highest stored run id, or zero when no run is stored.
func (s *Store) MaxRunID(ctx context.Context) (pipeline.RunID, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM runs`).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to query run ids: %w", err)
	}
	return pipeline.RunID(max.Int64), nil
}

// Stores a published template. Storing an existing (name, version) fails
// with [pipeline.ErrDuplicateVersion].
func (s *Store) SaveTemplate(ctx context.Context, tpl pipeline.Template) error {
	doc, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("failed to marshal template: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO templates (name, version, document, published_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name, version) DO NOTHING`,
		tpl.Name, tpl.Version, string(doc), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save template %s: %w", tpl.Ref(), err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", pipeline.ErrDuplicateVersion, tpl.Ref())
	}
	return nil
}

// Returns every stored template in publish order.
func (s *Store) LoadTemplates(ctx context.Context) ([]pipeline.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM templates ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}
	defer rows.Close()

	var tpls []pipeline.Template
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var tpl pipeline.Template
		if err := json.Unmarshal([]byte(doc), &tpl); err != nil {
			return nil, fmt.Errorf("failed to decode template: %w", err)
		}
		tpls = append(tpls, tpl)
	}
	return tpls, rows.Err()
}

func decodeRun(doc string) (pipeline.Run, error) {
	var run pipeline.Run
	if err := json.Unmarshal([]byte(doc), &run); err != nil {
		return pipeline.Run{}, fmt.Errorf("failed to decode run: %w", err)
	}
	return run, nil
}
