package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/relay/internal/sqlitedb"
)

// SQLiteRunStore implements RunStore on a SQLite database.
type SQLiteRunStore struct {
	db           *sql.DB
	ownsDB       bool
	queryTimeout time.Duration
}

// SQLiteRunStoreOptions configures a SQLiteRunStore.
type SQLiteRunStoreOptions struct {
	DB           sqlitedb.Options
	QueryTimeout time.Duration // Defaults to 30s
}

var runSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_runs (
		id TEXT PRIMARY KEY,
		skill_name TEXT NOT NULL,
		user_input TEXT NOT NULL,
		status TEXT NOT NULL,
		execution_log JSON NOT NULL DEFAULT '[]',
		artifact_paths JSON NOT NULL DEFAULT '[]',
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_runs_created ON workflow_runs(created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_runs_skill ON workflow_runs(skill_name)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status)`,
}

// NewSQLiteRunStore opens the database at path and creates the schema.
func NewSQLiteRunStore(ctx context.Context, path string, opts SQLiteRunStoreOptions) (*SQLiteRunStore, error) {
	db, err := sqlitedb.Open(ctx, path, opts.DB)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteRunStoreFromDB(ctx, db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLiteRunStoreFromDB creates the schema on an already open database,
// which may be shared with a session.SQLiteStore.
func NewSQLiteRunStoreFromDB(ctx context.Context, db *sql.DB, opts SQLiteRunStoreOptions) (*SQLiteRunStore, error) {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 30 * time.Second
	}
	s := &SQLiteRunStore{db: db, queryTimeout: opts.QueryTimeout}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	if err := sqlitedb.Migrate(ctx, db, runSchema...); err != nil {
		return nil, fmt.Errorf("failed to create workflow schema: %w", err)
	}
	return s, nil
}

// Close closes the database if the store opened it.
func (s *SQLiteRunStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

const runColumns = `id, skill_name, user_input, status, execution_log, artifact_paths, error, created_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run            Run
		status         string
		log, artifacts string
		completedAt    sql.NullTime
	)
	err := row.Scan(&run.ID, &run.SkillName, &run.UserInput, &status, &log, &artifacts,
		&run.Error, &run.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	run.Status = Status(status)
	if err := json.Unmarshal([]byte(log), &run.ExecutionLog); err != nil {
		return nil, fmt.Errorf("failed to decode execution log: %w", err)
	}
	if err := json.Unmarshal([]byte(artifacts), &run.ArtifactPaths); err != nil {
		return nil, fmt.Errorf("failed to decode artifact paths: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

func encodeJSONList[T any](items []T) (string, error) {
	if items == nil {
		items = []T{}
	}
	data, err := json.Marshal(items)
	return string(data), err
}

func (s *SQLiteRunStore) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	status := run.Status
	if status == "" {
		status = StatusRunning
	}
	created := run.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	log, err := encodeJSONList(run.ExecutionLog)
	if err != nil {
		return fmt.Errorf("failed to encode execution log: %w", err)
	}
	artifacts, err := encodeJSONList(run.ArtifactPaths)
	if err != nil {
		return fmt.Errorf("failed to encode artifact paths: %w", err)
	}
	var completed sql.NullTime
	if run.CompletedAt != nil {
		completed = sqlitedb.NullTime(run.CompletedAt.UTC())
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `INSERT INTO workflow_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SkillName, run.UserInput, string(status), log, artifacts, run.Error,
		created.UTC(), completed)
	if err != nil {
		if sqlitedb.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
		}
		return fmt.Errorf("failed to insert workflow run: %w", err)
	}
	return nil
}

func (s *SQLiteRunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}
	return run, nil
}

func (s *SQLiteRunStore) ListRuns(ctx context.Context, filter *RunFilter) ([]*Run, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE 1=1`
	var args []any
	if filter != nil && filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter != nil && filter.SkillName != "" {
		query += ` AND skill_name = ?`
		args = append(args, filter.SkillName)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, filter.limit(), filter.offset())

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteRunStore) FinishRun(ctx context.Context, id string, outcome Outcome) error {
	if err := validateOutcome(outcome); err != nil {
		return err
	}
	completed := outcome.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}
	log, err := encodeJSONList(outcome.ExecutionLog)
	if err != nil {
		return fmt.Errorf("failed to encode execution log: %w", err)
	}
	artifacts, err := encodeJSONList(outcome.ArtifactPaths)
	if err != nil {
		return fmt.Errorf("failed to encode artifact paths: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	result, err := s.db.ExecContext(ctx, `UPDATE workflow_runs
		SET status = ?, execution_log = ?, artifact_paths = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(outcome.Status), log, artifacts, outcome.Error, completed.UTC(), id, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to finish workflow run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	// Nothing updated: either missing or already terminal.
	if _, err := s.GetRun(ctx, id); err != nil {
		return err
	}
	return ErrRunFinalized
}

var _ RunStore = (*SQLiteRunStore)(nil)
