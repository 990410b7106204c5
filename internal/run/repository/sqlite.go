package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteRepository stores run records in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens (or creates) the database at dbPath.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		provider TEXT DEFAULT '',
		prompt TEXT DEFAULT '',
		status TEXT NOT NULL,
		exit_code INTEGER DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_runs_agent_id ON runs(agent_id);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Create inserts a new run record.
func (r *SQLiteRepository) Create(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (id, agent_id, provider, prompt, status, exit_code, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.AgentID, run.Provider, run.Prompt, run.Status, run.ExitCode, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// Finish marks a run terminal with its status and exit code.
func (r *SQLiteRepository) Finish(ctx context.Context, id, status string, exitCode int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, exit_code = ?, finished_at = ? WHERE id = ?`,
		status, exitCode, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns one run by id.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, agent_id, provider, prompt, status, exit_code, started_at, finished_at
		FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListByAgent returns all runs for an agent, newest first.
func (r *SQLiteRepository) ListByAgent(ctx context.Context, agentID string) ([]*Run, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, agent_id, provider, prompt, status, exit_code, started_at, finished_at
		FROM runs WHERE agent_id = ? ORDER BY started_at DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// List returns the most recent runs across all agents.
func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, agent_id, provider, prompt, status, exit_code, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var finished sql.NullTime
	err := row.Scan(&run.ID, &run.AgentID, &run.Provider, &run.Prompt,
		&run.Status, &run.ExitCode, &run.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return &run, nil
}

func collectRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
