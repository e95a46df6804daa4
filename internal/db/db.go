// Package db provides PostgreSQL database access for run and artifact storage.
package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	pool *pgxpool.Pool
}

// Connect establishes a connection pool to the database
func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Close closes the connection pool
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// CreateRun records a new generation run. The caller supplies the run ID so
// the record matches the in-memory run from the first moment.
func (db *DB) CreateRun(ctx context.Context, runID uuid.UUID, userID, testType, framework, language string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO generation_runs (id, user_id, test_type, framework, language, status)
		 VALUES ($1, $2, $3, $4, $5, 'running')`,
		runID, userID, testType, framework, language,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// CompleteRun marks a generation run as finished with the given status
func (db *DB) CompleteRun(ctx context.Context, runID uuid.UUID, status string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE generation_runs SET status = $1, completed_at = NOW() WHERE id = $2`,
		status, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// SaveStageArtifact stores one stage's raw output for a run. Re-saving a
// stage overwrites the previous content.
func (db *DB) SaveStageArtifact(ctx context.Context, runID uuid.UUID, stage string, ordinal int, content string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO stage_artifacts (run_id, stage, ordinal, content)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id, stage) DO UPDATE SET ordinal = $3, content = $4, created_at = NOW()`,
		runID, stage, ordinal, content,
	)
	if err != nil {
		return fmt.Errorf("failed to save stage artifact %s: %w", stage, err)
	}
	return nil
}

// ListStageArtifacts retrieves all stage outputs for a run in ordinal order
func (db *DB) ListStageArtifacts(ctx context.Context, runID uuid.UUID) ([]StageArtifact, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, stage, ordinal, content, created_at
		 FROM stage_artifacts WHERE run_id = $1 ORDER BY ordinal ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []StageArtifact
	for rows.Next() {
		var a StageArtifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.Stage, &a.Ordinal, &a.Content, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stage artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

// GetRun retrieves a generation run by ID
func (db *DB) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var run Run
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, test_type, framework, language, status, created_at, completed_at
		 FROM generation_runs WHERE id = $1`,
		runID,
	).Scan(&run.ID, &run.UserID, &run.TestType, &run.Framework, &run.Language, &run.Status, &run.CreatedAt, &run.CompletedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// RunFilters holds optional filters for listing runs
type RunFilters struct {
	UserID string
	Status string
	Limit  int
}

// ListRuns retrieves recent generation runs with optional filters
func (db *DB) ListRuns(ctx context.Context, filters RunFilters) ([]Run, error) {
	if filters.Limit == 0 {
		filters.Limit = 50
	}

	query := `SELECT id, user_id, test_type, framework, language, status, created_at, completed_at
		FROM generation_runs WHERE 1=1`
	args := []any{}
	argNum := 1

	if filters.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argNum)
		args = append(args, filters.UserID)
		argNum++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, filters.Status)
		argNum++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argNum)
	args = append(args, filters.Limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.UserID, &run.TestType, &run.Framework, &run.Language, &run.Status, &run.CreatedAt, &run.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// DeleteRun deletes a generation run and all its artifacts (via cascade)
func (db *DB) DeleteRun(ctx context.Context, runID uuid.UUID) error {
	result, err := db.pool.Exec(ctx, `DELETE FROM generation_runs WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}
