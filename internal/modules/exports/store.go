package exports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the exports table
const Schema = `
CREATE TABLE IF NOT EXISTS timeline_exports (
	id            UUID PRIMARY KEY,
	kind          TEXT NOT NULL,
	status        TEXT NOT NULL,
	priority      TEXT NOT NULL DEFAULT 'default',
	request       JSONB NOT NULL,
	progress      INTEGER NOT NULL DEFAULT 0,
	output_path   TEXT,
	output_size   BIGINT,
	error         JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS timeline_exports_status_idx ON timeline_exports (status, created_at);
`

// Store persists export records
type Store interface {
	Insert(ctx context.Context, e *Export) error
	Get(ctx context.Context, id string) (*Export, error)
	// MarkProcessing claims an export for rendering. A redelivered export that
	// is still processing may be claimed again; ErrNotQueued is returned once
	// the export is cancelled or finished.
	MarkProcessing(ctx context.Context, id string) error
	// Requeue returns a claimed export to the queue after a retryable failure.
	Requeue(ctx context.Context, id string, exportErr *ExportError) error
	UpdateProgress(ctx context.Context, id string, percent int) error
	MarkCompleted(ctx context.Context, id, outputPath string, size int64) error
	MarkFailed(ctx context.Context, id string, exportErr *ExportError) error
	// Cancel moves a queued or processing export to cancelled.
	Cancel(ctx context.Context, id string) error
}

// PostgresStore is a Store backed by the timeline_exports table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the exports table if it does not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate exports schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, e *Export) error {
	requestJSON, err := json.Marshal(e.Request)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO timeline_exports (id, kind, status, priority, request, progress, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, string(e.Kind), e.Status, e.Priority, requestJSON, e.Progress, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert export: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Export, error) {
	var (
		e           Export
		kind        string
		requestJSON []byte
		errorJSON   []byte
		outputPath  *string
		outputSize  *int64
	)

	err := s.pool.QueryRow(ctx, `
		SELECT id, kind, status, priority, request, progress, output_path, output_size, error,
		       created_at, started_at, completed_at
		FROM timeline_exports WHERE id = $1
	`, id).Scan(&e.ID, &kind, &e.Status, &e.Priority, &requestJSON, &e.Progress, &outputPath, &outputSize,
		&errorJSON, &e.CreatedAt, &e.StartedAt, &e.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load export: %w", err)
	}

	e.Kind = Kind(kind)
	if err := json.Unmarshal(requestJSON, &e.Request); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if len(errorJSON) > 0 {
		e.Error = &ExportError{}
		if err := json.Unmarshal(errorJSON, e.Error); err != nil {
			return nil, fmt.Errorf("failed to decode export error: %w", err)
		}
	}
	if outputPath != nil {
		e.OutputPath = *outputPath
	}
	if outputSize != nil {
		e.OutputSize = *outputSize
	}
	return &e, nil
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE timeline_exports SET status = $1, started_at = $2, progress = 0
		WHERE id = $3 AND status IN ($4, $1)
	`, StatusProcessing, time.Now(), id, StatusQueued)
	if err != nil {
		return fmt.Errorf("failed to claim export: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotQueued
	}
	return nil
}

func (s *PostgresStore) Requeue(ctx context.Context, id string, exportErr *ExportError) error {
	errorJSON, err := json.Marshal(exportErr)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE timeline_exports SET status = $1, error = $2, progress = 0
		WHERE id = $3 AND status = $4
	`, StatusQueued, errorJSON, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to requeue export: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id string, percent int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE timeline_exports SET progress = $1 WHERE id = $2 AND status = $3
	`, percent, id, StatusProcessing)
	return err
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id, outputPath string, size int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE timeline_exports
		SET status = $1, progress = 100, output_path = $2, output_size = $3, completed_at = $4
		WHERE id = $5 AND status = $6
	`, StatusCompleted, outputPath, size, time.Now(), id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete export: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotProcessing
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, exportErr *ExportError) error {
	errorJSON, err := json.Marshal(exportErr)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE timeline_exports SET status = $1, error = $2, completed_at = $3
		WHERE id = $4 AND status <> $5
	`, StatusFailed, errorJSON, time.Now(), id, StatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to mark export failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Cancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE timeline_exports SET status = $1, completed_at = $2
		WHERE id = $3 AND status IN ($4, $5)
	`, StatusCancelled, time.Now(), id, StatusQueued, StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to cancel export: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Distinguish a missing export from a finished one.
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotCancellable
}
