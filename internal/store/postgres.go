// Package store persists run manifests and reconciled encounters to
// Postgres. The commit boundary is a single transaction: downstream readers
// observe a run's manifest, metrics, and encounter rows together or not at
// all.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenDB opens a Postgres connection pool using the pgx stdlib driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// schemaLockKey serializes bootstrap DDL across concurrent pipeline starts.
const schemaLockKey = int64(7203919001)

// EnsureSchema creates the chartflow tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS documents (
	shell_file_id TEXT PRIMARY KEY,
	patient_id TEXT NOT NULL DEFAULT '',
	page_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_manifests (
	shell_file_id TEXT PRIMARY KEY,
	patient_id TEXT NOT NULL DEFAULT '',
	total_pages INTEGER NOT NULL,
	total_encounters INTEGER NOT NULL,
	ocr_confidence_avg DOUBLE PRECISION NOT NULL DEFAULT 0,
	model TEXT NOT NULL DEFAULT '',
	cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	processing_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	real_world_count INTEGER NOT NULL DEFAULT 0,
	planned_count INTEGER NOT NULL DEFAULT 0,
	pseudo_count INTEGER NOT NULL DEFAULT 0,
	avg_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	encounter_types JSONB NOT NULL DEFAULT '[]'::jsonb,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS encounters (
	id TEXT PRIMARY KEY,
	shell_file_id TEXT NOT NULL REFERENCES run_manifests(shell_file_id) ON DELETE CASCADE,
	encounter_type TEXT NOT NULL,
	page_ranges JSONB NOT NULL DEFAULT '[]'::jsonb,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_real_world_visit BOOLEAN NOT NULL DEFAULT false,
	multi_segment BOOLEAN NOT NULL DEFAULT false,
	unclosed_continuation BOOLEAN NOT NULL DEFAULT false,
	first_chunk INTEGER NOT NULL DEFAULT 0,
	last_chunk INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_encounters_shell_file ON encounters(shell_file_id);
CREATE INDEX IF NOT EXISTS idx_encounters_type ON encounters(encounter_type);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// RegisterDocument records document identity and page count so the scheduler
// can seed a run. Upserts on re-ingest.
func RegisterDocument(ctx context.Context, db *sql.DB, shellFileID, patientID string, pageCount int) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO documents (shell_file_id, patient_id, page_count, status, updated_at)
VALUES ($1, $2, $3, 'pending', now())
ON CONFLICT (shell_file_id) DO UPDATE
SET patient_id = EXCLUDED.patient_id,
    page_count = EXCLUDED.page_count,
    updated_at = now()
`, shellFileID, patientID, pageCount)
	if err != nil {
		return fmt.Errorf("register document: %w", err)
	}
	return nil
}

// ErrNotRegistered reports a shell file with no ingest-time document row.
var ErrNotRegistered = errors.New("document not registered")

// DocumentPageCount looks up the registered page count for a shell file.
func DocumentPageCount(ctx context.Context, db *sql.DB, shellFileID string) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT page_count FROM documents WHERE shell_file_id = $1`, shellFileID,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrNotRegistered, shellFileID)
		}
		return 0, fmt.Errorf("document page count: %w", err)
	}
	return count, nil
}

// Registry exposes ingest-time document rows to the pipeline scheduler.
type Registry struct {
	db *sql.DB
}

// NewRegistry wraps db for document lookups.
func NewRegistry(db *sql.DB) *Registry { return &Registry{db: db} }

// DocumentPageCount implements the scheduler's page-count lookup.
func (r *Registry) DocumentPageCount(ctx context.Context, shellFileID string) (int, error) {
	return DocumentPageCount(ctx, r.db, shellFileID)
}
