package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// evidenceSchema creates the evidence metadata table. Statements are
// idempotent so they run on every start when auto migration is enabled.
var evidenceSchema = []string{
	`CREATE TABLE IF NOT EXISTS evidence (
		id            TEXT PRIMARY KEY,
		case_id       TEXT NOT NULL,
		blob_id       TEXT NOT NULL,
		original_name TEXT NOT NULL,
		mime_type     TEXT NOT NULL,
		size_bytes    BIGINT NOT NULL CHECK (size_bytes >= 0),
		hash          CHAR(64) NOT NULL,
		uploaded_by   TEXT NOT NULL,
		metadata      JSONB NOT NULL DEFAULT '{}'::jsonb,
		tags          TEXT[] NOT NULL DEFAULT '{}',
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_evidence_case_created ON evidence (case_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_evidence_owner_created ON evidence (uploaded_by, created_at DESC)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_evidence_blob ON evidence (blob_id)`,
}

// EnsureSchema applies the evidence schema in one transaction.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	for i, stmt := range evidenceSchema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
