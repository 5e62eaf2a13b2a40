package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/evidence-api/internal/models"
)

const evidenceColumns = `id, case_id, blob_id, original_name, mime_type, size_bytes, hash, uploaded_by, metadata, tags, created_at, updated_at`

// Listing bounds applied when the caller passes none or too large a limit.
const (
	DefaultEvidenceListLimit = 100
	MaxEvidenceListLimit     = 500
)

// EvidenceRepository handles evidence metadata persistence.
type EvidenceRepository struct {
	db *sqlx.DB
}

// NewEvidenceRepository constructs the repository.
func NewEvidenceRepository(db *sqlx.DB) *EvidenceRepository {
	return &EvidenceRepository{db: db}
}

// Create stores metadata for an uploaded evidence file.
func (r *EvidenceRepository) Create(ctx context.Context, item *models.Evidence) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = item.CreatedAt
	if item.Metadata == nil {
		item.Metadata = models.Metadata{}
	}
	if item.Tags == nil {
		item.Tags = models.Tags{}
	}
	const query = `INSERT INTO evidence (` + evidenceColumns + `)
	VALUES (:id, :case_id, :blob_id, :original_name, :mime_type, :size_bytes, :hash, :uploaded_by, :metadata, :tags, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, item); err != nil {
		return fmt.Errorf("create evidence: %w", err)
	}
	return nil
}

// GetByID retrieves one evidence row.
func (r *EvidenceRepository) GetByID(ctx context.Context, id string) (*models.Evidence, error) {
	const query = `SELECT ` + evidenceColumns + ` FROM evidence WHERE id = $1`
	var item models.Evidence
	if err := r.db.GetContext(ctx, &item, query, id); err != nil {
		return nil, err
	}
	return &item, nil
}

// List returns evidence scoped to a case, or to the uploader when no case is
// given, newest first.
func (r *EvidenceRepository) List(ctx context.Context, filter models.EvidenceFilter) ([]models.Evidence, error) {
	builder := strings.Builder{}
	builder.WriteString(`SELECT ` + evidenceColumns + ` FROM evidence`)
	args := make([]interface{}, 0, 2)
	conditions := make([]string, 0, 2)

	if filter.CaseID != "" {
		args = append(args, filter.CaseID)
		conditions = append(conditions, fmt.Sprintf("case_id = $%d", len(args)))
	} else {
		args = append(args, filter.UploadedBy)
		conditions = append(conditions, fmt.Sprintf("uploaded_by = $%d", len(args)))
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		// position() matches the literal text, so % _ and regex characters
		// in the query carry no special meaning.
		args = append(args, q)
		conditions = append(conditions, fmt.Sprintf("position(lower($%d) in lower(original_name)) > 0", len(args)))
	}

	builder.WriteString(" WHERE ")
	builder.WriteString(strings.Join(conditions, " AND "))
	builder.WriteString(" ORDER BY created_at DESC, id DESC")

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultEvidenceListLimit
	}
	if limit > MaxEvidenceListLimit {
		limit = MaxEvidenceListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	records := make([]models.Evidence, 0)
	if err := r.db.SelectContext(ctx, &records, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	return records, nil
}

// Update applies patch in a single statement and returns the stored row.
func (r *EvidenceRepository) Update(ctx context.Context, id string, patch models.EvidencePatch, updatedAt time.Time) (*models.Evidence, error) {
	sets := make([]string, 0, 4)
	args := []interface{}{id}
	if patch.OriginalName != nil {
		args = append(args, *patch.OriginalName)
		sets = append(sets, fmt.Sprintf("original_name = $%d", len(args)))
	}
	if patch.Metadata != nil {
		args = append(args, *patch.Metadata)
		sets = append(sets, fmt.Sprintf("metadata = $%d", len(args)))
	}
	if patch.Tags != nil {
		args = append(args, *patch.Tags)
		sets = append(sets, fmt.Sprintf("tags = $%d", len(args)))
	}
	args = append(args, updatedAt.UTC())
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))

	query := `UPDATE evidence SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 RETURNING ` + evidenceColumns
	var item models.Evidence
	if err := r.db.GetContext(ctx, &item, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("update evidence: %w", err)
	}
	return &item, nil
}

// Delete removes one evidence row.
func (r *EvidenceRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM evidence WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete evidence: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check evidence delete rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *EvidenceRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
