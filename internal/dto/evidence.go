package dto

import (
	"encoding/json"
	"io"

	"github.com/noah-isme/evidence-api/internal/models"
)

// UploadEvidenceRequest carries one upload after transport decoding.
type UploadEvidenceRequest struct {
	CaseID   string `validate:"required,max=128"`
	Filename string `validate:"max=255"`
	MimeType string `validate:"max=255"`
	// Metadata is the raw JSON text of the metadata form field, if any.
	Metadata string
	// Tags is the raw tags form field: a JSON array or a comma separated list.
	Tags   string
	Source io.Reader `validate:"required"`
}

// UpdateEvidenceRequest is the JSON body of PUT /evidence/:id. The short
// aliases name and meta are accepted for older clients and lose to the full
// field names when both are present.
type UpdateEvidenceRequest struct {
	OriginalName *string         `json:"originalName"`
	Name         *string         `json:"name"`
	Metadata     json.RawMessage `json:"metadata"`
	Meta         json.RawMessage `json:"meta"`
	Tags         json.RawMessage `json:"tags"`
}

// EvidenceListQuery captures list query parameters.
type EvidenceListQuery struct {
	CaseID string `form:"caseId"`
	Query  string `form:"q"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

// EvidenceExportQuery captures manifest export parameters.
type EvidenceExportQuery struct {
	CaseID string `form:"caseId"`
	Query  string `form:"q"`
	Format string `form:"format"`
}

// DeleteEvidenceResponse confirms a deletion.
type DeleteEvidenceResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

// EvidenceDownload is an open content stream with its presentation headers.
type EvidenceDownload struct {
	Record   *models.Evidence
	Content  io.ReadCloser
	Size     int64
	MimeType string
	Filename string
}

// ExportResult is a rendered manifest document.
type ExportResult struct {
	Filename    string
	ContentType string
	Body        []byte
}
