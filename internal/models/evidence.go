package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Tag limits enforced on every write.
const (
	MaxTagLength = 64
	MaxTagCount  = 50
)

// ErrMetadataNotObject reports JSON that parsed but is not an object.
var ErrMetadataNotObject = errors.New("metadata must be a JSON object")

// Evidence is the metadata record describing one stored evidence file.
type Evidence struct {
	ID           string    `db:"id" json:"_id"`
	CaseID       string    `db:"case_id" json:"caseId"`
	BlobID       string    `db:"blob_id" json:"fileId"`
	OriginalName string    `db:"original_name" json:"originalName"`
	MimeType     string    `db:"mime_type" json:"mimeType"`
	Size         int64     `db:"size_bytes" json:"size"`
	Hash         string    `db:"hash" json:"hash"`
	UploadedBy   string    `db:"uploaded_by" json:"uploadedBy"`
	Metadata     Metadata  `db:"metadata" json:"metadata"`
	Tags         Tags      `db:"tags" json:"tags"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// OwnedBy reports whether userID uploaded the record.
func (e *Evidence) OwnedBy(userID string) bool {
	return e != nil && userID != "" && e.UploadedBy == userID
}

// EvidenceFilter narrows listing queries.
type EvidenceFilter struct {
	CaseID     string
	UploadedBy string
	Query      string
	Limit      int
	Offset     int
}

// EvidencePatch carries the mutable fields of an update. Nil fields are left
// untouched.
type EvidencePatch struct {
	OriginalName *string
	Metadata     *Metadata
	Tags         *Tags
}

// Empty reports whether the patch changes nothing.
func (p EvidencePatch) Empty() bool {
	return p.OriginalName == nil && p.Metadata == nil && p.Tags == nil
}

// Metadata is a free-form JSON object attached to an evidence record.
type Metadata map[string]JSONValue

// ParseMetadata decodes raw as a JSON object. Blank input yields an empty map.
func ParseMetadata(raw []byte) (Metadata, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Metadata{}, nil
	}
	var value JSONValue
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	if value.Kind != JSONObject {
		return nil, ErrMetadataNotObject
	}
	if value.Object == nil {
		return Metadata{}, nil
	}
	return Metadata(value.Object), nil
}

// MarshalJSON renders nil metadata as an empty object.
func (m Metadata) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]JSONValue(m))
}

// Value implements driver.Valuer for JSONB columns.
func (m Metadata) Value() (driver.Value, error) {
	payload, err := m.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(payload), nil
}

// Scan implements sql.Scanner for JSONB columns.
func (m *Metadata) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata column type %T", src)
	}
	parsed, err := ParseMetadata(raw)
	if err != nil {
		return fmt.Errorf("decode metadata column: %w", err)
	}
	*m = parsed
	return nil
}

// Tags is an ordered set of labels.
type Tags []string

// NormalizeTags trims each entry, drops blanks and keeps the first
// occurrence of duplicates.
func NormalizeTags(values []string) Tags {
	out := make(Tags, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

// SplitTags parses a comma separated list.
func SplitTags(raw string) Tags {
	return NormalizeTags(strings.Split(raw, ","))
}

// Validate enforces the tag limits.
func (t Tags) Validate() error {
	if len(t) > MaxTagCount {
		return fmt.Errorf("at most %d tags are allowed", MaxTagCount)
	}
	for _, tag := range t {
		if len([]rune(tag)) > MaxTagLength {
			return fmt.Errorf("tag %q exceeds %d characters", tag, MaxTagLength)
		}
	}
	return nil
}

// MarshalJSON renders nil tags as an empty array.
func (t Tags) MarshalJSON() ([]byte, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(t))
}

// Value implements driver.Valuer for TEXT[] columns.
func (t Tags) Value() (driver.Value, error) {
	if t == nil {
		return pq.StringArray{}.Value()
	}
	return pq.StringArray(t).Value()
}

// Scan implements sql.Scanner for TEXT[] columns.
func (t *Tags) Scan(src interface{}) error {
	var arr pq.StringArray
	if err := arr.Scan(src); err != nil {
		return err
	}
	*t = Tags(arr)
	if *t == nil {
		*t = Tags{}
	}
	return nil
}
