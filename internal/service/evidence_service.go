package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/evidence-api/internal/dto"
	"github.com/noah-isme/evidence-api/internal/models"
	"github.com/noah-isme/evidence-api/pkg/blobstore"
	"github.com/noah-isme/evidence-api/pkg/digest"
	appErrors "github.com/noah-isme/evidence-api/pkg/errors"
	"github.com/noah-isme/evidence-api/pkg/export"
)

// Upload outcomes reported to metrics.
const (
	UploadOutcomeStored   = "stored"
	UploadOutcomeRejected = "rejected"
	UploadOutcomeFailed   = "failed"
)

const (
	defaultMimeType   = "application/octet-stream"
	defaultFilename   = "untitled"
	maxFilenameLength = 255
)

var errUploadTooLarge = errors.New("upload exceeds size limit")

type evidenceStore interface {
	Create(ctx context.Context, item *models.Evidence) error
	GetByID(ctx context.Context, id string) (*models.Evidence, error)
	List(ctx context.Context, filter models.EvidenceFilter) ([]models.Evidence, error)
	Update(ctx context.Context, id string, patch models.EvidencePatch, updatedAt time.Time) (*models.Evidence, error)
	Delete(ctx context.Context, id string) error
}

type evidenceCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

// EvidenceServiceConfig holds upload and listing limits.
type EvidenceServiceConfig struct {
	MaxUploadBytes   int64
	DefaultListLimit int
	MaxListLimit     int
	// BlobBackend labels blob operation metrics.
	BlobBackend string
}

// EvidenceService manages evidence records and their stored content.
//
// Update and Delete are not serialised against each other. Concurrent
// updates are last-writer-wins; an update racing a delete either lands
// before the delete or reports NotFound.
type EvidenceService struct {
	repo      evidenceStore
	blobs     blobstore.Store
	cache     evidenceCache
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       EvidenceServiceConfig
	now       func() time.Time
}

// NewEvidenceService constructs the service with defaults.
func NewEvidenceService(repo evidenceStore, blobs blobstore.Store, cache evidenceCache, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg EvidenceServiceConfig) *EvidenceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 100 * 1024 * 1024
	}
	if cfg.MaxListLimit <= 0 {
		cfg.MaxListLimit = 500
	}
	if cfg.DefaultListLimit <= 0 || cfg.DefaultListLimit > cfg.MaxListLimit {
		cfg.DefaultListLimit = 100
		if cfg.DefaultListLimit > cfg.MaxListLimit {
			cfg.DefaultListLimit = cfg.MaxListLimit
		}
	}
	if cfg.BlobBackend == "" {
		cfg.BlobBackend = "unknown"
	}
	return &EvidenceService{
		repo:      repo,
		blobs:     blobs,
		cache:     cache,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// MaxUploadBytes reports the configured content limit.
func (s *EvidenceService) MaxUploadBytes() int64 {
	return s.cfg.MaxUploadBytes
}

// Upload streams the content into the blob store, hashing it on the way, and
// records the evidence metadata.
func (s *EvidenceService) Upload(ctx context.Context, req dto.UploadEvidenceRequest, actor *models.JWTClaims) (*models.Evidence, error) {
	owner := actor.OwnerID()
	if owner == "" {
		return nil, appErrors.ErrUnauthorized
	}
	req.CaseID = strings.TrimSpace(req.CaseID)
	if req.Source == nil {
		s.metrics.RecordUpload(UploadOutcomeRejected, 0)
		return nil, appErrors.Clone(appErrors.ErrValidation, "file is required")
	}
	if req.CaseID == "" {
		s.metrics.RecordUpload(UploadOutcomeRejected, 0)
		return nil, appErrors.Clone(appErrors.ErrValidation, "caseId is required")
	}
	filename := cleanFilename(req.Filename)
	req.Filename = filename
	if err := s.validator.Struct(req); err != nil {
		s.metrics.RecordUpload(UploadOutcomeRejected, 0)
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid upload payload")
	}
	tags, err := parseTagField(req.Tags)
	if err != nil {
		s.metrics.RecordUpload(UploadOutcomeRejected, 0)
		return nil, err
	}
	mimeType := resolveMimeType(req.MimeType, filename)
	metadata := tolerantMetadata(req.Metadata)

	hashing := digest.NewReader(&limitedReader{r: req.Source, remaining: s.cfg.MaxUploadBytes})
	start := time.Now()
	info, err := s.blobs.Put(ctx, hashing, blobstore.PutOptions{Filename: filename, ContentType: mimeType})
	s.metrics.ObserveBlobOperation(s.cfg.BlobBackend, "put", err, time.Since(start))
	if err != nil {
		if errors.Is(err, errUploadTooLarge) || isMaxBytesError(err) {
			s.metrics.RecordUpload(UploadOutcomeRejected, 0)
			return nil, appErrors.Clone(appErrors.ErrPayloadTooLarge, fmt.Sprintf("file exceeds %d bytes limit", s.cfg.MaxUploadBytes))
		}
		s.metrics.RecordUpload(UploadOutcomeFailed, 0)
		return nil, contextOr(err, appErrors.ErrStorage, "failed to store evidence file")
	}
	if info.Size != hashing.Size() {
		s.removeBlob(ctx, info.ID, "size mismatch")
		s.metrics.RecordUpload(UploadOutcomeFailed, 0)
		return nil, appErrors.Clone(appErrors.ErrStorage, "stored size does not match received size")
	}

	record := &models.Evidence{
		CaseID:       req.CaseID,
		BlobID:       info.ID,
		OriginalName: filename,
		MimeType:     mimeType,
		Size:         info.Size,
		Hash:         hashing.Sum(),
		UploadedBy:   owner,
		Metadata:     metadata,
		Tags:         tags,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.repo.Create(ctx, record); err != nil {
		s.removeBlob(ctx, info.ID, "metadata insert failed")
		s.metrics.RecordUpload(UploadOutcomeFailed, 0)
		return nil, contextOr(err, appErrors.ErrInternal, "failed to save evidence metadata")
	}

	s.metrics.RecordUpload(UploadOutcomeStored, record.Size)
	s.logger.Info("evidence uploaded",
		zap.String("evidence_id", record.ID),
		zap.String("case_id", record.CaseID),
		zap.String("blob_id", record.BlobID),
		zap.Int64("size", record.Size),
		zap.String("user_id", owner),
	)
	return record, nil
}

// List returns the evidence in a case, or the caller's own evidence when no
// case is given, newest first.
func (s *EvidenceService) List(ctx context.Context, query dto.EvidenceListQuery, actor *models.JWTClaims) ([]models.Evidence, error) {
	owner := actor.OwnerID()
	if owner == "" {
		return nil, appErrors.ErrUnauthorized
	}
	limit := query.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultListLimit
	}
	if limit > s.cfg.MaxListLimit {
		limit = s.cfg.MaxListLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}
	items, err := s.repo.List(ctx, models.EvidenceFilter{
		CaseID:     strings.TrimSpace(query.CaseID),
		UploadedBy: owner,
		Query:      strings.TrimSpace(query.Query),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return nil, contextOr(err, appErrors.ErrInternal, "failed to list evidence")
	}
	if items == nil {
		items = []models.Evidence{}
	}
	return items, nil
}

// Get returns one evidence record owned by the caller.
func (s *EvidenceService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Evidence, error) {
	owner := actor.OwnerID()
	if owner == "" {
		return nil, appErrors.ErrUnauthorized
	}

	var cached models.Evidence
	if hit, _ := s.cacheGet(ctx, id, &cached); hit {
		if !cached.OwnedBy(owner) {
			return nil, appErrors.ErrForbidden
		}
		return &cached, nil
	}

	record, err := s.loadOwned(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, record)
	return record, nil
}

// Update changes the name, metadata or tags of a record owned by the caller.
func (s *EvidenceService) Update(ctx context.Context, id string, req dto.UpdateEvidenceRequest, actor *models.JWTClaims) (*models.Evidence, error) {
	owner := actor.OwnerID()
	if owner == "" {
		return nil, appErrors.ErrUnauthorized
	}
	record, err := s.loadOwned(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	patch, err := buildPatch(req)
	if err != nil {
		return nil, err
	}
	if patch.Empty() {
		return record, nil
	}

	updated, err := s.repo.Update(ctx, id, patch, s.now())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "evidence not found")
		}
		return nil, contextOr(err, appErrors.ErrInternal, "failed to update evidence")
	}
	s.cacheInvalidate(ctx, id)
	return updated, nil
}

// Delete removes the stored content and then the record. A failure to remove
// the content is logged and does not stop the record from being deleted.
func (s *EvidenceService) Delete(ctx context.Context, id string, actor *models.JWTClaims) error {
	owner := actor.OwnerID()
	if owner == "" {
		return appErrors.ErrUnauthorized
	}
	record, err := s.loadOwned(ctx, id, owner)
	if err != nil {
		return err
	}

	start := time.Now()
	blobErr := s.blobs.Delete(ctx, record.BlobID)
	s.metrics.ObserveBlobOperation(s.cfg.BlobBackend, "delete", blobErr, time.Since(start))
	if blobErr != nil {
		s.logger.Warn("failed to delete evidence blob",
			zap.String("evidence_id", record.ID),
			zap.String("blob_id", record.BlobID),
			zap.Error(blobErr),
		)
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "evidence not found")
		}
		return contextOr(err, appErrors.ErrInternal, "failed to delete evidence")
	}
	s.cacheInvalidate(ctx, id)
	s.logger.Info("evidence deleted", zap.String("evidence_id", id), zap.String("user_id", owner))
	return nil
}

// Download opens the stored content of a record owned by the caller. The
// caller must close the returned stream.
func (s *EvidenceService) Download(ctx context.Context, id string, actor *models.JWTClaims) (*dto.EvidenceDownload, error) {
	owner := actor.OwnerID()
	if owner == "" {
		return nil, appErrors.ErrUnauthorized
	}
	record, err := s.loadOwned(ctx, id, owner)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	info, err := s.blobs.Stat(ctx, record.BlobID)
	if err == nil {
		var content io.ReadCloser
		content, err = s.blobs.Open(ctx, record.BlobID)
		s.metrics.ObserveBlobOperation(s.cfg.BlobBackend, "open", err, time.Since(start))
		if err == nil {
			mimeType := record.MimeType
			if mimeType == "" {
				mimeType = defaultMimeType
			}
			return &dto.EvidenceDownload{
				Record:   record,
				Content:  content,
				Size:     info.Size,
				MimeType: mimeType,
				Filename: record.OriginalName,
			}, nil
		}
	}
	if errors.Is(err, blobstore.ErrNotFound) || errors.Is(err, blobstore.ErrInvalidID) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "evidence file not found")
	}
	return nil, contextOr(err, appErrors.ErrStorage, "failed to open evidence file")
}

// manifestColumns lists the fields written to exported manifests.
var manifestColumns = []export.Column{
	{Key: "id", Label: "Evidence ID", Width: 2.2},
	{Key: "name", Label: "File", Width: 2.4},
	{Key: "mime", Label: "Type", Width: 1.4},
	{Key: "size", Label: "Bytes", Width: 0.9},
	{Key: "hash", Label: "SHA-256", Width: 4.2},
	{Key: "tags", Label: "Tags", Width: 1.4},
	{Key: "uploaded", Label: "Uploaded (UTC)", Width: 1.7},
}

// Export renders a manifest of the records List would return for the same
// filter, across all pages.
func (s *EvidenceService) Export(ctx context.Context, query dto.EvidenceExportQuery, actor *models.JWTClaims) (*dto.ExportResult, error) {
	owner := actor.OwnerID()
	if owner == "" {
		return nil, appErrors.ErrUnauthorized
	}
	format := strings.ToLower(strings.TrimSpace(query.Format))
	renderer, err := export.ForFormat(format)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}

	records := make([]models.Evidence, 0)
	for offset := 0; ; offset += s.cfg.MaxListLimit {
		page, err := s.List(ctx, dto.EvidenceListQuery{CaseID: query.CaseID, Query: query.Query, Limit: s.cfg.MaxListLimit, Offset: offset}, actor)
		if err != nil {
			return nil, err
		}
		records = append(records, page...)
		if len(page) < s.cfg.MaxListLimit {
			break
		}
	}

	caseID := strings.TrimSpace(query.CaseID)
	title := "Evidence manifest"
	if caseID != "" {
		title = "Evidence manifest for case " + caseID
	}
	data := export.Dataset{Title: title, Columns: manifestColumns, Rows: make([]map[string]string, 0, len(records))}
	for _, record := range records {
		data.Rows = append(data.Rows, map[string]string{
			"id":       record.ID,
			"name":     record.OriginalName,
			"mime":     record.MimeType,
			"size":     strconv.FormatInt(record.Size, 10),
			"hash":     record.Hash,
			"tags":     strings.Join(record.Tags, ", "),
			"uploaded": record.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	body, err := renderer.Render(data)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render manifest")
	}

	base := "evidence-manifest"
	if caseID != "" {
		base += "-" + sanitizeFilenamePart(caseID)
	}
	return &dto.ExportResult{
		Filename:    base + renderer.Extension(),
		ContentType: renderer.ContentType(),
		Body:        body,
	}, nil
}

func (s *EvidenceService) loadOwned(ctx context.Context, id, owner string) (*models.Evidence, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "evidence not found")
	}
	record, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "evidence not found")
		}
		return nil, contextOr(err, appErrors.ErrInternal, "failed to load evidence")
	}
	if !record.OwnedBy(owner) {
		return nil, appErrors.ErrForbidden
	}
	return record, nil
}

// removeBlob deletes a blob whose record could not be written. It runs on a
// context detached from the request so a fired deadline does not strand it.
func (s *EvidenceService) removeBlob(ctx context.Context, blobID, reason string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	start := time.Now()
	err := s.blobs.Delete(cleanupCtx, blobID)
	s.metrics.ObserveBlobOperation(s.cfg.BlobBackend, "delete", err, time.Since(start))
	if err != nil {
		s.metrics.RecordOrphanBlob()
		s.logger.Warn("orphan evidence blob", zap.String("blob_id", blobID), zap.String("reason", reason), zap.Error(err))
		return
	}
	s.logger.Warn("removed evidence blob after failed upload", zap.String("blob_id", blobID), zap.String("reason", reason))
}

func (s *EvidenceService) cacheGet(ctx context.Context, id string, dest *models.Evidence) (bool, error) {
	if s.cache == nil {
		return false, nil
	}
	return s.cache.Get(ctx, EvidenceKey(id), dest)
}

func (s *EvidenceService) cacheSet(ctx context.Context, record *models.Evidence) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Set(ctx, EvidenceKey(record.ID), record, 0)
}

func (s *EvidenceService) cacheInvalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Invalidate(ctx, EvidenceKey(id))
}

func buildPatch(req dto.UpdateEvidenceRequest) (models.EvidencePatch, error) {
	var patch models.EvidencePatch

	name := req.OriginalName
	if name == nil {
		name = req.Name
	}
	if name != nil {
		if trimmed := strings.TrimSpace(*name); trimmed != "" {
			if len(trimmed) > maxFilenameLength {
				return patch, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("originalName exceeds %d characters", maxFilenameLength))
			}
			patch.OriginalName = &trimmed
		}
	}

	rawMeta := req.Metadata
	if isAbsent(rawMeta) {
		rawMeta = req.Meta
	}
	if !isAbsent(rawMeta) {
		meta, err := metadataFromBody(rawMeta)
		if err != nil {
			return patch, err
		}
		patch.Metadata = meta
	}

	if !isAbsent(req.Tags) {
		tags, err := tagsFromBody(req.Tags)
		if err != nil {
			return patch, err
		}
		patch.Tags = tags
	}
	return patch, nil
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}

// metadataFromBody applies the tolerant metadata policy for updates: an
// object replaces the metadata, a string is parsed as JSON text (falling back
// to an empty object), anything else leaves the metadata unchanged.
func metadataFromBody(raw json.RawMessage) (*models.Metadata, error) {
	var value models.JSONValue
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid metadata")
	}
	switch value.Kind {
	case models.JSONObject:
		meta := models.Metadata(value.Object)
		if meta == nil {
			meta = models.Metadata{}
		}
		return &meta, nil
	case models.JSONString:
		meta, err := models.ParseMetadata([]byte(value.String))
		if errors.Is(err, models.ErrMetadataNotObject) {
			return nil, nil
		}
		if err != nil {
			meta = models.Metadata{}
		}
		return &meta, nil
	default:
		return nil, nil
	}
}

func tagsFromBody(raw json.RawMessage) (*models.Tags, error) {
	var value models.JSONValue
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid tags")
	}
	var tags models.Tags
	switch value.Kind {
	case models.JSONArray:
		values := make([]string, 0, len(value.Array))
		for _, item := range value.Array {
			values = append(values, jsonText(item))
		}
		tags = models.NormalizeTags(values)
	case models.JSONString:
		tags = models.SplitTags(value.String)
	default:
		return nil, nil
	}
	if err := tags.Validate(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	return &tags, nil
}

// parseTagField reads the tags form field of an upload: a JSON array when it
// looks like one, otherwise a comma separated list.
func parseTagField(raw string) (models.Tags, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return models.Tags{}, nil
	}
	var tags models.Tags
	if strings.HasPrefix(raw, "[") {
		parsed, err := tagsFromBody(json.RawMessage(raw))
		if err != nil {
			return nil, err
		}
		if parsed != nil {
			tags = *parsed
		}
	} else {
		tags = models.SplitTags(raw)
	}
	if err := tags.Validate(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	if tags == nil {
		tags = models.Tags{}
	}
	return tags, nil
}

func jsonText(v models.JSONValue) string {
	switch v.Kind {
	case models.JSONString:
		return v.String
	case models.JSONNumber:
		return v.Number.String()
	case models.JSONBool:
		return strconv.FormatBool(v.Bool)
	default:
		out, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(out)
	}
}

// tolerantMetadata parses the upload metadata field; text that is not a JSON
// object yields an empty object.
func tolerantMetadata(raw string) models.Metadata {
	meta, err := models.ParseMetadata([]byte(raw))
	if err != nil {
		return models.Metadata{}
	}
	return meta
}

func resolveMimeType(given, filename string) string {
	if mt := strings.TrimSpace(given); mt != "" {
		return mt
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
		return byExt
	}
	return defaultMimeType
}

// cleanFilename keeps the final path element of a client supplied name.
func cleanFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return defaultFilename
	}
	base := path.Base(name)
	if base == "." || base == "/" || base == ".." {
		return defaultFilename
	}
	return base
}

func sanitizeFilenamePart(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func isMaxBytesError(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// contextOr maps deadline expiry to ErrTimeout and wraps anything else as base.
func contextOr(err error, base *appErrors.Error, message string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return appErrors.WrapAs(appErrors.ErrTimeout, err, "")
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return appErrors.WrapAs(base, err, message)
}

// limitedReader passes through at most remaining bytes and fails with
// errUploadTooLarge when the source holds more.
type limitedReader struct {
	r         io.Reader
	remaining int64
	probe     [1]byte
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		n, err := l.r.Read(l.probe[:])
		if n > 0 {
			return 0, errUploadTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}
