package handler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/evidence-api/internal/middleware"
	"github.com/noah-isme/evidence-api/internal/models"
	"github.com/noah-isme/evidence-api/internal/service"
	"github.com/noah-isme/evidence-api/pkg/blobstore"
)

type memoryEvidenceRepo struct {
	mu      sync.Mutex
	records map[string]models.Evidence
}

func newMemoryEvidenceRepo() *memoryEvidenceRepo {
	return &memoryEvidenceRepo{records: map[string]models.Evidence{}}
}

func (r *memoryEvidenceRepo) Create(ctx context.Context, item *models.Evidence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.UpdatedAt = item.CreatedAt
	r.records[item.ID] = *item
	return nil
}

func (r *memoryEvidenceRepo) GetByID(ctx context.Context, id string) (*models.Evidence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &record, nil
}

func (r *memoryEvidenceRepo) List(ctx context.Context, filter models.EvidenceFilter) ([]models.Evidence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]models.Evidence, 0)
	for _, record := range r.records {
		if filter.CaseID != "" && record.CaseID != filter.CaseID {
			continue
		}
		if filter.CaseID == "" && record.UploadedBy != filter.UploadedBy {
			continue
		}
		if filter.Query != "" && !strings.Contains(strings.ToLower(record.OriginalName), strings.ToLower(filter.Query)) {
			continue
		}
		items = append(items, record)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if filter.Offset >= len(items) {
		return []models.Evidence{}, nil
	}
	items = items[filter.Offset:]
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

func (r *memoryEvidenceRepo) Update(ctx context.Context, id string, patch models.EvidencePatch, updatedAt time.Time) (*models.Evidence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	if patch.OriginalName != nil {
		record.OriginalName = *patch.OriginalName
	}
	if patch.Metadata != nil {
		record.Metadata = *patch.Metadata
	}
	if patch.Tags != nil {
		record.Tags = *patch.Tags
	}
	record.UpdatedAt = updatedAt
	r.records[id] = record
	return &record, nil
}

func (r *memoryEvidenceRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return sql.ErrNoRows
	}
	delete(r.records, id)
	return nil
}

type pingStub struct{ err error }

func (p pingStub) Ping(ctx context.Context) error { return p.err }

type evidenceAPI struct {
	router *gin.Engine
	tokens *service.TokenService
}

func newEvidenceAPI(t *testing.T, checks map[string]Pinger) *evidenceAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	blobs, err := blobstore.NewFSStore(t.TempDir(), 8)
	require.NoError(t, err)
	metrics := service.NewMetricsService()
	evidence := service.NewEvidenceService(newMemoryEvidenceRepo(), blobs, nil, metrics, nil, zap.NewNop(), service.EvidenceServiceConfig{
		MaxUploadBytes: 1 << 10,
		BlobBackend:    "fs",
	})
	tokens := service.NewTokenService(service.TokenConfig{Secret: "integration-secret", Expiry: time.Hour})

	router := gin.New()
	router.Use(middleware.Metrics(metrics, "/metrics"))
	Register(router, "/api/", Routes{
		Evidence:    NewEvidenceHandler(evidence, zap.NewNop()),
		System:      NewSystemHandler(metrics, checks, zap.NewNop()),
		Auth:        middleware.JWT(tokens),
		MetricsPath: "/metrics",
	})
	return &evidenceAPI{router: router, tokens: tokens}
}

func (a *evidenceAPI) do(t *testing.T, user string, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if user != "" {
		token, _, err := a.tokens.Issue(user, user+"@example.com")
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return performRequest(a.router, req)
}

func performRequest(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeRecord(t *testing.T, w *httptest.ResponseRecorder) models.Evidence {
	t.Helper()
	var record models.Evidence
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
	return record
}

func TestEvidenceRoutesLifecycle(t *testing.T) {
	api := newEvidenceAPI(t, nil)
	content := []byte("twenty-eight bytes of proof!")
	sum := sha256.Sum256(content)

	body, contentType := multipartBody(t, map[string]string{
		"caseId":   "C1",
		"metadata": `{"camera":"front","frames":240}`,
		"tags":     `["night","entrance"]`,
	}, "test.txt", "text/plain", content)
	req := httptest.NewRequest(http.MethodPost, "/api/evidence", body)
	req.Header.Set("Content-Type", contentType)
	w := api.do(t, "U1", req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	created := decodeRecord(t, w)
	assert.Equal(t, "C1", created.CaseID)
	assert.Equal(t, int64(28), created.Size)
	assert.Equal(t, "text/plain", created.MimeType)
	assert.Equal(t, hex.EncodeToString(sum[:]), created.Hash)
	assert.Equal(t, "U1", created.UploadedBy)
	assert.Equal(t, models.Tags{"night", "entrance"}, created.Tags)

	t.Run("download returns stored bytes", func(t *testing.T) {
		w := api.do(t, "U1", httptest.NewRequest(http.MethodGet, "/api/evidence/"+created.ID+"/download", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, content, w.Body.Bytes())
		assert.Equal(t, `attachment; filename="test.txt"`, w.Header().Get("Content-Disposition"))
		downloaded := sha256.Sum256(w.Body.Bytes())
		assert.Equal(t, created.Hash, hex.EncodeToString(downloaded[:]))
	})

	t.Run("other users are forbidden", func(t *testing.T) {
		for _, req := range []*http.Request{
			httptest.NewRequest(http.MethodGet, "/api/evidence/"+created.ID, nil),
			httptest.NewRequest(http.MethodGet, "/api/evidence/"+created.ID+"/download", nil),
			httptest.NewRequest(http.MethodPut, "/api/evidence/"+created.ID, strings.NewReader(`{"originalName":"x"}`)),
			httptest.NewRequest(http.MethodDelete, "/api/evidence/"+created.ID, nil),
		} {
			w := api.do(t, "U2", req)
			assert.Equal(t, http.StatusForbidden, w.Code, req.Method+" "+req.URL.Path)
		}
	})

	t.Run("update tolerates malformed metadata", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, "/api/evidence/"+created.ID, strings.NewReader(`{"originalName":"renamed.txt","metadata":"{invalid json","tags":"a, b ,a"}`))
		req.Header.Set("Content-Type", "application/json")
		w := api.do(t, "U1", req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		updated := decodeRecord(t, w)
		assert.Equal(t, "renamed.txt", updated.OriginalName)
		assert.Empty(t, updated.Metadata)
		assert.Equal(t, models.Tags{"a", "b"}, updated.Tags)
		assert.Equal(t, created.Hash, updated.Hash)
		assert.Equal(t, created.BlobID, updated.BlobID)
	})

	t.Run("list by case and owner", func(t *testing.T) {
		w := api.do(t, "U2", httptest.NewRequest(http.MethodGet, "/api/evidence?caseId=C1", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var byCase []models.Evidence
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &byCase))
		require.Len(t, byCase, 1)

		w = api.do(t, "U2", httptest.NewRequest(http.MethodGet, "/api/evidence", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))

		w = api.do(t, "U1", httptest.NewRequest(http.MethodGet, "/api/evidence?q=RENAMED", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), created.ID)
	})

	t.Run("export lists hashes", func(t *testing.T) {
		w := api.do(t, "U1", httptest.NewRequest(http.MethodGet, "/api/evidence/export?caseId=C1", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
		assert.Contains(t, w.Body.String(), created.Hash)

		w = api.do(t, "U1", httptest.NewRequest(http.MethodGet, "/api/evidence/export?format=xlsx", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("delete removes record and content", func(t *testing.T) {
		w := api.do(t, "U1", httptest.NewRequest(http.MethodDelete, "/api/evidence/"+created.ID, nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"message":"Deleted","id":"`+created.ID+`"}`, w.Body.String())

		w = api.do(t, "U1", httptest.NewRequest(http.MethodGet, "/api/evidence/"+created.ID, nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
		w = api.do(t, "U1", httptest.NewRequest(http.MethodDelete, "/api/evidence/"+created.ID, nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestEvidenceRoutesRawUpload(t *testing.T) {
	api := newEvidenceAPI(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/evidence?caseId=C7", bytes.NewReader([]byte(`{"reading":1}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Filename", "sensor%20log.json")
	w := api.do(t, "U1", req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	record := decodeRecord(t, w)
	assert.Equal(t, "sensor log.json", record.OriginalName)
	assert.Equal(t, "application/json", record.MimeType)
	assert.Equal(t, int64(13), record.Size)
}

func TestEvidenceRoutesRejectOversizedUpload(t *testing.T) {
	api := newEvidenceAPI(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/evidence?caseId=C1&filename=big.bin", bytes.NewReader(bytes.Repeat([]byte{1}, 1025)))
	req.Header.Set("Content-Type", "application/octet-stream")
	w := api.do(t, "U1", req)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = api.do(t, "U1", httptest.NewRequest(http.MethodGet, "/api/evidence", nil))
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestEvidenceRoutesRequireToken(t *testing.T) {
	api := newEvidenceAPI(t, nil)

	w := api.do(t, "", httptest.NewRequest(http.MethodGet, "/api/evidence", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/evidence", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = performRequest(api.router, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSystemRoutes(t *testing.T) {
	api := newEvidenceAPI(t, map[string]Pinger{"database": pingStub{}, "cache": nil})

	w := performRequest(api.router, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = performRequest(api.router, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ready","checks":{"database":"ok"}}`, w.Body.String())

	performRequest(api.router, httptest.NewRequest(http.MethodGet, "/api/evidence", nil))
	w = performRequest(api.router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
	assert.NotContains(t, w.Body.String(), `path="/metrics"`)
}

func TestReadyReportsUnavailableDependency(t *testing.T) {
	api := newEvidenceAPI(t, map[string]Pinger{"database": pingStub{err: errors.New("connection refused")}})

	w := performRequest(api.router, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"not_ready","checks":{"database":"unavailable"}}`, w.Body.String())
}
