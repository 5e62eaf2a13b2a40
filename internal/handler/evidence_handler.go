package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/evidence-api/internal/dto"
	"github.com/noah-isme/evidence-api/internal/models"
	appErrors "github.com/noah-isme/evidence-api/pkg/errors"
	"github.com/noah-isme/evidence-api/pkg/middleware/requestid"
	"github.com/noah-isme/evidence-api/pkg/response"
)

// multipartOverhead is the body allowance above the content limit for form
// fields and part headers.
const multipartOverhead = 1 << 20

const multipartMemory = 8 << 20

type evidenceService interface {
	Upload(ctx context.Context, req dto.UploadEvidenceRequest, actor *models.JWTClaims) (*models.Evidence, error)
	List(ctx context.Context, query dto.EvidenceListQuery, actor *models.JWTClaims) ([]models.Evidence, error)
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Evidence, error)
	Update(ctx context.Context, id string, req dto.UpdateEvidenceRequest, actor *models.JWTClaims) (*models.Evidence, error)
	Delete(ctx context.Context, id string, actor *models.JWTClaims) error
	Download(ctx context.Context, id string, actor *models.JWTClaims) (*dto.EvidenceDownload, error)
	Export(ctx context.Context, query dto.EvidenceExportQuery, actor *models.JWTClaims) (*dto.ExportResult, error)
	MaxUploadBytes() int64
}

// EvidenceHandler manages evidence HTTP endpoints.
type EvidenceHandler struct {
	service evidenceService
	logger  *zap.Logger
}

// NewEvidenceHandler constructs the handler.
func NewEvidenceHandler(service evidenceService, logger *zap.Logger) *EvidenceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EvidenceHandler{service: service, logger: logger}
}

// Upload godoc
// @Summary Upload evidence
// @Description Accepts multipart/form-data with a file part, or a raw body with caseId in the query or X-Case-ID header.
// @Tags Evidence
// @Accept multipart/form-data
// @Accept octet-stream
// @Produce json
// @Param file formData file true "Evidence file"
// @Param caseId formData string true "Case ID"
// @Param metadata formData string false "Metadata JSON object"
// @Param tags formData string false "Tags as JSON array or comma separated list"
// @Success 201 {object} models.Evidence
// @Failure 400 {object} response.ErrorEnvelope
// @Failure 413 {object} response.ErrorEnvelope
// @Security BearerAuth
// @Router /evidence [post]
func (h *EvidenceHandler) Upload(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "evidence service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.service.MaxUploadBytes()+multipartOverhead)

	var (
		req dto.UploadEvidenceRequest
		err error
	)
	if c.ContentType() == gin.MIMEMultipartPOSTForm {
		var closeFn func()
		req, closeFn, err = h.multipartUpload(c)
		if closeFn != nil {
			defer closeFn()
		}
	} else {
		req, err = rawUpload(c)
	}
	if err != nil {
		response.Error(c, err)
		return
	}

	record, err := h.service.Upload(c.Request.Context(), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, record)
}

func (h *EvidenceHandler) multipartUpload(c *gin.Context) (dto.UploadEvidenceRequest, func(), error) {
	var req dto.UploadEvidenceRequest
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		if isBodyTooLarge(err) {
			return req, nil, h.tooLarge()
		}
		return req, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid multipart body")
	}
	cleanup := func() {
		if c.Request.MultipartForm != nil {
			_ = c.Request.MultipartForm.RemoveAll()
		}
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return req, cleanup, appErrors.Clone(appErrors.ErrValidation, "file is required")
	}
	src, err := fileHeader.Open()
	if err != nil {
		return req, cleanup, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file")
	}

	req = dto.UploadEvidenceRequest{
		CaseID:   c.PostForm("caseId"),
		Filename: fileHeader.Filename,
		MimeType: fileHeader.Header.Get("Content-Type"),
		Metadata: c.PostForm("metadata"),
		Tags:     strings.Join(c.PostFormArray("tags"), ","),
		Source:   src,
	}
	return req, func() {
		_ = src.Close()
		cleanup()
	}, nil
}

func rawUpload(c *gin.Context) (dto.UploadEvidenceRequest, error) {
	var req dto.UploadEvidenceRequest
	if c.Request.Body == nil || c.Request.Body == http.NoBody || c.Request.ContentLength == 0 {
		return req, appErrors.Clone(appErrors.ErrValidation, "file is required")
	}
	caseID := c.Query("caseId")
	if caseID == "" {
		caseID = c.GetHeader("X-Case-ID")
	}
	return dto.UploadEvidenceRequest{
		CaseID:   caseID,
		Filename: rawFilename(c),
		MimeType: c.GetHeader("Content-Type"),
		Metadata: c.Query("metadata"),
		Tags:     strings.Join(c.QueryArray("tags"), ","),
		Source:   c.Request.Body,
	}, nil
}

func rawFilename(c *gin.Context) string {
	if name := c.Query("filename"); name != "" {
		return name
	}
	if name := c.GetHeader("X-Filename"); name != "" {
		if decoded, err := url.PathUnescape(name); err == nil {
			return decoded
		}
		return name
	}
	if disposition := c.GetHeader("Content-Disposition"); disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			return params["filename"]
		}
	}
	return ""
}

// List godoc
// @Summary List evidence
// @Description Lists evidence in a case, or the caller's own uploads when caseId is omitted. Newest first.
// @Tags Evidence
// @Produce json
// @Param caseId query string false "Case ID"
// @Param q query string false "Case-insensitive substring of the file name"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {array} models.Evidence
// @Security BearerAuth
// @Router /evidence [get]
func (h *EvidenceHandler) List(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "evidence service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var query dto.EvidenceListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid list parameters"))
		return
	}
	items, err := h.service.List(c.Request.Context(), query, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, items)
}

// Get godoc
// @Summary Get evidence metadata
// @Tags Evidence
// @Produce json
// @Param id path string true "Evidence ID"
// @Success 200 {object} models.Evidence
// @Failure 403 {object} response.ErrorEnvelope
// @Failure 404 {object} response.ErrorEnvelope
// @Security BearerAuth
// @Router /evidence/{id} [get]
func (h *EvidenceHandler) Get(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "evidence service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	record, err := h.service.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, record)
}

// Update godoc
// @Summary Update evidence metadata
// @Description Changes originalName, metadata and tags. The stored file is never modified.
// @Tags Evidence
// @Accept json
// @Produce json
// @Param id path string true "Evidence ID"
// @Param payload body dto.UpdateEvidenceRequest true "Fields to change"
// @Success 200 {object} models.Evidence
// @Failure 400 {object} response.ErrorEnvelope
// @Failure 403 {object} response.ErrorEnvelope
// @Failure 404 {object} response.ErrorEnvelope
// @Security BearerAuth
// @Router /evidence/{id} [put]
func (h *EvidenceHandler) Update(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "evidence service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.UpdateEvidenceRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid update payload"))
			return
		}
	}
	record, err := h.service.Update(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, record)
}

// Delete godoc
// @Summary Delete evidence
// @Description Removes the stored file and its metadata.
// @Tags Evidence
// @Produce json
// @Param id path string true "Evidence ID"
// @Success 200 {object} dto.DeleteEvidenceResponse
// @Failure 403 {object} response.ErrorEnvelope
// @Failure 404 {object} response.ErrorEnvelope
// @Security BearerAuth
// @Router /evidence/{id} [delete]
func (h *EvidenceHandler) Delete(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "evidence service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	id := c.Param("id")
	if err := h.service.Delete(c.Request.Context(), id, claims); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.DeleteEvidenceResponse{Message: "Deleted", ID: id})
}

// Download godoc
// @Summary Download evidence content
// @Tags Evidence
// @Produce octet-stream
// @Param id path string true "Evidence ID"
// @Success 200 {file} binary
// @Failure 403 {object} response.ErrorEnvelope
// @Failure 404 {object} response.ErrorEnvelope
// @Security BearerAuth
// @Router /evidence/{id}/download [get]
func (h *EvidenceHandler) Download(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "evidence service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	result, err := h.service.Download(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer result.Content.Close() //nolint:errcheck

	header := c.Writer.Header()
	header.Set("Content-Type", result.MimeType)
	header.Set("Content-Disposition", attachmentDisposition(result.Filename))
	header.Set("Content-Length", strconv.FormatInt(result.Size, 10))
	header.Set("Cache-Control", "no-store")
	if result.Record != nil {
		header.Set("X-Content-SHA256", result.Record.Hash)
	}

	written, err := io.Copy(c.Writer, result.Content)
	if err == nil {
		return
	}
	h.logger.Error("evidence download interrupted",
		zap.String("evidence_id", c.Param("id")),
		zap.Int64("bytes_written", written),
		zap.String("request_id", requestid.Value(c)),
		zap.Error(err),
	)
	if !c.Writer.Written() {
		for _, key := range []string{"Content-Type", "Content-Disposition", "Content-Length", "X-Content-SHA256"} {
			header.Del(key)
		}
		response.Error(c, appErrors.WrapAs(appErrors.ErrStorage, err, "download error"))
		return
	}
	// The declared Content-Length is now unmet, so the server closes the
	// connection and the client sees a truncated transfer.
	_ = c.Error(err)
	c.Abort()
}

// Export godoc
// @Summary Export an evidence manifest
// @Description Renders the records List would return for the same filter as CSV or PDF.
// @Tags Evidence
// @Produce text/csv
// @Produce application/pdf
// @Param caseId query string false "Case ID"
// @Param q query string false "Case-insensitive substring of the file name"
// @Param format query string false "csv (default) or pdf"
// @Success 200 {file} binary
// @Failure 400 {object} response.ErrorEnvelope
// @Security BearerAuth
// @Router /evidence/export [get]
func (h *EvidenceHandler) Export(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "evidence service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var query dto.EvidenceExportQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid export parameters"))
		return
	}
	result, err := h.service.Export(c.Request.Context(), query, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", attachmentDisposition(result.Filename))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, result.ContentType, result.Body)
}

func (h *EvidenceHandler) tooLarge() error {
	return appErrors.Clone(appErrors.ErrPayloadTooLarge, fmt.Sprintf("file exceeds %d bytes limit", h.service.MaxUploadBytes()))
}

// attachmentDisposition percent-encodes name the way browsers expect for
// the quoted filename parameter.
func attachmentDisposition(name string) string {
	encoded := strings.ReplaceAll(url.QueryEscape(name), "+", "%20")
	return fmt.Sprintf("attachment; filename=\"%s\"", encoded)
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}
