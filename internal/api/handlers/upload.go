package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dvloznov/smeinsight/internal/api/middleware"
	"github.com/dvloznov/smeinsight/internal/archive"
	"github.com/dvloznov/smeinsight/internal/domain"
	"github.com/dvloznov/smeinsight/internal/ingest"
	"github.com/dvloznov/smeinsight/internal/jobs"
	"github.com/dvloznov/smeinsight/internal/pipeline"
	"github.com/dvloznov/smeinsight/internal/tenant"
	"github.com/rs/zerolog"
)

// maxSubmitBody bounds the JSON body of POST /upload.
const maxSubmitBody = 32 << 20

// multipartOverhead is allowed on top of the file limit for form framing.
const multipartOverhead = 1 << 20

// UploadService is what the upload endpoints need from the pipeline.
type UploadService interface {
	Submit(ctx context.Context, principal string, sub pipeline.Submission) (*pipeline.Result, error)
	Validate(fileName string, content []byte) (*domain.UploadResult, error)
	Check(fileName string, content []byte) (*domain.UploadResult, error)
	IngestFile(ctx context.Context, principal, fileName string, content []byte, sourceType string) (*pipeline.IngestResult, error)
	DataSources(ctx context.Context, principal string) ([]domain.DataSourceRecord, error)
}

// UploadHandler handles upload endpoints.
type UploadHandler struct {
	svc         UploadService
	archiver    archive.Archiver
	publisher   jobs.Publisher
	maxFileSize int64
	log         zerolog.Logger
}

// NewUploadHandler creates an upload handler. archiver and publisher may be
// nil, which disables async uploads.
func NewUploadHandler(svc UploadService, archiver archive.Archiver, publisher jobs.Publisher, maxFileSize int64, log zerolog.Logger) *UploadHandler {
	if maxFileSize <= 0 {
		maxFileSize = ingest.DefaultMaxFileSize
	}
	return &UploadHandler{
		svc:         svc,
		archiver:    archiver,
		publisher:   publisher,
		maxFileSize: maxFileSize,
		log:         log,
	}
}

// FieldDetail points at one invalid part of a request body.
type FieldDetail struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

type submitRequest struct {
	Data           []map[string]any `json:"data"`
	FileName       string           `json:"fileName"`
	DataSourceType string           `json:"dataSourceType"`
}

// Submit handles POST /upload. Rows are validated again server-side; the
// client's validation is never trusted.
func (h *UploadHandler) Submit(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody))
	dec.UseNumber()

	var req submitRequest
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	records, details := validateSubmission(req)
	if len(details) > 0 {
		middleware.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Invalid upload data",
			"details": details,
		})
		return
	}

	result, err := h.svc.Submit(r.Context(), principal, pipeline.Submission{
		Records:        records,
		FileName:       strings.TrimSpace(req.FileName),
		DataSourceType: req.DataSourceType,
	})
	if err != nil {
		h.writeSubmitError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, result)
}

func validateSubmission(req submitRequest) ([]domain.TransactionRecord, []FieldDetail) {
	var details []FieldDetail

	if strings.TrimSpace(req.FileName) == "" {
		details = append(details, FieldDetail{Path: "fileName", Message: "is required"})
	}
	if len(req.Data) == 0 {
		details = append(details, FieldDetail{Path: "data", Message: "must contain at least one record"})
	}

	records := make([]domain.TransactionRecord, 0, len(req.Data))
	for i, row := range req.Data {
		if row == nil {
			details = append(details, FieldDetail{Path: fmt.Sprintf("data[%d]", i), Message: "must be an object"})
			continue
		}
		rec, fieldErrs := ingest.ValidateRow(domain.RawRow(row))
		for _, fe := range fieldErrs {
			details = append(details, FieldDetail{
				Path:    fmt.Sprintf("data[%d].%s", i, fe.Field),
				Message: fe.Reason,
			})
		}
		if len(fieldErrs) == 0 {
			records = append(records, rec)
		}
	}
	return records, details
}

func (h *UploadHandler) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Error().
		Err(err).
		Str("request_id", middleware.RequestIDFromContext(r.Context())).
		Msg("Upload submission failed")

	switch {
	case errors.Is(err, tenant.ErrTenantProvisioningFailed):
		middleware.WriteError(w, http.StatusServiceUnavailable, "Service temporarily unavailable, please retry")
	case errors.Is(err, context.Canceled):
		middleware.WriteError(w, http.StatusServiceUnavailable, "Request cancelled")
	default:
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to process upload")
	}
}

// List handles GET /upload.
func (h *UploadHandler) List(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	sources, err := h.svc.DataSources(r.Context(), principal)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list data sources")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list data sources")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"dataSources": sources,
		"count":       len(sources),
	})
}

// UploadFile handles POST /upload/file with a multipart "file" field.
//
// By default the file is only validated. commit=true ingests it before
// responding; async=true archives it and enqueues an ingest job.
func (h *UploadHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	query := r.URL.Query()
	commit, _ := strconv.ParseBool(query.Get("commit"))
	async, _ := strconv.ParseBool(query.Get("async"))
	sourceType := query.Get("dataSourceType")

	if async && (h.archiver == nil || h.publisher == nil) {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Async uploads are not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+multipartOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeUploadError(w, ingest.ErrFileTooLarge)
			return
		}
		middleware.WriteError(w, http.StatusBadRequest, `Multipart field "file" is required`)
		return
	}
	defer file.Close()

	if err := ingest.CheckFileName(header.Filename); err != nil {
		writeUploadError(w, err)
		return
	}

	content, err := io.ReadAll(io.LimitReader(file, h.maxFileSize+1))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Could not read uploaded file")
		return
	}

	switch {
	case async:
		h.enqueue(w, r, principal, header.Filename, content, sourceType)
	case commit:
		res, err := h.svc.IngestFile(r.Context(), principal, header.Filename, content, sourceType)
		if err != nil {
			if isUploadError(err) {
				writeUploadError(w, err)
				return
			}
			h.writeSubmitError(w, r, err)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, res)
	default:
		res, err := h.svc.Validate(header.Filename, content)
		if err != nil {
			writeUploadError(w, err)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, res)
	}
}

// enqueue validates synchronously so that bad files are rejected before
// anything is archived.
func (h *UploadHandler) enqueue(w http.ResponseWriter, r *http.Request, principal, fileName string, content []byte, sourceType string) {
	ctx := r.Context()

	upload, err := h.svc.Check(fileName, content)
	if err != nil {
		writeUploadError(w, err)
		return
	}

	tenantID := tenant.DeriveID(principal)
	uri, err := h.archiver.Archive(ctx, tenantID, fileName, content)
	if err != nil {
		h.log.Error().Err(err).Str("tenant_id", tenantID.String()).Msg("Failed to archive upload")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to store upload")
		return
	}

	job := &jobs.IngestFileJob{
		TenantID:       tenantID.String(),
		Principal:      principal,
		ArchiveURI:     uri,
		FileName:       fileName,
		DataSourceType: sourceType,
	}
	if err := h.publisher.PublishIngestFile(ctx, job); err != nil {
		h.log.Error().Err(err).Str("uri", uri).Msg("Failed to enqueue ingest job")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue upload")
		return
	}

	h.log.Info().
		Str("job_id", job.JobID).
		Str("tenant_id", job.TenantID).
		Str("uri", uri).
		Msg("Ingest job enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]any{
		"jobId":  job.JobID,
		"status": job.Status,
		"upload": upload,
	})
}
