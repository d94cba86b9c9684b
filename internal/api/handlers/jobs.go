package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/dvloznov/smeinsight/internal/api/middleware"
	"github.com/dvloznov/smeinsight/internal/jobs"
	"github.com/dvloznov/smeinsight/internal/tenant"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// maxJobsPage caps the limit parameter of GET /api/jobs.
const maxJobsPage = 100

// JobsHandler handles job-related endpoints. Callers only see their own
// tenant's jobs.
type JobsHandler struct {
	store jobs.JobStore
	log   zerolog.Logger
}

func NewJobsHandler(store jobs.JobStore, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		store: store,
		log:   log,
	}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	jobID := mux.Vars(r)["id"]

	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		if !errors.Is(err, jobs.ErrJobNotFound) {
			h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		}
		middleware.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	// Another tenant's job is reported as missing.
	if job.TenantID != tenant.DeriveID(principal).String() {
		middleware.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	query := r.URL.Query()
	filter := jobs.JobFilter{
		TenantID: tenant.DeriveID(principal).String(),
		Status:   jobs.JobStatus(query.Get("status")),
		Limit:    maxJobsPage,
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 && limit < maxJobsPage {
			filter.Limit = limit
		}
	}
	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset > 0 {
			filter.Offset = offset
		}
	}

	jobsList, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}
