// Package api assembles the HTTP surface of the service.
package api

import (
	"net/http"

	"github.com/dvloznov/smeinsight/internal/api/handlers"
	"github.com/dvloznov/smeinsight/internal/api/middleware"
	"github.com/dvloznov/smeinsight/internal/archive"
	"github.com/dvloznov/smeinsight/internal/insights"
	"github.com/dvloznov/smeinsight/internal/jobs"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Deps are the collaborators the router wires into handlers. Archiver,
// Publisher, JobStore and Insights are optional.
type Deps struct {
	Uploads       handlers.UploadService
	Archiver      archive.Archiver
	Publisher     jobs.Publisher
	JobStore      jobs.JobStore
	Insights      *insights.Service
	Authenticator middleware.Authenticator
	MaxFileSize   int64
	CORSOrigin    string
	Log           zerolog.Logger
}

// Unauthenticated paths.
var publicPaths = []string{"/health", "/metrics"}

// NewHandler returns the full middleware chain around the router.
func NewHandler(d Deps) http.Handler {
	uploads := handlers.NewUploadHandler(d.Uploads, d.Archiver, d.Publisher, d.MaxFileSize, d.Log)
	insightsHandler := handlers.NewInsightsHandler(d.Insights, d.Log)

	r := mux.NewRouter()
	r.HandleFunc("/health", handlers.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/upload", uploads.Submit).Methods(http.MethodPost)
	r.HandleFunc("/upload", uploads.List).Methods(http.MethodGet)
	r.HandleFunc("/upload/file", uploads.UploadFile).Methods(http.MethodPost)
	r.HandleFunc("/insights", insightsHandler.Ask).Methods(http.MethodPost)

	if d.JobStore != nil {
		jobsHandler := handlers.NewJobsHandler(d.JobStore, d.Log)
		r.HandleFunc("/api/jobs", jobsHandler.ListJobs).Methods(http.MethodGet)
		r.HandleFunc("/api/jobs/{id}", jobsHandler.GetJob).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	origin := d.CORSOrigin
	if origin == "" {
		origin = "*"
	}

	var h http.Handler = r
	h = middleware.Auth(d.Authenticator, publicPaths...)(h)
	h = middleware.CORS(origin)(h)
	h = middleware.Logger(d.Log)(h)
	h = middleware.RequestID(h)
	h = middleware.Recovery(d.Log)(h)
	return h
}
