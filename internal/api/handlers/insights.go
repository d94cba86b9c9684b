package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dvloznov/smeinsight/internal/api/middleware"
	"github.com/dvloznov/smeinsight/internal/insights"
	"github.com/rs/zerolog"
)

// InsightsHandler answers questions about the caller's data.
type InsightsHandler struct {
	svc *insights.Service
	log zerolog.Logger
}

// NewInsightsHandler creates the handler. A nil service answers 503.
func NewInsightsHandler(svc *insights.Service, log zerolog.Logger) *InsightsHandler {
	return &InsightsHandler{svc: svc, log: log}
}

// Ask handles POST /insights
func (h *InsightsHandler) Ask(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	if h.svc == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Insights are not configured")
		return
	}

	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	answer, err := h.svc.Answer(r.Context(), principal, req.Question)
	if err != nil {
		switch {
		case errors.Is(err, insights.ErrEmptyQuestion):
			middleware.WriteError(w, http.StatusBadRequest, "Question is required")
		case errors.Is(err, insights.ErrQuestionTooLong):
			middleware.WriteError(w, http.StatusBadRequest, "Question is too long")
		case errors.Is(err, insights.ErrGenerationFailed):
			middleware.WriteError(w, http.StatusBadGateway, "Could not generate an answer, please retry")
		default:
			h.log.Error().Err(err).Msg("Failed to answer question")
			middleware.WriteError(w, http.StatusInternalServerError, "Failed to answer question")
		}
		return
	}

	middleware.WriteJSON(w, http.StatusOK, answer)
}
