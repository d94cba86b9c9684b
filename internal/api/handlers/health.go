package handlers

import (
	"net/http"

	"github.com/dvloznov/smeinsight/internal/api/middleware"
)

// Health handles GET /health
func Health(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
