package handlers

import (
	"errors"
	"net/http"

	"github.com/dvloznov/smeinsight/internal/api/middleware"
	"github.com/dvloznov/smeinsight/internal/domain"
	"github.com/dvloznov/smeinsight/internal/ingest"
)

// uploadErrorBody is the response for a rejected file.
type uploadErrorBody struct {
	Error   string                   `json:"error"`
	Kind    ingest.Kind              `json:"kind"`
	Hint    string                   `json:"hint,omitempty"`
	Missing []string                 `json:"missing,omitempty"`
	Found   []string                 `json:"found,omitempty"`
	Errors  []domain.ValidationError `json:"errors,omitempty"`
}

func isUploadError(err error) bool {
	var uerr *ingest.UploadError
	return errors.As(err, &uerr)
}

// writeUploadError maps a file rejection to a status code. Only the closed
// set of kinds and their remediation text reach the client.
func writeUploadError(w http.ResponseWriter, err error) {
	var uerr *ingest.UploadError
	if !errors.As(err, &uerr) {
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to process upload")
		return
	}

	status := http.StatusUnprocessableEntity
	switch uerr.Kind {
	case ingest.KindWrongFileType:
		status = http.StatusUnsupportedMediaType
	case ingest.KindFileTooLarge:
		status = http.StatusRequestEntityTooLarge
	}

	message := uerr.Message
	if message == "" {
		message = string(uerr.Kind)
	}

	middleware.WriteJSON(w, status, uploadErrorBody{
		Error:   message,
		Kind:    uerr.Kind,
		Hint:    uerr.Hint,
		Missing: uerr.Missing,
		Found:   uerr.Found,
		Errors:  uerr.Errors,
	})
}
