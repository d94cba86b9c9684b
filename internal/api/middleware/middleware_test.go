package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	WriteJSON(w, http.StatusOK, map[string]string{"principal": principal})
})

func TestAuth(t *testing.T) {
	tests := []struct {
		name       string
		auth       Authenticator
		path       string
		headers    map[string]string
		wantStatus int
		wantUser   string
	}{
		{
			name:       "header present",
			auth:       HeaderAuthenticator{Header: "X-Principal-ID"},
			path:       "/upload",
			headers:    map[string]string{"X-Principal-ID": " user_1 "},
			wantStatus: http.StatusOK,
			wantUser:   "user_1",
		},
		{
			name:       "header missing",
			auth:       HeaderAuthenticator{Header: "X-Principal-ID"},
			path:       "/upload",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "exempt path",
			auth:       HeaderAuthenticator{Header: "X-Principal-ID"},
			path:       "/health",
			wantStatus: http.StatusOK,
		},
		{
			name:       "valid token",
			auth:       TokenAuthenticator{Tokens: map[string]string{"s3cret": "user_2"}},
			path:       "/upload",
			headers:    map[string]string{"Authorization": "Bearer s3cret"},
			wantStatus: http.StatusOK,
			wantUser:   "user_2",
		},
		{
			name:       "unknown token",
			auth:       TokenAuthenticator{Tokens: map[string]string{"s3cret": "user_2"}},
			path:       "/upload",
			headers:    map[string]string{"Authorization": "Bearer nope"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "not a bearer token",
			auth:       TokenAuthenticator{Tokens: map[string]string{"s3cret": "user_2"}},
			path:       "/upload",
			headers:    map[string]string{"Authorization": "Basic s3cret"},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()

			Auth(tt.auth, "/health")(okHandler).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				var body map[string]string
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, tt.wantUser, body["principal"])
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", seen)
}

func TestRecovery(t *testing.T) {
	buf := &bytes.Buffer{}
	h := Recovery(zerolog.New(buf))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
	assert.Contains(t, buf.String(), "Panic recovered")
}

func TestCORS_Preflight(t *testing.T) {
	called := false
	h := CORS("https://app.example.com")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/upload", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.False(t, called)
}

func TestLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	h := Logger(zerolog.New(buf))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/upload", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
	assert.Equal(t, "/upload", entry["path"])
}
