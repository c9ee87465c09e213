package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/yakuin/internal/agentspec"
	"github.com/ashita-ai/yakuin/internal/auth"
	"github.com/ashita-ai/yakuin/internal/ctxutil"
	"github.com/ashita-ai/yakuin/internal/engine"
	"github.com/ashita-ai/yakuin/internal/model"
	"github.com/ashita-ai/yakuin/internal/retrieval"
	"github.com/ashita-ai/yakuin/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ctxutil.RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	// Oversized IDs are replaced.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	handler.ServeHTTP(rec, req)
	assert.Len(t, seen, 36)
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(okHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestAuthMiddleware(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	var role model.AgentRole
	handler := authMiddleware(jwtMgr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role = ctxutil.RoleFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"public path", "/health", "", http.StatusOK},
		{"missing header", "/v1/agents", "", http.StatusUnauthorized},
		{"wrong scheme", "/v1/agents", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "/v1/agents", "Bearer abc", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	token, _, err := jwtMgr.IssueToken("operator", model.RoleOperator)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/agents", nil)
	req.Header.Set("Authorization", "bearer "+token)
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.RoleOperator, role)
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		role model.AgentRole
		min  model.AgentRole
		want int
	}{
		{model.RoleAdmin, model.RoleOperator, http.StatusOK},
		{model.RoleOperator, model.RoleOperator, http.StatusOK},
		{model.RoleReader, model.RoleOperator, http.StatusForbidden},
		{model.RoleOperator, model.RoleAdmin, http.StatusForbidden},
		{"", model.RoleReader, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s>=%s", tt.role, tt.min), func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.role != "" {
				claims := &auth.Claims{Role: tt.role}
				req = req.WithContext(ctxutil.WithClaims(req.Context(), claims))
			}
			rec := httptest.NewRecorder()
			requireRole(tt.min)(okHandler()).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(quietLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var env model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, model.ErrCodeInternalError, env.Error.Code)
}

func TestCallerKeyFunc(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Empty(t, callerKeyFunc(req))

	admin := &auth.Claims{Role: model.RoleAdmin}
	admin.Subject = "admin"
	assert.Empty(t, callerKeyFunc(req.WithContext(ctxutil.WithClaims(req.Context(), admin))))

	reader := &auth.Claims{Role: model.RoleReader}
	reader.Subject = "reader"
	assert.Equal(t, "sub:reader:ip:10.0.0.1", callerKeyFunc(req.WithContext(ctxutil.WithClaims(req.Context(), reader))))
}

func TestDecodeJSON(t *testing.T) {
	var target model.RunAgentRequest

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"prompt": "hi"}`))
	require.NoError(t, decodeJSON(rec, req, &target, 1024))
	assert.Equal(t, "hi", target.Prompt)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/", strings.NewReader(`{"prompt": "hi", "extra": 1}`))
	err := decodeJSON(rec, req, &target, 1024)
	require.Error(t, err)
	handleDecodeError(rec, req, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/", strings.NewReader(`{"prompt": "`+strings.Repeat("a", 100)+`"}`))
	err = decodeJSON(rec, req, &target, 16)
	require.ErrorIs(t, err, errBodyTooLarge)
	handleDecodeError(rec, req, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestWriteListJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	writeListJSON(rec, httptest.NewRequest("GET", "/", nil), []int{1, 2}, 5, 2, 0)

	var env model.ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotNil(t, env.Total)
	assert.Equal(t, 5, *env.Total)
	assert.True(t, env.HasMore)
}

func TestWriteDomainError(t *testing.T) {
	h := &Handlers{logger: quietLogger()}

	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"validation", &agentspec.ValidationError{Problems: []agentspec.Problem{{Field: "name", Message: "required"}}}, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"not found", fmt.Errorf("storage: agent x: %w", storage.ErrNotFound), http.StatusNotFound, model.ErrCodeNotFound},
		{"conflict", fmt.Errorf("storage: agent x: %w", storage.ErrConflict), http.StatusConflict, model.ErrCodeConflict},
		{"busy", fmt.Errorf("engine: %w", engine.ErrAgentBusy), http.StatusConflict, model.ErrCodeConflict},
		{"inactive", fmt.Errorf("engine: %w", engine.ErrAgentInactive), http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"retrieval input", fmt.Errorf("%w: namespace is required", retrieval.ErrInvalidInput), http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"other", errors.New("connection reset"), http.StatusInternalServerError, model.ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeDomainError(rec, httptest.NewRequest("GET", "/", nil), "failed", tt.err)
			assert.Equal(t, tt.want, rec.Code)

			var env model.APIError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestQueryLimitAndOffset(t *testing.T) {
	req := httptest.NewRequest("GET", "/?limit=5000&offset=-3", nil)
	assert.Equal(t, maxQueryLimit, queryLimit(req, 50))
	assert.Equal(t, 0, queryOffset(req))

	req = httptest.NewRequest("GET", "/?limit=abc", nil)
	assert.Equal(t, 50, queryLimit(req, 50))
}

func TestHandleOpenAPISpec(t *testing.T) {
	h := NewHandlers(HandlersDeps{OpenAPISpec: []byte("openapi: 3.1.0\n")})
	rec := httptest.NewRecorder()
	h.HandleOpenAPISpec(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Equal(t, "openapi: 3.1.0\n", rec.Body.String())

	empty := NewHandlers(HandlersDeps{})
	rec = httptest.NewRecorder()
	empty.HandleOpenAPISpec(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
