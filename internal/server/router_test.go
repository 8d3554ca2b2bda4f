package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/profilesvc/internal/auth"
	"github.com/rpattn/profilesvc/internal/domain"
	"github.com/rpattn/profilesvc/internal/ingestion"
	"github.com/rpattn/profilesvc/internal/repository"
	"github.com/rpattn/profilesvc/internal/repository/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRouter(t *testing.T, store repository.Store) (http.Handler, *auth.Authenticator) {
	t.Helper()
	authenticator, err := auth.NewAuthenticator(auth.Config{Secret: "test-secret"}, quietLogger())
	require.NoError(t, err)
	return NewRouter(Deps{
		Store:         store,
		Authenticator: authenticator,
		Logger:        quietLogger(),
		CORSOrigins:   []string{"http://localhost:3000"},
	}), authenticator
}

func TestHealthzAndMetricsAreOpen(t *testing.T) {
	router, _ := newRouter(t, memory.New())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProfileRoutesRequireToken(t *testing.T) {
	router, authenticator := newRouter(t, memory.New())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/profiles/u1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := authenticator.IssueToken("alice")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/profiles", strings.NewReader(`{"userId":"u1","fields":{"name":"A"}}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/profiles/u1/history", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"actor": "alice"`)
}

type downStore struct {
	repository.Store
}

func (downStore) Ping(context.Context) error {
	return domain.StorageUnavailable(errors.New("dial tcp: connection refused"), "database unreachable")
}

func TestHealthzReportsStorageOutage(t *testing.T) {
	router, _ := newRouter(t, downStore{Store: memory.New()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouterAppliesIngestionOptions(t *testing.T) {
	applied := 0
	NewRouter(Deps{
		Store:        memory.New(),
		Logger:       quietLogger(),
		IngestionOpt: []ingestion.Option{func(*ingestion.Service) { applied++ }},
	})
	assert.Equal(t, 1, applied)
}
