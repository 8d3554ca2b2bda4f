package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/profilesvc/internal/domain"
	"github.com/rpattn/profilesvc/internal/profile"
	"github.com/rpattn/profilesvc/internal/repository/memory"
)

func seededService(t *testing.T) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	coordinator := profile.NewCoordinator(store, profile.WithLogger(logger))
	ctx := context.Background()
	actor := profile.Actor{ID: "auditor", RequestID: "r-1"}

	_, err := coordinator.Create(ctx, actor, "u1", map[string]any{"name": "A"})
	require.NoError(t, err)
	_, err = coordinator.Update(ctx, actor, "u1", map[string]any{"email": "a@example.com"})
	require.NoError(t, err)
	_, err = coordinator.Restore(ctx, actor, "u1", 1)
	require.NoError(t, err)

	return NewService(profile.NewProjector(store), logger)
}

func TestWriteHistoryCSV(t *testing.T) {
	service := seededService(t)

	var buf bytes.Buffer
	count, err := service.WriteHistory(context.Background(), "u1", FormatCSV, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, []string{"version", "operation", "actor", "request_id", "created_at", "restored_from_version", "email", "name"}, records[0])
	assert.Equal(t, []string{"1", "CREATE", "auditor", "r-1"}, records[1][:4])
	assert.Equal(t, "", records[1][6], "email absent at version 1")
	assert.Equal(t, "a@example.com", records[2][6])
	assert.Equal(t, "RESTORE", records[3][1])
	assert.Equal(t, "1", records[3][5])
	assert.Equal(t, "A", records[3][7])
}

func TestWriteHistoryXLSX(t *testing.T) {
	service := seededService(t)

	var buf bytes.Buffer
	_, err := service.WriteHistory(context.Background(), "u1", FormatXLSX, &buf)
	require.NoError(t, err)

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(sheetName)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "version", rows[0][0])
	assert.Equal(t, "UPDATE", rows[2][1])
}

func TestWriteHistoryUnknownUser(t *testing.T) {
	service := seededService(t)

	_, err := service.WriteHistory(context.Background(), "ghost", FormatCSV, io.Discard)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, format)

	format, err = ParseFormat("XLSX")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, format)

	_, err = ParseFormat("pdf")
	assert.ErrorIs(t, err, domain.ErrInvalid)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "profile-user-42-history.csv", FileName("User 42", FormatCSV))
	assert.Equal(t, "profile-profile-history.xlsx", FileName("", FormatXLSX))
}

func TestHTTPExport(t *testing.T) {
	mux := http.NewServeMux()
	NewHTTPHandler(seededService(t)).Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/profiles/u1/history/export?format=csv", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "profile-u1-history.csv")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/profiles/ghost/history/export", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/profiles/u1/history/export?format=pdf", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
