package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rpattn/profilesvc/internal/auth"
	"github.com/rpattn/profilesvc/internal/domain"
	"github.com/rpattn/profilesvc/internal/middleware"
	"github.com/rpattn/profilesvc/internal/profileloader"
)

// Mutator is the write side used by the HTTP layer.
type Mutator interface {
	Create(ctx context.Context, actor Actor, userID string, fields map[string]any) (domain.Snapshot, error)
	Update(ctx context.Context, actor Actor, userID string, patch map[string]any) (domain.Snapshot, error)
	Delete(ctx context.Context, actor Actor, userID string) (domain.Snapshot, error)
	Restore(ctx context.Context, actor Actor, userID string, target int64) (domain.Snapshot, error)
}

// Reader is the read side used by the HTTP layer.
type Reader interface {
	Current(ctx context.Context, userID string) (domain.UserProfile, error)
	CurrentMany(ctx context.Context, userIDs []string) (map[string]domain.UserProfile, error)
	StateAt(ctx context.Context, userID string, version int64) (domain.Snapshot, error)
	Versions(ctx context.Context, userID string) ([]domain.Snapshot, error)
	History(ctx context.Context, userID string) ([]domain.AuditEntry, error)
	Diff(ctx context.Context, userID string, from, to int64) (domain.SnapshotDiff, error)
}

const (
	maxBatchIDs     = 100
	maxPayloadBytes = 1 << 20
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Handler struct {
	mutator Mutator
	reader  Reader
	logger  *slog.Logger
}

func NewHTTPHandler(mutator Mutator, reader Reader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{mutator: mutator, reader: reader, logger: logger}
}

// Register mounts the profile routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /profiles", h.handleCreate)
	mux.HandleFunc("GET /profiles", h.handleBatchCurrent)
	mux.HandleFunc("GET /profiles/{id}", h.handleCurrent)
	mux.HandleFunc("PATCH /profiles/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /profiles/{id}", h.handleDelete)
	mux.HandleFunc("GET /profiles/{id}/versions", h.handleVersions)
	mux.HandleFunc("GET /profiles/{id}/versions/{version}", h.handleStateAt)
	mux.HandleFunc("POST /profiles/{id}/versions/{version}/restore", h.handleRestore)
	mux.HandleFunc("GET /profiles/{id}/history", h.handleHistory)
	mux.HandleFunc("GET /profiles/{id}/diff", h.handleDiff)
}

type createPayload struct {
	UserID string         `json:"userId" validate:"required,max=255"`
	Fields map[string]any `json:"fields"`
}

type updatePayload struct {
	Fields map[string]any `json:"fields" validate:"required"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload createPayload
	if !decodePayload(w, r, &payload) {
		return
	}
	snapshot, err := h.mutator.Create(r.Context(), ActorFromContext(r.Context()), strings.TrimSpace(payload.UserID), payload.Fields)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, domain.ProfileFromSnapshot(snapshot))
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if loader := middleware.ProfileLoaderFromContext(r.Context()); loader != nil {
		profile, ok, err := profileloader.Load(r.Context(), loader, userID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if !ok {
			h.writeError(w, r, domain.NotFoundf("user %s has no current profile", userID))
			return
		}
		WriteJSON(w, http.StatusOK, profile)
		return
	}
	profile, err := h.reader.Current(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, profile)
}

func (h *Handler) handleBatchCurrent(w http.ResponseWriter, r *http.Request) {
	ids := splitIDs(r.URL.Query()["ids"])
	if len(ids) == 0 {
		h.writeError(w, r, domain.Invalidf("ids query parameter is required"))
		return
	}
	if len(ids) > maxBatchIDs {
		h.writeError(w, r, domain.Invalidf("at most %d ids may be requested at once", maxBatchIDs))
		return
	}

	var (
		profiles map[string]domain.UserProfile
		err      error
	)
	if loader := middleware.ProfileLoaderFromContext(r.Context()); loader != nil {
		profiles, err = profileloader.LoadMany(r.Context(), loader, ids)
	} else {
		profiles, err = h.reader.CurrentMany(r.Context(), ids)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, profiles)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload updatePayload
	if !decodePayload(w, r, &payload) {
		return
	}
	snapshot, err := h.mutator.Update(r.Context(), ActorFromContext(r.Context()), r.PathValue("id"), payload.Fields)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, domain.ProfileFromSnapshot(snapshot))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.mutator.Delete(r.Context(), ActorFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.reader.Versions(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, versions)
}

func (h *Handler) handleStateAt(w http.ResponseWriter, r *http.Request) {
	version, err := parseVersion(r.PathValue("version"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	snapshot, err := h.reader.StateAt(r.Context(), r.PathValue("id"), version)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	version, err := parseVersion(r.PathValue("version"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	snapshot, err := h.mutator.Restore(r.Context(), ActorFromContext(r.Context()), r.PathValue("id"), version)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.reader.History(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleDiff(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	from, err := parseVersion(query.Get("from"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	to, err := parseVersion(query.Get("to"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	diff, err := h.reader.Diff(r.Context(), r.PathValue("id"), from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if strings.EqualFold(query.Get("format"), "json") {
		WriteJSON(w, http.StatusOK, diff)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(diff.Unified()))
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := WriteError(w, err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err),
		)
	}
}

// ActorFromContext builds the audit actor from the authenticated request context.
func ActorFromContext(ctx context.Context) Actor {
	id, ok := auth.ActorFromContext(ctx)
	if !ok {
		id = auth.AnonymousActor
	}
	return Actor{ID: id, RequestID: auth.RequestIDFromContext(ctx)}
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	Retryable bool   `json:"retryable,omitempty"`
}

// StatusFor maps an engine error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidTarget):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	}
	return http.StatusInternalServerError
}

// WriteError renders err as the JSON error envelope and returns the status used.
func WriteError(w http.ResponseWriter, err error) int {
	status := StatusFor(err)
	code := string(domain.KindOf(err))
	message := err.Error()
	if code == "" {
		code = "INTERNAL"
		if status == http.StatusInternalServerError {
			message = "internal error"
		}
	}
	if errors.Is(err, domain.ErrConflict) {
		code = string(domain.KindConflict)
	}
	WriteJSON(w, status, map[string]errorBody{
		"error": {
			Code:      code,
			Message:   message,
			Status:    status,
			Retryable: domain.IsRetryable(err),
		},
	})
	return status
}

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func decodePayload(w http.ResponseWriter, r *http.Request, payload any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	dec.UseNumber()
	if err := dec.Decode(payload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, domain.Invalidf("payload exceeds %d bytes", tooLarge.Limit))
			return false
		}
		WriteError(w, domain.Invalidf("invalid payload: %v", err))
		return false
	}
	if err := validate.Struct(payload); err != nil {
		WriteError(w, domain.Invalidf("invalid payload: %s", describeValidation(err)))
		return false
	}
	return true
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func parseVersion(raw string) (int64, error) {
	version, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || version < 1 {
		return 0, domain.Invalidf("version must be a positive integer, got %q", raw)
	}
	return version, nil
}

func splitIDs(values []string) []string {
	seen := map[string]struct{}{}
	ids := make([]string, 0, len(values))
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			id := strings.TrimSpace(part)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
