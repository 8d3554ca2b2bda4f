package ingestion

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rpattn/profilesvc/internal/domain"
	"github.com/rpattn/profilesvc/internal/profile"
)

// Handler exposes ingestion as an HTTP endpoint.
type Handler struct {
	service  *Service
	maxBytes int64
}

// NewHTTPHandler wraps the service with a POST endpoint. Uploads larger than
// maxBytes are rejected.
func NewHTTPHandler(service *Service, maxBytes int64) *Handler {
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	return &Handler{service: service, maxBytes: maxBytes}
}

// Register mounts the import route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /imports", h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		profile.WriteError(w, domain.Invalidf("invalid form data: %v", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		profile.WriteError(w, domain.Invalidf("file required: %v", err))
		return
	}
	defer file.Close()

	req := Request{
		Actor:    profile.ActorFromContext(r.Context()),
		FileName: header.Filename,
		Data:     file,
	}
	if raw := strings.TrimSpace(r.FormValue("headerRow")); raw != "" {
		index, err := strconv.Atoi(raw)
		if err != nil || index < 1 {
			profile.WriteError(w, domain.Invalidf("headerRow must be a positive integer"))
			return
		}
		zeroBased := index - 1
		req.HeaderRowIndex = &zeroBased
	}

	summary, err := h.service.Ingest(r.Context(), req)
	if err != nil {
		profile.WriteError(w, fmt.Errorf("import failed: %w", err))
		return
	}

	profile.WriteJSON(w, http.StatusOK, summary)
}
