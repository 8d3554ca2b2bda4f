package export

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rpattn/profilesvc/internal/profile"
)

type Handler struct {
	service *Service
}

func NewHTTPHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the history export route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /profiles/{id}/history/export", h.handleExport)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	format, err := ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		profile.WriteError(w, err)
		return
	}

	// Render fully before writing headers so failures still produce a JSON error.
	var buf bytes.Buffer
	if _, err := h.service.WriteHistory(r.Context(), userID, format, &buf); err != nil {
		profile.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", FileName(userID, format)))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
