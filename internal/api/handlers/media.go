package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/ytgrab/internal/controllers"
	"github.com/amaumene/ytgrab/internal/models"
)

// MediaService inspects URLs and searches the media site
type MediaService interface {
	Inspect(ctx context.Context, url string) (*controllers.Inspection, error)
	Search(ctx context.Context, query string, limit int) ([]models.SearchResult, error)
	Refresh(url string)
}

// MediaHandler handles resolve and search requests
type MediaHandler struct {
	media  MediaService
	logger *logrus.Logger
}

// NewMediaHandler creates a new media handler
func NewMediaHandler(media MediaService, logger *logrus.Logger) *MediaHandler {
	return &MediaHandler{
		media:  media,
		logger: logger,
	}
}

// Resolve handles GET /api/resolve?url=...[&refresh=true]
func (h *MediaHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		badRequest(w, "Missing url parameter")
		return
	}
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		h.media.Refresh(url)
	}

	inspection, err := h.media.Inspect(r.Context(), url)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inspection)
}

// Search handles GET /api/search?q=...&limit=...
func (h *MediaHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, "Invalid limit parameter")
			return
		}
		limit = n
	}

	results, err := h.media.Search(r.Context(), query, limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}
