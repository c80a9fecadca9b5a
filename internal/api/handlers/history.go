package handlers

import (
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/ytgrab/internal/models"
)

// HistoryService lists and clears finished jobs
type HistoryService interface {
	History(limit int) ([]*models.HistoryEntry, error)
	ClearHistory() error
}

// HistoryHandler handles history requests
type HistoryHandler struct {
	history HistoryService
	logger  *logrus.Logger
}

// NewHistoryHandler creates a new history handler
func NewHistoryHandler(history HistoryService, logger *logrus.Logger) *HistoryHandler {
	return &HistoryHandler{
		history: history,
		logger:  logger,
	}
}

// List handles GET /api/history?limit=...
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, "Invalid limit parameter")
			return
		}
		limit = n
	}

	entries, err := h.history.History(limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if entries == nil {
		entries = []*models.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Clear handles DELETE /api/history
func (h *HistoryHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.history.ClearHistory(); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
