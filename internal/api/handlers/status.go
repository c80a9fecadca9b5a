package handlers

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/ytgrab/internal/controllers"
	"github.com/amaumene/ytgrab/internal/models"
	"github.com/amaumene/ytgrab/internal/utils"
)

// StatusSource reports the job pipeline state
type StatusSource interface {
	Stats() controllers.Stats
	List() []models.JobStatus
}

// StatusHandler handles status requests
type StatusHandler struct {
	source  StatusSource
	started time.Time
	logger  *logrus.Logger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(source StatusSource, logger *logrus.Logger) *StatusHandler {
	return &StatusHandler{
		source:  source,
		started: time.Now(),
		logger:  logger,
	}
}

// StatusResponse represents the status response
type StatusResponse struct {
	controllers.Stats
	SpeedLimitLabel string                  `json:"speed_limit_label"`
	JobsByState     map[models.JobState]int `json:"jobs_by_state"`
	Uptime          string                  `json:"uptime"`
}

// ServeHTTP handles the status endpoint
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.source.Stats()
	response := StatusResponse{
		Stats:           stats,
		SpeedLimitLabel: utils.FormatSpeed(stats.SpeedLimit),
		JobsByState:     make(map[models.JobState]int),
		Uptime:          time.Since(h.started).Round(time.Second).String(),
	}

	for _, job := range h.source.List() {
		response.JobsByState[job.State]++
	}

	writeJSON(w, http.StatusOK, response)
}
