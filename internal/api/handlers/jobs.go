package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/ytgrab/internal/models"
	"github.com/amaumene/ytgrab/internal/utils"
)

// JobService is the part of the job controller the API drives
type JobService interface {
	Enqueue(ctx context.Context, req models.JobRequest) (models.JobStatus, error)
	Cancel(id string) (bool, error)
	Get(id string) (models.JobStatus, error)
	List() []models.JobStatus
	SetSpeedLimit(limit int64)
	SetJobSpeedLimit(id string, limit int64) error
	SpeedLimit() int64
}

// JobsHandler handles job requests
type JobsHandler struct {
	jobs   JobService
	logger *logrus.Logger
}

// NewJobsHandler creates a new jobs handler
func NewJobsHandler(jobs JobService, logger *logrus.Logger) *JobsHandler {
	return &JobsHandler{
		jobs:   jobs,
		logger: logger,
	}
}

// List handles GET /api/jobs
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.jobs.List())
}

// Create handles POST /api/jobs
func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WithError(err).Debug("Failed to decode job request")
		badRequest(w, "Invalid payload")
		return
	}

	status, err := h.jobs.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	w.Header().Set("Location", "/api/jobs/"+status.ID)
	writeJSON(w, http.StatusAccepted, status)
}

// Get handles GET /api/jobs/{id}
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	status, err := h.jobs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Cancel handles DELETE /api/jobs/{id}
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.jobs.Cancel(r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// SpeedLimitRequest changes the default limit, or a single job's limit when
// JobID is set. Limit takes a preset name or a rate such as "2MiB/s".
type SpeedLimitRequest struct {
	Limit string `json:"limit"`
	JobID string `json:"job_id,omitempty"`
}

// SpeedLimitResponse reports the limit now in effect
type SpeedLimitResponse struct {
	SpeedLimit int64  `json:"speed_limit"`
	Label      string `json:"label"`
	JobID      string `json:"job_id,omitempty"`
}

// SetSpeedLimit handles PUT /api/speed-limit
func (h *JobsHandler) SetSpeedLimit(w http.ResponseWriter, r *http.Request) {
	var req SpeedLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid payload")
		return
	}

	limit, err := utils.ParseSpeedLimit(req.Limit)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	if req.JobID != "" {
		if err := h.jobs.SetJobSpeedLimit(req.JobID, limit); err != nil {
			writeError(w, h.logger, err)
			return
		}
	} else {
		h.jobs.SetSpeedLimit(limit)
	}

	writeJSON(w, http.StatusOK, SpeedLimitResponse{
		SpeedLimit: limit,
		Label:      utils.FormatSpeed(limit),
		JobID:      req.JobID,
	})
}
