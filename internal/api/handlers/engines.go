package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const engineProbeTimeout = 10 * time.Second

// Engine is an external program the pipeline depends on
type Engine struct {
	Name    string
	Path    string
	Version func(ctx context.Context) (string, error)
}

// EngineStatus reports whether an engine can be run
type EngineStatus struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CheckEngines runs every engine's version probe
func CheckEngines(ctx context.Context, engines []Engine) []EngineStatus {
	statuses := make([]EngineStatus, 0, len(engines))
	for _, e := range engines {
		st := EngineStatus{Name: e.Name, Path: e.Path}

		probeCtx, cancel := context.WithTimeout(ctx, engineProbeTimeout)
		version, err := e.Version(probeCtx)
		cancel()

		if err != nil {
			st.Error = err.Error()
		} else {
			st.Available = true
			st.Version = version
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// EnginesHandler reports the extraction and transcoding engines
type EnginesHandler struct {
	engines []Engine
	logger  *logrus.Logger
}

// NewEnginesHandler creates a new engines handler
func NewEnginesHandler(engines []Engine, logger *logrus.Logger) *EnginesHandler {
	return &EnginesHandler{
		engines: engines,
		logger:  logger,
	}
}

// ServeHTTP handles GET /api/engines
func (h *EnginesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	statuses := CheckEngines(r.Context(), h.engines)
	for _, st := range statuses {
		if !st.Available {
			h.logger.WithFields(logrus.Fields{
				"engine": st.Name,
				"path":   st.Path,
			}).Warn("Engine unavailable")
		}
	}
	writeJSON(w, http.StatusOK, statuses)
}
