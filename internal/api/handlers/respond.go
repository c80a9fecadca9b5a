package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/ytgrab/internal/controllers"
	"github.com/amaumene/ytgrab/internal/models"
)

// ErrorResponse is the body of every failed API call
type ErrorResponse struct {
	Error string           `json:"error"`
	Kind  models.ErrorKind `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps pipeline error kinds to HTTP status codes
func writeError(w http.ResponseWriter, logger *logrus.Logger, err error) {
	kind := models.KindOf(err)
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, controllers.ErrInvalidRequest), kind == models.ErrInvalidURL:
		status = http.StatusBadRequest
	case kind == models.ErrNotFound, kind == models.ErrJobNotFound:
		status = http.StatusNotFound
	case kind == models.ErrUnavailable:
		status = http.StatusUnprocessableEntity
	case kind == models.ErrDuplicateDestination:
		status = http.StatusConflict
	case kind == models.ErrNetworkError, kind == models.ErrParseError:
		status = http.StatusBadGateway
	case kind == models.ErrQueueFull, kind == models.ErrEngineMissing, kind == models.ErrBackendMissing:
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		logger.WithError(err).Error("Request failed")
	}

	msg := err.Error()
	if kind != "" {
		msg = models.Cause(err)
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: kind})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg})
}
