package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/amaumene/ytgrab/internal/models"
)

const eventWriteTimeout = 5 * time.Second

// EventSource delivers job status events
type EventSource interface {
	Subscribe(fn func(models.StatusEvent)) (cancel func())
}

// EventsHandler streams status events over a WebSocket
type EventsHandler struct {
	source EventSource
	logger *logrus.Logger
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(source EventSource, logger *logrus.Logger) *EventsHandler {
	return &EventsHandler{
		source: source,
		logger: logger,
	}
}

// ServeHTTP handles GET /api/events[?job=<id>]. The client only receives;
// anything it sends is discarded.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket handshake failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "event stream stopped")

	ctx := conn.CloseRead(r.Context())

	events := make(chan models.StatusEvent, 16)
	cancel := h.source.Subscribe(func(ev models.StatusEvent) {
		if jobID != "" && ev.JobID != jobID {
			return
		}
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	})
	defer cancel()

	h.logger.WithField("remote_addr", r.RemoteAddr).Debug("Event stream opened")

	for {
		select {
		case ev := <-events:
			if err := writeEvent(ctx, conn, ev); err != nil {
				h.logger.WithError(err).Debug("Event stream closed")
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev models.StatusEvent) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
