package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// EventStreamHandler mounts the live prediction event stream at
// /events/ws. The stream handler is normally an *events.Hub.
type EventStreamHandler struct {
	stream http.Handler
}

// NewEventStreamHandler creates an EventStreamHandler.
func NewEventStreamHandler(stream http.Handler) *EventStreamHandler {
	return &EventStreamHandler{stream: stream}
}

// RegisterRoutes mounts GET /events/ws.
func (h *EventStreamHandler) RegisterRoutes(r chi.Router) {
	r.Method(http.MethodGet, "/events/ws", h.stream)
}
