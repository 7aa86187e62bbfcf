package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"rockfall/internal/core"
	"rockfall/internal/zones"
)

// ZoneHandler exposes the zone registry.
type ZoneHandler struct {
	registry *zones.Registry
}

// NewZoneHandler creates a ZoneHandler.
func NewZoneHandler(registry *zones.Registry) *ZoneHandler {
	return &ZoneHandler{registry: registry}
}

// RegisterRoutes mounts GET /zones and GET /zones/{id}.
func (h *ZoneHandler) RegisterRoutes(r chi.Router) {
	r.Get("/zones", h.HandleList)
	r.Get("/zones/{id}", h.HandleGet)
}

// HandleList lists zones in display order.
func (h *ZoneHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	core.List(w, r, h.registry.All())
}

// HandleGet returns one zone or 404.
func (h *ZoneHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	z, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.OK(w, r, z)
}
