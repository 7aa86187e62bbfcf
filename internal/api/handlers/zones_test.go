package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"

	"rockfall/internal/core"
	"rockfall/internal/zones"
)

func makeZoneRouter() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", NewZoneHandler(zones.Default()).RegisterRoutes)
	return r
}

func TestZoneHandler_List(t *testing.T) {
	rec := do(t, makeZoneRouter(), http.MethodGet, "/api/zones", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Count int          `json:"count"`
		Data  []zones.Zone `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 5 || resp.Data[0].ID != "A" || resp.Data[4].DisplayName != "Zone E - Southern Peak" {
		t.Errorf("unexpected zones %+v", resp.Data)
	}
}

func TestZoneHandler_Get(t *testing.T) {
	rec := do(t, makeZoneRouter(), http.MethodGet, "/api/zones/C", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = do(t, makeZoneRouter(), http.MethodGet, "/api/zones/Q", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var resp core.APIErrorResponse
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Code != "not_found_zone" {
		t.Errorf("unexpected code %q", resp.Code)
	}
}
