package core

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"rockfall/internal/config"
	"rockfall/internal/types"
)

// newTestServerForRoutes creates a fully-wired test Server with MountRoutes called.
func newTestServerForRoutes(t *testing.T, registrars ...RouteRegistrar) (*Server, *MockMetricsCollector) {
	t.Helper()

	cfg := &config.Config{
		Environment: "local",
		Security: config.SecurityConfig{
			CorsAllowedOrigins: []string{"*"},
		},
		Build: config.BuildInfo{Version: "1.2.3"},
	}

	srv, err := NewServer(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	metrics := &MockMetricsCollector{}
	srv.Metrics = metrics
	srv.Classifier = &MockClassifierHealth{Body: map[string]any{"status": "ok"}}
	srv.APIRouteRegistrars = registrars
	srv.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	srv.MountRoutes()
	return srv, metrics
}

func TestMountRoutes_Index(t *testing.T) {
	srv, _ := newTestServerForRoutes(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body indexResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Service != serviceName || body.Version != "1.2.3" {
		t.Errorf("unexpected index: %+v", body)
	}
	if body.Endpoints["predict"] != "POST /api/predict" {
		t.Errorf("expected predict endpoint, got %v", body.Endpoints)
	}
}

func TestMountRoutes_HealthAtRootAndAPI(t *testing.T) {
	srv, _ := newTestServerForRoutes(t)

	for _, path := range []string{"/health", "/api/health"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
		if rec.Header().Get("X-Request-Id") == "" {
			t.Errorf("%s: expected X-Request-Id header", path)
		}
	}
}

func TestMountRoutes_RegistrarsMountedUnderAPI(t *testing.T) {
	srv, metrics := newTestServerForRoutes(t, func(r chi.Router) {
		r.Get("/history/{id}", func(w http.ResponseWriter, r *http.Request) {
			OK(w, r, map[string]string{
				"id":    chi.URLParam(r, "id"),
				"actor": types.GetActor(r.Context()),
			})
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/api/history/pred_1", nil)
	req.Header.Set("X-Actor", "field-team")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"id":"pred_1"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"actor":"field-team"`) {
		t.Errorf("expected actor from header, got %s", rec.Body.String())
	}

	recorded := metrics.Recorded()
	if len(recorded) != 1 {
		t.Fatalf("expected 1 recorded request, got %d", len(recorded))
	}
	if recorded[0].Endpoint != "/api/history/{id}" {
		t.Errorf("expected route pattern label, got %q", recorded[0].Endpoint)
	}
}

func TestMountRoutes_MetricsEndpoint(t *testing.T) {
	srv, _ := newTestServerForRoutes(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "# metrics" {
		t.Errorf("unexpected /metrics response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestMountRoutes_GzipWhenAccepted(t *testing.T) {
	payload := strings.Repeat("rockfall ", 400)
	srv, _ := newTestServerForRoutes(t, func(r chi.Router) {
		r.Get("/big", func(w http.ResponseWriter, r *http.Request) {
			OK(w, r, payload)
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/api/big", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip encoding, headers=%v", rec.Header())
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	raw, _ := io.ReadAll(zr)
	if !strings.Contains(string(raw), "rockfall rockfall") {
		t.Error("decompressed body does not contain payload")
	}
}

func TestMountRoutes_CORSPreflight(t *testing.T) {
	srv, _ := newTestServerForRoutes(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/predict", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("expected wildcard origin, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestMountRoutes_NoMetricsHandler(t *testing.T) {
	srv, err := NewServer(&config.Config{}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	srv.MountRoutes()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without metrics handler, got %d", rec.Code)
	}
}
