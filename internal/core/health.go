package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// healthCheckTimeout is the maximum time allowed for all health probes to complete.
const healthCheckTimeout = 2 * time.Second

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"

	classifierOffline = "offline"
)

// HealthProbe defines the interface for a subsystem health check.
type HealthProbe interface {
	// Name returns a human-readable identifier for the probe (e.g., "database").
	Name() string

	// Check performs the health check against the subsystem. It should
	// respect the context deadline.
	Check(ctx context.Context) error
}

// ClassifierHealth reports the external classifier's own health document.
type ClassifierHealth interface {
	Health(ctx context.Context) (any, error)
}

// componentStatus represents the health state of a single subsystem.
type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthResponse is the JSON response body for the health check endpoint.
type healthResponse struct {
	Status           string                     `json:"status"`
	Backend          string                     `json:"backend"`
	ClassifierStatus any                        `json:"classifierStatus"`
	Error            string                     `json:"error,omitempty"`
	Components       map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth reports the gateway's own liveness together with the
// classifier's health and any registered component probes. Probes run
// concurrently under a short deadline.
//
// The endpoint never fails hard: an unreachable classifier or a failing
// component degrades the status body but the response is still 200.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{
		Status:           statusHealthy,
		Backend:          "online",
		ClassifierStatus: classifierOffline,
	}

	var wg sync.WaitGroup

	if s.Classifier != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, err := safeClassifierHealth(ctx, s.Classifier)
			if err != nil {
				resp.Status = statusDegraded
				resp.Error = "classifier service unavailable"
				s.Logger.Warn("classifier health check failed", "error", err)
				return
			}
			resp.ClassifierStatus = body
		}()
	} else {
		resp.Status = statusDegraded
		resp.Error = "classifier not configured"
	}

	components, allHealthy := s.runProbes(ctx)
	wg.Wait()

	if len(components) > 0 {
		resp.Components = components
	}
	if !allHealthy {
		resp.Status = statusDegraded
	}

	JSON(w, r, http.StatusOK, resp)
}

func safeClassifierHealth(ctx context.Context, c ClassifierHealth) (body any, err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			err = fmt.Errorf("classifier probe panicked: %v", rvr)
		}
	}()
	return c.Health(ctx)
}

// runProbes executes HealthProbes concurrently. Probes that do not finish
// before ctx expires are reported as timed out.
func (s *Server) runProbes(ctx context.Context) (map[string]componentStatus, bool) {
	probes := s.HealthProbes
	if len(probes) == 0 {
		return nil, true
	}

	type probeResult struct {
		name string
		err  error
	}

	var (
		mu      sync.Mutex
		results = make(map[string]probeResult, len(probes))
		wg      sync.WaitGroup
	)

	for _, probe := range probes {
		wg.Add(1)
		go func(p HealthProbe) {
			defer wg.Done()

			var err error
			func() {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("probe panicked: %v", r)
					}
				}()
				err = p.Check(ctx)
			}()

			mu.Lock()
			results[p.Name()] = probeResult{name: p.Name(), err: err}
			mu.Unlock()
		}(probe)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()

	components := make(map[string]componentStatus, len(probes))
	allHealthy := true
	for _, probe := range probes {
		name := probe.Name()
		result, ok := results[name]
		switch {
		case !ok:
			allHealthy = false
			components[name] = componentStatus{Status: statusUnhealthy, Message: "health check timed out"}
		case result.err != nil:
			allHealthy = false
			components[name] = componentStatus{Status: statusUnhealthy, Message: result.err.Error()}
		default:
			components[name] = componentStatus{Status: statusHealthy}
		}
	}
	return components, allHealthy
}
