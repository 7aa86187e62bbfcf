package core

import (
	"context"
	"sync"
	"time"
)

// --- MockMetricsCollector ---

// RecordedRequest is one call captured by MockMetricsCollector.
type RecordedRequest struct {
	Method   string
	Endpoint string
	Status   string
	Duration time.Duration
}

// MockMetricsCollector implements MetricsCollector for testing. It is safe
// for concurrent use.
type MockMetricsCollector struct {
	mu       sync.Mutex
	Requests []RecordedRequest
}

// RecordRequest implements MetricsCollector.
func (m *MockMetricsCollector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, RecordedRequest{
		Method:   method,
		Endpoint: endpoint,
		Status:   status,
		Duration: duration,
	})
}

// Recorded returns a copy of the captured requests.
func (m *MockMetricsCollector) Recorded() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.Requests))
	copy(out, m.Requests)
	return out
}

// --- MockClassifierHealth ---

// MockClassifierHealth implements ClassifierHealth for testing.
//
// Usage:
//
//	srv.Classifier = &MockClassifierHealth{Body: map[string]any{"status": "ok"}}
//
// To simulate an unreachable classifier:
//
//	srv.Classifier = &MockClassifierHealth{Err: errors.New("connection refused")}
type MockClassifierHealth struct {
	Body  any
	Err   error
	Delay time.Duration
}

// Health implements ClassifierHealth.
func (m *MockClassifierHealth) Health(ctx context.Context) (any, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Body, nil
}
