// Package metrics provides the telemetry backends for the API: Prometheus
// (default), CloudWatch, and a no-op collector.
package metrics

import (
	"context"
	"time"
)

// Prediction outcomes, one per submit.
const (
	OutcomeSuccess     = "success"
	OutcomeValidation  = "validation"
	OutcomeUnavailable = "unavailable"
	OutcomeRejected    = "rejected"
)

// Persistence outcomes, one per successful classification.
const (
	PersistStored = "stored"
	PersistFailed = "failed"
)

// Collector records request and prediction telemetry.
type Collector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
	RecordPrediction(ctx context.Context, outcome string, duration time.Duration)
	RecordPersistence(ctx context.Context, outcome string)
}

// Noop discards everything.
type Noop struct{}

func (Noop) RecordRequest(string, string, string, time.Duration)     {}
func (Noop) RecordPrediction(context.Context, string, time.Duration) {}
func (Noop) RecordPersistence(context.Context, string)               {}
