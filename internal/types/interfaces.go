package types

import (
	"context"
	"time"
)

// PredictionRepository is the append-only history log of predictions.
//
// Append is the only write path besides DeleteByID and must be safe for
// concurrent callers. Reads never mutate state and may lag behind a
// concurrent Append.
type PredictionRepository interface {
	// Append stores a new record. An empty ID is assigned by the store;
	// a zero CreatedAt is set to the current time.
	Append(ctx context.Context, rec *PredictionRecord) error

	// Query returns records matching the filter, most recent first.
	Query(ctx context.Context, filter HistoryFilter) ([]*PredictionRecord, error)

	CountAll(ctx context.Context) (int64, error)
	CountSince(ctx context.Context, since time.Time) (int64, error)
	AggregateByRiskLevel(ctx context.Context) (map[RiskLevel]int64, error)

	// DeleteByID removes a record. Returns ErrCodeNotFoundPrediction when the
	// ID does not exist.
	DeleteByID(ctx context.Context, id string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }
