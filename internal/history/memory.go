// Package history provides an in-memory prediction log used when no database
// is configured and in tests. It has the same ordering, filtering and limit
// semantics as the PostgreSQL repository.
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"rockfall/internal/types"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// MemoryStore is a mutex-guarded append-only log. It implements
// types.PredictionRepository and is safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*types.PredictionRecord
	ids     map[string]struct{}
	now     func() time.Time

	defLimit, maxLimit int
}

// Option customizes a MemoryStore.
type Option func(*MemoryStore)

// WithClock overrides the clock used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// WithLimits overrides the default and maximum query limits.
func WithLimits(def, max int) Option {
	return func(s *MemoryStore) {
		if def > 0 {
			s.defLimit = def
		}
		if max >= s.defLimit {
			s.maxLimit = max
		}
	}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		ids:      make(map[string]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
		defLimit: defaultLimit,
		maxLimit: maxLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append stores a copy of rec, assigning an ID and CreatedAt when unset.
func (s *MemoryStore) Append(_ context.Context, rec *types.PredictionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = "pred_" + uuid.NewString()
	}
	if _, dup := s.ids[rec.ID]; dup {
		return types.NewAppError(types.ErrCodeInternalDB, "duplicate prediction id "+rec.ID, nil)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	stored := *rec
	s.records = append(s.records, &stored)
	s.ids[stored.ID] = struct{}{}
	return nil
}

// Query returns copies of matching records, most recent first. Records with
// equal timestamps keep reverse insertion order.
func (s *MemoryStore) Query(_ context.Context, filter types.HistoryFilter) ([]*types.PredictionRecord, error) {
	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = s.defLimit
	case limit > s.maxLimit:
		limit = s.maxLimit
	}

	s.mu.RLock()
	matched := make([]*types.PredictionRecord, 0, min(limit, len(s.records)))
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if filter.RiskLevel != "" && rec.Result.RiskLevel != filter.RiskLevel {
			continue
		}
		if filter.ZoneLabel != "" && rec.ZoneLabel != filter.ZoneLabel {
			continue
		}
		if filter.ZoneID != "" && rec.ZoneID != filter.ZoneID {
			continue
		}
		cp := *rec
		matched = append(matched, &cp)
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// CountAll returns the number of stored records.
func (s *MemoryStore) CountAll(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}

// CountSince returns the number of records created at or after since.
func (s *MemoryStore) CountSince(_ context.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, rec := range s.records {
		if !rec.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// AggregateByRiskLevel counts records per risk level.
func (s *MemoryStore) AggregateByRiskLevel(context.Context) (map[types.RiskLevel]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dist := make(map[types.RiskLevel]int64)
	for _, rec := range s.records {
		dist[rec.Result.RiskLevel]++
	}
	return dist, nil
}

// DeleteByID removes the record with the given id.
func (s *MemoryStore) DeleteByID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; !ok {
		return types.NewAppError(types.ErrCodeNotFoundPrediction, "Prediction not found", nil)
	}
	for i, rec := range s.records {
		if rec.ID == id {
			s.records = append(s.records[:i], s.records[i+1:]...)
			break
		}
	}
	delete(s.ids, id)
	return nil
}
