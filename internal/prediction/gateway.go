// Package prediction implements the Prediction Gateway: measurement
// validation, the classifier call, best-effort persistence of the outcome,
// and the history read operations behind the API.
package prediction

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"rockfall/internal/events"
	"rockfall/internal/metrics"
	"rockfall/internal/types"
	"rockfall/internal/zones"
)

// RecentWindow is the span counted as "recent" by Stats.
const RecentWindow = 24 * time.Hour

// DefaultPersistTimeout bounds the history append and the event publish that
// follow a successful classification.
const DefaultPersistTimeout = 5 * time.Second

// Classifier is the external risk-classification collaborator.
type Classifier interface {
	Classify(ctx context.Context, m types.Measurement) (*types.PredictionResult, error)
}

// Recorder receives prediction telemetry. metrics.Collector satisfies it.
type Recorder interface {
	RecordPrediction(ctx context.Context, outcome string, duration time.Duration)
	RecordPersistence(ctx context.Context, outcome string)
}

// Gateway validates, classifies, and files predictions.
type Gateway struct {
	classifier Classifier
	store      types.PredictionRepository
	zones      *zones.Registry
	events     events.Sink
	metrics    Recorder
	logger     *slog.Logger
	clock      types.Clock

	persistTimeout time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithEvents sets the sink receiving stored and persist_failed events.
func WithEvents(sink events.Sink) Option {
	return func(g *Gateway) { g.events = sink }
}

// WithMetrics sets the telemetry recorder.
func WithMetrics(r Recorder) Option {
	return func(g *Gateway) { g.metrics = r }
}

// WithClock overrides the time source.
func WithClock(c types.Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

// WithPersistTimeout bounds each post-classification write. The append and
// the event publish get a timeout each. Non-positive values keep the default.
func WithPersistTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.persistTimeout = d
		}
	}
}

// NewGateway creates a Gateway. Without WithEvents, events go to the log only.
func NewGateway(classifier Classifier, store types.PredictionRepository, registry *zones.Registry, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = zones.Default()
	}
	g := &Gateway{
		classifier: classifier,
		store:      store,
		zones:      registry,
		metrics:    metrics.Noop{},
		logger:     logger,
		clock:      types.RealClock{},

		persistTimeout: DefaultPersistTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.events == nil {
		g.events = events.LogSink{Logger: logger}
	}
	return g
}

// Zones returns the registry the gateway files predictions against.
func (g *Gateway) Zones() *zones.Registry {
	return g.zones
}

// Submit runs one prediction for zoneID. An empty zoneID falls back to the
// input's zone_id; an empty result of both files the record under the
// input's label or DefaultZoneLabel.
//
// Failures are returned as *types.AppError: validation codes for bad input,
// not_found_zone for an unknown zone id, and the classifier's upstream codes
// unchanged. A storage failure after a successful classification is never
// returned; it is logged, counted, and published as an event.
func (g *Gateway) Submit(ctx context.Context, zoneID string, in *types.MeasurementInput) (*types.Prediction, error) {
	start := time.Now()

	m, err := in.Validate()
	if err != nil {
		g.metrics.RecordPrediction(ctx, metrics.OutcomeValidation, time.Since(start))
		return nil, err
	}

	if zoneID == "" {
		zoneID = in.ZoneID
	}
	if zoneID != "" {
		if _, err := g.zones.Get(zoneID); err != nil {
			g.metrics.RecordPrediction(ctx, metrics.OutcomeValidation, time.Since(start))
			return nil, err
		}
	}
	label := g.zones.Label(zoneID, in.Zone)

	g.logger.DebugContext(ctx, "forwarding measurement to classifier",
		"zone_id", zoneID,
		"zone_label", label,
	)

	result, err := g.classifier.Classify(ctx, m)
	if err != nil {
		outcome := outcomeOf(err)
		g.metrics.RecordPrediction(ctx, outcome, time.Since(start))
		g.logger.WarnContext(ctx, "classification failed",
			"zone_id", zoneID,
			"outcome", outcome,
			"error", err,
		)
		return nil, err
	}
	g.metrics.RecordPrediction(ctx, metrics.OutcomeSuccess, time.Since(start))

	now := g.clock.Now()
	rec := &types.PredictionRecord{
		ZoneID:    zoneID,
		ZoneLabel: label,
		Input:     m,
		Result:    *result,
		CreatedBy: types.GetActor(ctx),
		CreatedAt: now,
	}

	g.logger.InfoContext(ctx, "prediction classified",
		"zone_id", zoneID,
		"risk_level", string(result.RiskLevel),
		"risk_code", result.RiskCode,
	)

	pred := &types.Prediction{
		PredictionResult: *result,
		ZoneID:           zoneID,
		ZoneLabel:        label,
		Timestamp:        now,
	}
	if g.persist(ctx, rec) {
		pred.RecordID = rec.ID
	}
	return pred, nil
}

// persist appends rec and reports whether it was stored. The write outlives
// a cancelled request so a disconnecting caller does not lose the record,
// but never the gateway's persist timeout: a hung store counts as a failure.
func (g *Gateway) persist(ctx context.Context, rec *types.PredictionRecord) bool {
	ctx = context.WithoutCancel(ctx)

	appendCtx, cancel := context.WithTimeout(ctx, g.persistTimeout)
	err := g.store.Append(appendCtx, rec)
	cancel()
	if err != nil {
		g.metrics.RecordPersistence(ctx, metrics.PersistFailed)
		g.logger.WarnContext(ctx, "failed to persist prediction",
			"zone_id", rec.ZoneID,
			"zone_label", rec.ZoneLabel,
			"error", err,
		)
		g.publish(ctx, events.PersistFailed(rec, err, g.clock.Now()))
		return false
	}

	g.metrics.RecordPersistence(ctx, metrics.PersistStored)
	g.publish(ctx, events.Stored(rec))
	return true
}

func (g *Gateway) publish(ctx context.Context, ev events.Event) {
	ctx, cancel := context.WithTimeout(ctx, g.persistTimeout)
	defer cancel()

	if err := g.events.Publish(ctx, ev); err != nil {
		g.logger.WarnContext(ctx, "failed to publish prediction event",
			"type", string(ev.Type),
			"error", err,
		)
	}
}

func outcomeOf(err error) string {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return metrics.OutcomeUnavailable
	}
	switch appErr.Code {
	case types.ErrCodeUpstreamUnavailable:
		return metrics.OutcomeUnavailable
	case types.ErrCodeValidationMissingField, types.ErrCodeValidationInvalidField:
		return metrics.OutcomeValidation
	default:
		return metrics.OutcomeRejected
	}
}

// History returns records matching filter, most recent first.
func (g *Gateway) History(ctx context.Context, filter types.HistoryFilter) ([]*types.PredictionRecord, error) {
	records, err := g.store.Query(ctx, filter)
	if err != nil {
		return nil, storeError(err, "failed to fetch history")
	}
	return records, nil
}

// Stats summarises the history log. The three reads run concurrently.
func (g *Gateway) Stats(ctx context.Context) (*types.PredictionStats, error) {
	var (
		total, recent int64
		dist          map[types.RiskLevel]int64
	)
	since := g.clock.Now().Add(-RecentWindow)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		total, err = g.store.CountAll(egCtx)
		return err
	})
	eg.Go(func() error {
		var err error
		recent, err = g.store.CountSince(egCtx, since)
		return err
	})
	eg.Go(func() error {
		var err error
		dist, err = g.store.AggregateByRiskLevel(egCtx)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, storeError(err, "failed to fetch statistics")
	}

	distribution := make(map[types.RiskLevel]int64, len(types.RiskLevels))
	for _, level := range types.RiskLevels {
		distribution[level] = 0
	}
	for level, n := range dist {
		distribution[level] = n
	}

	return &types.PredictionStats{
		TotalPredictions:  total,
		RecentPredictions: recent,
		RiskDistribution:  distribution,
	}, nil
}

// Delete removes a record by id.
func (g *Gateway) Delete(ctx context.Context, id string) error {
	if err := g.store.DeleteByID(ctx, id); err != nil {
		return storeError(err, "failed to delete prediction")
	}
	g.logger.InfoContext(ctx, "prediction deleted", "record_id", id, "actor", types.GetActor(ctx))
	return nil
}

// storeError passes AppErrors through and wraps anything else as a
// database error.
func storeError(err error, msg string) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeInternalDB, msg, err)
}
