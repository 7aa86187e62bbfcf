// Package events publishes prediction lifecycle events so operators and live
// dashboards can observe stored predictions and storage degradation.
//
// Publishing is always best-effort: a sink failure is logged and never
// affects the prediction result returned to a caller.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"rockfall/internal/types"
)

// Type identifies what happened to a prediction.
type Type string

const (
	// PredictionStored is emitted after a record is appended to history.
	PredictionStored Type = "prediction.stored"
	// PredictionPersistFailed is emitted when the classifier succeeded but the
	// record could not be stored.
	PredictionPersistFailed Type = "prediction.persist_failed"
)

// Event is the wire format shared by every sink.
type Event struct {
	Type       Type            `json:"type"`
	RecordID   string          `json:"record_id,omitempty"`
	ZoneID     string          `json:"zone_id,omitempty"`
	ZoneLabel  string          `json:"zone_label"`
	RiskLevel  types.RiskLevel `json:"risk_level,omitempty"`
	Error      string          `json:"error,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Stored builds a PredictionStored event for rec.
func Stored(rec *types.PredictionRecord) Event {
	return Event{
		Type:       PredictionStored,
		RecordID:   rec.ID,
		ZoneID:     rec.ZoneID,
		ZoneLabel:  rec.ZoneLabel,
		RiskLevel:  rec.Result.RiskLevel,
		OccurredAt: rec.CreatedAt,
	}
}

// PersistFailed builds a PredictionPersistFailed event for rec.
func PersistFailed(rec *types.PredictionRecord, err error, at time.Time) Event {
	ev := Event{
		Type:       PredictionPersistFailed,
		ZoneID:     rec.ZoneID,
		ZoneLabel:  rec.ZoneLabel,
		RiskLevel:  rec.Result.RiskLevel,
		OccurredAt: at,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// Encode renders the event as JSON.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// LogSink writes every event to the structured log. Persistence failures are
// logged at warn level.
type LogSink struct {
	Logger *slog.Logger
}

// Publish implements Sink.
func (s LogSink) Publish(ctx context.Context, ev Event) error {
	level := slog.LevelInfo
	if ev.Type == PredictionPersistFailed {
		level = slog.LevelWarn
	}
	s.Logger.Log(ctx, level, "prediction event",
		"type", string(ev.Type),
		"record_id", ev.RecordID,
		"zone_id", ev.ZoneID,
		"zone_label", ev.ZoneLabel,
		"risk_level", string(ev.RiskLevel),
		"error", ev.Error,
	)
	return nil
}

// DefaultSinkTimeout bounds one sink's Publish inside Multi.
const DefaultSinkTimeout = 3 * time.Second

// Multi fans an event out to every sink. All sinks are attempted; failures
// are logged and joined into the returned error. Each sink runs under its own
// timeout so one stalled broker cannot hold up the rest.
type Multi struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
}

// NewMulti returns a fan-out over sinks. Nil sinks are skipped.
func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	m := &Multi{logger: logger, timeout: DefaultSinkTimeout}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Add appends a sink.
func (m *Multi) Add(s Sink) {
	if s != nil {
		m.sinks = append(m.sinks, s)
	}
}

// SetSinkTimeout changes the per-sink timeout. Non-positive values are ignored.
func (m *Multi) SetSinkTimeout(d time.Duration) {
	if d > 0 {
		m.timeout = d
	}
}

// Publish implements Sink.
func (m *Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := m.publishOne(ctx, s, ev); err != nil {
			m.logger.Warn("event sink failed", "type", string(ev.Type), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) publishOne(ctx context.Context, s Sink, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return s.Publish(ctx, ev)
}
