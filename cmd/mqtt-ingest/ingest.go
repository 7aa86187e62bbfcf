package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"rockfall/internal/types"
)

// ingestActor is recorded as the creator of every prediction made from a
// sensor message.
const ingestActor = "mqtt-ingest"

// Submitter is the part of the Prediction Gateway the worker drives.
type Submitter interface {
	Submit(ctx context.Context, zoneID string, in *types.MeasurementInput) (*types.Prediction, error)
}

// Ingester turns sensor messages into gateway submissions.
type Ingester struct {
	pattern []string
	gateway Submitter
	logger  *slog.Logger
	timeout time.Duration
}

// NewIngester returns an Ingester for the given subscription pattern. The
// pattern must contain exactly one single-level wildcard (+), whose segment
// carries the zone id.
func NewIngester(pattern string, gateway Submitter, logger *slog.Logger, timeout time.Duration) (*Ingester, error) {
	parts := strings.Split(pattern, "/")
	wildcards := 0
	for _, p := range parts {
		switch p {
		case "+":
			wildcards++
		case "#":
			return nil, fmt.Errorf("topic pattern %q: multi-level wildcard not supported", pattern)
		}
	}
	if wildcards != 1 {
		return nil, fmt.Errorf("topic pattern %q: want exactly one '+' for the zone id", pattern)
	}
	return &Ingester{pattern: parts, gateway: gateway, logger: logger, timeout: timeout}, nil
}

// ZoneFromTopic extracts the zone id from a concrete topic.
func (i *Ingester) ZoneFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != len(i.pattern) {
		return "", false
	}
	zone := ""
	for idx, p := range i.pattern {
		switch {
		case p == "+":
			zone = parts[idx]
		case p != parts[idx]:
			return "", false
		}
	}
	return zone, zone != ""
}

// Handle processes one message. Malformed messages and gateway errors are
// logged and dropped; the broker is never asked to redeliver.
func (i *Ingester) Handle(ctx context.Context, topic string, payload []byte) (*types.Prediction, error) {
	zoneID, ok := i.ZoneFromTopic(topic)
	if !ok {
		i.logger.Warn("message on unexpected topic", "topic", topic)
		return nil, fmt.Errorf("topic %q does not match subscription", topic)
	}

	var in types.MeasurementInput
	if err := json.Unmarshal(payload, &in); err != nil {
		i.logger.Warn("invalid measurement payload", "topic", topic, "error", err)
		return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid measurement payload", err)
	}

	ctx = types.WithActor(ctx, ingestActor)
	ctx = types.WithRequestID(ctx, "mqtt_"+uuid.NewString())
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	pred, err := i.gateway.Submit(ctx, zoneID, &in)
	if err != nil {
		i.logger.Warn("sensor prediction failed",
			"zone_id", zoneID,
			"error", err,
		)
		return nil, err
	}

	i.logger.Info("sensor prediction",
		"zone_id", zoneID,
		"risk_level", pred.RiskLevel,
		"record_id", pred.RecordID,
	)
	return pred, nil
}
