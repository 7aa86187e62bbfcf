package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"rockfall/internal/config"
	"rockfall/internal/types"
)

// maxClassifierBody bounds how much of a classifier response is read.
const maxClassifierBody = 1 << 20

// ClassifierClient talks to the external risk-classification service.
//
// Predict calls are at-most-once: they are never retried. Health probes are
// idempotent and use a short retry policy.
type ClassifierClient struct {
	predict *BaseClient
	probe   *BaseClient
	baseURL string
	logger  *slog.Logger
}

// NewClassifierClient builds a client for the classifier at cfg.URL. Predict
// and health calls share one circuit breaker so an outage observed by either
// short-circuits both. Only transport failures count: a classifier answering
// with an error status is reachable, and its status and body pass through.
func NewClassifierClient(cfg config.ClassifierConfig, logger *slog.Logger, opts ...BaseClientOption) *ClassifierClient {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	breaker := NewTransportBreaker("classifier")

	predictOpts := append([]BaseClientOption{WithBreaker(breaker)}, opts...)
	return &ClassifierClient{
		predict: NewBaseClient(httpClient, "classifier", NoRetry(), cfg.UserAgent, predictOpts...),
		probe:   NewBaseClient(httpClient, "classifier", DefaultRetryPolicy(), cfg.UserAgent, predictOpts...),
		baseURL: strings.TrimRight(cfg.URL, "/"),
		logger:  logger,
	}
}

// Classify submits a validated measurement and returns the classifier's
// result exactly as decoded.
//
// Errors:
//   - upstream_unavailable when the classifier cannot be reached.
//   - upstream_rejected, carrying the classifier's status and body, when it
//     answers with a non-2xx status or an unusable body.
func (c *ClassifierClient) Classify(ctx context.Context, m types.Measurement) (*types.PredictionResult, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode measurement", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build classifier request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.DebugContext(ctx, "forwarding prediction request to classifier", "url", req.URL.String())

	resp, err := c.predict.Do(req)
	if err != nil {
		return nil, unavailable(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxClassifierBody))
	if err != nil {
		return nil, unavailable(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, rejected(resp.StatusCode, raw)
	}

	var result types.PredictionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, types.NewUpstreamRejected(http.StatusBadGateway, "Invalid classifier response", map[string]any{
			"error": "Invalid classifier response",
			"raw":   truncate(string(raw), 512),
		})
	}
	if result.RiskLevel == "" {
		return nil, types.NewUpstreamRejected(http.StatusBadGateway, "Classifier response missing risk_level", rawMap(raw))
	}

	return &result, nil
}

// Health returns the classifier's health document.
func (c *ClassifierClient) Health(ctx context.Context) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.probe.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxClassifierBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("classifier health returned %d", resp.StatusCode)
	}

	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		return strings.TrimSpace(string(raw)), nil
	}
	return body, nil
}

// unavailable normalizes a transport failure to the classifier-unavailable
// error surfaced to API clients.
func unavailable(cause error) *types.AppError {
	return types.NewAppErrorWithDetails(
		types.ErrCodeUpstreamUnavailable,
		"Classifier service unavailable",
		cause,
		map[string]any{"message": "Please ensure the classifier service is running"},
	)
}

// rejected maps a non-2xx classifier answer, passing its status and body
// through. The body's "error" field becomes the message.
func rejected(status int, raw []byte) *types.AppError {
	body := rawMap(raw)
	msg, _ := body["error"].(string)
	return types.NewUpstreamRejected(status, msg, body)
}

// rawMap decodes a JSON object body. Non-object bodies are kept as text
// under "raw".
func rawMap(raw []byte) map[string]any {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		body = map[string]any{}
		if s := strings.TrimSpace(string(raw)); s != "" {
			body["raw"] = truncate(s, 512)
		}
	}
	return body
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
