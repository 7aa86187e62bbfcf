// Package client is a Go client for the Rockfall prediction API. It is used
// by rockfallctl and the terminal dashboard, and satisfies the zone state
// machine's Submitter and HistorySource contracts so the dashboard can run
// against a remote server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rockfall/internal/external"
	"rockfall/internal/types"
	"rockfall/internal/zones"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "rockfallctl/1.0"
	maxBody        = 32 << 20
)

// Client calls the /api endpoints of one server.
type Client struct {
	base    *external.BaseClient
	baseURL string
	actor   string
}

// Option configures a Client.
type Option func(*options)

type options struct {
	httpClient *http.Client
	actor      string
	baseOpts   []external.BaseClientOption
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithActor sets the X-Actor header recorded on submitted predictions.
func WithActor(actor string) Option {
	return func(o *options) { o.actor = actor }
}

// WithBaseClientOptions passes options to the underlying BaseClient.
func WithBaseClientOptions(opts ...external.BaseClientOption) Option {
	return func(o *options) { o.baseOpts = append(o.baseOpts, opts...) }
}

// New creates a client for the server at baseURL, e.g. http://localhost:3000.
func New(baseURL string, opts ...Option) *Client {
	o := options{httpClient: &http.Client{Timeout: defaultTimeout}}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{
		base:    external.NewBaseClient(o.httpClient, "rockfall-api", external.DefaultRetryPolicy(), userAgent, o.baseOpts...),
		baseURL: strings.TrimRight(baseURL, "/") + "/api",
		actor:   o.actor,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Count   *int            `json:"count"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

type errorBody struct {
	Error     string         `json:"error"`
	Code      string         `json:"code"`
	Details   map[string]any `json:"details"`
	RequestID string         `json:"request_id"`
}

// do performs a request and returns the raw body of a 2xx response.
// Non-2xx responses are decoded into an *types.AppError carrying the
// server's code, message and status.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, http.Header, error) {
	var rdr io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding request: %w", err)
		}
		rdr = bytes.NewReader(payload)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, decodeError(resp.StatusCode, raw)
	}
	return raw, resp.Header, nil
}

func decodeError(status int, raw []byte) *types.AppError {
	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err != nil || eb.Error == "" {
		return &types.AppError{
			Code:    types.ErrCodeUpstreamRejected,
			Message: fmt.Sprintf("server returned %d", status),
			Status:  status,
		}
	}
	code := types.ErrorCode(eb.Code)
	if code == "" {
		code = types.ErrCodeUpstreamRejected
	}
	return &types.AppError{
		Code:    code,
		Message: eb.Error,
		Details: eb.Details,
		Status:  status,
	}
}

func (c *Client) getData(ctx context.Context, method, path string, query url.Values, body, dst any) (*envelope, error) {
	raw, _, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamRejected, "invalid server response", err)
	}
	if dst != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, dst); err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamRejected, "invalid server response", err)
		}
	}
	return &env, nil
}

// Health returns the raw health body. The server answers 200 even when the
// classifier is offline; check the status field.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	raw, _, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamRejected, "invalid server response", err)
	}
	return out, nil
}

// Zones lists the server's zone registry.
func (c *Client) Zones(ctx context.Context) ([]zones.Zone, error) {
	var out []zones.Zone
	if _, err := c.getData(ctx, http.MethodGet, "/zones", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Predict submits a measurement.
func (c *Client) Predict(ctx context.Context, in *types.MeasurementInput) (*types.Prediction, error) {
	var out types.Prediction
	if _, err := c.getData(ctx, http.MethodPost, "/predict", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit predicts for zoneID. The input is not modified.
func (c *Client) Submit(ctx context.Context, zoneID string, in *types.MeasurementInput) (*types.Prediction, error) {
	cp := *in
	if zoneID != "" {
		cp.ZoneID = zoneID
	}
	return c.Predict(ctx, &cp)
}

func historyQuery(f types.HistoryFilter) url.Values {
	q := url.Values{}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.RiskLevel != "" {
		q.Set("risk_level", string(f.RiskLevel))
	}
	if f.ZoneLabel != "" {
		q.Set("zone", f.ZoneLabel)
	}
	if f.ZoneID != "" {
		q.Set("zone_id", f.ZoneID)
	}
	return q
}

// History returns records matching f, most recent first.
func (c *Client) History(ctx context.Context, f types.HistoryFilter) ([]*types.PredictionRecord, error) {
	var out []*types.PredictionRecord
	if _, err := c.getData(ctx, http.MethodGet, "/history", historyQuery(f), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Query is History under the name the reconciler expects.
func (c *Client) Query(ctx context.Context, f types.HistoryFilter) ([]*types.PredictionRecord, error) {
	return c.History(ctx, f)
}

// Stats returns the history summary.
func (c *Client) Stats(ctx context.Context) (*types.PredictionStats, error) {
	var out types.PredictionStats
	if _, err := c.getData(ctx, http.MethodGet, "/stats", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes a record. A missing record yields not_found_prediction.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.getData(ctx, http.MethodDelete, "/history/"+url.PathEscape(id), nil, nil, nil)
	return err
}

// Export downloads history in format ("xlsx" or "pdf") and returns the
// document and its suggested file name.
func (c *Client) Export(ctx context.Context, format string, f types.HistoryFilter) ([]byte, string, error) {
	q := historyQuery(f)
	q.Set("format", format)
	raw, header, err := c.do(ctx, http.MethodGet, "/history/export", q, nil)
	if err != nil {
		return nil, "", err
	}
	name := "rockfall-history." + format
	if cd := header.Get("Content-Disposition"); cd != "" {
		if i := strings.Index(cd, "filename="); i >= 0 {
			name = strings.Trim(cd[i+len("filename="):], `"`)
		}
	}
	return raw, name, nil
}

// IsNotFound reports whether err is a not-found answer from the server.
func IsNotFound(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.HTTPStatus() == http.StatusNotFound
}
