package external

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rockfall/internal/config"
	"rockfall/internal/types"
)

func newTestClassifier(t *testing.T, handler http.HandlerFunc) *ClassifierClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClassifierClient(config.ClassifierConfig{
		URL:       server.URL + "/",
		Timeout:   2 * time.Second,
		UserAgent: "Rockfall-Test/1.0",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), WithSleepFunc(noopSleep))
}

var sample = types.Measurement{
	TemperatureC:           15,
	HumidityPct:            60,
	WindSpeed:              5,
	RainFlag:               0,
	SlopeAngleDeg:          40,
	SlopeHeightM:           100,
	PoreWaterPressureRatio: 0.3,
}

func TestClassify_Success(t *testing.T) {
	var got map[string]any
	c := newTestClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predict", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"risk_level":"Low","risk_code":0,"confidence":91.5,
			"probabilities":{"low":91.5,"medium":6,"high":2.5},"message":"stable"}`))
	})

	res, err := c.Classify(context.Background(), sample)
	require.NoError(t, err)

	assert.Equal(t, types.RiskLow, res.RiskLevel)
	assert.Equal(t, 0, res.RiskCode)
	require.NotNil(t, res.Confidence)
	assert.Equal(t, 91.5, *res.Confidence)
	assert.Nil(t, res.Probability)
	assert.Equal(t, 6.0, res.Probabilities["medium"])
	assert.Equal(t, "stable", res.Message)

	assert.Equal(t, 15.0, got["temperature_c"])
	assert.Equal(t, 0.0, got["rain_flag"])
	assert.Equal(t, 0.3, got["pore_water_pressure_ratio"])
}

func TestClassify_RejectedPassesStatusAndBody(t *testing.T) {
	c := newTestClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"Rain flag must be 0 or 1"}`))
	})

	_, err := c.Classify(context.Background(), sample)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamRejected, appErr.Code)
	assert.Equal(t, http.StatusBadRequest, appErr.HTTPStatus())
	assert.Equal(t, "Rain flag must be 0 or 1", appErr.Message)
	assert.Equal(t, "Rain flag must be 0 or 1", appErr.Details["error"])
}

func TestClassify_RejectedWithoutErrorField(t *testing.T) {
	c := newTestClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`upstream exploded`))
	})

	_, err := c.Classify(context.Background(), sample)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, http.StatusInternalServerError, appErr.HTTPStatus())
	assert.Equal(t, "Prediction failed", appErr.Message)
	assert.Equal(t, "upstream exploded", appErr.Details["raw"])
}

func TestClassify_NeverRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"Model metadata not loaded."}`))
	})

	_, err := c.Classify(context.Background(), sample)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamRejected))
}

func TestClassify_RepeatedRejectionsKeepPassingThrough(t *testing.T) {
	c := newTestClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"Model not loaded"}`))
	})

	for i := 0; i < 10; i++ {
		_, err := c.Classify(context.Background(), sample)

		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr, "call %d", i)
		assert.Equal(t, types.ErrCodeUpstreamRejected, appErr.Code, "call %d", i)
		assert.Equal(t, http.StatusInternalServerError, appErr.HTTPStatus(), "call %d", i)
		assert.Equal(t, "Model not loaded", appErr.Message, "call %d", i)
	}
}

func TestClassify_RepeatedTransportFailuresOpenBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := NewClassifierClient(config.ClassifierConfig{URL: url, Timeout: time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	var err error
	for i := 0; i < 7; i++ {
		_, err = c.Classify(context.Background(), sample)
	}
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, appErr.Code)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestClassify_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := NewClassifierClient(config.ClassifierConfig{URL: url, Timeout: time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := c.Classify(context.Background(), sample)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, appErr.Code)
	assert.Equal(t, http.StatusServiceUnavailable, appErr.HTTPStatus())
	assert.Equal(t, "Classifier service unavailable", appErr.Message)
}

func TestClassify_MalformedBody(t *testing.T) {
	c := newTestClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>oops</html>`))
	})

	_, err := c.Classify(context.Background(), sample)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, http.StatusBadGateway, appErr.HTTPStatus())
}

func TestClassify_MissingRiskLevel(t *testing.T) {
	c := newTestClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"risk_code":2}`))
	})

	_, err := c.Classify(context.Background(), sample)
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamRejected))
}

func TestHealth(t *testing.T) {
	c := newTestClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Write([]byte(`{"status":"healthy","model_loaded":true}`))
	})

	body, err := c.Health(context.Background())
	require.NoError(t, err)
	m, ok := body.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, m["model_loaded"])
}

func TestHealth_RetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	c := newTestClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Health(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1+DefaultRetryPolicy().MaxRetries), calls.Load())
}
