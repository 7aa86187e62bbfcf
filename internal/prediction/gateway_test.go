package prediction

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"rockfall/internal/events"
	"rockfall/internal/history"
	"rockfall/internal/metrics"
	"rockfall/internal/types"
	"rockfall/internal/zones"
)

type mockClassifier struct {
	mock.Mock
}

func (m *mockClassifier) Classify(ctx context.Context, in types.Measurement) (*types.PredictionResult, error) {
	args := m.Called(ctx, in)
	res, _ := args.Get(0).(*types.PredictionResult)
	return res, args.Error(1)
}

// failingStore wraps a MemoryStore and fails every Append.
type failingStore struct {
	*history.MemoryStore
}

func (failingStore) Append(context.Context, *types.PredictionRecord) error {
	return types.NewAppError(types.ErrCodeInternalDB, "failed to insert prediction", errors.New("connection refused"))
}

// hungStore never completes an Append until its context ends, like a pool
// that cannot acquire a connection.
type hungStore struct {
	*history.MemoryStore
}

func (hungStore) Append(ctx context.Context, _ *types.PredictionRecord) error {
	<-ctx.Done()
	return types.NewAppError(types.ErrCodeInternalDB, "failed to insert prediction", ctx.Err())
}

type recordedSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordedSink) Publish(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

type recordedMetrics struct {
	mu          sync.Mutex
	predictions []string
	persistence []string
}

func (r *recordedMetrics) RecordPrediction(_ context.Context, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predictions = append(r.predictions, outcome)
}

func (r *recordedMetrics) RecordPersistence(_ context.Context, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persistence = append(r.persistence, outcome)
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func scenarioMeasurement() types.Measurement {
	return types.Measurement{
		TemperatureC:           15,
		HumidityPct:            60,
		WindSpeed:              5,
		RainFlag:               0,
		SlopeAngleDeg:          40,
		SlopeHeightM:           100,
		PoreWaterPressureRatio: 0.3,
	}
}

type fixture struct {
	gw         *Gateway
	classifier *mockClassifier
	store      types.PredictionRepository
	sink       *recordedSink
	metrics    *recordedMetrics
}

func newFixture(t *testing.T, store types.PredictionRepository, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		classifier: &mockClassifier{},
		store:      store,
		sink:       &recordedSink{},
		metrics:    &recordedMetrics{},
	}
	f.gw = NewGateway(f.classifier, store, zones.Default(),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		append([]Option{
			WithEvents(f.sink),
			WithMetrics(f.metrics),
			WithClock(fixedClock{testNow}),
		}, opts...)...,
	)
	return f
}

func TestSubmit_Success(t *testing.T) {
	store := history.NewMemoryStore()
	f := newFixture(t, store)
	f.classifier.On("Classify", mock.Anything, scenarioMeasurement()).
		Return(&types.PredictionResult{RiskLevel: types.RiskLow, RiskCode: 1}, nil).Once()

	ctx := types.WithActor(context.Background(), "field-team")
	pred, err := f.gw.Submit(ctx, "A", types.InputFromMeasurement(scenarioMeasurement()))
	require.NoError(t, err)

	assert.Equal(t, types.RiskLow, pred.RiskLevel)
	assert.Equal(t, "A", pred.ZoneID)
	assert.Equal(t, "Zone A - Northern Slope", pred.ZoneLabel)
	assert.Equal(t, testNow, pred.Timestamp)
	assert.NotEmpty(t, pred.RecordID)

	records, err := store.Query(context.Background(), types.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, pred.RecordID, records[0].ID)
	assert.Equal(t, "field-team", records[0].CreatedBy)
	assert.Equal(t, scenarioMeasurement(), records[0].Input)

	require.Len(t, f.sink.events, 1)
	assert.Equal(t, events.PredictionStored, f.sink.events[0].Type)
	assert.Equal(t, []string{metrics.OutcomeSuccess}, f.metrics.predictions)
	assert.Equal(t, []string{metrics.PersistStored}, f.metrics.persistence)
	f.classifier.AssertExpectations(t)
}

func TestSubmit_LabelOverrideAndFallbacks(t *testing.T) {
	f := newFixture(t, history.NewMemoryStore())
	f.classifier.On("Classify", mock.Anything, mock.Anything).
		Return(&types.PredictionResult{RiskLevel: types.RiskMedium, RiskCode: 1}, nil)

	in := types.InputFromMeasurement(scenarioMeasurement())
	in.Zone = "Quarry North"
	pred, err := f.gw.Submit(context.Background(), "B", in)
	require.NoError(t, err)
	assert.Equal(t, "Quarry North", pred.ZoneLabel)

	pred, err = f.gw.Submit(context.Background(), "", types.InputFromMeasurement(scenarioMeasurement()))
	require.NoError(t, err)
	assert.Equal(t, types.DefaultZoneLabel, pred.ZoneLabel)

	in = types.InputFromMeasurement(scenarioMeasurement())
	in.ZoneID = "C"
	pred, err = f.gw.Submit(context.Background(), "", in)
	require.NoError(t, err)
	assert.Equal(t, "C", pred.ZoneID)
	assert.Equal(t, "Zone C - Central Valley", pred.ZoneLabel)
}

func TestSubmit_MissingFieldNeverReachesClassifier(t *testing.T) {
	for _, field := range types.MeasurementFields {
		t.Run(field.Name, func(t *testing.T) {
			f := newFixture(t, history.NewMemoryStore())
			in := types.InputFromMeasurement(scenarioMeasurement())
			switch field.Name {
			case types.FieldTemperature:
				in.TemperatureC = nil
			case types.FieldHumidity:
				in.HumidityPct = nil
			case types.FieldWindSpeed:
				in.WindSpeed = nil
			case types.FieldRainFlag:
				in.RainFlag = nil
			case types.FieldSlopeAngle:
				in.SlopeAngleDeg = nil
			case types.FieldSlopeHeight:
				in.SlopeHeightM = nil
			case types.FieldPorePressure:
				in.PoreWaterPressureRatio = nil
			}

			_, err := f.gw.Submit(context.Background(), "A", in)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrCodeValidationMissingField))
			assert.Contains(t, err.Error(), field.Name)
			f.classifier.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)
			assert.Equal(t, []string{metrics.OutcomeValidation}, f.metrics.predictions)
		})
	}
}

func TestSubmit_UnknownZone(t *testing.T) {
	f := newFixture(t, history.NewMemoryStore())

	_, err := f.gw.Submit(context.Background(), "Z", types.InputFromMeasurement(scenarioMeasurement()))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundZone))
	f.classifier.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)
}

func TestSubmit_UpstreamErrorsSurfaceUnchanged(t *testing.T) {
	unavailable := types.NewAppError(types.ErrCodeUpstreamUnavailable, "Classifier service unavailable", errors.New("dial tcp: refused"))
	rejected := types.NewUpstreamRejected(422, "Model not loaded", map[string]any{"error": "Model not loaded"})

	tests := []struct {
		name    string
		err     error
		outcome string
	}{
		{"unavailable", unavailable, metrics.OutcomeUnavailable},
		{"rejected", rejected, metrics.OutcomeRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := history.NewMemoryStore()
			f := newFixture(t, store)
			f.classifier.On("Classify", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			pred, err := f.gw.Submit(context.Background(), "A", types.InputFromMeasurement(scenarioMeasurement()))
			assert.Nil(t, pred)
			assert.Same(t, tt.err, err)
			assert.Equal(t, []string{tt.outcome}, f.metrics.predictions)

			n, _ := store.CountAll(context.Background())
			assert.Zero(t, n, "failed classifications are not recorded")
			assert.Empty(t, f.sink.events)
		})
	}
}

func TestSubmit_PersistenceFailureStillReturnsResult(t *testing.T) {
	f := newFixture(t, failingStore{history.NewMemoryStore()})
	f.classifier.On("Classify", mock.Anything, mock.Anything).
		Return(&types.PredictionResult{RiskLevel: types.RiskHigh, RiskCode: 2}, nil).Once()

	pred, err := f.gw.Submit(context.Background(), "D", types.InputFromMeasurement(scenarioMeasurement()))
	require.NoError(t, err)
	require.NotNil(t, pred)
	assert.Equal(t, types.RiskHigh, pred.RiskLevel)
	assert.Empty(t, pred.RecordID)

	require.Len(t, f.sink.events, 1)
	ev := f.sink.events[0]
	assert.Equal(t, events.PredictionPersistFailed, ev.Type)
	assert.Equal(t, "D", ev.ZoneID)
	assert.Contains(t, ev.Error, "failed to insert prediction")
	assert.Equal(t, []string{metrics.PersistFailed}, f.metrics.persistence)
}

func TestSubmit_PersistsAfterCallerCancels(t *testing.T) {
	store := history.NewMemoryStore()
	f := newFixture(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	f.classifier.On("Classify", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(&types.PredictionResult{RiskLevel: types.RiskLow}, nil).Once()

	_, err := f.gw.Submit(ctx, "A", types.InputFromMeasurement(scenarioMeasurement()))
	require.NoError(t, err)

	n, _ := store.CountAll(context.Background())
	assert.Equal(t, int64(1), n)
}

func TestSubmit_HungStoreDoesNotWithholdResult(t *testing.T) {
	f := newFixture(t, hungStore{history.NewMemoryStore()}, WithPersistTimeout(50*time.Millisecond))
	f.classifier.On("Classify", mock.Anything, mock.Anything).
		Return(&types.PredictionResult{RiskLevel: types.RiskLow, RiskCode: 1}, nil).Once()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	type outcome struct {
		pred *types.Prediction
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		pred, err := f.gw.Submit(ctx, "A", types.InputFromMeasurement(scenarioMeasurement()))
		done <- outcome{pred, err}
	}()

	var got outcome
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit still blocked on a hung history store")
	}

	require.NoError(t, got.err)
	require.NotNil(t, got.pred)
	assert.Equal(t, types.RiskLow, got.pred.RiskLevel)
	assert.Empty(t, got.pred.RecordID)
	assert.Equal(t, []string{metrics.PersistFailed}, f.metrics.persistence)

	require.Len(t, f.sink.events, 1)
	assert.Equal(t, events.PredictionPersistFailed, f.sink.events[0].Type)
}

func TestSubmit_StalledSinkDoesNotWithholdResult(t *testing.T) {
	stalled := events.SinkFunc(func(ctx context.Context, _ events.Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	store := history.NewMemoryStore()
	f := newFixture(t, store, WithEvents(stalled), WithPersistTimeout(50*time.Millisecond))
	f.classifier.On("Classify", mock.Anything, mock.Anything).
		Return(&types.PredictionResult{RiskLevel: types.RiskMedium, RiskCode: 1}, nil).Once()

	start := time.Now()
	pred, err := f.gw.Submit(context.Background(), "C", types.InputFromMeasurement(scenarioMeasurement()))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.NotEmpty(t, pred.RecordID, "the record is stored even though the sink stalled")

	n, _ := store.CountAll(context.Background())
	assert.Equal(t, int64(1), n)
}

func TestStats(t *testing.T) {
	store := history.NewMemoryStore(history.WithClock(func() time.Time { return testNow }))
	ctx := context.Background()
	old := testNow.Add(-48 * time.Hour)

	require.NoError(t, store.Append(ctx, &types.PredictionRecord{Result: types.PredictionResult{RiskLevel: types.RiskLow}, CreatedAt: old}))
	require.NoError(t, store.Append(ctx, &types.PredictionRecord{Result: types.PredictionResult{RiskLevel: types.RiskLow}}))
	require.NoError(t, store.Append(ctx, &types.PredictionRecord{Result: types.PredictionResult{RiskLevel: types.RiskHigh}}))

	f := newFixture(t, store)
	stats, err := f.gw.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.TotalPredictions)
	assert.Equal(t, int64(2), stats.RecentPredictions)
	assert.Equal(t, int64(2), stats.RiskDistribution[types.RiskLow])
	assert.Equal(t, int64(0), stats.RiskDistribution[types.RiskMedium])
	assert.Equal(t, int64(1), stats.RiskDistribution[types.RiskHigh])
}

func TestHistoryAndDelete(t *testing.T) {
	store := history.NewMemoryStore()
	f := newFixture(t, store)
	f.classifier.On("Classify", mock.Anything, mock.Anything).
		Return(&types.PredictionResult{RiskLevel: types.RiskMedium, RiskCode: 1}, nil)

	pred, err := f.gw.Submit(context.Background(), "E", types.InputFromMeasurement(scenarioMeasurement()))
	require.NoError(t, err)

	records, err := f.gw.History(context.Background(), types.HistoryFilter{ZoneID: "E"})
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.NoError(t, f.gw.Delete(context.Background(), pred.RecordID))
	err = f.gw.Delete(context.Background(), pred.RecordID)
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundPrediction))
}

func TestStoreError(t *testing.T) {
	plain := storeError(errors.New("boom"), "failed to fetch history")
	assert.True(t, types.IsCode(plain, types.ErrCodeInternalDB))

	nf := types.NewAppError(types.ErrCodeNotFoundPrediction, "Prediction not found", nil)
	assert.Same(t, nf, storeError(nf, "ignored"))
}
