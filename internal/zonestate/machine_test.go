package zonestate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rockfall/internal/history"
	"rockfall/internal/prediction"
	"rockfall/internal/types"
	"rockfall/internal/zones"
)

type outcome struct {
	pred *types.Prediction
	err  error
}

type call struct {
	zoneID  string
	in      *types.MeasurementInput
	release chan outcome
}

// scriptedSubmitter blocks each Submit until the test releases it.
type scriptedSubmitter struct {
	started chan *call
}

func newScripted() *scriptedSubmitter {
	return &scriptedSubmitter{started: make(chan *call, 16)}
}

func (s *scriptedSubmitter) Submit(ctx context.Context, zoneID string, in *types.MeasurementInput) (*types.Prediction, error) {
	c := &call{zoneID: zoneID, in: in, release: make(chan outcome, 1)}
	s.started <- c
	o := <-c.release
	return o.pred, o.err
}

func (s *scriptedSubmitter) next(t *testing.T) *call {
	t.Helper()
	select {
	case c := <-s.started:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("submit was not started")
		return nil
	}
}

func resolved(level types.RiskLevel) outcome {
	return outcome{pred: &types.Prediction{PredictionResult: types.PredictionResult{RiskLevel: level}}}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fillDraft(t *testing.T, m *Machine, zoneID string, meas types.Measurement) {
	t.Helper()
	for _, f := range types.MeasurementFields {
		v, _ := meas.Value(f.Name)
		require.NoError(t, m.EditField(zoneID, f.Name, strconv.FormatFloat(v, 'f', -1, 64)))
	}
}

func scenario() types.Measurement {
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

func TestNewMachine_InitialState(t *testing.T) {
	m := NewMachine(zones.Default(), newScripted())

	snap := m.Snapshot()
	require.Len(t, snap, 5)
	assert.Equal(t, "A", snap[0].Zone.ID)
	assert.True(t, snap[0].Expanded)
	for _, s := range snap {
		assert.Equal(t, StatusIdle, s.Status())
		assert.Empty(t, s.Draft)
		assert.Nil(t, s.LastResult)
	}
}

func TestToggleExpand_AtMostOneExpanded(t *testing.T) {
	m := NewMachine(zones.Default(), newScripted())
	ids := []string{"A", "B", "C", "D", "E"}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		target := ids[rng.Intn(len(ids))]
		require.NoError(t, m.ToggleExpand(target))

		expanded := 0
		for _, s := range m.Snapshot() {
			if s.Expanded {
				expanded++
			}
		}
		require.LessOrEqual(t, expanded, 1, "after toggling %s", target)
	}
}

func TestToggleExpand_CollapseAndSwitch(t *testing.T) {
	m := NewMachine(zones.Default(), newScripted())

	require.NoError(t, m.ToggleExpand("A"))
	_, ok := m.Expanded()
	assert.False(t, ok, "toggling the expanded zone collapses it")

	require.NoError(t, m.ToggleExpand("C"))
	require.NoError(t, m.ToggleExpand("D"))
	id, ok := m.Expanded()
	assert.True(t, ok)
	assert.Equal(t, "D", id)

	assert.True(t, types.IsCode(m.ToggleExpand("Q"), types.ErrCodeNotFoundZone))
}

func TestEditField(t *testing.T) {
	s := newScripted()
	m := NewMachine(zones.Default(), s)

	assert.True(t, types.IsCode(m.EditField("A", "altitude", "1"), types.ErrCodeValidationInvalidField))
	assert.True(t, types.IsCode(m.EditField("Z", types.FieldHumidity, "1"), types.ErrCodeNotFoundZone))

	// Put the zone in an errored state with a prior result.
	fillDraft(t, m, "A", scenario())
	_, err := m.Submit(context.Background(), "A")
	require.NoError(t, err)
	s.next(t).release <- resolved(types.RiskMedium)
	m.Wait()
	_, err = m.Submit(context.Background(), "A")
	require.NoError(t, err)
	s.next(t).release <- outcome{err: errors.New("connection refused")}
	m.Wait()

	st, _ := m.State("A")
	require.Equal(t, StatusErrored, st.Status())

	require.NoError(t, m.EditField("A", types.FieldHumidity, "not a number"))
	st, _ = m.State("A")
	assert.Empty(t, st.LastError)
	assert.Equal(t, "not a number", st.Draft[types.FieldHumidity])
	require.NotNil(t, st.LastResult)
	assert.Equal(t, types.RiskMedium, st.LastResult.RiskLevel)
	assert.Equal(t, StatusResolved, st.Status())
}

func TestSubmit_DraftIsForwarded(t *testing.T) {
	s := newScripted()
	m := NewMachine(zones.Default(), s)
	fillDraft(t, m, "B", scenario())

	_, err := m.Submit(context.Background(), "B")
	require.NoError(t, err)
	st, _ := m.State("B")
	assert.Equal(t, StatusPending, st.Status())

	c := s.next(t)
	assert.Equal(t, "B", c.zoneID)
	got, err := c.in.Validate()
	require.NoError(t, err)
	assert.Equal(t, scenario(), got)

	c.release <- resolved(types.RiskLow)
	m.Wait()
}

func TestSubmit_UnreachableNeverResolves(t *testing.T) {
	s := newScripted()
	m := NewMachine(zones.Default(), s)

	prior := &types.PredictionRecord{Input: scenario(), Result: types.PredictionResult{RiskLevel: types.RiskHigh, RiskCode: 2}}
	_, err := m.Seed("C", prior)
	require.NoError(t, err)

	for _, failure := range []error{
		errors.New("dial tcp 127.0.0.1:5000: connect: connection refused"),
		types.NewAppError(types.ErrCodeUpstreamUnavailable, "Classifier service unavailable", nil),
	} {
		_, err := m.Submit(context.Background(), "C")
		require.NoError(t, err)
		s.next(t).release <- outcome{err: failure}
		m.Wait()

		st, _ := m.State("C")
		assert.Equal(t, StatusErrored, st.Status())
		assert.Equal(t, MsgServiceUnavailable, st.LastError)
		require.NotNil(t, st.LastResult)
		assert.Equal(t, types.RiskHigh, st.LastResult.RiskLevel, "prior result is kept")
		assert.Equal(t, "15", st.Draft[types.FieldTemperature], "draft is kept")
	}
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "Missing required field: wind_speed", ErrorMessage(types.MissingFieldError(types.FieldWindSpeed)))
	assert.Equal(t, "Model not loaded", ErrorMessage(types.NewUpstreamRejected(500, "Model not loaded", nil)))
	assert.Equal(t, MsgServiceUnavailable, ErrorMessage(errors.New("EOF")))
}

func TestSubmit_ZonesAreIndependent(t *testing.T) {
	s := newScripted()
	m := NewMachine(zones.Default(), s)

	_, err := m.Submit(context.Background(), "A")
	require.NoError(t, err)
	ca := s.next(t)

	// B completes while A is still in flight.
	_, err = m.Submit(context.Background(), "B")
	require.NoError(t, err)
	s.next(t).release <- resolved(types.RiskHigh)

	require.Eventually(t, func() bool {
		st, _ := m.State("B")
		return st.Status() == StatusResolved
	}, 2*time.Second, 5*time.Millisecond)

	st, _ := m.State("A")
	assert.Equal(t, StatusPending, st.Status())

	ca.release <- resolved(types.RiskLow)
	m.Wait()
	st, _ = m.State("A")
	assert.Equal(t, types.RiskLow, st.LastResult.RiskLevel)
}

func TestSubmit_LastToCompleteWins(t *testing.T) {
	s := newScripted()
	m := NewMachine(zones.Default(), s)

	_, err := m.Submit(context.Background(), "B")
	require.NoError(t, err)
	first := s.next(t)
	_, err = m.Submit(context.Background(), "B")
	require.NoError(t, err)
	second := s.next(t)

	second.release <- resolved(types.RiskHigh)
	require.Eventually(t, func() bool {
		st, _ := m.State("B")
		return st.LastResult != nil && st.LastResult.RiskLevel == types.RiskHigh
	}, 2*time.Second, 5*time.Millisecond)

	first.release <- resolved(types.RiskLow)
	m.Wait()

	st, _ := m.State("B")
	assert.Equal(t, StatusResolved, st.Status())
	assert.Equal(t, types.RiskLow, st.LastResult.RiskLevel)
}

func TestSubmit_StaleGuardKeepsLatestIssued(t *testing.T) {
	s := newScripted()
	m := NewMachine(zones.Default(), s, WithStaleGuard(), WithLogger(quietLogger()))

	_, err := m.Submit(context.Background(), "B")
	require.NoError(t, err)
	first := s.next(t)
	seq, err := m.Submit(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	second := s.next(t)

	second.release <- resolved(types.RiskHigh)
	first.release <- resolved(types.RiskLow)
	m.Wait()

	st, _ := m.State("B")
	assert.Equal(t, types.RiskHigh, st.LastResult.RiskLevel)

	// Seeding does not overwrite a zone that submitted this session.
	ok, err := m.Seed("B", &types.PredictionRecord{Result: types.PredictionResult{RiskLevel: types.RiskLow}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestObserver(t *testing.T) {
	updates := make(chan Update, 8)
	s := newScripted()
	m := NewMachine(zones.Default(), s, WithObserver(func(u Update) { updates <- u }))

	_, err := m.Submit(context.Background(), "E")
	require.NoError(t, err)
	assert.Equal(t, Update{ZoneID: "E", Status: StatusPending}, <-updates)

	s.next(t).release <- resolved(types.RiskMedium)
	m.Wait()
	assert.Equal(t, Update{ZoneID: "E", Status: StatusResolved}, <-updates)
}

type fakeClassifier struct {
	result types.PredictionResult
}

func (f fakeClassifier) Classify(context.Context, types.Measurement) (*types.PredictionResult, error) {
	r := f.result
	return &r, nil
}

func TestScenario_ZoneAResolvesLow(t *testing.T) {
	store := history.NewMemoryStore()
	gw := prediction.NewGateway(fakeClassifier{types.PredictionResult{RiskLevel: types.RiskLow, RiskCode: 1}},
		store, zones.Default(), quietLogger())
	m := NewMachine(zones.Default(), gw)

	fillDraft(t, m, "A", scenario())
	_, err := m.Submit(context.Background(), "A")
	require.NoError(t, err)
	m.Wait()

	st, _ := m.State("A")
	assert.Equal(t, StatusResolved, st.Status())
	assert.Equal(t, types.RiskLow, st.LastResult.RiskLevel)

	stats, err := gw.Stats(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.RiskDistribution[types.RiskLow], int64(1))
}

func TestScenario_MissingFieldThroughGateway(t *testing.T) {
	gw := prediction.NewGateway(fakeClassifier{}, history.NewMemoryStore(), zones.Default(), quietLogger())
	m := NewMachine(zones.Default(), gw)

	fillDraft(t, m, "A", scenario())
	require.NoError(t, m.EditField("A", types.FieldSlopeHeight, "  "))
	_, err := m.Submit(context.Background(), "A")
	require.NoError(t, err)
	m.Wait()

	st, _ := m.State("A")
	assert.Equal(t, StatusErrored, st.Status())
	assert.Equal(t, "Missing required field: slope_height_m", st.LastError)
}
