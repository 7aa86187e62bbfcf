// Package zonestate holds the per-zone prediction lifecycle: draft inputs,
// the single-expanded-zone invariant, asynchronous submits, and seeding from
// persisted history.
//
// All transitions run under one lock over the whole zone collection. The
// classifier call itself runs outside the lock, so submits on different
// zones never wait on one another.
package zonestate

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"rockfall/internal/types"
	"rockfall/internal/zones"
)

// Status is the lifecycle position of one zone. It is derived from the
// zone's fields, so a zone is always in exactly one status.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusErrored  Status = "errored"
)

// MsgServiceUnavailable is shown when the prediction service cannot be reached.
const MsgServiceUnavailable = "service unavailable"

// Submitter runs a prediction. *prediction.Gateway and the HTTP API client
// both satisfy it.
type Submitter interface {
	Submit(ctx context.Context, zoneID string, in *types.MeasurementInput) (*types.Prediction, error)
}

// ZoneState is a snapshot of one zone.
type ZoneState struct {
	Zone       zones.Zone
	Expanded   bool
	Draft      map[string]string
	LastResult *types.PredictionResult
	Pending    bool
	LastError  string
}

// Status derives the lifecycle status.
func (s ZoneState) Status() Status {
	switch {
	case s.Pending:
		return StatusPending
	case s.LastError != "":
		return StatusErrored
	case s.LastResult != nil:
		return StatusResolved
	default:
		return StatusIdle
	}
}

// Update is delivered to observers after every state change.
type Update struct {
	ZoneID string
	Status Status
}

type zoneEntry struct {
	state ZoneState
	seq   uint64 // last issued submit
}

// Machine owns the state of every registered zone.
type Machine struct {
	submitter  Submitter
	logger     *slog.Logger
	staleGuard bool
	observer   func(Update)

	mu    sync.Mutex
	order []string
	zones map[string]*zoneEntry

	inflight sync.WaitGroup
}

// Option configures a Machine.
type Option func(*Machine)

// WithStaleGuard discards a submit's response when a newer submit has been
// issued for the same zone. Without it the last response to arrive wins.
func WithStaleGuard() Option {
	return func(m *Machine) { m.staleGuard = true }
}

// WithObserver registers a callback invoked, outside the lock, after each
// transition.
func WithObserver(fn func(Update)) Option {
	return func(m *Machine) { m.observer = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// NewMachine creates idle state for every zone in the registry. The first
// zone in display order starts expanded.
func NewMachine(registry *zones.Registry, submitter Submitter, opts ...Option) *Machine {
	m := &Machine{
		submitter: submitter,
		logger:    slog.Default(),
		zones:     make(map[string]*zoneEntry, registry.Len()),
	}
	for _, opt := range opts {
		opt(m)
	}

	for i, z := range registry.All() {
		m.order = append(m.order, z.ID)
		m.zones[z.ID] = &zoneEntry{state: ZoneState{
			Zone:     z,
			Expanded: i == 0,
			Draft:    map[string]string{},
		}}
	}
	return m
}

func (m *Machine) entry(zoneID string) (*zoneEntry, error) {
	e, ok := m.zones[zoneID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundZone, "Zone not found: "+zoneID, nil)
	}
	return e, nil
}

func (m *Machine) notify(zoneID string, st Status) {
	if m.observer != nil {
		m.observer(Update{ZoneID: zoneID, Status: st})
	}
}

// EditField stores freeform text for a measurement field. It clears the
// zone's error and leaves pending and the last result untouched.
func (m *Machine) EditField(zoneID, field, value string) error {
	if !knownField(field) {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField,
			"Unknown measurement field: "+field, nil, map[string]any{"field": field})
	}

	m.mu.Lock()
	e, err := m.entry(zoneID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	e.state.Draft[field] = value
	e.state.LastError = ""
	st := e.state.Status()
	m.mu.Unlock()

	m.notify(zoneID, st)
	return nil
}

// ToggleExpand expands zoneID and collapses every other zone, or collapses
// zoneID if it was already expanded.
func (m *Machine) ToggleExpand(zoneID string) error {
	m.mu.Lock()
	target, err := m.entry(zoneID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	expand := !target.state.Expanded
	for id, e := range m.zones {
		e.state.Expanded = expand && id == zoneID
	}
	st := target.state.Status()
	m.mu.Unlock()

	m.notify(zoneID, st)
	return nil
}

// Expanded returns the id of the expanded zone, if any.
func (m *Machine) Expanded() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		if m.zones[id].state.Expanded {
			return id, true
		}
	}
	return "", false
}

// Submit moves the zone to pending and runs the prediction in the
// background. It returns the submit's sequence number. A zone that is
// already pending may be submitted again; the responses race.
func (m *Machine) Submit(ctx context.Context, zoneID string) (uint64, error) {
	m.mu.Lock()
	e, err := m.entry(zoneID)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	e.seq++
	seq := e.seq
	e.state.Pending = true
	e.state.LastError = ""
	in := types.InputFromStrings(e.state.Draft)
	m.mu.Unlock()

	m.notify(zoneID, StatusPending)

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		pred, err := m.submitter.Submit(ctx, zoneID, in)
		m.complete(zoneID, seq, pred, err)
	}()
	return seq, nil
}

// Wait blocks until every in-flight submit has been applied.
func (m *Machine) Wait() {
	m.inflight.Wait()
}

func (m *Machine) complete(zoneID string, seq uint64, pred *types.Prediction, err error) {
	m.mu.Lock()
	e := m.zones[zoneID]
	if m.staleGuard && seq != e.seq {
		m.mu.Unlock()
		m.logger.Debug("discarding stale prediction response",
			"zone_id", zoneID,
			"seq", seq,
			"latest", e.seq,
		)
		return
	}

	e.state.Pending = false
	if err != nil {
		e.state.LastError = ErrorMessage(err)
	} else {
		result := pred.PredictionResult
		e.state.LastResult = &result
		e.state.LastError = ""
	}
	st := e.state.Status()
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("zone prediction failed", "zone_id", zoneID, "error", err)
	}
	m.notify(zoneID, st)
}

// Seed overwrites a zone's draft and last result from a persisted record.
// With the stale guard enabled, zones that have already submitted in this
// session are left alone.
func (m *Machine) Seed(zoneID string, rec *types.PredictionRecord) (bool, error) {
	m.mu.Lock()
	e, err := m.entry(zoneID)
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	if m.staleGuard && e.seq > 0 {
		m.mu.Unlock()
		return false, nil
	}
	e.state.Draft = draftFromMeasurement(rec.Input)
	result := rec.Result
	e.state.LastResult = &result
	e.state.Pending = false
	e.state.LastError = ""
	st := e.state.Status()
	m.mu.Unlock()

	m.notify(zoneID, st)
	return true, nil
}

// Snapshot returns a copy of every zone in display order.
func (m *Machine) Snapshot() []ZoneState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ZoneState, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, copyState(m.zones[id].state))
	}
	return out
}

// State returns a copy of one zone.
func (m *Machine) State(zoneID string) (ZoneState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entry(zoneID)
	if err != nil {
		return ZoneState{}, err
	}
	return copyState(e.state), nil
}

func copyState(s ZoneState) ZoneState {
	draft := make(map[string]string, len(s.Draft))
	for k, v := range s.Draft {
		draft[k] = v
	}
	s.Draft = draft
	if s.LastResult != nil {
		r := *s.LastResult
		s.LastResult = &r
	}
	return s
}

// ErrorMessage renders a submit failure for display: the validation or
// upstream message when there is one, otherwise MsgServiceUnavailable.
func ErrorMessage(err error) string {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return MsgServiceUnavailable
	}
	if appErr.Code == types.ErrCodeUpstreamUnavailable || appErr.Message == "" {
		return MsgServiceUnavailable
	}
	return appErr.Message
}

func knownField(field string) bool {
	for _, f := range types.MeasurementFields {
		if f.Name == field {
			return true
		}
	}
	return false
}

func draftFromMeasurement(in types.Measurement) map[string]string {
	draft := make(map[string]string, len(types.MeasurementFields))
	for _, f := range types.MeasurementFields {
		v, _ := in.Value(f.Name)
		draft[f.Name] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return draft
}
