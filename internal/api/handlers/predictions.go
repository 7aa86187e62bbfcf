// Package handlers maps the prediction API onto the Prediction Gateway.
//
// Endpoints (mounted under /api):
//   - POST   /predict
//   - GET    /history
//   - GET    /history/export
//   - DELETE /history/{id}
//   - GET    /stats
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"rockfall/internal/core"
	"rockfall/internal/export"
	"rockfall/internal/types"
)

// PredictionService defines the service contract for the prediction handler.
// *prediction.Gateway satisfies it; it is declared here so tests can inject
// a stub.
type PredictionService interface {
	Submit(ctx context.Context, zoneID string, in *types.MeasurementInput) (*types.Prediction, error)
	History(ctx context.Context, filter types.HistoryFilter) ([]*types.PredictionRecord, error)
	Stats(ctx context.Context) (*types.PredictionStats, error)
	Delete(ctx context.Context, id string) error
}

// PredictionHandler serves predictions and their history.
type PredictionHandler struct {
	service   PredictionService
	validator *core.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// NewPredictionHandler creates a PredictionHandler.
func NewPredictionHandler(svc PredictionService, val *core.Validator, logger *slog.Logger) *PredictionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PredictionHandler{
		service:   svc,
		validator: val,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes mounts the prediction endpoints.
func (h *PredictionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/predict", h.HandlePredict)
	r.Get("/history", h.HandleHistory)
	r.Get("/history/export", h.HandleExport)
	r.Delete("/history/{id}", h.HandleDelete)
	r.Get("/stats", h.HandleStats)
}

// HandlePredict handles POST /predict.
//  1. Decode the measurement (numbers or numeric strings). An empty body is
//     an empty measurement, reported by its first missing field.
//  2. Submit through the gateway, which validates all seven fields.
//  3. Return the classifier result with its timestamp.
func (h *PredictionHandler) HandlePredict(w http.ResponseWriter, r *http.Request) {
	var in types.MeasurementInput
	if err := core.DecodeJSON(w, r, &in); err != nil && !errors.Is(err, io.EOF) {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(in, types.ErrCodeValidationInvalidField); err != nil {
		core.Error(w, r, err)
		return
	}

	pred, err := h.service.Submit(r.Context(), in.ZoneID, &in)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.OK(w, r, pred)
}

// historyQuery holds the /history filters.
type historyQuery struct {
	Limit     *int   `query:"limit" validate:"omitempty,min=1"`
	RiskLevel string `query:"risk_level" validate:"omitempty,oneof=Low Medium High"`
	Zone      string `query:"zone" validate:"omitempty,max=120"`
	ZoneID    string `query:"zone_id" validate:"omitempty,max=32"`
}

// parseHistoryQuery reads and validates the history filters. Limits above
// the store maximum are clamped by the store, not rejected.
func (h *PredictionHandler) parseHistoryQuery(r *http.Request) (types.HistoryFilter, error) {
	q := r.URL.Query()
	hq := historyQuery{
		RiskLevel: q.Get("risk_level"),
		Zone:      q.Get("zone"),
		ZoneID:    q.Get("zone_id"),
	}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return types.HistoryFilter{}, types.NewAppErrorWithDetails(
				types.ErrCodeValidationInvalidQuery,
				"limit must be an integer",
				err,
				map[string]any{"field": "limit"},
			)
		}
		hq.Limit = &n
	}

	if err := h.validator.ValidateStruct(hq, types.ErrCodeValidationInvalidQuery); err != nil {
		return types.HistoryFilter{}, err
	}

	filter := types.HistoryFilter{
		RiskLevel: types.RiskLevel(hq.RiskLevel),
		ZoneLabel: hq.Zone,
		ZoneID:    hq.ZoneID,
	}
	if hq.Limit != nil {
		filter.Limit = *hq.Limit
	}
	return filter, nil
}

// HandleHistory handles GET /history?limit=&risk_level=&zone=&zone_id=.
func (h *PredictionHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := h.parseHistoryQuery(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	records, err := h.service.History(r.Context(), filter)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.List(w, r, records)
}

// HandleExport handles GET /history/export?format=xlsx|pdf with the same
// filters as /history.
func (h *PredictionHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	filter, err := h.parseHistoryQuery(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	records, err := h.service.History(r.Context(), filter)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	now := h.now()
	body, err := export.Build(format, records, now)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "history export failed", "format", string(format), "error", err)
		core.Error(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", format.FileName(now)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// HandleDelete handles DELETE /history/{id}.
func (h *PredictionHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.Delete(r.Context(), id); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Success: true, Message: "Prediction deleted"})
}

// HandleStats handles GET /stats.
func (h *PredictionHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.OK(w, r, stats)
}
