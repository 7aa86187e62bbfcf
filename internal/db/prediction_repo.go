package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"rockfall/internal/types"
)

// Query bounds applied when the caller does not set (or exceeds) a limit.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// schemaStatements create the predictions table and the two indexes that
// history retrieval and statistics rely on.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS predictions (
		id          TEXT PRIMARY KEY,
		zone_id     TEXT NOT NULL DEFAULT '',
		zone_label  TEXT NOT NULL,
		input       JSONB NOT NULL,
		result      JSONB NOT NULL,
		risk_level  TEXT NOT NULL,
		created_by  TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_predictions_created_at ON predictions (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_predictions_risk_level ON predictions (risk_level)`,
}

// NewPredictionID returns a new opaque record identifier.
func NewPredictionID() string {
	return "pred_" + uuid.NewString()
}

// PredictionRepository provides data access for the predictions table. It
// implements types.PredictionRepository.
//
// Records are immutable: there is no update path. Appends from concurrent
// submits are independent single-row inserts.
type PredictionRepository struct {
	db     DBTX
	limits limits
}

type limits struct {
	def, max int
}

// RepositoryOption customizes a PredictionRepository.
type RepositoryOption func(*PredictionRepository)

// WithLimits overrides the default and maximum history query limits.
func WithLimits(def, max int) RepositoryOption {
	return func(r *PredictionRepository) {
		if def > 0 {
			r.limits.def = def
		}
		if max >= r.limits.def {
			r.limits.max = max
		}
	}
}

// NewPredictionRepository creates a PredictionRepository backed by the given
// database connection (pool or transaction).
func NewPredictionRepository(db DBTX, opts ...RepositoryOption) *PredictionRepository {
	r := &PredictionRepository{db: db, limits: limits{def: DefaultHistoryLimit, max: MaxHistoryLimit}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureSchema creates the predictions table and indexes if they are absent.
func (r *PredictionRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to ensure predictions schema", err)
		}
	}
	return nil
}

// predictionColumns is the column order used by every SELECT and by
// scanPrediction.
const predictionColumns = `id, zone_id, zone_label, input, result, created_by, created_at`

// Append inserts a new prediction record. An empty ID is assigned and a zero
// CreatedAt is set to the current time; both are written back to rec.
func (r *PredictionRepository) Append(ctx context.Context, rec *types.PredictionRecord) error {
	if rec.ID == "" {
		rec.ID = NewPredictionID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	input, err := json.Marshal(rec.Input)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to encode prediction input", err)
	}
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to encode prediction result", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO predictions (id, zone_id, zone_label, input, result, risk_level, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.ZoneID, rec.ZoneLabel, input, result, string(rec.Result.RiskLevel), rec.CreatedBy, rec.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert prediction", err)
	}
	return nil
}

// Query returns records matching filter, most recent first. The limit is
// bounded by the repository's default and maximum.
func (r *PredictionRepository) Query(ctx context.Context, filter types.HistoryFilter) ([]*types.PredictionRecord, error) {
	var (
		conditions []string
		args       []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if filter.RiskLevel != "" {
		add("risk_level = $%d", string(filter.RiskLevel))
	}
	if filter.ZoneLabel != "" {
		add("zone_label = $%d", filter.ZoneLabel)
	}
	if filter.ZoneID != "" {
		add("zone_id = $%d", filter.ZoneID)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, r.clampLimit(filter.Limit))

	query := fmt.Sprintf(
		`SELECT %s
		 FROM predictions
		 %s
		 ORDER BY created_at DESC, id DESC
		 LIMIT $%d`,
		predictionColumns, where, len(args),
	)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query predictions", err)
	}
	defer rows.Close()

	var results []*types.PredictionRecord
	for rows.Next() {
		rec, scanErr := scanPrediction(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan prediction row", scanErr)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating prediction rows", err)
	}
	return results, nil
}

// clampLimit applies the default for non-positive limits and caps the rest.
func (r *PredictionRepository) clampLimit(limit int) int {
	if limit <= 0 {
		return r.limits.def
	}
	return min(limit, r.limits.max)
}

// scanPrediction scans one row in predictionColumns order.
func scanPrediction(row pgx.Row) (*types.PredictionRecord, error) {
	var (
		rec           types.PredictionRecord
		input, result []byte
	)
	if err := row.Scan(&rec.ID, &rec.ZoneID, &rec.ZoneLabel, &input, &result, &rec.CreatedBy, &rec.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(input, &rec.Input); err != nil {
		return nil, fmt.Errorf("decoding input of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal(result, &rec.Result); err != nil {
		return nil, fmt.Errorf("decoding result of %s: %w", rec.ID, err)
	}
	return &rec, nil
}

// CountAll returns the total number of stored predictions.
func (r *PredictionRepository) CountAll(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM predictions`).Scan(&n); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count predictions", err)
	}
	return n, nil
}

// CountSince returns the number of predictions created at or after since.
func (r *PredictionRepository) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM predictions WHERE created_at >= $1`, since).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count recent predictions", err)
	}
	return n, nil
}

// AggregateByRiskLevel returns the number of predictions per risk level.
// Levels without predictions are absent from the map.
func (r *PredictionRepository) AggregateByRiskLevel(ctx context.Context) (map[types.RiskLevel]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT risk_level, COUNT(*) FROM predictions GROUP BY risk_level`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate predictions", err)
	}
	defer rows.Close()

	dist := make(map[types.RiskLevel]int64)
	for rows.Next() {
		var (
			level string
			count int64
		)
		if err := rows.Scan(&level, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan aggregate row", err)
		}
		dist[types.RiskLevel(level)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating aggregate rows", err)
	}
	return dist, nil
}

// DeleteByID removes a prediction. It returns not_found_prediction when no
// row has the given id.
func (r *PredictionRepository) DeleteByID(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM predictions WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete prediction", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundPrediction, "Prediction not found", nil)
	}
	return nil
}

var _ types.PredictionRepository = (*PredictionRepository)(nil)
