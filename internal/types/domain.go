package types

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultActor is recorded on predictions submitted without a caller identity.
const DefaultActor = "anonymous"

// DefaultZoneLabel is persisted when a prediction arrives without any zone.
const DefaultZoneLabel = "Default Zone"

// RiskLevel is the classifier's categorical risk output.
type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// RiskLevels lists the known levels in ascending severity.
var RiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh}

// Valid reports whether the level is one of the known values.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Measurement is a validated set of slope and weather parameters, shaped as
// the classifier expects it. No range clamping is ever applied.
type Measurement struct {
	TemperatureC           float64 `json:"temperature_c"`
	HumidityPct            float64 `json:"humidity_pct"`
	WindSpeed              float64 `json:"wind_speed"`
	RainFlag               int     `json:"rain_flag"`
	SlopeAngleDeg          float64 `json:"slope_angle_deg"`
	SlopeHeightM           float64 `json:"slope_height_m"`
	PoreWaterPressureRatio float64 `json:"pore_water_pressure_ratio"`
}

// Value returns the numeric value of the named field. Unknown names yield
// (0, false).
func (m Measurement) Value(field string) (float64, bool) {
	switch field {
	case FieldTemperature:
		return m.TemperatureC, true
	case FieldHumidity:
		return m.HumidityPct, true
	case FieldWindSpeed:
		return m.WindSpeed, true
	case FieldRainFlag:
		return float64(m.RainFlag), true
	case FieldSlopeAngle:
		return m.SlopeAngleDeg, true
	case FieldSlopeHeight:
		return m.SlopeHeightM, true
	case FieldPorePressure:
		return m.PoreWaterPressureRatio, true
	}
	return 0, false
}

// Reading is one measurement value as received on the wire. Both JSON
// numbers and numeric strings are accepted; anything else is retained with
// OK=false so validation can name the offending field.
type Reading struct {
	Value float64
	Raw   string
	OK    bool
}

// ReadingOf returns a valid Reading holding v.
func ReadingOf(v float64) *Reading {
	return &Reading{Value: v, Raw: strconv.FormatFloat(v, 'f', -1, 64), OK: true}
}

// ParseReading interprets free-form text the way a form field is read.
// Empty text yields nil, i.e. an absent field.
func ParseReading(text string) *Reading {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil
	}
	r := &Reading{Raw: s}
	v, err := strconv.ParseFloat(s, 64)
	if err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
		r.Value, r.OK = v, true
	}
	return r
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Reading) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if strings.HasPrefix(s, `"`) {
		var unq string
		if err := json.Unmarshal(b, &unq); err != nil {
			return err
		}
		s = unq
	}
	parsed := ParseReading(s)
	if parsed == nil {
		*r = Reading{Raw: s}
		return nil
	}
	*r = *parsed
	return nil
}

// MarshalJSON implements json.Marshaler. Invalid readings round-trip as
// their raw text.
func (r Reading) MarshalJSON() ([]byte, error) {
	if r.OK {
		return json.Marshal(r.Value)
	}
	return json.Marshal(r.Raw)
}

// MeasurementInput is the unvalidated measurement of a predict request. A nil
// field is absent. Zone and ZoneID are optional routing attributes.
type MeasurementInput struct {
	TemperatureC           *Reading `json:"temperature_c"`
	HumidityPct            *Reading `json:"humidity_pct"`
	WindSpeed              *Reading `json:"wind_speed"`
	RainFlag               *Reading `json:"rain_flag"`
	SlopeAngleDeg          *Reading `json:"slope_angle_deg"`
	SlopeHeightM           *Reading `json:"slope_height_m"`
	PoreWaterPressureRatio *Reading `json:"pore_water_pressure_ratio"`

	Zone   string `json:"zone,omitempty" validate:"omitempty,max=120"`
	ZoneID string `json:"zone_id,omitempty" validate:"omitempty,max=32"`
}

// Reading returns the input's reading for the named field.
func (in *MeasurementInput) Reading(field string) *Reading {
	switch field {
	case FieldTemperature:
		return in.TemperatureC
	case FieldHumidity:
		return in.HumidityPct
	case FieldWindSpeed:
		return in.WindSpeed
	case FieldRainFlag:
		return in.RainFlag
	case FieldSlopeAngle:
		return in.SlopeAngleDeg
	case FieldSlopeHeight:
		return in.SlopeHeightM
	case FieldPorePressure:
		return in.PoreWaterPressureRatio
	}
	return nil
}

// InputFromMeasurement converts a validated measurement back to input form.
func InputFromMeasurement(m Measurement) *MeasurementInput {
	return &MeasurementInput{
		TemperatureC:           ReadingOf(m.TemperatureC),
		HumidityPct:            ReadingOf(m.HumidityPct),
		WindSpeed:              ReadingOf(m.WindSpeed),
		RainFlag:               ReadingOf(float64(m.RainFlag)),
		SlopeAngleDeg:          ReadingOf(m.SlopeAngleDeg),
		SlopeHeightM:           ReadingOf(m.SlopeHeightM),
		PoreWaterPressureRatio: ReadingOf(m.PoreWaterPressureRatio),
	}
}

// InputFromStrings parses raw text keyed by field name, as typed into a form
// or passed on a command line. Blank or absent values are treated as missing.
func InputFromStrings(values map[string]string) *MeasurementInput {
	return &MeasurementInput{
		TemperatureC:           ParseReading(values[FieldTemperature]),
		HumidityPct:            ParseReading(values[FieldHumidity]),
		WindSpeed:              ParseReading(values[FieldWindSpeed]),
		RainFlag:               ParseReading(values[FieldRainFlag]),
		SlopeAngleDeg:          ParseReading(values[FieldSlopeAngle]),
		SlopeHeightM:           ParseReading(values[FieldSlopeHeight]),
		PoreWaterPressureRatio: ParseReading(values[FieldPorePressure]),
	}
}

// PredictionResult is the classifier's output. It is relayed and persisted
// exactly as decoded.
type PredictionResult struct {
	RiskLevel     RiskLevel          `json:"risk_level"`
	RiskCode      int                `json:"risk_code"`
	Probability   *float64           `json:"probability,omitempty"`
	Confidence    *float64           `json:"confidence,omitempty"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
	Message       string             `json:"message,omitempty"`
}

// Score returns the probability if present, otherwise the confidence, and
// zero when the classifier reported neither.
func (r PredictionResult) Score() float64 {
	if r.Probability != nil {
		return *r.Probability
	}
	if r.Confidence != nil {
		return *r.Confidence
	}
	return 0
}

// PredictionRecord is the durable log entry pairing a measurement with its
// classification. Records are immutable; they can only be deleted by ID.
type PredictionRecord struct {
	ID        string           `json:"id"`
	ZoneID    string           `json:"zone_id,omitempty"`
	ZoneLabel string           `json:"zone"`
	Input     Measurement      `json:"input"`
	Result    PredictionResult `json:"result"`
	CreatedBy string           `json:"created_by,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Prediction is the gateway's answer to a submit: the classifier result plus
// the time it was produced and where it was filed.
type Prediction struct {
	PredictionResult
	ZoneID    string    `json:"zone_id,omitempty"`
	ZoneLabel string    `json:"zone"`
	RecordID  string    `json:"record_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryFilter narrows a history query. Zero values mean "no filter";
// Limit is bounded by the store.
type HistoryFilter struct {
	RiskLevel RiskLevel
	ZoneLabel string
	ZoneID    string
	Limit     int
}

// PredictionStats summarises the history log.
type PredictionStats struct {
	TotalPredictions  int64               `json:"totalPredictions"`
	RecentPredictions int64               `json:"recentPredictions"`
	RiskDistribution  map[RiskLevel]int64 `json:"riskDistribution"`
}
