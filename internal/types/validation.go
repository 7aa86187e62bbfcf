package types

import (
	"fmt"
	"math"
)

// Measurement field names, as they appear on the wire.
const (
	FieldTemperature  = "temperature_c"
	FieldHumidity     = "humidity_pct"
	FieldWindSpeed    = "wind_speed"
	FieldRainFlag     = "rain_flag"
	FieldSlopeAngle   = "slope_angle_deg"
	FieldSlopeHeight  = "slope_height_m"
	FieldPorePressure = "pore_water_pressure_ratio"
)

// FieldMetadata describes a measurement field for display. Range is advisory
// only; it is shown as a hint and never enforced.
type FieldMetadata struct {
	Name  string     `json:"name"`
	Label string     `json:"label"`
	Unit  string     `json:"unit"`
	Range [2]float64 `json:"hint_range"`
}

// MeasurementFields lists the required fields in their fixed check order.
// Validation always reports the first offending field in this order.
var MeasurementFields = []FieldMetadata{
	{Name: FieldTemperature, Label: "Temperature", Unit: "°C", Range: [2]float64{-20, 50}},
	{Name: FieldHumidity, Label: "Humidity", Unit: "%", Range: [2]float64{0, 100}},
	{Name: FieldWindSpeed, Label: "Wind Speed", Unit: "m/s", Range: [2]float64{0, 50}},
	{Name: FieldRainFlag, Label: "Rain", Unit: "0/1", Range: [2]float64{0, 1}},
	{Name: FieldSlopeAngle, Label: "Slope Angle", Unit: "deg", Range: [2]float64{0, 90}},
	{Name: FieldSlopeHeight, Label: "Slope Height", Unit: "m", Range: [2]float64{0, 500}},
	{Name: FieldPorePressure, Label: "Pore Water Pressure Ratio", Unit: "ratio", Range: [2]float64{0, 1}},
}

// MissingFieldError builds the validation error for an absent field.
func MissingFieldError(field string) *AppError {
	return NewAppErrorWithDetails(
		ErrCodeValidationMissingField,
		fmt.Sprintf("Missing required field: %s", field),
		nil,
		map[string]any{"field": field},
	)
}

// InvalidFieldError builds the validation error for a non-numeric field.
func InvalidFieldError(field, raw string) *AppError {
	return NewAppErrorWithDetails(
		ErrCodeValidationInvalidField,
		fmt.Sprintf("Invalid numeric value for field: %s", field),
		nil,
		map[string]any{"field": field, "value": raw},
	)
}

// Validate checks the seven required fields in MeasurementFields order and
// returns the validated Measurement. The rain flag is truncated to an integer;
// values outside {0,1} are passed through unchanged.
func (in *MeasurementInput) Validate() (Measurement, error) {
	if in == nil {
		return Measurement{}, MissingFieldError(MeasurementFields[0].Name)
	}

	values := make(map[string]float64, len(MeasurementFields))
	for _, f := range MeasurementFields {
		r := in.Reading(f.Name)
		if r == nil {
			return Measurement{}, MissingFieldError(f.Name)
		}
		if !r.OK {
			return Measurement{}, InvalidFieldError(f.Name, r.Raw)
		}
		values[f.Name] = r.Value
	}

	return Measurement{
		TemperatureC:           values[FieldTemperature],
		HumidityPct:            values[FieldHumidity],
		WindSpeed:              values[FieldWindSpeed],
		RainFlag:               int(math.Trunc(values[FieldRainFlag])),
		SlopeAngleDeg:          values[FieldSlopeAngle],
		SlopeHeightM:           values[FieldSlopeHeight],
		PoreWaterPressureRatio: values[FieldPorePressure],
	}, nil
}
