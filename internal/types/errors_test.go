package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

// TestAppErrorImplementsError verifies that *AppError satisfies the error interface.
func TestAppErrorImplementsError(t *testing.T) {
	var _ error = (*AppError)(nil)
}

// TestAppErrorErrorFormat verifies the Error() method produces the format "code: message".
func TestAppErrorErrorFormat(t *testing.T) {
	appErr := &AppError{
		Code:    ErrCodeValidationMissingField,
		Message: "Missing required field: wind_speed",
	}

	expected := "validation_missing_required_field: Missing required field: wind_speed"
	if appErr.Error() != expected {
		t.Errorf("Error() = %q, want %q", appErr.Error(), expected)
	}
}

// TestAppErrorUnwrap verifies the error chain support via Unwrap.
func TestAppErrorUnwrap(t *testing.T) {
	underlying := errors.New("database connection failed")
	appErr := &AppError{
		Code:    ErrCodeInternalDB,
		Message: "failed to append prediction",
		Err:     underlying,
	}

	if appErr.Unwrap() != underlying {
		t.Errorf("Unwrap() returned unexpected error: got %v, want %v", appErr.Unwrap(), underlying)
	}
	if !errors.Is(appErr, underlying) {
		t.Error("errors.Is should find the underlying error")
	}
}

// TestAppErrorErrorsAs verifies that errors.As can extract AppError from an error chain.
func TestAppErrorErrorsAs(t *testing.T) {
	appErr := NewAppError(ErrCodeNotFoundPrediction, "prediction not found", nil)
	wrappedErr := fmt.Errorf("handler failed: %w", appErr)

	var target *AppError
	if !errors.As(wrappedErr, &target) {
		t.Fatal("errors.As failed to extract AppError from wrapped error")
	}
	if target.Code != ErrCodeNotFoundPrediction {
		t.Errorf("extracted code = %q, want %q", target.Code, ErrCodeNotFoundPrediction)
	}
	if !IsCode(wrappedErr, ErrCodeNotFoundPrediction) {
		t.Error("IsCode should match the wrapped code")
	}
	if IsCode(wrappedErr, ErrCodeNotFoundZone) {
		t.Error("IsCode should not match a different code")
	}
}

func TestErrorCodeHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeValidationInvalidField, http.StatusBadRequest},
		{ErrCodeValidationInvalidQuery, http.StatusBadRequest},
		{ErrCodeNotFoundPrediction, http.StatusNotFound},
		{ErrCodeNotFoundZone, http.StatusNotFound},
		{ErrCodeUpstreamUnavailable, http.StatusServiceUnavailable},
		{ErrCodeUpstreamRejected, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_else"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNewUpstreamRejected_CarriesStatus(t *testing.T) {
	body := map[string]any{"error": "Temperature must be between -20 to 50°C"}
	err := NewUpstreamRejected(http.StatusUnprocessableEntity, "Temperature must be between -20 to 50°C", body)

	if err.HTTPStatus() != http.StatusUnprocessableEntity {
		t.Errorf("HTTPStatus() = %d, want %d", err.HTTPStatus(), http.StatusUnprocessableEntity)
	}
	if err.Details["error"] != body["error"] {
		t.Errorf("details not carried: %v", err.Details)
	}

	fallback := NewUpstreamRejected(http.StatusInternalServerError, "", nil)
	if fallback.Message != "Prediction failed" {
		t.Errorf("default message = %q", fallback.Message)
	}
}

func TestWithDetails_DoesNotMutateOriginal(t *testing.T) {
	orig := NewAppErrorWithDetails(ErrCodeValidationMissingField, "missing", nil, map[string]any{"field": "wind_speed"})
	merged := orig.WithDetails(map[string]any{"zone": "A"})

	if _, ok := orig.Details["zone"]; ok {
		t.Error("original details were mutated")
	}
	if merged.Details["field"] != "wind_speed" || merged.Details["zone"] != "A" {
		t.Errorf("merged details = %v", merged.Details)
	}
}
