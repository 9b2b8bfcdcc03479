package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(ErrCodeNotFound, "Teacher not found")
		assert.Equal(t, "NOT_FOUND: Teacher not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("database connection failed")
		err := Wrap(ErrCodeDatabase, "Database error", cause)
		assert.Contains(t, err.Error(), "DATABASE_ERROR")
		assert.Contains(t, err.Error(), "Database error")
		assert.Contains(t, err.Error(), "database connection failed")
	})

	t.Run("WithCause adds cause to error", func(t *testing.T) {
		cause := errors.New("original error")
		err := New(ErrCodeInternal, "Something went wrong").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("WithDetails adds details to error", func(t *testing.T) {
		details := map[string]string{"field": "latitude", "reason": "not a number"}
		err := New(ErrCodeValidation, "Validation failed").WithDetails(details)
		assert.Equal(t, details, err.Details)
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func() *AppError
		expectedCode ErrorCode
	}{
		{"NotFound", func() *AppError { return NotFound("Teacher") }, ErrCodeNotFound},
		{"ValidationError", func() *AppError { return ValidationError("test") }, ErrCodeValidation},
		{"InvalidInput", func() *AppError { return InvalidInput("email", "invalid") }, ErrCodeInvalidInput},
		{"MissingRequired", func() *AppError { return MissingRequired("email") }, ErrCodeMissingRequired},
		{"InvalidCoordinate", func() *AppError { return InvalidCoordinate("latitude out of range") }, ErrCodeInvalidCoordinate},
		{"FetchFailed", func() *AppError { return FetchFailed(errors.New("timeout")) }, ErrCodeFetch},
		{"ImageDecode", func() *AppError { return ImageDecode(errors.New("bad magic")) }, ErrCodeImageDecode},
		{"NoFaceDetected", func() *AppError { return NoFaceDetected() }, ErrCodeNoFaceDetected},
		{"Device", func() *AppError { return Device(errors.New("refused")) }, ErrCodeDevice},
		{"NoActiveSession", func() *AppError { return NoActiveSession() }, ErrCodeNoActiveSession},
		{"StreamInUse", func() *AppError { return StreamInUse() }, ErrCodeStreamInUse},
		{"RateLimitExceeded", func() *AppError { return RateLimitExceeded() }, ErrCodeRateLimitExceeded},
		{"NoChange", func() *AppError { return NoChange() }, ErrCodeNoChange},
		{"Internal", func() *AppError { return Internal("test") }, ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constructor()
			assert.Equal(t, tc.expectedCode, err.Code)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestDatabase(t *testing.T) {
	t.Run("wraps database error", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := Database(cause)
		assert.Equal(t, ErrCodeDatabase, err.Code)
		assert.Equal(t, cause, err.Unwrap())
	})
}

func TestExternal(t *testing.T) {
	t.Run("wraps external service error", func(t *testing.T) {
		cause := errors.New("timeout")
		err := External("embedding service", cause)
		assert.Equal(t, ErrCodeExternal, err.Code)
		assert.Contains(t, err.Message, "embedding service")
		assert.Equal(t, cause, err.Unwrap())
	})
}

func TestAsAppError(t *testing.T) {
	t.Run("extracts AppError", func(t *testing.T) {
		original := New(ErrCodeNotFound, "Teacher not found")
		extracted, ok := AsAppError(original)
		assert.True(t, ok)
		assert.Equal(t, original, extracted)
	})

	t.Run("extracts AppError through fmt wrapping", func(t *testing.T) {
		original := NoFaceDetected()
		wrapped := fmt.Errorf("load reference: %w", original)
		extracted, ok := AsAppError(wrapped)
		assert.True(t, ok)
		assert.Equal(t, original, extracted)
	})

	t.Run("returns false for non-AppError", func(t *testing.T) {
		err := errors.New("standard error")
		extracted, ok := AsAppError(err)
		assert.False(t, ok)
		assert.Nil(t, extracted)
	})
}

func TestGetCode(t *testing.T) {
	t.Run("returns code for AppError", func(t *testing.T) {
		assert.Equal(t, ErrCodeNotFound, GetCode(New(ErrCodeNotFound, "test")))
	})

	t.Run("returns ErrCodeInternal for standard error", func(t *testing.T) {
		assert.Equal(t, ErrCodeInternal, GetCode(errors.New("standard error")))
	})
}

func TestHasCode(t *testing.T) {
	assert.True(t, HasCode(NotFound("Teacher"), ErrCodeNotFound))
	assert.False(t, HasCode(NotFound("Teacher"), ErrCodeDatabase))
	assert.False(t, HasCode(errors.New("plain"), ErrCodeNotFound))
	assert.False(t, HasCode(nil, ErrCodeNotFound))
}

func TestIsEnrollmentError(t *testing.T) {
	assert.True(t, IsEnrollmentError(FetchFailed(errors.New("x"))))
	assert.True(t, IsEnrollmentError(ImageDecode(errors.New("x"))))
	assert.True(t, IsEnrollmentError(NoFaceDetected()))
	assert.False(t, IsEnrollmentError(Device(errors.New("x"))))
	assert.False(t, IsEnrollmentError(errors.New("plain")))
}

func TestMissingRequiredMessage(t *testing.T) {
	t.Run("formats field name correctly", func(t *testing.T) {
		err := MissingRequired("email")
		assert.Equal(t, "email is required", err.Message)
	})
}
