package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Validation
	ErrCodeValidation        ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired   ErrorCode = "MISSING_REQUIRED"
	ErrCodeInvalidCoordinate ErrorCode = "INVALID_COORDINATE"

	// Enrollment
	ErrCodeFetch          ErrorCode = "FETCH_ERROR"
	ErrCodeImageDecode    ErrorCode = "IMAGE_DECODE_ERROR"
	ErrCodeNoFaceDetected ErrorCode = "NO_FACE_DETECTED"

	// Capture device
	ErrCodeDevice ErrorCode = "DEVICE_ERROR"

	// Resource
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Session
	ErrCodeNoActiveSession ErrorCode = "NO_ACTIVE_SESSION"
	ErrCodeStreamInUse     ErrorCode = "STREAM_IN_USE"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeNoChange ErrorCode = "NO_CHANGE"
	ErrCodeExternal ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func InvalidCoordinate(reason string) *AppError {
	return New(ErrCodeInvalidCoordinate, fmt.Sprintf("Invalid coordinate: %s", reason))
}

func FetchFailed(cause error) *AppError {
	return Wrap(ErrCodeFetch, "Failed to fetch enrollment image", cause)
}

func ImageDecode(cause error) *AppError {
	return Wrap(ErrCodeImageDecode, "Enrollment image could not be decoded", cause)
}

func NoFaceDetected() *AppError {
	return New(ErrCodeNoFaceDetected, "No faces found in the enrollment image")
}

func Device(cause error) *AppError {
	return Wrap(ErrCodeDevice, "Cannot access camera", cause)
}

func NoActiveSession() *AppError {
	return New(ErrCodeNoActiveSession, "No active verification session")
}

func StreamInUse() *AppError {
	return New(ErrCodeStreamInUse, "Video stream already attached to this session")
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func NoChange() *AppError {
	return New(ErrCodeNoChange, "Attendance write reported no changes")
}

func External(service string, cause error) *AppError {
	return Wrap(ErrCodeExternal, fmt.Sprintf("External service error: %s", service), cause)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err is an AppError carrying code.
func HasCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}

// IsEnrollmentError reports whether err came from fetching or decoding the
// enrollment image, or from finding no face in it.
func IsEnrollmentError(err error) bool {
	switch GetCode(err) {
	case ErrCodeFetch, ErrCodeImageDecode, ErrCodeNoFaceDetected:
		return true
	}
	return false
}
