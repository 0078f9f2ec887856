package errors

import "net/http"

// Error code constants.
// Errors carry code + params; callers map codes to user-facing text.

// Admission denial codes. Distinct per limit so callers can tell the user
// which limit was hit.
const (
	CodeDailyLimit          = "DAILY_LIMIT"
	CodeMonthlyLimit        = "MONTHLY_LIMIT"
	CodeConcurrentLimit     = "CONCURRENT_LIMIT"
	CodeContentionExhausted = "CONTENTION_EXHAUSTED"
)

// Run lifecycle codes.
const (
	CodeDuplicateRun       = "DUPLICATE_RUN"
	CodeRunNotFound        = "RUN_NOT_FOUND"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeDuplicateReport    = "DUPLICATE_TERMINAL_REPORT"
	CodeReservationMissing = "RESERVATION_NOT_FOUND"
)

// Store / operational codes.
const (
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeInternalError    = "INTERNAL_ERROR"
)

// Auth error codes.
const (
	CodeAuthFailed   = "AUTH_FAILED"
	CodeTokenExpired = "TOKEN_EXPIRED"
	CodeTokenInvalid = "TOKEN_INVALID"
)

// Validation error codes.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeOrgNotFound      = "ORG_NOT_FOUND"
)

// Convenience constructors using predefined codes.

// ErrStoreUnavailablef wraps a store failure. Ambiguous store failures must
// never be read as admitted or denied, so they surface as 503.
func ErrStoreUnavailablef(err error) *AppError {
	return Wrap(err, CodeStoreUnavailable, "backing store did not answer", http.StatusServiceUnavailable)
}

// ErrRunNotFoundf creates a run not found error.
func ErrRunNotFoundf(queueID string) *AppError {
	return (&AppError{
		Code:       CodeRunNotFound,
		Message:    "pipeline run not found",
		HTTPStatus: http.StatusNotFound,
	}).WithParams(map[string]interface{}{"queue_id": queueID})
}

// ErrContentionExhaustedf creates a retryable contention error.
func ErrContentionExhaustedf(attempts int) *AppError {
	return (&AppError{
		Code:       CodeContentionExhausted,
		Message:    "admission lost the update race, try again",
		HTTPStatus: http.StatusTooManyRequests,
	}).WithParams(map[string]interface{}{"attempts": attempts})
}
