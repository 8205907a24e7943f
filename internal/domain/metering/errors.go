package metering

import "errors"

// Domain errors for metering.
var (
	// Rejection errors, reported synchronously by Authorize.
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidFeature    = errors.New("invalid feature")
	ErrDuplicateTaskID   = errors.New("duplicate task id")

	// Request errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidPayload = errors.New("invalid payload")

	// Task errors
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrReservationLapsed = errors.New("reservation expired")

	// Provider errors. Both are treated as transient by the retry sweep.
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrUnknownProvider     = errors.New("unknown provider")
)

// IsRejection reports whether err stops a workflow before any external cost is incurred.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidFeature) ||
		errors.Is(err, ErrDuplicateTaskID) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrInvalidRequest)
}

// IsTransient reports whether a poll error should be retried with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrUnknownProvider)
}
