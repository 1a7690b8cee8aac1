package models

import "errors"

// Identity errors are hard rejections and are never retried.
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrApiTokenNotFound = errors.New("api token not found")
	ErrApiTokenMismatch = errors.New("api token mismatch")
)

// Admission errors mean "try later".
var (
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrQuotaExhausted = errors.New("task quota exhausted")
	ErrQuotaUnknown   = errors.New("task quota unavailable")
)

var (
	ErrMissingHeader   = errors.New("missing required header")
	ErrTaskNotAssigned = errors.New("task not assigned to user")
	ErrNoSubscribers   = errors.New("no subscribers")
)

// IsIdentityError reports whether err is a credential or identity failure.
func IsIdentityError(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrApiTokenNotFound) ||
		errors.Is(err, ErrApiTokenMismatch)
}

// IsAdmissionError reports whether err is a rate-limit or quota denial.
func IsAdmissionError(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrQuotaExhausted) ||
		errors.Is(err, ErrQuotaUnknown)
}
