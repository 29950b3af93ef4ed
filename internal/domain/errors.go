package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrAccountDisabled = errors.New("account disabled")
	ErrLockHeld        = errors.New("lock already held")
	ErrBadTransition   = errors.New("illegal task state transition")
)

// AuthError reports that the broker rejected the account's credentials or
// token. Repeated AuthErrors disable the account.
type AuthError struct {
	AccountID string
	Msg       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth rejected for account %s: %s", e.AccountID, e.Msg)
}

// TransientNetworkError covers connectivity failures that are safe to retry
// with backoff: the request provably never reached the matching engine.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error in %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// RateLimitedError is a broker 429-equivalent. It is governed, not retried
// against the task's retry budget.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by broker, retry after %s", e.RetryAfter)
}

// BrokerRejectionError is a definitive broker-side refusal (invalid size,
// insufficient margin). Tasks move to FailedFatal, never retried.
type BrokerRejectionError struct {
	Code string
	Msg  string
}

func (e *BrokerRejectionError) Error() string {
	return fmt.Sprintf("broker rejected order: %s (%s)", e.Msg, e.Code)
}

// AmbiguousOutcomeError is a timeout on a mutating call whose outcome is
// unknown. It must be resolved by looking the order up by client-order-id
// before any resubmission.
type AmbiguousOutcomeError struct {
	ClientOrderID string
	Err           error
}

func (e *AmbiguousOutcomeError) Error() string {
	return fmt.Sprintf("ambiguous outcome for client order %s: %v", e.ClientOrderID, e.Err)
}

func (e *AmbiguousOutcomeError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is an auth rejection.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsRetryable reports whether err should be retried against the task's
// bounded retry budget. Rate limiting is deliberately excluded: the governor
// absorbs it without consuming attempts.
func IsRetryable(err error) bool {
	var tne *TransientNetworkError
	return errors.As(err, &tne)
}

// IsRateLimited reports whether err is a broker throttle response, returning
// the indicated retry-after when present.
func IsRateLimited(err error) (time.Duration, bool) {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}

// IsAmbiguous reports whether err left the order outcome unknown.
func IsAmbiguous(err error) bool {
	var amb *AmbiguousOutcomeError
	return errors.As(err, &amb)
}

// IsFatal reports whether err ends the task without retry.
func IsFatal(err error) bool {
	var bre *BrokerRejectionError
	if errors.As(err, &bre) {
		return true
	}
	return errors.Is(err, ErrAccountDisabled)
}
