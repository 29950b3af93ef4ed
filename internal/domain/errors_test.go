package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTaxonomyThroughWraps(t *testing.T) {
	auth := fmt.Errorf("session: refresh f1: %w", &AuthError{AccountID: "f1", Msg: "token expired"})
	assert.True(t, IsAuthError(auth))
	assert.False(t, IsRetryable(auth))
	assert.False(t, IsFatal(auth))

	transient := fmt.Errorf("tradovate: list orders: %w", &TransientNetworkError{Op: "GET /order/list", Err: errors.New("connection reset")})
	assert.True(t, IsRetryable(transient))
	assert.False(t, IsAuthError(transient))

	limited := fmt.Errorf("wrapped: %w", &RateLimitedError{RetryAfter: 3 * time.Second})
	retryAfter, ok := IsRateLimited(limited)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, retryAfter)
	assert.False(t, IsRetryable(limited))

	rejection := fmt.Errorf("place: %w", &BrokerRejectionError{Code: "InsufficientMargin", Msg: "margin"})
	assert.True(t, IsFatal(rejection))
	assert.False(t, IsRetryable(rejection))

	ambiguous := fmt.Errorf("place: %w", &AmbiguousOutcomeError{ClientOrderID: "abc", Err: errors.New("timeout")})
	assert.True(t, IsAmbiguous(ambiguous))
	assert.False(t, IsRetryable(ambiguous))

	disabled := fmt.Errorf("session: account f1: %w", ErrAccountDisabled)
	assert.True(t, IsFatal(disabled))
}

// An ambiguous error wrapping a transient cause must classify as ambiguous,
// not retryable: resolving it first is what prevents duplicate submissions.
func TestAmbiguousWrappingTransientStillAmbiguous(t *testing.T) {
	cause := &TransientNetworkError{Op: "POST /order/placeorder", Err: errors.New("timeout")}
	amb := &AmbiguousOutcomeError{ClientOrderID: "abc", Err: cause}

	assert.True(t, IsAmbiguous(amb))
}

func TestIsRateLimitedOnOtherError(t *testing.T) {
	_, ok := IsRateLimited(errors.New("plain"))
	assert.False(t, ok)
}
