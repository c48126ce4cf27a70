package apperr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsWalksWrappedChain(t *testing.T) {
	inner := New(PermissionDenied, "denied")
	outer := Wrap(Unavailable, "all strategies failed", fmt.Errorf("tier 1: %w", inner))

	assert.True(t, Is(outer, Unavailable))
	assert.True(t, Is(outer, PermissionDenied))
	assert.False(t, Is(outer, Timeout))
	assert.False(t, Is(errors.New("plain"), Timeout))
	assert.False(t, Is(nil, Timeout))
}

func TestIsSearchesJoinedErrors(t *testing.T) {
	joined := errors.Join(
		fmt.Errorf("gps: %w", New(Timeout, "timed out")),
		fmt.Errorf("network: %w", New(PermissionDenied, "denied")),
	)
	err := Wrap(Unavailable, "location unavailable", joined)
	assert.True(t, Is(err, PermissionDenied))
	assert.True(t, Is(err, Timeout))
	assert.False(t, Is(err, Gateway))
}

func TestCodeOfAndMessage(t *testing.T) {
	err := fmt.Errorf("send: %w", Wrap(Gateway, "sms provider failed", errors.New("502")))
	assert.Equal(t, Gateway, CodeOf(err))
	assert.Equal(t, Code(""), CodeOf(errors.New("x")))
	assert.Equal(t, "[GATEWAY] sms provider failed: 502", errors.Unwrap(err).Error())
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	err := RateLimit("slow down", 90*time.Second)
	var e *Error
	assert.True(t, errors.As(err, &e))
	assert.Equal(t, 90*time.Second, e.RetryAfter)
	assert.True(t, Is(err, RateLimited))
}
