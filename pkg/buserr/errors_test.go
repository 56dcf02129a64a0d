package buserr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFormatsMessage(t *testing.T) {
	err := New(KindHandlerNotFound, "no handler for %s", "PlaceOrder")
	assert.Equal(t, KindHandlerNotFound, err.Kind)
	assert.Contains(t, err.Error(), "PlaceOrder")
	assert.Contains(t, err.Error(), string(KindHandlerNotFound))
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindHandlerFailed, cause, "handler raised")

	assert.Same(t, cause, errors.Unwrap(err))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestIsComparesByKindOnly(t *testing.T) {
	err := New(KindCircuitOpen, "breaker %q is open", "PlaceOrder").WithDetail("breaker", "PlaceOrder")

	sentinel := &BusError{Kind: KindCircuitOpen}
	assert.True(t, errors.Is(err, sentinel))

	other := &BusError{Kind: KindRetriesExhausted}
	assert.False(t, errors.Is(err, other))
}

func TestWithDetailAndWithRetryableChain(t *testing.T) {
	err := New(KindQueueOverflow, "queue full").
		WithDetail("max_size", 100).
		WithDetail("strategy", "reject_new").
		WithRetryable(true)

	require.NotNil(t, err.Details)
	assert.Equal(t, 100, err.Details["max_size"])
	assert.Equal(t, "reject_new", err.Details["strategy"])
	assert.True(t, err.Retryable)
}

func TestErrorsAsRecoversConcreteType(t *testing.T) {
	var wrapped error = fmt.Errorf("context: %w", New(KindSessionMisuse, "session already active"))

	var busErr *BusError
	require.True(t, errors.As(wrapped, &busErr))
	assert.Equal(t, KindSessionMisuse, busErr.Kind)
}
