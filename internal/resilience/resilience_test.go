package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductorhq/conductor/internal/errs"
)

func TestRetrySucceedsAfterTransientStoreUnavailable(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	calls := 0
	err := Retry(context.Background(), cfg, nil, func() error {
		calls++
		if calls < 3 {
			return errs.New("test", "StoreUnavailable", "t1", errs.ErrStoreUnavailable)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryDoesNotRetryPermanentErrors(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	calls := 0
	sentinel := errors.New("invalid contract")
	err := Retry(context.Background(), cfg, nil, func() error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0
	err := Retry(context.Background(), cfg, nil, func() error {
		calls++
		return errs.New("test", "StoreUnavailable", "t1", errs.ErrStoreUnavailable)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name: "test", FailureThreshold: 2, SleepWindow: 10 * time.Millisecond, HalfOpenRequests: 1,
	}, nil)

	storeErr := errs.New("test", "StoreUnavailable", "t1", errs.ErrStoreUnavailable)
	assert.True(t, cb.CanExecute())
	cb.RecordResult(storeErr)
	assert.Equal(t, StateClosed, cb.State())
	cb.RecordResult(storeErr)
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanExecute())

	time.Sleep(15 * time.Millisecond)
	assert.True(t, cb.CanExecute())
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.RecordResult(nil)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerTripsOnAnyErrorKind(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", FailureThreshold: 1, SleepWindow: time.Second, HalfOpenRequests: 1}, nil)
	cb.RecordResult(fmt.Errorf("some unrelated error"))
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerResetsConsecutiveCountOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", FailureThreshold: 2, SleepWindow: time.Second, HalfOpenRequests: 1}, nil)
	cb.RecordResult(fmt.Errorf("transient failure"))
	cb.RecordResult(nil)
	cb.RecordResult(fmt.Errorf("transient failure"))
	assert.Equal(t, StateClosed, cb.State())
}
