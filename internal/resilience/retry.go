// Package resilience provides bounded retry (used around refinement state
// persistence) and a circuit breaker (used around the refinement
// controller's verifier invocation) so a flaky store or verifier backend
// degrades instead of wedging the refinement loop.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/conductorhq/conductor/internal/errs"
	"github.com/conductorhq/conductor/internal/logging"
)

// RetryConfig configures the bounded retry wrapper.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig matches spec-level store-unavailable retry guidance:
// a handful of short exponential attempts before surfacing the error.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}
}

// Retry runs fn under exponential backoff, retrying only on
// errs.ErrStoreUnavailable. Any other error returned by fn is permanent and
// short-circuits the retry loop immediately.
func Retry(ctx context.Context, cfg RetryConfig, logger logging.Logger, fn func() error) error {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialDelay
	bo.MaxInterval = cfg.MaxDelay

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if !errs.IsStoreUnavailable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		logger.Warn("retrying after store-unavailable error", map[string]interface{}{
			"attempt": attempt, "error": err.Error(),
		})
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(cfg.MaxAttempts)))
	return err
}
