// Package retry wraps storage calls that can fail with transient lock or
// connection errors. Retries are linear: the n-th attempt waits n times the
// base delay. Non-transient errors propagate immediately without retry.
package retry

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"

	"github.com/merchstream/ingester/internal/common/ingesterrors"
)

type Executor struct {
	maxAttempts uint
	baseDelay   time.Duration
}

func NewExecutor(maxAttempts int, baseDelay time.Duration) *Executor {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	return &Executor{maxAttempts: uint(maxAttempts), baseDelay: baseDelay}
}

// Do runs action, retrying transient failures up to the configured bound.
func (e *Executor) Do(ctx context.Context, action func() error) error {
	return retry.Do(
		action,
		retry.Context(ctx),
		retry.Attempts(e.maxAttempts),
		retry.RetryIf(ingesterrors.IsRetryable),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return e.baseDelay * time.Duration(n+1)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("Transient storage error, retrying (attempt %d/%d)", n+1, e.maxAttempts)
		}),
	)
}
