package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/livepeer/video-compositor-api/internal/metrics"
)

// RetryConfig mirrors spec.md §4.2's retry tunables.
type RetryConfig struct {
	Name            string
	MaxAttempts     int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	BackoffMultiple float64
}

// Retry wraps cenkalti/backoff/v4 exponential backoff, grounded on the
// teacher's own ClippingRetryBackoff usage in pipeline/coordinator.go.
// Unlike that one fixed helper, this carries per-call configuration since
// spec.md names distinct retry budgets per external collaborator.
type Retry struct {
	cfg RetryConfig
}

func NewRetry(cfg RetryConfig) *Retry {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffMultiple <= 0 {
		cfg.BackoffMultiple = 2
	}
	return &Retry{cfg: cfg}
}

// IsRetryable classifies whether an error returned by fn should trigger
// another attempt. The resilience Manager supplies apierrors.IsRetryable;
// Retry itself does no error classification.
type IsRetryable func(error) bool

func (r *Retry) Do(ctx context.Context, retryable IsRetryable, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BackoffInitial
	b.MaxInterval = r.cfg.BackoffMax
	b.Multiplier = r.cfg.BackoffMultiple
	bounded := backoff.WithMaxRetries(b, uint64(r.cfg.MaxAttempts-1))
	withCtx := backoff.WithContext(bounded, ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		if attempts > 1 {
			metrics.Metrics.RetryAttempts.WithLabelValues(r.cfg.Name).Inc()
		}
		err := fn()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, withCtx)
	return err
}
