package resilience

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/livepeer/video-compositor-api/internal/apierrors"
	"github.com/livepeer/video-compositor-api/internal/config"
)

// Manager is the single composition root for resilience primitives, holding
// one named Breaker per external collaborator and one named Bulkhead per
// bounded-concurrency resource, per spec.md §4.2's fixed registration set:
// breakers for "database", "s3", "ffmpeg", "external_api"; bulkheads for
// "video_processing", "database_ops", "file_upload".
type Manager struct {
	breakers  map[string]*Breaker
	bulkheads map[string]*Bulkhead
	retry     *Retry
	cfg       config.Config
}

func NewManager(cfg config.Config) *Manager {
	m := &Manager{
		breakers:  make(map[string]*Breaker),
		bulkheads: make(map[string]*Bulkhead),
		cfg:       cfg,
	}

	breakerCfg := func(name string) BreakerConfig {
		return BreakerConfig{
			Name:             name,
			FailureThreshold: uint32(cfg.BreakerFailureThreshold),
			RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
			MonitoringPeriod: cfg.BreakerMonitoringPeriod,
			HalfOpenMaxCalls: 1,
			// Only externally caused failures open the breaker; a Validation
			// or NotFound error surfacing through a guarded call says
			// nothing about the health of the collaborator being protected.
			ExpectedErrors: []apierrors.Kind{apierrors.TransientExternal, apierrors.Timeout, apierrors.FatalExternal},
		}
	}
	for _, name := range []string{"database", "s3", "ffmpeg", "external_api"} {
		m.breakers[name] = NewBreaker(breakerCfg(name))
	}

	bulkheadCfg := func(name string, maxConcurrent, queueSize int) BulkheadConfig {
		return BulkheadConfig{Name: name, MaxConcurrent: maxConcurrent, QueueSize: queueSize, MaxWait: cfg.BulkheadMaxWait}
	}
	m.bulkheads["video_processing"] = NewBulkhead(bulkheadCfg("video_processing", cfg.BulkheadMaxConcurrent, cfg.BulkheadQueueSize))
	m.bulkheads["database_ops"] = NewBulkhead(bulkheadCfg("database_ops", cfg.BulkheadMaxConcurrent*2, cfg.BulkheadQueueSize*2))
	m.bulkheads["file_upload"] = NewBulkhead(bulkheadCfg("file_upload", cfg.BulkheadMaxConcurrent, cfg.BulkheadQueueSize))

	m.retry = NewRetry(RetryConfig{
		Name:            "default",
		MaxAttempts:     cfg.RetryMaxAttempts,
		BackoffInitial:  cfg.RetryBackoff,
		BackoffMax:      cfg.RetryBackoffMax,
		BackoffMultiple: cfg.RetryBackoffMultiple,
	})

	return m
}

func (m *Manager) Breaker(name string) *Breaker   { return m.breakers[name] }
func (m *Manager) Bulkhead(name string) *Bulkhead { return m.bulkheads[name] }

// Execute composes the four primitives in the fixed order required by
// spec.md §4.2: the circuit breaker gates entry, the bulkhead bounds
// concurrency within that gate, retry re-attempts transient failures inside
// one bulkhead slot, and each individual attempt is timeout-bounded.
//
//	breaker( bulkhead( retry( timeout( fn ) ) ) )
func (m *Manager) Execute(ctx context.Context, breakerName, bulkheadName string, timeout time.Duration, fn func(ctx context.Context) error) error {
	breaker := m.breakers[breakerName]
	bulkhead := m.bulkheads[bulkheadName]

	attempt := func() error {
		return WithTimeout(ctx, timeout, fn)
	}

	withRetry := func() error {
		return m.retry.Do(ctx, apierrors.IsRetryable, attempt)
	}

	withBulkhead := func() error {
		if bulkhead == nil {
			return withRetry()
		}
		err := bulkhead.Do(ctx, m.cfg.BulkheadMaxWait, withRetry)
		if err == ErrBulkheadFull || err == ErrBulkheadTimeout {
			return apierrors.Wrap(apierrors.BulkheadFull, "bulkhead capacity exceeded for "+bulkheadName, err)
		}
		return err
	}

	if breaker == nil {
		return withBulkhead()
	}
	err := breaker.Execute(withBulkhead)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apierrors.Wrap(apierrors.CircuitOpen, "circuit open for "+breakerName, err)
	}
	return err
}

// Snapshot reports the current state of every registered breaker, keyed by
// breaker name.
func (m *Manager) Snapshot() map[string]string {
	out := make(map[string]string, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State()
	}
	return out
}
