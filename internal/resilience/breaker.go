package resilience

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/livepeer/video-compositor-api/internal/apierrors"
	"github.com/livepeer/video-compositor-api/internal/metrics"
)

// BreakerConfig mirrors the circuit-breaker tunables of spec.md §4.2.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
	MonitoringPeriod time.Duration
	HalfOpenMaxCalls uint32
	// ExpectedErrors restricts which apierrors.Kind values count toward
	// ReadyToTrip's ConsecutiveFailures. Empty means every non-nil error
	// counts, matching gobreaker's own default IsSuccessful behavior.
	ExpectedErrors []apierrors.Kind
}

// Breaker wraps sony/gobreaker with the Kind-aware error classification of
// internal/apierrors: only the Kinds listed in BreakerConfig.ExpectedErrors
// count against the trip threshold (resilience.Manager lists
// TransientExternal/Timeout/FatalExternal, matching spec.md's "only
// externally caused failures open the breaker" invariant).
type Breaker struct {
	cb   *gobreaker.CircuitBreaker
	name string
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	st := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: maxUint32(cfg.HalfOpenMaxCalls, 1),
		Interval:    cfg.MonitoringPeriod,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: isSuccessful(cfg.ExpectedErrors),
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.Metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
			if to == gobreaker.StateOpen {
				metrics.Metrics.CircuitBreakerTrips.WithLabelValues(name).Inc()
			}
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(st), name: cfg.Name}
}

// isSuccessful builds gobreaker's IsSuccessful hook: a nil error is always
// successful; with expected empty, any error counts as a failure (gobreaker's
// own default). With expected non-empty, only errors whose apierrors.Kind
// appears in it count as failures -- everything else is reported back to
// IsSuccessful as "successful" so it never advances ConsecutiveFailures,
// keeping out-of-band errors like a Validation failure inside a guarded call
// from tripping a breaker meant to watch for externally caused failures.
func isSuccessful(expected []apierrors.Kind) func(err error) bool {
	return func(err error) bool {
		if err == nil {
			return true
		}
		if len(expected) == 0 {
			return false
		}
		kind := apierrors.KindOf(err)
		for _, k := range expected {
			if kind == k {
				return false
			}
		}
		return true
	}
}

func (b *Breaker) Name() string { return b.name }

// State reports the current breaker state as spec.md's CircuitBreakerState
// enum ("closed", "open", "half_open").
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Execute runs fn through the breaker and returns gobreaker's own errors
// unchanged; the caller (resilience.Manager) translates gobreaker.ErrOpenState
// to apierrors' CircuitOpen kind.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func maxUint32(v, min uint32) uint32 {
	if v < min {
		return min
	}
	return v
}
