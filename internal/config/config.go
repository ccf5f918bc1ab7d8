// Package config holds every env-overridable knob named in spec.md §6,
// loaded via peterbourgon/ff the way the teacher's main.go builds a flag.FlagSet
// and calls ff.Parse with ff.WithEnvVarPrefix.
package config

import (
	"flag"
	"time"

	"github.com/peterbourgon/ff/v3"
)

// Config is the process-wide settings object. It is constructed once at
// startup and handed by reference to every composition root collaborator;
// nothing in the orchestration core reads environment variables directly.
type Config struct {
	HTTPAddress string

	MaxConcurrentJobs   int
	QuickThreshold      time.Duration
	ProcessingTimeout   time.Duration
	MaxElementsPerJob   int
	MaxInFlightJobs     int

	// Circuit breaker settings, applied alike to every breaker that
	// resilience.NewManager registers.
	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration
	BreakerMonitoringPeriod time.Duration

	// Bulkhead defaults.
	BulkheadMaxConcurrent int
	BulkheadQueueSize     int
	BulkheadMaxWait       time.Duration

	// Retry defaults.
	RetryMaxAttempts     int
	RetryBackoff         time.Duration
	RetryBackoffMax      time.Duration
	RetryBackoffMultiple float64

	// HealthChecker defaults.
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	HealthCheckRetries  int

	// EventBus sizing.
	EventHistorySize   int
	DeadLetterCapacity int

	// ResourceManager reaper cadence.
	NodeHeartbeatExpiry time.Duration
	ReaperInterval      time.Duration

	MetricsDBConnectionString string
}

// Default returns the configuration used when no flags/env vars override
// it — values chosen to match the literal examples in spec.md §8.
func Default() Config {
	return Config{
		HTTPAddress: "0.0.0.0:8989",

		MaxConcurrentJobs: 2,
		QuickThreshold:    30 * time.Second,
		ProcessingTimeout: 30 * time.Minute,
		MaxElementsPerJob: 10,
		MaxInFlightJobs:   64,

		BreakerFailureThreshold: 3,
		BreakerRecoveryTimeout:  1 * time.Second,
		BreakerMonitoringPeriod: 60 * time.Second,

		BulkheadMaxConcurrent: 4,
		BulkheadQueueSize:     8,
		BulkheadMaxWait:       50 * time.Millisecond,

		RetryMaxAttempts:     3,
		RetryBackoff:         200 * time.Millisecond,
		RetryBackoffMax:      5 * time.Second,
		RetryBackoffMultiple: 2.0,

		HealthCheckInterval: 15 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
		HealthCheckRetries:  2,

		EventHistorySize:   1000,
		DeadLetterCapacity: 256,

		NodeHeartbeatExpiry: 120 * time.Second,
		ReaperInterval:      30 * time.Second,
	}
}

// ParseFlags overlays flag/env-provided values (VIDEOAPI_-prefixed env vars,
// per the teacher's ff.WithEnvVarPrefix convention) onto Default().
func ParseFlags(args []string) (Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet("video-compositor-api", flag.ContinueOnError)

	fs.StringVar(&cfg.HTTPAddress, "http-addr", cfg.HTTPAddress, "address to bind the public HTTP API")
	fs.IntVar(&cfg.MaxConcurrentJobs, "max-concurrent-jobs", cfg.MaxConcurrentJobs, "bounded worker-pool size for the async job queue")
	fs.DurationVar(&cfg.QuickThreshold, "quick-threshold", cfg.QuickThreshold, "max estimated duration eligible for the sync path")
	fs.DurationVar(&cfg.ProcessingTimeout, "processing-timeout", cfg.ProcessingTimeout, "not read by any component; each workflow template sets its own total timeout")
	fs.IntVar(&cfg.MaxElementsPerJob, "max-elements", cfg.MaxElementsPerJob, "not read by any component; request validation applies the fixed videojob.MaxElements limit")
	fs.IntVar(&cfg.MaxInFlightJobs, "max-in-flight-jobs", cfg.MaxInFlightJobs, "capacity ceiling enforced by the admission middleware")

	fs.IntVar(&cfg.BreakerFailureThreshold, "breaker-failure-threshold", cfg.BreakerFailureThreshold, "")
	fs.DurationVar(&cfg.BreakerRecoveryTimeout, "breaker-recovery-timeout", cfg.BreakerRecoveryTimeout, "")
	fs.DurationVar(&cfg.BreakerMonitoringPeriod, "breaker-monitoring-period", cfg.BreakerMonitoringPeriod, "")

	fs.IntVar(&cfg.BulkheadMaxConcurrent, "bulkhead-max-concurrent", cfg.BulkheadMaxConcurrent, "")
	fs.IntVar(&cfg.BulkheadQueueSize, "bulkhead-queue-size", cfg.BulkheadQueueSize, "")
	fs.DurationVar(&cfg.BulkheadMaxWait, "bulkhead-max-wait", cfg.BulkheadMaxWait, "")

	fs.IntVar(&cfg.RetryMaxAttempts, "retry-max-attempts", cfg.RetryMaxAttempts, "")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "")
	fs.DurationVar(&cfg.RetryBackoffMax, "retry-backoff-max", cfg.RetryBackoffMax, "")
	fs.Float64Var(&cfg.RetryBackoffMultiple, "retry-backoff-multiplier", cfg.RetryBackoffMultiple, "")

	fs.DurationVar(&cfg.HealthCheckInterval, "health-check-interval", cfg.HealthCheckInterval, "")
	fs.DurationVar(&cfg.HealthCheckTimeout, "health-check-timeout", cfg.HealthCheckTimeout, "")
	fs.IntVar(&cfg.HealthCheckRetries, "health-check-retries", cfg.HealthCheckRetries, "")

	fs.IntVar(&cfg.EventHistorySize, "event-history-size", cfg.EventHistorySize, "")
	fs.IntVar(&cfg.DeadLetterCapacity, "dead-letter-capacity", cfg.DeadLetterCapacity, "")

	fs.DurationVar(&cfg.NodeHeartbeatExpiry, "node-heartbeat-expiry", cfg.NodeHeartbeatExpiry, "")
	fs.DurationVar(&cfg.ReaperInterval, "reaper-interval", cfg.ReaperInterval, "")

	fs.StringVar(&cfg.MetricsDBConnectionString, "metrics-db-connection-string", "", "optional postgres DSN for the workflow completion sink")

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("VIDEOAPI")); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
