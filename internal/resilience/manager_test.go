package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livepeer/video-compositor-api/internal/apierrors"
	"github.com/livepeer/video-compositor-api/internal/config"
)

func TestManager_ExecuteSucceeds(t *testing.T) {
	m := NewManager(config.Default())
	err := m.Execute(context.Background(), "database", "database_ops", time.Second, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
}

func TestManager_RetriesTransientFailures(t *testing.T) {
	cfg := config.Default()
	cfg.RetryMaxAttempts = 3
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 5 * time.Millisecond
	m := NewManager(cfg)

	attempts := 0
	err := m.Execute(context.Background(), "s3", "file_upload", time.Second, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return apierrors.New(apierrors.TransientExternal, "flaky upstream")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestManager_DoesNotRetryValidationErrors(t *testing.T) {
	m := NewManager(config.Default())
	attempts := 0
	err := m.Execute(context.Background(), "database", "database_ops", time.Second, func(ctx context.Context) error {
		attempts++
		return apierrors.New(apierrors.Validation, "bad input")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestManager_OpensCircuitAfterThreshold(t *testing.T) {
	cfg := config.Default()
	cfg.BreakerFailureThreshold = 2
	cfg.RetryMaxAttempts = 1
	m := NewManager(cfg)

	failing := func(ctx context.Context) error {
		return apierrors.New(apierrors.FatalExternal, "down")
	}
	for i := 0; i < 2; i++ {
		_ = m.Execute(context.Background(), "ffmpeg", "video_processing", time.Second, failing)
	}

	err := m.Execute(context.Background(), "ffmpeg", "video_processing", time.Second, failing)
	require.Error(t, err)
	assert.Equal(t, apierrors.CircuitOpen, apierrors.KindOf(err))
}

func TestManager_BulkheadRejectsBeyondQueue(t *testing.T) {
	cfg := config.Default()
	cfg.BulkheadMaxConcurrent = 1
	cfg.BulkheadQueueSize = 0
	cfg.BulkheadMaxWait = 0
	m := NewManager(cfg)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = m.Execute(context.Background(), "database", "file_upload", time.Second, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := m.Execute(context.Background(), "database", "file_upload", time.Second, func(ctx context.Context) error {
		return nil
	})
	close(release)
	require.Error(t, err)
	assert.Equal(t, apierrors.BulkheadFull, apierrors.KindOf(err))
}

func TestWithTimeout_CancelsSlowFn(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	r := NewRetry(RetryConfig{Name: "t", MaxAttempts: 5, BackoffInitial: time.Millisecond, BackoffMax: 5 * time.Millisecond})
	attempts := 0
	err := r.Do(context.Background(), apierrors.IsRetryable, func() error {
		attempts++
		return apierrors.New(apierrors.Internal, "permanent")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
