package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livepeer/video-compositor-api/internal/eventbus"
)

func newTestEngine(t *testing.T, executors Executors, rollbacks map[RollbackAction]RollbackExecutor) (*Engine, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(100, 10)
	catalog := Catalog()
	return NewEngine(catalog, executors, rollbacks, bus, nil), bus
}

func noopExecutors() Executors {
	return Executors{
		StepValidation:         func(ctx context.Context, sc *StepContext) error { return nil },
		StepResourceAllocation: func(ctx context.Context, sc *StepContext) error { return nil },
		StepMediaDownload:      func(ctx context.Context, sc *StepContext) error { return nil },
		StepVideoProcessing:    func(ctx context.Context, sc *StepContext) error { return nil },
		StepS3Upload:           func(ctx context.Context, sc *StepContext) error { return nil },
		StepDatabaseUpdate:     func(ctx context.Context, sc *StepContext) error { return nil },
		StepCleanup:            func(ctx context.Context, sc *StepContext) error { return nil },
	}
}

func TestExecute_AllStepsSucceedReachesCompleted(t *testing.T) {
	engine, _ := newTestEngine(t, noopExecutors(), nil)
	def, err := engine.Materialize(TemplateQuickSync, "job-1")
	require.NoError(t, err)

	exec := &Execution{Definition: def, Context: NewStepContext(), Cancel: NewCancelToken(context.Background())}
	err = engine.Execute(context.Background(), exec)

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, exec.State)
	assert.False(t, exec.EndedAt.IsZero())
	assert.Len(t, exec.Metrics.StepDurations, len(def.Steps))
	assert.LessOrEqual(t, sumDurations(exec.Metrics.StepDurations), exec.Metrics.TotalDuration)
	assert.Equal(t, 0, exec.Metrics.ErrorCount)
}

func sumDurations(m map[string]time.Duration) time.Duration {
	var total time.Duration
	for _, d := range m {
		total += d
	}
	return total
}

func TestExecute_CriticalStepFailureFailsWorkflowAndRollsBack(t *testing.T) {
	rolledBack := false
	executors := noopExecutors()
	executors[StepVideoProcessing] = func(ctx context.Context, sc *StepContext) error {
		return errors.New("ffmpeg exploded")
	}
	rollbacks := map[RollbackAction]RollbackExecutor{
		ActionCleanupResources: func(ctx context.Context, sc *StepContext) error { rolledBack = true; return nil },
		ActionUpdateDatabase:   func(ctx context.Context, sc *StepContext) error { return nil },
	}
	engine, _ := newTestEngine(t, executors, rollbacks)
	def, err := engine.Materialize(TemplateQuickSync, "job-2")
	require.NoError(t, err)
	// quick_sync only retries processing once; keep the test fast.
	for i := range def.Steps {
		def.Steps[i].Backoff = time.Millisecond
	}

	exec := &Execution{Definition: def, Context: NewStepContext(), Cancel: NewCancelToken(context.Background())}
	err = engine.Execute(context.Background(), exec)

	require.Error(t, err)
	assert.Equal(t, StateFailed, exec.State)
	assert.True(t, rolledBack)
	assert.Greater(t, exec.Metrics.ErrorCount, 0)
}

func TestExecute_NonCriticalStepFailureDoesNotFailWorkflow(t *testing.T) {
	executors := noopExecutors()
	executors[StepDatabaseUpdate] = func(ctx context.Context, sc *StepContext) error {
		return errors.New("db write failed")
	}
	engine, _ := newTestEngine(t, executors, nil)
	def, err := engine.Materialize(TemplateQuickSync, "job-3")
	require.NoError(t, err)
	def.Steps[5].Backoff = time.Millisecond

	exec := &Execution{Definition: def, Context: NewStepContext(), Cancel: NewCancelToken(context.Background())}
	err = engine.Execute(context.Background(), exec)

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, exec.State)
}

func TestExecute_StepTimeoutTriggersTimeoutRollback(t *testing.T) {
	var triggeredAction RollbackAction
	executors := noopExecutors()
	executors[StepMediaDownload] = func(ctx context.Context, sc *StepContext) error {
		<-ctx.Done()
		return ctx.Err()
	}
	rollbacks := map[RollbackAction]RollbackExecutor{
		ActionCleanupResources: func(ctx context.Context, sc *StepContext) error { triggeredAction = ActionCleanupResources; return nil },
		ActionDeleteFiles:      func(ctx context.Context, sc *StepContext) error { return nil },
		ActionSendNotification: func(ctx context.Context, sc *StepContext) error { return nil },
	}
	engine, _ := newTestEngine(t, executors, rollbacks)
	def, err := engine.Materialize(TemplateQuickSync, "job-4")
	require.NoError(t, err)
	def.Steps[2].Timeout = 10 * time.Millisecond
	def.Steps[2].MaxRetries = 0

	exec := &Execution{Definition: def, Context: NewStepContext(), Cancel: NewCancelToken(context.Background())}
	err = engine.Execute(context.Background(), exec)

	require.Error(t, err)
	assert.Equal(t, StateFailed, exec.State)
	assert.Equal(t, ActionCleanupResources, triggeredAction)
}

func TestExecute_MissingExecutorIsFatal(t *testing.T) {
	executors := noopExecutors()
	delete(executors, StepS3Upload)
	engine, _ := newTestEngine(t, executors, nil)
	def, err := engine.Materialize(TemplateQuickSync, "job-5")
	require.NoError(t, err)

	exec := &Execution{Definition: def, Context: NewStepContext(), Cancel: NewCancelToken(context.Background())}
	err = engine.Execute(context.Background(), exec)

	require.Error(t, err)
	assert.Equal(t, StateFailed, exec.State)
}

func TestExecute_CancelledBeforeStartTransitionsToCancelled(t *testing.T) {
	engine, _ := newTestEngine(t, noopExecutors(), nil)
	def, err := engine.Materialize(TemplateQuickSync, "job-6")
	require.NoError(t, err)

	token := NewCancelToken(context.Background())
	token.Cancel()
	exec := &Execution{Definition: def, Context: NewStepContext(), Cancel: token}
	err = engine.Execute(context.Background(), exec)

	require.Error(t, err)
	assert.Equal(t, StateCancelled, exec.State)
}

func TestExecute_RetriesTransientStepFailureThenSucceeds(t *testing.T) {
	attempts := 0
	executors := noopExecutors()
	executors[StepMediaDownload] = func(ctx context.Context, sc *StepContext) error {
		attempts++
		if attempts < 2 {
			return errors.New("connection reset")
		}
		return nil
	}
	engine, _ := newTestEngine(t, executors, nil)
	def, err := engine.Materialize(TemplateQuickSync, "job-7")
	require.NoError(t, err)
	def.Steps[2].Backoff = time.Millisecond

	exec := &Execution{Definition: def, Context: NewStepContext(), Cancel: NewCancelToken(context.Background())}
	err = engine.Execute(context.Background(), exec)

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, StateCompleted, exec.State)
	assert.Equal(t, 1, exec.Metrics.RetryCount)
}
