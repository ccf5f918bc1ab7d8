package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livepeer/video-compositor-api/internal/eventbus"
	"github.com/livepeer/video-compositor-api/internal/jobstore"
	"github.com/livepeer/video-compositor-api/internal/workflow"
)

func newTestQueue(t *testing.T, executors workflow.Executors, maxConcurrent int) (*Queue, *jobstore.Store) {
	t.Helper()
	store := jobstore.New()
	bus := eventbus.New(50, 10)
	engine := workflow.NewEngine(workflow.Catalog(), executors, nil, bus, nil)
	return New(store, bus, engine, maxConcurrent, 10), store
}

func waitForTerminal(t *testing.T, store *jobstore.Store, jobID string, timeout time.Duration) jobstore.Record {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, ok := store.Get(jobID)
		if ok && rec.Status.Terminal() {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal status within %s", jobID, timeout)
	return jobstore.Record{}
}

func noopExecutors() workflow.Executors {
	return workflow.Executors{
		workflow.StepValidation:         func(ctx context.Context, sc *workflow.StepContext) error { return nil },
		workflow.StepResourceAllocation: func(ctx context.Context, sc *workflow.StepContext) error { return nil },
		workflow.StepMediaDownload:      func(ctx context.Context, sc *workflow.StepContext) error { return nil },
		workflow.StepVideoProcessing:    func(ctx context.Context, sc *workflow.StepContext) error { return nil },
		workflow.StepS3Upload:           func(ctx context.Context, sc *workflow.StepContext) error { return nil },
		workflow.StepDatabaseUpdate:     func(ctx context.Context, sc *workflow.StepContext) error { return nil },
		workflow.StepCleanup:            func(ctx context.Context, sc *workflow.StepContext) error { return nil },
	}
}

func TestEnqueue_JobRunsToCompletion(t *testing.T) {
	q, store := newTestQueue(t, noopExecutors(), 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	def, err := q.engine.Materialize(workflow.TemplateQuickSync, "job-1")
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, Work{JobID: "job-1", Definition: def, Cancel: workflow.NewCancelToken(ctx)}))

	rec := waitForTerminal(t, store, "job-1", time.Second)
	assert.Equal(t, jobstore.StatusCompleted, rec.Status)
}

func TestEnqueue_FailingStepMarksJobFailed(t *testing.T) {
	executors := noopExecutors()
	executors[workflow.StepVideoProcessing] = func(ctx context.Context, sc *workflow.StepContext) error {
		return errors.New("boom")
	}
	q, store := newTestQueue(t, executors, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	def, err := q.engine.Materialize(workflow.TemplateQuickSync, "job-2")
	require.NoError(t, err)
	for i := range def.Steps {
		def.Steps[i].Backoff = time.Millisecond
	}
	require.NoError(t, q.Enqueue(ctx, Work{JobID: "job-2", Definition: def, Cancel: workflow.NewCancelToken(ctx)}))

	rec := waitForTerminal(t, store, "job-2", 2*time.Second)
	assert.Equal(t, jobstore.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.Error)
}

func TestBoundedConcurrency_NeverExceedsMaxConcurrent(t *testing.T) {
	inFlight := make(chan struct{}, 100)
	maxObserved := 0
	var count int
	executors := noopExecutors()
	executors[workflow.StepVideoProcessing] = func(ctx context.Context, sc *workflow.StepContext) error {
		inFlight <- struct{}{}
		count++
		if count > maxObserved {
			maxObserved = count
		}
		time.Sleep(20 * time.Millisecond)
		<-inFlight
		count--
		return nil
	}
	q, store := newTestQueue(t, executors, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	for i := 0; i < 3; i++ {
		def, err := q.engine.Materialize(workflow.TemplateQuickSync, string(rune('a'+i)))
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(ctx, Work{JobID: string(rune('a' + i)), Definition: def, Cancel: workflow.NewCancelToken(ctx)}))
	}

	for i := 0; i < 3; i++ {
		waitForTerminal(t, store, string(rune('a'+i)), 2*time.Second)
	}
	assert.LessOrEqual(t, maxObserved, 1)
}

func TestCancel_StopsRunningJob(t *testing.T) {
	executors := noopExecutors()
	executors[workflow.StepMediaDownload] = func(ctx context.Context, sc *workflow.StepContext) error {
		<-ctx.Done()
		return ctx.Err()
	}
	q, store := newTestQueue(t, executors, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	def, err := q.engine.Materialize(workflow.TemplateQuickSync, "job-cancel")
	require.NoError(t, err)
	tok := workflow.NewCancelToken(ctx)
	require.NoError(t, q.Enqueue(ctx, Work{JobID: "job-cancel", Definition: def, Cancel: tok}))

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Cancel("job-cancel"))

	rec := waitForTerminal(t, store, "job-cancel", time.Second)
	assert.Equal(t, jobstore.StatusFailed, rec.Status)
}

func TestCancel_UnknownJobReturnsNotFound(t *testing.T) {
	q, _ := newTestQueue(t, noopExecutors(), 1)
	err := q.Cancel("does-not-exist")
	require.Error(t, err)
}
