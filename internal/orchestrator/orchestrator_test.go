package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livepeer/video-compositor-api/internal/apierrors"
	"github.com/livepeer/video-compositor-api/internal/clients"
	"github.com/livepeer/video-compositor-api/internal/config"
	"github.com/livepeer/video-compositor-api/internal/eventbus"
	"github.com/livepeer/video-compositor-api/internal/jobqueue"
	"github.com/livepeer/video-compositor-api/internal/jobstore"
	"github.com/livepeer/video-compositor-api/internal/loadbalancer"
	"github.com/livepeer/video-compositor-api/internal/resourcemgr"
	"github.com/livepeer/video-compositor-api/internal/videojob"
	"github.com/livepeer/video-compositor-api/internal/workflow"
)

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

func newTestOrchestrator(t *testing.T, registerNode bool) (*Orchestrator, *jobstore.Store) {
	t.Helper()
	return newTestOrchestratorWithConfig(t, config.Default(), registerNode, noopExecutors())
}

func newTestOrchestratorWithConfig(t *testing.T, cfg config.Config, registerNode bool, executors workflow.Executors) (*Orchestrator, *jobstore.Store) {
	t.Helper()
	bus := eventbus.New(100, 10)
	store := jobstore.New()
	resources := resourcemgr.New(bus, cfg.NodeHeartbeatExpiry)
	if registerNode {
		resources.RegisterNode(resourcemgr.Node{
			ID:       "node-1",
			Type:     resourcemgr.NodeCompute,
			Status:   resourcemgr.NodeAvailable,
			Capacity: resourcemgr.Capacity{CPU: 64, MemoryGB: 128, StorageGB: 1000, Bandwidth: 1000},
		})
	}
	balancer := loadbalancer.New(bus)
	balancer.RegisterEndpoint(loadbalancer.Endpoint{ID: "ep-1", URL: "http://x", Status: loadbalancer.EndpointHealthy})

	engine := workflow.NewEngine(workflow.Catalog(), executors, nil, bus, nil)
	queue := jobqueue.New(store, bus, engine, cfg.MaxConcurrentJobs, 8)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go queue.Run(ctx)

	return New(cfg, resources, balancer, engine, queue, store, bus), store
}

func simpleRequest() videojob.Request {
	return videojob.Request{
		ID:           "job-simple",
		OutputFormat: videojob.FormatMP4,
		Width:        1280,
		Height:       720,
		Elements: []videojob.VideoElement{
			{ID: "e1", Type: videojob.ElementImage, Source: "https://x/y.jpg", Track: 1},
		},
	}
}

func TestOrchestrate_SimpleRequestRunsSyncAndCompletes(t *testing.T) {
	o, _ := newTestOrchestrator(t, true)
	req := simpleRequest()
	require.NoError(t, videojob.Validate(&req))

	result := o.Orchestrate(context.Background(), req)

	assert.Equal(t, StatusImmediate, result.Status)
	assert.Equal(t, "job-simple", result.JobID)
}

func TestOrchestrate_NoSuitableNodeFails(t *testing.T) {
	o, _ := newTestOrchestrator(t, false)
	req := simpleRequest()
	require.NoError(t, videojob.Validate(&req))

	result := o.Orchestrate(context.Background(), req)

	assert.Equal(t, StatusFailed, result.Status)
	assert.True(t, result.Recoverable)
}

func TestOrchestrate_ComplexRequestRunsAsyncAndEventuallyCompletes(t *testing.T) {
	o, store := newTestOrchestrator(t, true)
	req := videojob.Request{
		ID:           "job-async",
		OutputFormat: videojob.FormatMP4,
		Width:        3840,
		Height:       2160,
		Elements: []videojob.VideoElement{
			{ID: "e1", Type: videojob.ElementVideo, Source: "https://x/a.mp4", Track: 1},
			{ID: "e2", Type: videojob.ElementVideo, Source: "https://x/b.mp4", Track: 2},
			{ID: "e3", Type: videojob.ElementImage, Source: "https://x/c.jpg", Track: 3},
		},
	}
	require.NoError(t, videojob.Validate(&req))

	result := o.Orchestrate(context.Background(), req)

	require.Equal(t, StatusAsync, result.Status)
	assert.Equal(t, "job-async", result.JobID)
	assert.NotEmpty(t, result.StatusCheckEndpoint)

	deadline := time.Now().Add(time.Second)
	var rec jobstore.Record
	for time.Now().Before(deadline) {
		var ok bool
		rec, ok = store.Get("job-async")
		if ok && rec.Status.Terminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, jobstore.StatusCompleted, rec.Status)
}

func TestOrchestrate_FailureClassifiesRecoverability(t *testing.T) {
	o, _ := newTestOrchestrator(t, false)
	req := simpleRequest()
	require.NoError(t, videojob.Validate(&req))

	result := o.Orchestrate(context.Background(), req)
	assert.Equal(t, apierrors.IsRecoverable(apierrors.New(apierrors.NoSuitableNode, "x")), result.Recoverable)
}

func TestOrchestrate_SyncRequestPersistsResultURL(t *testing.T) {
	executors := noopExecutors()
	executors[workflow.StepS3Upload] = func(ctx context.Context, sc *workflow.StepContext) error {
		sc.Result = clients.UploadResult{URL: "https://cdn.example/out.mp4", SizeBytes: 1024}
		return nil
	}
	o, store := newTestOrchestratorWithConfig(t, config.Default(), true, executors)
	req := simpleRequest()
	require.NoError(t, videojob.Validate(&req))

	result := o.Orchestrate(context.Background(), req)
	require.Equal(t, StatusImmediate, result.Status)

	rec, ok := store.Get("job-simple")
	require.True(t, ok)
	assert.Equal(t, jobstore.StatusCompleted, rec.Status)
	assert.Equal(t, "https://cdn.example/out.mp4", rec.ResultURL)
	assert.EqualValues(t, 1024, rec.ResultSizeBytes)
}

func TestOrchestrate_QuickThresholdIsExclusiveOnSyncSide(t *testing.T) {
	// Two elements at exactly 1920x1080, no video: estimatedDuration == 11s
	// (the quick_sync formula's own max within the quick_sync pixel/element
	// bounds). Setting QuickThreshold to that same value must still route
	// async -- an estimate equal to the threshold is not "under" it.
	cfg := config.Default()
	cfg.QuickThreshold = 11 * time.Second
	o, _ := newTestOrchestratorWithConfig(t, cfg, true, noopExecutors())

	req := videojob.Request{
		ID:           "job-boundary",
		OutputFormat: videojob.FormatMP4,
		Width:        1920,
		Height:       1080,
		Elements: []videojob.VideoElement{
			{ID: "e1", Type: videojob.ElementImage, Source: "https://x/a.jpg", Track: 1},
			{ID: "e2", Type: videojob.ElementImage, Source: "https://x/b.jpg", Track: 1},
		},
	}
	require.NoError(t, videojob.Validate(&req))
	analysis := videojob.Analyze(&req)
	require.Equal(t, videojob.StrategyQuickSync, analysis.Strategy)
	require.Equal(t, cfg.QuickThreshold.Seconds(), analysis.EstimatedDuration)

	result := o.Orchestrate(context.Background(), req)
	assert.Equal(t, StatusAsync, result.Status)
}

func TestOrchestrate_RecoverableWorkflowFailureRetriesWithFallbackTemplate(t *testing.T) {
	var validations int32
	executors := noopExecutors()
	executors[workflow.StepValidation] = func(ctx context.Context, sc *workflow.StepContext) error {
		atomic.AddInt32(&validations, 1)
		return nil
	}
	executors[workflow.StepVideoProcessing] = func(ctx context.Context, sc *workflow.StepContext) error {
		return apierrors.New(apierrors.TransientExternal, "upstream hiccup")
	}
	cfg := config.Default()
	o, store := newTestOrchestratorWithConfig(t, cfg, true, executors)

	req := simpleRequest()
	require.NoError(t, videojob.Validate(&req))

	result := o.Orchestrate(context.Background(), req)

	assert.Equal(t, StatusFailed, result.Status)
	assert.True(t, result.Recoverable)
	// one run of the primary (quick_sync) template, one of the fallback.
	assert.EqualValues(t, 2, atomic.LoadInt32(&validations))

	rec, ok := store.Get("job-simple")
	require.True(t, ok)
	assert.Equal(t, jobstore.StatusFailed, rec.Status)
}
