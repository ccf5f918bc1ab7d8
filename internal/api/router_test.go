package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livepeer/video-compositor-api/internal/apierrors"
	"github.com/livepeer/video-compositor-api/internal/config"
	"github.com/livepeer/video-compositor-api/internal/eventbus"
	"github.com/livepeer/video-compositor-api/internal/health"
	"github.com/livepeer/video-compositor-api/internal/jobqueue"
	"github.com/livepeer/video-compositor-api/internal/jobstore"
	"github.com/livepeer/video-compositor-api/internal/loadbalancer"
	"github.com/livepeer/video-compositor-api/internal/orchestrator"
	"github.com/livepeer/video-compositor-api/internal/resourcemgr"
	"github.com/livepeer/video-compositor-api/internal/statusapi"
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

func newTestRouter(t *testing.T, registerNode bool, maxInFlight int) http.Handler {
	t.Helper()
	cfg := config.Default()
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

	engine := workflow.NewEngine(workflow.Catalog(), noopExecutors(), nil, bus, nil)
	queue := jobqueue.New(store, bus, engine, cfg.MaxConcurrentJobs, 8)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go queue.Run(ctx)

	orch := orchestrator.New(cfg, resources, balancer, engine, queue, store, bus)
	status := statusapi.New(queue, store, bus)
	checker := health.New(bus, cfg.HealthCheckInterval, cfg.HealthCheckTimeout, cfg.HealthCheckRetries, 10)

	return NewRouter(orch, status, checker, maxInFlight)
}

func validCreateBody() []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"output_format": "mp4",
		"width":         1280,
		"height":        720,
		"elements": []map[string]interface{}{
			{"id": "e1", "type": "image", "source": "https://x/y.jpg", "track": 1},
		},
	})
	return body
}

func TestCreate_ValidRequestRunsSyncAndReturns200(t *testing.T) {
	router := newTestRouter(t, true, 64)

	req := httptest.NewRequest(http.MethodPost, "/video/create", bytes.NewReader(validCreateBody()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var env apierrors.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.Success)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))
}

func TestCreate_MissingRequiredFieldFailsSchemaValidation(t *testing.T) {
	router := newTestRouter(t, true, 64)

	body, _ := json.Marshal(map[string]interface{}{"width": 1280, "height": 720})
	req := httptest.NewRequest(http.MethodPost, "/video/create", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var env apierrors.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Success)
}

func TestCreate_NoSuitableNodeReturnsRecoverableError(t *testing.T) {
	router := newTestRouter(t, false, 64)

	req := httptest.NewRequest(http.MethodPost, "/video/create", bytes.NewReader(validCreateBody()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// NoSuitableNode has no dedicated HTTPStatus case, so it falls through
	// to the same 500 every unmapped apierrors.Kind gets.
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCapacityGate_RejectsOnceCeilingExceeded(t *testing.T) {
	gate := newCapacityGate(1)
	blockCh := make(chan struct{})
	releaseCh := make(chan struct{})

	blocking := gate.wrap(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		close(blockCh)
		<-releaseCh
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		rec := httptest.NewRecorder()
		blocking(rec, httptest.NewRequest(http.MethodGet, "/", nil), nil)
	}()

	<-blockCh
	rec := httptest.NewRecorder()
	gate.wrap(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
	})(rec, httptest.NewRequest(http.MethodGet, "/", nil), nil)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	close(releaseCh)
}

func TestHealth_ReportsAggregateStatus(t *testing.T) {
	bus := eventbus.New(10, 10)
	checker := health.New(bus, 0, 0, 0, 10)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	Health(checker)(rec, req, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var env apierrors.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.Success)
}

func TestLive_AlwaysReturns200(t *testing.T) {
	rec := httptest.NewRecorder()
	Live(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
