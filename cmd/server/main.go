// Command server is the composition root for the video compositor API:
// it builds every collaborator package, wires them together exactly once,
// and runs the HTTP server alongside the background goroutines (the async
// job worker pool, the health checker, and the resource reaper) under one
// errgroup.Group, grounded on the teacher's own main.go lifecycle
// (construct every collaborator, group.Go each long-running loop,
// handleSignals, group.Wait for graceful shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/golang/glog"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/livepeer/video-compositor-api/internal/clients"
	"github.com/livepeer/video-compositor-api/internal/config"
	"github.com/livepeer/video-compositor-api/internal/eventbus"
	"github.com/livepeer/video-compositor-api/internal/health"
	"github.com/livepeer/video-compositor-api/internal/jobqueue"
	"github.com/livepeer/video-compositor-api/internal/jobstore"
	"github.com/livepeer/video-compositor-api/internal/loadbalancer"
	"github.com/livepeer/video-compositor-api/internal/orchestrator"
	"github.com/livepeer/video-compositor-api/internal/resilience"
	"github.com/livepeer/video-compositor-api/internal/resourcemgr"
	"github.com/livepeer/video-compositor-api/internal/statusapi"
	"github.com/livepeer/video-compositor-api/internal/workflow"

	videoapi "github.com/livepeer/video-compositor-api/internal/api"
)

// jobQueueBacklog bounds how many accepted-but-not-yet-running async jobs
// the Queue will hold before Enqueue starts blocking its caller.
const jobQueueBacklog = 256

// healthHistorySize is how many past outcomes health.Checker keeps per
// check for its /health snapshot.
const healthHistorySize = 20

func main() {
	if err := run(); err != nil {
		glog.Fatalf("fatal: %v", err)
	}
}

func run() error {
	if err := flag.Set("logtostderr", "true"); err != nil {
		return fmt.Errorf("configuring glog: %w", err)
	}

	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}

	bus := eventbus.New(cfg.EventHistorySize, cfg.DeadLetterCapacity)

	resources := resourcemgr.New(bus, cfg.NodeHeartbeatExpiry)
	seedDevNodes(resources)

	balancer := loadbalancer.New(bus)
	seedDevEndpoints(balancer)

	resilienceMgr := resilience.NewManager(cfg)
	store := jobstore.New()

	runtime := &clients.Runtime{
		Resources:  resources,
		Transcode:  clients.NewStubTranscoder(),
		Blobs:      newBlobStore(),
		Details:    newJobDetailsStore(cfg),
		Callbacks:  clients.NewCallbackNotifier(),
		Resilience: resilienceMgr,
		Store:      store,
	}

	var metricsSink workflow.MetricsSink
	if cfg.MetricsDBConnectionString != "" {
		sink, err := workflow.NewSQLMetricsSink(cfg.MetricsDBConnectionString)
		if err != nil {
			return fmt.Errorf("opening workflow metrics sink: %w", err)
		}
		if err := sink.EnsureSchema(context.Background()); err != nil {
			return fmt.Errorf("preparing workflow metrics schema: %w", err)
		}
		defer sink.Close()
		metricsSink = sink
	}

	engine := workflow.NewEngine(workflow.Catalog(), runtime.Executors(), runtime.Rollbacks(), bus, metricsSink)

	queue := jobqueue.New(store, bus, engine, cfg.MaxConcurrentJobs, jobQueueBacklog)
	orch := orchestrator.New(cfg, resources, balancer, engine, queue, store, bus)
	status := statusapi.New(queue, store, bus)

	checker := health.New(bus, cfg.HealthCheckInterval, cfg.HealthCheckTimeout, cfg.HealthCheckRetries, healthHistorySize)
	registerHealthChecks(checker, runtime)

	router := videoapi.NewRouter(orch, status, checker, cfg.MaxInFlightJobs)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddress,
		Handler: router,
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return handleSignals(gctx)
	})

	group.Go(func() error {
		queue.Run(gctx)
		return nil
	})

	group.Go(func() error {
		checker.Run(gctx)
		return nil
	})

	group.Go(func() error {
		resources.RunReaper(gctx, cfg.ReaperInterval)
		return nil
	})

	group.Go(func() error {
		glog.Infof("video compositor API listening on %s", cfg.HTTPAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	glog.Infof("shutdown complete, reason: %v", err)
	return nil
}

// handleSignals blocks until the process receives SIGINT/SIGTERM/SIGQUIT or
// ctx is cancelled by a sibling goroutine's failure, returning an error in
// the signal case so errgroup.Group tears every other goroutine down too.
func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(c)

	select {
	case s := <-c:
		glog.Errorf("caught signal=%v, attempting clean shutdown", s)
		return fmt.Errorf("caught signal=%v", s)
	case <-ctx.Done():
		return nil
	}
}

// seedDevNodes registers a small fixed compute-node inventory so the API
// is immediately schedulable without an external node-registration flow --
// spec.md §4.3 never specifies how nodes join the cluster, so this mirrors
// the teacher's own pattern of hardcoding sensible local-dev defaults
// directly in main.go.
func seedDevNodes(resources *resourcemgr.Manager) {
	now := time.Now()
	resources.RegisterNode(resourcemgr.Node{
		ID:            "node-compute-1",
		Type:          resourcemgr.NodeCompute,
		Status:        resourcemgr.NodeAvailable,
		Capacity:      resourcemgr.Capacity{CPU: 16, MemoryGB: 64, StorageGB: 500, Bandwidth: 1000},
		Location:      "us-east-1",
		Tags:          map[string]string{"tier": "standard"},
		LastHeartbeat: now,
	})
	resources.RegisterNode(resourcemgr.Node{
		ID:            "node-gpu-1",
		Type:          resourcemgr.NodeGPU,
		Status:        resourcemgr.NodeAvailable,
		Capacity:      resourcemgr.Capacity{CPU: 32, MemoryGB: 128, StorageGB: 1000, Bandwidth: 2000, GPU: 2},
		Location:      "us-east-1",
		Tags:          map[string]string{"tier": "gpu"},
		LastHeartbeat: now,
	})
}

// seedDevEndpoints registers the advisory downstream endpoints the
// Orchestrator's selectEndpoint step reports alongside an async job --
// informational only, since the actual render runs through clients.Runtime
// on this same process.
func seedDevEndpoints(balancer *loadbalancer.Balancer) {
	balancer.RegisterEndpoint(loadbalancer.Endpoint{
		ID:     "transcode-1",
		URL:    "http://localhost:8989",
		Type:   loadbalancer.EndpointTranscoder,
		Status: loadbalancer.EndpointHealthy,
		Weight: 1,
		Metadata: loadbalancer.Metadata{
			Features: []string{"gpu"},
			Capacity: loadbalancer.CapacityHigh,
		},
	})
}

// newBlobStore builds an S3BlobStore when VIDEOAPI_S3_BUCKET is set in the
// environment, falling back to an in-memory store for
// local development -- grounded on clients/s3.go's own optional-session
// construction.
func newBlobStore() clients.BlobStore {
	bucket := os.Getenv("VIDEOAPI_S3_BUCKET")
	if bucket == "" {
		glog.Infof("VIDEOAPI_S3_BUCKET not set, using in-memory blob store")
		return clients.NewInMemoryBlobStore()
	}
	sess := session.Must(session.NewSession(aws.NewConfig()))
	return clients.NewS3BlobStore(sess, bucket)
}

// newJobDetailsStore opens the Postgres-backed details store when a DSN is
// configured, falling back to an in-memory one otherwise -- the same
// nil-DSN-means-disabled idiom internal/workflow.SQLMetricsSink uses.
func newJobDetailsStore(cfg config.Config) clients.JobDetailsStore {
	dsn := os.Getenv("VIDEOAPI_JOB_DETAILS_DSN")
	if dsn == "" {
		dsn = cfg.MetricsDBConnectionString
	}
	if dsn == "" {
		glog.Infof("no job details DSN configured, using in-memory job details store")
		return clients.NewInMemoryJobDetailsStore()
	}
	store, err := clients.NewSQLJobDetailsStore(dsn)
	if err != nil {
		glog.Errorf("opening job details store, falling back to in-memory: %v", err)
		return clients.NewInMemoryJobDetailsStore()
	}
	if err := store.EnsureSchema(context.Background()); err != nil {
		glog.Errorf("preparing job details schema, falling back to in-memory: %v", err)
		return clients.NewInMemoryJobDetailsStore()
	}
	return store
}

// registerHealthChecks wires the checks reported on GET /health: a single
// custom check of the HTTP server's own dependency (blob storage
// reachability), grounded on the teacher's health-check registration
// pattern in main.go (one Checker, named Check entries).
func registerHealthChecks(checker *health.Checker, runtime *clients.Runtime) {
	checker.Register(health.Check{
		Name: "blob_store",
		Kind: health.CheckCustom,
		CustomFunc: func(ctx context.Context) health.Outcome {
			if err := runtime.Blobs.HealthCheck(ctx); err != nil {
				return health.OutcomeFail
			}
			return health.OutcomePass
		},
	})
}
