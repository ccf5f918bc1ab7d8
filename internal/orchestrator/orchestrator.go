// Package orchestrator is the composition root of spec.md §4.9:
// classify -> allocate -> build workflow -> select endpoint (advisory) ->
// run sync or hand off to the JobQueue, grounded on api/http_internal.go's
// handler wiring (NewCatalystAPIRouterInternal composing coordinator +
// balancer + capacity middleware) and main.go's explicit
// construct-then-wire lifecycle.
package orchestrator

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/livepeer/video-compositor-api/internal/apierrors"
	"github.com/livepeer/video-compositor-api/internal/clients"
	"github.com/livepeer/video-compositor-api/internal/config"
	"github.com/livepeer/video-compositor-api/internal/eventbus"
	"github.com/livepeer/video-compositor-api/internal/jobqueue"
	"github.com/livepeer/video-compositor-api/internal/jobstore"
	"github.com/livepeer/video-compositor-api/internal/loadbalancer"
	"github.com/livepeer/video-compositor-api/internal/log"
	"github.com/livepeer/video-compositor-api/internal/metrics"
	"github.com/livepeer/video-compositor-api/internal/resourcemgr"
	"github.com/livepeer/video-compositor-api/internal/videojob"
	"github.com/livepeer/video-compositor-api/internal/workflow"
)

// Status is the closed set of values OrchestrationResult.Status carries.
type Status string

const (
	StatusImmediate Status = "immediate"
	StatusAsync     Status = "async"
	StatusFailed    Status = "failed"
)

// Result is spec.md §4.9's OrchestrationResult.
type Result struct {
	Status              Status
	JobID               string
	Result              interface{}
	ProcessingTime       time.Duration
	EstimatedCompletion time.Time
	StatusCheckEndpoint string
	Error               string
	Recoverable         bool
}

// Orchestrator wires every other component together behind one entry
// point. It owns no state of its own beyond its collaborators; the
// per-job bookkeeping lives in JobStore/JobQueue/ResourceManager.
type Orchestrator struct {
	cfg       config.Config
	resources *resourcemgr.Manager
	balancer  *loadbalancer.Balancer
	engine    *workflow.Engine
	queue     *jobqueue.Queue
	store     *jobstore.Store
	bus       *eventbus.Bus
}

func New(cfg config.Config, resources *resourcemgr.Manager, balancer *loadbalancer.Balancer, engine *workflow.Engine, queue *jobqueue.Queue, store *jobstore.Store, bus *eventbus.Bus) *Orchestrator {
	return &Orchestrator{cfg: cfg, resources: resources, balancer: balancer, engine: engine, queue: queue, store: store, bus: bus}
}

// Orchestrate runs spec.md §4.9's numbered steps against req, which must
// already have passed videojob.Validate. If the primary template's workflow
// fails with a recoverable error, it is retried once against
// workflow.TemplateFallbackExternal before the failure is returned to the
// caller.
func (o *Orchestrator) Orchestrate(ctx context.Context, req videojob.Request) Result {
	jobID := req.ID
	if jobID == "" {
		jobID = uuid.NewString()
		req.ID = jobID
	}

	analysis := videojob.Analyze(&req)

	result, ranWorkflow := o.attempt(ctx, jobID, req, analysis, string(analysis.Strategy))
	if ranWorkflow && result.Status == StatusFailed && result.Recoverable && string(analysis.Strategy) != workflow.TemplateFallbackExternal {
		log.LogNoRequestID("primary workflow failed recoverably, retrying with fallback pipeline", "jobId", jobID, "strategy", analysis.Strategy, "err", result.Error)
		result, _ = o.attempt(ctx, jobID, req, analysis, workflow.TemplateFallbackExternal)
	}
	return result
}

// attempt runs one pass of spec.md §4.9's numbered steps against a chosen
// template name, returning whether the run got far enough to actually
// materialize and execute a workflow -- an admission-time NoSuitableNode
// rejection (before any template is even chosen) would fail the fallback
// template identically, so Orchestrate only retries failures that happened
// after the workflow itself ran.
func (o *Orchestrator) attempt(ctx context.Context, jobID string, req videojob.Request, analysis videojob.Analysis, templateName string) (Result, bool) {
	start := time.Now()

	allocReq := resourcemgr.AllocateRequest{
		Requirements: resourcemgr.Requirements{
			CPU:           analysis.Resources.CPU,
			MemoryGB:      analysis.Resources.MemoryGB,
			StorageGB:     analysis.Resources.StorageGB,
			BandwidthMbps: analysis.Resources.BandwidthMbps,
			GPU:           analysis.Resources.GPU,
		},
		Priority: resourcemgr.Priority(analysis.Priority),
	}
	alloc, err := o.resources.Allocate(ctx, allocReq)
	if err != nil {
		return o.fail(ctx, jobID, err, start), false
	}
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		o.resources.Release(ctx, alloc.ID)
	}
	defer release()

	def, err := o.engine.Materialize(templateName, jobID)
	if err != nil {
		return o.fail(ctx, jobID, err, start), false
	}

	if _, err := o.selectEndpoint(analysis); err != nil {
		log.LogNoRequestID("advisory endpoint selection failed, proceeding without one", "jobId", jobID, "err", err)
	}

	// QuickThreshold is exclusive on the sync side: an estimate equal to the
	// threshold routes async.
	sync := analysis.EstimatedDuration < o.cfg.QuickThreshold.Seconds() &&
		analysis.Complexity == videojob.ComplexitySimple &&
		analysis.Strategy == videojob.StrategyQuickSync

	if sync {
		return o.runSync(ctx, jobID, def, release, start, analysis, req), true
	}
	return o.runAsync(ctx, jobID, def, release, start, analysis, req), true
}

func (o *Orchestrator) selectEndpoint(analysis videojob.Analysis) (loadbalancer.Endpoint, error) {
	in := loadbalancer.SelectionInput{
		RequiresGPU: analysis.Resources.GPU,
		Priority:    string(analysis.Priority),
		Complexity:  string(analysis.Complexity),
		CPURequired: analysis.Resources.CPU,
		HashKey:     hashKey(analysis),
	}
	algo := loadbalancer.ChooseAlgorithm(in)
	return o.balancer.Select(algo, in)
}

func hashKey(a videojob.Analysis) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%f", a.Complexity, a.Priority, a.Resources.CPU)))
	return hex.EncodeToString(sum[:])
}

func (o *Orchestrator) runSync(ctx context.Context, jobID string, def workflow.Definition, release func(), start time.Time, analysis videojob.Analysis, req videojob.Request) Result {
	o.store.Save(jobstore.Record{ID: jobID, Status: jobstore.StatusProcessing, Request: req})

	exec := &workflow.Execution{
		Definition: def,
		Context:    workflow.NewStepContext(),
		Cancel:     workflow.NewCancelToken(ctx),
	}
	exec.Context.Set("request", req)
	exec.Context.Set("job_id", jobID)
	err := o.engine.Execute(ctx, exec)
	release()
	duration := time.Since(start)

	if err != nil {
		status := jobstore.StatusFailed
		msg := err.Error()
		o.store.Update(jobID, jobstore.Patch{Status: &status, Error: &msg})
		return o.fail(ctx, jobID, err, start)
	}

	status := jobstore.StatusCompleted
	durationMs := duration.Milliseconds()
	resultURL, resultSize := uploadResultFrom(exec)
	o.store.Update(jobID, jobstore.Patch{
		Status:           &status,
		ProgressPercent:  intPtr(100),
		ProcessingTimeMs: &durationMs,
		ResultURL:        &resultURL,
		ResultSizeBytes:  &resultSize,
	})
	metrics.Metrics.JobsTotal.WithLabelValues("completed", string(def.TemplateName), string(analysis.Complexity)).Inc()
	metrics.Metrics.JobDuration.WithLabelValues("completed", string(def.TemplateName)).Observe(duration.Seconds())

	return Result{
		Status:         StatusImmediate,
		JobID:          jobID,
		Result:         exec.Context.Result,
		ProcessingTime: duration,
	}
}

func (o *Orchestrator) runAsync(ctx context.Context, jobID string, def workflow.Definition, release func(), start time.Time, analysis videojob.Analysis, req videojob.Request) Result {
	token := workflow.NewCancelToken(ctx)
	err := o.queue.Enqueue(ctx, jobqueue.Work{JobID: jobID, Request: req, Definition: def, Cancel: token})
	// The admission-time allocation made in Orchestrate only proves
	// feasibility (fail fast on NoSuitableNode before ever touching the
	// queue); the workflow's own resource_allocation step reserves what the
	// run actually consumes once a worker picks it up, so this allocation
	// is released here unconditionally rather than held for the job's
	// lifetime, per spec.md §4.9's "finally: always release allocated
	// resources".
	release()
	if err != nil {
		return o.fail(ctx, jobID, err, start)
	}

	return Result{
		Status:              StatusAsync,
		JobID:               jobID,
		EstimatedCompletion: start.Add(time.Duration(analysis.EstimatedDuration * float64(time.Second))),
		StatusCheckEndpoint: "/video/result/" + jobID,
	}
}

func (o *Orchestrator) fail(ctx context.Context, jobID string, err error, start time.Time) Result {
	recoverable := apierrors.IsRecoverable(err)
	log.LogNoRequestID("orchestration failed", "jobId", jobID, "err", err, "recoverable", recoverable)
	metrics.Metrics.JobsTotal.WithLabelValues("failed", "", "").Inc()
	if o.bus != nil {
		o.bus.Publish(ctx, eventbus.Event{
			Type:   eventbus.KindOrchestrationError,
			Source: "orchestrator",
			Data:   map[string]interface{}{"jobId": jobID, "error": err.Error(), "recoverable": recoverable},
		})
	}
	return Result{
		Status:      StatusFailed,
		JobID:       jobID,
		Error:       err.Error(),
		Recoverable: recoverable,
	}
}

// uploadResultFrom extracts the s3_upload step's recorded URL/size from a
// completed Execution's terminal Result, mirroring jobqueue's own extraction
// for the async path -- spec.md §3/§8 requires resultUrl be set whenever
// status reaches completed, sync or async.
func uploadResultFrom(exec *workflow.Execution) (url string, sizeBytes int64) {
	if exec == nil {
		return "", 0
	}
	if ur, ok := exec.Context.Result.(clients.UploadResult); ok {
		return ur.URL, ur.SizeBytes
	}
	return "", 0
}

func intPtr(v int) *int { return &v }
