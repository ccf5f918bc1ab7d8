package clients

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/livepeer/video-compositor-api/internal/apierrors"
	"github.com/livepeer/video-compositor-api/internal/jobstore"
	"github.com/livepeer/video-compositor-api/internal/log"
	"github.com/livepeer/video-compositor-api/internal/resilience"
	"github.com/livepeer/video-compositor-api/internal/resourcemgr"
	"github.com/livepeer/video-compositor-api/internal/videojob"
	"github.com/livepeer/video-compositor-api/internal/workflow"
)

// Timeouts bounding each external call a step executor makes through the
// resilience.Manager, one per breaker named in spec.md §4.2.
const (
	transcodeCallTimeout = 10 * time.Minute
	uploadCallTimeout    = 2 * time.Minute
	databaseCallTimeout  = 10 * time.Second
	callbackCallTimeout  = 5 * time.Second
)

// Runtime bundles the external collaborators every workflow.Executor in
// this package closes over. One Runtime is built once at the composition
// root and shared by every job, the same way pipeline.Coordinator bundles
// its Transcoder/Storage/MetricsDB fields for every pipeline.Handler.
// Resilience may be left nil (as executors_test.go does) to exercise the
// collaborators directly with no breaker/bulkhead/retry wrapping.
type Runtime struct {
	Resources  *resourcemgr.Manager
	Transcode  Transcoder
	Blobs      BlobStore
	Details    JobDetailsStore
	Callbacks  *CallbackNotifier
	Resilience *resilience.Manager
	// Store lets the video_processing step patch live progress onto the
	// JobRecord as the transcoder reports it. Left nil in executors_test.go,
	// where progress reporting has no JobStore to land in.
	Store *jobstore.Store
}

// guard runs fn through r.Resilience's fixed breaker(bulkhead(retry(timeout)))
// pipeline when a Manager is configured, otherwise it runs fn under a plain
// resilience.WithTimeout.
func (r *Runtime) guard(ctx context.Context, breakerName, bulkheadName string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if r.Resilience == nil {
		return resilience.WithTimeout(ctx, timeout, fn)
	}
	return r.Resilience.Execute(ctx, breakerName, bulkheadName, timeout, fn)
}

// Executors returns the dispatch table of spec.md §4.7's seven step types,
// bound to r's collaborators. A StepType left unmapped here is a
// configuration bug the Engine turns fatal at first use.
func (r *Runtime) Executors() workflow.Executors {
	return workflow.Executors{
		workflow.StepValidation:        r.validation,
		workflow.StepResourceAllocation: r.resourceAllocation,
		workflow.StepMediaDownload:      r.mediaDownload,
		workflow.StepVideoProcessing:    r.videoProcessing,
		workflow.StepS3Upload:           r.s3Upload,
		workflow.StepDatabaseUpdate:     r.databaseUpdate,
		workflow.StepCleanup:            r.cleanup,
	}
}

// Rollbacks returns the compensating-action dispatch table for spec.md
// §4.7's four RollbackAction values, bound to the same collaborators.
func (r *Runtime) Rollbacks() map[workflow.RollbackAction]workflow.RollbackExecutor {
	return map[workflow.RollbackAction]workflow.RollbackExecutor{
		workflow.ActionCleanupResources: r.rollbackCleanupResources,
		workflow.ActionDeleteFiles:      r.rollbackDeleteFiles,
		workflow.ActionUpdateDatabase:   r.rollbackUpdateDatabase,
		workflow.ActionSendNotification: r.rollbackSendNotification,
	}
}

func requestFrom(sc *workflow.StepContext) (videojob.Request, error) {
	v, ok := sc.Get("request")
	if !ok {
		return videojob.Request{}, apierrors.New(apierrors.Internal, "step context missing request")
	}
	req, ok := v.(videojob.Request)
	if !ok {
		return videojob.Request{}, apierrors.New(apierrors.Internal, "step context request has wrong type")
	}
	return req, nil
}

func jobIDFrom(sc *workflow.StepContext) string {
	v, ok := sc.Get("job_id")
	if !ok {
		return ""
	}
	id, _ := v.(string)
	return id
}

// validation re-checks the request a second time at the point the workflow
// actually begins executing it, the same defense-in-depth the teacher's own
// handlers apply both at the HTTP boundary and again inside the pipeline.
func (r *Runtime) validation(ctx context.Context, sc *workflow.StepContext) error {
	req, err := requestFrom(sc)
	if err != nil {
		return err
	}
	return videojob.Validate(&req)
}

// resourceAllocation reserves the capacity the run actually consumes, as
// distinct from the Orchestrator's own admission-time feasibility check
// (which is released immediately once a job is handed to the JobQueue — see
// orchestrator.runAsync). The allocation id is threaded through StepContext
// so cleanup/rollback can release it.
func (r *Runtime) resourceAllocation(ctx context.Context, sc *workflow.StepContext) error {
	req, err := requestFrom(sc)
	if err != nil {
		return err
	}
	analysis := videojob.Analyze(&req)
	alloc, err := r.Resources.Allocate(ctx, resourcemgr.AllocateRequest{
		Requirements: resourcemgr.Requirements{
			CPU:           analysis.Resources.CPU,
			MemoryGB:      analysis.Resources.MemoryGB,
			StorageGB:     analysis.Resources.StorageGB,
			BandwidthMbps: analysis.Resources.BandwidthMbps,
			GPU:           analysis.Resources.GPU,
		},
		Priority: resourcemgr.Priority(analysis.Priority),
	})
	if err != nil {
		return err
	}
	sc.Set("allocation_id", alloc.ID)
	return nil
}

// mediaDownload validates every element source resolves to a well-formed
// URL before the transcoder is ever invoked, so a malformed source fails
// fast as a validation error rather than surfacing as an opaque transcode
// failure three steps later.
func (r *Runtime) mediaDownload(ctx context.Context, sc *workflow.StepContext) error {
	req, err := requestFrom(sc)
	if err != nil {
		return err
	}
	for _, el := range req.Elements {
		if _, err := url.ParseRequestURI(el.Source); err != nil {
			return apierrors.New(apierrors.Validation, fmt.Sprintf("element %q source %q is not a valid URL: %v", el.ID, el.Source, err))
		}
	}
	return nil
}

// videoProcessing invokes the black-box Transcoder, feeding its progress
// callback into the step's own context (the Engine itself owns publishing
// workflow:step_* events; this just bridges fine-grained transcode progress
// onto the job log the same way progress/progress.go's Track does).
func (r *Runtime) videoProcessing(ctx context.Context, sc *workflow.StepContext) error {
	req, err := requestFrom(sc)
	if err != nil {
		return err
	}
	jobID := jobIDFrom(sc)
	var result TranscodeResult
	err = r.guard(ctx, "ffmpeg", "video_processing", transcodeCallTimeout, func(ctx context.Context) error {
		var transcodeErr error
		result, transcodeErr = r.Transcode.Transcode(ctx, TranscodeJob{JobID: jobID, Request: req}, func(fraction float64, step string) {
			r.reportProgress(ctx, jobID, fraction, step)
		})
		return transcodeErr
	})
	if err != nil {
		return err
	}
	sc.Set("output_path", result.OutputPath)
	sc.Set("transcode_duration_ms", result.DurationMs)
	return nil
}

// reportProgress patches the job's live ProgressPercent/CurrentStep onto the
// JobStore as the transcoder reports ticks, so a client polling or
// subscribed mid-transcode observes motion before the step's terminal
// event. A patch failure (most likely a race against a concurrent terminal
// transition) is logged, never propagated -- a missed progress tick must
// not fail the job.
func (r *Runtime) reportProgress(ctx context.Context, jobID string, fraction float64, step string) {
	log.VLogCtx(ctx, 6, "transcode progress", "jobId", jobID, "fraction", fraction, "step", step)
	if r.Store == nil {
		return
	}
	pct := int(fraction * 100)
	if _, err := r.Store.Update(jobID, jobstore.Patch{ProgressPercent: &pct, CurrentStep: &step}); err != nil {
		log.VLogCtx(ctx, 6, "progress patch skipped", "jobId", jobID, "err", err)
	}
}

// s3Upload hands the rendered output to the BlobStore and records the
// result both on the StepContext (for database_update) and as the
// execution's terminal Result (what a synchronous Orchestrate call returns
// to its caller).
func (r *Runtime) s3Upload(ctx context.Context, sc *workflow.StepContext) error {
	v, ok := sc.Get("output_path")
	if !ok {
		return apierrors.New(apierrors.Internal, "step context missing output_path; video_processing must run first")
	}
	path := v.(string)
	var result UploadResult
	err := r.guard(ctx, "s3", "file_upload", uploadCallTimeout, func(ctx context.Context) error {
		var uploadErr error
		result, uploadErr = r.Blobs.UploadVideo(ctx, path)
		return uploadErr
	})
	if err != nil {
		return err
	}
	sc.Set("upload_result", result)
	sc.Result = result
	return nil
}

// databaseUpdate persists the request's elements/timeline and final
// storage location, the durable half of spec.md §1's "persistent
// job/element/timeline database" black box (the live status machine itself
// is jobstore.Store, not this call).
func (r *Runtime) databaseUpdate(ctx context.Context, sc *workflow.StepContext) error {
	req, err := requestFrom(sc)
	if err != nil {
		return err
	}
	jobID := jobIDFrom(sc)
	var result UploadResult
	if v, ok := sc.Get("upload_result"); ok {
		result, _ = v.(UploadResult)
	}
	return r.guard(ctx, "database", "database_ops", databaseCallTimeout, func(ctx context.Context) error {
		return r.Details.SaveDetails(ctx, jobID, req, result)
	})
}

// cleanup releases the allocation resourceAllocation reserved and notifies
// the request's CallbackURL (if any) of successful completion, mirroring
// pipeline/coordinator.go's finishJob deferred teardown.
func (r *Runtime) cleanup(ctx context.Context, sc *workflow.StepContext) error {
	r.releaseAllocation(ctx, sc)

	req, err := requestFrom(sc)
	if err != nil {
		return nil
	}
	if req.CallbackURL == "" || r.Callbacks == nil {
		return nil
	}
	var resultURL string
	if v, ok := sc.Get("upload_result"); ok {
		if upload, ok := v.(UploadResult); ok {
			resultURL = upload.URL
		}
	}
	err = r.guard(ctx, "external_api", "", callbackCallTimeout, func(ctx context.Context) error {
		return r.Callbacks.Notify(ctx, req.CallbackURL, CallbackPayload{
			JobID:      jobIDFrom(sc),
			Status:     "completed",
			ResultURL:  resultURL,
			OccurredAt: time.Now().UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		log.LogNoRequestID("callback notification failed", "jobId", jobIDFrom(sc), "err", err)
	}
	return nil
}

func (r *Runtime) releaseAllocation(ctx context.Context, sc *workflow.StepContext) {
	v, ok := sc.Get("allocation_id")
	if !ok {
		return
	}
	id, _ := v.(string)
	if id == "" {
		return
	}
	r.Resources.Release(ctx, id)
	sc.Set("allocation_id", "")
}

func (r *Runtime) rollbackCleanupResources(ctx context.Context, sc *workflow.StepContext) error {
	r.releaseAllocation(ctx, sc)
	return nil
}

func (r *Runtime) rollbackDeleteFiles(ctx context.Context, sc *workflow.StepContext) error {
	v, ok := sc.Get("output_path")
	if !ok {
		return nil
	}
	path, _ := v.(string)
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (r *Runtime) rollbackUpdateDatabase(ctx context.Context, sc *workflow.StepContext) error {
	req, err := requestFrom(sc)
	if err != nil {
		return nil
	}
	return r.Details.SaveDetails(ctx, jobIDFrom(sc), req, UploadResult{})
}

func (r *Runtime) rollbackSendNotification(ctx context.Context, sc *workflow.StepContext) error {
	if r.Callbacks == nil {
		return nil
	}
	req, err := requestFrom(sc)
	if err != nil || req.CallbackURL == "" {
		return nil
	}
	return r.guard(ctx, "external_api", "", callbackCallTimeout, func(ctx context.Context) error {
		return r.Callbacks.Notify(ctx, req.CallbackURL, CallbackPayload{
			JobID:      jobIDFrom(sc),
			Status:     "failed",
			OccurredAt: time.Now().UTC().Format(time.RFC3339),
		})
	})
}
