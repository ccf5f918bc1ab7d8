// Package jobqueue is the bounded-concurrency worker pool of spec.md §4.8:
// a FIFO of pending jobs drained by a fixed-size pool of goroutines, grounded
// on pipeline/coordinator.go's StartUploadJob/runHandlerAsync
// goroutine-per-job dispatch and its recovered() panic-safety wrapper,
// generalized to a pool bounded by MAX_CONCURRENT_JOBS instead of the
// teacher's unbounded one-goroutine-per-job spawn (a REDESIGN per spec.md
// §9: admission must not grow without limit).
package jobqueue

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/livepeer/video-compositor-api/internal/apierrors"
	"github.com/livepeer/video-compositor-api/internal/clients"
	"github.com/livepeer/video-compositor-api/internal/eventbus"
	"github.com/livepeer/video-compositor-api/internal/jobstore"
	"github.com/livepeer/video-compositor-api/internal/log"
	"github.com/livepeer/video-compositor-api/internal/metrics"
	"github.com/livepeer/video-compositor-api/internal/videojob"
	"github.com/livepeer/video-compositor-api/internal/workflow"
)

// Work is the unit of execution handed to the pool: materialize, then run
// the workflow to completion, reporting progress/results through store/bus.
// Request travels alongside the Definition so step Executors (media
// download, transcode, upload, database update) have the declarative
// source-of-truth for what to actually do.
type Work struct {
	JobID      string
	Request    videojob.Request
	Definition workflow.Definition
	Cancel     workflow.CancelToken
}

// Queue is the FIFO-admission, fixed-size worker pool. It does not itself
// know how a job's Definition maps to Executors; that wiring belongs to
// whatever constructs the Engine passed in.
type Queue struct {
	store   *jobstore.Store
	bus     *eventbus.Bus
	engine  *workflow.Engine
	pending chan Work
	tokens  chan struct{}

	mu      sync.Mutex
	cancels map[string]workflow.CancelToken
}

// New builds a Queue bounded to maxConcurrent simultaneous job executions,
// with a FIFO backlog of up to backlogSize pending jobs (enqueue blocks the
// caller once the backlog is full, the same back-pressure behavior
// spec.md §4.8 requires of bounded admission).
func New(store *jobstore.Store, bus *eventbus.Bus, engine *workflow.Engine, maxConcurrent, backlogSize int) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if backlogSize <= 0 {
		backlogSize = maxConcurrent
	}
	return &Queue{
		store:   store,
		bus:     bus,
		engine:  engine,
		pending: make(chan Work, backlogSize),
		tokens:  make(chan struct{}, maxConcurrent),
		cancels: make(map[string]workflow.CancelToken),
	}
}

// Run drains the backlog until ctx is cancelled. Call it once, typically
// from the composition root in its own goroutine; it re-arms itself after
// every dispatched job so it never busy-spins waiting for a free token.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-q.pending:
			select {
			case q.tokens <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go q.runOne(ctx, w)
		}
	}
}

// Enqueue admits a job for background execution. It blocks if the backlog
// is full rather than silently dropping work.
func (q *Queue) Enqueue(ctx context.Context, w Work) error {
	q.store.Save(jobstore.Record{
		ID:      w.JobID,
		Status:  jobstore.StatusPending,
		Request: w.Request,
	})
	q.mu.Lock()
	q.cancels[w.JobID] = w.Cancel
	q.mu.Unlock()
	metrics.Metrics.JobsInFlight.Inc()
	select {
	case q.pending <- w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel signals the named job's CancelToken if it is still tracked. It
// returns a NotFound error for an unknown job and a Validation error for an
// already-terminal one, matching jobstore.Update's own terminal-freeze
// semantics.
func (q *Queue) Cancel(jobID string) error {
	rec, ok := q.store.Get(jobID)
	if !ok {
		return apierrors.New(apierrors.NotFound, "job "+jobID+" not found")
	}
	if rec.Status.Terminal() {
		return apierrors.New(apierrors.Validation, "job "+jobID+" already finished")
	}
	q.mu.Lock()
	tok, ok := q.cancels[jobID]
	q.mu.Unlock()
	if ok {
		tok.Cancel()
	}
	return nil
}

// Status reports whether jobID is currently tracked by the pool (admitted
// but not yet terminal) and, if so, its latest JobStore snapshot. Callers
// implementing spec.md §4.9's "status queries consult JobQueue first, then
// fall back to the JobStore" fall through to the store directly on ok=false,
// since an untracked job is either not yet admitted or already finished.
func (q *Queue) Status(jobID string) (jobstore.Record, bool) {
	q.mu.Lock()
	_, tracked := q.cancels[jobID]
	q.mu.Unlock()
	if !tracked {
		return jobstore.Record{}, false
	}
	return q.store.Get(jobID)
}

func (q *Queue) runOne(ctx context.Context, w Work) {
	defer func() { <-q.tokens }()
	defer func() {
		q.mu.Lock()
		delete(q.cancels, w.JobID)
		q.mu.Unlock()
	}()
	defer metrics.Metrics.JobsInFlight.Dec()

	start := time.Now()
	result, err := recovered(func() (*workflow.Execution, error) {
		return q.execute(ctx, w)
	})
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		log.LogNoRequestID("job execution failed", "jobId", w.JobID, "err", err)
		msg := err.Error()
		status := jobstore.StatusFailed
		q.store.Update(w.JobID, jobstore.Patch{Status: &status, Error: &msg, ProcessingTimeMs: &durationMs})
		return
	}

	status := jobstore.StatusCompleted
	resultURL, resultSize := uploadResultFrom(result)
	q.store.Update(w.JobID, jobstore.Patch{
		Status:           &status,
		ProgressPercent:  intPtr(100),
		ProcessingTimeMs: &durationMs,
		ResultURL:        &resultURL,
		ResultSizeBytes:  &resultSize,
	})
}

// uploadResultFrom extracts the s3_upload step's recorded URL/size from a
// completed Execution's terminal Result, so runOne can persist them onto the
// JobRecord alongside status=completed -- spec.md §3/§8 requires
// resultUrl be set whenever status reaches completed.
func uploadResultFrom(exec *workflow.Execution) (url string, sizeBytes int64) {
	if exec == nil {
		return "", 0
	}
	if ur, ok := exec.Context.Result.(clients.UploadResult); ok {
		return ur.URL, ur.SizeBytes
	}
	return "", 0
}

func (q *Queue) execute(ctx context.Context, w Work) (*workflow.Execution, error) {
	status := jobstore.StatusProcessing
	q.store.Update(w.JobID, jobstore.Patch{Status: &status})

	exec := &workflow.Execution{
		Definition: w.Definition,
		Context:    workflow.NewStepContext(),
		Cancel:     w.Cancel,
	}
	exec.Context.Set("request", w.Request)
	exec.Context.Set("job_id", w.JobID)
	if err := q.engine.Execute(ctx, exec); err != nil {
		if exec.State == workflow.StateCancelled {
			status := jobstore.StatusCancelled
			q.store.Update(w.JobID, jobstore.Patch{Status: &status})
			return exec, nil
		}
		return exec, err
	}
	return exec, nil
}

// recovered runs f, converting a panic into an error the same way the
// teacher's pipeline package does for its own background job goroutines.
func recovered(f func() (*workflow.Execution, error)) (exec *workflow.Execution, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.LogNoRequestID("panic in job worker, recovering", "err", r, "trace", string(debug.Stack()))
			err = apierrors.New(apierrors.Internal, "panic during job execution")
		}
	}()
	return f()
}

func intPtr(v int) *int { return &v }
