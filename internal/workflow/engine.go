package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/livepeer/video-compositor-api/internal/apierrors"
	"github.com/livepeer/video-compositor-api/internal/eventbus"
	"github.com/livepeer/video-compositor-api/internal/log"
	"github.com/livepeer/video-compositor-api/internal/metrics"
)

// RollbackExecutor performs one compensating action. The Engine looks one
// up per RollbackAction the same way step Executors are looked up per
// StepType — a dispatch table, not a class hierarchy.
type RollbackExecutor func(ctx context.Context, sc *StepContext) error

// Engine materializes templates into per-job Definitions and drives their
// step-by-step execution, grounded on pipeline/coordinator.go's stage
// sequencing and finishJob's cleanup-on-exit discipline.
type Engine struct {
	catalog    map[string]Template
	executors  Executors
	rollbacks  map[RollbackAction]RollbackExecutor
	bus        *eventbus.Bus
	metricsSink MetricsSink
}

// MetricsSink is the supplemented per-job completion-metrics persistence
// hook, grounded on pipeline/coordinator.go's sendDBMetrics/MetricsDB
// pattern: nil means "disabled", exactly like the teacher's own
// `if c.MetricsDB == nil { return }` guard.
type MetricsSink interface {
	RecordCompletion(ctx context.Context, jobID, templateName string, duration time.Duration, status string) error
}

func NewEngine(catalog map[string]Template, executors Executors, rollbacks map[RollbackAction]RollbackExecutor, bus *eventbus.Bus, sink MetricsSink) *Engine {
	return &Engine{catalog: catalog, executors: executors, rollbacks: rollbacks, bus: bus, metricsSink: sink}
}

// Materialize looks up templateName in the catalog and copies it into a
// fresh per-job Definition.
func (e *Engine) Materialize(templateName, jobID string) (Definition, error) {
	tmpl, ok := e.catalog[templateName]
	if !ok {
		return Definition{}, apierrors.New(apierrors.Internal, "unknown workflow template "+templateName)
	}
	return tmpl.Materialize(jobID), nil
}

// Execute drives def from initialized through to a terminal state,
// publishing workflow:step_* and workflow:{completed,failed} events and
// running rollback strategies on terminal failure. exec.Cancel is checked
// between steps and also cancels the context a running step sees; parentCtx
// carries rollback actions, events and the metrics sink, and stops the
// workflow only when exec.Cancel was derived from it.
func (e *Engine) Execute(parentCtx context.Context, exec *Execution) error {
	// exec.Cancel.Context() is the step-executor-visible context: deriving
	// from it (rather than parentCtx directly) means CancelToken.Cancel()
	// unblocks a step that is already running, not just the between-steps
	// check below.
	ctx := exec.Cancel.Context()
	var cancel context.CancelFunc
	if exec.Definition.Timeouts.Total > 0 {
		ctx, cancel = context.WithTimeout(ctx, exec.Definition.Timeouts.Total)
		defer cancel()
	}

	exec.State = StateRunning
	exec.StartedAt = time.Now().UTC()
	if exec.Metrics.StepDurations == nil {
		exec.Metrics.StepDurations = make(map[string]time.Duration)
	}

	var stepErr error
	for i, step := range exec.Definition.Steps {
		exec.StepIndex = i

		if exec.Cancel.Cancelled() {
			exec.State = StateCancelled
			e.runRollback(parentCtx, exec, TriggerManual)
			exec.EndedAt = time.Now().UTC()
			exec.Metrics.TotalDuration = exec.EndedAt.Sub(exec.StartedAt)
			return apierrors.New(apierrors.Cancelled, "workflow cancelled before step "+step.Name)
		}

		stepErr = e.runStep(ctx, exec, step)
		if stepErr != nil {
			_, registered := e.executors[step.Type]
			if step.Critical || !registered {
				exec.State = StateRollingBack
				e.runRollback(parentCtx, exec, classifyTrigger(stepErr))
				exec.State = StateFailed
				exec.Err = stepErr
				exec.EndedAt = time.Now().UTC()
				exec.Metrics.TotalDuration = exec.EndedAt.Sub(exec.StartedAt)
				if e.bus != nil {
					e.bus.Publish(parentCtx, eventbus.Event{
						Type:   eventbus.KindWorkflowFailed,
						Source: "workflow",
						Data:   map[string]interface{}{"jobId": exec.Definition.ID, "error": stepErr.Error()},
					})
				}
				e.recordCompletion(parentCtx, exec, "failed")
				return stepErr
			}
			log.LogNoRequestID("non-critical step failed, continuing", "step", step.Name, "err", stepErr)
		}
	}

	exec.State = StateCompleted
	exec.EndedAt = time.Now().UTC()
	exec.Metrics.TotalDuration = exec.EndedAt.Sub(exec.StartedAt)
	exec.Context.Set("result", exec.Context.Result)
	if e.bus != nil {
		e.bus.Publish(parentCtx, eventbus.Event{
			Type:   eventbus.KindWorkflowCompleted,
			Source: "workflow",
			Data:   map[string]interface{}{"jobId": exec.Definition.ID},
		})
	}
	e.recordCompletion(parentCtx, exec, "completed")
	return nil
}

// runStep executes one step's executor, racing it against the step's own
// timeout and retrying up to MaxRetries on failure (steps 3-5 of spec.md
// §4.7's contract).
func (e *Engine) runStep(ctx context.Context, exec *Execution, step Step) error {
	if e.bus != nil {
		e.bus.Publish(ctx, eventbus.Event{
			Type:   eventbus.KindWorkflowStepStart,
			Source: "workflow",
			Data:   map[string]interface{}{"jobId": exec.Definition.ID, "step": step.Name},
		})
	}

	executor, ok := e.executors[step.Type]
	if !ok {
		err := apierrors.New(apierrors.Internal, fmt.Sprintf("no executor registered for step type %q", step.Type))
		e.publishStepOutcome(ctx, exec, step, err)
		return err
	}

	start := time.Now()
	err := e.withRetries(ctx, exec, step, executor)
	dur := time.Since(start)
	metrics.Metrics.StepDuration.WithLabelValues(string(step.Type), exec.Definition.TemplateName).Observe(dur.Seconds())
	exec.Metrics.StepDurations[step.Name] += dur
	if err != nil {
		exec.Metrics.ErrorCount++
	}

	e.publishStepOutcome(ctx, exec, step, err)
	return err
}

func (e *Engine) withRetries(ctx context.Context, exec *Execution, step Step, executor Executor) error {
	attempt := func() error {
		stepCtx := ctx
		var cancel context.CancelFunc
		if step.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
			defer cancel()
		}
		done := make(chan error, 1)
		go func() { done <- executor(stepCtx, exec.Context) }()
		select {
		case err := <-done:
			return err
		case <-stepCtx.Done():
			return apierrors.New(apierrors.Timeout, fmt.Sprintf("step %s timed out", step.Name))
		}
	}

	if step.MaxRetries <= 0 {
		return attempt()
	}

	b := backoff.NewExponentialBackOff()
	if step.Backoff > 0 {
		b.InitialInterval = step.Backoff
	}
	bounded := backoff.WithMaxRetries(b, uint64(step.MaxRetries))

	attempts := 0
	return backoff.Retry(func() error {
		attempts++
		if attempts > 1 {
			metrics.Metrics.StepRetries.WithLabelValues(string(step.Type), exec.Definition.TemplateName).Inc()
			exec.Metrics.RetryCount++
		}
		return attempt()
	}, bounded)
}

func (e *Engine) publishStepOutcome(ctx context.Context, exec *Execution, step Step, err error) {
	if e.bus == nil {
		return
	}
	if err != nil {
		metrics.Metrics.StepErrors.WithLabelValues(string(step.Type), exec.Definition.TemplateName).Inc()
		e.bus.Publish(ctx, eventbus.Event{
			Type:   eventbus.KindWorkflowStepFailed,
			Source: "workflow",
			Data:   map[string]interface{}{"jobId": exec.Definition.ID, "step": step.Name, "error": err.Error()},
		})
		return
	}
	e.bus.Publish(ctx, eventbus.Event{
		Type:   eventbus.KindWorkflowStepDone,
		Source: "workflow",
		Data:   map[string]interface{}{"jobId": exec.Definition.ID, "step": step.Name},
	})
}

// classifyTrigger maps a step error to the rollback trigger category of
// spec.md §4.7: timeout if the message mentions "timed out", resource
// exhaustion if it mentions "resource"/"memory", else plain step failure.
func classifyTrigger(err error) RollbackTrigger {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timed out"):
		return TriggerTimeout
	case strings.Contains(msg, "resource") || strings.Contains(msg, "memory"):
		return TriggerResourceExhaustion
	default:
		return TriggerStepFailure
	}
}

// runRollback executes every RollbackStrategy whose Trigger matches, in
// definition order. Rollback failures are logged but never thrown, per
// spec.md §4.7.
func (e *Engine) runRollback(ctx context.Context, exec *Execution, trigger RollbackTrigger) {
	for _, strat := range exec.Definition.Rollback {
		if strat.Trigger != trigger {
			continue
		}
		for _, action := range strat.Actions {
			fn, ok := e.rollbacks[action]
			if !ok {
				continue
			}
			if err := fn(ctx, exec.Context); err != nil {
				log.LogNoRequestID("rollback action failed", "action", string(action), "jobId", exec.Definition.ID, "err", err)
			}
		}
	}
}

func (e *Engine) recordCompletion(ctx context.Context, exec *Execution, status string) {
	if e.metricsSink == nil {
		return
	}
	duration := exec.EndedAt.Sub(exec.StartedAt)
	if err := e.metricsSink.RecordCompletion(ctx, exec.Definition.ID, exec.Definition.TemplateName, duration, status); err != nil {
		log.LogNoRequestID("failed to persist workflow completion metrics", "jobId", exec.Definition.ID, "err", err)
	}
}
