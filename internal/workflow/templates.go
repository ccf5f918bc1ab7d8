package workflow

import "time"

// baseSteps is shared by every built-in template; templates differ mainly
// in timeouts/retries, matching how the teacher's upload pipeline runs the
// same download->process->upload sequence regardless of strategy.
func baseSteps(perStepTimeout time.Duration, processingRetries int) []Step {
	return []Step{
		{Name: "validate", Type: StepValidation, Critical: true, Timeout: perStepTimeout},
		{Name: "allocate", Type: StepResourceAllocation, Critical: true, Timeout: perStepTimeout},
		{Name: "download", Type: StepMediaDownload, Critical: true, MaxRetries: 2, Backoff: 200 * time.Millisecond, Timeout: perStepTimeout},
		{Name: "process", Type: StepVideoProcessing, Critical: true, MaxRetries: processingRetries, Backoff: time.Second, Timeout: perStepTimeout * 4},
		{Name: "upload", Type: StepS3Upload, Critical: true, MaxRetries: 2, Backoff: 200 * time.Millisecond, Timeout: perStepTimeout},
		{Name: "record", Type: StepDatabaseUpdate, Critical: false, MaxRetries: 1, Timeout: perStepTimeout},
		{Name: "cleanup", Type: StepCleanup, Critical: false, Timeout: perStepTimeout},
	}
}

func defaultRollback() []RollbackStrategy {
	return []RollbackStrategy{
		{Trigger: TriggerStepFailure, Actions: []RollbackAction{ActionCleanupResources, ActionUpdateDatabase}},
		{Trigger: TriggerTimeout, Actions: []RollbackAction{ActionCleanupResources, ActionDeleteFiles, ActionSendNotification}},
		{Trigger: TriggerResourceExhaustion, Actions: []RollbackAction{ActionCleanupResources, ActionSendNotification}},
		{Trigger: TriggerManual, Actions: []RollbackAction{ActionCleanupResources, ActionDeleteFiles}},
	}
}

// TemplateQuickSync, TemplateBalancedAsync, TemplateResourceIntensive, and
// TemplateDistributed correspond 1:1 to videojob.Strategy's four values —
// the template name IS the chosen strategy, per spec.md §4.7.
const (
	TemplateQuickSync         = "quick_sync"
	TemplateBalancedAsync     = "balanced_async"
	TemplateResourceIntensive = "resource_intensive"
	TemplateDistributed       = "distributed"

	// TemplateFallbackExternal is the supplemented fallback template the
	// Orchestrator switches a failed primary workflow to, grounded on the
	// teacher's StrategyFallbackExternal.
	TemplateFallbackExternal = "fallback_external"
)

// Catalog builds the immutable built-in template set.
func Catalog() map[string]Template {
	return map[string]Template{
		TemplateQuickSync: {
			Name:     TemplateQuickSync,
			Steps:    baseSteps(5*time.Second, 1),
			Rollback: defaultRollback(),
			Timeouts: Timeouts{Total: 30 * time.Second},
		},
		TemplateBalancedAsync: {
			Name:     TemplateBalancedAsync,
			Steps:    baseSteps(15*time.Second, 2),
			Rollback: defaultRollback(),
			Timeouts: Timeouts{Total: 3 * time.Minute},
		},
		TemplateResourceIntensive: {
			Name:     TemplateResourceIntensive,
			Steps:    baseSteps(30*time.Second, 3),
			Rollback: defaultRollback(),
			Timeouts: Timeouts{Total: 10 * time.Minute},
		},
		TemplateDistributed: {
			Name:     TemplateDistributed,
			Steps:    baseSteps(60*time.Second, 3),
			Rollback: defaultRollback(),
			Timeouts: Timeouts{Total: 30 * time.Minute},
		},
		TemplateFallbackExternal: {
			Name:     TemplateFallbackExternal,
			Steps:    baseSteps(45*time.Second, 1),
			Rollback: defaultRollback(),
			Timeouts: Timeouts{Total: 15 * time.Minute},
		},
	}
}

// SelectTemplate implements spec.md §4.7's pure-function template-selection
// table: elements<=2 & pixels<=1920*1080 & no video -> quick_sync,
// elements<=5 & pixels<=2560*1440 -> balanced_async,
// elements<=10 & pixels<=3840*2160 -> resource_intensive, else distributed.
func SelectTemplate(elementCount, pixels int, hasVideo bool) string {
	switch {
	case elementCount <= 2 && pixels <= 1920*1080 && !hasVideo:
		return TemplateQuickSync
	case elementCount <= 5 && pixels <= 2560*1440:
		return TemplateBalancedAsync
	case elementCount <= 10 && pixels <= 3840*2160:
		return TemplateResourceIntensive
	default:
		return TemplateDistributed
	}
}
