// Package eventbus implements the typed, single-process publish/subscribe
// broker of spec.md §4.1. It replaces the teacher's Ethereum typed-data
// signing events (events/events.go) with a closed set of orchestration event
// kinds, generalizing the generic Cache[T] pattern from cache/cache.go into
// a mutex-guarded ring buffer for history and dead-letter retention.
package eventbus

import "time"

// Kind is the closed set of event types the bus understands. Unknown kinds
// (from a cross-node transport) carry an opaque Data bag rather than a typed
// payload, per spec.md's REDESIGN FLAGS.
type Kind string

const (
	KindJobUpdate          Kind = "job:update"
	KindWorkflowStepStart  Kind = "workflow:step_started"
	KindWorkflowStepDone   Kind = "workflow:step_completed"
	KindWorkflowStepFailed Kind = "workflow:step_failed"
	KindWorkflowCompleted  Kind = "workflow:completed"
	KindWorkflowFailed     Kind = "workflow:failed"
	KindOrchestrationError Kind = "orchestration:error"
	KindResourceAllocated  Kind = "resource:allocated"
	KindResourceReleased   Kind = "resource:released"
	KindNodeFailed         Kind = "resource:node_failed"
	KindNodeRecovered      Kind = "resource:node_recovered"
	KindHighUtilization    Kind = "resource:high_utilization"
	KindEndpointStatus     Kind = "endpoint:status_changed"
	KindHealthStatus       Kind = "health:status_changed"
	KindResilienceMetrics  Kind = "resilience.metrics"
	KindDeadLetter         Kind = "dead_letter"
)

// Event is the envelope published and delivered by the bus (spec.md §3).
type Event struct {
	ID            string
	Type          Kind
	Source        string
	Timestamp     time.Time
	Data          interface{}
	Metadata      map[string]string
	CorrelationID string
	CausationID   string
}

// Filter restricts which events a subscription receives. A zero-value
// Filter (all fields empty/zero) matches everything.
type Filter struct {
	Sources  map[string]struct{}
	Since    time.Time
	Until    time.Time
	DataEq   map[string]interface{}
	MetaEq   map[string]string
}

func (f *Filter) Matches(e Event) bool {
	if f == nil {
		return true
	}
	if len(f.Sources) > 0 {
		if _, ok := f.Sources[e.Source]; !ok {
			return false
		}
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	for k, v := range f.DataEq {
		m, ok := e.Data.(map[string]interface{})
		if !ok {
			return false
		}
		if mv, present := m[k]; !present || mv != v {
			return false
		}
	}
	for k, v := range f.MetaEq {
		if e.Metadata == nil || e.Metadata[k] != v {
			return false
		}
	}
	return true
}
