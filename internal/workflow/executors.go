package workflow

import "context"

// Executor runs one step against the execution's shared StepContext.
// Grounded on the teacher's Handler interface / dispatch pattern in
// pipeline/handler.go (one small function per pipeline stage, selected by a
// map lookup rather than a type switch over a class hierarchy).
type Executor func(ctx context.Context, sc *StepContext) error

// Executors is the dispatch table keyed by StepType. A StepType with no
// registered Executor is a fatal configuration error, per spec.md §4.7's
// "missing executor => fatal" rule.
type Executors map[StepType]Executor
