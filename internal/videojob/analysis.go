package videojob

// Complexity buckets a request by size/resolution, driving both workflow
// template selection (spec.md §4.7) and load-balancer strategy choice
// (spec.md §4.4).
type Complexity string

const (
	ComplexitySimple     Complexity = "simple"
	ComplexityModerate   Complexity = "moderate"
	ComplexityComplex    Complexity = "complex"
	ComplexityEnterprise Complexity = "enterprise"
)

// Strategy is the processing strategy derived from Complexity, also used as
// the workflow template name (spec.md §4.7's template-selection table).
type Strategy string

const (
	StrategyQuickSync         Strategy = "quick_sync"
	StrategyBalancedAsync     Strategy = "balanced_async"
	StrategyResourceIntensive Strategy = "resource_intensive"
	StrategyDistributed       Strategy = "distributed"
)

// ResourceRequirements is the derived resource footprint of a job, handed to
// ResourceManager.Allocate.
type ResourceRequirements struct {
	CPU           float64
	MemoryGB      float64
	StorageGB     float64
	BandwidthMbps float64
	GPU           bool
	EstimatedTime float64 // seconds
}

// Analysis is the immutable, derived JobAnalysis of spec.md §3.
type Analysis struct {
	EstimatedDuration float64 // seconds
	Resources         ResourceRequirements
	Priority          Priority
	Complexity        Complexity
	Strategy          Strategy
	Risks             []string
	Optimizations     []string
}
