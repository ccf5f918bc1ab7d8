package videojob

import "math"

// Analyze derives the immutable JobAnalysis for a validated Request,
// implementing spec.md §4.9 step 1's estimatedDuration formula exactly and
// reusing the same element-count/pixel-area/video-presence thresholds the
// WorkflowEngine's own template selection uses, so Complexity/Strategy and
// the chosen workflow template never disagree.
func Analyze(r *Request) Analysis {
	pixels := r.Pixels()
	hasVideo := r.HasVideoElement()
	strategy := strategyFor(len(r.Elements), pixels, hasVideo)
	complexity := complexityFor(strategy)

	multiplier := 1.0
	if hasVideo {
		multiplier += 0.5
	}
	if r.TrackCount() > 1 {
		multiplier += 0.3
	}
	if r.HasTransformations() {
		multiplier += 0.2
	}

	estimated := (5 + 3*float64(len(r.Elements))) * multiplier * math.Max(1, float64(pixels)/(1920*1080))

	priority := r.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	resources := estimateResources(r, pixels, hasVideo, complexity)
	resources.EstimatedTime = estimated

	return Analysis{
		EstimatedDuration: estimated,
		Resources:         resources,
		Priority:          priority,
		Complexity:        complexity,
		Strategy:          strategy,
		Risks:             risksFor(r, pixels, hasVideo),
		Optimizations:     optimizationsFor(r, complexity),
	}
}

// strategyFor mirrors workflow.SelectTemplate's thresholds; duplicated here
// (rather than imported) because internal/videojob must stay free of an
// internal/workflow dependency — the Orchestrator, which imports both, is
// the single place that relies on the two staying in lockstep.
func strategyFor(elementCount, pixels int, hasVideo bool) Strategy {
	switch {
	case elementCount <= 2 && pixels <= 1920*1080 && !hasVideo:
		return StrategyQuickSync
	case elementCount <= 5 && pixels <= 2560*1440:
		return StrategyBalancedAsync
	case elementCount <= 10 && pixels <= 3840*2160:
		return StrategyResourceIntensive
	default:
		return StrategyDistributed
	}
}

func complexityFor(s Strategy) Complexity {
	switch s {
	case StrategyQuickSync:
		return ComplexitySimple
	case StrategyBalancedAsync:
		return ComplexityModerate
	case StrategyResourceIntensive:
		return ComplexityComplex
	default:
		return ComplexityEnterprise
	}
}

func estimateResources(r *Request, pixels int, hasVideo bool, complexity Complexity) ResourceRequirements {
	megapixels := float64(pixels) / 1_000_000
	cpu := 0.5 + 0.25*float64(len(r.Elements)) + 0.1*megapixels
	mem := 0.5 + 0.2*float64(len(r.Elements)) + 0.15*megapixels
	storage := 0.2 * float64(len(r.Elements))
	bandwidth := 5.0 + 2.0*float64(len(r.Elements))
	if hasVideo {
		cpu *= 1.5
		mem *= 1.3
		bandwidth *= 2
	}
	return ResourceRequirements{
		CPU:           cpu,
		MemoryGB:      mem,
		StorageGB:     storage,
		BandwidthMbps: bandwidth,
		GPU:           complexity == ComplexityComplex || complexity == ComplexityEnterprise,
	}
}

func risksFor(r *Request, pixels int, hasVideo bool) []string {
	var risks []string
	if len(r.Elements) > 5 {
		risks = append(risks, "high_element_count")
	}
	if pixels > 1920*1080 {
		risks = append(risks, "high_resolution")
	}
	if hasVideo && r.TrackCount() > 1 {
		risks = append(risks, "multi_track_video_composition")
	}
	return risks
}

func optimizationsFor(r *Request, complexity Complexity) []string {
	var opts []string
	if complexity == ComplexitySimple {
		opts = append(opts, "eligible_for_sync_path")
	}
	if !r.HasTransformations() {
		opts = append(opts, "skip_transform_pipeline")
	}
	return opts
}
