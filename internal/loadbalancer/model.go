// Package loadbalancer selects an advisory downstream endpoint per spec.md
// §4.4. Grounded on the teacher's balancer/balancer.go (endpoint inventory,
// weighted selection, EMA-smoothed response time tracking).
package loadbalancer

import "time"

type EndpointType string

const (
	EndpointTranscoder EndpointType = "transcoder"
	EndpointStorage    EndpointType = "storage"
	EndpointGeneric    EndpointType = "generic"
)

type EndpointStatus string

const (
	EndpointHealthy   EndpointStatus = "healthy"
	EndpointDegraded  EndpointStatus = "degraded"
	EndpointUnhealthy EndpointStatus = "unhealthy"
)

// Capacity buckets an endpoint's declared processing capacity, used by the
// resource_based algorithm's capacity bonus.
type Capacity string

const (
	CapacityHigh   Capacity = "high"
	CapacityMedium Capacity = "medium"
	CapacityLow    Capacity = "low"
)

type Metadata struct {
	Features []string // e.g. "gpu"
	Capacity Capacity
}

// Endpoint is spec.md §4.4's endpoint record.
type Endpoint struct {
	ID                 string
	URL                string
	Type               EndpointType
	Status             EndpointStatus
	Weight             float64
	CurrentConnections int64
	AverageResponseTime float64 // milliseconds, EMA
	LastHealthCheck     time.Time
	Metadata            Metadata
}

func (e *Endpoint) Healthy() bool { return e.Status == EndpointHealthy }

func (e *Endpoint) hasFeature(feature string) bool {
	for _, f := range e.Metadata.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Algorithm is the closed set of selection strategies of spec.md §4.4.
type Algorithm string

const (
	AlgoRoundRobin         Algorithm = "round_robin"
	AlgoWeightedRoundRobin Algorithm = "weighted_round_robin"
	AlgoLeastConnections   Algorithm = "least_connections"
	AlgoLeastResponseTime  Algorithm = "least_response_time"
	AlgoResourceBased      Algorithm = "resource_based"
	AlgoGeographic         Algorithm = "geographic"
	AlgoConsistentHash     Algorithm = "consistent_hash"
)

// SelectionInput carries the job-analysis-derived fields the resource_based
// and consistent_hash algorithms need, without importing internal/videojob
// (this package stays a leaf collaborator).
type SelectionInput struct {
	RequiresGPU  bool
	Priority     string // "low"|"normal"|"high"|"critical"
	Complexity   string // "simple"|"moderate"|"complex"|"enterprise"
	CPURequired  float64
	HashKey      string // complexity|priority|cpuReq, precomputed by the caller
}

// ChooseAlgorithm implements spec.md §4.4's strategy-by-analysis table.
func ChooseAlgorithm(in SelectionInput) Algorithm {
	switch {
	case in.RequiresGPU:
		return AlgoResourceBased
	case in.Priority == "critical" || in.Priority == "high":
		return AlgoLeastResponseTime
	case in.Complexity == "complex" || in.Complexity == "enterprise":
		return AlgoLeastConnections
	case in.Complexity == "simple":
		return AlgoWeightedRoundRobin
	default:
		return AlgoRoundRobin
	}
}
