package loadbalancer

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/livepeer/video-compositor-api/internal/apierrors"
	"github.com/livepeer/video-compositor-api/internal/eventbus"
	"github.com/livepeer/video-compositor-api/internal/metrics"
)

const (
	emaAlphaHealthCheck = 0.3
	emaAlphaRequest      = 0.2
)

// Balancer holds the endpoint inventory and implements the algorithm family
// of spec.md §4.4. Per-endpoint counters and EMA updates for all endpoints
// are serialized under the Balancer's single mutex, matching spec.md §5's "LoadBalancer
// owns endpoint stats" shared-resource policy.
type Balancer struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	order     []string // stable iteration order for round_robin/hash indexing
	rrCounter uint64
	bus       *eventbus.Bus
	rng       *rand.Rand
}

func New(bus *eventbus.Bus) *Balancer {
	return &Balancer{
		endpoints: make(map[string]*Endpoint),
		bus:       bus,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *Balancer) RegisterEndpoint(e Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.endpoints[e.ID]; !exists {
		b.order = append(b.order, e.ID)
	}
	cp := e
	b.endpoints[e.ID] = &cp
}

// Select chooses one healthy endpoint using algo, per spec.md §4.4's
// per-algorithm rule. Returns NoSuitableNode if no endpoint is healthy.
func (b *Balancer) Select(algo Algorithm, in SelectionInput) (Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	healthy := b.healthyEndpointsLocked()
	if len(healthy) == 0 {
		return Endpoint{}, apierrors.New(apierrors.NoSuitableNode, "no healthy downstream endpoint available")
	}

	var chosen *Endpoint
	switch algo {
	case AlgoRoundRobin:
		idx := int(time.Now().Unix()) % len(healthy)
		chosen = healthy[idx]
	case AlgoWeightedRoundRobin:
		chosen = b.weightedPickLocked(healthy)
	case AlgoLeastConnections:
		chosen = minBy(healthy, func(e *Endpoint) float64 { return float64(e.CurrentConnections) })
	case AlgoLeastResponseTime, AlgoGeographic:
		chosen = minBy(healthy, func(e *Endpoint) float64 { return e.AverageResponseTime })
	case AlgoResourceBased:
		chosen = maxBy(healthy, func(e *Endpoint) float64 { return resourceScore(e, in) })
	case AlgoConsistentHash:
		idx := int(hashKey(in.HashKey) % uint64(len(healthy)))
		chosen = healthy[idx]
	default:
		idx := int(time.Now().Unix()) % len(healthy)
		chosen = healthy[idx]
	}

	return *chosen, nil
}

func (b *Balancer) healthyEndpointsLocked() []*Endpoint {
	out := make([]*Endpoint, 0, len(b.order))
	for _, id := range b.order {
		if e, ok := b.endpoints[id]; ok && e.Healthy() {
			out = append(out, e)
		}
	}
	return out
}

func (b *Balancer) weightedPickLocked(healthy []*Endpoint) *Endpoint {
	var total float64
	for _, e := range healthy {
		total += weightOf(e)
	}
	if total <= 0 {
		return healthy[0]
	}
	r := b.rng.Float64() * total
	var running float64
	for _, e := range healthy {
		running += weightOf(e)
		if r < running {
			return e
		}
	}
	return healthy[len(healthy)-1]
}

func weightOf(e *Endpoint) float64 {
	if e.Weight <= 0 {
		return 1
	}
	return e.Weight
}

// resourceScore implements spec.md §4.4's resource_based formula.
func resourceScore(e *Endpoint, in SelectionInput) float64 {
	score := 0.0
	if in.RequiresGPU {
		if e.hasFeature("gpu") {
			score += 50
		} else {
			score -= 20
		}
	}
	switch e.Metadata.Capacity {
	case CapacityHigh:
		score += 30
	case CapacityMedium:
		score += 15
	case CapacityLow:
		score += 5
	}
	score += maxFloat(0, 100-e.AverageResponseTime/10)
	score += maxFloat(0, 50-5*float64(e.CurrentConnections))
	return score
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minBy(endpoints []*Endpoint, key func(*Endpoint) float64) *Endpoint {
	best := endpoints[0]
	bestVal := key(best)
	for _, e := range endpoints[1:] {
		if v := key(e); v < bestVal {
			best, bestVal = e, v
		}
	}
	return best
}

func maxBy(endpoints []*Endpoint, key func(*Endpoint) float64) *Endpoint {
	best := endpoints[0]
	bestVal := key(best)
	for _, e := range endpoints[1:] {
		if v := key(e); v > bestVal {
			best, bestVal = e, v
		}
	}
	return best
}

func hashKey(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// RecordHealthCheck updates an endpoint's EMA response time and status
// (α=0.3) from a health-probe observation, publishing endpoint:status_changed
// on transition.
func (b *Balancer) RecordHealthCheck(ctx context.Context, id string, latencyMs float64, healthy bool) {
	b.updateEMAAndStatus(ctx, id, latencyMs, healthy, emaAlphaHealthCheck)
}

// RecordRequest updates an endpoint's EMA response time (α=0.2) and status
// from an observed real request. It does not change in-flight connection
// counts; Release does that.
func (b *Balancer) RecordRequest(ctx context.Context, id string, latencyMs float64, success bool) {
	b.updateEMAAndStatus(ctx, id, latencyMs, success, emaAlphaRequest)
}

func (b *Balancer) updateEMAAndStatus(ctx context.Context, id string, observed float64, ok bool, alpha float64) {
	b.mu.Lock()
	e, exists := b.endpoints[id]
	if !exists {
		b.mu.Unlock()
		return
	}
	e.AverageResponseTime = alpha*observed + (1-alpha)*e.AverageResponseTime
	e.LastHealthCheck = time.Now().UTC()
	prev := e.Status
	if ok {
		e.Status = EndpointHealthy
	} else {
		e.Status = EndpointUnhealthy
	}
	changed := prev != e.Status
	status := e.Status
	b.mu.Unlock()

	metrics.Metrics.EndpointStatus.WithLabelValues(id).Set(boolToFloat(status == EndpointHealthy))

	if changed && b.bus != nil {
		b.bus.Publish(ctx, eventbus.Event{
			Type:   eventbus.KindEndpointStatus,
			Source: "loadbalancer",
			Data:   map[string]interface{}{"endpointId": id, "status": string(status)},
		})
	}
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// Acquire/Release track in-flight connections for least_connections.
func (b *Balancer) Acquire(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.endpoints[id]; ok {
		e.CurrentConnections++
	}
}

func (b *Balancer) Release(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.endpoints[id]; ok && e.CurrentConnections > 0 {
		e.CurrentConnections--
	}
}
