package resourcemgr

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livepeer/video-compositor-api/internal/apierrors"
	"github.com/livepeer/video-compositor-api/internal/eventbus"
	"github.com/livepeer/video-compositor-api/internal/log"
	"github.com/livepeer/video-compositor-api/internal/metrics"
)

// Manager is the single-writer node inventory of spec.md §4.3. Every
// mutation to a node's utilization goes through allocate/release while
// holding mu, matching the teacher's "ResourceManager owns node utilization;
// mutations are serialized per node" invariant.
type Manager struct {
	mu          sync.Mutex
	nodes       map[string]*Node
	allocations map[string]*allocationRecord

	heartbeatExpiry time.Duration
	bus             *eventbus.Bus
}

type allocationRecord struct {
	Allocated
}

func New(bus *eventbus.Bus, heartbeatExpiry time.Duration) *Manager {
	return &Manager{
		nodes:           make(map[string]*Node),
		allocations:     make(map[string]*allocationRecord),
		heartbeatExpiry: heartbeatExpiry,
		bus:             bus,
	}
}

// RegisterNode adds or replaces a node in the inventory.
func (m *Manager) RegisterNode(n Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.LastHeartbeat.IsZero() {
		n.LastHeartbeat = time.Now().UTC()
	}
	cp := n
	m.nodes[n.ID] = &cp
}

// Heartbeat refreshes a node's last-seen time and recovers it from failed if
// it was previously marked so by the reaper.
func (m *Manager) Heartbeat(ctx context.Context, nodeID string) {
	m.mu.Lock()
	n, ok := m.nodes[nodeID]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasFailed := n.Status == NodeFailed
	n.LastHeartbeat = time.Now().UTC()
	if wasFailed {
		n.Status = NodeAvailable
	}
	m.mu.Unlock()

	if wasFailed && m.bus != nil {
		m.bus.Publish(ctx, eventbus.Event{Type: eventbus.KindNodeRecovered, Source: "resourcemgr", Data: map[string]interface{}{"nodeId": nodeID}})
	}
}

// Allocate finds the highest-scoring eligible node and reserves its
// resources, returning NoSuitableNode if none qualify.
func (m *Manager) Allocate(ctx context.Context, req AllocateRequest) (Allocated, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	best, bestScore := m.selectNode(req)
	if best == nil {
		metrics.Metrics.ResourceAllocations.WithLabelValues("no_suitable_node").Inc()
		return Allocated{}, apierrors.New(apierrors.NoSuitableNode, "no node satisfies the requested resources and constraints")
	}

	applyUtilization(best, req.Requirements, 1)

	alloc := Allocated{
		ID:           uuid.NewString(),
		NodeID:       best.ID,
		Requirements: req.Requirements,
		AllocatedAt:  time.Now().UTC(),
	}
	if req.Duration > 0 {
		alloc.ExpiresAt = alloc.AllocatedAt.Add(req.Duration)
	}
	m.allocations[alloc.ID] = &allocationRecord{Allocated: alloc}

	metrics.Metrics.ResourceAllocations.WithLabelValues("allocated").Inc()
	m.recordUtilizationMetrics(best)
	log.LogNoRequestID("resource allocated", "nodeId", best.ID, "allocationId", alloc.ID, "score", bestScore)

	if m.bus != nil {
		m.bus.Publish(ctx, eventbus.Event{
			Type:   eventbus.KindResourceAllocated,
			Source: "resourcemgr",
			Data:   map[string]interface{}{"allocationId": alloc.ID, "nodeId": best.ID},
		})
	}
	if avgUtilization(best.Utilization) > 90 && m.bus != nil {
		m.bus.Publish(ctx, eventbus.Event{Type: eventbus.KindHighUtilization, Source: "resourcemgr", Data: map[string]interface{}{"nodeId": best.ID}})
	}

	return alloc, nil
}

// Release reverses the utilization delta applied at Allocate time. Releasing
// an unknown id is a no-op warning, per spec.md §4.3.
func (m *Manager) Release(ctx context.Context, allocationID string) {
	m.mu.Lock()
	rec, ok := m.allocations[allocationID]
	if !ok {
		m.mu.Unlock()
		log.LogNoRequestID("release of unknown allocation", "allocationId", allocationID)
		return
	}
	delete(m.allocations, allocationID)
	node, nodeOk := m.nodes[rec.NodeID]
	if nodeOk {
		applyUtilization(node, rec.Requirements, -1)
	}
	m.mu.Unlock()

	metrics.Metrics.ResourceAllocations.WithLabelValues("released").Inc()
	if nodeOk {
		m.recordUtilizationMetrics(node)
	}
	if m.bus != nil {
		m.bus.Publish(ctx, eventbus.Event{
			Type:   eventbus.KindResourceReleased,
			Source: "resourcemgr",
			Data:   map[string]interface{}{"allocationId": allocationID, "nodeId": rec.NodeID},
		})
	}
}

func (m *Manager) GetNodeUtilization(nodeID string) (Utilization, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return Utilization{}, false
	}
	return n.Utilization, true
}

func (m *Manager) GetAvailableResources() []Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		if n.Status == NodeAvailable {
			out = append(out, *n)
		}
	}
	return out
}

func (m *Manager) GetResourceStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	var utilSum float64
	for _, n := range m.nodes {
		s.TotalNodes++
		switch n.Status {
		case NodeAvailable:
			s.AvailableNodes++
		case NodeFailed:
			s.FailedNodes++
		}
		utilSum += avgUtilization(n.Utilization)
	}
	if s.TotalNodes > 0 {
		s.AvgUtilization = utilSum / float64(s.TotalNodes)
	}
	return s
}

// RunReaper blocks, marking heartbeat-expired nodes failed and releasing
// duration-expired allocations every interval, until ctx is cancelled.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapOnce(ctx)
		}
	}
}

func (m *Manager) reapOnce(ctx context.Context) {
	now := time.Now().UTC()

	m.mu.Lock()
	var newlyFailed []string
	for id, n := range m.nodes {
		if n.Status != NodeFailed && now.Sub(n.LastHeartbeat) > m.heartbeatExpiry {
			n.Status = NodeFailed
			newlyFailed = append(newlyFailed, id)
		}
	}
	var expired []string
	for id, rec := range m.allocations {
		if !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(now) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range newlyFailed {
		metrics.Metrics.NodeFailures.WithLabelValues(id).Inc()
		if m.bus != nil {
			m.bus.Publish(ctx, eventbus.Event{Type: eventbus.KindNodeFailed, Source: "resourcemgr", Data: map[string]interface{}{"nodeId": id}})
		}
	}
	for _, id := range expired {
		m.Release(ctx, id)
	}
}

// selectNode returns the eligible node with the highest score, or nil if
// none qualify. Must be called with mu held.
func (m *Manager) selectNode(req AllocateRequest) (*Node, float64) {
	var best *Node
	bestScore := -1.0
	first := true
	for _, n := range m.nodes {
		if !eligible(n, req) {
			continue
		}
		score := scoreNode(n, req)
		if first || score > bestScore {
			best = n
			bestScore = score
			first = false
		}
	}
	return best, bestScore
}

func eligible(n *Node, req AllocateRequest) bool {
	if n.Status != NodeAvailable {
		return false
	}
	free := freeCapacity(n)
	if free.CPU < req.Requirements.CPU || free.MemoryGB < req.Requirements.MemoryGB || free.StorageGB < req.Requirements.StorageGB {
		return false
	}
	if req.Requirements.GPU && n.Capacity.GPU <= 0 {
		return false
	}
	c := req.Constraints
	if len(c.NodeTypes) > 0 && !containsType(c.NodeTypes, n.Type) {
		return false
	}
	if containsString(c.ExcludeNodes, n.ID) {
		return false
	}
	for k, v := range c.RequireTags {
		if n.Tags[k] != v {
			return false
		}
	}
	if c.Region != "" && !strings.HasPrefix(n.Location, c.Region) {
		return false
	}
	return true
}

// scoreNode implements spec.md §4.3's scoring formula exactly:
//
//	score = 10·freeCpu/reqCpu + 10·freeMem/reqMem + (gpu? 20 : 0)
//	        + preferenceBonuses + priorityBonus − 0.1·avgUtilization
func scoreNode(n *Node, req AllocateRequest) float64 {
	free := freeCapacity(n)
	score := 0.0
	if req.Requirements.CPU > 0 {
		score += 10 * free.CPU / req.Requirements.CPU
	}
	if req.Requirements.MemoryGB > 0 {
		score += 10 * free.MemoryGB / req.Requirements.MemoryGB
	}
	if req.Requirements.GPU {
		score += 20
	}

	score += preferenceBonus(n, req.Preferences)
	score += priorityBonus(n, req.Priority)
	score -= 0.1 * avgUtilization(n.Utilization)
	return score
}

func preferenceBonus(n *Node, p Preferences) float64 {
	bonus := 0.0
	if containsString(p.PreferredNodes, n.ID) {
		bonus += 15
	}
	if p.PerformanceOptimized && n.Type == NodeGPU {
		bonus += 10
	}
	if p.CostOptimized && n.Capacity.CPU <= 4 {
		bonus += 5
	}
	return bonus
}

func priorityBonus(n *Node, priority Priority) float64 {
	switch {
	case priority == PriorityCritical && n.Type == NodeGPU:
		return 15
	case priority == PriorityHigh && n.Type == NodeCompute:
		return 10
	case priority == PriorityNormal:
		return 5
	default:
		return 0
	}
}

func freeCapacity(n *Node) Capacity {
	return Capacity{
		CPU:       n.Capacity.CPU * (100 - n.Utilization.CPU) / 100,
		MemoryGB:  n.Capacity.MemoryGB * (100 - n.Utilization.Memory) / 100,
		StorageGB: n.Capacity.StorageGB * (100 - n.Utilization.Storage) / 100,
		Bandwidth: n.Capacity.Bandwidth * (100 - n.Utilization.Network) / 100,
		GPU:       n.Capacity.GPU,
	}
}

// applyUtilization adds (sign=1) or removes (sign=-1) req/capacity·100% from
// each of n's utilization dimensions, clamped to [0,100].
func applyUtilization(n *Node, req Requirements, sign float64) {
	n.Utilization.CPU = clamp(n.Utilization.CPU + sign*pct(req.CPU, n.Capacity.CPU))
	n.Utilization.Memory = clamp(n.Utilization.Memory + sign*pct(req.MemoryGB, n.Capacity.MemoryGB))
	n.Utilization.Storage = clamp(n.Utilization.Storage + sign*pct(req.StorageGB, n.Capacity.StorageGB))
	n.Utilization.Network = clamp(n.Utilization.Network + sign*pct(req.BandwidthMbps, n.Capacity.Bandwidth))
}

func pct(req, capacity float64) float64 {
	if capacity <= 0 {
		return 0
	}
	return req / capacity * 100
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func avgUtilization(u Utilization) float64 {
	return (u.CPU + u.Memory + u.Storage + u.Network) / 4
}

func containsType(types []NodeType, t NodeType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func (m *Manager) recordUtilizationMetrics(n *Node) {
	metrics.Metrics.ResourceUtilization.WithLabelValues(n.ID, "cpu").Set(n.Utilization.CPU)
	metrics.Metrics.ResourceUtilization.WithLabelValues(n.ID, "memory").Set(n.Utilization.Memory)
	metrics.Metrics.ResourceUtilization.WithLabelValues(n.ID, "storage").Set(n.Utilization.Storage)
	metrics.Metrics.ResourceUtilization.WithLabelValues(n.ID, "network").Set(n.Utilization.Network)
}
