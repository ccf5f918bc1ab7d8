package loadbalancer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livepeer/video-compositor-api/internal/eventbus"
)

func TestChooseAlgorithm(t *testing.T) {
	assert.Equal(t, AlgoResourceBased, ChooseAlgorithm(SelectionInput{RequiresGPU: true}))
	assert.Equal(t, AlgoLeastResponseTime, ChooseAlgorithm(SelectionInput{Priority: "critical"}))
	assert.Equal(t, AlgoLeastConnections, ChooseAlgorithm(SelectionInput{Complexity: "enterprise"}))
	assert.Equal(t, AlgoWeightedRoundRobin, ChooseAlgorithm(SelectionInput{Complexity: "simple"}))
	assert.Equal(t, AlgoRoundRobin, ChooseAlgorithm(SelectionInput{}))
}

func TestSelect_LeastConnectionsPicksMinimum(t *testing.T) {
	b := New(nil)
	b.RegisterEndpoint(Endpoint{ID: "a", Status: EndpointHealthy, CurrentConnections: 5})
	b.RegisterEndpoint(Endpoint{ID: "b", Status: EndpointHealthy, CurrentConnections: 1})

	chosen, err := b.Select(AlgoLeastConnections, SelectionInput{})
	require.NoError(t, err)
	assert.Equal(t, "b", chosen.ID)
}

func TestSelect_ResourceBasedPrefersGPU(t *testing.T) {
	b := New(nil)
	b.RegisterEndpoint(Endpoint{ID: "cpu", Status: EndpointHealthy, Metadata: Metadata{Capacity: CapacityLow}})
	b.RegisterEndpoint(Endpoint{ID: "gpu", Status: EndpointHealthy, Metadata: Metadata{Features: []string{"gpu"}, Capacity: CapacityLow}})

	chosen, err := b.Select(AlgoResourceBased, SelectionInput{RequiresGPU: true})
	require.NoError(t, err)
	assert.Equal(t, "gpu", chosen.ID)
}

func TestSelect_NoHealthyEndpointsFails(t *testing.T) {
	b := New(nil)
	b.RegisterEndpoint(Endpoint{ID: "a", Status: EndpointUnhealthy})

	_, err := b.Select(AlgoRoundRobin, SelectionInput{})
	require.Error(t, err)
}

func TestRecordHealthCheck_UpdatesEMAAndPublishesOnTransition(t *testing.T) {
	bus := eventbus.New(100, 10)
	b := New(bus)
	b.RegisterEndpoint(Endpoint{ID: "a", Status: EndpointUnhealthy, AverageResponseTime: 100})

	var events int
	bus.SubscribeAll(func(ctx context.Context, e eventbus.Event) error {
		if e.Type == eventbus.KindEndpointStatus {
			events++
		}
		return nil
	}, eventbus.SubscribeOptions{})

	b.RecordHealthCheck(context.Background(), "a", 50, true)
	assert.Equal(t, 1, events)

	sel, err := b.Select(AlgoRoundRobin, SelectionInput{})
	require.NoError(t, err)
	assert.InDelta(t, 0.3*50+0.7*100, sel.AverageResponseTime, 1e-9)
}

func TestConsistentHash_SameKeySameEndpoint(t *testing.T) {
	b := New(nil)
	b.RegisterEndpoint(Endpoint{ID: "a", Status: EndpointHealthy})
	b.RegisterEndpoint(Endpoint{ID: "b", Status: EndpointHealthy})
	b.RegisterEndpoint(Endpoint{ID: "c", Status: EndpointHealthy})

	first, err := b.Select(AlgoConsistentHash, SelectionInput{HashKey: "simple|normal|2"})
	require.NoError(t, err)
	second, err := b.Select(AlgoConsistentHash, SelectionInput{HashKey: "simple|normal|2"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}
