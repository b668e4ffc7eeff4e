package loadbalancer

import (
	"testing"

	v1 "github.com/clawbernetes/core/api/v1"
	"github.com/clawbernetes/core/internal/errtax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthyEP(id v1.EndpointID, weight, conns uint32) v1.Endpoint {
	return v1.Endpoint{ID: id, Address: string(id), HealthStatus: v1.EndpointHealthy, Weight: weight, ActiveConnections: conns}
}

func TestSelect_NoEndpoints(t *testing.T) {
	lb := New()
	_, err := lb.Select(v1.StrategyRoundRobin, "")
	assert.ErrorIs(t, err, errtax.ErrNoEndpoints)
}

func TestSelect_NoHealthyEndpoints(t *testing.T) {
	lb := New()
	lb.AddEndpoint(v1.Endpoint{ID: "e1", HealthStatus: v1.EndpointUnhealthy})
	_, err := lb.Select(v1.StrategyRoundRobin, "")
	assert.ErrorIs(t, err, errtax.ErrNoHealthyEndpoints)
}

func TestRoundRobin_CyclesInInsertionOrder(t *testing.T) {
	lb := New()
	lb.AddEndpoint(healthyEP("e1", 1, 0))
	lb.AddEndpoint(healthyEP("e2", 1, 0))
	lb.AddEndpoint(healthyEP("e3", 1, 0))

	var got []v1.EndpointID
	for i := 0; i < 6; i++ {
		ep, err := lb.Select(v1.StrategyRoundRobin, "")
		require.NoError(t, err)
		got = append(got, ep.ID)
	}
	assert.Equal(t, []v1.EndpointID{"e1", "e2", "e3", "e1", "e2", "e3"}, got)
}

func TestLeastConnections_PicksMinimum(t *testing.T) {
	lb := New()
	lb.AddEndpoint(healthyEP("e1", 1, 10))
	lb.AddEndpoint(healthyEP("e2", 1, 2))
	lb.AddEndpoint(healthyEP("e3", 1, 5))

	ep, err := lb.Select(v1.StrategyLeastConnections, "")
	require.NoError(t, err)
	assert.Equal(t, v1.EndpointID("e2"), ep.ID)
}

func TestWeightedRandom_ZeroTotalWeight(t *testing.T) {
	lb := New()
	lb.AddEndpoint(healthyEP("e1", 0, 0))
	lb.AddEndpoint(healthyEP("e2", 0, 0))

	_, err := lb.Select(v1.StrategyWeightedRandom, "")
	assert.ErrorIs(t, err, errtax.ErrZeroTotalWeight)
}

func TestWeightedRandom_OnlyPicksNonZeroWeighted(t *testing.T) {
	lb := New()
	lb.AddEndpoint(healthyEP("e1", 0, 0))
	lb.AddEndpoint(healthyEP("e2", 10, 0))

	for i := 0; i < 20; i++ {
		ep, err := lb.Select(v1.StrategyWeightedRandom, "")
		require.NoError(t, err)
		assert.Equal(t, v1.EndpointID("e2"), ep.ID)
	}
}

// TestIPHash_StableAcrossCalls checks invariant 7: the same client IP maps
// to the same endpoint while the healthy set is unchanged.
func TestIPHash_StableAcrossCalls(t *testing.T) {
	lb := New()
	lb.AddEndpoint(healthyEP("e1", 1, 0))
	lb.AddEndpoint(healthyEP("e2", 1, 0))
	lb.AddEndpoint(healthyEP("e3", 1, 0))

	first, err := lb.Select(v1.StrategyIPHash, "203.0.113.7")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := lb.Select(v1.StrategyIPHash, "203.0.113.7")
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}
}

func TestIPHash_FallsBackToRandomWithoutClientIP(t *testing.T) {
	lb := New()
	lb.AddEndpoint(healthyEP("e1", 1, 0))
	ep, err := lb.Select(v1.StrategyIPHash, "")
	require.NoError(t, err)
	assert.Equal(t, v1.EndpointID("e1"), ep.ID)
}

func TestSessionAffinity_StickyThenReselectOnUnhealthy(t *testing.T) {
	lb := New()
	lb.AddEndpoint(healthyEP("e1", 1, 0))
	lb.AddEndpoint(healthyEP("e2", 1, 0))

	first, err := lb.Select(v1.StrategyRoundRobin, "198.51.100.5")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := lb.Select(v1.StrategyRoundRobin, "198.51.100.5")
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID) // sticky regardless of strategy
	}

	lb.UpdateHealth(first.ID, v1.EndpointUnhealthy)
	reselected, err := lb.Select(v1.StrategyRoundRobin, "198.51.100.5")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, reselected.ID)
}

func TestRemoveEndpoint_ClearsStaleAffinity(t *testing.T) {
	lb := New()
	lb.AddEndpoint(healthyEP("e1", 1, 0))
	lb.AddEndpoint(healthyEP("e2", 1, 0))

	first, err := lb.Select(v1.StrategyRoundRobin, "10.0.0.1")
	require.NoError(t, err)

	lb.RemoveEndpoint(first.ID)
	reselected, err := lb.Select(v1.StrategyRoundRobin, "10.0.0.1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, reselected.ID)
}
