// Package loadbalancer implements the Load-Balancer Core (spec §4.9): an
// endpoint pool, five selection strategies, and optional session affinity.
//
// Grounded near line-for-line on
// original_source/crates/claw-discovery/src/load_balancer.rs. IpHash uses
// a rendezvous-hash ring (github.com/dgryski/go-rendezvous) over the
// healthy endpoint set so the client_ip -> endpoint mapping stays stable
// across calls for an unchanged healthy set.
package loadbalancer

import (
	"math/rand"
	"sync"
	"sync/atomic"

	v1 "github.com/clawbernetes/core/api/v1"
	"github.com/clawbernetes/core/internal/errtax"
	"github.com/dgryski/go-rendezvous"
)

// LoadBalancer holds an endpoint pool, a round-robin counter and a
// session-affinity table.
type LoadBalancer struct {
	mu        sync.RWMutex
	endpoints map[v1.EndpointID]v1.Endpoint
	order     []v1.EndpointID // insertion order, for LeastConnections tie-breaks

	rrCounter uint64

	affinityMu sync.Mutex
	affinity   map[string]v1.EndpointID
}

// New returns an empty load balancer.
func New() *LoadBalancer {
	return &LoadBalancer{
		endpoints: make(map[v1.EndpointID]v1.Endpoint),
		affinity:  make(map[string]v1.EndpointID),
	}
}

// AddEndpoint inserts or replaces an endpoint, recording insertion order
// for new ids.
func (lb *LoadBalancer) AddEndpoint(ep v1.Endpoint) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if _, exists := lb.endpoints[ep.ID]; !exists {
		lb.order = append(lb.order, ep.ID)
	}
	lb.endpoints[ep.ID] = ep
}

// RemoveEndpoint deletes an endpoint and clears any session-affinity
// entries pointing at it.
func (lb *LoadBalancer) RemoveEndpoint(id v1.EndpointID) {
	lb.mu.Lock()
	delete(lb.endpoints, id)
	for i, oid := range lb.order {
		if oid == id {
			lb.order = append(lb.order[:i], lb.order[i+1:]...)
			break
		}
	}
	lb.mu.Unlock()

	lb.affinityMu.Lock()
	for client, epID := range lb.affinity {
		if epID == id {
			delete(lb.affinity, client)
		}
	}
	lb.affinityMu.Unlock()
}

// UpdateHealth sets the health status of an existing endpoint.
func (lb *LoadBalancer) UpdateHealth(id v1.EndpointID, health v1.EndpointHealth) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if ep, ok := lb.endpoints[id]; ok {
		ep.HealthStatus = health
		lb.endpoints[id] = ep
	}
}

// healthySnapshot returns the endpoint pool and its healthy subset, in
// insertion order, under a single read lock.
func (lb *LoadBalancer) healthySnapshot() ([]v1.Endpoint, []v1.Endpoint) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	all := make([]v1.Endpoint, 0, len(lb.order))
	var healthy []v1.Endpoint
	for _, id := range lb.order {
		ep := lb.endpoints[id]
		all = append(all, ep)
		if ep.Healthy() {
			healthy = append(healthy, ep)
		}
	}
	return all, healthy
}

// Select picks one endpoint using strategy. clientIP is used by IpHash and
// session affinity; it may be empty.
func (lb *LoadBalancer) Select(strategy v1.LoadBalancerStrategy, clientIP string) (v1.Endpoint, error) {
	all, healthy := lb.healthySnapshot()
	if len(all) == 0 {
		return v1.Endpoint{}, errtax.ErrNoEndpoints
	}
	if len(healthy) == 0 {
		return v1.Endpoint{}, errtax.ErrNoHealthyEndpoints
	}

	if clientIP != "" {
		if ep, ok := lb.affinityHit(clientIP, healthy); ok {
			return ep, nil
		}
	}

	var (
		ep  v1.Endpoint
		err error
	)
	switch strategy {
	case v1.StrategyRoundRobin:
		ep = lb.selectRoundRobin(healthy)
	case v1.StrategyLeastConnections:
		ep = selectLeastConnections(healthy)
	case v1.StrategyRandom:
		ep = selectRandom(healthy)
	case v1.StrategyWeightedRandom:
		ep, err = selectWeightedRandom(healthy)
	case v1.StrategyIPHash:
		ep = selectIPHash(healthy, clientIP)
	default:
		ep = selectRandom(healthy)
	}
	if err != nil {
		return v1.Endpoint{}, err
	}

	if clientIP != "" {
		lb.affinityMu.Lock()
		lb.affinity[clientIP] = ep.ID
		lb.affinityMu.Unlock()
	}

	return ep, nil
}

// affinityHit returns the endpoint recorded for clientIP if it is still
// healthy. It never writes; Select overwrites stale entries after a fresh
// selection, matching the original's re-select-and-overwrite semantics.
func (lb *LoadBalancer) affinityHit(clientIP string, healthy []v1.Endpoint) (v1.Endpoint, bool) {
	lb.affinityMu.Lock()
	id, ok := lb.affinity[clientIP]
	lb.affinityMu.Unlock()
	if !ok {
		return v1.Endpoint{}, false
	}
	for _, ep := range healthy {
		if ep.ID == id {
			return ep, true
		}
	}
	return v1.Endpoint{}, false
}

func (lb *LoadBalancer) selectRoundRobin(healthy []v1.Endpoint) v1.Endpoint {
	n := atomic.AddUint64(&lb.rrCounter, 1) - 1
	return healthy[int(n%uint64(len(healthy)))]
}

func selectLeastConnections(healthy []v1.Endpoint) v1.Endpoint {
	best := healthy[0]
	for _, ep := range healthy[1:] {
		if ep.ActiveConnections < best.ActiveConnections {
			best = ep
		}
	}
	return best
}

func selectRandom(healthy []v1.Endpoint) v1.Endpoint {
	return healthy[rand.Intn(len(healthy))]
}

func selectWeightedRandom(healthy []v1.Endpoint) (v1.Endpoint, error) {
	var total uint64
	for _, ep := range healthy {
		total += uint64(ep.Weight)
	}
	if total == 0 {
		return v1.Endpoint{}, errtax.ErrZeroTotalWeight
	}

	threshold := uint64(rand.Int63n(int64(total)))
	var cum uint64
	for _, ep := range healthy {
		cum += uint64(ep.Weight)
		if threshold < cum {
			return ep, nil
		}
	}
	return healthy[len(healthy)-1], nil
}

func selectIPHash(healthy []v1.Endpoint, clientIP string) v1.Endpoint {
	if clientIP == "" {
		return selectRandom(healthy)
	}

	names := make([]string, len(healthy))
	byName := make(map[string]v1.Endpoint, len(healthy))
	for i, ep := range healthy {
		names[i] = string(ep.ID)
		byName[string(ep.ID)] = ep
	}

	ring := rendezvous.New(names, hashString)
	return byName[ring.Get(clientIP)]
}

func hashString(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
