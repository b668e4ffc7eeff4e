// Package registry implements the Node Registry: the authoritative,
// in-memory catalog of nodes, their capabilities and health. It follows the
// teacher's RWMutex-guarded map idiom (as seen in the orchestrator agent's
// workflow table) generalized into a first-class concurrent store.
package registry

import (
	"sync"
	"time"

	v1 "github.com/clawbernetes/core/api/v1"
	"github.com/clawbernetes/core/internal/errtax"
	"github.com/samber/lo"
)

// Registry is the concurrency-safe node catalog.
type Registry struct {
	mu    sync.RWMutex
	nodes map[v1.NodeID]v1.RegisteredNode
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{nodes: make(map[v1.NodeID]v1.RegisteredNode)}
}

// Register adds a new node. Returns errtax.AlreadyExists if the id is
// already present.
func (r *Registry) Register(id v1.NodeID, name string, caps v1.NodeCapabilities) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[id]; exists {
		return &errtax.AlreadyExists{Kind: "node", ID: stringerID(id)}
	}
	r.nodes[id] = v1.RegisteredNode{
		ID:            id,
		Name:          name,
		Capabilities:  caps,
		HealthStatus:  v1.HealthUnknown,
		LastHeartbeat: time.Time{},
	}
	return nil
}

// Deregister removes a node. Returns errtax.NotFound if absent.
func (r *Registry) Deregister(id v1.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[id]; !exists {
		return &errtax.NotFound{Kind: "node", ID: stringerID(id)}
	}
	delete(r.nodes, id)
	return nil
}

// UpdateHeartbeat records a fresh heartbeat, transitioning Unknown/Unhealthy
// to Healthy on the first successful heartbeat after those states.
func (r *Registry) UpdateHeartbeat(id v1.NodeID, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[id]
	if !exists {
		return &errtax.NotFound{Kind: "node", ID: stringerID(id)}
	}
	node.LastHeartbeat = now
	if node.HealthStatus == v1.HealthUnknown || node.HealthStatus == v1.HealthUnhealthy {
		node.HealthStatus = v1.HealthHealthy
	}
	r.nodes[id] = node
	return nil
}

// MarkUnhealthy transitions a node to Unhealthy.
func (r *Registry) MarkUnhealthy(id v1.NodeID) error {
	return r.setHealth(id, v1.HealthUnhealthy)
}

// MarkDraining transitions a node to Draining.
func (r *Registry) MarkDraining(id v1.NodeID) error {
	return r.setHealth(id, v1.HealthDraining)
}

func (r *Registry) setHealth(id v1.NodeID, status v1.HealthStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[id]
	if !exists {
		return &errtax.NotFound{Kind: "node", ID: stringerID(id)}
	}
	node.HealthStatus = status
	r.nodes[id] = node
	return nil
}

// AvailableNodes returns a snapshot slice of every Healthy node. The slice
// is a copy: callers (notably the scheduler) may hold and iterate it
// without further synchronization for the duration of one decision, per
// the single-snapshot concurrency model.
func (r *Registry) AvailableNodes() []v1.RegisteredNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := lo.Values(r.nodes)
	return lo.Filter(all, func(n v1.RegisteredNode, _ int) bool { return n.Available() })
}

// GetNode returns the node record for id, if present.
func (r *Registry) GetNode(id v1.NodeID) (v1.RegisteredNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	return n, ok
}

// ListNodes returns a snapshot of every node regardless of health.
func (r *Registry) ListNodes() []v1.RegisteredNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Values(r.nodes)
}

// Len returns the total number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

type stringerID v1.NodeID

func (id stringerID) String() string { return v1.NodeID(id).String() }
