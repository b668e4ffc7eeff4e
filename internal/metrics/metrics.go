// Package metrics exposes Prometheus instrumentation for the core's
// in-memory state: registry size, mesh connection count, gossip duplicate
// rate, escrow state distribution and load-balancer selections. Mirrors
// the teacher's internal/metrics package, which does the analogous thing
// for GPU utilization.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every gauge/counter the orchestrator publishes.
type Collectors struct {
	RegisteredNodes     prometheus.Gauge
	AvailableNodes      prometheus.Gauge
	MeshConnectionCount prometheus.Gauge
	MeshAllocatedIPs    prometheus.Gauge
	GossipMessagesTotal *prometheus.CounterVec
	GossipDuplicates    prometheus.Counter
	EscrowsByState      *prometheus.GaugeVec
	LBSelectionsTotal   *prometheus.CounterVec
}

// NewCollectors constructs and registers every collector against reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		RegisteredNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clawbernetes",
			Name:      "registered_nodes",
			Help:      "Total nodes currently in the node registry.",
		}),
		AvailableNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clawbernetes",
			Name:      "available_nodes",
			Help:      "Nodes currently Healthy and eligible for scheduling.",
		}),
		MeshConnectionCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clawbernetes",
			Name:      "mesh_connection_count",
			Help:      "Reported mesh peer-connection count for the active topology.",
		}),
		MeshAllocatedIPs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clawbernetes",
			Name:      "mesh_allocated_ips",
			Help:      "Overlay IPs currently allocated from the mesh CIDR.",
		}),
		GossipMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawbernetes",
			Name:      "gossip_messages_total",
			Help:      "Gossip messages handled, by kind.",
		}, []string{"kind"}),
		GossipDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clawbernetes",
			Name:      "gossip_duplicate_messages_total",
			Help:      "Gossip messages rejected as duplicates.",
		}),
		EscrowsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clawbernetes",
			Name:      "escrows_by_state",
			Help:      "Current escrow count per state.",
		}, []string{"state"}),
		LBSelectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawbernetes",
			Name:      "loadbalancer_selections_total",
			Help:      "Load-balancer endpoint selections, by strategy.",
		}, []string{"strategy"}),
	}

	reg.MustRegister(
		c.RegisteredNodes,
		c.AvailableNodes,
		c.MeshConnectionCount,
		c.MeshAllocatedIPs,
		c.GossipMessagesTotal,
		c.GossipDuplicates,
		c.EscrowsByState,
		c.LBSelectionsTotal,
	)
	return c
}
