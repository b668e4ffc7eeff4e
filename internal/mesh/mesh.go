// Package mesh implements Mesh Integration (spec §4.6) and its IP
// Allocator dependency (spec §4.5): WireGuard-style overlay IP allocation,
// peer topology for FullMesh/HubSpoke/Custom, and per-topology peer-config
// distribution as nodes join and leave.
//
// Grounded on original_source/crates/claw-gateway-server/src/mesh.rs's
// MeshIntegration: an RWMutex-guarded node map plus a mutex-guarded IP
// allocator, with peer sets always derived on demand from topology +
// membership rather than stored as direct node-to-node references (the
// cyclic-ownership hazard the original design notes call out).
package mesh

import (
	"net"
	"sort"
	"sync"
	"time"

	v1 "github.com/clawbernetes/core/api/v1"
	"github.com/clawbernetes/core/internal/errtax"
	"github.com/samber/lo"
)

// Config configures a mesh instance.
type Config struct {
	NetworkCIDR   string
	ListenPort    uint16
	KeepaliveSecs uint16
	Topology      v1.MeshTopology
}

// Status is a point-in-time summary of a mesh instance.
type Status struct {
	NodeCount       int
	ConnectionCount int
	AllocatedIPs    int
	Topology        v1.MeshTopology
}

// Integration maintains the mesh graph and generates per-node peer-config
// deltas. All operations are serialized.
type Integration struct {
	cfg Config

	mu    sync.RWMutex
	nodes map[v1.NodeID]v1.MeshNodeState

	ipMu sync.Mutex
	ips  *ipAllocator
}

// New constructs a mesh Integration over cfg. Returns errtax.ErrInvalidCIDR
// if cfg.NetworkCIDR is malformed or not IPv4.
func New(cfg Config) (*Integration, error) {
	alloc, err := newIPAllocator(cfg.NetworkCIDR)
	if err != nil {
		return nil, err
	}
	return &Integration{
		cfg:   cfg,
		nodes: make(map[v1.NodeID]v1.MeshNodeState),
		ips:   alloc,
	}, nil
}

// RegisterNode allocates a mesh IP for the node, computes its initial peer
// set from the current topology and membership (BEFORE inserting the node,
// so the new node never appears in its own peer list), then inserts it.
func (m *Integration) RegisterNode(id v1.NodeID, name, publicKey string, endpoint *string, isHub bool) (string, []v1.MeshPeerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[id]; exists {
		return "", nil, &errtax.AlreadyExists{Kind: "mesh node", ID: stringerID(id)}
	}

	m.ipMu.Lock()
	ip, err := m.ips.allocate()
	m.ipMu.Unlock()
	if err != nil {
		return "", nil, err
	}

	newNode := v1.MeshNodeState{
		NodeID:    id,
		Name:      name,
		MeshIP:    ip.String(),
		PublicKey: publicKey,
		Endpoint:  endpoint,
		IsHub:     isHub,
		JoinedAt:  time.Now(),
	}

	peers := peersFor(newNode, m.nodes, m.cfg.Topology, m.cfg.KeepaliveSecs)

	m.nodes[id] = newNode

	return ip.String(), peers, nil
}

// UnregisterNode removes the node and releases its mesh IP, returning its
// public key.
func (m *Integration) UnregisterNode(id v1.NodeID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, exists := m.nodes[id]
	if !exists {
		return "", &errtax.NotFound{Kind: "mesh node", ID: stringerID(id)}
	}

	m.ipMu.Lock()
	if ip := net.ParseIP(node.MeshIP); ip != nil {
		m.ips.release(ip)
	}
	m.ipMu.Unlock()

	delete(m.nodes, id)
	return node.PublicKey, nil
}

// GetPeersForNode returns the current topology-derived peer set for id.
func (m *Integration) GetPeersForNode(id v1.NodeID) ([]v1.MeshPeerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, exists := m.nodes[id]
	if !exists {
		return nil, &errtax.NotFound{Kind: "mesh node", ID: stringerID(id)}
	}

	others := make(map[v1.NodeID]v1.MeshNodeState, len(m.nodes)-1)
	for nid, n := range m.nodes {
		if nid != id {
			others[nid] = n
		}
	}
	return peersFor(node, others, m.cfg.Topology, m.cfg.KeepaliveSecs), nil
}

// HandleMeshReady updates connected-peer bookkeeping for id after a
// collaborator reports its live WireGuard state.
func (m *Integration) HandleMeshReady(id v1.NodeID, peerCount uint32, _ error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, exists := m.nodes[id]
	if !exists {
		return &errtax.NotFound{Kind: "mesh node", ID: stringerID(id)}
	}
	node.ConnectedPeers = peerCount
	node.LastMeshReady = time.Now()
	m.nodes[id] = node
	return nil
}

// Status summarizes the mesh instance.
func (m *Integration) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	m.ipMu.Lock()
	allocated := len(m.ips.allocated)
	m.ipMu.Unlock()

	return Status{
		NodeCount:       len(m.nodes),
		ConnectionCount: connectionCount(lo.Values(m.nodes), m.cfg.Topology),
		AllocatedIPs:    allocated,
		Topology:        m.cfg.Topology,
	}
}

// peersFor computes the peer-config set for `node` against `others`
// (a node-id-keyed map NOT including node itself) under topology.
func peersFor(node v1.MeshNodeState, others map[v1.NodeID]v1.MeshNodeState, topology v1.MeshTopology, keepalive uint16) []v1.MeshPeerConfig {
	var peers []v1.MeshNodeState

	switch topology {
	case v1.TopologyFullMesh:
		peers = lo.Values(others)
	case v1.TopologyHubSpoke:
		for _, other := range others {
			if node.IsHub != other.IsHub {
				peers = append(peers, other)
			}
		}
	case v1.TopologyCustom:
		// no automatic peers; all edges are externally specified.
	}

	sort.Slice(peers, func(i, j int) bool { return peers[i].NodeID.String() < peers[j].NodeID.String() })

	configs := make([]v1.MeshPeerConfig, 0, len(peers))
	for _, p := range peers {
		configs = append(configs, v1.MeshPeerConfig{
			PublicKey:           p.PublicKey,
			AllowedIP:           p.MeshIP + "/32",
			Endpoint:            p.Endpoint,
			PersistentKeepalive: keepalive,
		})
	}
	return configs
}

// connectionCount reports the total edge count for the given node set
// under topology: n(n-1)/2 for FullMesh, hubs*spokes for HubSpoke, and 0
// (no automatic edges) for Custom.
func connectionCount(nodes []v1.MeshNodeState, topology v1.MeshTopology) int {
	n := len(nodes)
	switch topology {
	case v1.TopologyFullMesh:
		return n * (n - 1) / 2
	case v1.TopologyHubSpoke:
		hubs, spokes := 0, 0
		for _, node := range nodes {
			if node.IsHub {
				hubs++
			} else {
				spokes++
			}
		}
		return hubs * spokes
	default:
		return 0
	}
}

type stringerID v1.NodeID

func (id stringerID) String() string { return v1.NodeID(id).String() }
