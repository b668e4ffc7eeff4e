package mesh

import (
	"net"
	"testing"

	v1 "github.com/clawbernetes/core/api/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFullMesh(t *testing.T) *Integration {
	t.Helper()
	m, err := New(Config{NetworkCIDR: "10.100.0.0/16", Topology: v1.TopologyFullMesh, KeepaliveSecs: 25})
	require.NoError(t, err)
	return m
}

// TestFullMesh_RegisterThreeNodes reproduces spec scenario S4.
func TestFullMesh_RegisterThreeNodes(t *testing.T) {
	m := newFullMesh(t)

	n1, n2, n3 := v1.NewNodeID(), v1.NewNodeID(), v1.NewNodeID()

	ip1, peers1, err := m.RegisterNode(n1, "n1", "pk1", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "10.100.0.1", ip1)
	assert.Empty(t, peers1)

	ip2, peers2, err := m.RegisterNode(n2, "n2", "pk2", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "10.100.0.2", ip2)
	assert.Len(t, peers2, 1)

	ip3, peers3, err := m.RegisterNode(n3, "n3", "pk3", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "10.100.0.3", ip3)
	assert.Len(t, peers3, 2)

	status := m.Status()
	assert.Equal(t, 3, status.NodeCount)
	assert.Equal(t, 3, status.ConnectionCount) // n(n-1)/2 = 3
}

// TestHubSpoke_PeerCounts reproduces spec scenario S5.
func TestHubSpoke_PeerCounts(t *testing.T) {
	m, err := New(Config{NetworkCIDR: "10.100.0.0/16", Topology: v1.TopologyHubSpoke, KeepaliveSecs: 25})
	require.NoError(t, err)

	hub := v1.NewNodeID()
	_, _, err = m.RegisterNode(hub, "hub", "hub-pk", nil, true)
	require.NoError(t, err)

	var spokes []v1.NodeID
	for i := 0; i < 3; i++ {
		id := v1.NewNodeID()
		spokes = append(spokes, id)
		_, _, err := m.RegisterNode(id, "spoke", "spoke-pk", nil, false)
		require.NoError(t, err)
	}

	spokePeers, err := m.GetPeersForNode(spokes[0])
	require.NoError(t, err)
	assert.Len(t, spokePeers, 1) // spoke -> only the hub

	hubPeers, err := m.GetPeersForNode(hub)
	require.NoError(t, err)
	assert.Len(t, hubPeers, 3) // hub -> all spokes

	status := m.Status()
	assert.Equal(t, 3, status.ConnectionCount) // hubs * spokes = 1*3
}

func TestCustomTopology_NoAutomaticPeers(t *testing.T) {
	m, err := New(Config{NetworkCIDR: "10.100.0.0/16", Topology: v1.TopologyCustom})
	require.NoError(t, err)

	n1 := v1.NewNodeID()
	_, peers1, err := m.RegisterNode(n1, "n1", "pk1", nil, false)
	require.NoError(t, err)
	assert.Empty(t, peers1)

	n2 := v1.NewNodeID()
	_, peers2, err := m.RegisterNode(n2, "n2", "pk2", nil, false)
	require.NoError(t, err)
	assert.Empty(t, peers2)

	assert.Equal(t, 0, m.Status().ConnectionCount)
}

func TestUnregister_ReleasesIPForReuse(t *testing.T) {
	// A /30 holds hosts .1-.3. Allocation is monotonic, so a released
	// address is handed out again once the allocator wraps around.
	m, err := New(Config{NetworkCIDR: "10.100.0.0/30", Topology: v1.TopologyFullMesh, KeepaliveSecs: 25})
	require.NoError(t, err)
	n1 := v1.NewNodeID()

	ip1, _, err := m.RegisterNode(n1, "n1", "pk1", nil, false)
	require.NoError(t, err)
	for _, name := range []string{"n2", "n3"} {
		_, _, err := m.RegisterNode(v1.NewNodeID(), name, "pk-"+name, nil, false)
		require.NoError(t, err)
	}

	_, err = m.UnregisterNode(n1)
	require.NoError(t, err)

	n4 := v1.NewNodeID()
	ip2, _, err := m.RegisterNode(n4, "n4", "pk4", nil, false)
	require.NoError(t, err)
	assert.Equal(t, ip1, ip2) // the released .1 is the only free host left, so it is reused
}

func TestMeshIPs_PairwiseDistinct(t *testing.T) {
	m := newFullMesh(t)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		ip, _, err := m.RegisterNode(v1.NewNodeID(), "n", "pk", nil, false)
		require.NoError(t, err)
		require.False(t, seen[ip], "ip %s reused while still allocated", ip)
		seen[ip] = true
	}
}

func TestIPAllocator_NeverAllocatesBaseZero(t *testing.T) {
	alloc, err := newIPAllocator("192.168.1.0/24")
	require.NoError(t, err)

	for i := 0; i < 250; i++ {
		ip, err := alloc.allocate()
		require.NoError(t, err)
		assert.NotEqual(t, "192.168.1.0", ip.String())
	}
}

func TestIPAllocator_ExhaustionReturnsError(t *testing.T) {
	// /30 has 4 addresses: base, base+1, base+2, base+3 -> pool size 4,
	// only host 1..3 are ever allocatable.
	alloc, err := newIPAllocator("192.168.1.0/30")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := alloc.allocate()
		require.NoError(t, err)
	}
	_, err = alloc.allocate()
	require.Error(t, err)
}

func TestIPAllocator_ReleaseIsNoOpForUnknown(t *testing.T) {
	alloc, err := newIPAllocator("10.0.0.0/24")
	require.NoError(t, err)
	alloc.release(net.ParseIP("10.0.0.99")) // never allocated; must not panic
}
