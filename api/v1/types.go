// Package v1 holds the wire- and domain-level data types shared across the
// scheduler, mesh, gossip, escrow and load-balancer components. These are
// plain value types (not Kubernetes API objects): the core is a standalone
// decision-engine library, not a controller.
package v1

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/api/resource"
)

// NodeID uniquely identifies a registered node.
type NodeID uuid.UUID

// String renders the identifier in canonical UUID form.
func (id NodeID) String() string { return uuid.UUID(id).String() }

// WorkloadID uniquely identifies a workload submission.
type WorkloadID uuid.UUID

// String renders the identifier in canonical UUID form.
func (id WorkloadID) String() string { return uuid.UUID(id).String() }

// EscrowID uniquely identifies an escrow record.
type EscrowID uuid.UUID

// String renders the identifier in canonical UUID form.
func (id EscrowID) String() string { return uuid.UUID(id).String() }

// MessageID uniquely identifies a gossip message for de-duplication.
type MessageID uuid.UUID

// String renders the identifier in canonical UUID form.
func (id MessageID) String() string { return uuid.UUID(id).String() }

// EndpointID uniquely identifies a load-balancer endpoint.
type EndpointID string

// PeerID identifies a mesh/gossip participant, derived from its Ed25519
// public key (modeled here as the key's hex encoding).
type PeerID string

// PeerIDFromPublicKey derives the PeerID a peer announces itself under from
// its Ed25519 public key.
func PeerIDFromPublicKey(pub ed25519.PublicKey) PeerID {
	return PeerID(hex.EncodeToString(pub))
}

// PublicKey decodes the Ed25519 public key pid was derived from. ok is
// false if pid is not a validly hex-encoded, correctly sized key.
func (pid PeerID) PublicKey() (pub ed25519.PublicKey, ok bool) {
	raw, err := hex.DecodeString(string(pid))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, false
	}
	return ed25519.PublicKey(raw), true
}

// NewNodeID generates a fresh random NodeID.
func NewNodeID() NodeID { return NodeID(uuid.New()) }

// NewWorkloadID generates a fresh random WorkloadID.
func NewWorkloadID() WorkloadID { return WorkloadID(uuid.New()) }

// NewEscrowID generates a fresh random EscrowID.
func NewEscrowID() EscrowID { return EscrowID(uuid.New()) }

// NewMessageID generates a fresh random MessageID.
func NewMessageID() MessageID { return MessageID(uuid.New()) }

// ConditionStatus is the tri-state value of a node condition.
type ConditionStatus string

const (
	ConditionTrue    ConditionStatus = "True"
	ConditionFalse   ConditionStatus = "False"
	ConditionUnknown ConditionStatus = "Unknown"
)

// Condition is a single node condition entry with a monotonic observation
// timestamp.
type Condition struct {
	Status     ConditionStatus `json:"status"`
	ObservedAt time.Time       `json:"observedAt"`
}

// GPUCapability describes one GPU device present on a node.
type GPUCapability struct {
	// Index is the GPU's position on the node; unique within the node.
	Index uint32 `json:"index"`
	// Name is the device product name, e.g. "NVIDIA RTX 4090".
	Name string `json:"name"`
	// MemoryMiB is the device's total VRAM.
	MemoryMiB uint64 `json:"memoryMiB"`
	UUID      string `json:"uuid"`
}

// MemoryQuantity returns the GPU's memory as a resource.Quantity, matching
// the teacher's idiom of carrying capacity values as Kubernetes quantities
// so headroom arithmetic is expressed consistently across the codebase.
func (g GPUCapability) MemoryQuantity() resource.Quantity {
	return *resource.NewQuantity(int64(g.MemoryMiB)*1024*1024, resource.BinarySI)
}

// NodeCapabilities is an immutable snapshot of a node's resources.
type NodeCapabilities struct {
	CPUCores  uint32 `json:"cpuCores"`
	MemoryMiB uint64 `json:"memoryMiB"`
	// GPUs is ordered by index; indices must be unique within the node.
	GPUs       []GPUCapability              `json:"gpus"`
	Labels     map[string]string            `json:"labels"`
	Conditions map[string]Condition         `json:"conditions"`
}

// MemoryQuantity returns the node's total memory as a resource.Quantity.
func (c NodeCapabilities) MemoryQuantity() resource.Quantity {
	return *resource.NewQuantity(int64(c.MemoryMiB)*1024*1024, resource.BinarySI)
}

// HealthStatus is the lifecycle state of a registered node.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "Healthy"
	HealthUnhealthy HealthStatus = "Unhealthy"
	HealthDraining  HealthStatus = "Draining"
	HealthUnknown   HealthStatus = "Unknown"
)

// RegisteredNode is the authoritative record the Node Registry holds for a
// node.
type RegisteredNode struct {
	ID             NodeID           `json:"id"`
	Name           string           `json:"name"`
	Capabilities   NodeCapabilities `json:"capabilities"`
	HealthStatus   HealthStatus     `json:"healthStatus"`
	LastHeartbeat  time.Time        `json:"lastHeartbeat"`
}

// Available reports whether the node may receive new workloads.
func (n RegisteredNode) Available() bool { return n.HealthStatus == HealthHealthy }

// GPURequirement is one tier of a fallback chain: count+shape constraints
// plus an optional next tier tried when this one cannot be satisfied.
type GPURequirement struct {
	Count uint32 `json:"count"`
	// MinMemoryMiB, if set, is the minimum per-GPU VRAM required.
	MinMemoryMiB *uint64 `json:"minMemoryMiB,omitempty"`
	// ModelPattern, if set, must be a case-insensitive substring of the
	// GPU's name.
	ModelPattern *string `json:"modelPattern,omitempty"`
	// Priority tags this tier for scoring; it does not influence matching
	// order, only the first matching tier is ever used.
	Priority uint32 `json:"priority"`
	Fallback *GPURequirement `json:"fallback,omitempty"`
}

// CompletionMode selects how worker indices are assigned for a parallel
// workload.
type CompletionMode string

const (
	CompletionIndexed    CompletionMode = "Indexed"
	CompletionNonIndexed CompletionMode = "NonIndexed"
)

// ParallelConfig configures indexed/non-indexed parallel placement.
type ParallelConfig struct {
	Completions    uint32         `json:"completions"`
	CompletionMode CompletionMode `json:"completionMode"`
}

// SchedulingGate is a named precondition that must be cleared before a
// workload can be scheduled.
type SchedulingGate string

// ConditionRequirement names a required node condition and its expected
// polarity.
type ConditionRequirement struct {
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// SchedulingSpec is the scheduling-relevant portion of a workload spec.
type SchedulingSpec struct {
	NodeSelector       map[string]string      `json:"nodeSelector,omitempty"`
	RequiredConditions []ConditionRequirement `json:"requiredConditions,omitempty"`
	GPURequirement     *GPURequirement        `json:"gpuRequirement,omitempty"`
	SchedulingGates    []SchedulingGate       `json:"schedulingGates,omitempty"`
	ParallelConfig     *ParallelConfig        `json:"parallelConfig,omitempty"`
}

// WorkloadSpec describes a unit of work to place on a node.
type WorkloadSpec struct {
	Image      string            `json:"image"`
	Command    []string          `json:"command,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	CPUCores   uint32            `json:"cpuCores"`
	MemoryMB   uint64            `json:"memoryMb"`
	GPUCount   uint32            `json:"gpuCount"`
	Scheduling SchedulingSpec    `json:"scheduling"`
}

// MeshTopology selects how peers are auto-derived when a node joins the
// mesh.
type MeshTopology string

const (
	TopologyFullMesh MeshTopology = "FullMesh"
	TopologyHubSpoke MeshTopology = "HubSpoke"
	TopologyCustom   MeshTopology = "Custom"
)

// MeshNodeState is the mesh-level record for one node.
type MeshNodeState struct {
	NodeID          NodeID    `json:"nodeId"`
	Name            string    `json:"name"`
	MeshIP          string    `json:"meshIp"`
	PublicKey       string    `json:"publicKey"`
	Endpoint        *string   `json:"endpoint,omitempty"`
	IsHub           bool      `json:"isHub"`
	JoinedAt        time.Time `json:"joinedAt"`
	ConnectedPeers  uint32    `json:"connectedPeers"`
	LastMeshReady   time.Time `json:"lastMeshReady"`
}

// MeshPeerConfig is one WireGuard-style peer entry handed to a node.
type MeshPeerConfig struct {
	PublicKey           string  `json:"publicKey"`
	AllowedIP            string  `json:"allowedIp"`
	Endpoint             *string `json:"endpoint,omitempty"`
	PersistentKeepalive uint16  `json:"persistentKeepaliveSecs"`
}

// GPUOffer is one GPU model/count/VRAM line in a capacity announcement.
type GPUOffer struct {
	Model  string `json:"model"`
	VRAMGB uint32 `json:"vramGb"`
	Count  uint32 `json:"count"`
}

// Pricing is the hourly pricing advertised in a capacity announcement.
type Pricing struct {
	GPUHourCents uint64 `json:"gpuHourCents"`
	CPUHourCents uint64 `json:"cpuHourCents"`
}

// CapacityAnnouncement is a signed, time-bounded advertisement of spare
// capacity gossiped through the marketplace mesh.
type CapacityAnnouncement struct {
	PeerID    PeerID     `json:"peerId"`
	GPUs      []GPUOffer `json:"gpus"`
	Pricing   Pricing    `json:"pricing"`
	JobTypes  []string   `json:"jobTypes"`
	IssuedAt  time.Time  `json:"issuedAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	Signature []byte     `json:"signature"`
}

// Expired reports whether the announcement is no longer valid at t.
func (a CapacityAnnouncement) Expired(t time.Time) bool { return !t.Before(a.ExpiresAt) }

// signingPayload serializes every field but Signature in a fixed order, so
// Sign and VerifySignature always operate over identical bytes.
func (a CapacityAnnouncement) signingPayload() []byte {
	payload := struct {
		PeerID    PeerID     `json:"peerId"`
		GPUs      []GPUOffer `json:"gpus"`
		Pricing   Pricing    `json:"pricing"`
		JobTypes  []string   `json:"jobTypes"`
		IssuedAt  time.Time  `json:"issuedAt"`
		ExpiresAt time.Time  `json:"expiresAt"`
	}{a.PeerID, a.GPUs, a.Pricing, a.JobTypes, a.IssuedAt, a.ExpiresAt}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return b
}

// Sign returns a copy of a with Signature set to the Ed25519 signature over
// its other fields, computed with priv. The caller is responsible for priv
// being the private half of the key PeerID was derived from.
func (a CapacityAnnouncement) Sign(priv ed25519.PrivateKey) CapacityAnnouncement {
	a.Signature = ed25519.Sign(priv, a.signingPayload())
	return a
}

// VerifySignature reports whether Signature is a valid Ed25519 signature,
// over the announcement's other fields, produced by the key PeerID was
// derived from. A malformed PeerID or missing/garbled signature both verify
// false rather than panicking.
func (a CapacityAnnouncement) VerifySignature() bool {
	pub, ok := a.PeerID.PublicKey()
	if !ok {
		return false
	}
	return ed25519.Verify(pub, a.signingPayload(), a.Signature)
}

// CapacityFilter selects announcements from a query-cache scan.
type CapacityFilter struct {
	MinVRAMGB      uint32
	GPUModel       string
	MinGPUCount    uint32
	JobType        string
	MaxGPUHourCents uint64
}

// GossipMessageKind tags the variant carried by a GossipMessage.
type GossipMessageKind string

const (
	GossipAnnounce GossipMessageKind = "Announce"
	GossipQuery    GossipMessageKind = "Query"
	GossipResponse GossipMessageKind = "Response"
	GossipPing     GossipMessageKind = "Ping"
	GossipPong     GossipMessageKind = "Pong"
)

// GossipMessage is the tagged union transmitted between gossip peers.
// Exactly the fields relevant to Kind are populated.
type GossipMessage struct {
	Kind GossipMessageKind `json:"kind"`

	// Announce fields.
	MessageID    MessageID             `json:"messageId,omitempty"`
	Announcement *CapacityAnnouncement `json:"announcement,omitempty"`
	TTLHops      uint8                 `json:"ttlHops,omitempty"`

	// Query fields.
	QueryID     MessageID       `json:"queryId,omitempty"`
	FromPeer    PeerID          `json:"fromPeer,omitempty"`
	Filter      *CapacityFilter `json:"filter,omitempty"`
	MaxResults  uint32          `json:"maxResults,omitempty"`

	// Response fields.
	Announcements []CapacityAnnouncement `json:"announcements,omitempty"`
}

// EscrowState is a state in the escrow payment state machine.
type EscrowState string

const (
	EscrowCreating  EscrowState = "Creating"
	EscrowActive    EscrowState = "Active"
	EscrowReleasing EscrowState = "Releasing"
	EscrowReleased  EscrowState = "Released"
	EscrowRefunding EscrowState = "Refunding"
	EscrowRefunded  EscrowState = "Refunded"
	EscrowDisputed  EscrowState = "Disputed"
	EscrowExpired   EscrowState = "Expired"
)

// Terminal reports whether no further transitions are possible.
func (s EscrowState) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded || s == EscrowExpired
}

// Escrow is a single payment-in-flight record.
type Escrow struct {
	ID             EscrowID    `json:"id"`
	Buyer          string      `json:"buyer"`
	Provider       string      `json:"provider"`
	AmountLamports uint64      `json:"amountLamports"`
	FeeRateBps     uint32      `json:"feeRateBps"`
	State          EscrowState `json:"state"`
	JobID          string      `json:"jobId"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
	ExpiresAt      time.Time   `json:"expiresAt"`
	ReleaseSig     *string     `json:"releaseSig,omitempty"`
	RefundSig      *string     `json:"refundSig,omitempty"`
	DisputeReason  *string     `json:"disputeReason,omitempty"`
}

// EndpointHealth is the health state of a load-balancer endpoint.
type EndpointHealth string

const (
	EndpointHealthy   EndpointHealth = "Healthy"
	EndpointUnhealthy EndpointHealth = "Unhealthy"
)

// Endpoint is one member of a load-balanced pool.
type Endpoint struct {
	ID                EndpointID     `json:"id"`
	Address           string         `json:"address"`
	HealthStatus      EndpointHealth `json:"healthStatus"`
	Weight            uint32         `json:"weight"`
	ActiveConnections uint32         `json:"activeConnections"`
}

// Healthy reports whether the endpoint may receive traffic.
func (e Endpoint) Healthy() bool { return e.HealthStatus == EndpointHealthy }

// LoadBalancerStrategy selects the endpoint-picking algorithm.
type LoadBalancerStrategy string

const (
	StrategyRoundRobin       LoadBalancerStrategy = "RoundRobin"
	StrategyLeastConnections LoadBalancerStrategy = "LeastConnections"
	StrategyRandom           LoadBalancerStrategy = "Random"
	StrategyWeightedRandom   LoadBalancerStrategy = "WeightedRandom"
	StrategyIPHash           LoadBalancerStrategy = "IpHash"
)
