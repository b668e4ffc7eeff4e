// Package errtax centralizes the core's error taxonomy: typed, comparable
// error values shared by the scheduler, mesh, gossip, escrow and
// load-balancer packages instead of each inventing its own error shapes.
//
// Errors that carry no detail (ErrNoNodes, ErrIPExhausted, ...) are
// sentinel values matched with errors.Is; errors that carry structured
// detail (rejected nodes, pending gates, current state) are structs that
// callers recover with errors.As, while staying ordinary Go errors
// everywhere else.
package errtax

import (
	"fmt"

	v1 "github.com/clawbernetes/core/api/v1"
)

// NodeRejection explains why one node failed scheduling evaluation.
type NodeRejection struct {
	NodeID v1.NodeID
	Reason string
}

// ErrNoNodes is returned when the registry holds no nodes at all.
var ErrNoNodes = fmt.Errorf("no nodes registered")

// ErrIPExhausted is returned when an IP allocator's pool is saturated.
var ErrIPExhausted = fmt.Errorf("ip pool exhausted")

// ErrZeroTotalWeight is returned by WeightedRandom when every healthy
// endpoint carries weight zero.
var ErrZeroTotalWeight = fmt.Errorf("zero total weight across healthy endpoints")

// ErrNoEndpoints is returned when the load-balancer pool is empty.
var ErrNoEndpoints = fmt.Errorf("no endpoints configured")

// ErrNoHealthyEndpoints is returned when no endpoint is currently healthy.
var ErrNoHealthyEndpoints = fmt.Errorf("no healthy endpoints available")

// ErrNodeNotFound is returned by targeted scheduling when the target node
// is not registered.
var ErrNodeNotFound = fmt.Errorf("node not found")

// ErrInvalidCIDR is returned when a mesh/IP-allocator CIDR is malformed or
// not IPv4.
var ErrInvalidCIDR = fmt.Errorf("invalid or non-IPv4 CIDR")

// NoSuitableNode is returned when the scheduler evaluated every available
// node and none satisfied the workload.
type NoSuitableNode struct {
	Reason   string
	Rejected []NodeRejection
}

func (e *NoSuitableNode) Error() string {
	return fmt.Sprintf("no suitable node: %s", e.Reason)
}

// NodeNotAvailable is returned by targeted scheduling when the target node
// exists but is not Healthy or failed evaluation.
type NodeNotAvailable struct {
	NodeID v1.NodeID
	Reason string
}

func (e *NodeNotAvailable) Error() string {
	return fmt.Sprintf("node %s not available: %s", e.NodeID, e.Reason)
}

// Gated is returned when a workload still has uncleared scheduling gates.
type Gated struct {
	PendingGates []v1.SchedulingGate
}

func (e *Gated) Error() string {
	return fmt.Sprintf("workload gated on %d pending gate(s)", len(e.PendingGates))
}

// AlreadyExists is returned when registering an identifier that is already
// present.
type AlreadyExists struct {
	Kind string
	ID   fmt.Stringer
}

func (e *AlreadyExists) Error() string {
	return fmt.Sprintf("%s %s already exists", e.Kind, e.ID)
}

// NotFound is returned when an identifier has no matching record.
type NotFound struct {
	Kind string
	ID   fmt.Stringer
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// EscrowFinalized is returned when a transition is attempted on an escrow
// already in a terminal state.
type EscrowFinalized struct {
	ID    v1.EscrowID
	State v1.EscrowState
}

func (e *EscrowFinalized) Error() string {
	return fmt.Sprintf("escrow %s is finalized in state %s", e.ID, e.State)
}

// EscrowError is any other illegal escrow state transition.
type EscrowError struct {
	ID      v1.EscrowID
	From    v1.EscrowState
	Action  string
}

func (e *EscrowError) Error() string {
	return fmt.Sprintf("escrow %s: action %q illegal from state %s", e.ID, e.Action, e.From)
}

// NoMatch is returned by the GPU selector when no tier of a fallback chain
// matches the node's capabilities.
type NoMatch struct {
	Reason string
}

func (e *NoMatch) Error() string { return fmt.Sprintf("no gpu match: %s", e.Reason) }
