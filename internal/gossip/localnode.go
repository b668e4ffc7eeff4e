package gossip

import (
	"context"
	"sync"
	"time"

	v1 "github.com/clawbernetes/core/api/v1"
)

// LocalNode wraps a Broadcaster with the local-response dispatch logic the
// distilled specification leaves as a parenthetical ("the node will
// locally compute a response; not broadcaster's job"). Grounded on
// original_source/crates/molt-p2p/src/gossip/node.rs's LocalGossipNode:
// unlike PrepareAnnounce, PrepareQuery fans a query out to every known
// peer rather than a bounded subset — the original's own asymmetry
// between announce and query propagation.
type LocalNode struct {
	broadcaster *Broadcaster
	selfPeer    v1.PeerID

	mu            sync.Mutex
	pendingSends  []outboundMessage
	pendingEvents []v1.GossipMessage
}

// outboundMessage pairs a message with its intended recipients.
type outboundMessage struct {
	msg     v1.GossipMessage
	targets []v1.PeerID
}

// NewLocalNode wraps broadcaster for self, identified by selfPeer.
func NewLocalNode(broadcaster *Broadcaster, selfPeer v1.PeerID) *LocalNode {
	return &LocalNode{broadcaster: broadcaster, selfPeer: selfPeer}
}

// HandleMessage dispatches an inbound message: Announce/Response are
// delegated to the broadcaster for de-dup and forwarding; Query is
// answered locally against the broadcaster's cache; Ping/Pong are queued
// as local events for the caller to observe.
func (n *LocalNode) HandleMessage(ctx context.Context, msg v1.GossipMessage, fromPeer v1.PeerID) BroadcastResult {
	result := n.broadcaster.HandleMessage(ctx, msg, fromPeer)
	if result.WasDuplicate {
		return result
	}

	switch msg.Kind {
	case v1.GossipQuery:
		if msg.Filter != nil {
			response := n.queryLocal(*msg.Filter, msg.MaxResults, msg.QueryID)
			n.queueSend(response, []v1.PeerID{fromPeer})
		}
	case v1.GossipPing, v1.GossipPong:
		n.mu.Lock()
		n.pendingEvents = append(n.pendingEvents, msg)
		n.mu.Unlock()
	}

	if len(result.TargetPeers) > 0 && msg.TTLHops > 0 {
		forwarded := msg
		forwarded.TTLHops--
		n.queueSend(forwarded, result.TargetPeers)
	}

	return result
}

// PrepareQuery broadcasts a query to every known peer (not fanout-bounded
// - a deliberate asymmetry with PrepareAnnounce, matching the original
// node's prepare_query).
func (n *LocalNode) PrepareQuery(filter v1.CapacityFilter, maxResults uint32, ttlHops uint8) v1.GossipMessage {
	n.broadcaster.mu.Lock()
	peers := make([]v1.PeerID, 0, len(n.broadcaster.knownPeers))
	for p := range n.broadcaster.knownPeers {
		peers = append(peers, p)
	}
	n.broadcaster.mu.Unlock()

	msg := v1.GossipMessage{
		Kind:       v1.GossipQuery,
		QueryID:    v1.NewMessageID(),
		FromPeer:   n.selfPeer,
		Filter:     &filter,
		MaxResults: maxResults,
		TTLHops:    ttlHops,
	}
	n.queueSend(msg, peers)
	return msg
}

// SendResponse queues a Response message carrying announcements back to
// the querying peer.
func (n *LocalNode) SendResponse(queryID v1.MessageID, to v1.PeerID, announcements []v1.CapacityAnnouncement) {
	n.queueSend(v1.GossipMessage{
		Kind:          v1.GossipResponse,
		QueryID:       queryID,
		FromPeer:      n.selfPeer,
		Announcements: announcements,
	}, []v1.PeerID{to})
}

func (n *LocalNode) queryLocal(filter v1.CapacityFilter, maxResults uint32, queryID v1.MessageID) v1.GossipMessage {
	results := n.broadcaster.QueryCache(filter, maxResults)
	return v1.GossipMessage{
		Kind:          v1.GossipResponse,
		QueryID:       queryID,
		FromPeer:      n.selfPeer,
		Announcements: results,
	}
}

func (n *LocalNode) queueSend(msg v1.GossipMessage, targets []v1.PeerID) {
	if len(targets) == 0 {
		return
	}
	n.mu.Lock()
	n.pendingSends = append(n.pendingSends, outboundMessage{msg: msg, targets: targets})
	n.mu.Unlock()
}

// DrainSends returns and clears every message queued for transport since
// the last drain.
func (n *LocalNode) DrainSends() []outboundMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.pendingSends
	n.pendingSends = nil
	return out
}

// DrainEvents returns and clears every locally observed event (currently
// Ping/Pong) since the last drain.
func (n *LocalNode) DrainEvents() []v1.GossipMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.pendingEvents
	n.pendingEvents = nil
	return out
}

// Tick performs periodic local-cache maintenance: nothing to prune here
// beyond the expired announcements QueryCache already evicts lazily, but the hook exists so a
// maintenance loop can mirror node.rs's tick cadence (e.g. resending
// unacknowledged queries, in a fuller transport-aware build).
func (n *LocalNode) Tick(_ time.Time) {}
