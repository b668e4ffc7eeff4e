// Package gossip implements the Gossip Broadcaster (spec §4.8): message
// de-duplication, TTL-bounded forwarding, bounded-fanout peer selection
// and a capacity-announcement query cache.
//
// Grounded on original_source/crates/molt-p2p/src/gossip/node.rs and
// network.rs's matches_requirements filter.
package gossip

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	v1 "github.com/clawbernetes/core/api/v1"
	"github.com/clawbernetes/core/internal/observability/tracing"
	"github.com/samber/lo"
	"golang.org/x/time/rate"
)

// Config tunes a Broadcaster instance.
type Config struct {
	Fanout               int
	MaxTTLHops           uint8
	MessageCacheCapacity int
}

// BroadcastResult is returned by HandleMessage and PrepareAnnounce.
type BroadcastResult struct {
	MessageID    v1.MessageID
	WasDuplicate bool
	TargetPeers  []v1.PeerID
	// RateLimited is set by PrepareAnnounce when the local announce rate
	// (50 announcements/sec, burst 50) is exceeded; the announcement is
	// not cached or forwarded anywhere in that case.
	RateLimited bool
}

// Broadcaster is the per-instance gossip state: seen-message ring,
// known-peer set and capacity-announcement cache. All operations are
// serialized by a single mutex, so concurrent identical deliveries
// linearize: exactly one inserts the message id, every other concurrent
// call observes a duplicate.
type Broadcaster struct {
	cfg Config

	mu          sync.Mutex
	seenOrder   []v1.MessageID
	seenSet     map[v1.MessageID]bool
	knownPeers  map[v1.PeerID]bool
	cache       map[v1.PeerID]v1.CapacityAnnouncement
	announceLim *rate.Limiter

	now func() time.Time
}

// New constructs a Broadcaster with the given known peers. PrepareAnnounce
// is rate-limited to 50 announcements per second with a burst of 50, so a
// misbehaving local producer cannot sustain more than fanout*50 outbound
// announce messages per second.
func New(cfg Config, peers []v1.PeerID) *Broadcaster {
	known := make(map[v1.PeerID]bool, len(peers))
	for _, p := range peers {
		known[p] = true
	}
	return &Broadcaster{
		cfg:         cfg,
		seenSet:     make(map[v1.MessageID]bool),
		knownPeers:  known,
		cache:       make(map[v1.PeerID]v1.CapacityAnnouncement),
		announceLim: rate.NewLimiter(rate.Limit(50), 50),
		now:         time.Now,
	}
}

// AddPeer registers a new known peer.
func (b *Broadcaster) AddPeer(p v1.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.knownPeers[p] = true
}

// RemovePeer forgets a known peer.
func (b *Broadcaster) RemovePeer(p v1.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.knownPeers, p)
}

// HandleMessage processes an inbound message from fromPeer. Invalid
// signatures and expired announcements are silently dropped; the
// broadcaster never returns an error for message content.
func (b *Broadcaster) HandleMessage(ctx context.Context, msg v1.GossipMessage, fromPeer v1.PeerID) BroadcastResult {
	_, span := tracing.StartGossipHandle(ctx, messageIDFor(msg).String(), string(fromPeer))
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()

	msgID := messageIDFor(msg)

	if b.seenSet[msgID] {
		return BroadcastResult{MessageID: msgID, WasDuplicate: true}
	}
	b.markSeenLocked(msgID)

	switch msg.Kind {
	case v1.GossipAnnounce:
		if msg.Announcement != nil && msg.Announcement.VerifySignature() && !msg.Announcement.Expired(b.now()) {
			b.cache[msg.Announcement.PeerID] = *msg.Announcement
		}
	case v1.GossipResponse:
		for _, a := range msg.Announcements {
			if a.VerifySignature() && !a.Expired(b.now()) {
				b.cache[a.PeerID] = a
			}
		}
	case v1.GossipQuery:
		// The broadcaster only handles de-dup/forwarding; computing a
		// local response to a Query is the node layer's job (LocalNode).
	}

	var targets []v1.PeerID
	if msg.TTLHops > 0 {
		targets = b.selectFanoutLocked(fromPeer)
	}

	return BroadcastResult{MessageID: msgID, WasDuplicate: false, TargetPeers: targets}
}

// PrepareAnnounce originates a fresh Announce message for announcement,
// marking it seen locally and selecting up to Fanout targets from every
// known peer. Returns a result with RateLimited set, and otherwise does
// nothing, if the local announce rate has been exceeded.
func (b *Broadcaster) PrepareAnnounce(announcement v1.CapacityAnnouncement) BroadcastResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.announceLim.Allow() {
		return BroadcastResult{RateLimited: true}
	}

	msgID := v1.NewMessageID()
	b.markSeenLocked(msgID)
	b.cache[announcement.PeerID] = announcement

	return BroadcastResult{
		MessageID:   msgID,
		TargetPeers: b.selectFanoutLocked(""),
	}
}

// QueryCache scans the cache for non-expired announcements matching
// filter, returning at most maxResults. Expired announcements found during
// the scan are evicted from the cache.
func (b *Broadcaster) QueryCache(filter v1.CapacityFilter, maxResults uint32) []v1.CapacityAnnouncement {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var matches []v1.CapacityAnnouncement
	for peer, a := range b.cache {
		if a.Expired(now) {
			delete(b.cache, peer)
			continue
		}
		if !matchesFilter(a, filter) {
			continue
		}
		matches = append(matches, a)
	}

	sortAnnouncementsByPeer(matches)

	if maxResults > 0 && uint32(len(matches)) > maxResults {
		matches = matches[:maxResults]
	}
	return matches
}

func matchesFilter(a v1.CapacityAnnouncement, f v1.CapacityFilter) bool {
	if f.MinVRAMGB > 0 {
		maxVRAM := uint32(0)
		for _, g := range a.GPUs {
			if g.VRAMGB > maxVRAM {
				maxVRAM = g.VRAMGB
			}
		}
		if maxVRAM < f.MinVRAMGB {
			return false
		}
	}
	if f.GPUModel != "" {
		found := lo.SomeBy(a.GPUs, func(g v1.GPUOffer) bool {
			return strings.Contains(strings.ToLower(g.Model), strings.ToLower(f.GPUModel))
		})
		if !found {
			return false
		}
	}
	if f.MinGPUCount > 0 {
		total := uint32(0)
		for _, g := range a.GPUs {
			total += g.Count
		}
		if total < f.MinGPUCount {
			return false
		}
	}
	if f.JobType != "" && !lo.Contains(a.JobTypes, f.JobType) {
		return false
	}
	if f.MaxGPUHourCents > 0 && a.Pricing.GPUHourCents > f.MaxGPUHourCents {
		return false
	}
	return true
}

// selectFanoutLocked picks up to Fanout peers uniformly at random from
// knownPeers excluding exclude. Must be called with b.mu held.
func (b *Broadcaster) selectFanoutLocked(exclude v1.PeerID) []v1.PeerID {
	candidates := make([]v1.PeerID, 0, len(b.knownPeers))
	for p := range b.knownPeers {
		if p != exclude {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) <= b.cfg.Fanout {
		return candidates
	}

	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	return candidates[:b.cfg.Fanout]
}

func (b *Broadcaster) markSeenLocked(id v1.MessageID) {
	b.seenSet[id] = true
	b.seenOrder = append(b.seenOrder, id)
	if b.cfg.MessageCacheCapacity > 0 && len(b.seenOrder) > b.cfg.MessageCacheCapacity {
		oldest := b.seenOrder[0]
		b.seenOrder = b.seenOrder[1:]
		delete(b.seenSet, oldest)
	}
}

func messageIDFor(msg v1.GossipMessage) v1.MessageID {
	switch msg.Kind {
	case v1.GossipAnnounce:
		return msg.MessageID
	case v1.GossipQuery, v1.GossipResponse:
		return msg.QueryID
	default:
		return v1.NewMessageID()
	}
}

func sortAnnouncementsByPeer(a []v1.CapacityAnnouncement) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j].PeerID < a[j-1].PeerID; j-- {
			a[j], a[j-1] = a[j-1], a[j]
		}
	}
}
