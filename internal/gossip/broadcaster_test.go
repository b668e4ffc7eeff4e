package gossip

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	v1 "github.com/clawbernetes/core/api/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func fivePeers() []v1.PeerID {
	return []v1.PeerID{"p1", "p2", "p3", "p4", "p5"}
}

// signed returns ann with PeerID and Signature set from a freshly generated
// Ed25519 keypair, so tests exercise the same verification path production
// traffic does.
func signed(t *testing.T, ann v1.CapacityAnnouncement) v1.CapacityAnnouncement {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ann.PeerID = v1.PeerIDFromPublicKey(pub)
	return ann.Sign(priv)
}

// TestHandleMessage_DuplicateIsDetected reproduces spec scenario S6: the
// same Announce delivered twice is reported as a duplicate the second time
// and is not re-forwarded.
func TestHandleMessage_DuplicateIsDetected(t *testing.T) {
	b := New(Config{Fanout: 3, MaxTTLHops: 5, MessageCacheCapacity: 1024}, fivePeers())

	ann := signed(t, v1.CapacityAnnouncement{
		GPUs:      []v1.GPUOffer{{Model: "RTX 4090", VRAMGB: 24, Count: 2}},
		ExpiresAt: time.Now().Add(time.Hour),
	})
	msg := v1.GossipMessage{Kind: v1.GossipAnnounce, MessageID: v1.NewMessageID(), Announcement: &ann, TTLHops: 3}

	first := b.HandleMessage(context.Background(), msg, "p1")
	assert.False(t, first.WasDuplicate)
	assert.LessOrEqual(t, len(first.TargetPeers), 3)

	second := b.HandleMessage(context.Background(), msg, "p2")
	assert.True(t, second.WasDuplicate)
	assert.Empty(t, second.TargetPeers)
}

func TestHandleMessage_FanoutBounded(t *testing.T) {
	b := New(Config{Fanout: 3, MaxTTLHops: 5, MessageCacheCapacity: 1024}, fivePeers())

	for i := 0; i < 20; i++ {
		msg := v1.GossipMessage{Kind: v1.GossipAnnounce, MessageID: v1.NewMessageID(), TTLHops: 4}
		res := b.HandleMessage(context.Background(), msg, "")
		assert.LessOrEqual(t, len(res.TargetPeers), 3)
	}
}

func TestHandleMessage_ZeroTTLStopsForwarding(t *testing.T) {
	b := New(Config{Fanout: 3, MaxTTLHops: 5, MessageCacheCapacity: 1024}, fivePeers())
	msg := v1.GossipMessage{Kind: v1.GossipAnnounce, MessageID: v1.NewMessageID(), TTLHops: 0}
	res := b.HandleMessage(context.Background(), msg, "")
	assert.Empty(t, res.TargetPeers)
}

func TestHandleMessage_ExpiredAnnouncementNotCached(t *testing.T) {
	b := New(Config{Fanout: 3, MaxTTLHops: 5, MessageCacheCapacity: 1024}, fivePeers())
	ann := signed(t, v1.CapacityAnnouncement{ExpiresAt: time.Now().Add(-time.Minute)})
	msg := v1.GossipMessage{Kind: v1.GossipAnnounce, MessageID: v1.NewMessageID(), Announcement: &ann, TTLHops: 1}

	b.HandleMessage(context.Background(), msg, "")
	matches := b.QueryCache(v1.CapacityFilter{}, 10)
	assert.Empty(t, matches)
}

func TestQueryCache_FiltersByVRAMModelAndJobType(t *testing.T) {
	b := New(Config{Fanout: 3, MaxTTLHops: 5, MessageCacheCapacity: 1024}, fivePeers())

	announce := func(model string, vram uint32, jobTypes []string) v1.PeerID {
		ann := signed(t, v1.CapacityAnnouncement{
			GPUs:      []v1.GPUOffer{{Model: model, VRAMGB: vram, Count: 1}},
			JobTypes:  jobTypes,
			ExpiresAt: time.Now().Add(time.Hour),
		})
		msg := v1.GossipMessage{Kind: v1.GossipAnnounce, MessageID: v1.NewMessageID(), Announcement: &ann, TTLHops: 1}
		b.HandleMessage(context.Background(), msg, "")
		return ann.PeerID
	}

	a100Peer := announce("NVIDIA A100", 80, []string{"training"})
	rtxPeer := announce("NVIDIA RTX 4090", 24, []string{"inference"})

	matches := b.QueryCache(v1.CapacityFilter{MinVRAMGB: 40}, 10)
	require.Len(t, matches, 1)
	assert.Equal(t, a100Peer, matches[0].PeerID)

	matches = b.QueryCache(v1.CapacityFilter{GPUModel: "rtx"}, 10) // case-insensitive
	require.Len(t, matches, 1)
	assert.Equal(t, rtxPeer, matches[0].PeerID)

	matches = b.QueryCache(v1.CapacityFilter{JobType: "training"}, 10)
	require.Len(t, matches, 1)
	assert.Equal(t, a100Peer, matches[0].PeerID)

	matches = b.QueryCache(v1.CapacityFilter{}, 10)
	assert.Len(t, matches, 2)
}

func TestQueryCache_RespectsMaxResults(t *testing.T) {
	b := New(Config{Fanout: 3, MaxTTLHops: 5, MessageCacheCapacity: 1024}, fivePeers())
	for i := 0; i < 5; i++ {
		ann := signed(t, v1.CapacityAnnouncement{ExpiresAt: time.Now().Add(time.Hour)})
		msg := v1.GossipMessage{Kind: v1.GossipAnnounce, MessageID: v1.NewMessageID(), Announcement: &ann, TTLHops: 1}
		b.HandleMessage(context.Background(), msg, "")
	}
	matches := b.QueryCache(v1.CapacityFilter{}, 2)
	assert.Len(t, matches, 2)
}

func TestPrepareAnnounce_CachesAndFansOut(t *testing.T) {
	b := New(Config{Fanout: 2, MaxTTLHops: 5, MessageCacheCapacity: 1024}, fivePeers())
	ann := v1.CapacityAnnouncement{PeerID: "self", ExpiresAt: time.Now().Add(time.Hour)}

	res := b.PrepareAnnounce(ann)
	assert.LessOrEqual(t, len(res.TargetPeers), 2)

	matches := b.QueryCache(v1.CapacityFilter{}, 10)
	require.Len(t, matches, 1)
	assert.Equal(t, v1.PeerID("self"), matches[0].PeerID)
}

func TestMessageCache_EvictsOldestBeyondCapacity(t *testing.T) {
	b := New(Config{Fanout: 1, MaxTTLHops: 5, MessageCacheCapacity: 2}, fivePeers())

	first := v1.GossipMessage{Kind: v1.GossipAnnounce, MessageID: v1.NewMessageID(), TTLHops: 1}
	b.HandleMessage(context.Background(), first, "")
	b.HandleMessage(context.Background(), v1.GossipMessage{Kind: v1.GossipAnnounce, MessageID: v1.NewMessageID(), TTLHops: 1}, "")
	b.HandleMessage(context.Background(), v1.GossipMessage{Kind: v1.GossipAnnounce, MessageID: v1.NewMessageID(), TTLHops: 1}, "")

	// first's id has been evicted from the ring, so replaying it now reads
	// as a fresh message rather than a duplicate.
	replay := b.HandleMessage(context.Background(), first, "")
	assert.False(t, replay.WasDuplicate)
}

// TestHandleMessage_UnsignedAnnouncementNotCached: an announcement with no
// valid signature is dropped instead of cached, even when unexpired.
func TestHandleMessage_UnsignedAnnouncementNotCached(t *testing.T) {
	b := New(Config{Fanout: 3, MaxTTLHops: 5, MessageCacheCapacity: 1024}, fivePeers())
	ann := v1.CapacityAnnouncement{PeerID: "not-a-real-key", ExpiresAt: time.Now().Add(time.Hour)}
	msg := v1.GossipMessage{Kind: v1.GossipAnnounce, MessageID: v1.NewMessageID(), Announcement: &ann, TTLHops: 1}

	b.HandleMessage(context.Background(), msg, "")
	assert.Empty(t, b.QueryCache(v1.CapacityFilter{}, 10))
}

// TestHandleMessage_TamperedAnnouncementNotCached: a validly-keyed PeerID
// whose Signature doesn't match its payload is also dropped.
func TestHandleMessage_TamperedAnnouncementNotCached(t *testing.T) {
	b := New(Config{Fanout: 3, MaxTTLHops: 5, MessageCacheCapacity: 1024}, fivePeers())
	ann := signed(t, v1.CapacityAnnouncement{ExpiresAt: time.Now().Add(time.Hour)})
	ann.GPUs = []v1.GPUOffer{{Model: "tampered", VRAMGB: 999, Count: 1}}
	msg := v1.GossipMessage{Kind: v1.GossipAnnounce, MessageID: v1.NewMessageID(), Announcement: &ann, TTLHops: 1}

	b.HandleMessage(context.Background(), msg, "")
	assert.Empty(t, b.QueryCache(v1.CapacityFilter{}, 10))
}

func TestPrepareAnnounce_RateLimited(t *testing.T) {
	b := New(Config{Fanout: 2, MaxTTLHops: 5, MessageCacheCapacity: 1024}, fivePeers())
	b.announceLim = rate.NewLimiter(rate.Limit(0), 1)

	first := b.PrepareAnnounce(v1.CapacityAnnouncement{PeerID: "self", ExpiresAt: time.Now().Add(time.Hour)})
	assert.False(t, first.RateLimited)

	second := b.PrepareAnnounce(v1.CapacityAnnouncement{PeerID: "self", ExpiresAt: time.Now().Add(time.Hour)})
	assert.True(t, second.RateLimited)
	assert.Empty(t, second.TargetPeers)
}

func TestAddAndRemovePeer(t *testing.T) {
	b := New(Config{Fanout: 5, MaxTTLHops: 5, MessageCacheCapacity: 1024}, nil)
	b.AddPeer("p1")
	b.AddPeer("p2")

	res := b.HandleMessage(context.Background(), v1.GossipMessage{Kind: v1.GossipAnnounce, MessageID: v1.NewMessageID(), TTLHops: 1}, "")
	assert.Len(t, res.TargetPeers, 2)

	b.RemovePeer("p1")
	res = b.HandleMessage(context.Background(), v1.GossipMessage{Kind: v1.GossipAnnounce, MessageID: v1.NewMessageID(), TTLHops: 1}, "")
	assert.Len(t, res.TargetPeers, 1)
}
