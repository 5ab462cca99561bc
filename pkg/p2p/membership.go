package p2p

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/subnetlabs/subnetd/pkg/types"
)

type MembershipConfig struct {
	// StaticSubnets are always tracked and never pruned.
	StaticSubnets []types.SubnetID
	// MaxSubnets bounds the number of dynamically tracked subnets.
	MaxSubnets int
	// PublishInterval is the cadence of re-publishing our own record.
	PublishInterval time.Duration
	// MinTimeBetweenPublish bounds opportunistic re-publishes when new
	// peers appear.
	MinTimeBetweenPublish time.Duration
	// MaxProviderAge evicts records not refreshed within this window.
	MaxProviderAge time.Duration
}

// maxTrackedPeers bounds the provider cache itself; stale entries age
// out by MaxProviderAge regardless.
const maxTrackedPeers = 1024

// ProviderCache tracks which peers serve which subnets. Records for
// the same peer are last-writer-wins by embedded timestamp; records
// older than the provider age limit expire.
type ProviderCache struct {
	mu         sync.Mutex
	maxSubnets int
	static     map[types.SubnetID]struct{}
	dynamic    map[types.SubnetID]struct{}
	peers      *expirable.LRU[peer.ID, ProviderRecord]
}

func NewProviderCache(cfg MembershipConfig) *ProviderCache {
	c := &ProviderCache{
		maxSubnets: cfg.MaxSubnets,
		static:     make(map[types.SubnetID]struct{}),
		dynamic:    make(map[types.SubnetID]struct{}),
	}
	for _, s := range cfg.StaticSubnets {
		c.static[s] = struct{}{}
	}
	c.peers = expirable.NewLRU[peer.ID, ProviderRecord](maxTrackedPeers, nil, cfg.MaxProviderAge)
	return c
}

// Add ingests a verified provider record. Returns false when the
// record is stale, i.e. not newer than what we already hold for the
// peer. Subnets beyond the dynamic bound are skipped.
func (c *ProviderCache) Add(rec ProviderRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.peers.Get(rec.PeerID); ok && rec.Timestamp <= prev.Timestamp {
		return false
	}

	kept := rec
	kept.SubnetIDs = nil
	for _, s := range rec.SubnetIDs {
		if c.trackable(s) {
			kept.SubnetIDs = append(kept.SubnetIDs, s)
		} else {
			membershipSkippedPeers.Inc()
		}
	}
	c.peers.Add(rec.PeerID, kept)
	membershipProviderPeers.Set(float64(c.peers.Len()))
	return true
}

func (c *ProviderCache) trackable(s types.SubnetID) bool {
	if _, ok := c.static[s]; ok {
		return true
	}
	if _, ok := c.dynamic[s]; ok {
		return true
	}
	if len(c.dynamic) >= c.maxSubnets {
		return false
	}
	c.dynamic[s] = struct{}{}
	return true
}

// ProvidersOf lists the live providers of a subnet, most recently
// announced first.
func (c *ProviderCache) ProvidersOf(subnet types.SubnetID) []peer.ID {
	c.mu.Lock()
	defer c.mu.Unlock()

	type cand struct {
		id peer.ID
		ts uint64
	}
	var cands []cand
	for _, id := range c.peers.Keys() {
		rec, ok := c.peers.Get(id)
		if !ok {
			continue
		}
		for _, s := range rec.SubnetIDs {
			if s == subnet {
				cands = append(cands, cand{id: id, ts: rec.Timestamp})
				break
			}
		}
	}
	// Most recent announcements first; ties broken by peer id so all
	// nodes order the same way.
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0; j-- {
			a, b := cands[j-1], cands[j]
			if b.ts > a.ts || (b.ts == a.ts && b.id < a.id) {
				cands[j-1], cands[j] = b, a
			} else {
				break
			}
		}
	}
	out := make([]peer.ID, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

func (c *ProviderCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers.Len()
}
