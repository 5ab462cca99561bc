package topdown

import (
	"fmt"
	"sync"

	"github.com/subnetlabs/subnetd/pkg/types"
)

// QuorumSource answers which block hash, if any, reached quorum weight
// at a height. Implemented by the vote pool; tests use stubs.
type QuorumSource interface {
	QuorumAtHeight(height types.BlockHeight) (types.BlockHash, bool)
}

// CachedFinalityProvider combines the finality cache with the last
// committed finality to answer the two questions the driver has:
// what should the next proposal be, and is this proposal valid.
type CachedFinalityProvider struct {
	mu      sync.Mutex
	cache   *FinalityCache
	quorums QuorumSource

	genesisEpoch    types.BlockHeight
	genesisEpochSet bool
}

func NewCachedFinalityProvider(cache *FinalityCache, quorums QuorumSource) *CachedFinalityProvider {
	return &CachedFinalityProvider{cache: cache, quorums: quorums}
}

// NextProposal selects the highest contiguous non-null cache entry
// whose hash agrees with the vote quorum at that height. No quorum
// above the committed finality means no proposal this round.
func (p *CachedFinalityProvider) NextProposal() (*types.IPCParentFinality, bool) {
	anchor := p.cache.Anchor()
	latest, ok := p.cache.LatestHeight()
	if !ok {
		return nil, false
	}
	for h := latest; h > anchor.Height; h-- {
		hash, ok := p.cache.BlockHashAt(h)
		if !ok {
			continue // null round
		}
		agreed, ok := p.quorums.QuorumAtHeight(h)
		if !ok || agreed != hash {
			continue
		}
		return &types.IPCParentFinality{Height: h, BlockHash: hash}, true
	}
	return nil, false
}

// CheckProposal validates a peer's proposal against the local cache:
// the height must be above the committed finality, the hash must match
// the cached entry, and every intermediate height must be present.
func (p *CachedFinalityProvider) CheckProposal(finality types.IPCParentFinality) bool {
	anchor := p.cache.Anchor()
	if finality.Height <= anchor.Height {
		return false
	}
	hash, ok := p.cache.BlockHashAt(finality.Height)
	if !ok || hash != finality.BlockHash {
		return false
	}
	// Contiguity from the anchor is a cache invariant; what remains to
	// check is that the cache actually starts right after the anchor.
	for h := anchor.Height + 1; h < finality.Height; h++ {
		if _, ok := p.cache.ViewAt(h); !ok {
			return false
		}
	}
	return true
}

// SetNewFinality commits a proposal: cache entries at or below its
// height are dropped and the anchor advances. Vote-pool entries at or
// below the height become discardable; the coordinator prunes them.
func (p *CachedFinalityProvider) SetNewFinality(finality types.IPCParentFinality, _ *types.IPCParentFinality) error {
	return p.cache.Advance(finality)
}

func (p *CachedFinalityProvider) LastCommitted() types.IPCParentFinality {
	return p.cache.Anchor()
}

// SeedGenesisEpoch records the parent height the subnet was created
// at. Seeded once at first commit; later cache resets never revisit it.
func (p *CachedFinalityProvider) SeedGenesisEpoch(height types.BlockHeight) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.genesisEpochSet {
		p.genesisEpoch = height
		p.genesisEpochSet = true
	}
}

func (p *CachedFinalityProvider) GenesisEpoch() (types.BlockHeight, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.genesisEpochSet {
		return 0, fmt.Errorf("genesis epoch not yet seeded")
	}
	return p.genesisEpoch, nil
}

// TopDownMsgsFrom gathers the cross-messages observed between two
// parent heights inclusive, in parent-block order.
func (p *CachedFinalityProvider) TopDownMsgsFrom(from, to types.BlockHeight) []types.CrossMessage {
	var out []types.CrossMessage
	for _, v := range p.cache.Range(from, to) {
		if !v.IsNull() {
			out = append(out, v.Payload.CrossMessages...)
		}
	}
	return out
}

// ValidatorChangesFrom gathers the staking changes observed between
// two parent heights inclusive, in parent-block order.
func (p *CachedFinalityProvider) ValidatorChangesFrom(from, to types.BlockHeight) []types.ValidatorChange {
	var out []types.ValidatorChange
	for _, v := range p.cache.Range(from, to) {
		if !v.IsNull() {
			out = append(out, v.Payload.ValidatorChanges...)
		}
	}
	return out
}
