package topdown

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/subnetlabs/subnetd/pkg/types"
)

var (
	ErrVoteSignatureInvalid = errors.New("vote signature invalid")
	ErrVoteUnknownValidator = errors.New("vote signer not in power table")
	ErrVoteStale            = errors.New("vote older than signer's latest")
	ErrVoteWrongSubnet      = errors.New("vote for a different subnet")
)

// VotePool tallies validator votes for (height, hash) pairs gossiped
// on the subnet's vote topic. Votes survive until the finality they
// refer to is committed or the cache advances past their height.
type VotePool struct {
	mu     sync.Mutex
	subnet types.SubnetID

	// quorum is weight strictly greater than num/den of total power.
	quorumNum uint64
	quorumDen uint64

	power    types.PowerTable
	heights  map[types.BlockHeight]*heightTally
	lastSeen map[common.Address]uint64
}

type heightTally struct {
	// order holds hashes by first observation; when two hashes could
	// cross the threshold in the same query, the earlier one wins.
	order   []types.BlockHash
	signers map[types.BlockHash]map[common.Address]struct{}
}

func NewVotePool(subnet types.SubnetID, quorumNum, quorumDen uint64) *VotePool {
	if quorumNum == 0 || quorumDen == 0 {
		quorumNum, quorumDen = 2, 3
	}
	return &VotePool{
		subnet:    subnet,
		quorumNum: quorumNum,
		quorumDen: quorumDen,
		heights:   make(map[types.BlockHeight]*heightTally),
		lastSeen:  make(map[common.Address]uint64),
	}
}

// SetPowerTable swaps in a new validator power table. Existing votes
// keep counting; their weight is resolved at quorum-query time against
// the current table.
func (p *VotePool) SetPowerTable(pt types.PowerTable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.power = pt
}

// AddVote verifies and stores one vote. The signature must recover to
// the record's claimed key, the signer must hold power, and the
// timestamp must not roll back behind the signer's latest vote.
func (p *VotePool) AddVote(rec VoteRecord) error {
	if rec.SubnetID != p.subnet {
		return ErrVoteWrongSubnet
	}
	signer, err := rec.Verify()
	if err != nil {
		voteInvalidSignature.Inc()
		return ErrVoteSignatureInvalid
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.power.PowerOf(signer); !ok {
		voteUnknownValidator.Inc()
		return ErrVoteUnknownValidator
	}
	if last, ok := p.lastSeen[signer]; ok && rec.Timestamp < last {
		return ErrVoteStale
	}
	p.lastSeen[signer] = rec.Timestamp

	t, ok := p.heights[rec.Payload.Height]
	if !ok {
		t = &heightTally{signers: make(map[types.BlockHash]map[common.Address]struct{})}
		p.heights[rec.Payload.Height] = t
	}
	hs, ok := t.signers[rec.Payload.BlockHash]
	if !ok {
		hs = make(map[common.Address]struct{})
		t.signers[rec.Payload.BlockHash] = hs
		t.order = append(t.order, rec.Payload.BlockHash)
	}
	hs[signer] = struct{}{}
	voteAccepted.Inc()
	return nil
}

// QuorumAtHeight returns the hash whose accumulated signer weight
// crosses the quorum fraction of total power, if any.
func (p *VotePool) QuorumAtHeight(height types.BlockHeight) (types.BlockHash, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.heights[height]
	if !ok {
		return types.BlockHash{}, false
	}
	total := p.power.TotalPower()
	if total == 0 {
		return types.BlockHash{}, false
	}
	for _, hash := range t.order {
		var weight uint64
		for signer := range t.signers[hash] {
			if w, ok := p.power.PowerOf(signer); ok {
				weight += w
			}
		}
		if weight*p.quorumDen > total*p.quorumNum {
			return hash, true
		}
	}
	return types.BlockHash{}, false
}

// PruneAtOrBelow drops every tally whose height is at or below the
// committed finality height.
func (p *VotePool) PruneAtOrBelow(height types.BlockHeight) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for h := range p.heights {
		if h <= height {
			delete(p.heights, h)
		}
	}
}

// Size reports the number of heights with outstanding votes.
func (p *VotePool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.heights)
}

var _ QuorumSource = (*VotePool)(nil)
