package topdown

import (
	"github.com/subnetlabs/subnetd/pkg/types"
)

// Toggle wraps the finality provider so the whole top-down machinery
// can be switched off. The root subnet has no parent, so its node runs
// with a disabled provider: no proposals, every proposal rejected,
// commits ignored.
type Toggle struct {
	inner *CachedFinalityProvider
}

func ToggleEnabled(inner *CachedFinalityProvider) *Toggle { return &Toggle{inner: inner} }

func ToggleDisabled() *Toggle { return &Toggle{} }

func (t *Toggle) IsEnabled() bool { return t.inner != nil }

func (t *Toggle) NextProposal() (*types.IPCParentFinality, bool) {
	if t.inner == nil {
		return nil, false
	}
	return t.inner.NextProposal()
}

func (t *Toggle) CheckProposal(finality types.IPCParentFinality) bool {
	if t.inner == nil {
		return false
	}
	return t.inner.CheckProposal(finality)
}

func (t *Toggle) SetNewFinality(finality types.IPCParentFinality, previous *types.IPCParentFinality) error {
	if t.inner == nil {
		return nil
	}
	return t.inner.SetNewFinality(finality, previous)
}

func (t *Toggle) GenesisEpoch() (types.BlockHeight, error) {
	if t.inner == nil {
		return 0, ErrProviderDisabled
	}
	return t.inner.GenesisEpoch()
}

func (t *Toggle) SeedGenesisEpoch(height types.BlockHeight) {
	if t.inner != nil {
		t.inner.SeedGenesisEpoch(height)
	}
}

func (t *Toggle) LastCommitted() (types.IPCParentFinality, bool) {
	if t.inner == nil {
		return types.IPCParentFinality{}, false
	}
	return t.inner.LastCommitted(), true
}

func (t *Toggle) TopDownMsgsFrom(from, to types.BlockHeight) []types.CrossMessage {
	if t.inner == nil {
		return nil
	}
	return t.inner.TopDownMsgsFrom(from, to)
}

func (t *Toggle) ValidatorChangesFrom(from, to types.BlockHeight) []types.ValidatorChange {
	if t.inner == nil {
		return nil
	}
	return t.inner.ValidatorChangesFrom(from, to)
}
