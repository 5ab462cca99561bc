package topdown

import (
	"context"
	"sync"

	"github.com/subnetlabs/subnetd/pkg/types"
)

// BlockHeader is the minimal header view the syncer needs to verify
// that the parent chain still chains.
type BlockHeader struct {
	Hash       types.BlockHash
	ParentHash types.BlockHash
}

// ParentProxy is the abstract read-only view of the parent chain. The
// live implementation speaks RPC to a parent node; tests use
// InMemoryParentProxy. Every call is bounded by the caller's context.
type ParentProxy interface {
	LatestHeight(ctx context.Context) (types.BlockHeight, error)
	// BlockHeader returns the header at a height, or nil for a null round.
	BlockHeader(ctx context.Context, height types.BlockHeight) (*BlockHeader, error)
	MessagesAt(ctx context.Context, height types.BlockHeight) ([]types.CrossMessage, error)
	ValidatorChangesAt(ctx context.Context, height types.BlockHeight) ([]types.ValidatorChange, error)
}

// InMemoryParentProxy serves a scripted parent chain. Heights without
// a block registered are null rounds.
type InMemoryParentProxy struct {
	mu      sync.Mutex
	head    types.BlockHeight
	headers map[types.BlockHeight]BlockHeader
	msgs    map[types.BlockHeight][]types.CrossMessage
	changes map[types.BlockHeight][]types.ValidatorChange
	errs    int
	failFor int
}

func NewInMemoryParentProxy() *InMemoryParentProxy {
	return &InMemoryParentProxy{
		headers: make(map[types.BlockHeight]BlockHeader),
		msgs:    make(map[types.BlockHeight][]types.CrossMessage),
		changes: make(map[types.BlockHeight][]types.ValidatorChange),
	}
}

func (p *InMemoryParentProxy) AddBlock(height types.BlockHeight, header BlockHeader, msgs []types.CrossMessage, changes []types.ValidatorChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.headers[height] = header
	p.msgs[height] = msgs
	p.changes[height] = changes
	if height > p.head {
		p.head = height
	}
}

// AddNullRound advances the head without a block.
func (p *InMemoryParentProxy) AddNullRound(height types.BlockHeight) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if height > p.head {
		p.head = height
	}
}

// FailNext makes the next n calls return ErrParentUnreachable.
func (p *InMemoryParentProxy) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failFor = n
}

func (p *InMemoryParentProxy) ErrorCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errs
}

func (p *InMemoryParentProxy) failing() bool {
	if p.failFor > 0 {
		p.failFor--
		p.errs++
		return true
	}
	return false
}

func (p *InMemoryParentProxy) LatestHeight(_ context.Context) (types.BlockHeight, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing() {
		return 0, ErrParentUnreachable
	}
	return p.head, nil
}

func (p *InMemoryParentProxy) BlockHeader(_ context.Context, height types.BlockHeight) (*BlockHeader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing() {
		return nil, &CannotQueryParentError{Height: height, Err: ErrParentUnreachable}
	}
	h, ok := p.headers[height]
	if !ok {
		return nil, nil
	}
	out := h
	return &out, nil
}

func (p *InMemoryParentProxy) MessagesAt(_ context.Context, height types.BlockHeight) ([]types.CrossMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing() {
		return nil, &CannotQueryParentError{Height: height, Err: ErrParentUnreachable}
	}
	return p.msgs[height], nil
}

func (p *InMemoryParentProxy) ValidatorChangesAt(_ context.Context, height types.BlockHeight) ([]types.ValidatorChange, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing() {
		return nil, &CannotQueryParentError{Height: height, Err: ErrParentUnreachable}
	}
	return p.changes[height], nil
}

var _ ParentProxy = (*InMemoryParentProxy)(nil)
