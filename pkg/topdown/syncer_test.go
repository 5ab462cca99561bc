package topdown

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/subnetlabs/subnetd/pkg/types"
)

func testSyncer(t *testing.T, proxy ParentProxy, cache *FinalityCache, delay types.BlockHeight) *Syncer {
	t.Helper()
	return NewSyncer(proxy, cache, SyncerConfig{ChainHeadDelay: delay}, nil, nil, zap.NewNop().Sugar())
}

func TestSyncerSequentialSync(t *testing.T) {
	proxy := NewInMemoryParentProxy()
	anchor := types.IPCParentFinality{Height: 10, BlockHash: hash(0x10)}
	cache := NewFinalityCache(100, anchor)

	prev := hash(0x10)
	for h := types.BlockHeight(11); h <= 13; h++ {
		proxy.AddBlock(h, BlockHeader{Hash: hash(byte(h)), ParentHash: prev}, nil, nil)
		prev = hash(byte(h))
	}
	// Head must clear the confirmation delay for 13 to be read.
	proxy.AddNullRound(15)

	s := testSyncer(t, proxy, cache, 2)
	if err := s.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if cache.Size() != 3 {
		t.Fatalf("cache size = %d, want 3", cache.Size())
	}
	for h := types.BlockHeight(11); h <= 13; h++ {
		got, ok := cache.BlockHashAt(h)
		if !ok || got != hash(byte(h)) {
			t.Fatalf("hash at %d = %v %v", h, got, ok)
		}
	}

	// With a quorum at 13 the provider proposes (13, H13).
	p := NewCachedFinalityProvider(cache, quorumStub{13: hash(0x13)})
	proposal, ok := p.NextProposal()
	if !ok || proposal.Height != 13 || proposal.BlockHash != hash(0x13) {
		t.Fatalf("proposal = %v %v", proposal, ok)
	}
}

func TestSyncerNullRound(t *testing.T) {
	proxy := NewInMemoryParentProxy()
	cache := NewFinalityCache(100, types.IPCParentFinality{Height: 10, BlockHash: hash(0x10)})
	proxy.AddNullRound(11)
	proxy.AddNullRound(12) // head, still within delay 1

	s := testSyncer(t, proxy, cache, 1)
	if err := s.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	v, ok := cache.ViewAt(11)
	if !ok || !v.IsNull() {
		t.Fatalf("expected null view at 11, got %v %v", v, ok)
	}
	// The finality provider never proposes a null height.
	p := NewCachedFinalityProvider(cache, quorumStub{11: {}})
	if _, ok := p.NextProposal(); ok {
		t.Fatal("null round must not be proposed")
	}
}

func TestSyncerReorgResetsCache(t *testing.T) {
	proxy := NewInMemoryParentProxy()
	anchor := types.IPCParentFinality{Height: 10, BlockHash: hash(0x10)}
	cache := NewFinalityCache(100, anchor)
	_ = cache.Append(view(11, hash(0x11)))
	_ = cache.Append(view(12, hash(0x12)))

	s := NewSyncer(proxy, cache, SyncerConfig{ChainHeadDelay: 0}, nil, nil, zap.NewNop().Sugar())
	s.prevHash = hash(0x12)

	// Block 13 does not chain from H12.
	proxy.AddBlock(13, BlockHeader{Hash: hash(0x13), ParentHash: hash(0xEE)}, nil, nil)

	err := s.SyncOnce(context.Background())
	if !errors.Is(err, ErrParentReorg) {
		t.Fatalf("expected reorg, got %v", err)
	}
	if cache.Size() != 0 {
		t.Fatalf("cache must be cleared on reorg, size=%d", cache.Size())
	}
	if cache.Anchor() != anchor {
		t.Fatalf("anchor must return to committed finality, got %v", cache.Anchor())
	}
	// No proposal this round.
	p := NewCachedFinalityProvider(cache, quorumStub{12: hash(0x12)})
	if _, ok := p.NextProposal(); ok {
		t.Fatal("no proposal after reorg reset")
	}
}

func TestSyncerParentUnreachable(t *testing.T) {
	proxy := NewInMemoryParentProxy()
	cache := NewFinalityCache(100, types.IPCParentFinality{Height: 10, BlockHash: hash(0x10)})
	proxy.FailNext(10)

	s := testSyncer(t, proxy, cache, 0)
	for i := 0; i < 10; i++ {
		err := s.SyncOnce(context.Background())
		if !errors.Is(err, ErrParentUnreachable) {
			t.Fatalf("poll %d: expected unreachable, got %v", i, err)
		}
	}
	if cache.Size() != 0 {
		t.Fatal("cache must be unchanged while the parent is down")
	}
	if proxy.ErrorCount() != 10 {
		t.Fatalf("error count = %d", proxy.ErrorCount())
	}
	// The chain continues with null-finality proposals.
	p := NewCachedFinalityProvider(cache, quorumStub{})
	if _, ok := p.NextProposal(); ok {
		t.Fatal("no proposal while parent is unreachable")
	}
}

func TestSyncerSkipsWhileCatchingUp(t *testing.T) {
	proxy := NewInMemoryParentProxy()
	proxy.AddBlock(11, BlockHeader{Hash: hash(0x11), ParentHash: hash(0x10)}, nil, nil)
	cache := NewFinalityCache(100, types.IPCParentFinality{Height: 10, BlockHash: hash(0x10)})

	catching := func(context.Context) (bool, error) { return true, nil }
	s := NewSyncer(proxy, cache, SyncerConfig{ChainHeadDelay: 0}, catching, nil, zap.NewNop().Sugar())
	if err := s.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if cache.Size() != 0 {
		t.Fatal("no fetch while the engine is catching up")
	}
}

func TestSyncerNotifiesNewViews(t *testing.T) {
	proxy := NewInMemoryParentProxy()
	proxy.AddBlock(11, BlockHeader{Hash: hash(0x11), ParentHash: hash(0x10)}, nil, nil)
	proxy.AddNullRound(12)
	cache := NewFinalityCache(100, types.IPCParentFinality{Height: 10, BlockHash: hash(0x10)})

	var seen []types.BlockHeight
	onView := func(h types.BlockHeight, _ types.BlockHash) { seen = append(seen, h) }
	s := NewSyncer(proxy, cache, SyncerConfig{ChainHeadDelay: 0}, nil, onView, zap.NewNop().Sugar())
	if err := s.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	// Only the non-null height is voted on.
	if len(seen) != 1 || seen[0] != 11 {
		t.Fatalf("notified views = %v", seen)
	}
}
