package topdown

import (
	"fmt"
	"sync"

	"github.com/subnetlabs/subnetd/pkg/types"
)

// FinalityCache is the ordered, bounded cache of parent-chain
// observations. It is the one object contended between the syncer
// (writer), the vote pool (reader) and the execution driver (reader),
// so every operation runs as one atomic section and the invariants --
// contiguous heights, bounded size, lowest height above the anchor --
// hold at every boundary.
type FinalityCache struct {
	mu        sync.RWMutex
	maxBlocks int
	anchor    types.IPCParentFinality
	views     []types.ParentView
}

func NewFinalityCache(maxBlocks int, anchor types.IPCParentFinality) *FinalityCache {
	if maxBlocks <= 0 {
		maxBlocks = 1
	}
	return &FinalityCache{maxBlocks: maxBlocks, anchor: anchor}
}

// Append inserts the next parent view. The height must directly follow
// the latest entry (or the anchor when empty); otherwise the append is
// rejected whole with a NonSequentialError. The oldest entry is pruned
// when the cache would exceed its cap.
func (c *FinalityCache) Append(view types.ParentView) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expected := c.anchor.Height + 1
	if n := len(c.views); n > 0 {
		expected = c.views[n-1].Height + 1
	}
	if view.Height != expected {
		return &NonSequentialError{Expected: expected, Got: view.Height}
	}
	c.views = append(c.views, view)
	if len(c.views) > c.maxBlocks {
		c.views = c.views[1:]
	}
	return nil
}

// Anchor is the committed finality the cache is rooted on.
func (c *FinalityCache) Anchor() types.IPCParentFinality {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.anchor
}

func (c *FinalityCache) Latest() (types.ParentView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.views) == 0 {
		return types.ParentView{}, false
	}
	return c.views[len(c.views)-1], true
}

func (c *FinalityCache) LatestHeight() (types.BlockHeight, bool) {
	v, ok := c.Latest()
	return v.Height, ok
}

func (c *FinalityCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.views)
}

func (c *FinalityCache) viewAt(height types.BlockHeight) (types.ParentView, bool) {
	if len(c.views) == 0 {
		return types.ParentView{}, false
	}
	lowest := c.views[0].Height
	if height < lowest || height > c.views[len(c.views)-1].Height {
		return types.ParentView{}, false
	}
	return c.views[height-lowest], true
}

func (c *FinalityCache) ViewAt(height types.BlockHeight) (types.ParentView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viewAt(height)
}

// BlockHashAt returns the hash recorded at a height. Null rounds have
// no hash.
func (c *FinalityCache) BlockHashAt(height types.BlockHeight) (types.BlockHash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.viewAt(height)
	if !ok || v.IsNull() {
		return types.BlockHash{}, false
	}
	return v.Payload.BlockHash, true
}

// FirstNonNullAtOrAfter scans upward from a height for the first
// non-null entry.
func (c *FinalityCache) FirstNonNullAtOrAfter(height types.BlockHeight) (types.BlockHeight, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.views) == 0 {
		return 0, false
	}
	if height < c.views[0].Height {
		height = c.views[0].Height
	}
	for h := height; h <= c.views[len(c.views)-1].Height; h++ {
		if v, ok := c.viewAt(h); ok && !v.IsNull() {
			return h, true
		}
	}
	return 0, false
}

// Reset drops every entry and re-anchors the cache on a committed
// finality. The syncer calls this on reorg detection.
func (c *FinalityCache) Reset(finality types.IPCParentFinality) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anchor = finality
	c.views = nil
}

// Advance commits a finality: entries at or below its height are
// dropped and the anchor moves up. Entries above it stay so the next
// proposal can build on them.
func (c *FinalityCache) Advance(finality types.IPCParentFinality) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if finality.Height < c.anchor.Height {
		return fmt.Errorf("cannot advance anchor backwards: %d < %d", finality.Height, c.anchor.Height)
	}
	for len(c.views) > 0 && c.views[0].Height <= finality.Height {
		c.views = c.views[1:]
	}
	c.anchor = finality
	return nil
}

// Range copies the views between two heights inclusive, in order.
// Heights outside the cache are skipped.
func (c *FinalityCache) Range(from, to types.BlockHeight) []types.ParentView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []types.ParentView
	for h := from; h <= to; h++ {
		if v, ok := c.viewAt(h); ok {
			out = append(out, v)
		}
	}
	return out
}
