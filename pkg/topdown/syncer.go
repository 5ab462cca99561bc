package topdown

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/subnetlabs/subnetd/pkg/types"
)

type SyncerConfig struct {
	// ChainHeadDelay is the confirmation depth: heights above
	// latest - delay are not read yet.
	ChainHeadDelay types.BlockHeight
	// PollingInterval is the normal cadence between parent polls.
	PollingInterval time.Duration
	// RetryDelay caps the exponential backoff between failed polls.
	RetryDelay time.Duration
}

// CatchingUpFunc reports whether the local consensus engine is still
// replaying blocks from peers, in which case the parent view will be
// re-derived from the replayed blocks and polling is skipped.
type CatchingUpFunc func(ctx context.Context) (bool, error)

// NewViewFunc is invoked for every non-null view appended to the
// cache; the node uses it to publish its vote for (height, hash).
type NewViewFunc func(height types.BlockHeight, hash types.BlockHash)

// Syncer fills the finality cache from the parent proxy. It is a
// single cooperative loop: parent failures back off and never block
// local block production.
type Syncer struct {
	proxy      ParentProxy
	cache      *FinalityCache
	cfg        SyncerConfig
	catchingUp CatchingUpFunc
	onNewView  NewViewFunc
	log        *zap.SugaredLogger

	prevHash types.BlockHash
	haveHash bool
}

func NewSyncer(proxy ParentProxy, cache *FinalityCache, cfg SyncerConfig, catchingUp CatchingUpFunc, onNewView NewViewFunc, log *zap.SugaredLogger) *Syncer {
	s := &Syncer{
		proxy:      proxy,
		cache:      cache,
		cfg:        cfg,
		catchingUp: catchingUp,
		onNewView:  onNewView,
		log:        log,
	}
	anchor := cache.Anchor()
	s.prevHash = anchor.BlockHash
	// A zero anchor hash means the subnet starts from a genesis epoch
	// with no known parent hash; chain verification begins at the
	// first fetched block.
	s.haveHash = anchor.BlockHash != (types.BlockHash{})
	return s
}

// Run polls until the context is cancelled. Transient parent errors
// double the wait up to RetryDelay; a successful pass restores the
// normal polling interval.
func (s *Syncer) Run(ctx context.Context) error {
	wait := s.cfg.PollingInterval
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if err := s.SyncOnce(ctx); err != nil {
			switch {
			case errors.Is(err, ErrParentReorg):
				syncReorgs.Inc()
				s.log.Warnw("parent_reorg", "err", err)
				wait = s.cfg.PollingInterval
			case errors.Is(err, ErrParentUnreachable):
				syncErrors.Inc()
				wait = wait * 2
				if wait > s.cfg.RetryDelay {
					wait = s.cfg.RetryDelay
				}
				s.log.Warnw("parent_poll_failed", "err", err, "backoff", wait)
			case errors.Is(err, context.Canceled):
				return err
			default:
				syncErrors.Inc()
				s.log.Errorw("parent_sync_error", "err", err)
				wait = s.cfg.RetryDelay
			}
			continue
		}
		wait = s.cfg.PollingInterval
	}
}

// SyncOnce runs one polling pass: skip while the engine catches up,
// then fetch each height from the cache tip to the delayed chain head.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	if s.catchingUp != nil {
		syncing, err := s.catchingUp(ctx)
		if err != nil {
			return err
		}
		if syncing {
			s.log.Debugw("engine_catching_up_skip_parent_sync")
			return nil
		}
	}

	latest, err := s.proxy.LatestHeight(ctx)
	if err != nil {
		return &CannotQueryParentError{Err: err}
	}
	if latest <= s.cfg.ChainHeadDelay {
		return nil
	}
	target := latest - s.cfg.ChainHeadDelay

	from := s.cache.Anchor().Height + 1
	if h, ok := s.cache.LatestHeight(); ok {
		from = h + 1
	}

	for h := from; h <= target; h++ {
		if err := s.fetchAndAppend(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) fetchAndAppend(ctx context.Context, height types.BlockHeight) error {
	header, err := s.proxy.BlockHeader(ctx, height)
	if err != nil {
		return err
	}

	if header == nil {
		// Null round: the cache advances with no hash.
		if err := s.cache.Append(types.ParentView{Height: height}); err != nil {
			return err
		}
		viewsAppended.Inc()
		return nil
	}

	if s.haveHash && header.ParentHash != s.prevHash {
		// The fetched block does not chain from what we saw before:
		// the parent reorged below our confirmation depth. Re-anchor
		// on the committed finality and start over next pass.
		anchor := s.cache.Anchor()
		s.cache.Reset(anchor)
		s.prevHash = anchor.BlockHash
		s.haveHash = anchor.BlockHash != (types.BlockHash{})
		return ErrParentReorg
	}

	msgs, err := s.proxy.MessagesAt(ctx, height)
	if err != nil {
		return err
	}
	changes, err := s.proxy.ValidatorChangesAt(ctx, height)
	if err != nil {
		return err
	}

	view := types.ParentView{
		Height: height,
		Payload: &types.ParentViewPayload{
			BlockHash:        header.Hash,
			CrossMessages:    msgs,
			ValidatorChanges: changes,
		},
	}
	if err := s.cache.Append(view); err != nil {
		return err
	}
	viewsAppended.Inc()
	s.prevHash = header.Hash
	s.haveHash = true

	s.log.Debugw("parent_view_appended", "height", height, "hash", header.Hash.String(), "msgs", len(msgs), "changes", len(changes))
	if s.onNewView != nil {
		s.onNewView(height, header.Hash)
	}
	return nil
}
