package p2p

import (
	"context"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/subnetlabs/subnetd/pkg/store"
	"github.com/subnetlabs/subnetd/pkg/types"
)

type ResolverConfig struct {
	// MaxPeersPerQuery bounds the providers tried in parallel.
	MaxPeersPerQuery int
	// Timeout is the overall deadline of one resolution, covering the
	// primary attempt and the fallback.
	Timeout time.Duration
}

// Resolver fetches the block graph of a CID from the providers of a
// subnet: the primary set in parallel, then a secondary fallback set.
// Fetched blocks land in the bit-store only.
type Resolver struct {
	h       host.Host
	cache   *ProviderCache
	content *ContentService
	bs      store.Blockstore
	cfg     ResolverConfig
	log     *zap.SugaredLogger
}

func NewResolver(h host.Host, cache *ProviderCache, content *ContentService, bs store.Blockstore, cfg ResolverConfig, log *zap.SugaredLogger) *Resolver {
	if cfg.MaxPeersPerQuery <= 0 {
		cfg.MaxPeersPerQuery = 4
	}
	return &Resolver{h: h, cache: cache, content: content, bs: bs, cfg: cfg, log: log}
}

// Resolve fetches every block reachable from root that the local
// store is missing.
func (r *Resolver) Resolve(ctx context.Context, subnet types.SubnetID, root cid.Cid) error {
	contentResolveRunning.Inc()
	defer contentResolveRunning.Dec()

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	providers := r.cache.ProvidersOf(subnet)
	contentResolvePeers.Observe(float64(len(providers)))
	contentConnectedPeers.Observe(float64(len(r.h.Network().Peers())))
	if len(providers) == 0 {
		contentResolveNoPeers.Inc()
		return fmt.Errorf("%w: no providers for subnet %s", ErrResolutionFailed, subnet)
	}

	primary := providers
	var secondary []peer.ID
	if len(providers) > r.cfg.MaxPeersPerQuery {
		primary = providers[:r.cfg.MaxPeersPerQuery]
		secondary = providers[r.cfg.MaxPeersPerQuery:]
		if len(secondary) > r.cfg.MaxPeersPerQuery {
			secondary = secondary[:r.cfg.MaxPeersPerQuery]
		}
	}

	err := r.resolveWith(ctx, primary, root)
	if err != nil && len(secondary) > 0 && ctx.Err() == nil {
		contentResolveFallback.Inc()
		r.log.Debugw("resolution_fallback", "cid", root.String(), "subnet", subnet.String())
		err = r.resolveWith(ctx, secondary, root)
	}
	if err != nil {
		contentResolveFailure.Inc()
		return err
	}
	contentResolveSuccess.Inc()
	return nil
}

// resolveWith walks the missing-block frontier, fetching each block
// from whichever peer answers first, until the graph is complete.
func (r *Resolver) resolveWith(ctx context.Context, peers []peer.ID, root cid.Cid) error {
	for {
		missing, err := store.MissingBlocks(r.bs, root)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			return nil
		}
		for _, k := range missing {
			data, err := r.fetchAny(ctx, peers, k)
			if err != nil {
				return fmt.Errorf("%w: fetch %s: %v", ErrResolutionFailed, k, err)
			}
			if err := r.bs.Put(k, data); err != nil {
				return err
			}
		}
	}
}

// fetchAny races the peer set for one block; the first success wins.
func (r *Resolver) fetchAny(ctx context.Context, peers []peer.ID, k cid.Cid) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	results := make(chan result, len(peers))
	for _, p := range peers {
		go func(p peer.ID) {
			data, err := r.content.FetchBlock(ctx, p, k)
			results <- result{data: data, err: err}
		}(p)
	}

	var lastErr error
	for range peers {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-results:
			if res.err == nil {
				return res.data, nil
			}
			lastErr = res.err
		}
	}
	return nil, lastErr
}
