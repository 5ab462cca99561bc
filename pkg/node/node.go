// Package node wires the execution driver, the top-down finality
// machinery and the p2p service into one coordinator that owns them
// all; the pieces talk to each other only through the narrow hooks
// the coordinator installs.
package node

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"time"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/subnetlabs/subnetd/params"
	"github.com/subnetlabs/subnetd/pkg/abci"
	"github.com/subnetlabs/subnetd/pkg/cetf"
	"github.com/subnetlabs/subnetd/pkg/exec"
	"github.com/subnetlabs/subnetd/pkg/p2p"
	"github.com/subnetlabs/subnetd/pkg/store"
	"github.com/subnetlabs/subnetd/pkg/topdown"
	"github.com/subnetlabs/subnetd/pkg/types"
)

// shutdownGrace bounds the drain of in-flight work at shutdown.
const shutdownGrace = 5 * time.Second

type Options struct {
	Config params.Config
	Logger *zap.SugaredLogger
	DB     *store.DB
	// Machine is the execution engine; the WASM runtime in production,
	// the in-memory machine in tests and dev mode.
	Machine exec.Machine
	// Proxy reads the parent chain; nil when the parent is disabled.
	Proxy topdown.ParentProxy
	// CatchingUp asks the local consensus engine whether it is still
	// replaying blocks from peers.
	CatchingUp topdown.CatchingUpFunc
	// ValidatorKey signs parent finality votes; nil for a full node.
	ValidatorKey *ecdsa.PrivateKey
	// P2PKey is the libp2p identity.
	P2PKey p2pcrypto.PrivKey
	// GenesisParams seed the state when there is no committed state.
	GenesisParams types.FvmStateParams
}

// Node owns every long-running component of the subnet node.
type Node struct {
	cfg      params.Config
	log      *zap.SugaredLogger
	subnet   types.SubnetID
	driver   *exec.Driver
	cache    *topdown.FinalityCache
	pool     *topdown.VotePool
	provider *topdown.Toggle
	syncer   *topdown.Syncer
	svc      *p2p.Service
	signer   *topdown.VoteSigner
	tags     *cetf.Registry
}

func New(ctx context.Context, opts Options) (*Node, error) {
	cfg := opts.Config
	log := opts.Logger

	subnet, err := types.ParseSubnetID(cfg.Node.Subnet)
	if err != nil {
		return nil, err
	}

	stateBs := store.NewNamespaceBlockstore(opts.DB, store.NsState)
	bitBs := store.NewNamespaceBlockstore(opts.DB, store.NsBit)
	bitswapBs := store.NewBitswapBlockstore(stateBs, bitBs)
	metadata := store.NewMetadataStore(opts.DB, cfg.Exec.BlockLookbackLen)

	// Anchor the cache on the committed finality if there is one,
	// otherwise on the genesis epoch.
	anchor := types.IPCParentFinality{Height: cfg.Parent.GenesisEpoch}
	if committed, ok, err := metadata.CommittedFinality(); err != nil {
		return nil, err
	} else if ok {
		anchor = committed
	}

	cache := topdown.NewFinalityCache(cfg.Cache.MaxBlocks, anchor)
	pool := topdown.NewVotePool(subnet, cfg.Votes.QuorumNum, cfg.Votes.QuorumDen)

	provider := topdown.ToggleDisabled()
	if cfg.Parent.Enabled && !subnet.IsRoot() {
		provider = topdown.ToggleEnabled(topdown.NewCachedFinalityProvider(cache, pool))
	}

	gateway := exec.NewGatewayCaller(opts.Machine)
	driver, err := exec.NewDriver(
		exec.DriverConfig{HaltHeight: cfg.Exec.HaltHeight, GenesisEpoch: cfg.Parent.GenesisEpoch},
		opts.Machine, gateway, provider, metadata, stateBs, opts.GenesisParams, log,
	)
	if err != nil {
		return nil, fmt.Errorf("construct driver: %w", err)
	}
	pool.SetPowerTable(driver.CurrentPower())
	driver.SetContentStore(bitswapBs)

	staticSubnets := make([]types.SubnetID, 0, len(cfg.P2P.Membership.StaticSubnets))
	for _, raw := range cfg.P2P.Membership.StaticSubnets {
		s, err := types.ParseSubnetID(raw)
		if err != nil {
			return nil, fmt.Errorf("static subnet: %w", err)
		}
		staticSubnets = append(staticSubnets, s)
	}

	svc, err := p2p.NewService(ctx, p2p.Config{
		ListenAddr:        cfg.P2P.ListenAddr,
		ExternalAddresses: cfg.P2P.ExternalAddresses,
		MaxIncoming:       cfg.P2P.MaxIncoming,
		NetworkName:       cfg.Node.NetworkName,
		OwnSubnet:         subnet,
		Membership: p2p.MembershipConfig{
			StaticSubnets:         staticSubnets,
			MaxSubnets:            cfg.P2P.Membership.MaxSubnets,
			PublishInterval:       cfg.P2P.Membership.PublishInterval,
			MinTimeBetweenPublish: cfg.P2P.Membership.MinTimeBetweenPublish,
			MaxProviderAge:        cfg.P2P.Membership.MaxProviderAge,
		},
		Content: p2p.ContentConfig{
			RateLimitBytes:  cfg.P2P.Content.RateLimitBytes,
			RateLimitPeriod: cfg.P2P.Content.RateLimitPeriod,
			RequestTimeout:  cfg.P2P.Content.RequestTimeout,
		},
		Discovery: p2p.DiscoveryConfig{
			StaticAddresses:   cfg.P2P.StaticAddresses,
			TargetConnections: cfg.P2P.TargetConnections,
			EnableKademlia:    cfg.P2P.EnableKademlia,
		},
		Resolver: p2p.ResolverConfig{
			MaxPeersPerQuery: cfg.P2P.MaxPeersPerQuery,
			Timeout:          cfg.P2P.ResolveTimeout,
		},
	}, opts.P2PKey, bitswapBs, log)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		log:      log,
		subnet:   subnet,
		driver:   driver,
		cache:    cache,
		pool:     pool,
		provider: provider,
		svc:      svc,
		tags:     cetf.NewRegistry(),
	}
	if opts.ValidatorKey != nil {
		n.signer = topdown.NewVoteSigner(opts.ValidatorKey, subnet)
	}

	// Wiring: gossip votes feed the pool; committed finalities prune
	// it; power changes re-weight it; checkpoint resolutions leave the
	// consensus path immediately.
	svc.SetVoteHandler(func(v topdown.VoteRecord) {
		if err := pool.AddVote(v); err != nil {
			log.Debugw("gossip_vote_rejected", "err", err)
		}
	})
	driver.SetFinalityCommittedHook(func(f types.IPCParentFinality) {
		pool.PruneAtOrBelow(f.Height)
		n.tags.ClearBelow(f.Height)
	})
	driver.SetPowerChangedHook(pool.SetPowerTable)
	driver.SetResolveHook(func(sub types.SubnetID, checkpoint string) {
		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), cfg.P2P.ResolveTimeout)
			defer cancel()
			if err := svc.Resolve(rctx, sub, checkpoint); err != nil {
				log.Warnw("checkpoint_resolution_failed", "cid", checkpoint, "err", err)
			}
		}()
	})

	if provider.IsEnabled() {
		if opts.Proxy == nil {
			return nil, fmt.Errorf("parent finality enabled but no parent proxy configured")
		}
		n.syncer = topdown.NewSyncer(opts.Proxy, cache, topdown.SyncerConfig{
			ChainHeadDelay:  cfg.Parent.ChainHeadDelay,
			PollingInterval: cfg.Parent.PollingInterval,
			RetryDelay:      cfg.Parent.RetryDelay,
		}, opts.CatchingUp, n.onNewParentView, log)
	}

	return n, nil
}

// onNewParentView votes on every fresh non-null parent block: the
// vote goes into the local pool and out on the gossip topic.
func (n *Node) onNewParentView(height types.BlockHeight, hash types.BlockHash) {
	if n.signer == nil {
		return
	}
	rec, err := n.signer.Sign(height, hash, uint64(time.Now().Unix()))
	if err != nil {
		n.log.Errorw("sign_vote_failed", "height", height, "err", err)
		return
	}
	if err := n.pool.AddVote(rec); err != nil {
		n.log.Debugw("own_vote_rejected", "height", height, "err", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.svc.PublishVote(ctx, rec); err != nil {
		n.log.Warnw("publish_vote_failed", "height", height, "err", err)
	}
}

// App is the application handle handed to the consensus engine.
func (n *Node) App() abci.Application { return n.driver }

// CommittedHeight is the last committed child-chain height.
func (n *Node) CommittedHeight() types.BlockHeight { return n.driver.CommittedHeight() }

func (n *Node) Pool() *topdown.VotePool { return n.pool }

func (n *Node) Tags() *cetf.Registry { return n.tags }

func (n *Node) P2P() *p2p.Service { return n.svc }

// Run drives the background services until the context is cancelled,
// then drains them within the grace period.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.svc.Run(gctx) })
	if n.syncer != nil {
		g.Go(func() error { return n.syncer.Run(gctx) })
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		_ = n.svc.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		n.log.Warnw("shutdown_grace_exceeded")
	}

	if err != nil && ctx.Err() != nil {
		// Normal cancellation, not a failure.
		return nil
	}
	return err
}
