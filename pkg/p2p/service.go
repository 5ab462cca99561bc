package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/subnetlabs/subnetd/pkg/store"
	"github.com/subnetlabs/subnetd/pkg/topdown"
	"github.com/subnetlabs/subnetd/pkg/types"
)

type Config struct {
	// ListenAddr is the multiaddr we accept connections on.
	ListenAddr string
	// ExternalAddresses are addresses this node is reachable on.
	ExternalAddresses []string
	// MaxIncoming caps inbound connections.
	MaxIncoming int
	// NetworkName differentiates this peer group's gossip topics.
	NetworkName string
	// OwnSubnet is the subnet this node validates; its votes flow on
	// this subnet's topic and its provider record lists it.
	OwnSubnet types.SubnetID

	Membership MembershipConfig
	Content    ContentConfig
	Discovery  DiscoveryConfig
	Resolver   ResolverConfig
}

// VoteHandler receives verified-envelope votes from the gossip topic.
type VoteHandler func(vote topdown.VoteRecord)

// Service is the p2p behaviour bundle: ping/identify liveness,
// discovery, subnet-membership gossip and rate-limited content
// exchange, all on one cooperative event loop per concern.
type Service struct {
	cfg       Config
	h         host.Host
	key       crypto.PrivKey
	ps        *pubsub.PubSub
	pinger    *ping.PingService
	cache     *ProviderCache
	content   *ContentService
	resolver  *Resolver
	discovery *Discovery
	log       *zap.SugaredLogger

	topicMembership *pubsub.Topic
	subMembership   *pubsub.Subscription
	topicVotes      *pubsub.Topic
	subVotes        *pubsub.Subscription

	muVote      sync.RWMutex
	voteHandler VoteHandler

	publishCh   chan struct{}
	muPub       sync.Mutex
	lastPublish time.Time
}

func NewService(ctx context.Context, cfg Config, key crypto.PrivKey, bitswapStore store.Blockstore, log *zap.SugaredLogger) (*Service, error) {
	opts := []libp2p.Option{libp2p.Identity(key)}
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("parse listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	if len(cfg.ExternalAddresses) > 0 {
		ext := make([]ma.Multiaddr, 0, len(cfg.ExternalAddresses))
		for _, raw := range cfg.ExternalAddresses {
			maddr, err := ma.NewMultiaddr(raw)
			if err != nil {
				return nil, fmt.Errorf("parse external addr: %w", err)
			}
			ext = append(ext, maddr)
		}
		opts = append(opts, libp2p.AddrsFactory(func([]ma.Multiaddr) []ma.Multiaddr { return ext }))
	}
	if cfg.MaxIncoming > 0 {
		mgr, err := connmgr.NewConnManager(cfg.Discovery.TargetConnections, cfg.MaxIncoming)
		if err != nil {
			return nil, fmt.Errorf("connection manager: %w", err)
		}
		opts = append(opts, libp2p.ConnectionManager(mgr))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("construct libp2p host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("construct gossipsub: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		h:         h,
		key:       key,
		ps:        ps,
		pinger:    ping.NewPingService(h),
		cache:     NewProviderCache(cfg.Membership),
		log:       log,
		publishCh: make(chan struct{}, 1),
	}
	s.content = NewContentService(h, bitswapStore, cfg.Content, log)
	s.resolver = NewResolver(h, s.cache, s.content, bitswapStore, cfg.Resolver, log)
	s.discovery, err = NewDiscovery(ctx, h, cfg.Discovery, log)
	if err != nil {
		return nil, err
	}
	if err := s.joinTopics(); err != nil {
		return nil, err
	}

	// Opportunistic re-publish when a new peer shows up, bounded below
	// by MinTimeBetweenPublish.
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(network.Network, network.Conn) {
			select {
			case s.publishCh <- struct{}{}:
			default:
			}
		},
	})

	log.Infow("p2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return s, nil
}

func membershipTopicName(network string) string { return "/ipc/membership/" + network }

func votesTopicName(network string, subnet types.SubnetID) string {
	return "/ipc/votes/" + network + subnet.String()
}

func (s *Service) joinTopics() error {
	var err error
	if s.topicMembership, err = s.ps.Join(membershipTopicName(s.cfg.NetworkName)); err != nil {
		return fmt.Errorf("join membership topic: %w", err)
	}
	if s.subMembership, err = s.topicMembership.Subscribe(); err != nil {
		return err
	}
	if s.topicVotes, err = s.ps.Join(votesTopicName(s.cfg.NetworkName, s.cfg.OwnSubnet)); err != nil {
		return fmt.Errorf("join votes topic: %w", err)
	}
	if s.subVotes, err = s.topicVotes.Subscribe(); err != nil {
		return err
	}
	return nil
}

func (s *Service) Host() host.Host { return s.h }

func (s *Service) Providers() *ProviderCache { return s.cache }

func (s *Service) SetVoteHandler(h VoteHandler) {
	s.muVote.Lock()
	s.voteHandler = h
	s.muVote.Unlock()
}

// Resolve fetches a content graph from providers of the given subnet.
func (s *Service) Resolve(ctx context.Context, subnet types.SubnetID, c string) error {
	root, err := cid.Decode(c)
	if err != nil {
		return fmt.Errorf("parse cid %q: %w", c, err)
	}
	return s.resolver.Resolve(ctx, subnet, root)
}

// PublishVote gossips this validator's signed vote on the subnet topic.
func (s *Service) PublishVote(ctx context.Context, vote topdown.VoteRecord) error {
	data, err := SealVoteRecord(s.key, vote)
	if err != nil {
		return err
	}
	return s.topicVotes.Publish(ctx, data)
}

// Run drives the gossip loops, discovery and liveness probes until
// the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.handleMembership(ctx) })
	g.Go(func() error { return s.handleVotes(ctx) })
	g.Go(func() error { return s.publishLoop(ctx) })
	g.Go(func() error { return s.discovery.Run(ctx) })
	g.Go(func() error { return s.pingLoop(ctx) })
	g.Go(func() error { return s.identifyLoop(ctx) })
	return g.Wait()
}

func (s *Service) Close() error { return s.h.Close() }

func (s *Service) handleMembership(ctx context.Context) error {
	for {
		msg, err := s.subMembership.Next(ctx)
		if err != nil {
			return err
		}
		if msg.ReceivedFrom == s.h.ID() {
			continue
		}
		rec, err := OpenProviderRecord(msg.Data)
		if err != nil {
			membershipInvalidMessage.Inc()
			s.log.Debugw("invalid_provider_record", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		valid := rec.SubnetIDs[:0]
		for _, sub := range rec.SubnetIDs {
			if _, err := types.ParseSubnetID(sub.String()); err != nil {
				membershipUnknownTopic.Inc()
				continue
			}
			valid = append(valid, sub)
		}
		rec.SubnetIDs = valid
		if s.cache.Add(*rec) {
			s.log.Debugw("provider_record_added", "peer", rec.PeerID.String(), "subnets", len(rec.SubnetIDs))
		}
	}
}

func (s *Service) handleVotes(ctx context.Context) error {
	for {
		msg, err := s.subVotes.Next(ctx)
		if err != nil {
			return err
		}
		if msg.ReceivedFrom == s.h.ID() {
			continue
		}
		vote, err := OpenVoteRecord(msg.Data)
		if err != nil {
			membershipInvalidMessage.Inc()
			continue
		}
		if vote.SubnetID != s.cfg.OwnSubnet {
			membershipUnknownTopic.Inc()
			continue
		}
		s.muVote.RLock()
		h := s.voteHandler
		s.muVote.RUnlock()
		if h != nil {
			h(vote)
		}
	}
}

// publishLoop re-announces our provider record at the configured
// interval and opportunistically when new peers connect.
func (s *Service) publishLoop(ctx context.Context) error {
	interval := s.cfg.Membership.PublishInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.publishOwnRecord(ctx, true)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.publishOwnRecord(ctx, true)
		case <-s.publishCh:
			s.publishOwnRecord(ctx, false)
		}
	}
}

func (s *Service) publishOwnRecord(ctx context.Context, force bool) {
	s.muPub.Lock()
	if !force && time.Since(s.lastPublish) < s.cfg.Membership.MinTimeBetweenPublish {
		s.muPub.Unlock()
		return
	}
	s.lastPublish = time.Now()
	s.muPub.Unlock()

	subnets := append([]types.SubnetID{s.cfg.OwnSubnet}, s.cfg.Membership.StaticSubnets...)
	rec := &ProviderRecord{
		PeerID:    s.h.ID(),
		SubnetIDs: dedupSubnets(subnets),
		Timestamp: uint64(time.Now().Unix()),
	}
	data, err := SealProviderRecord(s.key, rec)
	if err != nil {
		membershipPublishFailure.Inc()
		s.log.Warnw("seal_provider_record_failed", "err", err)
		return
	}
	if err := s.topicMembership.Publish(ctx, data); err != nil {
		membershipPublishFailure.Inc()
		s.log.Warnw("publish_provider_record_failed", "err", err)
		return
	}
	membershipPublishSuccess.Inc()
}

func dedupSubnets(in []types.SubnetID) []types.SubnetID {
	seen := make(map[types.SubnetID]struct{}, len(in))
	var out []types.SubnetID
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// pingLoop samples roundtrip times to connected peers.
func (s *Service) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		peers := s.h.Network().Peers()
		if len(peers) > 8 {
			peers = peers[:8]
		}
		for _, p := range peers {
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			select {
			case res := <-s.pinger.Ping(pctx, p):
				if res.Error != nil {
					pingFailure.Inc()
				} else {
					pingSuccess.Inc()
					pingRTT.Observe(res.RTT.Seconds())
				}
			case <-pctx.Done():
				pingFailure.Inc()
			}
			cancel()
		}
	}
}

// identifyLoop counts identify exchanges off the host event bus.
func (s *Service) identifyLoop(ctx context.Context) error {
	sub, err := s.h.EventBus().Subscribe(new(event.EvtPeerIdentificationCompleted))
	if err != nil {
		return err
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-sub.Out():
			if !ok {
				return nil
			}
			identifyReceived.Inc()
		}
	}
}
