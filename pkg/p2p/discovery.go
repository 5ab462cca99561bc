package p2p

import (
	"context"
	"fmt"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

type DiscoveryConfig struct {
	// StaticAddresses are bootstrap or reserved nodes that never
	// expire; each must end with a /p2p/<peer-id> part.
	StaticAddresses []string
	// TargetConnections pauses background lookups once reached.
	TargetConnections int
	// EnableKademlia can be turned off for fixed static networks.
	EnableKademlia bool
}

// Discovery keeps the peer set topped up from a static bootstrap list
// and, optionally, the Kademlia DHT.
type Discovery struct {
	h      host.Host
	dht    *dht.IpfsDHT
	static []peer.AddrInfo
	cfg    DiscoveryConfig
	log    *zap.SugaredLogger
}

func NewDiscovery(ctx context.Context, h host.Host, cfg DiscoveryConfig, log *zap.SugaredLogger) (*Discovery, error) {
	static, err := parseStaticAddrs(cfg.StaticAddresses)
	if err != nil {
		return nil, err
	}
	d := &Discovery{h: h, static: static, cfg: cfg, log: log}

	if cfg.EnableKademlia {
		kad, err := dht.New(ctx, h, dht.Mode(dht.ModeServer), dht.BootstrapPeers(static...))
		if err != nil {
			return nil, fmt.Errorf("construct kademlia: %w", err)
		}
		if err := kad.Bootstrap(ctx); err != nil {
			return nil, fmt.Errorf("bootstrap kademlia: %w", err)
		}
		d.dht = kad
	}
	return d, nil
}

func parseStaticAddrs(addrs []string) ([]peer.AddrInfo, error) {
	var out []peer.AddrInfo
	for _, raw := range addrs {
		m, err := ma.NewMultiaddr(raw)
		if err != nil {
			return nil, fmt.Errorf("parse static address %q: %w", raw, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(m)
		if err != nil {
			return nil, fmt.Errorf("static address %q needs a /p2p/ part: %w", raw, err)
		}
		out = append(out, *info)
	}
	return out, nil
}

// Run reconnects static peers and triggers DHT lookups while the
// connection count is below target. Lookup failures only affect
// metrics; they never surface to the consensus path.
func (d *Discovery) Run(ctx context.Context) error {
	d.connectStatic(ctx)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		connected := len(d.h.Network().Peers())
		discoveryConnectedPeers.Set(float64(connected))
		if connected >= d.cfg.TargetConnections {
			continue
		}
		d.connectStatic(ctx)
		if d.dht != nil {
			discoveryBackgroundLookup.Inc()
			errCh := d.dht.RefreshRoutingTable()
			go func() {
				if err := <-errCh; err != nil {
					d.log.Debugw("dht_refresh_failed", "err", err)
				}
			}()
		}
	}
}

func (d *Discovery) connectStatic(ctx context.Context) {
	for _, info := range d.static {
		if d.h.Network().Connectedness(info.ID) == network.Connected {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := d.h.Connect(cctx, info); err != nil {
			d.log.Debugw("static_connect_failed", "peer", info.ID.String(), "err", err)
		}
		cancel()
	}
}
