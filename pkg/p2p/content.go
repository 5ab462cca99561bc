package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"github.com/subnetlabs/subnetd/pkg/store"
	"github.com/subnetlabs/subnetd/pkg/types"
)

// ContentProtocolID is the request/response protocol for fetching
// content-addressed blocks across subnets.
const ContentProtocolID = protocol.ID("/ipc/content/1.0.0")

type ContentConfig struct {
	// RateLimitBytes per RateLimitPeriod each remote peer may consume.
	// Zero disables limiting.
	RateLimitBytes  int64
	RateLimitPeriod time.Duration
	// RequestTimeout bounds a single block fetch.
	RequestTimeout time.Duration
}

const (
	statusOK uint8 = iota
	statusMissing
	statusRateLimited
)

type contentRequest struct {
	Cid string `cbor:"1,keyasint"`
}

type contentResponse struct {
	Status uint8  `cbor:"1,keyasint"`
	Data   []byte `cbor:"2,keyasint,omitempty"`
}

var (
	ErrRateLimited      = errors.New("rate limited by peer")
	ErrBlockMissing     = errors.New("peer does not have the block")
	ErrResolutionFailed = errors.New("content resolution failed")
)

// ContentService serves local blocks to remote peers under the
// per-peer byte budget, and fetches remote blocks for the resolver.
// It serves from the bitswap composite store but its writes only ever
// land in the bit-store.
type ContentService struct {
	h       host.Host
	bs      store.Blockstore
	limiter *RateLimiter
	cfg     ContentConfig
	log     *zap.SugaredLogger
}

func NewContentService(h host.Host, bs store.Blockstore, cfg ContentConfig, log *zap.SugaredLogger) *ContentService {
	c := &ContentService{
		h:       h,
		bs:      bs,
		limiter: NewRateLimiter(cfg.RateLimitBytes, cfg.RateLimitPeriod),
		cfg:     cfg,
		log:     log,
	}
	h.SetStreamHandler(ContentProtocolID, c.handleStream)
	return c
}

func (c *ContentService) handleStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()

	data, err := io.ReadAll(s)
	if err != nil {
		return
	}
	var req contentRequest
	if err := types.DecodeCbor(data, &req); err != nil {
		c.log.Debugw("content_bad_request", "peer", remote.String(), "err", err)
		return
	}
	k, err := cid.Decode(req.Cid)
	if err != nil {
		c.log.Debugw("content_bad_cid", "peer", remote.String(), "err", err)
		return
	}

	block, err := c.bs.Get(k)
	if err != nil {
		// Bit-path store error: resolution fails, the node continues.
		c.log.Warnw("content_store_error", "cid", req.Cid, "err", err)
		c.respond(s, contentResponse{Status: statusMissing})
		return
	}
	if block == nil {
		c.respond(s, contentResponse{Status: statusMissing})
		return
	}
	if !c.limiter.Allow(remote.String(), int64(len(block))) {
		contentRateLimited.Inc()
		c.respond(s, contentResponse{Status: statusRateLimited})
		return
	}
	c.respond(s, contentResponse{Status: statusOK, Data: block})
}

func (c *ContentService) respond(s network.Stream, resp contentResponse) {
	data, err := types.EncodeCbor(resp)
	if err != nil {
		return
	}
	_, _ = s.Write(data)
}

// FetchBlock asks one peer for one block.
func (c *ContentService) FetchBlock(ctx context.Context, p peer.ID, k cid.Cid) ([]byte, error) {
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}
	s, err := c.h.NewStream(ctx, p, ContentProtocolID)
	if err != nil {
		return nil, fmt.Errorf("open content stream to %s: %w", p, err)
	}
	defer s.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}

	req, err := types.EncodeCbor(contentRequest{Cid: k.String()})
	if err != nil {
		return nil, err
	}
	if _, err := s.Write(req); err != nil {
		return nil, fmt.Errorf("send content request: %w", err)
	}
	if err := s.CloseWrite(); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(s)
	if err != nil {
		return nil, fmt.Errorf("read content response: %w", err)
	}
	var resp contentResponse
	if err := types.DecodeCbor(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode content response: %w", err)
	}
	switch resp.Status {
	case statusOK:
		// Refuse blocks whose content does not hash to the CID asked for.
		got, err := store.CidOf(resp.Data)
		if err != nil || !got.Equals(k) {
			return nil, fmt.Errorf("block from %s does not match cid %s", p, k)
		}
		return resp.Data, nil
	case statusRateLimited:
		return nil, ErrRateLimited
	default:
		return nil, ErrBlockMissing
	}
}
