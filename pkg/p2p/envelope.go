package p2p

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/record"

	"github.com/subnetlabs/subnetd/pkg/topdown"
	"github.com/subnetlabs/subnetd/pkg/types"
)

// All gossip payloads travel inside libp2p signed envelopes under one
// domain separator, distinguished by payload type.
const (
	envelopeDomain  = "/ipc/ipld/resolver"
	providerCodec   = "/ipc/provider-record"
	voteRecordCodec = "/ipc/vote-record"
)

// ProviderRecord announces which subnets a peer can serve content
// for. Newer timestamps supersede older records from the same peer.
type ProviderRecord struct {
	PeerID    peer.ID          `cbor:"1,keyasint"`
	SubnetIDs []types.SubnetID `cbor:"2,keyasint"`
	Timestamp uint64           `cbor:"3,keyasint"`
}

type providerPayload struct {
	PeerID    []byte           `cbor:"1,keyasint"`
	SubnetIDs []types.SubnetID `cbor:"2,keyasint"`
	Timestamp uint64           `cbor:"3,keyasint"`
}

func (r *ProviderRecord) Domain() string { return envelopeDomain }

func (r *ProviderRecord) Codec() []byte { return []byte(providerCodec) }

func (r *ProviderRecord) MarshalRecord() ([]byte, error) {
	return types.EncodeCbor(providerPayload{
		PeerID:    []byte(r.PeerID),
		SubnetIDs: r.SubnetIDs,
		Timestamp: r.Timestamp,
	})
}

func (r *ProviderRecord) UnmarshalRecord(data []byte) error {
	var p providerPayload
	if err := types.DecodeCbor(data, &p); err != nil {
		return err
	}
	r.PeerID = peer.ID(p.PeerID)
	r.SubnetIDs = p.SubnetIDs
	r.Timestamp = p.Timestamp
	return nil
}

var _ record.Record = (*ProviderRecord)(nil)

// SealProviderRecord wraps and signs a provider record with the
// node's libp2p key.
func SealProviderRecord(key crypto.PrivKey, rec *ProviderRecord) ([]byte, error) {
	env, err := record.Seal(rec, key)
	if err != nil {
		return nil, fmt.Errorf("seal provider record: %w", err)
	}
	return env.Marshal()
}

// OpenProviderRecord verifies the envelope signature and checks that
// the signing key is the peer the record claims to be about.
func OpenProviderRecord(data []byte) (*ProviderRecord, error) {
	var rec ProviderRecord
	env, err := record.ConsumeTypedEnvelope(data, &rec)
	if err != nil {
		return nil, fmt.Errorf("open provider record: %w", err)
	}
	signer, err := peer.IDFromPublicKey(env.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("signer peer id: %w", err)
	}
	if signer != rec.PeerID {
		return nil, fmt.Errorf("provider record signer %s does not match peer %s", signer, rec.PeerID)
	}
	return &rec, nil
}

// voteEnvelopeRecord carries a validator vote through the same signed
// envelope construction. The envelope authenticates the gossiping
// peer; the vote itself carries the validator signature verified by
// the pool.
type voteEnvelopeRecord struct {
	Vote topdown.VoteRecord
}

func (r *voteEnvelopeRecord) Domain() string { return envelopeDomain }

func (r *voteEnvelopeRecord) Codec() []byte { return []byte(voteRecordCodec) }

func (r *voteEnvelopeRecord) MarshalRecord() ([]byte, error) {
	return types.EncodeCbor(r.Vote)
}

func (r *voteEnvelopeRecord) UnmarshalRecord(data []byte) error {
	return types.DecodeCbor(data, &r.Vote)
}

var _ record.Record = (*voteEnvelopeRecord)(nil)

func SealVoteRecord(key crypto.PrivKey, vote topdown.VoteRecord) ([]byte, error) {
	env, err := record.Seal(&voteEnvelopeRecord{Vote: vote}, key)
	if err != nil {
		return nil, fmt.Errorf("seal vote record: %w", err)
	}
	return env.Marshal()
}

func OpenVoteRecord(data []byte) (topdown.VoteRecord, error) {
	var rec voteEnvelopeRecord
	if _, err := record.ConsumeTypedEnvelope(data, &rec); err != nil {
		return topdown.VoteRecord{}, fmt.Errorf("open vote record: %w", err)
	}
	return rec.Vote, nil
}
