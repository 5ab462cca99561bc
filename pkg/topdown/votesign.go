package topdown

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/subnetlabs/subnetd/pkg/types"
)

// voteDomain separates vote digests from any other secp256k1 payload
// a validator key might sign.
const voteDomain = "/ipc/vote-record"

// VotePayload is what agreement is defined over: equal payloads are
// the same vote.
type VotePayload struct {
	Height    types.BlockHeight `cbor:"1,keyasint"`
	BlockHash types.BlockHash   `cbor:"2,keyasint"`
	Aux       []byte            `cbor:"3,keyasint,omitempty"`
}

// VoteRecord is a validator's signed observation of a parent block.
type VoteRecord struct {
	SubnetID  types.SubnetID `cbor:"1,keyasint"`
	PublicKey []byte         `cbor:"2,keyasint"`
	Signature []byte         `cbor:"3,keyasint"`
	Payload   VotePayload    `cbor:"4,keyasint"`
	Timestamp uint64         `cbor:"5,keyasint"`
}

type signedVoteBody struct {
	Domain    string         `cbor:"1,keyasint"`
	SubnetID  types.SubnetID `cbor:"2,keyasint"`
	Payload   VotePayload    `cbor:"3,keyasint"`
	Timestamp uint64         `cbor:"4,keyasint"`
}

func voteDigest(subnet types.SubnetID, payload VotePayload, timestamp uint64) ([]byte, error) {
	body, err := types.EncodeCbor(signedVoteBody{
		Domain:    voteDomain,
		SubnetID:  subnet,
		Payload:   payload,
		Timestamp: timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("encode vote body: %w", err)
	}
	return crypto.Keccak256(body), nil
}

// Verify checks the signature and that the recovered key matches the
// record's claimed signer. Returns the signer's address for the power
// table lookup.
func (r VoteRecord) Verify() (common.Address, error) {
	digest, err := voteDigest(r.SubnetID, r.Payload, r.Timestamp)
	if err != nil {
		return common.Address{}, err
	}
	if len(r.Signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(r.Signature))
	}
	recovered, err := crypto.Ecrecover(digest, r.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover vote signer: %w", err)
	}
	if !bytes.Equal(recovered, r.PublicKey) {
		return common.Address{}, fmt.Errorf("recovered key does not match claimed signer")
	}
	pub, err := crypto.UnmarshalPubkey(recovered)
	if err != nil {
		return common.Address{}, fmt.Errorf("unmarshal vote signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VoteSigner produces this validator's vote records.
type VoteSigner struct {
	key    *ecdsa.PrivateKey
	subnet types.SubnetID
}

func NewVoteSigner(key *ecdsa.PrivateKey, subnet types.SubnetID) *VoteSigner {
	return &VoteSigner{key: key, subnet: subnet}
}

func (s *VoteSigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *VoteSigner) Sign(height types.BlockHeight, hash types.BlockHash, timestamp uint64) (VoteRecord, error) {
	payload := VotePayload{Height: height, BlockHash: hash}
	digest, err := voteDigest(s.subnet, payload, timestamp)
	if err != nil {
		return VoteRecord{}, err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return VoteRecord{}, fmt.Errorf("sign vote: %w", err)
	}
	return VoteRecord{
		SubnetID:  s.subnet,
		PublicKey: crypto.FromECDSAPub(&s.key.PublicKey),
		Signature: sig,
		Payload:   payload,
		Timestamp: timestamp,
	}, nil
}
