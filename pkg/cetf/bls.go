package cetf

import (
	"fmt"

	bls "github.com/cloudflare/circl/sign/bls"
)

// Keys on G1 (48-byte public keys), signatures on G2 (96 bytes).
type scheme = bls.KeyG1SigG2

const (
	PublicKeySize = 48
	SignatureSize = 96
)

// BlsPublicKey is the compressed G1 public key of a tag signer.
type BlsPublicKey [PublicKeySize]byte

// BlsSignature is the compressed G2 signature over a tag.
type BlsSignature [SignatureSize]byte

// Signer holds a validator's BLS key pair for tag signing.
type Signer struct {
	sk *bls.PrivateKey[scheme]
	pk BlsPublicKey
}

// NewSignerFromSeed derives a key pair from input key material of at
// least 32 bytes.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	sk, err := bls.KeyGen[scheme](seed, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("bls keygen: %w", err)
	}
	raw, err := sk.PublicKey().MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal bls public key: %w", err)
	}
	var pk BlsPublicKey
	if len(raw) != PublicKeySize {
		return nil, fmt.Errorf("unexpected bls public key size %d", len(raw))
	}
	copy(pk[:], raw)
	return &Signer{sk: sk, pk: pk}, nil
}

func (s *Signer) PublicKey() BlsPublicKey { return s.pk }

func (s *Signer) SignTag(tag Tag) (BlsSignature, error) {
	raw := bls.Sign(s.sk, tag[:])
	var sig BlsSignature
	if len(raw) != SignatureSize {
		return sig, fmt.Errorf("unexpected bls signature size %d", len(raw))
	}
	copy(sig[:], raw)
	return sig, nil
}

// Verify checks a signature over a message under a public key.
func Verify(pub BlsPublicKey, msg []byte, sig BlsSignature) bool {
	var pk bls.PublicKey[scheme]
	if err := pk.UnmarshalBinary(pub[:]); err != nil {
		return false
	}
	return bls.Verify(&pk, msg, bls.Signature(sig[:]))
}

// AggregateSignatures combines signatures over the same tag.
func AggregateSignatures(sigs []BlsSignature) (BlsSignature, error) {
	raw := make([]bls.Signature, 0, len(sigs))
	for _, s := range sigs {
		raw = append(raw, bls.Signature(s[:]))
	}
	agg, err := bls.Aggregate(bls.G1{}, raw)
	if err != nil {
		return BlsSignature{}, fmt.Errorf("aggregate bls signatures: %w", err)
	}
	var out BlsSignature
	if len(agg) != SignatureSize {
		return out, fmt.Errorf("unexpected aggregate size %d", len(agg))
	}
	copy(out[:], agg)
	return out, nil
}
