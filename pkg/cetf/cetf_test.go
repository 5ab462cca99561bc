package cetf

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/subnetlabs/subnetd/pkg/types"
)

func seed(b byte) []byte {
	s := make([]byte, 32)
	s[0] = b
	return s
}

func TestSignVerifyTag(t *testing.T) {
	signer, err := NewSignerFromSeed(seed(1))
	if err != nil {
		t.Fatal(err)
	}
	tag := Tag{0xAA}
	sig, err := signer.SignTag(tag)
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(signer.PublicKey(), tag[:], sig) {
		t.Fatal("signature must verify")
	}
	other := Tag{0xBB}
	if Verify(signer.PublicKey(), other[:], sig) {
		t.Fatal("signature must not verify for another tag")
	}
}

func TestEnableRequiresAllValidatorsEnrolled(t *testing.T) {
	r := NewRegistry()
	valA := common.Address{0xA}
	valB := common.Address{0xB}
	pt := types.PowerTable{Validators: []types.Validator{
		{Addr: valA, Power: 1},
		{Addr: valB, Power: 1},
	}}

	sA, _ := NewSignerFromSeed(seed(1))
	if err := r.AddValidator(valA, sA.PublicKey()); err != nil {
		t.Fatal(err)
	}
	if err := r.Enable(pt); !errors.Is(err, ErrMissingKeys) {
		t.Fatalf("enable with missing keys: %v", err)
	}

	sB, _ := NewSignerFromSeed(seed(2))
	if err := r.AddValidator(valB, sB.PublicKey()); err != nil {
		t.Fatal(err)
	}
	if err := r.Enable(pt); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !r.Enabled() {
		t.Fatal("registry must be enabled")
	}

	// The key set is pinned at the enable height.
	if err := r.AddValidator(common.Address{0xC}, sA.PublicKey()); !errors.Is(err, ErrAlreadyEnabled) {
		t.Fatalf("enrolment after enable: %v", err)
	}
	if err := r.Enable(pt); !errors.Is(err, ErrAlreadyEnabled) {
		t.Fatalf("double enable: %v", err)
	}
}

func TestEnqueueRequiresEnabled(t *testing.T) {
	r := NewRegistry()
	if err := r.EnqueueTag(5, Tag{1}); !errors.Is(err, ErrNotEnabled) {
		t.Fatalf("enqueue while disabled: %v", err)
	}

	if err := r.Enable(types.PowerTable{}); err != nil {
		t.Fatal(err)
	}
	if err := r.EnqueueTag(5, Tag{1}); err != nil {
		t.Fatal(err)
	}
	if err := r.EnqueueTag(5, Tag{2}); err != nil {
		t.Fatal(err)
	}

	tags := r.TagsAt(5)
	if len(tags) != 2 || tags[0] != (Tag{1}) || tags[1] != (Tag{2}) {
		t.Fatalf("tags = %v", tags)
	}

	r.ClearBelow(6)
	if got := r.TagsAt(5); len(got) != 0 {
		t.Fatalf("cleared tags = %v", got)
	}
}

func TestRegistryVerifyTag(t *testing.T) {
	r := NewRegistry()
	val := common.Address{0xA}
	s, _ := NewSignerFromSeed(seed(3))
	_ = r.AddValidator(val, s.PublicKey())

	tag := Tag{0x42}
	sig, err := s.SignTag(tag)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.VerifyTag(val, tag, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := r.VerifyTag(common.Address{0xB}, tag, sig); !errors.Is(err, ErrUnknownSigner) {
		t.Fatalf("unknown signer: %v", err)
	}
}

func TestAggregateSignatures(t *testing.T) {
	tag := Tag{0x77}
	var sigs []BlsSignature
	for i := byte(1); i <= 3; i++ {
		s, err := NewSignerFromSeed(seed(i))
		if err != nil {
			t.Fatal(err)
		}
		sig, err := s.SignTag(tag)
		if err != nil {
			t.Fatal(err)
		}
		sigs = append(sigs, sig)
	}
	agg, err := AggregateSignatures(sigs)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(agg[:], sigs[0][:]) {
		t.Fatal("aggregate must differ from a single signature")
	}
}
