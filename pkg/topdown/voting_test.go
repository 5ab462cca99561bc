package topdown

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/subnetlabs/subnetd/pkg/types"
)

const testSubnet = types.SubnetID("/root/test")

func newSigner(t *testing.T) *VoteSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return NewVoteSigner(key, testSubnet)
}

func powerOf(signers []*VoteSigner, each uint64) types.PowerTable {
	pt := types.PowerTable{}
	for _, s := range signers {
		pt.Validators = append(pt.Validators, types.Validator{Addr: s.Address(), Power: each})
	}
	return pt
}

func TestVoteSignVerifyRoundtrip(t *testing.T) {
	s := newSigner(t)
	rec, err := s.Sign(12, hash(0x12), 1000)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	addr, err := rec.Verify()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if addr != s.Address() {
		t.Fatalf("recovered %s, want %s", addr, s.Address())
	}

	// Any payload tampering breaks verification.
	bad := rec
	bad.Payload.Height = 13
	if _, err := bad.Verify(); err == nil {
		t.Fatal("tampered payload must not verify")
	}

	// Claiming someone else's key breaks verification.
	other := newSigner(t)
	forged, _ := other.Sign(12, hash(0x12), 1000)
	forged.PublicKey = rec.PublicKey
	if _, err := forged.Verify(); err == nil {
		t.Fatal("mismatched claimed signer must not verify")
	}
}

func TestQuorumThreshold(t *testing.T) {
	// Five validators with equal weight: strictly above 2/3 of total
	// power needs four matching votes.
	signers := make([]*VoteSigner, 5)
	for i := range signers {
		signers[i] = newSigner(t)
	}
	pool := NewVotePool(testSubnet, 2, 3)
	pool.SetPowerTable(powerOf(signers, 1))

	vote := func(s *VoteSigner, h types.BlockHash, ts uint64) {
		rec, err := s.Sign(12, h, ts)
		if err != nil {
			t.Fatal(err)
		}
		if err := pool.AddVote(rec); err != nil {
			t.Fatalf("add vote: %v", err)
		}
	}

	vote(signers[0], hash(0x12), 1)
	vote(signers[1], hash(0x12), 1)
	vote(signers[2], hash(0xFF), 1) // disagreeing vote
	if _, ok := pool.QuorumAtHeight(12); ok {
		t.Fatal("2 of 5 is not a quorum")
	}
	vote(signers[3], hash(0x12), 1)
	if _, ok := pool.QuorumAtHeight(12); ok {
		t.Fatal("3 of 5 is not strictly above 2/3")
	}
	vote(signers[4], hash(0x12), 1)
	got, ok := pool.QuorumAtHeight(12)
	if !ok || got != hash(0x12) {
		t.Fatalf("quorum = %v %v, want H12", got, ok)
	}
}

func TestQuorumEqualWeightMajorityExample(t *testing.T) {
	// Three of four equal validators: 3*3 > 2*4, quorum reached
	// exactly when the third matching vote arrives.
	signers := make([]*VoteSigner, 4)
	for i := range signers {
		signers[i] = newSigner(t)
	}
	pool := NewVotePool(testSubnet, 2, 3)
	pool.SetPowerTable(powerOf(signers, 1))

	for i := 0; i < 2; i++ {
		rec, _ := signers[i].Sign(12, hash(0x12), 1)
		if err := pool.AddVote(rec); err != nil {
			t.Fatal(err)
		}
		if _, ok := pool.QuorumAtHeight(12); ok {
			t.Fatalf("quorum after %d votes", i+1)
		}
	}
	rec, _ := signers[2].Sign(12, hash(0x12), 1)
	if err := pool.AddVote(rec); err != nil {
		t.Fatal(err)
	}
	got, ok := pool.QuorumAtHeight(12)
	if !ok || got != hash(0x12) {
		t.Fatalf("quorum = %v %v", got, ok)
	}
}

func TestVotePoolRejectsUnknownValidator(t *testing.T) {
	member := newSigner(t)
	outsider := newSigner(t)
	pool := NewVotePool(testSubnet, 2, 3)
	pool.SetPowerTable(powerOf([]*VoteSigner{member}, 1))

	rec, _ := outsider.Sign(12, hash(0x12), 1)
	if err := pool.AddVote(rec); !errors.Is(err, ErrVoteUnknownValidator) {
		t.Fatalf("expected unknown validator, got %v", err)
	}
}

func TestVotePoolRejectsStaleTimestamp(t *testing.T) {
	s := newSigner(t)
	pool := NewVotePool(testSubnet, 2, 3)
	pool.SetPowerTable(powerOf([]*VoteSigner{s}, 1))

	fresh, _ := s.Sign(12, hash(0x12), 100)
	if err := pool.AddVote(fresh); err != nil {
		t.Fatal(err)
	}
	stale, _ := s.Sign(13, hash(0x13), 99)
	if err := pool.AddVote(stale); !errors.Is(err, ErrVoteStale) {
		t.Fatalf("expected stale, got %v", err)
	}
	// Equal timestamps are not a rollback.
	equal, _ := s.Sign(13, hash(0x13), 100)
	if err := pool.AddVote(equal); err != nil {
		t.Fatalf("equal timestamp: %v", err)
	}
}

func TestVotePoolRejectsWrongSubnet(t *testing.T) {
	key, _ := crypto.GenerateKey()
	s := NewVoteSigner(key, types.SubnetID("/root/other"))
	pool := NewVotePool(testSubnet, 2, 3)

	rec, _ := s.Sign(12, hash(0x12), 1)
	if err := pool.AddVote(rec); !errors.Is(err, ErrVoteWrongSubnet) {
		t.Fatalf("expected wrong subnet, got %v", err)
	}
}

func TestVotePoolRejectsBadSignature(t *testing.T) {
	s := newSigner(t)
	pool := NewVotePool(testSubnet, 2, 3)
	pool.SetPowerTable(powerOf([]*VoteSigner{s}, 1))

	rec, _ := s.Sign(12, hash(0x12), 1)
	rec.Signature[4] ^= 0xFF
	if err := pool.AddVote(rec); !errors.Is(err, ErrVoteSignatureInvalid) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func TestVotePoolPrune(t *testing.T) {
	signers := []*VoteSigner{newSigner(t), newSigner(t)}
	pool := NewVotePool(testSubnet, 2, 3)
	pool.SetPowerTable(powerOf(signers, 1))

	for h := types.BlockHeight(11); h <= 13; h++ {
		for _, s := range signers {
			rec, _ := s.Sign(h, hash(byte(h)), uint64(h))
			if err := pool.AddVote(rec); err != nil {
				t.Fatal(err)
			}
		}
	}
	pool.PruneAtOrBelow(12)
	if pool.Size() != 1 {
		t.Fatalf("size = %d, want 1", pool.Size())
	}
	if _, ok := pool.QuorumAtHeight(12); ok {
		t.Fatal("pruned height must have no quorum")
	}
	if _, ok := pool.QuorumAtHeight(13); !ok {
		t.Fatal("height 13 must survive the prune")
	}
}

func TestQuorumFirstObservedWins(t *testing.T) {
	// With a tiny quorum fraction any weight crosses; two hashes
	// qualify at once and the earlier-observed one must win.
	signers := []*VoteSigner{newSigner(t), newSigner(t)}
	pool := NewVotePool(testSubnet, 1, 100)
	pool.SetPowerTable(powerOf(signers, 1))

	recA, _ := signers[0].Sign(12, hash(0xAA), 1)
	recB, _ := signers[1].Sign(12, hash(0xBB), 1)
	if err := pool.AddVote(recA); err != nil {
		t.Fatal(err)
	}
	if err := pool.AddVote(recB); err != nil {
		t.Fatal(err)
	}
	got, ok := pool.QuorumAtHeight(12)
	if !ok || got != hash(0xAA) {
		t.Fatalf("quorum = %v, want first-observed AA", got)
	}
}
