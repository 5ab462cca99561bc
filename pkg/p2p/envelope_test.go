package p2p

import (
	"crypto/rand"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/subnetlabs/subnetd/pkg/topdown"
	"github.com/subnetlabs/subnetd/pkg/types"
)

func newP2PKey(t *testing.T) (p2pcrypto.PrivKey, peer.ID) {
	t.Helper()
	key, _, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(key)
	require.NoError(t, err)
	return key, id
}

func TestProviderRecordRoundtrip(t *testing.T) {
	key, id := newP2PKey(t)
	rec := &ProviderRecord{
		PeerID:    id,
		SubnetIDs: []types.SubnetID{"/root/a", "/root/b"},
		Timestamp: 12345,
	}
	data, err := SealProviderRecord(key, rec)
	require.NoError(t, err)

	got, err := OpenProviderRecord(data)
	require.NoError(t, err)
	require.Equal(t, rec.PeerID, got.PeerID)
	require.Equal(t, rec.SubnetIDs, got.SubnetIDs)
	require.Equal(t, rec.Timestamp, got.Timestamp)
}

func TestProviderRecordRejectsTampering(t *testing.T) {
	key, id := newP2PKey(t)
	data, err := SealProviderRecord(key, &ProviderRecord{PeerID: id, Timestamp: 1})
	require.NoError(t, err)

	data[len(data)-1] ^= 0xFF
	_, err = OpenProviderRecord(data)
	require.Error(t, err, "tampered envelope must not open")
}

func TestProviderRecordRejectsImpersonation(t *testing.T) {
	key, _ := newP2PKey(t)
	_, otherID := newP2PKey(t)

	// Signed with our key but claiming another peer's identity.
	data, err := SealProviderRecord(key, &ProviderRecord{PeerID: otherID, Timestamp: 1})
	require.NoError(t, err)
	_, err = OpenProviderRecord(data)
	require.Error(t, err, "envelope signer must match the record's peer")
}

func TestVoteRecordEnvelopeRoundtrip(t *testing.T) {
	key, _ := newP2PKey(t)
	valKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer := topdown.NewVoteSigner(valKey, "/root/test")
	vote, err := signer.Sign(12, types.BlockHash{0x12}, 99)
	require.NoError(t, err)

	data, err := SealVoteRecord(key, vote)
	require.NoError(t, err)

	got, err := OpenVoteRecord(data)
	require.NoError(t, err)
	require.Equal(t, vote.Payload, got.Payload)
	require.Equal(t, vote.Timestamp, got.Timestamp)

	// The vote inside still verifies under the validator key.
	addr, err := got.Verify()
	require.NoError(t, err)
	require.Equal(t, signer.Address(), addr)
}
