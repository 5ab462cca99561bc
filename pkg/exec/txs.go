package exec

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ipfs/go-cid"

	"github.com/subnetlabs/subnetd/pkg/types"
)

// FvmMessage is the inner execution message, serialized
// deterministically for signing.
type FvmMessage struct {
	From       common.Address `cbor:"1,keyasint"`
	To         common.Address `cbor:"2,keyasint"`
	Nonce      uint64         `cbor:"3,keyasint"`
	Value      uint64         `cbor:"4,keyasint"`
	GasLimit   uint64         `cbor:"5,keyasint"`
	GasFeeCap  uint64         `cbor:"6,keyasint"`
	GasPremium uint64         `cbor:"7,keyasint"`
	Method     uint64         `cbor:"8,keyasint"`
	Params     []byte         `cbor:"9,keyasint,omitempty"`
}

// SignedMessage is a user transaction: an FVM message with a
// secp256k1 signature over its deterministic encoding.
type SignedMessage struct {
	Message   FvmMessage `cbor:"1,keyasint"`
	Signature []byte     `cbor:"2,keyasint"`
}

func (m FvmMessage) SigningDigest() ([]byte, error) {
	enc, err := types.EncodeCbor(m)
	if err != nil {
		return nil, fmt.Errorf("encode message for signing: %w", err)
	}
	return crypto.Keccak256(enc), nil
}

// Verify recovers the signer and checks it equals the message sender.
func (s SignedMessage) Verify() error {
	digest, err := s.Message.SigningDigest()
	if err != nil {
		return err
	}
	if len(s.Signature) != crypto.SignatureLength {
		return fmt.Errorf("invalid signature length: %d", len(s.Signature))
	}
	pub, err := crypto.Ecrecover(digest, s.Signature)
	if err != nil {
		return fmt.Errorf("recover tx signer: %w", err)
	}
	key, err := crypto.UnmarshalPubkey(pub)
	if err != nil {
		return fmt.Errorf("unmarshal tx signer: %w", err)
	}
	if crypto.PubkeyToAddress(*key) != s.Message.From {
		return fmt.Errorf("tx signer does not match sender")
	}
	return nil
}

type IpcKind uint8

const (
	IpcTopDownExec IpcKind = iota + 1
	IpcBottomUpResolve
	IpcBottomUpExec
)

// IpcMessage is a protocol-internal transaction. Only the proposer may
// inject TopDownExec; peers validate it against their own provider.
type IpcMessage struct {
	Kind     IpcKind                  `cbor:"1,keyasint"`
	Finality *types.IPCParentFinality `cbor:"2,keyasint,omitempty"`
	Subnet   types.SubnetID           `cbor:"3,keyasint,omitempty"`
	// Checkpoint is the content id of a bottom-up checkpoint to
	// resolve or execute.
	Checkpoint string `cbor:"4,keyasint,omitempty"`
	Height     uint64 `cbor:"5,keyasint,omitempty"`
}

func (m IpcMessage) CheckpointCid() (cid.Cid, error) {
	return cid.Decode(m.Checkpoint)
}

// ChainMessage is the top-level transaction envelope.
type ChainMessage struct {
	Signed *SignedMessage `cbor:"1,keyasint,omitempty"`
	Ipc    *IpcMessage    `cbor:"2,keyasint,omitempty"`
}

func DecodeChainMessage(data []byte) (*ChainMessage, error) {
	var msg ChainMessage
	if err := types.DecodeCbor(data, &msg); err != nil {
		return nil, fmt.Errorf("decode chain message: %w", err)
	}
	if (msg.Signed == nil) == (msg.Ipc == nil) {
		return nil, fmt.Errorf("chain message must be exactly one of signed or ipc")
	}
	return &msg, nil
}

func EncodeChainMessage(msg *ChainMessage) ([]byte, error) {
	return types.EncodeCbor(msg)
}

// takeUntilMaxBytes packs transactions in first-come order until the
// next one would overflow the budget. No reordering and no skipping
// ahead: predictability over packing efficiency.
func takeUntilMaxBytes(txs [][]byte, maxBytes int64) [][]byte {
	var out [][]byte
	var used int64
	for _, tx := range txs {
		n := int64(len(tx))
		if maxBytes > 0 && used+n > maxBytes {
			break
		}
		out = append(out, tx)
		used += n
	}
	return out
}

// isTopDownExec decodes just enough to recognize a finality injection.
func isTopDownExec(data []byte) (*types.IPCParentFinality, bool) {
	msg, err := DecodeChainMessage(data)
	if err != nil || msg.Ipc == nil || msg.Ipc.Kind != IpcTopDownExec || msg.Ipc.Finality == nil {
		return nil, false
	}
	return msg.Ipc.Finality, true
}

// equalTx is bytewise transaction identity.
func equalTx(a, b []byte) bool { return bytes.Equal(a, b) }
