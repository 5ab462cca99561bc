package types

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

type BlockHeight = uint64

// BlockHash identifies a parent-chain block. Equality is bytewise.
type BlockHash [32]byte

func (h BlockHash) String() string { return fmt.Sprintf("%x", h[:]) }

func BlockHashFromBytes(b []byte) (BlockHash, error) {
	var h BlockHash
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid block hash length, expecting %d got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// IPCParentFinality is a parent block the subnet considers final.
// Committed finalities are linearly ordered by height.
type IPCParentFinality struct {
	Height    BlockHeight `cbor:"1,keyasint"`
	BlockHash BlockHash   `cbor:"2,keyasint"`
}

func (f IPCParentFinality) String() string {
	return fmt.Sprintf("IPCParentFinality(height=%d, hash=%s)", f.Height, f.BlockHash)
}

// CrossMessage is a value-bearing message crossing the parent/child boundary.
type CrossMessage struct {
	From    common.Address `cbor:"1,keyasint"`
	To      common.Address `cbor:"2,keyasint"`
	Value   uint64         `cbor:"3,keyasint"`
	Nonce   uint64         `cbor:"4,keyasint"`
	Payload []byte         `cbor:"5,keyasint,omitempty"`
}

// TotalValue sums the value carried by a batch of cross-messages.
// This is the amount minted to the gateway before the batch applies.
func TotalValue(msgs []CrossMessage) uint64 {
	var sum uint64
	for _, m := range msgs {
		sum += m.Value
	}
	return sum
}

type ValidatorChangeOp uint8

const (
	ValidatorJoin ValidatorChangeOp = iota
	ValidatorLeave
	ValidatorUpdatePower
)

// ValidatorChange is a staking event observed on the parent chain.
// The configuration number tags the power-table version it produces.
type ValidatorChange struct {
	Op                  ValidatorChangeOp `cbor:"1,keyasint"`
	Validator           common.Address    `cbor:"2,keyasint"`
	Payload             []byte            `cbor:"3,keyasint,omitempty"`
	ConfigurationNumber uint64            `cbor:"4,keyasint"`
}

// ParentViewPayload is the non-null part of a parent observation.
type ParentViewPayload struct {
	BlockHash        BlockHash
	CrossMessages    []CrossMessage
	ValidatorChanges []ValidatorChange
}

// ParentView is the observation of one parent height. A nil Payload
// records a null round: the height produced no block.
type ParentView struct {
	Height  BlockHeight
	Payload *ParentViewPayload
}

func (v ParentView) IsNull() bool { return v.Payload == nil }

// Validator is one entry of the power table.
type Validator struct {
	Addr  common.Address
	Power uint64
}

// PowerTable maps validators to voting weight under a configuration number.
type PowerTable struct {
	ConfigurationNumber uint64
	Validators          []Validator
}

func (pt *PowerTable) TotalPower() uint64 {
	var total uint64
	for _, v := range pt.Validators {
		total += v.Power
	}
	return total
}

func (pt *PowerTable) PowerOf(addr common.Address) (uint64, bool) {
	for _, v := range pt.Validators {
		if v.Addr == addr {
			return v.Power, true
		}
	}
	return 0, false
}

// FvmStateParams are the per-height root parameters of the execution
// state. They are rewritten on every commit and must be byte-identical
// across validators at equal height.
type FvmStateParams struct {
	StateRoot      []byte `cbor:"1,keyasint"`
	Timestamp      uint64 `cbor:"2,keyasint"`
	NetworkVersion uint32 `cbor:"3,keyasint"`
	BaseFee        uint64 `cbor:"4,keyasint"`
	CircSupply     uint64 `cbor:"5,keyasint"`
	ChainID        uint64 `cbor:"6,keyasint"`
	PowerScale     int8   `cbor:"7,keyasint"`
	AppVersion     uint64 `cbor:"8,keyasint"`
}

// SubnetID is a hierarchical subnet path such as /root/child-a/child-b.
// Equality is byte comparison of the canonical path.
type SubnetID string

const RootSubnet = SubnetID("/root")

func (s SubnetID) String() string { return string(s) }

func (s SubnetID) IsRoot() bool { return s == RootSubnet }

// Parent returns the enclosing subnet, or false at the root.
func (s SubnetID) Parent() (SubnetID, bool) {
	if s.IsRoot() {
		return "", false
	}
	i := strings.LastIndexByte(string(s), '/')
	if i <= 0 {
		return "", false
	}
	return SubnetID(s[:i]), true
}

func ParseSubnetID(raw string) (SubnetID, error) {
	if !strings.HasPrefix(raw, "/root") {
		return "", fmt.Errorf("subnet id must start with /root: %q", raw)
	}
	for _, seg := range strings.Split(strings.TrimPrefix(raw, "/root"), "/") {
		if seg == "" {
			continue
		}
		if strings.ContainsAny(seg, " \t\n") {
			return "", fmt.Errorf("invalid subnet path segment %q", seg)
		}
	}
	return SubnetID(raw), nil
}

// Equal compares parent views including payloads; used by tests.
func (v ParentView) Equal(o ParentView) bool {
	if v.Height != o.Height || v.IsNull() != o.IsNull() {
		return false
	}
	if v.IsNull() {
		return true
	}
	if v.Payload.BlockHash != o.Payload.BlockHash {
		return false
	}
	if len(v.Payload.CrossMessages) != len(o.Payload.CrossMessages) {
		return false
	}
	for i := range v.Payload.CrossMessages {
		a, b := v.Payload.CrossMessages[i], o.Payload.CrossMessages[i]
		if a.From != b.From || a.To != b.To || a.Value != b.Value || a.Nonce != b.Nonce || !bytes.Equal(a.Payload, b.Payload) {
			return false
		}
	}
	return len(v.Payload.ValidatorChanges) == len(o.Payload.ValidatorChanges)
}
