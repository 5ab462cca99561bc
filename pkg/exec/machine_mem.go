package exec

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ipfs/go-cid"

	"github.com/subnetlabs/subnetd/pkg/store"
	"github.com/subnetlabs/subnetd/pkg/types"
)

// Revert codes used by the in-memory machine. They mirror the usual
// system exit codes: sender state, insufficient funds, illegal state.
const (
	exitSenderInvalid     uint32 = 2
	exitInsufficientFunds uint32 = 6
	exitIllegalState      uint32 = 16
	exitUnknownMethod     uint32 = 22
)

type gatewayHandler func(st *State, params []byte) (ApplyRet, error)

// MemMachine is a deterministic in-memory execution engine standing in
// for the WASM actor runtime: the same message sequence over the same
// genesis yields the same state root on every validator. It hosts the
// gateway actor behind an explicit method dispatch table.
type MemMachine struct {
	mu       sync.Mutex
	balances map[common.Address]uint64
	nonces   map[common.Address]uint64
	finality *types.IPCParentFinality
	power    types.PowerTable
	handlers map[uint64]gatewayHandler
}

func NewMemMachine(genesisPower types.PowerTable) *MemMachine {
	m := &MemMachine{
		balances: make(map[common.Address]uint64),
		nonces:   make(map[common.Address]uint64),
		power:    genesisPower,
	}
	// The dispatch table is built once at startup; method numbers live
	// in methods.go.
	m.handlers = map[uint64]gatewayHandler{
		MethodCommitParentFinality:    m.commitParentFinality,
		MethodApplyCrossMessage:       m.applyCrossMessage,
		MethodMintToGateway:           m.mintToGateway,
		MethodCurrentPowerTable:       m.currentPowerTable,
		MethodGetLatestParentFinality: m.getLatestParentFinality,
		MethodApplyValidatorChanges:   m.applyValidatorChanges,
	}
	return m
}

func (m *MemMachine) SetBalance(addr common.Address, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[addr] = amount
}

func (m *MemMachine) BalanceOf(addr common.Address) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[addr]
}

func (m *MemMachine) ApplyMessage(st *State, msg FvmMessage, implicit bool) (ApplyRet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.To == GatewayAddr && msg.Method != 0 {
		h, ok := m.handlers[msg.Method]
		if !ok {
			return ApplyRet{Code: exitUnknownMethod, Info: fmt.Sprintf("unknown gateway method %d", msg.Method)}, nil
		}
		return h(st, msg.Params)
	}

	// Plain value transfer.
	if !implicit {
		if m.nonces[msg.From] != msg.Nonce {
			return ApplyRet{Code: exitSenderInvalid, Info: fmt.Sprintf("bad nonce: expected %d got %d", m.nonces[msg.From], msg.Nonce)}, nil
		}
	}
	if m.balances[msg.From] < msg.Value {
		if !implicit {
			m.nonces[msg.From]++
		}
		return ApplyRet{Code: exitInsufficientFunds, Info: "insufficient funds"}, nil
	}
	m.balances[msg.From] -= msg.Value
	m.balances[msg.To] += msg.Value
	if !implicit {
		m.nonces[msg.From]++
	}
	return ApplyRet{Code: ExitOK, GasUsed: 21000 + uint64(len(msg.Params))}, nil
}

func (m *MemMachine) commitParentFinality(_ *State, params []byte) (ApplyRet, error) {
	var f types.IPCParentFinality
	if err := types.DecodeCbor(params, &f); err != nil {
		return ApplyRet{}, fmt.Errorf("decode finality params: %w", err)
	}
	if m.finality != nil && f.Height <= m.finality.Height {
		return ApplyRet{Code: exitIllegalState, Info: "finality height does not advance"}, nil
	}
	prev := m.finality
	cp := f
	m.finality = &cp
	if prev == nil {
		return ApplyRet{Code: ExitOK}, nil
	}
	return ApplyRet{Code: ExitOK, Data: types.MustEncodeCbor(*prev)}, nil
}

func (m *MemMachine) applyCrossMessage(_ *State, params []byte) (ApplyRet, error) {
	var msg types.CrossMessage
	if err := types.DecodeCbor(params, &msg); err != nil {
		return ApplyRet{}, fmt.Errorf("decode cross message params: %w", err)
	}
	if m.balances[GatewayAddr] < msg.Value {
		return ApplyRet{Code: exitInsufficientFunds, Info: "gateway balance below cross-message value"}, nil
	}
	m.balances[GatewayAddr] -= msg.Value
	m.balances[msg.To] += msg.Value
	return ApplyRet{Code: ExitOK, GasUsed: 1000}, nil
}

func (m *MemMachine) mintToGateway(_ *State, params []byte) (ApplyRet, error) {
	var amount uint64
	if err := types.DecodeCbor(params, &amount); err != nil {
		return ApplyRet{}, fmt.Errorf("decode mint params: %w", err)
	}
	m.balances[GatewayAddr] += amount
	return ApplyRet{Code: ExitOK}, nil
}

func (m *MemMachine) currentPowerTable(_ *State, _ []byte) (ApplyRet, error) {
	return ApplyRet{Code: ExitOK, Data: types.MustEncodeCbor(m.power)}, nil
}

func (m *MemMachine) getLatestParentFinality(_ *State, _ []byte) (ApplyRet, error) {
	if m.finality == nil {
		return ApplyRet{Code: ExitOK}, nil
	}
	return ApplyRet{Code: ExitOK, Data: types.MustEncodeCbor(*m.finality)}, nil
}

func (m *MemMachine) applyValidatorChanges(_ *State, params []byte) (ApplyRet, error) {
	var changes []types.ValidatorChange
	if err := types.DecodeCbor(params, &changes); err != nil {
		return ApplyRet{}, fmt.Errorf("decode validator changes: %w", err)
	}
	for _, ch := range changes {
		switch ch.Op {
		case types.ValidatorJoin, types.ValidatorUpdatePower:
			var power uint64
			if err := types.DecodeCbor(ch.Payload, &power); err != nil {
				return ApplyRet{Code: exitIllegalState, Info: "malformed power payload"}, nil
			}
			m.setPower(ch.Validator, power)
		case types.ValidatorLeave:
			m.removeValidator(ch.Validator)
		}
		if ch.ConfigurationNumber > m.power.ConfigurationNumber {
			m.power.ConfigurationNumber = ch.ConfigurationNumber
		}
	}
	return ApplyRet{Code: ExitOK, Data: types.MustEncodeCbor(m.power)}, nil
}

func (m *MemMachine) setPower(addr common.Address, power uint64) {
	for i := range m.power.Validators {
		if m.power.Validators[i].Addr == addr {
			m.power.Validators[i].Power = power
			return
		}
	}
	m.power.Validators = append(m.power.Validators, types.Validator{Addr: addr, Power: power})
}

func (m *MemMachine) removeValidator(addr common.Address) {
	for i := range m.power.Validators {
		if m.power.Validators[i].Addr == addr {
			m.power.Validators = append(m.power.Validators[:i], m.power.Validators[i+1:]...)
			return
		}
	}
}

// memSnapshot is the deterministic serial form of the machine state.
// Maps are flattened into address-sorted slices before encoding.
type memSnapshot struct {
	Balances []addrAmount             `cbor:"1,keyasint"`
	Nonces   []addrAmount             `cbor:"2,keyasint"`
	Finality *types.IPCParentFinality `cbor:"3,keyasint,omitempty"`
	Power    types.PowerTable         `cbor:"4,keyasint"`
	Height   types.BlockHeight        `cbor:"5,keyasint"`
	Supply   uint64                   `cbor:"6,keyasint"`
}

type addrAmount struct {
	Addr   common.Address `cbor:"1,keyasint"`
	Amount uint64         `cbor:"2,keyasint"`
}

func sortedAmounts(m map[common.Address]uint64) []addrAmount {
	out := make([]addrAmount, 0, len(m))
	for a, v := range m {
		out = append(out, addrAmount{Addr: a, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Addr.Cmp(out[j].Addr) < 0
	})
	return out
}

// Flush writes the state snapshot through the blockstore and returns
// its CID as the new state root.
func (m *MemMachine) Flush(st *State) (cid.Cid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := memSnapshot{
		Balances: sortedAmounts(m.balances),
		Nonces:   sortedAmounts(m.nonces),
		Finality: m.finality,
		Power:    m.power,
		Height:   st.Height,
		Supply:   st.Params.CircSupply,
	}
	data, err := types.EncodeCbor(snap)
	if err != nil {
		return cid.Undef, fmt.Errorf("encode state snapshot: %w", err)
	}
	c, err := store.CidOf(data)
	if err != nil {
		return cid.Undef, fmt.Errorf("hash state snapshot: %w", err)
	}
	if err := st.Store.Put(c, data); err != nil {
		return cid.Undef, err
	}
	return c, nil
}

var _ Machine = (*MemMachine)(nil)
