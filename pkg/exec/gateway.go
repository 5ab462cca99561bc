package exec

import (
	"fmt"

	"github.com/subnetlabs/subnetd/pkg/types"
)

// GatewayCaller invokes gateway actor methods deterministically over
// the execution state. Reverts where success is required surface as
// ActorRevertError; engine errors pass through as runtime faults.
type GatewayCaller struct {
	machine Machine
}

func NewGatewayCaller(machine Machine) *GatewayCaller {
	return &GatewayCaller{machine: machine}
}

func (g *GatewayCaller) call(st *State, method uint64, params []byte) (ApplyRet, error) {
	msg := FvmMessage{
		From:   GatewayAddr,
		To:     GatewayAddr,
		Method: method,
		Params: params,
	}
	ret, err := g.machine.ApplyMessage(st, msg, true)
	if err != nil {
		return ApplyRet{}, &RuntimeFaultError{Err: err}
	}
	return ret, nil
}

// CommitParentFinality writes the new finality into the gateway state
// and returns the finality it replaced, or nil on the first commit.
func (g *GatewayCaller) CommitParentFinality(st *State, finality types.IPCParentFinality) (*types.IPCParentFinality, error) {
	ret, err := g.call(st, MethodCommitParentFinality, types.MustEncodeCbor(finality))
	if err != nil {
		return nil, err
	}
	if ret.Reverted() {
		return nil, &ActorRevertError{Code: ret.Code, Info: ret.Info}
	}
	if len(ret.Data) == 0 {
		return nil, nil
	}
	var prev types.IPCParentFinality
	if err := types.DecodeCbor(ret.Data, &prev); err != nil {
		return nil, &RuntimeFaultError{Err: fmt.Errorf("decode previous finality: %w", err)}
	}
	return &prev, nil
}

// MintToGateway credits the gateway balance with the value arriving in
// a cross-message batch, before the messages execute.
func (g *GatewayCaller) MintToGateway(st *State, amount uint64) error {
	ret, err := g.call(st, MethodMintToGateway, types.MustEncodeCbor(amount))
	if err != nil {
		return err
	}
	if ret.Reverted() {
		return &ActorRevertError{Code: ret.Code, Info: ret.Info}
	}
	return nil
}

// ApplyCrossMessages executes the batch in order. A per-message revert
// becomes its receipt and the batch continues; only runtime faults
// abort.
func (g *GatewayCaller) ApplyCrossMessages(st *State, msgs []types.CrossMessage) ([]ApplyRet, error) {
	receipts := make([]ApplyRet, 0, len(msgs))
	for _, m := range msgs {
		ret, err := g.call(st, MethodApplyCrossMessage, types.MustEncodeCbor(m))
		if err != nil {
			return receipts, err
		}
		receipts = append(receipts, ret)
	}
	return receipts, nil
}

// CurrentPowerTable reads the configuration number and validator
// powers from the gateway state.
func (g *GatewayCaller) CurrentPowerTable(st *State) (types.PowerTable, error) {
	ret, err := g.call(st, MethodCurrentPowerTable, nil)
	if err != nil {
		return types.PowerTable{}, err
	}
	if ret.Reverted() {
		return types.PowerTable{}, &ActorRevertError{Code: ret.Code, Info: ret.Info}
	}
	var pt types.PowerTable
	if err := types.DecodeCbor(ret.Data, &pt); err != nil {
		return types.PowerTable{}, &RuntimeFaultError{Err: fmt.Errorf("decode power table: %w", err)}
	}
	return pt, nil
}

// GetLatestParentFinality reads the committed finality, or nil before
// the first commit.
func (g *GatewayCaller) GetLatestParentFinality(st *State) (*types.IPCParentFinality, error) {
	ret, err := g.call(st, MethodGetLatestParentFinality, nil)
	if err != nil {
		return nil, err
	}
	if ret.Reverted() {
		return nil, &ActorRevertError{Code: ret.Code, Info: ret.Info}
	}
	if len(ret.Data) == 0 {
		return nil, nil
	}
	var f types.IPCParentFinality
	if err := types.DecodeCbor(ret.Data, &f); err != nil {
		return nil, &RuntimeFaultError{Err: fmt.Errorf("decode finality: %w", err)}
	}
	return &f, nil
}

// ApplyValidatorChanges folds staking events into the power table and
// returns the table under its new configuration number.
func (g *GatewayCaller) ApplyValidatorChanges(st *State, changes []types.ValidatorChange) (types.PowerTable, error) {
	ret, err := g.call(st, MethodApplyValidatorChanges, types.MustEncodeCbor(changes))
	if err != nil {
		return types.PowerTable{}, err
	}
	if ret.Reverted() {
		return types.PowerTable{}, &ActorRevertError{Code: ret.Code, Info: ret.Info}
	}
	var pt types.PowerTable
	if err := types.DecodeCbor(ret.Data, &pt); err != nil {
		return types.PowerTable{}, &RuntimeFaultError{Err: fmt.Errorf("decode power table: %w", err)}
	}
	return pt, nil
}
