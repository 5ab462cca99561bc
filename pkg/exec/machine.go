package exec

import (
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/subnetlabs/subnetd/pkg/store"
	"github.com/subnetlabs/subnetd/pkg/types"
)

// State is the in-memory execution state of the block being built.
// It is created from the last committed params and mutated only by
// the driver thread; Commit flushes it to the state store.
type State struct {
	Height    types.BlockHeight
	Timestamp uint64
	Proposer  []byte
	Params    types.FvmStateParams
	Store     store.Blockstore
}

// ApplyRet is the receipt of one message execution. A non-zero code
// is an actor revert: expected, recorded, and the block continues.
type ApplyRet struct {
	Code    uint32
	Data    []byte
	GasUsed uint64
	Info    string
}

const ExitOK uint32 = 0

func (r ApplyRet) Reverted() bool { return r.Code != ExitOK }

// RuntimeFaultError is an unexpected failure inside the execution
// engine. It is fatal: the process aborts and restarts from the last
// committed state root.
type RuntimeFaultError struct {
	Err error
}

func (e *RuntimeFaultError) Error() string { return fmt.Sprintf("runtime fault: %v", e.Err) }

func (e *RuntimeFaultError) Unwrap() error { return e.Err }

// ActorRevertError surfaces a revert where the caller required
// success, e.g. a failed finality commit.
type ActorRevertError struct {
	Code uint32
	Info string
}

func (e *ActorRevertError) Error() string {
	return fmt.Sprintf("actor revert (code=%d): %s", e.Code, e.Info)
}

// Machine is the black-box execution engine hosting the WASM actors.
// ApplyMessage returns a receipt for actor-level outcomes and an error
// only for runtime faults. Flush writes the state tree through the
// blockstore and returns the new state root.
type Machine interface {
	ApplyMessage(st *State, msg FvmMessage, implicit bool) (ApplyRet, error)
	Flush(st *State) (cid.Cid, error)
}
