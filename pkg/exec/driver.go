package exec

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/subnetlabs/subnetd/pkg/abci"
	"github.com/subnetlabs/subnetd/pkg/store"
	"github.com/subnetlabs/subnetd/pkg/topdown"
	"github.com/subnetlabs/subnetd/pkg/types"
)

// ErrHaltHeight is returned from Commit when the configured halt
// height has been reached; the process exits cleanly with a dedicated
// code.
var ErrHaltHeight = errors.New("halt height reached")

type DriverConfig struct {
	// HaltHeight stops the node after committing this height. Zero
	// disables the halt.
	HaltHeight int64
	// GenesisEpoch is the parent height the subnet was created at; it
	// seeds the finality provider at the first commit.
	GenesisEpoch types.BlockHeight
}

// FinalityCommittedFunc runs after a block carrying a finality commit
// is committed; the coordinator uses it to prune the vote pool.
type FinalityCommittedFunc func(f types.IPCParentFinality)

// ResolveFunc schedules a content resolution outside the consensus
// path.
type ResolveFunc func(subnet types.SubnetID, checkpoint string)

// PowerChangedFunc runs at end-block when the validator power table
// changed; the coordinator feeds it to the vote pool.
type PowerChangedFunc func(pt types.PowerTable)

// Driver is the per-block state transition function behind the five
// consensus callbacks. It runs single-threaded: the engine drives one
// phase at a time and never overlaps them.
type Driver struct {
	cfg      DriverConfig
	machine  Machine
	gateway  *GatewayCaller
	provider *topdown.Toggle
	metadata *store.MetadataStore
	stateBs  store.Blockstore
	log      *zap.SugaredLogger

	params          types.FvmStateParams
	committedHeight types.BlockHeight
	power           types.PowerTable

	st                *State
	deliveredFinality *types.IPCParentFinality
	newPower          *types.PowerTable
	pendingBottomUp   [][]byte

	// contentBs is the read view over resolved content (bit-store
	// first); checkpoint execution checks resolution against it.
	contentBs store.Blockstore

	onFinality FinalityCommittedFunc
	onResolve  ResolveFunc
	onPower    PowerChangedFunc
}

func NewDriver(
	cfg DriverConfig,
	machine Machine,
	gateway *GatewayCaller,
	provider *topdown.Toggle,
	metadata *store.MetadataStore,
	stateBs store.Blockstore,
	genesisParams types.FvmStateParams,
	log *zap.SugaredLogger,
) (*Driver, error) {
	d := &Driver{
		cfg:      cfg,
		machine:  machine,
		gateway:  gateway,
		provider: provider,
		metadata: metadata,
		stateBs:  stateBs,
		params:   genesisParams,
		log:      log,
	}
	// Resume from the last committed state if there is one.
	height, params, ok, err := metadata.LatestStateParams()
	if err != nil {
		return nil, err
	}
	if ok {
		d.params = params
		d.committedHeight = height
		log.Infow("resumed_from_committed_state", "height", height)
	}
	pt, err := gateway.CurrentPowerTable(&State{Params: d.params, Store: stateBs})
	if err != nil {
		return nil, err
	}
	d.power = pt
	return d, nil
}

func (d *Driver) SetFinalityCommittedHook(f FinalityCommittedFunc) { d.onFinality = f }

func (d *Driver) SetResolveHook(f ResolveFunc) { d.onResolve = f }

func (d *Driver) SetPowerChangedHook(f PowerChangedFunc) { d.onPower = f }

// SetContentStore installs the composite store resolved checkpoint
// content is read from.
func (d *Driver) SetContentStore(bs store.Blockstore) { d.contentBs = bs }

// QueueBottomUp enqueues an encoded IPC message for the next proposal
// this node makes.
func (d *Driver) QueueBottomUp(tx []byte) {
	d.pendingBottomUp = append(d.pendingBottomUp, tx)
}

func (d *Driver) CommittedHeight() types.BlockHeight { return d.committedHeight }

// CurrentPower is the power table as of the last end-block.
func (d *Driver) CurrentPower() types.PowerTable { return d.power }

func (d *Driver) StateParams() types.FvmStateParams { return d.params }

// PrepareProposal orders the block this node proposes: at most one
// top-down finality message, then queued bottom-up messages, then
// mempool transactions packed first-come until the byte budget.
func (d *Driver) PrepareProposal(req abci.RequestPrepareProposal) (abci.ResponsePrepareProposal, error) {
	var out [][]byte
	var used int64

	if proposal, ok := d.provider.NextProposal(); ok {
		enc, err := EncodeChainMessage(&ChainMessage{Ipc: &IpcMessage{Kind: IpcTopDownExec, Finality: proposal}})
		if err != nil {
			return abci.ResponsePrepareProposal{}, fmt.Errorf("encode finality proposal: %w", err)
		}
		out = append(out, enc)
		used += int64(len(enc))
		d.log.Infow("proposing_parent_finality", "height", proposal.Height, "hash", proposal.BlockHash.String())
	}

	for _, tx := range d.pendingBottomUp {
		if req.MaxTxBytes > 0 && used+int64(len(tx)) > req.MaxTxBytes {
			break
		}
		out = append(out, tx)
		used += int64(len(tx))
	}
	d.pendingBottomUp = nil

	budget := req.MaxTxBytes - used
	if req.MaxTxBytes <= 0 {
		budget = 0
	}
	if req.MaxTxBytes <= 0 || budget > 0 {
		out = append(out, takeUntilMaxBytes(req.Txs, budget)...)
	}
	return abci.ResponsePrepareProposal{Txs: out}, nil
}

// ProcessProposal verifies a peer's block: well-formed envelopes,
// valid user signatures, and at most one finality injection that the
// local provider agrees with.
func (d *Driver) ProcessProposal(req abci.RequestProcessProposal) (abci.ResponseProcessProposal, error) {
	seenFinality := false
	for _, tx := range req.Txs {
		msg, err := DecodeChainMessage(tx)
		if err != nil {
			return reject(fmt.Sprintf("malformed tx: %v", err)), nil
		}
		switch {
		case msg.Signed != nil:
			if err := msg.Signed.Verify(); err != nil {
				return reject(fmt.Sprintf("invalid tx signature: %v", err)), nil
			}
		case msg.Ipc != nil && msg.Ipc.Kind == IpcTopDownExec:
			if seenFinality {
				return reject("more than one finality proposal"), nil
			}
			seenFinality = true
			if msg.Ipc.Finality == nil {
				return reject("finality proposal without finality"), nil
			}
			if !d.provider.CheckProposal(*msg.Ipc.Finality) {
				d.log.Warnw("rejecting_finality_proposal", "height", msg.Ipc.Finality.Height)
				return reject("finality proposal not in local view"), nil
			}
		}
	}
	return abci.ResponseProcessProposal{Accept: true}, nil
}

func reject(reason string) abci.ResponseProcessProposal {
	return abci.ResponseProcessProposal{Accept: false, Reason: reason}
}

func (d *Driver) beginBlock(h abci.Header) {
	d.st = &State{
		Height:    types.BlockHeight(h.Height),
		Timestamp: uint64(h.Timestamp),
		Proposer:  h.Proposer,
		Params:    d.params,
		Store:     d.stateBs,
	}
	d.deliveredFinality = nil
	d.newPower = nil
}

// DeliverTx executes one transaction against the in-memory block
// state. Actor-level failures become receipts; runtime faults and
// state-path store errors are fatal.
func (d *Driver) DeliverTx(req abci.RequestDeliverTx) (abci.ResponseDeliverTx, error) {
	if d.st == nil || d.st.Height != types.BlockHeight(req.Header.Height) {
		d.beginBlock(req.Header)
	}

	msg, err := DecodeChainMessage(req.Tx)
	if err != nil {
		return abci.ResponseDeliverTx{Code: exitSenderInvalid, Info: err.Error()}, nil
	}

	switch {
	case msg.Signed != nil:
		if err := msg.Signed.Verify(); err != nil {
			return abci.ResponseDeliverTx{Code: exitSenderInvalid, Info: err.Error()}, nil
		}
		ret, err := d.machine.ApplyMessage(d.st, msg.Signed.Message, false)
		if err != nil {
			return abci.ResponseDeliverTx{}, &RuntimeFaultError{Err: err}
		}
		return abci.ResponseDeliverTx{Code: ret.Code, Data: ret.Data, GasUsed: ret.GasUsed, Info: ret.Info}, nil

	case msg.Ipc != nil:
		return d.deliverIpc(msg.Ipc)
	}
	return abci.ResponseDeliverTx{Code: exitSenderInvalid, Info: "empty chain message"}, nil
}

func (d *Driver) deliverIpc(msg *IpcMessage) (abci.ResponseDeliverTx, error) {
	switch msg.Kind {
	case IpcTopDownExec:
		return d.deliverFinality(*msg.Finality)
	case IpcBottomUpResolve:
		if d.onResolve != nil {
			d.onResolve(msg.Subnet, msg.Checkpoint)
		}
		return abci.ResponseDeliverTx{Code: ExitOK, Info: "checkpoint resolution scheduled"}, nil
	case IpcBottomUpExec:
		// The checkpoint content must already be resolved locally.
		c, err := msg.CheckpointCid()
		if err != nil {
			return abci.ResponseDeliverTx{Code: exitIllegalState, Info: "bad checkpoint cid"}, nil
		}
		bs := d.contentBs
		if bs == nil {
			bs = d.stateBs
		}
		ok, err := bs.Has(c)
		if err != nil {
			return abci.ResponseDeliverTx{}, err
		}
		if !ok {
			return abci.ResponseDeliverTx{Code: exitIllegalState, Info: "checkpoint not resolved"}, nil
		}
		return abci.ResponseDeliverTx{Code: ExitOK}, nil
	}
	return abci.ResponseDeliverTx{Code: exitSenderInvalid, Info: "unknown ipc message kind"}, nil
}

// deliverFinality commits the proposal: write it to the gateway,
// mint the incoming value, bump the circulating supply, then apply
// each cross-message in order. Per-message failures are receipts and
// never abort the batch.
func (d *Driver) deliverFinality(f types.IPCParentFinality) (abci.ResponseDeliverTx, error) {
	prev, err := d.gateway.CommitParentFinality(d.st, f)
	if err != nil {
		return abci.ResponseDeliverTx{}, err
	}

	var baseHeight types.BlockHeight
	if prev != nil {
		baseHeight = prev.Height
	} else {
		genesis, err := d.provider.GenesisEpoch()
		if err != nil {
			// First ever commit: the epoch seeds at this commit, so
			// fall back to the provider's anchor.
			if committed, ok := d.provider.LastCommitted(); ok {
				baseHeight = committed.Height
			}
		} else {
			baseHeight = genesis
		}
	}

	msgs := d.provider.TopDownMsgsFrom(baseHeight+1, f.Height)
	if minted := types.TotalValue(msgs); minted > 0 {
		if err := d.gateway.MintToGateway(d.st, minted); err != nil {
			return abci.ResponseDeliverTx{}, err
		}
		d.st.Params.CircSupply += minted
	}

	receipts, err := d.gateway.ApplyCrossMessages(d.st, msgs)
	if err != nil {
		return abci.ResponseDeliverTx{}, err
	}

	if changes := d.provider.ValidatorChangesFrom(baseHeight+1, f.Height); len(changes) > 0 {
		pt, err := d.gateway.ApplyValidatorChanges(d.st, changes)
		if err != nil {
			return abci.ResponseDeliverTx{}, err
		}
		d.newPower = &pt
	}

	if err := d.provider.SetNewFinality(f, prev); err != nil {
		return abci.ResponseDeliverTx{}, fmt.Errorf("advance finality provider: %w", err)
	}
	d.deliveredFinality = &f

	var gasUsed uint64
	for _, r := range receipts {
		gasUsed += r.GasUsed
	}
	d.log.Infow("parent_finality_committed", "height", f.Height, "msgs", len(msgs))
	return abci.ResponseDeliverTx{
		Code:    ExitOK,
		Data:    types.MustEncodeCbor(receiptCodes(receipts)),
		GasUsed: gasUsed,
	}, nil
}

func receiptCodes(receipts []ApplyRet) []uint32 {
	out := make([]uint32, len(receipts))
	for i, r := range receipts {
		out[i] = r.Code
	}
	return out
}

// EndBlock finalizes the block state in memory and reports the
// validator power diff produced by delivered staking changes.
func (d *Driver) EndBlock(req abci.RequestEndBlock) (abci.ResponseEndBlock, error) {
	if d.st == nil {
		// Empty block: still open the state so Commit has something
		// to flush.
		d.beginBlock(abci.Header{Height: req.Height, Timestamp: int64(d.params.Timestamp)})
	}

	var updates []abci.ValidatorUpdate
	if d.newPower != nil {
		updates = diffPower(d.power, *d.newPower)
		d.power = *d.newPower
		if d.onPower != nil {
			d.onPower(d.power)
		}
	}
	return abci.ResponseEndBlock{ValidatorUpdates: updates}, nil
}

func diffPower(old, next types.PowerTable) []abci.ValidatorUpdate {
	var updates []abci.ValidatorUpdate
	for _, v := range next.Validators {
		if w, ok := old.PowerOf(v.Addr); !ok || w != v.Power {
			updates = append(updates, abci.ValidatorUpdate{Validator: v})
		}
	}
	for _, v := range old.Validators {
		if _, ok := next.PowerOf(v.Addr); !ok {
			updates = append(updates, abci.ValidatorUpdate{Validator: types.Validator{Addr: v.Addr, Power: 0}})
		}
	}
	return updates
}

// Commit flushes the block state to the store, persists the new state
// params and block-hash ring entry, and seeds the provider's genesis
// epoch on the very first commit.
func (d *Driver) Commit() (abci.ResponseCommit, error) {
	if d.st == nil {
		return abci.ResponseCommit{}, fmt.Errorf("commit without a block in progress")
	}

	if d.committedHeight == 0 {
		d.provider.SeedGenesisEpoch(d.cfg.GenesisEpoch)
	}

	root, err := d.machine.Flush(d.st)
	if err != nil {
		return abci.ResponseCommit{}, err
	}
	d.st.Params.StateRoot = root.Bytes()
	d.st.Params.Timestamp = d.st.Timestamp

	if err := d.metadata.SaveStateParams(d.st.Height, d.st.Params); err != nil {
		return abci.ResponseCommit{}, err
	}
	appHash := store.Blake2b256(root.Bytes())
	if err := d.metadata.PutBlockHash(d.st.Height, types.BlockHash(appHash)); err != nil {
		return abci.ResponseCommit{}, err
	}
	if d.deliveredFinality != nil {
		if err := d.metadata.SaveCommittedFinality(*d.deliveredFinality); err != nil {
			return abci.ResponseCommit{}, err
		}
		if d.onFinality != nil {
			d.onFinality(*d.deliveredFinality)
		}
	}

	d.params = d.st.Params
	d.committedHeight = d.st.Height
	height := d.st.Height
	d.st = nil

	d.log.Infow("block_committed", "height", height, "state_root", root.String())

	if d.cfg.HaltHeight > 0 && int64(height) >= d.cfg.HaltHeight {
		return abci.ResponseCommit{AppHash: appHash[:]}, ErrHaltHeight
	}
	return abci.ResponseCommit{AppHash: appHash[:]}, nil
}

var _ abci.Application = (*Driver)(nil)
