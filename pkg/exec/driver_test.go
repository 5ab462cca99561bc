package exec

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/subnetlabs/subnetd/pkg/abci"
	"github.com/subnetlabs/subnetd/pkg/store"
	"github.com/subnetlabs/subnetd/pkg/topdown"
	"github.com/subnetlabs/subnetd/pkg/types"
)

type quorumStub map[types.BlockHeight]types.BlockHash

func (q quorumStub) QuorumAtHeight(h types.BlockHeight) (types.BlockHash, bool) {
	hash, ok := q[h]
	return hash, ok
}

type testStack struct {
	driver  *Driver
	machine *MemMachine
	cache   *topdown.FinalityCache
}

func newTestStack(t *testing.T, name string, cfg DriverConfig, quorums topdown.QuorumSource) *testStack {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	stateBs := store.NewNamespaceBlockstore(db, store.NsState)
	metadata := store.NewMetadataStore(db, 16)
	machine := NewMemMachine(types.PowerTable{})
	gateway := NewGatewayCaller(machine)

	anchor := types.IPCParentFinality{Height: 10, BlockHash: types.BlockHash{0x10}}
	cache := topdown.NewFinalityCache(100, anchor)
	provider := topdown.ToggleEnabled(topdown.NewCachedFinalityProvider(cache, quorums))

	driver, err := NewDriver(cfg, machine, gateway, provider, metadata, stateBs,
		types.FvmStateParams{ChainID: 1702, NetworkVersion: 21}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	return &testStack{driver: driver, machine: machine, cache: cache}
}

func bh(b byte) types.BlockHash { return types.BlockHash{b} }

// fillCache appends views 11..17 with three cross-messages at 17.
func fillCache(t *testing.T, cache *topdown.FinalityCache, recipients []common.Address) {
	t.Helper()
	for h := types.BlockHeight(11); h <= 16; h++ {
		if err := cache.Append(types.ParentView{Height: h, Payload: &types.ParentViewPayload{BlockHash: bh(byte(h))}}); err != nil {
			t.Fatal(err)
		}
	}
	msgs := []types.CrossMessage{
		{To: recipients[0], Value: 10, Nonce: 0},
		{To: recipients[1], Value: 20, Nonce: 1},
		{To: recipients[2], Value: 30, Nonce: 2},
	}
	if err := cache.Append(types.ParentView{Height: 17, Payload: &types.ParentViewPayload{
		BlockHash:     bh(0x17),
		CrossMessages: msgs,
	}}); err != nil {
		t.Fatal(err)
	}
}

func finalityTx(t *testing.T, height types.BlockHeight, h types.BlockHash) []byte {
	t.Helper()
	enc, err := EncodeChainMessage(&ChainMessage{Ipc: &IpcMessage{
		Kind:     IpcTopDownExec,
		Finality: &types.IPCParentFinality{Height: height, BlockHash: h},
	}})
	if err != nil {
		t.Fatal(err)
	}
	return enc
}

// runBlock drives one full block through the five phases.
func runBlock(t *testing.T, app abci.Application, height int64, txs [][]byte) abci.ResponseCommit {
	t.Helper()
	hdr := abci.Header{Height: height, Timestamp: 1700000000 + height}
	proc, err := app.ProcessProposal(abci.RequestProcessProposal{Header: hdr, Txs: txs})
	if err != nil {
		t.Fatal(err)
	}
	if !proc.Accept {
		t.Fatalf("proposal rejected: %s", proc.Reason)
	}
	for _, tx := range txs {
		if _, err := app.DeliverTx(abci.RequestDeliverTx{Header: hdr, Tx: tx}); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	if _, err := app.EndBlock(abci.RequestEndBlock{Height: height}); err != nil {
		t.Fatal(err)
	}
	commit, err := app.Commit()
	if err != nil {
		t.Fatal(err)
	}
	return commit
}

func TestPrepareInjectsFinalityProposal(t *testing.T) {
	st := newTestStack(t, "a", DriverConfig{}, quorumStub{17: bh(0x17)})
	fillCache(t, st.cache, []common.Address{{1}, {2}, {3}})

	resp, err := st.driver.PrepareProposal(abci.RequestPrepareProposal{
		Header:     abci.Header{Height: 1, Timestamp: 1},
		MaxTxBytes: 1 << 20,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Txs) != 1 {
		t.Fatalf("txs = %d, want 1 injected finality", len(resp.Txs))
	}
	f, ok := isTopDownExec(resp.Txs[0])
	if !ok || f.Height != 17 || f.BlockHash != bh(0x17) {
		t.Fatalf("injected finality = %v %v", f, ok)
	}

	// The same node accepts its own proposal.
	proc, err := st.driver.ProcessProposal(abci.RequestProcessProposal{
		Header: abci.Header{Height: 1, Timestamp: 1},
		Txs:    resp.Txs,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !proc.Accept {
		t.Fatalf("own proposal rejected: %s", proc.Reason)
	}
}

func TestPrepareNoQuorumNoInjection(t *testing.T) {
	st := newTestStack(t, "a", DriverConfig{}, quorumStub{})
	fillCache(t, st.cache, []common.Address{{1}, {2}, {3}})

	resp, err := st.driver.PrepareProposal(abci.RequestPrepareProposal{
		Header:     abci.Header{Height: 1, Timestamp: 1},
		MaxTxBytes: 1 << 20,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Txs) != 0 {
		t.Fatalf("expected empty proposal, got %d txs", len(resp.Txs))
	}
}

func TestProcessRejectsBadProposals(t *testing.T) {
	st := newTestStack(t, "a", DriverConfig{}, quorumStub{})
	fillCache(t, st.cache, []common.Address{{1}, {2}, {3}})
	hdr := abci.Header{Height: 1, Timestamp: 1}

	tests := []struct {
		name string
		txs  [][]byte
	}{
		{"malformed tx", [][]byte{{0xde, 0xad}}},
		{"finality beyond cache", [][]byte{finalityTx(t, 42, bh(0x42))}},
		{"finality wrong hash", [][]byte{finalityTx(t, 17, bh(0xFF))}},
		{"duplicate finality", [][]byte{finalityTx(t, 17, bh(0x17)), finalityTx(t, 17, bh(0x17))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc, err := st.driver.ProcessProposal(abci.RequestProcessProposal{Header: hdr, Txs: tt.txs})
			if err != nil {
				t.Fatal(err)
			}
			if proc.Accept {
				t.Fatal("proposal must be rejected")
			}
		})
	}
}

func TestDeliverFinalityMintsAndApplies(t *testing.T) {
	recipients := []common.Address{{1}, {2}, {3}}
	st := newTestStack(t, "a", DriverConfig{}, quorumStub{17: bh(0x17)})
	fillCache(t, st.cache, recipients)

	tx := finalityTx(t, 17, bh(0x17))
	hdr := abci.Header{Height: 1, Timestamp: 1700000001}
	resp, err := st.driver.DeliverTx(abci.RequestDeliverTx{Header: hdr, Tx: tx})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if resp.Code != ExitOK {
		t.Fatalf("deliver code = %d info=%s", resp.Code, resp.Info)
	}

	// Three receipts, in order, all successful.
	var codes []uint32
	if err := types.DecodeCbor(resp.Data, &codes); err != nil {
		t.Fatal(err)
	}
	if len(codes) != 3 {
		t.Fatalf("receipts = %d, want 3", len(codes))
	}
	for i, c := range codes {
		if c != ExitOK {
			t.Fatalf("receipt %d failed with code %d", i, c)
		}
	}

	// The minted 60 flowed through the gateway to the recipients.
	for i, want := range []uint64{10, 20, 30} {
		if got := st.machine.BalanceOf(recipients[i]); got != want {
			t.Fatalf("recipient %d balance = %d, want %d", i, got, want)
		}
	}
	if got := st.machine.BalanceOf(GatewayAddr); got != 0 {
		t.Fatalf("gateway retains %d after the batch applied", got)
	}

	if _, err := st.driver.EndBlock(abci.RequestEndBlock{Height: 1}); err != nil {
		t.Fatal(err)
	}
	commit, err := st.driver.Commit()
	if err != nil {
		t.Fatal(err)
	}
	if len(commit.AppHash) == 0 {
		t.Fatal("empty app hash")
	}
	// circ_supply grew by the minted amount.
	if got := st.driver.StateParams().CircSupply; got != 60 {
		t.Fatalf("circ supply = %d, want 60", got)
	}
	// The committed finality is now the provider anchor.
	if got := st.cache.Anchor().Height; got != 17 {
		t.Fatalf("anchor = %d, want 17", got)
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	recipients := []common.Address{{1}, {2}, {3}}
	q := quorumStub{17: bh(0x17)}

	commits := make([][]byte, 2)
	for i, name := range []string{"a", "b"} {
		st := newTestStack(t, name, DriverConfig{}, q)
		fillCache(t, st.cache, recipients)
		commit := runBlock(t, st.driver, 1, [][]byte{finalityTx(t, 17, bh(0x17))})
		commits[i] = commit.AppHash
	}
	if !bytes.Equal(commits[0], commits[1]) {
		t.Fatalf("state roots diverge: %x vs %x", commits[0], commits[1])
	}
}

func TestValidatorChangesProducePowerDiff(t *testing.T) {
	st := newTestStack(t, "a", DriverConfig{}, quorumStub{})
	val := common.Address{0xAB}
	power := types.MustEncodeCbor(uint64(5))
	if err := st.cache.Append(types.ParentView{Height: 11, Payload: &types.ParentViewPayload{
		BlockHash: bh(0x11),
		ValidatorChanges: []types.ValidatorChange{
			{Op: types.ValidatorJoin, Validator: val, Payload: power, ConfigurationNumber: 1},
		},
	}}); err != nil {
		t.Fatal(err)
	}

	hdr := abci.Header{Height: 1, Timestamp: 1}
	if _, err := st.driver.DeliverTx(abci.RequestDeliverTx{Header: hdr, Tx: finalityTx(t, 11, bh(0x11))}); err != nil {
		t.Fatal(err)
	}
	end, err := st.driver.EndBlock(abci.RequestEndBlock{Height: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(end.ValidatorUpdates) != 1 {
		t.Fatalf("updates = %d, want 1", len(end.ValidatorUpdates))
	}
	up := end.ValidatorUpdates[0]
	if up.Validator.Addr != val || up.Validator.Power != 5 {
		t.Fatalf("update = %+v", up)
	}
}

func TestHaltHeight(t *testing.T) {
	st := newTestStack(t, "a", DriverConfig{HaltHeight: 1}, quorumStub{})
	hdr := abci.Header{Height: 1, Timestamp: 1}
	if _, err := st.driver.EndBlock(abci.RequestEndBlock{Height: hdr.Height}); err != nil {
		t.Fatal(err)
	}
	_, err := st.driver.Commit()
	if !errors.Is(err, ErrHaltHeight) {
		t.Fatalf("expected halt, got %v", err)
	}
}

func TestCommitPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	open := func() (*Driver, func()) {
		db, err := store.Open(filepath.Join(dir, "db"))
		if err != nil {
			t.Fatal(err)
		}
		stateBs := store.NewNamespaceBlockstore(db, store.NsState)
		metadata := store.NewMetadataStore(db, 16)
		machine := NewMemMachine(types.PowerTable{})
		provider := topdown.ToggleDisabled()
		driver, err := NewDriver(DriverConfig{}, machine, NewGatewayCaller(machine), provider,
			metadata, stateBs, types.FvmStateParams{ChainID: 1}, zap.NewNop().Sugar())
		if err != nil {
			t.Fatal(err)
		}
		return driver, func() { db.Close() }
	}

	driver, closeDB := open()
	runBlock(t, driver, 1, nil)
	if driver.CommittedHeight() != 1 {
		t.Fatalf("committed = %d", driver.CommittedHeight())
	}
	params := driver.StateParams()
	closeDB()

	driver2, closeDB2 := open()
	defer closeDB2()
	if driver2.CommittedHeight() != 1 {
		t.Fatalf("restart lost committed height: %d", driver2.CommittedHeight())
	}
	if !bytes.Equal(driver2.StateParams().StateRoot, params.StateRoot) {
		t.Fatal("restart lost the state root")
	}
}
