// Package abci is the boundary between the external BFT consensus
// engine and the application. The engine drives the five callbacks one
// phase at a time; ordering between them is strictly serialized.
package abci

import (
	"github.com/subnetlabs/subnetd/pkg/types"
)

// Header carries the block context every phase may depend on. Phases
// must use nothing else that varies between validators.
type Header struct {
	Height    int64
	Timestamp int64 // unix seconds, from the consensus engine
	Proposer  []byte
}

type RequestPrepareProposal struct {
	Header     Header
	Txs        [][]byte
	MaxTxBytes int64
}

type ResponsePrepareProposal struct {
	Txs [][]byte
}

type RequestProcessProposal struct {
	Header Header
	Txs    [][]byte
}

type ResponseProcessProposal struct {
	Accept bool
	Reason string
}

type RequestDeliverTx struct {
	Header Header
	Tx     []byte
}

// ResponseDeliverTx is the execution receipt of one transaction.
// Code zero is success; non-zero codes are actor-level failures that
// do not abort the block.
type ResponseDeliverTx struct {
	Code    uint32
	Data    []byte
	GasUsed uint64
	Info    string
}

type RequestEndBlock struct {
	Height int64
}

type ValidatorUpdate struct {
	Validator types.Validator
}

type ResponseEndBlock struct {
	ValidatorUpdates []ValidatorUpdate
}

type ResponseCommit struct {
	AppHash []byte
}

// Application is implemented by the execution driver.
type Application interface {
	PrepareProposal(RequestPrepareProposal) (ResponsePrepareProposal, error)
	ProcessProposal(RequestProcessProposal) (ResponseProcessProposal, error)
	DeliverTx(RequestDeliverTx) (ResponseDeliverTx, error)
	EndBlock(RequestEndBlock) (ResponseEndBlock, error)
	Commit() (ResponseCommit, error)
}
