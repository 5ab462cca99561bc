package exec

import (
	"github.com/ethereum/go-ethereum/common"
)

// GatewayAddr is the ID address of the in-state gateway actor that
// mediates cross-chain value transfer and finality commitment.
var GatewayAddr = common.BytesToAddress([]byte{0x64})

// Gateway actor method numbers. The whole assignment lives in this one
// file so the dispatch table can be audited in one place; the table
// itself is constructed at machine startup.
const (
	MethodCommitParentFinality    uint64 = 1
	MethodApplyCrossMessage       uint64 = 2
	MethodMintToGateway           uint64 = 3
	MethodCurrentPowerTable       uint64 = 4
	MethodGetLatestParentFinality uint64 = 5
	MethodApplyValidatorChanges   uint64 = 6
)
