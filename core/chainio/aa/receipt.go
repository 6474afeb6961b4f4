package aa

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/samber/lo"
)

type InclusionStatus string

const (
	TxIncluded InclusionStatus = "included"
	TxReverted InclusionStatus = "reverted"
	TxFailed   InclusionStatus = "failed"
	TxNotFound InclusionStatus = "not_found"
)

type OpInclusion struct {
	Success         bool
	AccountDeployed bool
}

type InclusionResult struct {
	Status          InclusionStatus
	TransactionHash common.Hash
	BlockNumber     *big.Int
	UserOps         map[common.Hash]*OpInclusion
}

type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var (
	userOperationEvent = EntryPointABI.Events["UserOperationEvent"]
	accountDeployed    = EntryPointABI.Events["AccountDeployed"]
)

// TransactionIncluded classifies a bundle transaction from its receipt. A
// receipt lookup error is reported as not found so the caller retries on the
// next block.
func TransactionIncluded(ctx context.Context, client ReceiptFetcher, entryPoint common.Address, txHash common.Hash) *InclusionResult {
	result := &InclusionResult{Status: TxNotFound, TransactionHash: txHash}

	receipt, err := client.TransactionReceipt(ctx, txHash)
	if err != nil || receipt == nil {
		return result
	}

	result.BlockNumber = receipt.BlockNumber
	if receipt.Status != types.ReceiptStatusSuccessful {
		result.Status = TxFailed
		return result
	}

	result.UserOps = ParseUserOpLogs(receipt.Logs, entryPoint)
	if lo.SomeBy(lo.Values(result.UserOps), func(o *OpInclusion) bool { return o.Success }) {
		result.Status = TxIncluded
	} else {
		result.Status = TxReverted
	}
	return result
}

// ParseUserOpLogs collects UserOperationEvent and AccountDeployed logs emitted by entryPoint
func ParseUserOpLogs(logs []*types.Log, entryPoint common.Address) map[common.Hash]*OpInclusion {
	ops := map[common.Hash]*OpInclusion{}
	get := func(h common.Hash) *OpInclusion {
		if _, ok := ops[h]; !ok {
			ops[h] = &OpInclusion{}
		}
		return ops[h]
	}

	for _, l := range logs {
		if l.Address != entryPoint || len(l.Topics) < 2 {
			continue
		}

		switch l.Topics[0] {
		case userOperationEvent.ID:
			values, err := userOperationEvent.Inputs.Unpack(l.Data)
			if err != nil || len(values) < 2 {
				continue
			}
			get(l.Topics[1]).Success = values[1].(bool)
		case accountDeployed.ID:
			get(l.Topics[1]).AccountDeployed = true
		}
	}

	return ops
}
