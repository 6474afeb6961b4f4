package aa

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

type stakeInfo struct {
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

type returnInfo struct {
	PreOpGas         *big.Int
	Prefund          *big.Int
	SigFailed        bool
	ValidAfter       *big.Int
	ValidUntil       *big.Int
	PaymasterContext []byte
}

type aggregatorStakeInfo struct {
	Aggregator common.Address
	StakeInfo  stakeInfo
}

// SimulateValidation runs EntryPoint.simulateValidation for op. The call always
// reverts: ValidationResult on success, FailedOp when validation fails.
func SimulateValidation(ctx context.Context, caller ethereum.ContractCaller, entryPoint common.Address, op *userop.UserOperation) (*model.SimulationResult, error) {
	data, err := EntryPointABI.Pack("simulateValidation", normalize(op))
	if err != nil {
		return nil, err
	}

	_, callErr := caller.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: data}, nil)
	if callErr == nil {
		return nil, fmt.Errorf("simulateValidation did not revert")
	}

	revert, ok := RevertData(callErr)
	if !ok {
		return nil, callErr
	}

	return DecodeSimulationResult(op, revert)
}

// DecodeSimulationResult turns the revert payload of simulateValidation into a SimulationResult
func DecodeSimulationResult(op *userop.UserOperation, revert []byte) (*model.SimulationResult, error) {
	if failed, err := DecodeFailedOp(revert); err == nil {
		return &model.SimulationResult{Valid: false, RevertReason: failed.Reason}, nil
	}

	for _, name := range []string{"ValidationResult", "ValidationResultWithAggregation"} {
		abiErr := EntryPointABI.Errors[name]
		out, err := abiErr.Unpack(revert)
		if err != nil {
			continue
		}
		values := out.([]interface{})

		ret := abi.ConvertType(values[0], new(returnInfo)).(*returnInfo)
		result := &model.SimulationResult{
			Valid:      !ret.SigFailed,
			PreOpGas:   ret.PreOpGas,
			Prefund:    ret.Prefund,
			SenderInfo: toStakeInfo(op.Sender, values[1]),
		}
		if ret.SigFailed {
			result.RevertReason = "AA24 signature error"
		}
		if factory := op.Factory(); factory != (common.Address{}) {
			result.FactoryInfo = toStakeInfo(factory, values[2])
		}
		if paymaster := op.Paymaster(); paymaster != (common.Address{}) {
			result.PaymasterInfo = toStakeInfo(paymaster, values[3])
		}
		if len(values) > 4 {
			agg := abi.ConvertType(values[4], new(aggregatorStakeInfo)).(*aggregatorStakeInfo)
			result.AggregatorInfo = &model.StakeInfo{
				Addr:            agg.Aggregator,
				Stake:           agg.StakeInfo.Stake,
				UnstakeDelaySec: agg.StakeInfo.UnstakeDelaySec,
			}
		}
		return result, nil
	}

	return nil, fmt.Errorf("unknown simulateValidation revert 0x%x", revert)
}

func toStakeInfo(addr common.Address, v interface{}) *model.StakeInfo {
	s := abi.ConvertType(v, new(stakeInfo)).(*stakeInfo)
	return &model.StakeInfo{
		Addr:            addr,
		Stake:           s.Stake,
		UnstakeDelaySec: s.UnstakeDelaySec,
	}
}
