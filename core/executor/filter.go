package executor

import (
	"context"
	"errors"
	"fmt"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/getsentry/sentry-go"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

var errUnexpectedRevert = errors.New("bundle simulation reverted without a FailedOp")

const (
	// EntryPoint reserves callGasLimit + verificationGasLimit + 5000 per op
	// before running the inner handleOp
	innerHandleOpOverhead = 5_000
	// estimations tend to round down
	gasLimitPadding = 10_000
)

type failedOp struct {
	info   *model.UserOpInfo
	reason string
}

type filterResult struct {
	gas      uint64
	toBundle []*model.UserOpInfo
	failed   []failedOp
}

func (r *filterResult) allFailedWith(match func(reason string) bool) bool {
	return len(r.toBundle) == 0 && len(r.failed) > 0 &&
		lo.EveryBy(r.failed, func(f failedOp) bool { return match(f.reason) })
}

// filterOps estimates handleOps(ops) sent by from, dropping one op per FailedOp
// revert until the remaining ops estimate cleanly. Dropped ops are reported to
// the reputation tracker. Errors other than errUnexpectedRevert are transient.
func (e *Executor) filterOps(ctx context.Context, from common.Address, ops []*model.UserOpInfo, fees *model.GasPriceParameters, logger sdklogging.Logger) (*filterResult, error) {
	result := &filterResult{toBundle: append([]*model.UserOpInfo(nil), ops...)}

	for len(result.toBundle) > 0 {
		data, err := e.codec.PackHandleOps(userOps(result.toBundle), from)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errUnexpectedRevert, err)
		}

		msg := ethereum.CallMsg{From: from, To: &e.config.EntryPoint, Data: data}
		if e.config.Legacy {
			msg.GasPrice = fees.MaxFeePerGas
		} else {
			msg.GasFeeCap = fees.MaxFeePerGas
			msg.GasTipCap = fees.MaxPriorityFeePerGas
		}

		callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		gas, err := e.client.EstimateGas(callCtx, msg)
		cancel()
		if err == nil {
			result.gas = gas
			return result, nil
		}

		if isFeeCapTooLow(err) {
			logger.Warn("bundle fee cap below base fee", "error", err)
			for _, info := range result.toBundle {
				result.failed = append(result.failed, failedOp{info: info, reason: aa.ReasonFeeCapTooLow})
			}
			result.toBundle = nil
			return result, nil
		}

		failed, ok := aa.ParseFailedOp(err)
		if !ok {
			if _, reverted := aa.RevertData(err); reverted {
				sentry.CaptureException(err)
				return nil, fmt.Errorf("%w: %v", errUnexpectedRevert, err)
			}
			return nil, err
		}
		if failed.OpIndex < 0 || failed.OpIndex >= len(result.toBundle) {
			return nil, fmt.Errorf("%w: op index %d out of range", errUnexpectedRevert, failed.OpIndex)
		}

		info := result.toBundle[failed.OpIndex]
		logger.Warn("user operation failed bundle simulation",
			"userop_hash", info.UserOpHash.Hex(),
			"reason", failed.Reason)

		e.reputation.CrashedHandleOps(info.UserOperation, failed.Reason)
		result.failed = append(result.failed, failedOp{info: info, reason: failed.Reason})
		result.toBundle = append(result.toBundle[:failed.OpIndex:failed.OpIndex], result.toBundle[failed.OpIndex+1:]...)
	}

	return result, nil
}

// bundleGasLimit pads the estimate so the EntryPoint inner call floor is met
func bundleGasLimit(estimated uint64, ops []*model.UserOpInfo) uint64 {
	var floor uint64
	for _, info := range ops {
		op := info.UserOperation
		floor += op.CallGasLimit.Uint64() + op.VerificationGasLimit.Uint64() + innerHandleOpOverhead
	}

	if estimated < floor {
		estimated += floor
	}
	return estimated + gasLimitPadding
}

func userOps(infos []*model.UserOpInfo) []*userop.UserOperation {
	return lo.Map(infos, func(info *model.UserOpInfo, _ int) *userop.UserOperation { return info.UserOperation })
}

func opHashes(infos []*model.UserOpInfo) []string {
	return lo.Map(infos, func(info *model.UserOpInfo, _ int) string { return info.UserOpHash.Hex() })
}
