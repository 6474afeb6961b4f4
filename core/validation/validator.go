package validation

import (
	"context"
	"fmt"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// Validator simulates an op before admission
type Validator interface {
	Simulate(ctx context.Context, op *userop.UserOperation) (*model.SimulationResult, error)
}

// EntryPointValidator runs simulateValidation against the EntryPoint through eth_call
type EntryPointValidator struct {
	caller     ethereum.ContractCaller
	entryPoint common.Address
	timeout    time.Duration
	logger     sdklogging.Logger
}

func NewEntryPointValidator(caller ethereum.ContractCaller, entryPoint common.Address, timeout time.Duration, logger sdklogging.Logger) *EntryPointValidator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EntryPointValidator{
		caller:     caller,
		entryPoint: entryPoint,
		timeout:    timeout,
		logger:     logger,
	}
}

func (v *EntryPointValidator) Simulate(ctx context.Context, op *userop.UserOperation) (*model.SimulationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	result, err := aa.SimulateValidation(ctx, v.caller, v.entryPoint, op)
	if err != nil {
		return nil, fmt.Errorf("simulateValidation of %s: %w", op.Sender.Hex(), err)
	}
	if !result.Valid {
		v.logger.Debug("user operation failed validation", "sender", op.Sender.Hex(), "reason", result.RevertReason)
	}
	return result, nil
}

// NoopValidator accepts every op. Stake infos only carry the entity addresses.
type NoopValidator struct{}

func (NoopValidator) Simulate(_ context.Context, op *userop.UserOperation) (*model.SimulationResult, error) {
	result := &model.SimulationResult{
		Valid:      true,
		SenderInfo: &model.StakeInfo{Addr: op.Sender},
	}
	if factory := op.Factory(); factory != (common.Address{}) {
		result.FactoryInfo = &model.StakeInfo{Addr: factory}
	}
	if paymaster := op.Paymaster(); paymaster != (common.Address{}) {
		result.PaymasterInfo = &model.StakeInfo{Addr: paymaster}
	}
	return result, nil
}
