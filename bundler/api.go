package bundler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/core/executor"
	"github.com/AvaProtocol/ap-bundler/core/gasprice"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// StageQueued names the nonce queue in DumpMempool, next to the mempool stages
const StageQueued = "queued"

var (
	errInvalidNonce = errors.New("AA25 invalid account nonce")
	errOpTooLarge   = errors.New("user operation gas exceeds the bundle gas limit")
)

func checkFields(op *userop.UserOperation) error {
	switch {
	case op == nil:
		return errors.New("missing user operation")
	case op.Sender == (common.Address{}):
		return errors.New("missing sender")
	case op.Nonce == nil:
		return errors.New("missing nonce")
	case op.CallGasLimit == nil || op.VerificationGasLimit == nil || op.PreVerificationGas == nil:
		return errors.New("missing gas limits")
	case op.MaxFeePerGas == nil || op.MaxPriorityFeePerGas == nil:
		return errors.New("missing fee fields")
	case op.MaxPriorityFeePerGas.Cmp(op.MaxFeePerGas) > 0:
		return errors.New("maxPriorityFeePerGas exceeds maxFeePerGas")
	}
	return nil
}

// Submit admits op into the mempool, or into the nonce queue when its nonce
// is ahead of what the sender can execute next. It returns the userOpHash.
func (b *Bundler) Submit(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	if err := checkFields(op); err != nil {
		return common.Hash{}, reject(CodeInvalidFields, "invalid user operation", err)
	}
	// Process never selects an op above the bundle gas limit
	if limit := b.config.MaxBundleGas; limit != nil && op.EstimatedGas().Cmp(limit) > 0 {
		return common.Hash{}, reject(CodeInvalidFields, fmt.Sprintf("estimated gas %s above %s", op.EstimatedGas(), limit), errOpTooLarge)
	}
	hash := b.codec.Hash(op, b.config.EntryPoint, b.chainID)
	logger := b.logger.With("userop_hash", hash.Hex(), "sender", op.Sender.Hex())

	err := b.oracle.ValidateGasPrice(ctx, &model.GasPriceParameters{
		MaxFeePerGas:         op.MaxFeePerGas,
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
	})
	if errors.Is(err, gasprice.ErrGasPriceTooLow) {
		return hash, reject(CodeInvalidFields, "gas price too low", err)
	}
	if err != nil {
		return hash, fmt.Errorf("cannot validate gas price: %w", err)
	}

	sim, err := b.validator.Simulate(ctx, op)
	if err != nil {
		return hash, fmt.Errorf("cannot simulate user operation: %w", err)
	}
	if !sim.Valid {
		return hash, reject(CodeSimulationFailed, "validation reverted", errors.New(sim.RevertReason))
	}

	// a passing check holds mempool occupancy for op's entities
	if err := b.reputation.CheckReputation(op, sim); err != nil {
		logger.Info("user operation rejected by reputation", "error", err)
		return hash, err
	}
	admitted := false
	defer func() {
		if !admitted {
			b.reputation.DecreaseOccupancy(op)
		}
	}()

	if b.config.SafeMode {
		if err := b.mempool.CheckEntityRoles(op); err != nil {
			return hash, reject(CodeEntityRole, "entity role conflict", err)
		}
	}

	key, seq := op.NonceKeyAndSequence()
	onchain, next, err := b.queuer.Sequences(ctx, op.Sender, key)
	if err != nil {
		return hash, fmt.Errorf("cannot read account nonce: %w", err)
	}

	info := model.NewUserOpInfo(op, hash, time.Now())
	switch {
	case seq < onchain:
		return hash, reject(CodeInvalidFields, fmt.Sprintf("nonce %d is below the on-chain nonce %d", seq, onchain), errInvalidNonce)
	case seq > next:
		err = b.queuer.Add(info)
	default:
		err = b.mempool.Add(info)
	}
	if err != nil {
		if errors.Is(err, mempool.ErrReplacementUnderpriced) || errors.Is(err, mempool.ErrAlreadyInFlight) {
			return hash, reject(CodeInvalidFields, "user operation not admitted", err)
		}
		return hash, err
	}

	admitted = true
	logger.Info("admitted user operation", "nonce_seq", seq, "queued", seq > next)
	return hash, nil
}

// GetStatus reports the last known status of hash, or not_found
func (b *Bundler) GetStatus(hash common.Hash) model.UserOpStatus {
	if status, ok := b.monitor.GetStatus(hash); ok {
		return *status
	}
	return model.UserOpStatus{Status: model.StatusNotFound}
}

// ForceBundleNow releases the nonce queue and sends one bundle right away
func (b *Bundler) ForceBundleNow(ctx context.Context) (common.Hash, error) {
	b.queuer.Flush(ctx)
	return b.manager.BundleNow(ctx)
}

func (b *Bundler) SetBundlingMode(mode string) error {
	return b.manager.SetBundlingMode(executor.BundlingMode(mode))
}

func (b *Bundler) BundlingMode() string {
	return string(b.manager.Mode())
}

// DumpMempool returns the content of one mempool stage, or of the nonce queue
func (b *Bundler) DumpMempool(stage string) (any, error) {
	if stage == StageQueued {
		return b.queuer.Dump(), nil
	}

	s, err := mempool.ParseStage(stage)
	if err != nil {
		return nil, err
	}
	return b.mempool.Dump(s), nil
}

func (b *Bundler) DumpReputation() []reputation.Entry {
	return b.reputation.DumpReputations()
}

func (b *Bundler) SetReputation(entries []reputation.Entry) {
	b.reputation.SetReputation(entries)
}

// ClearState drops every outstanding op and all reputation
func (b *Bundler) ClearState() error {
	if err := b.mempool.Clear(mempool.StageOutstanding); err != nil {
		return err
	}
	b.reputation.Clear()
	return nil
}

func (b *Bundler) ClearReputation() {
	b.reputation.Clear()
}
