package executor

import (
	"context"
	"errors"
	"math/big"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/getsentry/sentry-go"
	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/core/wallet"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

type FeeOracle interface {
	GetGasPrice(ctx context.Context) (*model.GasPriceParameters, error)
}

type Config struct {
	EntryPoint common.Address
	ChainID    *big.Int
	Legacy     bool
	// Timeout bounds every chain call
	Timeout time.Duration
	// PollInterval between receipt lookups while flushing stuck nonces
	PollInterval time.Duration
	FlushTimeout time.Duration
}

type ReplaceStatus string

const (
	ReplaceFailed              ReplaceStatus = "failed"
	ReplacePotentiallyIncluded ReplaceStatus = "potentially_already_included"
	ReplaceSuccess             ReplaceStatus = "replaced"
)

type ReplaceResult struct {
	Status          ReplaceStatus
	TransactionInfo *model.TransactionInfo
}

// Executor turns a batch of user operations into one signed handleOps
// transaction, sent from a wallet of the pool.
type Executor struct {
	client     chainio.ChainClient
	pool       *wallet.Pool
	oracle     FeeOracle
	reputation reputation.Tracker
	codec      userop.OperationCodec
	config     Config

	now    func() time.Time
	logger sdklogging.Logger
}

func New(client chainio.ChainClient, pool *wallet.Pool, oracle FeeOracle, tracker reputation.Tracker, codec userop.OperationCodec, config Config, logger sdklogging.Logger) *Executor {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = 2 * time.Minute
	}

	return &Executor{
		client:     client,
		pool:       pool,
		oracle:     oracle,
		reputation: tracker,
		codec:      codec,
		config:     config,
		now:        time.Now,
		logger:     logger,
	}
}

// MarkWalletProcessed hands the wallet of a finished transaction back to the pool
func (e *Executor) MarkWalletProcessed(addr common.Address) {
	if err := e.pool.ReleaseAddress(addr); err != nil {
		e.logger.Warn("cannot release executor wallet", "executor", addr.Hex(), "error", err)
	}
}

// Bundle submits ops as a single transaction and reports the outcome per op.
// Ops which fail simulation are left out of the transaction and reported as
// failures. Unless the transaction was sent, the wallet goes back to the pool
// before Bundle returns.
func (e *Executor) Bundle(ctx context.Context, ops []*model.UserOpInfo) []*model.BundleResult {
	if len(ops) == 0 {
		return nil
	}

	w, err := e.pool.Acquire(ctx)
	if err != nil {
		e.logger.Warn("no executor wallet for bundle", "error", err)
		return resubmitResults(ops, err.Error())
	}

	logger := e.logger.With("bundle_id", ulid.Make().String(), "executor", w.Address.Hex())
	logger.Debug("bundling user operations", "userop_hashes", opHashes(ops))

	results, sent := e.bundle(ctx, w, ops, logger)
	if !sent {
		e.pool.Release(w)
	}
	return results
}

func (e *Executor) bundle(ctx context.Context, w *wallet.Wallet, ops []*model.UserOpInfo, logger sdklogging.Logger) ([]*model.BundleResult, bool) {
	fees, err := e.oracle.GetGasPrice(ctx)
	if err != nil {
		logger.Warn("cannot get gas price for bundle", "error", err)
		return resubmitResults(ops, err.Error()), false
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	nonce, err := e.client.PendingNonceAt(callCtx, w.Address)
	cancel()
	if err != nil {
		logger.Warn("cannot get executor nonce", "error", err)
		return resubmitResults(ops, err.Error()), false
	}

	filtered, err := e.filterOps(ctx, w.Address, ops, fees, logger)
	if err != nil {
		if errors.Is(err, errUnexpectedRevert) {
			logger.Error("gas limit simulation encountered unexpected failure", "error", err)
			return failureResults(ops, aa.ReasonInternalFailure), false
		}
		logger.Warn("bundle simulation failed, resubmitting", "error", err)
		return resubmitResults(ops, err.Error()), false
	}

	if filtered.allFailedWith(func(reason string) bool { return reason == aa.ReasonFeeCapTooLow }) {
		logger.Info("fee cap below base fee, resubmitting")
		return resubmitResults(ops, aa.ReasonFeeCapTooLow), false
	}
	if len(filtered.toBundle) == 0 {
		logger.Warn("all ops failed simulation")
		return collectResults(ops, filtered, nil, nil), false
	}

	data, err := e.codec.PackHandleOps(userOps(filtered.toBundle), w.Address)
	if err != nil {
		logger.Error("cannot pack bundle", "error", err)
		return failureResults(ops, aa.ReasonInternalFailure), false
	}

	req := &model.TransactionRequest{
		From:                 w.Address,
		To:                   e.config.EntryPoint,
		Data:                 data,
		Gas:                  bundleGasLimit(filtered.gas, filtered.toBundle),
		MaxFeePerGas:         fees.MaxFeePerGas,
		MaxPriorityFeePerGas: fees.MaxPriorityFeePerGas,
		Nonce:                nonce,
		Legacy:               e.config.Legacy,
	}
	tx, err := w.SignRequest(req, nil, e.config.ChainID)
	if err != nil {
		sentry.CaptureException(err)
		logger.Error("cannot sign bundle transaction", "error", err)
		return failureResults(ops, aa.ReasonInternalFailure), false
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	err = e.client.SendTransaction(sendCtx, tx)
	cancel()
	if err != nil {
		if _, reverted := aa.RevertData(err); reverted && !isResubmittable(err) {
			sentry.CaptureException(err)
			logger.Error("error submitting bundle transaction", "error", err)
			return failureResults(ops, aa.ReasonInternalFailure), false
		}
		logger.Warn("cannot send bundle transaction, resubmitting", "error", err)
		return collectResults(ops, filtered, nil, lo.ToPtr(err.Error())), false
	}

	now := e.now()
	txInfo := &model.TransactionInfo{
		TransactionHash:           tx.Hash(),
		PreviousTransactionHashes: []common.Hash{},
		TransactionRequest:        req,
		Executor:                  w.Address,
		UserOpInfos:               filtered.toBundle,
		FirstSubmitted:            now,
		LastReplaced:              now,
	}

	logger.Info("submitted bundle transaction",
		"tx_hash", tx.Hash().Hex(),
		"nonce", nonce,
		"gas", req.Gas,
		"max_fee_per_gas", req.MaxFeePerGas.String(),
		"userop_hashes", opHashes(filtered.toBundle))

	return collectResults(ops, filtered, txInfo, nil), true
}

// ReplaceTransaction resends txInfo at the same nonce with bumped fees. An
// error means the replacement could not be attempted and should be retried
// later.
func (e *Executor) ReplaceTransaction(ctx context.Context, txInfo *model.TransactionInfo) (*ReplaceResult, error) {
	logger := e.logger.With("tx_hash", txInfo.TransactionHash.Hex(), "executor", txInfo.Executor.Hex())

	w, ok := e.pool.Get(txInfo.Executor)
	if !ok {
		logger.Error("transaction was sent by an unknown executor")
		return &ReplaceResult{Status: ReplaceFailed}, nil
	}

	fees, err := e.oracle.GetGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	req := *txInfo.TransactionRequest
	req.MaxFeePerGas = eip1559.Max(fees.MaxFeePerGas, eip1559.MinReplacementFee(req.MaxFeePerGas))
	req.MaxPriorityFeePerGas = eip1559.Max(fees.MaxPriorityFeePerGas, eip1559.MinReplacementFee(req.MaxPriorityFeePerGas))

	filtered, err := e.filterOps(ctx, w.Address, txInfo.UserOpInfos, &model.GasPriceParameters{
		MaxFeePerGas:         req.MaxFeePerGas,
		MaxPriorityFeePerGas: req.MaxPriorityFeePerGas,
	}, logger)
	if err != nil {
		if !errors.Is(err, errUnexpectedRevert) {
			return nil, err
		}
		logger.Error("replacement simulation encountered unexpected failure", "error", err)
		e.pool.Release(w)
		return &ReplaceResult{Status: ReplaceFailed}, nil
	}

	if filtered.allFailedWith(aa.IsAlreadyIncludedReason) {
		logger.Debug("all ops failed simulation with nonce error")
		return &ReplaceResult{Status: ReplacePotentiallyIncluded}, nil
	}
	if len(filtered.toBundle) == 0 {
		logger.Warn("all ops failed replacement simulation")
		e.pool.Release(w)
		return &ReplaceResult{Status: ReplaceFailed}, nil
	}

	req.Data, err = e.codec.PackHandleOps(userOps(filtered.toBundle), w.Address)
	if err != nil {
		logger.Error("cannot pack replacement bundle", "error", err)
		e.pool.Release(w)
		return &ReplaceResult{Status: ReplaceFailed}, nil
	}
	req.Gas = max(req.Gas, bundleGasLimit(filtered.gas, filtered.toBundle))

	tx, err := w.SignRequest(&req, nil, e.config.ChainID)
	if err != nil {
		sentry.CaptureException(err)
		logger.Error("cannot sign replacement transaction", "error", err)
		e.pool.Release(w)
		return &ReplaceResult{Status: ReplaceFailed}, nil
	}

	logger.Info("replacing transaction",
		"nonce", req.Nonce,
		"max_fee_per_gas", req.MaxFeePerGas.String(),
		"max_priority_fee_per_gas", req.MaxPriorityFeePerGas.String(),
		"userop_hashes", opHashes(filtered.toBundle))

	sendCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	err = e.client.SendTransaction(sendCtx, tx)
	cancel()
	if err != nil {
		if isNonceTooLow(err) {
			logger.Debug("nonce too low, potentially already included", "error", err)
			return &ReplaceResult{Status: ReplacePotentiallyIncluded}, nil
		}
		if !isResubmittable(err) && !isFeeCapTooLow(err) {
			sentry.CaptureException(err)
		}
		logger.Warn("error replacing transaction", "error", err)
		e.pool.Release(w)
		return &ReplaceResult{Status: ReplaceFailed}, nil
	}

	now := e.now()
	infos := lo.Map(filtered.toBundle, func(info *model.UserOpInfo, _ int) *model.UserOpInfo {
		cp := *info
		cp.LastReplaced = now
		return &cp
	})

	return &ReplaceResult{
		Status: ReplaceSuccess,
		TransactionInfo: &model.TransactionInfo{
			TransactionHash:           tx.Hash(),
			PreviousTransactionHashes: append([]common.Hash{txInfo.TransactionHash}, txInfo.PreviousTransactionHashes...),
			TransactionRequest:        &req,
			Executor:                  txInfo.Executor,
			UserOpInfos:               infos,
			FirstSubmitted:            txInfo.FirstSubmitted,
			LastReplaced:              now,
			TimesPotentiallyIncluded:  txInfo.TimesPotentiallyIncluded,
		},
	}, nil
}

// collectResults reports every op in ops order: failed ops with their
// reason, the others as success in txInfo, or as resubmit when the bundle
// could not be sent.
func collectResults(ops []*model.UserOpInfo, filtered *filterResult, txInfo *model.TransactionInfo, resubmitReason *string) []*model.BundleResult {
	reasons := lo.SliceToMap(filtered.failed, func(f failedOp) (common.Hash, string) { return f.info.UserOpHash, f.reason })

	return lo.Map(ops, func(info *model.UserOpInfo, _ int) *model.BundleResult {
		if reason, failed := reasons[info.UserOpHash]; failed {
			return &model.BundleResult{Status: model.BundleFailure, UserOpInfo: info, Reason: reason}
		}
		if resubmitReason != nil {
			return &model.BundleResult{Status: model.BundleResubmit, UserOpInfo: info, Reason: *resubmitReason}
		}
		return &model.BundleResult{Status: model.BundleSuccess, UserOpInfo: info, TransactionInfo: txInfo}
	})
}

func resubmitResults(ops []*model.UserOpInfo, reason string) []*model.BundleResult {
	return lo.Map(ops, func(info *model.UserOpInfo, _ int) *model.BundleResult {
		return &model.BundleResult{Status: model.BundleResubmit, UserOpInfo: info, Reason: reason}
	})
}

func failureResults(ops []*model.UserOpInfo, reason string) []*model.BundleResult {
	return lo.Map(ops, func(info *model.UserOpInfo, _ int) *model.BundleResult {
		return &model.BundleResult{Status: model.BundleFailure, UserOpInfo: info, Reason: reason}
	})
}
