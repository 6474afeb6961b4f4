package executor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/wallet"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
)

const (
	selfTransferGas uint64 = 21_000
	flushFeePercent        = 500
)

// FlushStuckTransactions clears every executor wallet and the utility wallet
// of transactions stuck in the node's pool by sending a zero value transfer
// to self at each pending nonce.
func (e *Executor) FlushStuckTransactions(ctx context.Context) error {
	fees, err := e.oracle.GetGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("gas price for flushing stuck transactions: %w", err)
	}
	gasPrice := eip1559.ScalePercent(fees.MaxFeePerGas, flushFeePercent)

	wallets := e.pool.Wallets()
	if u := e.pool.Utility(); u != nil {
		wallets = append(wallets, u)
	}

	var g errgroup.Group
	for _, w := range wallets {
		g.Go(func() error {
			return e.flushWallet(ctx, w, gasPrice)
		})
	}
	return g.Wait()
}

func (e *Executor) flushWallet(ctx context.Context, w *wallet.Wallet, gasPrice *big.Int) error {
	callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	latest, err := e.client.NonceAt(callCtx, w.Address, nil)
	if err != nil {
		return fmt.Errorf("latest nonce of %s: %w", w.Address.Hex(), err)
	}
	pending, err := e.client.PendingNonceAt(callCtx, w.Address)
	if err != nil {
		return fmt.Errorf("pending nonce of %s: %w", w.Address.Hex(), err)
	}

	logger := e.logger.With("wallet", w.Address.Hex())
	logger.Debug("checking for stuck transactions", "latest_nonce", latest, "pending_nonce", pending)

	// a single pending transaction is normal
	if pending <= latest+1 {
		return nil
	}

	logger.Info("found stuck transactions, flushing", "latest_nonce", latest, "pending_nonce", pending)
	for nonce := latest; nonce < pending; nonce++ {
		tx, err := w.SignRequest(&model.TransactionRequest{
			From:                 w.Address,
			To:                   w.Address,
			Gas:                  selfTransferGas,
			MaxFeePerGas:         gasPrice,
			MaxPriorityFeePerGas: gasPrice,
			Nonce:                nonce,
			Legacy:               e.config.Legacy,
		}, nil, e.config.ChainID)
		if err != nil {
			return err
		}

		sendCtx, cancelSend := context.WithTimeout(ctx, e.config.Timeout)
		err = e.client.SendTransaction(sendCtx, tx)
		cancelSend()
		if err != nil {
			sentry.CaptureException(err)
			logger.Warn("error flushing stuck transaction", "nonce", nonce, "error", err)
			continue
		}

		waitCtx, cancelWait := context.WithTimeout(ctx, e.config.FlushTimeout)
		_, err = chainio.WaitMined(waitCtx, e.client, tx.Hash(), e.config.PollInterval)
		cancelWait()
		if err != nil {
			logger.Warn("flush transaction not mined", "nonce", nonce, "tx_hash", tx.Hash().Hex(), "error", err)
			continue
		}
		logger.Debug("flushed stuck transaction", "nonce", nonce, "tx_hash", tx.Hash().Hex())
	}

	return nil
}
