package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/units"
)

var (
	ErrNoWallets           = errors.New("wallet pool has no executor wallets")
	ErrInsufficientUtility = errors.New("utility wallet has insufficient balance to refill wallets")
	ErrUnknownWallet       = errors.New("wallet does not belong to the pool")
)

const transferGas uint64 = 21_000

type FeeSource interface {
	GetGasPrice(ctx context.Context) (*model.GasPriceParameters, error)
}

type Config struct {
	ChainID *big.Int
	// MaxSigners caps how many of the executor keys are used, 0 means all
	MaxSigners int
	// MinBalance is the balance below which an executor wallet is refilled
	MinBalance *big.Int
	Legacy     bool
	// PollInterval between receipt lookups while waiting for a refill
	PollInterval time.Duration
	Timeout      time.Duration
}

// Pool hands out executor wallets to one bundle at a time. Waiters are served
// in arrival order.
type Pool struct {
	sem *semaphore.Weighted

	mu        sync.Mutex
	wallets   []*Wallet
	available []*Wallet
	inUse     map[common.Address]bool

	utility *Wallet
	client  chainio.ChainClient
	fees    FeeSource
	config  Config

	metrics metrics.MetricsSink
	logger  sdklogging.Logger
}

func NewPool(wallets []*Wallet, utility *Wallet, client chainio.ChainClient, fees FeeSource, config Config, sink metrics.MetricsSink, logger sdklogging.Logger) (*Pool, error) {
	if config.MaxSigners > 0 && len(wallets) > config.MaxSigners {
		wallets = wallets[:config.MaxSigners]
	}
	if len(wallets) == 0 {
		return nil, ErrNoWallets
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}

	p := &Pool{
		sem:       semaphore.NewWeighted(int64(len(wallets))),
		wallets:   wallets,
		available: append([]*Wallet(nil), wallets...),
		inUse:     map[common.Address]bool{},
		utility:   utility,
		client:    client,
		fees:      fees,
		config:    config,
		metrics:   sink,
		logger:    logger,
	}
	sink.SetWalletsAvailable(len(p.available))
	return p, nil
}

// Acquire blocks until a wallet is free or ctx is done
func (p *Pool) Acquire(ctx context.Context) (*Wallet, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	w := p.available[0]
	p.available = p.available[1:]
	p.inUse[w.Address] = true
	p.metrics.SetWalletsAvailable(len(p.available))

	p.logger.Debug("got wallet from pool", "executor", w.Address.Hex())
	return w, nil
}

// Release returns w to the pool and wakes the oldest waiter. Releasing a
// wallet that is not in use does nothing.
func (p *Pool) Release(w *Wallet) {
	if w == nil {
		return
	}

	p.mu.Lock()
	if !p.inUse[w.Address] {
		p.mu.Unlock()
		return
	}
	delete(p.inUse, w.Address)
	p.available = append(p.available, w)
	p.metrics.SetWalletsAvailable(len(p.available))
	p.mu.Unlock()

	p.sem.Release(1)
	p.logger.Debug("pushed wallet back to pool", "executor", w.Address.Hex())
}

// ReleaseAddress releases the in-use wallet with the given address
func (p *Pool) ReleaseAddress(addr common.Address) error {
	w, ok := p.Get(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWallet, addr.Hex())
	}
	p.Release(w)
	return nil
}

// With runs fn with an acquired wallet and releases it when fn returns or panics
func (p *Pool) With(ctx context.Context, fn func(w *Wallet) error) error {
	w, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(w)

	return fn(w)
}

// Get looks up a pool wallet by address, e.g. to sign a replacement with the
// wallet still bound to the original transaction
func (p *Pool) Get(addr common.Address) (*Wallet, bool) {
	return lo.Find(p.wallets, func(w *Wallet) bool { return w.Address == addr })
}

func (p *Pool) Wallets() []*Wallet {
	return append([]*Wallet(nil), p.wallets...)
}

func (p *Pool) Utility() *Wallet {
	return p.utility
}

func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// ValidateBalances returns how much each executor wallet lacks to reach the
// minimum balance. Wallets at or above it are left out.
func (p *Pool) ValidateBalances(ctx context.Context) (map[common.Address]*big.Int, error) {
	if p.config.MinBalance == nil || p.config.MinBalance.Sign() == 0 {
		return map[common.Address]*big.Int{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	var mu sync.Mutex
	missing := map[common.Address]*big.Int{}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.wallets {
		g.Go(func() error {
			balance, err := p.client.BalanceAt(gctx, w.Address, nil)
			if err != nil {
				return fmt.Errorf("balance of %s: %w", w.Address.Hex(), err)
			}
			if balance.Cmp(p.config.MinBalance) < 0 {
				mu.Lock()
				missing[w.Address] = new(big.Int).Sub(p.config.MinBalance, balance)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return missing, nil
}

// Refill tops up every executor wallet below the minimum balance from the
// utility wallet, sending 20% more than what is missing. Nothing is sent
// unless the utility wallet can cover all of them with some headroom.
func (p *Pool) Refill(ctx context.Context) error {
	if p.utility == nil {
		return nil
	}

	missing, err := p.ValidateBalances(ctx)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		p.logger.Info("no wallets need to be refilled")
		return nil
	}

	total := new(big.Int)
	for _, m := range missing {
		total.Add(total, m)
	}

	utilityBalance, err := p.client.BalanceAt(ctx, p.utility.Address, nil)
	if err != nil {
		return fmt.Errorf("balance of utility wallet: %w", err)
	}
	required := new(big.Int).Mul(total, big.NewInt(6))
	required.Div(required, big.NewInt(5))
	if utilityBalance.Cmp(required) < 0 {
		p.logger.Error("utility wallet has insufficient balance to refill wallets",
			"utility", p.utility.Address.Hex(),
			"balance_eth", units.WeiToEther(utilityBalance).String(),
			"missing_eth", units.WeiToEther(total).String())
		return fmt.Errorf("%w: %s has %s ETH, needs %s ETH", ErrInsufficientUtility,
			p.utility.Address.Hex(), units.WeiToEther(utilityBalance), units.WeiToEther(required))
	}

	price, err := p.fees.GetGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("gas price for refill: %w", err)
	}
	nonce, err := p.client.PendingNonceAt(ctx, p.utility.Address)
	if err != nil {
		return fmt.Errorf("nonce of utility wallet: %w", err)
	}

	// deterministic order so nonces follow the wallet order
	for _, w := range p.wallets {
		m, ok := missing[w.Address]
		if !ok {
			continue
		}

		amount := new(big.Int).Mul(m, big.NewInt(12))
		amount.Div(amount, big.NewInt(10))

		tx, err := p.utility.SignRequest(&model.TransactionRequest{
			From:                 p.utility.Address,
			To:                   w.Address,
			Gas:                  transferGas,
			MaxFeePerGas:         price.MaxFeePerGas,
			MaxPriorityFeePerGas: price.MaxPriorityFeePerGas,
			Nonce:                nonce,
			Legacy:               p.config.Legacy,
		}, amount, p.config.ChainID)
		if err != nil {
			return err
		}
		if err := p.client.SendTransaction(ctx, tx); err != nil {
			return fmt.Errorf("refill %s: %w", w.Address.Hex(), err)
		}
		nonce++

		waitCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
		_, err = chainio.WaitMined(waitCtx, p.client, tx.Hash(), p.config.PollInterval)
		cancel()
		if err != nil {
			return fmt.Errorf("wait for refill of %s: %w", w.Address.Hex(), err)
		}

		p.logger.Info("refilled wallet",
			"executor", w.Address.Hex(),
			"tx_hash", tx.Hash().Hex(),
			"amount_eth", units.WeiToEther(amount).String())
	}

	return nil
}
