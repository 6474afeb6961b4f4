package wallet

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/testutil"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/units"
)

type fixedFees struct{}

func (fixedFees) GetGasPrice(context.Context) (*model.GasPriceParameters, error) {
	return &model.GasPriceParameters{MaxFeePerGas: units.Gwei(2), MaxPriorityFeePerGas: units.Gwei(1)}, nil
}

func executorWallets(t *testing.T, n int) []*Wallet {
	t.Helper()
	var wallets []*Wallet
	for _, k := range testutil.ExecutorKeys[:n] {
		w, err := FromHex(k)
		require.NoError(t, err)
		wallets = append(wallets, w)
	}
	return wallets
}

func newTestPool(t *testing.T, n int, chain *testutil.FakeChain, config Config) *Pool {
	t.Helper()
	if chain == nil {
		chain = testutil.NewFakeChain()
	}
	if config.ChainID == nil {
		config.ChainID = testutil.ChainID
	}
	utility, err := FromHex(testutil.UtilityKey)
	require.NoError(t, err)

	p, err := NewPool(executorWallets(t, n), utility, chain, fixedFees{}, config, metrics.NewNoopMetrics(), testutil.GetLogger())
	require.NoError(t, err)
	return p
}

func TestSecondAcquireWaitsForRelease(t *testing.T) {
	p := newTestPool(t, 1, nil, Config{})

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *Wallet)
	go func() {
		w, err := p.Acquire(context.Background())
		if err == nil {
			got <- w
		}
	}()

	select {
	case <-got:
		t.Fatal("second acquire resolved while the only wallet is in use")
	case <-time.After(100 * time.Millisecond):
	}

	p.Release(first)

	select {
	case w := <-got:
		assert.Equal(t, first.Address, w.Address)
	case <-time.After(time.Second):
		t.Fatal("second acquire did not resolve after release")
	}
}

func TestWaitersAreServedInOrder(t *testing.T) {
	p := newTestPool(t, 1, nil, Config{})

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			p.Release(w)
		}()
		// let waiter i queue up before the next one
		time.Sleep(50 * time.Millisecond)
	}

	p.Release(held)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestWalletExclusivity(t *testing.T) {
	p := newTestPool(t, 3, nil, Config{})

	holders := map[common.Address]*atomic.Int32{}
	for _, w := range p.Wallets() {
		holders[w.Address] = &atomic.Int32{}
	}

	var (
		wg        sync.WaitGroup
		violation atomic.Bool
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.With(context.Background(), func(w *Wallet) error {
				if holders[w.Address].Add(1) > 1 {
					violation.Store(true)
				}
				time.Sleep(time.Millisecond)
				holders[w.Address].Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.False(t, violation.Load())
	assert.Equal(t, 3, p.Available())
}

func TestRelease(t *testing.T) {
	t.Run("is idempotent", func(t *testing.T) {
		p := newTestPool(t, 2, nil, Config{})
		w, err := p.Acquire(context.Background())
		require.NoError(t, err)

		p.Release(w)
		p.Release(w)
		p.Release(nil)
		assert.Equal(t, 2, p.Available())

		// a double release must not let a third holder in
		a, err := p.Acquire(context.Background())
		require.NoError(t, err)
		b, err := p.Acquire(context.Background())
		require.NoError(t, err)
		assert.NotEqual(t, a.Address, b.Address)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = p.Acquire(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("by address", func(t *testing.T) {
		p := newTestPool(t, 1, nil, Config{})
		w, err := p.Acquire(context.Background())
		require.NoError(t, err)

		assert.ErrorIs(t, p.ReleaseAddress(common.HexToAddress("0x1234")), ErrUnknownWallet)
		require.NoError(t, p.ReleaseAddress(w.Address))
		assert.Equal(t, 1, p.Available())
	})

	t.Run("after panic", func(t *testing.T) {
		p := newTestPool(t, 1, nil, Config{})
		assert.Panics(t, func() {
			_ = p.With(context.Background(), func(w *Wallet) error {
				panic("boom")
			})
		})
		assert.Equal(t, 1, p.Available())
	})
}

func TestMaxSigners(t *testing.T) {
	p := newTestPool(t, 3, nil, Config{MaxSigners: 2})
	assert.Len(t, p.Wallets(), 2)
	assert.Equal(t, 2, p.Available())

	_, err := NewPool(nil, nil, testutil.NewFakeChain(), fixedFees{}, Config{}, metrics.NewNoopMetrics(), testutil.GetLogger())
	assert.ErrorIs(t, err, ErrNoWallets)
}

func TestRefill(t *testing.T) {
	eth := func(v float64) *big.Int {
		return new(big.Int).Mul(units.GweiToWei(v), big.NewInt(1_000_000_000))
	}

	tests := []struct {
		name       string
		utility    *big.Int
		wantErr    error
		wantSent   int
		wantFirst  *big.Int
		wantSecond *big.Int
	}{
		{
			name:       "tops up the wallet below minimum",
			utility:    eth(10),
			wantSent:   1,
			wantFirst:  eth(1.1),
			wantSecond: eth(2),
		},
		{
			name:       "utility wallet too poor",
			utility:    eth(0.55),
			wantErr:    ErrInsufficientUtility,
			wantFirst:  eth(0.5),
			wantSecond: eth(2),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := testutil.NewFakeChain()
			chain.SetAutoMine(true)
			p := newTestPool(t, 2, chain, Config{MinBalance: eth(1), PollInterval: 10 * time.Millisecond})

			wallets := p.Wallets()
			chain.SetBalance(wallets[0].Address, eth(0.5))
			chain.SetBalance(wallets[1].Address, eth(2))
			chain.SetBalance(p.Utility().Address, tt.utility)

			missing, err := p.ValidateBalances(context.Background())
			require.NoError(t, err)
			assert.Len(t, missing, 1)
			assert.Equal(t, eth(0.5).String(), missing[wallets[0].Address].String())

			err = p.Refill(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			assert.Len(t, chain.Sent(), tt.wantSent)
			assert.Equal(t, tt.wantFirst.String(), chain.Balance(wallets[0].Address).String())
			assert.Equal(t, tt.wantSecond.String(), chain.Balance(wallets[1].Address).String())
		})
	}
}

func TestRefillSendsOnConsecutiveNonces(t *testing.T) {
	chain := testutil.NewFakeChain()
	chain.SetAutoMine(true)
	p := newTestPool(t, 2, chain, Config{MinBalance: units.Gwei(1000), PollInterval: 10 * time.Millisecond})

	wallets := p.Wallets()
	chain.SetBalance(wallets[0].Address, units.Gwei(100))
	chain.SetBalance(wallets[1].Address, units.Gwei(200))
	chain.SetBalance(p.Utility().Address, units.Gwei(1_000_000))
	chain.SetNonce(p.Utility().Address, 4, 4)

	require.NoError(t, p.Refill(context.Background()))

	sent := chain.Sent()
	require.Len(t, sent, 2)
	for i, tx := range sent {
		assert.Equal(t, wallets[i].Address, *tx.To())
		assert.Equal(t, uint64(4+i), tx.Nonce())
	}
	assert.Equal(t, units.Gwei(1180).String(), chain.Balance(wallets[0].Address).String())
	assert.Equal(t, units.Gwei(1160).String(), chain.Balance(wallets[1].Address).String())
}

func TestSignRequest(t *testing.T) {
	w, err := FromHex("0x" + testutil.ExecutorKeys[0])
	require.NoError(t, err)

	req := &model.TransactionRequest{
		To:                   testutil.EntryPoint,
		Data:                 []byte{0x1f, 0xad, 0x94, 0x8c},
		Gas:                  100_000,
		MaxFeePerGas:         units.Gwei(3),
		MaxPriorityFeePerGas: units.Gwei(1),
		Nonce:                7,
	}

	tx, err := w.SignRequest(req, nil, testutil.ChainID)
	require.NoError(t, err)
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, units.Gwei(1).String(), tx.GasTipCap().String())

	from, err := types.Sender(types.LatestSignerForChainID(testutil.ChainID), tx)
	require.NoError(t, err)
	assert.Equal(t, w.Address, from)

	req.Legacy = true
	tx, err = w.SignRequest(req, nil, testutil.ChainID)
	require.NoError(t, err)
	assert.Equal(t, uint8(types.LegacyTxType), tx.Type())
	assert.Equal(t, units.Gwei(3).String(), tx.GasPrice().String())

	_, err = FromHex("not a key")
	assert.Error(t, err)
}
