package executor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/core/testutil"
	"github.com/AvaProtocol/ap-bundler/core/wallet"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

type fixedOracle struct {
	mu    sync.Mutex
	price *model.GasPriceParameters
	err   error
}

func (o *fixedOracle) set(maxFee, tip int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.price = &model.GasPriceParameters{MaxFeePerGas: big.NewInt(maxFee), MaxPriorityFeePerGas: big.NewInt(tip)}
}

func (o *fixedOracle) GetGasPrice(ctx context.Context) (*model.GasPriceParameters, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	return &model.GasPriceParameters{
		MaxFeePerGas:         new(big.Int).Set(o.price.MaxFeePerGas),
		MaxPriorityFeePerGas: new(big.Int).Set(o.price.MaxPriorityFeePerGas),
	}, nil
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses map[common.Hash]model.UserOpStatus
}

func (r *statusRecorder) SetStatus(hash common.Hash, status model.UserOpStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[hash] = status
}

func (r *statusRecorder) get(hash common.Hash) model.UserOpStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[hash]
}

type fixture struct {
	chain    *testutil.FakeChain
	oracle   *fixedOracle
	pool     *wallet.Pool
	tracker  *reputation.Manager
	recorder *statusRecorder
	mempool  *mempool.Mempool
	executor *Executor
	manager  *Manager
}

func newFixture(t *testing.T, wallets int, config ManagerConfig) *fixture {
	t.Helper()
	logger := testutil.GetLogger()

	var ws []*wallet.Wallet
	for _, k := range testutil.ExecutorKeys[:wallets] {
		w, err := wallet.FromHex(k)
		require.NoError(t, err)
		ws = append(ws, w)
	}
	utility, err := wallet.FromHex(testutil.UtilityKey)
	require.NoError(t, err)

	f := &fixture{
		chain:    testutil.NewFakeChain(),
		oracle:   &fixedOracle{},
		tracker:  reputation.NewManager(reputation.DefaultConfig(), logger),
		recorder: &statusRecorder{statuses: map[common.Hash]model.UserOpStatus{}},
	}
	f.oracle.set(2_000_000_000, 1_000_000_000)

	f.pool, err = wallet.NewPool(ws, utility, f.chain, f.oracle, wallet.Config{ChainID: testutil.ChainID}, metrics.NewNoopMetrics(), logger)
	require.NoError(t, err)

	f.mempool = mempool.New(mempool.NewMemoryStore(), mempool.Config{}, f.tracker, f.recorder, metrics.NewNoopMetrics(), logger)
	f.executor = New(f.chain, f.pool, f.oracle, f.tracker, aa.CodecV06{}, Config{
		EntryPoint:   testutil.EntryPoint,
		ChainID:      testutil.ChainID,
		PollInterval: 10 * time.Millisecond,
		FlushTimeout: time.Second,
	}, logger)

	if config.Mode == "" {
		config.Mode = BundlingManual
	}
	if config.PollingInterval == 0 {
		config.PollingInterval = time.Hour
	}
	config.MaxBundleGas = big.NewInt(30_000_000)
	f.manager = NewManager(f.executor, f.mempool, f.tracker, f.recorder, f.oracle, f.chain, metrics.NewNoopMetrics(), config, logger)
	t.Cleanup(func() { _ = f.manager.Stop() })
	return f
}

// failSender makes every estimate revert with FailedOp for the ops of sender
func (f *fixture) failSender(sender common.Address, reason string) {
	f.chain.SetEstimateGas(func(msg ethereum.CallMsg) (uint64, error) {
		ops, _, err := aa.CodecV06{}.UnpackHandleOps(msg.Data)
		if err != nil {
			return 0, err
		}
		for i, op := range ops {
			if op.Sender == sender {
				return 0, aa.NewRevertError(testutil.FailedOpRevert(i, reason))
			}
		}
		return 200_000, nil
	})
}

// sentOps decodes the user operations packed into a sent transaction
func sentOps(t *testing.T, tx *types.Transaction) []*userop.UserOperation {
	t.Helper()
	ops, _, err := aa.CodecV06{}.UnpackHandleOps(tx.Data())
	require.NoError(t, err)
	return ops
}

func addOps(t *testing.T, m *mempool.Mempool, ops ...*userop.UserOperation) []*model.UserOpInfo {
	t.Helper()
	var infos []*model.UserOpInfo
	for _, op := range ops {
		info := testutil.NewUserOpInfo(op)
		require.NoError(t, m.Add(info))
		infos = append(infos, info)
	}
	return infos
}

func reputationOf(tracker *reputation.Manager, addr common.Address) reputation.Entry {
	entry, _ := lo.Find(tracker.DumpReputations(), func(e reputation.Entry) bool { return e.Address == addr })
	return entry
}

func TestBundleDropsRevertingOp(t *testing.T) {
	f := newFixture(t, 1, ManagerConfig{})
	ops := []*model.UserOpInfo{
		testutil.NewUserOpInfo(testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0)),
		testutil.NewUserOpInfo(testutil.WithPaymaster(testutil.NewUserOp(testutil.Sender2, big.NewInt(0), 0), testutil.Paymaster)),
	}
	f.failSender(testutil.Sender2, "AA23 reverted (or OOG)")

	results := f.executor.Bundle(context.Background(), ops)

	require.Len(t, results, 2)
	assert.Equal(t, model.BundleSuccess, results[0].Status)
	require.NotNil(t, results[0].TransactionInfo)
	assert.Equal(t, model.BundleFailure, results[1].Status)
	assert.Equal(t, "AA23 reverted (or OOG)", results[1].Reason)

	sent := f.chain.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, results[0].TransactionInfo.TransactionHash, sent[0].Hash())
	bundled := sentOps(t, sent[0])
	require.Len(t, bundled, 1)
	assert.Equal(t, testutil.Sender1, bundled[0].Sender)

	// AA2x blames the account
	assert.Equal(t, uint64(1000), reputationOf(f.tracker, testutil.Sender2).OpsSeen)
	assert.Equal(t, reputation.StatusBanned, f.tracker.GetStatus(testutil.Sender2))
	assert.Equal(t, reputation.StatusOK, f.tracker.GetStatus(testutil.Sender1))

	// wallet stays bound to the pending transaction
	assert.Equal(t, 0, f.pool.Available())
}

func TestBundleBlamesEntityByReason(t *testing.T) {
	tests := []struct {
		name    string
		reason  string
		blamed  common.Address
		blessed []common.Address
	}{
		{name: "factory", reason: "AA13 initCode failed or OOG", blamed: testutil.Factory, blessed: []common.Address{testutil.Sender2, testutil.Paymaster}},
		{name: "account", reason: "AA21 didn't pay prefund", blamed: testutil.Sender2, blessed: []common.Address{testutil.Factory, testutil.Paymaster}},
		{name: "paymaster", reason: "AA33 reverted (or OOG)", blamed: testutil.Paymaster, blessed: []common.Address{testutil.Sender2, testutil.Factory}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1, ManagerConfig{})
			op := testutil.WithFactory(testutil.WithPaymaster(testutil.NewUserOp(testutil.Sender2, big.NewInt(0), 0), testutil.Paymaster), testutil.Factory)
			f.failSender(testutil.Sender2, tt.reason)

			results := f.executor.Bundle(context.Background(), []*model.UserOpInfo{testutil.NewUserOpInfo(op)})
			require.Len(t, results, 1)
			assert.Equal(t, model.BundleFailure, results[0].Status)

			assert.Equal(t, reputation.StatusBanned, f.tracker.GetStatus(tt.blamed))
			for _, addr := range tt.blessed {
				assert.Equal(t, reputation.StatusOK, f.tracker.GetStatus(addr))
			}
		})
	}
}

func TestBundleOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *fixture)
		status  model.BundleStatus
		reason  string
		sentTxs int
	}{
		{
			name:   "every op fails simulation",
			setup:  func(f *fixture) { f.failSender(testutil.Sender1, "AA21 didn't pay prefund") },
			status: model.BundleFailure,
			reason: "AA21 didn't pay prefund",
		},
		{
			name: "fee cap below base fee",
			setup: func(f *fixture) {
				f.chain.SetError("EstimateGas", errors.New("max fee per gas less than block base fee: address 0x01, maxFeePerGas: 1, baseFee: 2"))
			},
			status: model.BundleResubmit,
			reason: aa.ReasonFeeCapTooLow,
		},
		{
			name:   "estimate rpc failure",
			setup:  func(f *fixture) { f.chain.SetError("EstimateGas", errors.New("connection reset by peer")) },
			status: model.BundleResubmit,
			reason: "connection reset by peer",
		},
		{
			name: "revert without FailedOp",
			setup: func(f *fixture) {
				f.chain.SetEstimateGas(func(ethereum.CallMsg) (uint64, error) {
					return 0, aa.NewRevertError([]byte{0xde, 0xad, 0xbe, 0xef})
				})
			},
			status: model.BundleFailure,
			reason: aa.ReasonInternalFailure,
		},
		{
			name:   "gas price unavailable",
			setup:  func(f *fixture) { f.oracle.err = errors.New("no gas price") },
			status: model.BundleResubmit,
			reason: "no gas price",
		},
		{
			name: "send fails with insufficient funds",
			setup: func(f *fixture) {
				f.chain.SetError("SendTransaction", errors.New("insufficient funds for gas * price + value"))
			},
			status: model.BundleResubmit,
			reason: "insufficient funds for gas * price + value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1, ManagerConfig{})
			tt.setup(f)

			ops := []*model.UserOpInfo{
				testutil.NewUserOpInfo(testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0)),
				testutil.NewUserOpInfo(testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 1)),
			}
			if tt.status == model.BundleFailure && tt.reason != aa.ReasonInternalFailure {
				// only the first op is reported by FailedOp at a time
				ops = ops[:1]
			}

			results := f.executor.Bundle(context.Background(), ops)
			require.Len(t, results, len(ops))
			for _, r := range results {
				assert.Equal(t, tt.status, r.Status)
				assert.Equal(t, tt.reason, r.Reason)
			}
			assert.Len(t, f.chain.Sent(), tt.sentTxs)
			assert.Equal(t, 1, f.pool.Available(), "wallet must be released")
		})
	}
}

func TestBundleGasLimit(t *testing.T) {
	// each fixture op reserves 100k call + 100k verification + 5k
	ops := []*model.UserOpInfo{testutil.NewUserOpInfo(testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0))}

	assert.Equal(t, uint64(100_000+205_000+10_000), bundleGasLimit(100_000, ops))
	assert.Equal(t, uint64(500_000+10_000), bundleGasLimit(500_000, ops))
}

func TestBundleNowInNonceOrder(t *testing.T) {
	f := newFixture(t, 1, ManagerConfig{})

	_, err := f.manager.BundleNow(context.Background())
	assert.ErrorIs(t, err, ErrNoOpsToBundle)

	// arrival order 0, 2, 1: the op with sequence 2 has to wait for 1
	infos := addOps(t, f.mempool,
		testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0),
		testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 2),
		testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 1),
	)

	txHash, err := f.manager.BundleNow(context.Background())
	require.NoError(t, err)

	sent := f.chain.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, txHash, sent[0].Hash())

	bundled := sentOps(t, sent[0])
	require.Len(t, bundled, 3)
	for i, op := range bundled {
		assert.Equal(t, uint64(i), op.NonceSequence())
	}

	for _, info := range infos {
		status := f.recorder.get(info.UserOpHash)
		assert.Equal(t, model.StatusSubmitted, status.Status)
		require.NotNil(t, status.TransactionHash)
		assert.Equal(t, txHash, *status.TransactionHash)
	}
	assert.Len(t, f.mempool.DumpSubmitted(), 3)
	assert.Empty(t, f.mempool.DumpProcessing())
}

func TestBundleAllUsesOneWalletPerBatch(t *testing.T) {
	f := newFixture(t, 2, ManagerConfig{MaxBundleCount: 1})
	addOps(t, f.mempool,
		testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0),
		testutil.NewUserOp(testutil.Sender2, big.NewInt(0), 0),
	)

	f.manager.BundleAll(context.Background())

	sent := f.chain.Sent()
	require.Len(t, sent, 2)
	senders := lo.Map(sent, func(tx *types.Transaction, _ int) common.Address {
		from, err := types.Sender(types.LatestSignerForChainID(testutil.ChainID), tx)
		require.NoError(t, err)
		return from
	})
	assert.NotEqual(t, senders[0], senders[1])
	assert.Len(t, f.mempool.DumpSubmitted(), 2)
	assert.Equal(t, 0, f.pool.Available())
}

func TestBundleResubmitReturnsOpsToOutstanding(t *testing.T) {
	f := newFixture(t, 1, ManagerConfig{})
	infos := addOps(t, f.mempool, testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0))
	f.chain.SetError("EstimateGas", errors.New("i/o timeout"))

	_, err := f.manager.BundleNow(context.Background())
	assert.ErrorIs(t, err, ErrBundleNotSubmitted)

	out := f.mempool.DumpOutstanding()
	require.Len(t, out, 1)
	assert.Equal(t, infos[0].UserOpHash, out[0].UserOpHash)
	assert.Equal(t, model.StatusNotSubmitted, f.recorder.get(infos[0].UserOpHash).Status)
}

func TestBundleFailureRejectsOp(t *testing.T) {
	f := newFixture(t, 1, ManagerConfig{})
	infos := addOps(t, f.mempool, testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0))
	f.failSender(testutil.Sender1, "AA21 didn't pay prefund")

	_, err := f.manager.BundleNow(context.Background())
	assert.ErrorIs(t, err, ErrBundleNotSubmitted)

	assert.Empty(t, f.mempool.DumpOutstanding())
	assert.Empty(t, f.mempool.DumpProcessing())
	assert.Equal(t, model.StatusRejected, f.recorder.get(infos[0].UserOpHash).Status)
}

func TestReplaceTransaction(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(f *fixture, original *types.Transaction)
		status   ReplaceStatus
		released bool
	}{
		{
			name:   "bumped fees",
			setup:  func(f *fixture, _ *types.Transaction) {},
			status: ReplaceSuccess,
		},
		{
			name: "every op hits an invalid nonce",
			setup: func(f *fixture, _ *types.Transaction) {
				f.failSender(testutil.Sender1, "AA25 invalid account nonce")
			},
			status: ReplacePotentiallyIncluded,
		},
		{
			name: "every op fails simulation",
			setup: func(f *fixture, _ *types.Transaction) {
				f.failSender(testutil.Sender1, "AA21 didn't pay prefund")
			},
			status:   ReplaceFailed,
			released: true,
		},
		{
			name: "original already mined",
			setup: func(f *fixture, original *types.Transaction) {
				require.NoError(t, f.chain.Mine(original.Hash(), types.ReceiptStatusSuccessful))
			},
			status: ReplacePotentiallyIncluded,
		},
		{
			name: "node rejects replacement",
			setup: func(f *fixture, _ *types.Transaction) {
				f.chain.SetError("SendTransaction", errors.New("already known"))
			},
			status:   ReplaceFailed,
			released: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1, ManagerConfig{})
			results := f.executor.Bundle(context.Background(), []*model.UserOpInfo{
				testutil.NewUserOpInfo(testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0)),
			})
			require.Len(t, results, 1)
			require.Equal(t, model.BundleSuccess, results[0].Status)
			txInfo := results[0].TransactionInfo
			original := f.chain.Sent()[0]

			tt.setup(f, original)

			result, err := f.executor.ReplaceTransaction(context.Background(), txInfo)
			require.NoError(t, err)
			assert.Equal(t, tt.status, result.Status)

			if tt.released {
				assert.Equal(t, 1, f.pool.Available())
			} else {
				assert.Equal(t, 0, f.pool.Available())
			}
			if tt.status != ReplaceSuccess {
				assert.Nil(t, result.TransactionInfo)
				return
			}

			sent := f.chain.Sent()
			require.Len(t, sent, 2)
			replacement := sent[1]
			assert.Equal(t, original.Nonce(), replacement.Nonce())
			assert.Equal(t, big.NewInt(2_200_000_000), replacement.GasFeeCap())
			assert.Equal(t, big.NewInt(1_100_000_000), replacement.GasTipCap())

			newTx := result.TransactionInfo
			assert.Equal(t, replacement.Hash(), newTx.TransactionHash)
			assert.Equal(t, []common.Hash{original.Hash()}, newTx.PreviousTransactionHashes)
			assert.Equal(t, txInfo.FirstSubmitted, newTx.FirstSubmitted)
			assert.Equal(t, txInfo.Executor, newTx.Executor)
			require.Len(t, newTx.UserOpInfos, 1)
			assert.Equal(t, txInfo.UserOpInfos[0].UserOpHash, newTx.UserOpInfos[0].UserOpHash)
		})
	}
}

func TestReplaceTransactionUnknownExecutor(t *testing.T) {
	f := newFixture(t, 1, ManagerConfig{})
	info := testutil.NewUserOpInfo(testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0))

	result, err := f.executor.ReplaceTransaction(context.Background(), &model.TransactionInfo{
		TransactionHash:    common.HexToHash("0x01"),
		TransactionRequest: &model.TransactionRequest{MaxFeePerGas: big.NewInt(1), MaxPriorityFeePerGas: big.NewInt(1)},
		Executor:           common.HexToAddress("0xdead"),
		UserOpInfos:        []*model.UserOpInfo{info},
	})
	require.NoError(t, err)
	assert.Equal(t, ReplaceFailed, result.Status)
	assert.Empty(t, f.chain.Sent())
}

func TestReplaceTransactionKeepsHistory(t *testing.T) {
	f := newFixture(t, 1, ManagerConfig{})
	results := f.executor.Bundle(context.Background(), []*model.UserOpInfo{
		testutil.NewUserOpInfo(testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0)),
	})
	require.Equal(t, model.BundleSuccess, results[0].Status)
	first := results[0].TransactionInfo

	second, err := f.executor.ReplaceTransaction(context.Background(), first)
	require.NoError(t, err)
	require.Equal(t, ReplaceSuccess, second.Status)

	third, err := f.executor.ReplaceTransaction(context.Background(), second.TransactionInfo)
	require.NoError(t, err)
	require.Equal(t, ReplaceSuccess, third.Status)

	assert.Equal(t, []common.Hash{second.TransactionInfo.TransactionHash, first.TransactionHash}, third.TransactionInfo.PreviousTransactionHashes)
	assert.Equal(t, []common.Hash{
		third.TransactionInfo.TransactionHash,
		second.TransactionInfo.TransactionHash,
		first.TransactionHash,
	}, third.TransactionInfo.AllHashes())
	// 2.2 gwei bumped by another 10%
	assert.Equal(t, big.NewInt(2_420_000_000), third.TransactionInfo.TransactionRequest.MaxFeePerGas)
}

func TestFlushStuckTransactions(t *testing.T) {
	f := newFixture(t, 2, ManagerConfig{})
	stuck := f.pool.Wallets()[0].Address
	f.chain.SetNonce(stuck, 1, 4)
	f.chain.SetAutoMine(true)

	require.NoError(t, f.executor.FlushStuckTransactions(context.Background()))

	sent := f.chain.Sent()
	require.Len(t, sent, 3)
	for i, tx := range sent {
		assert.Equal(t, uint64(i+1), tx.Nonce())
		assert.Equal(t, stuck, *tx.To())
		assert.Equal(t, 0, tx.Value().Sign())
		assert.Equal(t, big.NewInt(10_000_000_000), tx.GasFeeCap())
		assert.Equal(t, big.NewInt(10_000_000_000), tx.GasTipCap())
	}

	latest, err := f.chain.NonceAt(context.Background(), stuck, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), latest)
}

func TestFlushLeavesSinglePendingAlone(t *testing.T) {
	f := newFixture(t, 1, ManagerConfig{})
	f.chain.SetNonce(f.pool.Wallets()[0].Address, 3, 4)

	require.NoError(t, f.executor.FlushStuckTransactions(context.Background()))
	assert.Empty(t, f.chain.Sent())
}
