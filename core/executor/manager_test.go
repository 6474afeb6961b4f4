package executor

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/noncequeue"
	"github.com/AvaProtocol/ap-bundler/core/testutil"
	"github.com/AvaProtocol/ap-bundler/model"
)

func includedLog(info *model.UserOpInfo) *types.Log {
	op := info.UserOperation
	return testutil.UserOperationEventLog(testutil.EntryPoint, info.UserOpHash, op.Sender, op.Nonce, true)
}

func submittedTx(t *testing.T, f *fixture, hash common.Hash) *model.TransactionInfo {
	t.Helper()
	for _, sub := range f.mempool.DumpSubmitted() {
		if sub.UserOpHash == hash {
			return sub.TransactionInfo
		}
	}
	t.Fatalf("user operation %s is not submitted", hash.Hex())
	return nil
}

func TestHandleBlockSettlesIncludedBundle(t *testing.T) {
	f := newFixture(t, 1, ManagerConfig{})
	infos := addOps(t, f.mempool, testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0))

	txHash, err := f.manager.BundleNow(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.chain.Mine(txHash, types.ReceiptStatusSuccessful, includedLog(infos[0])))

	f.manager.HandleBlock(context.Background())

	status := f.recorder.get(infos[0].UserOpHash)
	assert.Equal(t, model.StatusIncluded, status.Status)
	require.NotNil(t, status.TransactionHash)
	assert.Equal(t, txHash, *status.TransactionHash)

	assert.Empty(t, f.mempool.DumpSubmitted())
	assert.Equal(t, 1, f.pool.Available())
	assert.Equal(t, uint64(1), reputationOf(f.tracker, testutil.Sender1).OpsIncluded)
}

func TestHandleBlockCreditsFactoryOnDeployment(t *testing.T) {
	tests := []struct {
		name     string
		deployed bool
		included uint64
	}{
		{name: "account deployed", deployed: true, included: 1},
		{name: "account already existed", deployed: false, included: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1, ManagerConfig{})
			infos := addOps(t, f.mempool, testutil.WithFactory(testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0), testutil.Factory))

			txHash, err := f.manager.BundleNow(context.Background())
			require.NoError(t, err)

			logs := []*types.Log{includedLog(infos[0])}
			if tt.deployed {
				logs = append(logs, testutil.AccountDeployedLog(testutil.EntryPoint, infos[0].UserOpHash, testutil.Sender1, testutil.Factory))
			}
			require.NoError(t, f.chain.Mine(txHash, types.ReceiptStatusSuccessful, logs...))

			f.manager.HandleBlock(context.Background())

			assert.Equal(t, model.StatusIncluded, f.recorder.get(infos[0].UserOpHash).Status)
			assert.Equal(t, tt.included, reputationOf(f.tracker, testutil.Factory).OpsIncluded)
			assert.Equal(t, uint64(1), reputationOf(f.tracker, testutil.Sender1).OpsIncluded)
		})
	}
}

func TestHandleBlockRejectsFailedBundle(t *testing.T) {
	tests := []struct {
		name   string
		status uint64
		logs   func(info *model.UserOpInfo) []*types.Log
	}{
		{
			name:   "transaction reverted",
			status: types.ReceiptStatusFailed,
			logs:   func(*model.UserOpInfo) []*types.Log { return nil },
		},
		{
			name:   "every op reverted",
			status: types.ReceiptStatusSuccessful,
			logs: func(info *model.UserOpInfo) []*types.Log {
				op := info.UserOperation
				return []*types.Log{testutil.UserOperationEventLog(testutil.EntryPoint, info.UserOpHash, op.Sender, op.Nonce, false)}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1, ManagerConfig{})
			infos := addOps(t, f.mempool, testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0))

			txHash, err := f.manager.BundleNow(context.Background())
			require.NoError(t, err)
			require.NoError(t, f.chain.Mine(txHash, tt.status, tt.logs(infos[0])...))

			f.manager.HandleBlock(context.Background())

			assert.Equal(t, model.StatusRejected, f.recorder.get(infos[0].UserOpHash).Status)
			assert.Empty(t, f.mempool.DumpSubmitted())
			assert.Equal(t, 1, f.pool.Available())
		})
	}
}

func TestHandleBlockMarksOpMissingFromLogsRejected(t *testing.T) {
	f := newFixture(t, 1, ManagerConfig{})
	infos := addOps(t, f.mempool,
		testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0),
		testutil.NewUserOp(testutil.Sender2, big.NewInt(0), 0),
	)

	txHash, err := f.manager.BundleNow(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.chain.Mine(txHash, types.ReceiptStatusSuccessful, includedLog(infos[0])))

	f.manager.HandleBlock(context.Background())

	assert.Equal(t, model.StatusIncluded, f.recorder.get(infos[0].UserOpHash).Status)
	assert.Equal(t, model.StatusRejected, f.recorder.get(infos[1].UserOpHash).Status)
	assert.Empty(t, f.mempool.DumpSubmitted())
}

func TestHandleBlockReplacesUnderpricedBundle(t *testing.T) {
	f := newFixture(t, 1, ManagerConfig{})
	infos := addOps(t, f.mempool, testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0))

	oldHash, err := f.manager.BundleNow(context.Background())
	require.NoError(t, err)

	f.oracle.set(4_000_000_000, 2_000_000_000)
	f.manager.HandleBlock(context.Background())

	sent := f.chain.Sent()
	require.Len(t, sent, 2)
	replacement := sent[1]
	assert.Equal(t, sent[0].Nonce(), replacement.Nonce())
	assert.Equal(t, big.NewInt(4_000_000_000), replacement.GasFeeCap())

	tx := submittedTx(t, f, infos[0].UserOpHash)
	assert.Equal(t, replacement.Hash(), tx.TransactionHash)
	assert.Equal(t, []common.Hash{oldHash}, tx.PreviousTransactionHashes)
	status := f.recorder.get(infos[0].UserOpHash)
	assert.Equal(t, model.StatusSubmitted, status.Status)
	assert.Equal(t, replacement.Hash(), *status.TransactionHash)

	// the original lands after all
	require.NoError(t, f.chain.Mine(oldHash, types.ReceiptStatusSuccessful, includedLog(infos[0])))
	f.manager.HandleBlock(context.Background())

	status = f.recorder.get(infos[0].UserOpHash)
	assert.Equal(t, model.StatusIncluded, status.Status)
	assert.Equal(t, oldHash, *status.TransactionHash)
	assert.Empty(t, f.mempool.DumpSubmitted())
	assert.Len(t, f.chain.Sent(), 2)
}

func TestHandleBlockRejectsOpsOfFailedReplacement(t *testing.T) {
	f := newFixture(t, 1, ManagerConfig{})
	infos := addOps(t, f.mempool, testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0))

	_, err := f.manager.BundleNow(context.Background())
	require.NoError(t, err)

	f.oracle.set(4_000_000_000, 2_000_000_000)
	f.failSender(testutil.Sender1, "AA21 didn't pay prefund")
	f.manager.HandleBlock(context.Background())

	assert.Equal(t, model.StatusRejected, f.recorder.get(infos[0].UserOpHash).Status)
	assert.Empty(t, f.mempool.DumpSubmitted())
	assert.Equal(t, 1, f.pool.Available())
	assert.Len(t, f.chain.Sent(), 1)
}

func TestHandleBlockDropsPotentiallyIncludedAfterCap(t *testing.T) {
	f := newFixture(t, 1, ManagerConfig{MaxPotentiallyIncluded: 3})
	infos := addOps(t, f.mempool, testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0))

	_, err := f.manager.BundleNow(context.Background())
	require.NoError(t, err)

	clock := time.Now()
	f.manager.now = func() time.Time { return clock }
	f.failSender(testutil.Sender1, "AA25 invalid account nonce")

	for i := 1; i < 3; i++ {
		clock = clock.Add(10 * time.Minute)
		f.manager.HandleBlock(context.Background())
		tx := submittedTx(t, f, infos[0].UserOpHash)
		assert.Equal(t, i, tx.TimesPotentiallyIncluded)
		assert.Equal(t, 0, f.pool.Available())
	}

	clock = clock.Add(10 * time.Minute)
	f.manager.HandleBlock(context.Background())

	assert.Empty(t, f.mempool.DumpSubmitted())
	assert.Equal(t, 1, f.pool.Available())
	assert.Equal(t, model.StatusSubmitted, f.recorder.get(infos[0].UserOpHash).Status)
	assert.Len(t, f.chain.Sent(), 1)
}

func TestHandleBlockCountsPotentiallyIncludedOncePerBlock(t *testing.T) {
	f := newFixture(t, 1, ManagerConfig{ReplaceStuckAfter: time.Minute, MaxPotentiallyIncluded: 3})
	infos := addOps(t, f.mempool, testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0))

	_, err := f.manager.BundleNow(context.Background())
	require.NoError(t, err)

	// underpriced and stale at once
	f.oracle.set(4_000_000_000, 2_000_000_000)
	clock := time.Now().Add(2 * time.Minute)
	f.manager.now = func() time.Time { return clock }
	f.failSender(testutil.Sender1, "AA25 invalid account nonce")

	f.manager.HandleBlock(context.Background())

	tx := submittedTx(t, f, infos[0].UserOpHash)
	assert.Equal(t, 1, tx.TimesPotentiallyIncluded)
	assert.Equal(t, clock, tx.LastReplaced)
}

func TestHandleBlockReplacesStuckBundle(t *testing.T) {
	f := newFixture(t, 1, ManagerConfig{ReplaceStuckAfter: time.Minute})
	infos := addOps(t, f.mempool, testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0))

	oldHash, err := f.manager.BundleNow(context.Background())
	require.NoError(t, err)

	f.manager.HandleBlock(context.Background())
	assert.Len(t, f.chain.Sent(), 1, "fresh bundle at the current price stays")

	f.manager.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	f.manager.HandleBlock(context.Background())

	sent := f.chain.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, big.NewInt(2_200_000_000), sent[1].GasFeeCap())
	tx := submittedTx(t, f, infos[0].UserOpHash)
	assert.Equal(t, []common.Hash{oldHash}, tx.PreviousTransactionHashes)
}

func TestHandleBlockStopsWatchingWhenIdle(t *testing.T) {
	f := newFixture(t, 1, ManagerConfig{})
	infos := addOps(t, f.mempool, testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0))

	txHash, err := f.manager.BundleNow(context.Background())
	require.NoError(t, err)
	f.manager.mu.Lock()
	assert.True(t, f.manager.watching)
	f.manager.mu.Unlock()

	require.NoError(t, f.chain.Mine(txHash, types.ReceiptStatusSuccessful, includedLog(infos[0])))
	f.manager.HandleBlock(context.Background())
	f.manager.HandleBlock(context.Background())

	f.manager.mu.Lock()
	assert.False(t, f.manager.watching)
	f.manager.mu.Unlock()
}

func TestIdleStopKeepsWatcherForNewSubmission(t *testing.T) {
	f := newFixture(t, 1, ManagerConfig{})
	addOps(t, f.mempool, testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0))

	f.manager.startWatching()
	// a block handler found nothing submitted, then a bundle lands before it stops
	require.Empty(t, f.mempool.DumpSubmitted())
	_, err := f.manager.BundleNow(context.Background())
	require.NoError(t, err)
	f.manager.stopWatchingIfIdle()

	require.Len(t, f.mempool.DumpSubmitted(), 1)
	f.manager.mu.Lock()
	assert.True(t, f.manager.watching)
	f.manager.mu.Unlock()
}

func TestBlockWatcherSettlesBundle(t *testing.T) {
	f := newFixture(t, 1, ManagerConfig{PollingInterval: 10 * time.Millisecond})
	infos := addOps(t, f.mempool, testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0))

	txHash, err := f.manager.BundleNow(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.chain.Mine(txHash, types.ReceiptStatusSuccessful, includedLog(infos[0])))
	f.chain.AdvanceBlock()

	require.Eventually(t, func() bool {
		return f.recorder.get(infos[0].UserOpHash).Status == model.StatusIncluded
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSetBundlingMode(t *testing.T) {
	f := newFixture(t, 1, ManagerConfig{BundleInterval: 20 * time.Millisecond})
	require.NoError(t, f.manager.Start(context.Background()))
	assert.Equal(t, BundlingManual, f.manager.Mode())

	assert.Error(t, f.manager.SetBundlingMode("sometimes"))

	addOps(t, f.mempool, testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0))
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, f.chain.Sent(), "manual mode only bundles on demand")

	require.NoError(t, f.manager.SetBundlingMode(BundlingAuto))
	assert.Equal(t, BundlingAuto, f.manager.Mode())
	require.Eventually(t, func() bool { return len(f.chain.Sent()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.manager.SetBundlingMode(BundlingManual))
	assert.Equal(t, BundlingManual, f.manager.Mode())
}

func TestQueuedOpsBundleInNonceOrder(t *testing.T) {
	f := newFixture(t, 1, ManagerConfig{})
	f.chain.SetCallContract(func(msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
		return testutil.GetNonceResult(big.NewInt(0)), nil
	})
	queuer := noncequeue.New(f.mempool, f.chain, f.recorder, f.tracker, noncequeue.Config{EntryPoint: testutil.EntryPoint}, testutil.GetLogger())

	op0 := testutil.NewUserOpInfo(testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0))
	op2 := testutil.NewUserOpInfo(testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 2))
	op1 := testutil.NewUserOpInfo(testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 1))

	require.NoError(t, f.mempool.Add(op0))
	require.NoError(t, queuer.Add(op2))
	require.NoError(t, f.mempool.Add(op1))
	assert.Equal(t, model.StatusQueued, f.recorder.get(op2.UserOpHash).Status)

	queuer.Flush(context.Background())
	assert.Equal(t, 0, queuer.Len())

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
}
