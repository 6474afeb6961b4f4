package executor

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-co-op/gocron/v2"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/model"
)

type BundlingMode string

const (
	BundlingAuto   BundlingMode = "auto"
	BundlingManual BundlingMode = "manual"
)

const (
	DefaultBundleInterval         = time.Second
	DefaultPollingInterval        = time.Second
	DefaultReplaceStuckAfter      = 5 * time.Minute
	DefaultMaxPotentiallyIncluded = 3

	replaceReasonGasPrice = "gas_price"
	replaceReasonStuck    = "stuck"
)

type ManagerConfig struct {
	Mode           BundlingMode
	BundleInterval time.Duration
	MaxBundleGas   *big.Int
	// MaxBundleCount caps the ops per bundle, 0 means no cap
	MaxBundleCount int

	PollingInterval time.Duration
	// ReplaceStuckAfter is how long a transaction may stay unreplaced before
	// it is replaced regardless of its fees
	ReplaceStuckAfter time.Duration
	// MaxPotentiallyIncluded is how many ambiguous replacements a transaction
	// gets before its ops are dropped
	MaxPotentiallyIncluded int
	Timeout                time.Duration
}

// Manager pulls batches out of the mempool, hands them to the executor and
// follows the resulting transactions block by block until they are included,
// replaced or given up on.
type Manager struct {
	executor   *Executor
	mempool    *mempool.Mempool
	reputation reputation.Tracker
	monitor    mempool.StatusReporter
	oracle     FeeOracle
	client     chainio.ChainClient
	metrics    metrics.MetricsSink
	config     ManagerConfig

	ctx       context.Context
	scheduler gocron.Scheduler

	mu        sync.Mutex
	mode      BundlingMode
	bundleJob gocron.Job

	watching      bool
	stopWatch     context.CancelFunc
	handlingBlock atomic.Bool
	wg            sync.WaitGroup

	now    func() time.Time
	logger sdklogging.Logger
}

func NewManager(executor *Executor, pool *mempool.Mempool, tracker reputation.Tracker, monitor mempool.StatusReporter, oracle FeeOracle, client chainio.ChainClient, sink metrics.MetricsSink, config ManagerConfig, logger sdklogging.Logger) *Manager {
	if config.Mode == "" {
		config.Mode = BundlingAuto
	}
	if config.BundleInterval <= 0 {
		config.BundleInterval = DefaultBundleInterval
	}
	if config.PollingInterval <= 0 {
		config.PollingInterval = DefaultPollingInterval
	}
	if config.ReplaceStuckAfter <= 0 {
		config.ReplaceStuckAfter = DefaultReplaceStuckAfter
	}
	if config.MaxPotentiallyIncluded <= 0 {
		config.MaxPotentiallyIncluded = DefaultMaxPotentiallyIncluded
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxBundleGas == nil {
		config.MaxBundleGas = big.NewInt(5_000_000)
	}

	return &Manager{
		executor:   executor,
		mempool:    pool,
		reputation: tracker,
		monitor:    monitor,
		oracle:     oracle,
		client:     client,
		metrics:    sink,
		config:     config,
		ctx:        context.Background(),
		mode:       config.Mode,
		now:        time.Now,
		logger:     logger,
	}
}

// Start schedules auto bundling when the manager is in auto mode. ctx bounds
// every background cycle.
func (m *Manager) Start(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to initialize bundling scheduler: %w", err)
	}
	scheduler.Start()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ctx = ctx
	m.scheduler = scheduler
	if m.mode == BundlingAuto {
		return m.scheduleBundling()
	}
	return nil
}

func (m *Manager) Stop() error {
	m.stopWatching()

	var err error
	if m.scheduler != nil {
		err = m.scheduler.Shutdown()
	}
	m.wg.Wait()
	return err
}

func (m *Manager) scheduleBundling() error {
	job, err := m.scheduler.NewJob(
		gocron.DurationJob(m.config.BundleInterval),
		gocron.NewTask(func() {
			m.BundleAll(m.ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule auto bundling: %w", err)
	}
	m.bundleJob = job
	return nil
}

func (m *Manager) Mode() BundlingMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SetBundlingMode switches between interval driven and on demand bundling
func (m *Manager) SetBundlingMode(mode BundlingMode) error {
	if mode != BundlingAuto && mode != BundlingManual {
		return fmt.Errorf("unknown bundling mode %q", mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode == mode {
		return nil
	}
	m.mode = mode
	m.logger.Info("bundling mode changed", "mode", mode)

	if m.scheduler == nil {
		return nil
	}
	if mode == BundlingAuto {
		return m.scheduleBundling()
	}
	if m.bundleJob != nil {
		if err := m.scheduler.RemoveJob(m.bundleJob.ID()); err != nil {
			return err
		}
		m.bundleJob = nil
	}
	return nil
}

// BundleAll drains the mempool into gas bounded batches and sends them out
// concurrently, one wallet each
func (m *Manager) BundleAll(ctx context.Context) {
	var batches [][]*model.UserOpInfo
	for {
		ops := m.mempool.Process(m.config.MaxBundleGas, m.config.MaxBundleCount)
		if len(ops) == 0 {
			break
		}
		batches = append(batches, ops)
	}
	if len(batches) == 0 {
		return
	}

	var g errgroup.Group
	for _, ops := range batches {
		g.Go(func() error {
			m.sendToExecutor(ctx, ops)
			return nil
		})
	}
	_ = g.Wait()
}

// BundleNow sends a single batch and returns its transaction hash
func (m *Manager) BundleNow(ctx context.Context) (common.Hash, error) {
	ops := m.mempool.Process(m.config.MaxBundleGas, m.config.MaxBundleCount)
	if len(ops) == 0 {
		return common.Hash{}, ErrNoOpsToBundle
	}

	txHash, ok := m.sendToExecutor(ctx, ops)
	if !ok {
		return common.Hash{}, ErrBundleNotSubmitted
	}
	return txHash, nil
}

func (m *Manager) sendToExecutor(ctx context.Context, ops []*model.UserOpInfo) (common.Hash, bool) {
	results := m.executor.Bundle(ctx, ops)
	m.metrics.IncBundle(bundleStatus(results))

	var txHash common.Hash
	submitted := false
	for _, r := range results {
		hash := r.UserOpInfo.UserOpHash

		switch r.Status {
		case model.BundleSuccess:
			if err := m.mempool.MarkSubmitted(hash, r.TransactionInfo); err != nil {
				m.logger.Error("cannot mark user operation submitted", "userop_hash", hash.Hex(), "error", err)
				continue
			}
			txHash = r.TransactionInfo.TransactionHash
			submitted = true
		case model.BundleFailure:
			if _, err := m.mempool.RemoveProcessing(hash); err != nil {
				m.logger.Warn("cannot remove rejected user operation", "userop_hash", hash.Hex(), "error", err)
			}
			m.monitor.SetStatus(hash, model.UserOpStatus{Status: model.StatusRejected})
			m.logger.Warn("user operation rejected", "userop_hash", hash.Hex(), "reason", r.Reason)
		case model.BundleResubmit:
			m.logger.Info("resubmitting user operation", "userop_hash", hash.Hex(), "reason", r.Reason)
			if err := m.mempool.Resubmit(hash); err != nil {
				m.logger.Error("cannot resubmit user operation", "userop_hash", hash.Hex(), "error", err)
			}
		}
	}

	if submitted {
		m.startWatching()
	}
	return txHash, submitted
}

func bundleStatus(results []*model.BundleResult) string {
	for _, s := range []model.BundleStatus{model.BundleSuccess, model.BundleResubmit, model.BundleFailure} {
		if lo.EveryBy(results, func(r *model.BundleResult) bool { return r.Status == s }) {
			return string(s)
		}
	}
	return "partial"
}

func (m *Manager) startWatching() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watching {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.watching = true
	m.stopWatch = cancel

	heads := make(chan uint64, 1)
	m.wg.Add(2)
	go m.pollHeads(ctx, heads)
	go func() {
		defer m.wg.Done()
		for range heads {
			m.HandleBlock(ctx)
		}
	}()
	m.logger.Debug("started watching blocks")
}

func (m *Manager) stopWatching() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.haltWatcherLocked()
}

// stopWatchingIfIdle stops the block watcher unless a transaction was
// submitted since the caller last looked. sendToExecutor marks ops submitted
// before it takes m.mu in startWatching, so the check under m.mu sees them.
func (m *Manager) stopWatchingIfIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.mempool.DumpSubmitted()) > 0 {
		return
	}
	m.haltWatcherLocked()
}

func (m *Manager) haltWatcherLocked() {
	if !m.watching {
		return
	}
	m.watching = false
	m.stopWatch()
	m.logger.Debug("stopped watching blocks")
}

// pollHeads delivers each new block number. A block that arrives while the
// previous one is still queued is dropped.
func (m *Manager) pollHeads(ctx context.Context, heads chan<- uint64) {
	defer m.wg.Done()
	defer close(heads)

	ticker := time.NewTicker(m.config.PollingInterval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		callCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
		head, err := m.client.HeaderByNumber(callCtx, nil)
		cancel()
		if err != nil {
			m.logger.Warn("error while watching blocks", "error", err)
			continue
		}

		number := head.Number.Uint64()
		if number <= last {
			continue
		}
		last = number

		select {
		case heads <- number:
		default:
		}
	}
}

// HandleBlock refreshes every submitted transaction, then replaces those
// which pay less than the current gas price or have waited too long. It is
// a no-op while a previous call is still running.
func (m *Manager) HandleBlock(ctx context.Context) {
	if !m.handlingBlock.CompareAndSwap(false, true) {
		return
	}
	defer m.handlingBlock.Store(false)

	if len(m.mempool.DumpSubmitted()) == 0 {
		m.stopWatchingIfIdle()
		return
	}

	m.refreshTransactionStatuses(ctx)

	fees, err := m.oracle.GetGasPrice(ctx)
	if err != nil {
		m.logger.Warn("cannot get gas price, skipping fee replacements", "error", err)
	} else {
		for _, tx := range transactions(m.mempool.DumpSubmitted()) {
			req := tx.TransactionRequest
			if req.MaxFeePerGas.Cmp(fees.MaxFeePerGas) >= 0 && req.MaxPriorityFeePerGas.Cmp(fees.MaxPriorityFeePerGas) >= 0 {
				continue
			}
			m.replaceTransaction(ctx, tx, replaceReasonGasPrice)
		}
	}

	now := m.now()
	for _, tx := range transactions(m.mempool.DumpSubmitted()) {
		if now.Sub(tx.LastReplaced) < m.config.ReplaceStuckAfter {
			continue
		}
		m.replaceTransaction(ctx, tx, replaceReasonStuck)
	}
}

// transactions lists the distinct transactions of submitted ops
func transactions(entries []*model.SubmittedUserOp) []*model.TransactionInfo {
	txs := lo.Map(entries, func(e *model.SubmittedUserOp, _ int) *model.TransactionInfo { return e.TransactionInfo })
	return lo.UniqBy(txs, func(tx *model.TransactionInfo) common.Hash { return tx.TransactionHash })
}

func (m *Manager) refreshTransactionStatuses(ctx context.Context) {
	var g errgroup.Group
	for _, tx := range transactions(m.mempool.DumpSubmitted()) {
		g.Go(func() error {
			m.refreshTransactionStatus(ctx, tx)
			return nil
		})
	}
	_ = g.Wait()
}

// refreshTransactionStatus checks the current and every previous hash of tx
// and settles its ops once one of them has a receipt
func (m *Manager) refreshTransactionStatus(ctx context.Context, tx *model.TransactionInfo) {
	hashes := tx.AllHashes()
	results := make([]*aa.InclusionResult, len(hashes))

	var g errgroup.Group
	for i, h := range hashes {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
			defer cancel()
			results[i] = aa.TransactionIncluded(callCtx, m.client, m.executor.config.EntryPoint, h)
			return nil
		})
	}
	_ = g.Wait()

	final, found := lo.Find(results, func(r *aa.InclusionResult) bool { return r.Status == aa.TxIncluded })
	if !found {
		final, found = lo.Find(results, func(r *aa.InclusionResult) bool {
			return r.Status == aa.TxReverted || r.Status == aa.TxFailed
		})
	}
	if !found {
		m.logger.Debug("bundle transaction still pending", "tx_hash", tx.TransactionHash.Hex())
		return
	}

	txHash := final.TransactionHash
	if final.Status == aa.TxIncluded {
		m.settleIncluded(tx, final)
	} else {
		for _, info := range tx.UserOpInfos {
			if _, err := m.mempool.RemoveSubmitted(info.UserOpHash); err != nil {
				continue
			}
			m.monitor.SetStatus(info.UserOpHash, model.UserOpStatus{Status: model.StatusRejected, TransactionHash: &txHash})
			m.logger.Info("user operation failed on chain", "userop_hash", info.UserOpHash.Hex(), "tx_hash", txHash.Hex(), "status", final.Status)
		}
	}

	m.executor.MarkWalletProcessed(tx.Executor)
}

func (m *Manager) settleIncluded(tx *model.TransactionInfo, result *aa.InclusionResult) {
	txHash := result.TransactionHash
	now := m.now()

	for _, info := range tx.UserOpInfos {
		if _, err := m.mempool.RemoveSubmitted(info.UserOpHash); err != nil {
			continue
		}

		detail, ok := result.UserOps[info.UserOpHash]
		if !ok {
			m.monitor.SetStatus(info.UserOpHash, model.UserOpStatus{Status: model.StatusRejected, TransactionHash: &txHash})
			m.logger.Warn("user operation missing from included bundle", "userop_hash", info.UserOpHash.Hex(), "tx_hash", txHash.Hex())
			continue
		}

		m.metrics.IncUserOpsIncluded()
		m.metrics.ObserveInclusionDuration(now.Sub(info.FirstSubmitted))
		m.reputation.UpdateIncludedStatus(info.UserOperation, detail.AccountDeployed)
		m.monitor.SetStatus(info.UserOpHash, model.UserOpStatus{Status: model.StatusIncluded, TransactionHash: &txHash})
		m.logger.Info("user op included",
			"userop_hash", info.UserOpHash.Hex(),
			"tx_hash", txHash.Hex(),
			"block", result.BlockNumber,
			"success", detail.Success)
	}
}

func (m *Manager) replaceTransaction(ctx context.Context, tx *model.TransactionInfo, reason string) {
	logger := m.logger.With("old_tx_hash", tx.TransactionHash.Hex(), "reason", reason)

	result, err := m.executor.ReplaceTransaction(ctx, tx)
	if err != nil {
		m.metrics.IncReplacement(reason, "error")
		logger.Warn("cannot replace transaction, retrying next block", "error", err)
		return
	}
	m.metrics.IncReplacement(reason, string(result.Status))

	switch result.Status {
	case ReplaceFailed:
		for _, info := range tx.UserOpInfos {
			if _, err := m.mempool.RemoveSubmitted(info.UserOpHash); err != nil {
				continue
			}
			m.monitor.SetStatus(info.UserOpHash, model.UserOpStatus{Status: model.StatusRejected})
			logger.Warn("user operation rejected", "userop_hash", info.UserOpHash.Hex())
		}
		logger.Warn("failed to replace transaction")

	case ReplacePotentiallyIncluded:
		counted := *tx
		counted.TimesPotentiallyIncluded++
		counted.LastReplaced = m.now()
		logger.Info("transaction potentially already included", "times", counted.TimesPotentiallyIncluded)

		if counted.TimesPotentiallyIncluded >= m.config.MaxPotentiallyIncluded {
			for _, info := range tx.UserOpInfos {
				_, _ = m.mempool.RemoveSubmitted(info.UserOpHash)
			}
			m.executor.MarkWalletProcessed(tx.Executor)
			logger.Warn("transaction potentially already included too many times, removing")
			return
		}
		for _, info := range tx.UserOpInfos {
			if err := m.mempool.ReplaceSubmitted(info, &counted); err != nil {
				logger.Debug("cannot update submitted user operation", "userop_hash", info.UserOpHash.Hex(), "error", err)
			}
		}

	case ReplaceSuccess:
		newTx := result.TransactionInfo
		kept := lo.SliceToMap(newTx.UserOpInfos, func(info *model.UserOpInfo) (common.Hash, *model.UserOpInfo) {
			return info.UserOpHash, info
		})

		for _, info := range tx.UserOpInfos {
			if replaced, ok := kept[info.UserOpHash]; ok {
				if err := m.mempool.ReplaceSubmitted(replaced, newTx); err != nil {
					logger.Warn("cannot update submitted user operation", "userop_hash", info.UserOpHash.Hex(), "error", err)
				}
				continue
			}
			if _, err := m.mempool.RemoveSubmitted(info.UserOpHash); err == nil {
				m.monitor.SetStatus(info.UserOpHash, model.UserOpStatus{Status: model.StatusRejected})
			}
			logger.Warn("missing op in new tx", "userop_hash", info.UserOpHash.Hex(), "new_tx_hash", newTx.TransactionHash.Hex())
		}
		logger.Info("replaced transaction", "new_tx_hash", newTx.TransactionHash.Hex())
	}
}
