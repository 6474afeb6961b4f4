package bundler

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	sdkmetrics "github.com/Layr-Labs/eigensdk-go/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-co-op/gocron/v2"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AvaProtocol/ap-bundler/core/apqueue"
	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/core/executor"
	"github.com/AvaProtocol/ap-bundler/core/gasprice"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/monitor"
	"github.com/AvaProtocol/ap-bundler/core/noncequeue"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/core/validation"
	"github.com/AvaProtocol/ap-bundler/core/wallet"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/storage"
	"github.com/AvaProtocol/ap-bundler/version"
)

const metricsName = "ap-bundler"

// RunWithConfig loads the config at configPath and runs the bundler until
// SIGINT or SIGTERM
func RunWithConfig(configPath string) error {
	c, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %s\nMake sure it is exist and a valid yaml file %w.", configPath, err)
	}

	b, err := NewBundler(c)
	if err != nil {
		return err
	}

	return b.Start(context.Background())
}

// FlushWalletsWithConfig runs the startup wallet recovery only: balances are
// checked and refilled, and stuck executor nonces are flushed
func FlushWalletsWithConfig(ctx context.Context, configPath string) error {
	c, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %s\nMake sure it is exist and a valid yaml file %w.", configPath, err)
	}

	b, err := NewBundler(c)
	if err != nil {
		return err
	}

	client, err := ethclient.Dial(c.EthRpcUrl)
	if err != nil {
		return fmt.Errorf("cannot connect to %s: %w", c.EthRpcUrl, err)
	}
	defer client.Close()

	if err := b.init(ctx, client); err != nil {
		return err
	}
	defer b.shutdown()

	return b.FlushWallets(ctx)
}

// Bundler wires the mempool, nonce queuer, wallet pool, gas price oracle,
// reputation tracker and executors together and exposes the upward API.
type Bundler struct {
	config *config.Config
	logger sdklogging.Logger

	client  chainio.ChainClient
	chainID *big.Int
	codec   userop.OperationCodec

	db    storage.Storage
	queue *apqueue.Queue

	oracle     *gasprice.Oracle
	pool       *wallet.Pool
	reputation reputation.Tracker
	mempool    *mempool.Mempool
	monitor    *monitor.Monitor
	queuer     *noncequeue.Queuer
	validator  validation.Validator
	executor   *executor.Executor
	manager    *executor.Manager

	metrics      metrics.MetricsSink
	eigenMetrics sdkmetrics.Metrics
	registry     *prometheus.Registry

	scheduler  gocron.Scheduler
	httpServer *echo.Echo
}

func NewBundler(c *config.Config) (*Bundler, error) {
	if c == nil {
		return nil, fmt.Errorf("missing bundler config")
	}
	if len(c.ExecutorKeys) == 0 {
		return nil, fmt.Errorf("at least one executor key is required")
	}

	return &Bundler{
		config:  c,
		logger:  c.Logger,
		codec:   aa.CodecV06{},
		metrics: metrics.NewNoopMetrics(),
	}, nil
}

// init builds every component on top of client
func (b *Bundler) init(ctx context.Context, client chainio.ChainClient) error {
	c := b.config
	b.client = client

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("cannot read chain id: %w", err)
	}
	b.chainID = chainID
	b.logger.Info("connected to chain", "chain_id", chainID.String(), "entrypoint", c.EntryPoint.Hex())

	wallets := make([]*wallet.Wallet, len(c.ExecutorKeys))
	walletAddrs := make(map[string]common.Address, len(c.ExecutorKeys))
	for i, key := range c.ExecutorKeys {
		wallets[i] = wallet.New(key)
		walletAddrs[fmt.Sprintf("executor-%d", i)] = wallets[i].Address
	}
	var utility *wallet.Wallet
	if c.UtilityKey != nil {
		utility = wallet.New(c.UtilityKey)
		walletAddrs["utility"] = utility.Address
	}

	if c.EigenMetricsIpPortAddress != "" {
		b.registry = prometheus.NewRegistry()
		eigenMetrics := sdkmetrics.NewEigenMetrics(metricsName, c.EigenMetricsIpPortAddress, b.registry, b.logger)
		b.eigenMetrics = eigenMetrics
		b.metrics = metrics.NewBundlerMetrics(eigenMetrics, b.registry)
		b.registry.MustRegister(metrics.NewWalletBalanceCollector(client, walletAddrs, b.logger))
	}

	b.oracle = gasprice.New(client, gasprice.Config{
		ChainID:        chainID,
		Legacy:         c.LegacyTransactions,
		BumpMultiplier: c.GasBumpMultiplier,
		Validity:       c.GasPriceValidity,
		GasStationURL:  c.GasStationURL,
		Timeout:        c.RpcTimeout,
	}, b.logger)

	b.pool, err = wallet.NewPool(wallets, utility, client, b.oracle, wallet.Config{
		ChainID:    chainID,
		MaxSigners: c.MaxSigners,
		MinBalance: c.MinExecutorBalance,
		Legacy:     c.LegacyTransactions,
	}, b.metrics, b.logger)
	if err != nil {
		return err
	}

	if c.SafeMode {
		b.reputation = reputation.NewManager(c.Reputation, b.logger)
		b.validator = validation.NewEntryPointValidator(client, c.EntryPoint, c.RpcTimeout, b.logger)
	} else {
		b.logger.Warn("safe mode is off, reputation and simulation are skipped")
		b.reputation = reputation.NullTracker{}
		b.validator = validation.NoopValidator{}
	}

	if b.monitor, err = monitor.New(ctx, c.StatusTTL, b.logger); err != nil {
		return fmt.Errorf("cannot create status monitor: %w", err)
	}

	store, err := b.initStore()
	if err != nil {
		return err
	}
	b.mempool = mempool.New(store, mempool.Config{
		SafeMode:                   c.SafeMode,
		ThrottledEntityBundleCount: c.Reputation.ThrottledEntityBundleCount,
	}, b.reputation, b.monitor, b.metrics, b.logger)

	b.queuer = noncequeue.New(b.mempool, client, b.monitor, b.reputation, noncequeue.Config{
		EntryPoint: c.EntryPoint,
		Interval:   c.NonceQueueInterval,
		MaxAge:     c.NonceQueueMaxAge,
		Timeout:    c.RpcTimeout,
	}, b.logger)

	b.executor = executor.New(client, b.pool, b.oracle, b.reputation, b.codec, executor.Config{
		EntryPoint: c.EntryPoint,
		ChainID:    chainID,
		Legacy:     c.LegacyTransactions,
		Timeout:    c.RpcTimeout,
	}, b.logger)

	b.manager = executor.NewManager(b.executor, b.mempool, b.reputation, b.monitor, b.oracle, client, b.metrics, executor.ManagerConfig{
		Mode:                   executor.BundlingMode(c.BundleMode),
		BundleInterval:         c.BundleInterval,
		MaxBundleGas:           c.MaxBundleGas,
		MaxBundleCount:         c.MaxBundleCount,
		PollingInterval:        c.PollingInterval,
		ReplaceStuckAfter:      c.ReplaceStuckAfter,
		MaxPotentiallyIncluded: c.MaxPotentiallyIncluded,
		Timeout:                c.RpcTimeout,
	}, b.logger)

	return nil
}

func (b *Bundler) initStore() (*mempool.Store, error) {
	if !b.config.DurableMempool {
		return mempool.NewMemoryStore(), nil
	}

	db, err := storage.NewWithPath(b.config.DbPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open mempool db at %s: %w", b.config.DbPath, err)
	}
	if err := db.Setup(); err != nil {
		return nil, err
	}
	b.db = db

	b.queue = apqueue.New(db, b.logger, &apqueue.QueueOption{Prefix: mempool.DurableQueuePrefix})
	if err := b.queue.MustStart(); err != nil {
		return nil, err
	}

	return mempool.NewDurableStore(b.queue, b.logger)
}

// FlushWallets validates and refills the executor balances, then flushes
// every executor nonce left pending by an earlier run
func (b *Bundler) FlushWallets(ctx context.Context) error {
	if err := b.pool.Refill(ctx); err != nil {
		b.logger.Error("failed to refill executor wallets", "error", err)
	}

	return b.executor.FlushStuckTransactions(ctx)
}

func (b *Bundler) startScheduler(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	if b.pool.Utility() != nil {
		_, err = scheduler.NewJob(
			gocron.DurationJob(b.config.RefillInterval),
			gocron.NewTask(func() {
				if err := b.pool.Refill(ctx); err != nil {
					b.logger.Error("scheduled wallet refill failed", "error", err)
				}
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule wallet refill: %w", err)
		}
	}

	scheduler.Start()
	b.scheduler = scheduler
	return nil
}

func (b *Bundler) startMetrics(ctx context.Context) {
	if b.eigenMetrics == nil {
		b.logger.Info("metrics server disabled: no metrics_ip_port_address configured")
		return
	}

	errC := b.eigenMetrics.Start(ctx, b.registry)
	goSafe(func() {
		for err := range errC {
			b.logger.Error("metrics server failed", "error", err)
		}
	})
}

func (b *Bundler) Start(ctx context.Context) error {
	b.logger.Infof("Starting bundler %s", version.Get())
	b.initSentry()
	defer sentryFlushSafely(2 * time.Second)

	client, err := ethclient.Dial(b.config.EthRpcUrl)
	if err != nil {
		return fmt.Errorf("cannot connect to %s: %w", b.config.EthRpcUrl, err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.logger.Infof("Initialize components")
	if err := b.init(ctx, client); err != nil {
		return err
	}
	defer b.shutdown()

	b.logger.Infof("Flushing executor wallets")
	if err := b.FlushWallets(ctx); err != nil {
		b.logger.Error("failed to flush executor wallets", "error", err)
	}

	if err := b.startServices(ctx); err != nil {
		return err
	}

	b.logger.Infof("Starting http server")
	b.startHttpServer(ctx)
	b.startMetrics(ctx)

	// Setup wait signal
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-ctx.Done():
	}
	b.logger.Infof("Shutting down...")

	b.stopHttpServer()
	return nil
}

func (b *Bundler) startServices(ctx context.Context) error {
	if err := b.startScheduler(ctx); err != nil {
		return err
	}
	if err := b.queuer.Start(); err != nil {
		return err
	}
	return b.manager.Start(ctx)
}

// shutdown stops components in the reverse order of init
func (b *Bundler) shutdown() {
	if b.manager != nil {
		if err := b.manager.Stop(); err != nil {
			b.logger.Error("failed to stop executor manager", "error", err)
		}
	}
	if b.queuer != nil {
		if err := b.queuer.Stop(); err != nil {
			b.logger.Error("failed to stop nonce queuer", "error", err)
		}
	}
	if b.scheduler != nil {
		if err := b.scheduler.Shutdown(); err != nil {
			b.logger.Error("failed to stop scheduler", "error", err)
		}
	}
	if b.monitor != nil {
		_ = b.monitor.Close()
	}
	if b.queue != nil {
		_ = b.queue.Stop()
	}
	if b.db != nil {
		_ = b.db.Close()
	}
}
