package metrics

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Layr-Labs/eigensdk-go/logging"

	"github.com/AvaProtocol/ap-bundler/pkg/units"
)

type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

type MetricsOnlyLogger struct {
	logging.Logger
}

func (l *MetricsOnlyLogger) Error(msg string, keysAndValues ...interface{}) {
	l.Logger.Error(fmt.Sprintf("[METRICS ONLY] %s", msg), keysAndValues...)
}

// WalletBalanceCollector reads executor and utility balances at scrape time
type WalletBalanceCollector struct {
	client  BalanceReader
	wallets map[string]common.Address
	logger  logging.Logger
	timeout time.Duration

	balance *prometheus.GaugeVec
}

var _ prometheus.Collector = (*WalletBalanceCollector)(nil)

// NewWalletBalanceCollector takes a label to address map, e.g. "executor_0" or "utility"
func NewWalletBalanceCollector(client BalanceReader, wallets map[string]common.Address, logger logging.Logger) *WalletBalanceCollector {
	return &WalletBalanceCollector{
		client:  client,
		wallets: wallets,
		logger:  &MetricsOnlyLogger{Logger: logger},
		timeout: 5 * time.Second,
		balance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: apNamespace,
				Subsystem: "wallet",
				Name:      "balance_eth",
				Help:      "Native balance of the bundler wallets",
			},
			[]string{"wallet", "address"},
		),
	}
}

func (c *WalletBalanceCollector) Describe(ch chan<- *prometheus.Desc) {
	c.balance.Describe(ch)
}

func (c *WalletBalanceCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for name, addr := range c.wallets {
		bal, err := c.client.BalanceAt(ctx, addr, nil)
		if err != nil {
			c.logger.Error("cannot read wallet balance", "wallet", name, "address", addr.Hex(), "error", err)
			continue
		}
		eth, _ := units.WeiToEther(bal).Float64()
		c.balance.WithLabelValues(name, addr.Hex()).Set(eth)
	}

	c.balance.Collect(ch)
}
