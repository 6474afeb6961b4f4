package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	sdkutils "github.com/Layr-Labs/eigensdk-go/utils"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-bundler/core/reputation"
)

// Config is the resolved bundler configuration
type Config struct {
	Environment sdklogging.LogLevel
	Logger      sdklogging.Logger

	EthRpcUrl  string
	EntryPoint common.Address

	ExecutorKeys       []*ecdsa.PrivateKey
	UtilityKey         *ecdsa.PrivateKey
	MaxSigners         int
	MinExecutorBalance *big.Int
	RefillInterval     time.Duration

	BundleMode      string
	BundleInterval  time.Duration
	MaxBundleGas    *big.Int
	MaxBundleCount  int
	PollingInterval time.Duration

	LegacyTransactions bool
	GasBumpMultiplier  int64
	GasPriceValidity   time.Duration
	GasStationURL      string

	NonceQueueInterval time.Duration
	NonceQueueMaxAge   time.Duration

	ReplaceStuckAfter      time.Duration
	MaxPotentiallyIncluded int

	SafeMode   bool
	Reputation reputation.Config

	DbPath         string
	DurableMempool bool

	HttpBindAddress           string
	EigenMetricsIpPortAddress string
	JwtSecret                 []byte
	SentryDsn                 string
	ServerName                string

	RpcTimeout time.Duration
	StatusTTL  time.Duration
}

// These are read from configPath
type ConfigRaw struct {
	Environment sdklogging.LogLevel `yaml:"environment" validate:"omitempty,oneof=development production"`

	EthRpcUrl         string `yaml:"eth_rpc_url" validate:"required,url"`
	EntryPointAddress string `yaml:"entrypoint_address" validate:"omitempty,eth_addr"`

	ExecutorPrivateKeys []string `yaml:"executor_private_keys" validate:"required,min=1,dive,hexadecimal"`
	UtilityPrivateKey   string   `yaml:"utility_private_key" validate:"omitempty,hexadecimal"`
	MaxSigners          int      `yaml:"max_signers" validate:"min=0"`
	// in ETH, e.g. "0.05"
	MinExecutorBalance string `yaml:"min_executor_balance" validate:"omitempty,numeric"`
	RefillInterval     string `yaml:"refill_interval"`

	BundleMode      string `yaml:"bundle_mode" validate:"omitempty,oneof=auto manual"`
	BundleInterval  string `yaml:"bundle_interval"`
	MaxBundleGas    uint64 `yaml:"max_bundle_gas"`
	MaxBundleCount  int    `yaml:"max_bundle_count" validate:"min=0"`
	PollingInterval string `yaml:"polling_interval"`

	LegacyTransactions      bool   `yaml:"legacy_transactions"`
	GasBumpMultiplier       int64  `yaml:"gas_bump_multiplier" validate:"min=0"`
	GasPriceValiditySeconds int    `yaml:"gas_price_validity_seconds" validate:"min=0"`
	GasStationURL           string `yaml:"gas_station_url" validate:"omitempty,url"`

	NonceQueueInterval string `yaml:"nonce_queue_interval"`
	NonceQueueMaxAge   string `yaml:"nonce_queue_max_age"`

	ReplaceStuckAfter      string `yaml:"replace_stuck_after"`
	MaxPotentiallyIncluded int    `yaml:"max_potentially_included" validate:"min=0"`

	SafeMode   *bool         `yaml:"safe_mode"`
	Reputation ReputationRaw `yaml:"reputation"`

	DbPath         string `yaml:"db_path"`
	DurableMempool bool   `yaml:"durable_mempool"`

	HttpBindAddress           string `yaml:"http_bind_address"`
	EigenMetricsIpPortAddress string `yaml:"metrics_ip_port_address"`
	JwtSecret                 string `yaml:"jwt_secret"`
	SentryDsn                 string `yaml:"sentry_dsn"`
	ServerName                string `yaml:"server_name"`

	RpcTimeout string `yaml:"rpc_timeout"`
	StatusTTL  string `yaml:"status_ttl"`
}

type ReputationRaw struct {
	MinInclusionDenominator        uint64   `yaml:"min_inclusion_denominator"`
	ThrottlingSlack                uint64   `yaml:"throttling_slack"`
	BanSlack                       uint64   `yaml:"ban_slack"`
	MaxMempoolOpsPerNewEntity      uint64   `yaml:"max_mempool_ops_per_new_entity"`
	ThrottledEntityMinMempoolCount uint64   `yaml:"throttled_entity_min_mempool_count"`
	InclusionRateFactor            uint64   `yaml:"inclusion_rate_factor"`
	MaxMempoolOpsPerSender         uint64   `yaml:"max_mempool_ops_per_sender"`
	ThrottledEntityBundleCount     int      `yaml:"throttled_entity_bundle_count" validate:"min=0"`
	MinStake                       string   `yaml:"min_stake" validate:"omitempty,numeric"`
	MinUnstakeDelay                uint64   `yaml:"min_unstake_delay"`
	Whitelist                      []string `yaml:"whitelist" validate:"dive,eth_addr"`
	Blacklist                      []string `yaml:"blacklist" validate:"dive,eth_addr"`
}

// NewConfig reads the yaml file at configFilePath and resolves it into a Config
func NewConfig(configFilePath string) (*Config, error) {
	var configRaw ConfigRaw
	if err := sdkutils.ReadYamlConfig(configFilePath, &configRaw); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configFilePath, err)
	}

	return FromRaw(configRaw)
}

// FromRaw validates raw and fills in the defaults of every optional key
func FromRaw(raw ConfigRaw) (*Config, error) {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(raw); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if raw.Environment == "" {
		raw.Environment = sdklogging.Production
	}
	logger, err := sdklogging.NewZapLogger(raw.Environment)
	if err != nil {
		return nil, err
	}

	c := &Config{
		Environment:               raw.Environment,
		Logger:                    logger,
		EthRpcUrl:                 raw.EthRpcUrl,
		EntryPoint:                EntryPointV06,
		MaxSigners:                raw.MaxSigners,
		BundleMode:                orDefault(raw.BundleMode, "auto"),
		MaxBundleCount:            raw.MaxBundleCount,
		LegacyTransactions:        raw.LegacyTransactions,
		GasBumpMultiplier:         raw.GasBumpMultiplier,
		GasStationURL:             raw.GasStationURL,
		MaxPotentiallyIncluded:    orDefault(raw.MaxPotentiallyIncluded, 3),
		SafeMode:                  raw.SafeMode == nil || *raw.SafeMode,
		DbPath:                    orDefault(raw.DbPath, "/tmp/ap-bundler/db"),
		DurableMempool:            raw.DurableMempool,
		HttpBindAddress:           raw.HttpBindAddress,
		EigenMetricsIpPortAddress: raw.EigenMetricsIpPortAddress,
		JwtSecret:                 []byte(raw.JwtSecret),
		SentryDsn:                 raw.SentryDsn,
		ServerName:                raw.ServerName,
	}
	if raw.EntryPointAddress != "" {
		c.EntryPoint = common.HexToAddress(raw.EntryPointAddress)
	}

	for i, k := range raw.ExecutorPrivateKeys {
		key, err := crypto.HexToECDSA(trimHexPrefix(k))
		if err != nil {
			return nil, fmt.Errorf("cannot parse executor private key %d: %w", i, err)
		}
		c.ExecutorKeys = append(c.ExecutorKeys, key)
	}
	if raw.UtilityPrivateKey != "" {
		if c.UtilityKey, err = crypto.HexToECDSA(trimHexPrefix(raw.UtilityPrivateKey)); err != nil {
			return nil, fmt.Errorf("cannot parse utility private key: %w", err)
		}
	}

	if raw.MinExecutorBalance != "" {
		eth, err := decimal.NewFromString(raw.MinExecutorBalance)
		if err != nil {
			return nil, fmt.Errorf("min_executor_balance: %w", err)
		}
		c.MinExecutorBalance = eth.Shift(18).BigInt()
	}

	c.MaxBundleGas = new(big.Int).SetUint64(raw.MaxBundleGas)
	if raw.MaxBundleGas == 0 {
		c.MaxBundleGas = big.NewInt(5_000_000)
	}
	c.GasPriceValidity = time.Duration(orDefault(raw.GasPriceValiditySeconds, 10)) * time.Second

	durations := []struct {
		name  string
		raw   string
		def   time.Duration
		value *time.Duration
	}{
		{"refill_interval", raw.RefillInterval, 20 * time.Minute, &c.RefillInterval},
		{"bundle_interval", raw.BundleInterval, time.Second, &c.BundleInterval},
		{"polling_interval", raw.PollingInterval, time.Second, &c.PollingInterval},
		{"nonce_queue_interval", raw.NonceQueueInterval, 2 * time.Second, &c.NonceQueueInterval},
		{"nonce_queue_max_age", raw.NonceQueueMaxAge, 15 * time.Minute, &c.NonceQueueMaxAge},
		{"replace_stuck_after", raw.ReplaceStuckAfter, 5 * time.Minute, &c.ReplaceStuckAfter},
		{"rpc_timeout", raw.RpcTimeout, 10 * time.Second, &c.RpcTimeout},
		{"status_ttl", raw.StatusTTL, time.Hour, &c.StatusTTL},
	}
	for _, d := range durations {
		if *d.value, err = parseDuration(d.raw, d.def); err != nil {
			return nil, fmt.Errorf("%s: %w", d.name, err)
		}
	}

	if c.Reputation, err = reputationFromRaw(raw.Reputation); err != nil {
		return nil, err
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func reputationFromRaw(raw ReputationRaw) (reputation.Config, error) {
	d := reputation.DefaultConfig()
	r := reputation.Config{
		MinInclusionDenominator:           orDefault(raw.MinInclusionDenominator, d.MinInclusionDenominator),
		ThrottlingSlack:                   orDefault(raw.ThrottlingSlack, d.ThrottlingSlack),
		BanSlack:                          orDefault(raw.BanSlack, d.BanSlack),
		MaxMempoolOpsPerNewUnstakedEntity: orDefault(raw.MaxMempoolOpsPerNewEntity, d.MaxMempoolOpsPerNewUnstakedEntity),
		ThrottledEntityMinMempoolCount:    orDefault(raw.ThrottledEntityMinMempoolCount, d.ThrottledEntityMinMempoolCount),
		InclusionRateFactor:               orDefault(raw.InclusionRateFactor, d.InclusionRateFactor),
		MaxMempoolOpsPerSender:            orDefault(raw.MaxMempoolOpsPerSender, d.MaxMempoolOpsPerSender),
		ThrottledEntityBundleCount:        orDefault(raw.ThrottledEntityBundleCount, d.ThrottledEntityBundleCount),
		MinStake:                          d.MinStake,
		MinUnstakeDelay:                   d.MinUnstakeDelay,
		Whitelist:                         convertToAddressSlice(raw.Whitelist),
		Blacklist:                         convertToAddressSlice(raw.Blacklist),
	}
	if raw.MinUnstakeDelay > 0 {
		r.MinUnstakeDelay = new(big.Int).SetUint64(raw.MinUnstakeDelay)
	}
	if raw.MinStake != "" {
		stake, ok := new(big.Int).SetString(raw.MinStake, 10)
		if !ok {
			return r, fmt.Errorf("reputation.min_stake: %q is not an integer", raw.MinStake)
		}
		r.MinStake = stake
	}
	return r, nil
}

func (c *Config) validate() error {
	if c.MaxSigners > len(c.ExecutorKeys) {
		return fmt.Errorf("max_signers %d exceeds the %d executor keys", c.MaxSigners, len(c.ExecutorKeys))
	}
	if c.MinExecutorBalance != nil && c.MinExecutorBalance.Sign() > 0 && c.UtilityKey == nil {
		return fmt.Errorf("min_executor_balance requires utility_private_key")
	}
	if c.DurableMempool && c.DbPath == "" {
		return fmt.Errorf("durable_mempool requires db_path")
	}
	if c.HttpBindAddress != "" && len(c.JwtSecret) == 0 {
		return fmt.Errorf("http_bind_address requires jwt_secret for the admin endpoints")
	}
	return nil
}
