package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKeyHex(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return hexutil.Encode(crypto.FromECDSA(key))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNewConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
eth_rpc_url: http://localhost:8545
executor_private_keys:
  - `+newKeyHex(t)+`
  - `+newKeyHex(t)+`
`)

	c, err := NewConfig(path)
	require.NoError(t, err)

	assert.Len(t, c.ExecutorKeys, 2)
	assert.Nil(t, c.UtilityKey)
	assert.Equal(t, EntryPointV06, c.EntryPoint)
	assert.Equal(t, "auto", c.BundleMode)
	assert.True(t, c.SafeMode)
	assert.Equal(t, 3, c.MaxPotentiallyIncluded)
	assert.Equal(t, 5*time.Minute, c.ReplaceStuckAfter)
	assert.Equal(t, 10*time.Second, c.GasPriceValidity)
	assert.Equal(t, big.NewInt(5_000_000), c.MaxBundleGas)
	assert.Equal(t, uint64(50), c.Reputation.BanSlack)
	assert.Equal(t, 4, c.Reputation.ThrottledEntityBundleCount)
	assert.NotNil(t, c.Logger)
}

func TestNewConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: development
eth_rpc_url: https://rpc.example.org
entrypoint_address: "0x0000000071727De22E5E9d8BAf0edAc6f37da032"
executor_private_keys:
  - `+newKeyHex(t)+`
utility_private_key: `+newKeyHex(t)+`
min_executor_balance: "0.05"
bundle_mode: manual
max_bundle_gas: 10000000
replace_stuck_after: 2m
max_potentially_included: 5
safe_mode: false
legacy_transactions: true
gas_bump_multiplier: 120
http_bind_address: ":4337"
jwt_secret: s3cret
reputation:
  ban_slack: 20
  min_stake: "1000000000000000000"
  whitelist:
    - "0x1111111111111111111111111111111111111111"
`)

	c, err := NewConfig(path)
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032"), c.EntryPoint)
	assert.NotNil(t, c.UtilityKey)
	assert.Equal(t, "50000000000000000", c.MinExecutorBalance.String())
	assert.Equal(t, "manual", c.BundleMode)
	assert.Equal(t, big.NewInt(10_000_000), c.MaxBundleGas)
	assert.Equal(t, 2*time.Minute, c.ReplaceStuckAfter)
	assert.Equal(t, 5, c.MaxPotentiallyIncluded)
	assert.False(t, c.SafeMode)
	assert.True(t, c.LegacyTransactions)
	assert.Equal(t, int64(120), c.GasBumpMultiplier)
	assert.Equal(t, []byte("s3cret"), c.JwtSecret)
	assert.Equal(t, uint64(20), c.Reputation.BanSlack)
	assert.Equal(t, "1000000000000000000", c.Reputation.MinStake.String())
	assert.Equal(t, []common.Address{common.HexToAddress("0x1111111111111111111111111111111111111111")}, c.Reputation.Whitelist)
}

func TestFromRawRejects(t *testing.T) {
	key := newKeyHex(t)

	tests := []struct {
		name string
		raw  ConfigRaw
	}{
		{"missing rpc url", ConfigRaw{ExecutorPrivateKeys: []string{key}}},
		{"no executor keys", ConfigRaw{EthRpcUrl: "http://localhost:8545"}},
		{"bad key", ConfigRaw{EthRpcUrl: "http://localhost:8545", ExecutorPrivateKeys: []string{"0xabc"}}},
		{"unknown bundle mode", ConfigRaw{EthRpcUrl: "http://localhost:8545", ExecutorPrivateKeys: []string{key}, BundleMode: "sometimes"}},
		{"bad duration", ConfigRaw{EthRpcUrl: "http://localhost:8545", ExecutorPrivateKeys: []string{key}, BundleInterval: "soon"}},
		{"more signers than keys", ConfigRaw{EthRpcUrl: "http://localhost:8545", ExecutorPrivateKeys: []string{key}, MaxSigners: 2}},
		{"refill without utility", ConfigRaw{EthRpcUrl: "http://localhost:8545", ExecutorPrivateKeys: []string{key}, MinExecutorBalance: "1"}},
		{"http without secret", ConfigRaw{EthRpcUrl: "http://localhost:8545", ExecutorPrivateKeys: []string{key}, HttpBindAddress: ":4337"}},
		{"bad whitelist", ConfigRaw{EthRpcUrl: "http://localhost:8545", ExecutorPrivateKeys: []string{key}, Reputation: ReputationRaw{Whitelist: []string{"nope"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromRaw(tt.raw)
			assert.Error(t, err)
		})
	}
}
