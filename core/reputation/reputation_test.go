package reputation

import (
	"errors"
	"math/big"
	"testing"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/testutil"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

func newManager(mutate ...func(*Config)) *Manager {
	c := DefaultConfig()
	for _, fn := range mutate {
		fn(&c)
	}
	return NewManager(c, sdklogging.NewNoopLogger())
}

func senderN(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x1000 + i)))
}

func paymasterSim(op *userop.UserOperation, stake int64) *model.SimulationResult {
	return &model.SimulationResult{
		Valid:      true,
		SenderInfo: &model.StakeInfo{Addr: op.Sender},
		PaymasterInfo: &model.StakeInfo{
			Addr:            op.Paymaster(),
			Stake:           big.NewInt(stake),
			UnstakeDelaySec: big.NewInt(stake),
		},
	}
}

func TestDeriveStatus(t *testing.T) {
	c := DefaultConfig()
	tests := []struct {
		seen, included uint64
		want           Status
	}{
		{0, 0, StatusOK},
		{109, 0, StatusOK},
		{110, 0, StatusThrottled},
		{509, 0, StatusThrottled},
		{510, 0, StatusBanned},
		{1000, 0, StatusBanned},
		{1000, 50, StatusThrottled},
		{1000, 90, StatusOK},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, deriveStatus(tt.seen, tt.included, c), "seen=%d included=%d", tt.seen, tt.included)
	}
}

func TestStatusIsMonotonicInIncluded(t *testing.T) {
	c := DefaultConfig()
	rank := map[Status]int{StatusOK: 0, StatusThrottled: 1, StatusBanned: 2}

	for seen := uint64(0); seen <= 2000; seen += 37 {
		prev := rank[deriveStatus(seen, 0, c)]
		for included := uint64(1); included <= 200; included++ {
			cur := rank[deriveStatus(seen, included, c)]
			require.LessOrEqual(t, cur, prev, "seen=%d included=%d", seen, included)
			prev = cur
		}
	}
}

func TestWhitelistWinsOverBlacklist(t *testing.T) {
	both := testutil.Paymaster
	banned := testutil.Factory

	m := newManager(func(c *Config) {
		c.Whitelist = []common.Address{both}
		c.Blacklist = []common.Address{both, banned}
	})
	m.SetReputation([]Entry{{Address: both, OpsSeen: 1000}})

	assert.Equal(t, StatusOK, m.GetStatus(both))
	assert.Equal(t, StatusBanned, m.GetStatus(banned))
	assert.Equal(t, StatusOK, m.GetStatus(testutil.Sender1))
}

func TestCheckReputationRejectsBannedEntity(t *testing.T) {
	m := newManager()
	m.SetReputation([]Entry{{Address: testutil.Paymaster, OpsSeen: 1000}})

	op := testutil.WithPaymaster(testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0), testutil.Paymaster)
	err := m.CheckReputation(op, paymasterSim(op, 0))

	var repErr *Error
	require.True(t, errors.As(err, &repErr))
	assert.Equal(t, CodeReputation, repErr.Code)
	assert.Equal(t, EntityPaymaster, repErr.Entity)
	assert.Equal(t, StatusBanned, repErr.Status)

	// seen is counted, occupancy is rolled back
	assert.Equal(t, uint64(0), m.Occupancy(testutil.Paymaster))
	seen := map[common.Address]uint64{}
	for _, e := range m.DumpReputations() {
		seen[e.Address] = e.OpsSeen
	}
	assert.Equal(t, uint64(1), seen[testutil.Sender1])
	assert.Equal(t, uint64(1001), seen[testutil.Paymaster])
}

func TestCheckReputationThrottledAboveMinCount(t *testing.T) {
	m := newManager()
	m.SetReputation([]Entry{{Address: testutil.Paymaster, OpsSeen: 300}})
	require.Equal(t, StatusThrottled, m.GetStatus(testutil.Paymaster))

	for i := 0; i < 4; i++ {
		op := testutil.WithPaymaster(testutil.NewUserOp(senderN(i), big.NewInt(0), 0), testutil.Paymaster)
		require.NoError(t, m.CheckReputation(op, paymasterSim(op, 0)))
	}

	op := testutil.WithPaymaster(testutil.NewUserOp(senderN(5), big.NewInt(0), 0), testutil.Paymaster)
	err := m.CheckReputation(op, paymasterSim(op, 0))
	var repErr *Error
	require.True(t, errors.As(err, &repErr))
	assert.Equal(t, StatusThrottled, repErr.Status)
	assert.Equal(t, uint64(4), m.Occupancy(testutil.Paymaster))
}

func TestCheckReputationRequiresStakeAboveCap(t *testing.T) {
	m := newManager()

	for i := 0; i < 10; i++ {
		op := testutil.WithPaymaster(testutil.NewUserOp(senderN(i), big.NewInt(0), 0), testutil.Paymaster)
		require.NoError(t, m.CheckReputation(op, paymasterSim(op, 0)))
	}

	op := testutil.WithPaymaster(testutil.NewUserOp(senderN(11), big.NewInt(0), 0), testutil.Paymaster)
	err := m.CheckReputation(op, paymasterSim(op, 0))
	var repErr *Error
	require.True(t, errors.As(err, &repErr))
	assert.Equal(t, CodeInsufficientStake, repErr.Code)

	// a staked paymaster is not capped
	assert.NoError(t, m.CheckReputation(op, paymasterSim(op, 1)))
}

func TestCheckReputationSenderCap(t *testing.T) {
	m := newManager()

	for seq := uint64(0); seq < 4; seq++ {
		op := testutil.NewUserOp(testutil.Sender1, big.NewInt(0), seq)
		require.NoError(t, m.CheckReputation(op, nil))
	}

	err := m.CheckReputation(testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 4), nil)
	var repErr *Error
	require.True(t, errors.As(err, &repErr))
	assert.Equal(t, EntityAccount, repErr.Entity)
}

func TestMaxAllowedOps(t *testing.T) {
	m := newManager()
	addr := testutil.Paymaster

	assert.Equal(t, uint64(10), m.maxAllowedOps(addr))

	m.SetReputation([]Entry{{Address: addr, OpsSeen: 100, OpsIncluded: 50}})
	// 10 + floor(0.5 * 10) + 50
	assert.Equal(t, uint64(65), m.maxAllowedOps(addr))

	m.SetReputation([]Entry{{Address: addr, OpsSeen: 20_000, OpsIncluded: 20_000}})
	assert.Equal(t, uint64(10+10+10_000), m.maxAllowedOps(addr))
}

func TestCrashedHandleOps(t *testing.T) {
	tests := []struct {
		reason string
		blamed common.Address
	}{
		{"AA13 initCode failed or OOG", testutil.Factory},
		{"AA23 reverted (or OOG)", testutil.Sender1},
		{"AA33 reverted (or OOG)", testutil.Paymaster},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			m := newManager()
			op := testutil.WithFactory(testutil.WithPaymaster(testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0), testutil.Paymaster), testutil.Factory)

			m.CrashedHandleOps(op, tt.reason)

			entries := m.DumpReputations()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.blamed, entries[0].Address)
			assert.Equal(t, uint64(1000), entries[0].OpsSeen)
			assert.Equal(t, uint64(0), entries[0].OpsIncluded)
			assert.Equal(t, StatusBanned, entries[0].Status)
		})
	}

	m := newManager()
	m.CrashedHandleOps(testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0), "AA33 reverted")
	assert.Empty(t, m.DumpReputations(), "op without paymaster blames nobody")
}

func TestUpdateIncludedStatus(t *testing.T) {
	m := newManager()
	op := testutil.WithFactory(testutil.WithPaymaster(testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0), testutil.Paymaster), testutil.Factory)

	m.UpdateIncludedStatus(op, false)
	m.UpdateIncludedStatus(op, true)

	included := map[common.Address]uint64{}
	for _, e := range m.DumpReputations() {
		included[e.Address] = e.OpsIncluded
	}
	assert.Equal(t, uint64(2), included[testutil.Sender1])
	assert.Equal(t, uint64(2), included[testutil.Paymaster])
	assert.Equal(t, uint64(1), included[testutil.Factory])
}

func TestOccupancyNeverUnderflows(t *testing.T) {
	m := newManager()
	op := testutil.NewUserOp(testutil.Sender1, big.NewInt(0), 0)

	m.DecreaseOccupancy(op)
	assert.Equal(t, uint64(0), m.Occupancy(testutil.Sender1))

	m.IncreaseOccupancy(op)
	m.IncreaseOccupancy(op)
	m.DecreaseOccupancy(op)
	assert.Equal(t, uint64(1), m.Occupancy(testutil.Sender1))

	m.ClearOccupancy()
	assert.Equal(t, uint64(0), m.Occupancy(testutil.Sender1))
}
