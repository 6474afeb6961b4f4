package reputation

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type Config struct {
	MinInclusionDenominator uint64
	ThrottlingSlack         uint64
	BanSlack                uint64

	// mempool allowance of an entity never seen before
	MaxMempoolOpsPerNewUnstakedEntity uint64
	InclusionRateFactor               uint64
	ThrottledEntityMinMempoolCount    uint64
	MaxMempoolOpsPerSender            uint64
	// max ops a throttled paymaster or factory may have in one bundle
	ThrottledEntityBundleCount int

	MinStake        *big.Int
	MinUnstakeDelay *big.Int

	Whitelist []common.Address
	Blacklist []common.Address
}

func DefaultConfig() Config {
	return Config{
		MinInclusionDenominator:           10,
		ThrottlingSlack:                   10,
		BanSlack:                          50,
		MaxMempoolOpsPerNewUnstakedEntity: 10,
		InclusionRateFactor:               10,
		ThrottledEntityMinMempoolCount:    4,
		MaxMempoolOpsPerSender:            4,
		ThrottledEntityBundleCount:        4,
		MinStake:                          big.NewInt(1),
		MinUnstakeDelay:                   big.NewInt(1),
	}
}
