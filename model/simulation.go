package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type StakeInfo struct {
	Addr            common.Address `json:"addr"`
	Stake           *big.Int       `json:"stake"`
	UnstakeDelaySec *big.Int       `json:"unstakeDelaySec"`
}

// SimulationResult is the outcome of EntryPoint.simulateValidation for one op.
// Stake infos are nil for entities the op does not reference.
type SimulationResult struct {
	Valid          bool       `json:"valid"`
	RevertReason   string     `json:"revertReason,omitempty"`
	PreOpGas       *big.Int   `json:"preOpGas,omitempty"`
	Prefund        *big.Int   `json:"prefund,omitempty"`
	SenderInfo     *StakeInfo `json:"senderInfo,omitempty"`
	FactoryInfo    *StakeInfo `json:"factoryInfo,omitempty"`
	PaymasterInfo  *StakeInfo `json:"paymasterInfo,omitempty"`
	AggregatorInfo *StakeInfo `json:"aggregatorInfo,omitempty"`
}
