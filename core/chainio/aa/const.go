package aa

import (
	"github.com/ethereum/go-ethereum/common"
)

var (
	// EntryPoint v0.6 canonical deployment
	DefaultEntrypointAddress = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
)

const (
	EntryPointVersion06 = "v0.6"

	// Revert reasons which mean the op already landed on chain
	ReasonInvalidNonce      = "AA25 invalid account nonce"
	ReasonSenderConstructed = "AA10 sender already constructed"
	ReasonFeeCapTooLow      = "FeeCapTooLow"
	ReasonInternalFailure   = "INTERNAL FAILURE"
)
