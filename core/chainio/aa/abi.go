package aa

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const userOpComponents = `[
	{"internalType":"address","name":"sender","type":"address"},
	{"internalType":"uint256","name":"nonce","type":"uint256"},
	{"internalType":"bytes","name":"initCode","type":"bytes"},
	{"internalType":"bytes","name":"callData","type":"bytes"},
	{"internalType":"uint256","name":"callGasLimit","type":"uint256"},
	{"internalType":"uint256","name":"verificationGasLimit","type":"uint256"},
	{"internalType":"uint256","name":"preVerificationGas","type":"uint256"},
	{"internalType":"uint256","name":"maxFeePerGas","type":"uint256"},
	{"internalType":"uint256","name":"maxPriorityFeePerGas","type":"uint256"},
	{"internalType":"bytes","name":"paymasterAndData","type":"bytes"},
	{"internalType":"bytes","name":"signature","type":"bytes"}
]`

const stakeInfoComponents = `[
	{"internalType":"uint256","name":"stake","type":"uint256"},
	{"internalType":"uint256","name":"unstakeDelaySec","type":"uint256"}
]`

const returnInfoComponents = `[
	{"internalType":"uint256","name":"preOpGas","type":"uint256"},
	{"internalType":"uint256","name":"prefund","type":"uint256"},
	{"internalType":"bool","name":"sigFailed","type":"bool"},
	{"internalType":"uint48","name":"validAfter","type":"uint48"},
	{"internalType":"uint48","name":"validUntil","type":"uint48"},
	{"internalType":"bytes","name":"paymasterContext","type":"bytes"}
]`

// Only the parts of EntryPoint v0.6 the bundler talks to.
var entryPointABIJSON = `[
	{"type":"function","name":"handleOps","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"internalType":"struct UserOperation[]","name":"ops","type":"tuple[]","components":` + userOpComponents + `},
		{"internalType":"address payable","name":"beneficiary","type":"address"}
	]},
	{"type":"function","name":"getNonce","stateMutability":"view","inputs":[
		{"internalType":"address","name":"sender","type":"address"},
		{"internalType":"uint192","name":"key","type":"uint192"}
	],"outputs":[{"internalType":"uint256","name":"nonce","type":"uint256"}]},
	{"type":"function","name":"simulateValidation","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"internalType":"struct UserOperation","name":"userOp","type":"tuple","components":` + userOpComponents + `}
	]},
	{"type":"error","name":"FailedOp","inputs":[
		{"internalType":"uint256","name":"opIndex","type":"uint256"},
		{"internalType":"string","name":"reason","type":"string"}
	]},
	{"type":"error","name":"ValidationResult","inputs":[
		{"internalType":"struct IEntryPoint.ReturnInfo","name":"returnInfo","type":"tuple","components":` + returnInfoComponents + `},
		{"internalType":"struct IStakeManager.StakeInfo","name":"senderInfo","type":"tuple","components":` + stakeInfoComponents + `},
		{"internalType":"struct IStakeManager.StakeInfo","name":"factoryInfo","type":"tuple","components":` + stakeInfoComponents + `},
		{"internalType":"struct IStakeManager.StakeInfo","name":"paymasterInfo","type":"tuple","components":` + stakeInfoComponents + `}
	]},
	{"type":"error","name":"ValidationResultWithAggregation","inputs":[
		{"internalType":"struct IEntryPoint.ReturnInfo","name":"returnInfo","type":"tuple","components":` + returnInfoComponents + `},
		{"internalType":"struct IStakeManager.StakeInfo","name":"senderInfo","type":"tuple","components":` + stakeInfoComponents + `},
		{"internalType":"struct IStakeManager.StakeInfo","name":"factoryInfo","type":"tuple","components":` + stakeInfoComponents + `},
		{"internalType":"struct IStakeManager.StakeInfo","name":"paymasterInfo","type":"tuple","components":` + stakeInfoComponents + `},
		{"internalType":"struct IEntryPoint.AggregatorStakeInfo","name":"aggregatorInfo","type":"tuple","components":[
			{"internalType":"address","name":"aggregator","type":"address"},
			{"internalType":"struct IStakeManager.StakeInfo","name":"stakeInfo","type":"tuple","components":` + stakeInfoComponents + `}
		]}
	]},
	{"type":"event","name":"UserOperationEvent","anonymous":false,"inputs":[
		{"indexed":true,"internalType":"bytes32","name":"userOpHash","type":"bytes32"},
		{"indexed":true,"internalType":"address","name":"sender","type":"address"},
		{"indexed":true,"internalType":"address","name":"paymaster","type":"address"},
		{"indexed":false,"internalType":"uint256","name":"nonce","type":"uint256"},
		{"indexed":false,"internalType":"bool","name":"success","type":"bool"},
		{"indexed":false,"internalType":"uint256","name":"actualGasCost","type":"uint256"},
		{"indexed":false,"internalType":"uint256","name":"actualGasUsed","type":"uint256"}
	]},
	{"type":"event","name":"AccountDeployed","anonymous":false,"inputs":[
		{"indexed":true,"internalType":"bytes32","name":"userOpHash","type":"bytes32"},
		{"indexed":true,"internalType":"address","name":"sender","type":"address"},
		{"indexed":false,"internalType":"address","name":"factory","type":"address"},
		{"indexed":false,"internalType":"address","name":"paymaster","type":"address"}
	]}
]`

var EntryPointABI = mustParseABI(entryPointABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Errorf("invalid entrypoint ABI: %w", err))
	}
	return parsed
}
