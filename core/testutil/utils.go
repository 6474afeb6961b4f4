package testutil

import (
	"math/big"
	"os"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/storage"
)

var (
	EntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	ChainID    = big.NewInt(11155111)

	Sender1   = common.HexToAddress("0x7c3a76086588230c7B3f4839A4c1F5BBafcd57C6")
	Sender2   = common.HexToAddress("0xBdCcA49575918De45bb32f5ba75388e7c3fBB5e4")
	Paymaster = common.HexToAddress("0xB985af5f96EF2722DC99aEBA573520903B86505e")
	Factory   = common.HexToAddress("0x29adA1b5217242DEaBB142BC3b1bCfFdd56008e7")

	// anvil default accounts
	ExecutorKeys = []string{
		"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
		"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
		"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a",
	}
	UtilityKey = "7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6"
)

// Shortcut to initialize a storage at the given path, panic if we cannot create db
func TestMustDB() storage.Storage {
	dir, err := os.MkdirTemp("", "aptest")
	if err != nil {
		panic(err)
	}

	db, err := storage.NewWithPath(dir)
	if err != nil {
		panic(err)
	}
	return db
}

func GetLogger() sdklogging.Logger {
	logger, err := sdklogging.NewZapLogger("development")
	if err != nil {
		panic(err)
	}
	return logger
}

// NewUserOp builds a user operation with 100k call gas, 100k verification gas
// and 50k pre-verification gas, i.e. an estimated 450k gas
func NewUserOp(sender common.Address, key *big.Int, seq uint64) *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               sender,
		Nonce:                userop.ComposeNonce(key, seq),
		CallData:             []byte{0xb6, 0x1d, 0x27, 0xf6},
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(100_000),
		PreVerificationGas:   big.NewInt(50_000),
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		Signature:            []byte{0x01},
	}
}

// WithPaymaster sets paymasterAndData of op to the given paymaster
func WithPaymaster(op *userop.UserOperation, paymaster common.Address) *userop.UserOperation {
	op.PaymasterAndData = paymaster.Bytes()
	return op
}

// WithFactory sets initCode of op to the given factory
func WithFactory(op *userop.UserOperation, factory common.Address) *userop.UserOperation {
	op.InitCode = append(factory.Bytes(), 0x5f, 0xbf, 0xb9, 0xcf)
	return op
}

func NewUserOpInfo(op *userop.UserOperation) *model.UserOpInfo {
	return model.NewUserOpInfo(op, op.Hash(EntryPoint, ChainID), time.Now())
}
