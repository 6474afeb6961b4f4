package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation represents an EIP-4337 style transaction for a smart contract account.
// It follows the EntryPoint v0.6 layout. Once accepted by the bundler it's treated as immutable.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *big.Int       `json:"nonce"`
	InitCode             []byte         `json:"initCode"`
	CallData             []byte         `json:"callData"`
	CallGasLimit         *big.Int       `json:"callGasLimit"`
	VerificationGasLimit *big.Int       `json:"verificationGasLimit"`
	PreVerificationGas   *big.Int       `json:"preVerificationGas"`
	MaxFeePerGas         *big.Int       `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int       `json:"maxPriorityFeePerGas"`
	PaymasterAndData     []byte         `json:"paymasterAndData"`
	Signature            []byte         `json:"signature"`
}

var (
	maxUint64 = new(big.Int).SetUint64(^uint64(0))

	address, _ = abi.NewType("address", "", nil)
	uint256, _ = abi.NewType("uint256", "", nil)
	bytes32, _ = abi.NewType("bytes32", "", nil)

	packedArgs = abi.Arguments{
		{Name: "sender", Type: address},
		{Name: "nonce", Type: uint256},
		{Name: "hashInitCode", Type: bytes32},
		{Name: "hashCallData", Type: bytes32},
		{Name: "callGasLimit", Type: uint256},
		{Name: "verificationGasLimit", Type: uint256},
		{Name: "preVerificationGas", Type: uint256},
		{Name: "maxFeePerGas", Type: uint256},
		{Name: "maxPriorityFeePerGas", Type: uint256},
		{Name: "hashPaymasterAndData", Type: bytes32},
	}

	hashArgs = abi.Arguments{
		{Name: "userOpHash", Type: bytes32},
		{Name: "entryPoint", Type: address},
		{Name: "chainId", Type: uint256},
	}
)

// NonceKey returns the upper 192 bits of the nonce
func (op *UserOperation) NonceKey() *big.Int {
	if op.Nonce == nil {
		return new(big.Int)
	}
	return new(big.Int).Rsh(op.Nonce, 64)
}

// NonceSequence returns the lower 64 bits of the nonce
func (op *UserOperation) NonceSequence() uint64 {
	if op.Nonce == nil {
		return 0
	}
	return new(big.Int).And(op.Nonce, maxUint64).Uint64()
}

// NonceKeyAndSequence splits the 2-part nonce into its key and sequence
func (op *UserOperation) NonceKeyAndSequence() (*big.Int, uint64) {
	return op.NonceKey(), op.NonceSequence()
}

// ComposeNonce is the inverse of NonceKeyAndSequence
func ComposeNonce(key *big.Int, seq uint64) *big.Int {
	n := new(big.Int)
	if key != nil {
		n.Lsh(key, 64)
	}
	return n.Or(n, new(big.Int).SetUint64(seq))
}

// Factory returns the address of the account factory from initCode, if any.
func (op *UserOperation) Factory() common.Address {
	if len(op.InitCode) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(op.InitCode[:common.AddressLength])
}

// Paymaster returns the address of the paymaster from paymasterAndData, if any.
func (op *UserOperation) Paymaster() common.Address {
	if len(op.PaymasterAndData) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(op.PaymasterAndData[:common.AddressLength])
}

// EstimatedGas is the upper bound the mempool uses when packing a bundle:
// callGasLimit + 3 * verificationGasLimit + preVerificationGas.
// verificationGasLimit is counted three times to cover validation, postOp and
// account creation.
func (op *UserOperation) EstimatedGas() *big.Int {
	total := new(big.Int).Mul(orZero(op.VerificationGasLimit), big.NewInt(3))
	total.Add(total, orZero(op.CallGasLimit))
	return total.Add(total, orZero(op.PreVerificationGas))
}

// Pack encodes the op without its signature, hashing the dynamic fields.
func (op *UserOperation) Pack() []byte {
	packed, err := packedArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		orZero(op.CallGasLimit),
		orZero(op.VerificationGasLimit),
		orZero(op.PreVerificationGas),
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
	if err != nil {
		// every argument is statically typed above
		panic(err)
	}
	return packed
}

// Hash computes the userOpHash as defined by EntryPoint v0.6.getUserOpHash
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) common.Hash {
	encoded, err := hashArgs.Pack(crypto.Keccak256Hash(op.Pack()), entryPoint, orZero(chainID))
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(encoded)
}

// Copy returns a deep copy of the op so replacement fee bumps never alias
func (op *UserOperation) Copy() *UserOperation {
	cp := *op
	cp.Nonce = copyBig(op.Nonce)
	cp.CallGasLimit = copyBig(op.CallGasLimit)
	cp.VerificationGasLimit = copyBig(op.VerificationGasLimit)
	cp.PreVerificationGas = copyBig(op.PreVerificationGas)
	cp.MaxFeePerGas = copyBig(op.MaxFeePerGas)
	cp.MaxPriorityFeePerGas = copyBig(op.MaxPriorityFeePerGas)
	cp.InitCode = append([]byte(nil), op.InitCode...)
	cp.CallData = append([]byte(nil), op.CallData...)
	cp.PaymasterAndData = append([]byte(nil), op.PaymasterAndData...)
	cp.Signature = append([]byte(nil), op.Signature...)
	return &cp
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
