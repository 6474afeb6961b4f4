package aa

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// CodecV06 packs bundles for EntryPoint v0.6
type CodecV06 struct{}

var _ userop.OperationCodec = CodecV06{}

func (CodecV06) Version() string {
	return EntryPointVersion06
}

func (CodecV06) Hash(op *userop.UserOperation, entryPoint common.Address, chainID *big.Int) common.Hash {
	return op.Hash(entryPoint, chainID)
}

func (CodecV06) PackHandleOps(ops []*userop.UserOperation, beneficiary common.Address) ([]byte, error) {
	return PackHandleOps(ops, beneficiary)
}

func (CodecV06) UnpackHandleOps(data []byte) ([]*userop.UserOperation, common.Address, error) {
	method := EntryPointABI.Methods["handleOps"]
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return nil, common.Address{}, fmt.Errorf("calldata is not a handleOps call")
	}

	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, common.Address{}, err
	}

	decoded := *abi.ConvertType(values[0], new([]userop.UserOperation)).(*[]userop.UserOperation)
	ops := make([]*userop.UserOperation, len(decoded))
	for i := range decoded {
		ops[i] = &decoded[i]
	}

	return ops, values[1].(common.Address), nil
}

// PackHandleOps builds the calldata of EntryPoint.handleOps(ops, beneficiary)
func PackHandleOps(ops []*userop.UserOperation, beneficiary common.Address) ([]byte, error) {
	packed := make([]userop.UserOperation, len(ops))
	for i, op := range ops {
		packed[i] = normalize(op)
	}

	return EntryPointABI.Pack("handleOps", packed, beneficiary)
}

// GetNonce reads the next nonce of sender for the given 192 bit key
func GetNonce(ctx context.Context, caller ethereum.ContractCaller, entryPoint, sender common.Address, key *big.Int) (*big.Int, error) {
	if key == nil {
		key = big.NewInt(0)
	}

	data, err := EntryPointABI.Pack("getNonce", sender, key)
	if err != nil {
		return nil, err
	}

	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: data}, nil)
	if err != nil {
		return nil, err
	}

	values, err := EntryPointABI.Unpack("getNonce", out)
	if err != nil {
		return nil, err
	}

	return abi.ConvertType(values[0], new(big.Int)).(*big.Int), nil
}

func normalize(op *userop.UserOperation) userop.UserOperation {
	cp := *op
	for _, f := range []**big.Int{
		&cp.Nonce,
		&cp.CallGasLimit,
		&cp.VerificationGasLimit,
		&cp.PreVerificationGas,
		&cp.MaxFeePerGas,
		&cp.MaxPriorityFeePerGas,
	} {
		if *f == nil {
			*f = new(big.Int)
		}
	}
	return cp
}
