package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OperationCodec is the EntryPoint version specific part of the bundler:
// how a batch is packed into calldata and how an op is hashed. The mempool and
// executor only ever see the abstract UserOperation.
type OperationCodec interface {
	Version() string
	Hash(op *UserOperation, entryPoint common.Address, chainID *big.Int) common.Hash
	PackHandleOps(ops []*UserOperation, beneficiary common.Address) ([]byte, error)
	UnpackHandleOps(data []byte) ([]*UserOperation, common.Address, error)
}
