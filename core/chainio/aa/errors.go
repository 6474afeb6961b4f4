package aa

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

var failedOpError = EntryPointABI.Errors["FailedOp"]

// FailedOp is the EntryPoint revert naming the op that broke a handleOps
// simulation and why.
type FailedOp struct {
	OpIndex int
	Reason  string
}

func (e *FailedOp) Error() string {
	return fmt.Sprintf("FailedOp(%d, %s)", e.OpIndex, e.Reason)
}

// ParseFailedOp extracts a FailedOp revert from an RPC error, if it carries one
func ParseFailedOp(err error) (*FailedOp, bool) {
	data, ok := RevertData(err)
	if !ok {
		return nil, false
	}

	failed, decodeErr := DecodeFailedOp(data)
	if decodeErr != nil {
		return nil, false
	}
	return failed, true
}

func DecodeFailedOp(data []byte) (*FailedOp, error) {
	out, err := failedOpError.Unpack(data)
	if err != nil {
		return nil, err
	}

	values, ok := out.([]interface{})
	if !ok || len(values) != 2 {
		return nil, fmt.Errorf("malformed FailedOp revert")
	}

	return &FailedOp{
		OpIndex: int(values[0].(*big.Int).Int64()),
		Reason:  values[1].(string),
	}, nil
}

// RevertData returns the raw revert bytes carried by a JSON-RPC error
func RevertData(err error) ([]byte, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, false
	}

	switch v := dataErr.ErrorData().(type) {
	case string:
		b, decodeErr := hexutil.Decode(v)
		if decodeErr != nil {
			return nil, false
		}
		return b, true
	case []byte:
		return v, true
	}

	return nil, false
}

// RevertError mirrors the error geth returns for a reverted call
type RevertError struct {
	data string
}

func NewRevertError(data []byte) *RevertError {
	return &RevertError{data: hexutil.Encode(data)}
}

func (e *RevertError) Error() string {
	return "execution reverted"
}

func (e *RevertError) ErrorCode() int {
	return 3
}

func (e *RevertError) ErrorData() interface{} {
	return e.data
}

// IsAlreadyIncludedReason reports whether a revert reason means the nonce of
// the op was consumed on chain
func IsAlreadyIncludedReason(reason string) bool {
	return strings.Contains(reason, ReasonInvalidNonce) || strings.Contains(reason, ReasonSenderConstructed)
}
