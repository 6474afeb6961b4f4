package testutil

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/model"
)

// Builders for EntryPoint return data, reverts and logs, used to script FakeChain.
// They panic on encoding errors like TestMustDB does.

type stakeInfo struct {
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

type returnInfo struct {
	PreOpGas         *big.Int
	Prefund          *big.Int
	SigFailed        bool
	ValidAfter       *big.Int
	ValidUntil       *big.Int
	PaymasterContext []byte
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func withSelector(id []byte, packed []byte) []byte {
	out := make([]byte, 0, 4+len(packed))
	out = append(out, id[:4]...)
	return append(out, packed...)
}

// GetNonceResult is the return data of EntryPoint.getNonce
func GetNonceResult(nonce *big.Int) []byte {
	return must(aa.EntryPointABI.Methods["getNonce"].Outputs.Pack(nonce))
}

// FailedOpRevert is the revert payload of FailedOp(opIndex, reason)
func FailedOpRevert(opIndex int, reason string) []byte {
	failedOp := aa.EntryPointABI.Errors["FailedOp"]
	return withSelector(failedOp.ID[:], must(failedOp.Inputs.Pack(big.NewInt(int64(opIndex)), reason)))
}

// ValidationResultRevert is the revert payload simulateValidation ends with
// when validation passes. A nil stake info packs as zero stake.
func ValidationResultRevert(preOpGas *big.Int, sender, factory, paymaster *model.StakeInfo) []byte {
	validationResult := aa.EntryPointABI.Errors["ValidationResult"]
	toStake := func(s *model.StakeInfo) stakeInfo {
		if s == nil {
			return stakeInfo{Stake: new(big.Int), UnstakeDelaySec: new(big.Int)}
		}
		return stakeInfo{Stake: s.Stake, UnstakeDelaySec: s.UnstakeDelaySec}
	}

	packed := must(validationResult.Inputs.Pack(
		returnInfo{
			PreOpGas:   preOpGas,
			Prefund:    new(big.Int),
			ValidAfter: new(big.Int),
			ValidUntil: new(big.Int),
		},
		toStake(sender), toStake(factory), toStake(paymaster),
	))
	return withSelector(validationResult.ID[:], packed)
}

// UserOperationEventLog is the log EntryPoint emits after executing an op
func UserOperationEventLog(entryPoint common.Address, userOpHash common.Hash, sender common.Address, nonce *big.Int, success bool) *types.Log {
	event := aa.EntryPointABI.Events["UserOperationEvent"]
	return &types.Log{
		Address: entryPoint,
		Topics:  []common.Hash{event.ID, userOpHash, common.BytesToHash(sender.Bytes()), {}},
		Data:    must(event.Inputs.NonIndexed().Pack(nonce, success, big.NewInt(0), big.NewInt(0))),
	}
}

// AccountDeployedLog is the log EntryPoint emits when initCode deployed the sender
func AccountDeployedLog(entryPoint common.Address, userOpHash common.Hash, sender, factory common.Address) *types.Log {
	event := aa.EntryPointABI.Events["AccountDeployed"]
	return &types.Log{
		Address: entryPoint,
		Topics:  []common.Hash{event.ID, userOpHash, common.BytesToHash(sender.Bytes())},
		Data:    must(event.Inputs.NonIndexed().Pack(factory, common.Address{})),
	}
}
