package eip1559

import (
	"math/big"

	"github.com/ethereum/go-ethereum/consensus/misc/eip1559"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

// NextBaseFee predicts the base fee of the block after parent. It returns nil
// for a pre-London parent.
func NextBaseFee(parent *types.Header) *big.Int {
	if parent == nil || parent.BaseFee == nil {
		return nil
	}
	// London is active from genesis in this config, so only the parent's gas
	// usage drives the result
	return eip1559.CalcBaseFee(params.AllEthashProtocolChanges, parent)
}

// ScalePercent returns v * percent / 100
func ScalePercent(v *big.Int, percent int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(percent))
	return out.Div(out, big.NewInt(100))
}

// MinReplacementFee is the lowest fee a node accepts to replace a pending
// transaction paying old: ceil(old * 1.1)
func MinReplacementFee(old *big.Int) *big.Int {
	out := new(big.Int).Mul(old, big.NewInt(11))
	out.Add(out, big.NewInt(9))
	return out.Div(out, big.NewInt(10))
}

func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
