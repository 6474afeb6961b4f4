package units

import (
	"math/big"

	"github.com/shopspring/decimal"
)

var gwei = big.NewInt(1_000_000_000)

// ToDecimal scales an integer amount down by 10^decimals
func ToDecimal(value *big.Int, decimals int) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}

	mul := decimal.NewFromFloat(float64(10)).Pow(decimal.NewFromFloat(float64(decimals)))
	num, _ := decimal.NewFromString(value.String())
	return num.Div(mul)
}

func WeiToEther(wei *big.Int) decimal.Decimal {
	return ToDecimal(wei, 18)
}

func WeiToGwei(wei *big.Int) decimal.Decimal {
	return ToDecimal(wei, 9)
}

// GweiToWei converts a possibly fractional gwei amount, as returned by gas
// stations, into wei
func GweiToWei(v float64) *big.Int {
	return decimal.NewFromFloat(v).Mul(decimal.NewFromBigInt(gwei, 0)).BigInt()
}

func Gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), gwei)
}
