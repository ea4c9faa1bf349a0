package fetcher

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// WeiToGwei converts a wei amount to gwei.
func WeiToGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	return decimal.NewFromBigInt(wei, -9).InexactFloat64()
}

// GweiToWei converts gwei to wei, truncating sub-wei precision.
func GweiToWei(gwei float64) *big.Int {
	return decimal.NewFromFloat(gwei).Shift(9).Truncate(0).BigInt()
}

// ScaleOracleValue turns a fixed-point oracle integer into a float.
func ScaleOracleValue(value *big.Int, decimals uint8) float64 {
	if value == nil {
		return 0
	}
	return decimal.NewFromBigInt(value, -int32(decimals)).InexactFloat64()
}
