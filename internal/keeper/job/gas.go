package job

import (
	"math/big"
)

var gwei = big.NewInt(1_000_000_000)

// CalculateMaxFeePerGas caps the fee at twice the current base fee or the
// job's own limit, whichever is lower. A zero result means the job must not
// be executed at the current base fee, whatever the keeper's accept-limit
// flag says: that flag only tells the contract how to compensate.
func CalculateMaxFeePerGas(maxBaseFeeGwei uint16, baseFee *big.Int) *big.Int {
	if baseFee == nil || baseFee.Sign() <= 0 {
		return new(big.Int)
	}
	doubled := new(big.Int).Lsh(baseFee, 1)
	limit := new(big.Int).Mul(big.NewInt(int64(maxBaseFeeGwei)), gwei)

	switch {
	case limit.Cmp(baseFee) < 0:
		return new(big.Int)
	case limit.Cmp(doubled) >= 0:
		return doubled
	default:
		return limit
	}
}

// PriorityFee never exceeds maxFee
func PriorityFee(suggested, maxFee *big.Int) *big.Int {
	if suggested == nil {
		return new(big.Int)
	}
	if suggested.Cmp(maxFee) > 0 {
		return new(big.Int).Set(maxFee)
	}
	return new(big.Int).Set(suggested)
}
