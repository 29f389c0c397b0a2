package math

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	NAVConfig  = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 (micro-units of value)
	RateConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 (per-million fraction)
)

// RateScale is the scale shared by coverage ratio, beta, fee rates,
// yield share and utilization. 1_000_000 == 100%.
const RateScale = 1_000_000

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota // Floor (toward negative infinity)
	RoundUp                       // Ceil (toward positive infinity)
)

// DivideInt128 performs numerator / denominator with directional rounding.
// RoundDown floors and RoundUp ceils, including for negative numerators;
// the waterfall's rounding policy is directional, never nearest.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	// QuoRem truncates toward zero
	quotient.QuoRem(numerator, denom, remainder)

	result := quotient.Int64()

	if remainder.Sign() != 0 {
		negative := (remainder.Sign() < 0) != (denominator < 0)
		switch roundingMode {
		case RoundDown:
			if negative {
				result--
			}
		case RoundUp:
			if !negative {
				result++
			}
		}
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

// MulDiv computes a * b / denominator with the given rounding direction.
// This is the workhorse for every rate application in the engine.
func MulDiv(a, b, denominator int64, roundingMode RoundingMode) int64 {
	numerator := MultiplyInt128(a, b)
	result := DivideInt128(numerator, denominator, roundingMode)
	putInt128(numerator)
	return result
}

// MulDivFloor computes floor(a * b / denominator).
func MulDivFloor(a, b, denominator int64) int64 {
	return MulDiv(a, b, denominator, RoundDown)
}

// MulDivCeil computes ceil(a * b / denominator).
func MulDivCeil(a, b, denominator int64) int64 {
	return MulDiv(a, b, denominator, RoundUp)
}

// ApplyRateFloor computes floor(amount * rate / RateScale).
// Used for fee and yield-share application, where the residual stays with
// the senior tranche.
func ApplyRateFloor(amount, rate int64) int64 {
	return MulDivFloor(amount, rate, RateScale)
}

// ApplyRateCeil computes ceil(amount * rate / RateScale).
// Used for coverage requirements, which are never under-stated.
func ApplyRateCeil(amount, rate int64) int64 {
	return MulDivCeil(amount, rate, RateScale)
}

// ClampRate clamps a rate to [0, RateScale].
func ClampRate(rate int64) int64 {
	if rate < 0 {
		return 0
	}
	if rate > RateScale {
		return RateScale
	}
	return rate
}

// MinInt64 returns the smaller of a and b.
func MinInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
