package tranche

import (
	stdmath "math"

	fpmath "TrancheLedger/internal/math"
)

// UtilizationUnbounded is reported when JT has no effective NAV against a
// nonzero coverage requirement (division by zero, treated as +inf).
const UtilizationUnbounded int64 = stdmath.MaxInt64

// RequiredCoverage computes the loss buffer JT's effective NAV must provide:
// ceil(stRaw + jtRaw·beta) · coverageRatio, every rounding upward so the
// requirement is never under-stated.
func RequiredCoverage(stRaw, jtRaw, beta, coverageRatio int64) int64 {
	covered := stRaw + fpmath.ApplyRateCeil(jtRaw, beta)
	return fpmath.ApplyRateCeil(covered, coverageRatio)
}

// Utilization is the per-million ratio of required coverage to JT's
// available effective NAV, floor-rounded on the outer division.
// Coverage holds iff utilization <= 100%.
func Utilization(stRaw, jtRaw, beta, coverageRatio, jtEffective int64) int64 {
	required := RequiredCoverage(stRaw, jtRaw, beta, coverageRatio)
	if jtEffective == 0 {
		if required == 0 {
			return 0
		}
		return UtilizationUnbounded
	}
	return fpmath.MulDivFloor(required, fpmath.RateScale, jtEffective)
}

// CoverageSatisfied checks the coverage requirement with the exact integer
// comparison.
// Enforcement never goes through the floored utilization ratio, which can
// mask a one-unit breach on small NAVs.
func CoverageSatisfied(stRaw, jtRaw, beta, coverageRatio, jtEffective int64) bool {
	return RequiredCoverage(stRaw, jtRaw, beta, coverageRatio) <= jtEffective
}

// MaxSTDeposit solves the coverage equality for the ST raw-NAV increment
// that exactly saturates coverage against the supplied effective NAVs.
// Rounds down; zero when coverage is already at or past saturation.
func MaxSTDeposit(stRaw, jtRaw, beta, coverageRatio, jtEffective int64) int64 {
	// ceil(e·c) <= jtEff  ⟺  e <= floor(jtEff/c)
	maxExposure := fpmath.MulDivFloor(jtEffective, fpmath.RateScale, coverageRatio)
	current := stRaw + fpmath.ApplyRateCeil(jtRaw, beta)
	if maxExposure <= current {
		return 0
	}
	return maxExposure - current
}

// MaxJTWithdrawal solves for the largest JT effective-NAV decrement W that
// keeps coverage satisfied when the withdrawal pulls raw value from the
// ST-side book at ratio stSplit (per-million) and from the JT-side book at
// the complement. Withdrawing relieves the requirement itself (less covered
// exposure), so the binding condition is
//
//	jtEff − W >= (stRaw − r·W + (jtRaw − (1−r)·W)·β) · c
//
// Solved as W = headroom / (1 − c·(r + (1−r)·β)), then capped at what the
// raw books can deliver under the split, then walked down to the largest W
// that passes the exact post-withdrawal coverage check: the closed form
// floors the per-unit relief while the requirement rounds up on whole
// quantities, so the candidate can overshoot the exact check by a unit or
// two. The reported capacity is therefore exactly what an enforcing sync
// will accept, never more. The ST-side component is floored.
// ValidateParams guarantees ceil(c·β) < 1, which keeps the denominator
// positive for every split.
func MaxJTWithdrawal(stRaw, jtRaw, beta, coverageRatio, jtEffective, stSplit int64) (total, stPart, jtPart int64) {
	r := fpmath.ClampRate(stSplit)
	required := RequiredCoverage(stRaw, jtRaw, beta, coverageRatio)
	if jtEffective <= required {
		return 0, 0, 0
	}
	headroom := jtEffective - required

	mix := r + fpmath.ApplyRateFloor(fpmath.RateScale-r, beta)
	relief := fpmath.ApplyRateFloor(coverageRatio, mix)
	den := fpmath.RateScale - relief

	total = fpmath.MulDivFloor(headroom, fpmath.RateScale, den)
	if total > jtEffective {
		total = jtEffective
	}

	// Book feasibility: floor(W·r) <= stRaw and W − floor(W·r) <= jtRaw,
	// the latter rewritten as ceil(W·(1−r)) <= jtRaw.
	if r > 0 {
		if bound := fpmath.MulDivCeil(stRaw+1, fpmath.RateScale, r) - 1; total > bound {
			total = bound
		}
	}
	if r < fpmath.RateScale {
		if bound := fpmath.MulDivFloor(jtRaw, fpmath.RateScale, fpmath.RateScale-r); total > bound {
			total = bound
		}
	}

	for total > 0 {
		stPart = fpmath.ApplyRateFloor(total, r)
		jtPart = total - stPart
		if CoverageSatisfied(stRaw-stPart, jtRaw-jtPart, beta, coverageRatio, jtEffective-total) {
			return total, stPart, jtPart
		}
		total--
	}
	return 0, 0, 0
}
