package tranche

import (
	"fmt"

	fpmath "TrancheLedger/internal/math"
)

// runWaterfall reconciles the current raw NAVs against the last checkpoint,
// routing unrealized gains and losses between the tranches through the
// strict-priority waterfall. It mutates st in place (callers hand it a
// working copy) and returns the sync result.
//
// Phase A (JT delta) runs before Phase B (ST delta) because JT-side effects
// alter the debts the ST-side phase must read. The accrual accumulator on st
// must already be advanced to the sync instant.
//
// Rounding policy throughout: every ambiguous rounding favors the senior
// tranche. Fees are earmarked in the result, never subtracted from
// effective NAVs, so conservation holds exactly.
func runWaterfall(st *AccountingState, stRaw, jtRaw int64) (SyncResult, error) {
	if stRaw < 0 || jtRaw < 0 {
		return SyncResult{}, fmt.Errorf("negative raw NAV: st=%d jt=%d (market %s)", stRaw, jtRaw, st.MarketID)
	}

	var stFee, jtFee int64
	distributed := false

	// --- Phase A: JT raw-NAV delta ---
	dj := jtRaw - st.JTRawNAV
	switch {
	case dj < 0:
		loss := -dj
		absorbed := fpmath.MinInt64(loss, st.JTEffectiveNAV)
		st.JTEffectiveNAV -= absorbed

		if residual := loss - absorbed; residual > 0 {
			// Loss beyond JT's buffer lands on ST. The liability shifts
			// toward JT by the uncovered amount: outstanding ST→JT debt is
			// consumed first, the rest flips into JT→ST debt.
			st.STEffectiveNAV -= residual
			consumed := fpmath.MinInt64(st.STDebt, residual)
			st.STDebt -= consumed
			st.JTDebt += residual - consumed
		}

	case dj > 0:
		gain := dj
		if repay := fpmath.MinInt64(gain, st.JTDebt); repay > 0 {
			// JT's recovery makes ST whole. The repayment is retroactive
			// coverage: ST owes it back, so the liability flips.
			st.JTDebt -= repay
			st.STDebt += repay
			st.STEffectiveNAV += repay
			gain -= repay
		}
		if gain > 0 {
			st.JTEffectiveNAV += gain
			jtFee += fpmath.ApplyRateFloor(gain, st.Params.JTFeeRate)
		}
	}

	// --- Phase B: ST raw-NAV delta ---
	ds := stRaw - st.STRawNAV
	switch {
	case ds < 0:
		loss := -ds
		covered := fpmath.MinInt64(loss, st.JTEffectiveNAV)
		st.JTEffectiveNAV -= covered
		st.STDebt += covered

		if residual := loss - covered; residual > 0 {
			st.STEffectiveNAV -= residual
			st.JTDebt += residual
		}

	case ds > 0:
		gain := ds

		// Claim 1: make ST whole for past uncovered losses.
		if repay := fpmath.MinInt64(gain, st.JTDebt); repay > 0 {
			st.JTDebt -= repay
			st.STEffectiveNAV += repay
			gain -= repay
		}

		// Claim 2: return the coverage JT extended.
		if repay := fpmath.MinInt64(gain, st.STDebt); repay > 0 {
			st.STDebt -= repay
			st.JTEffectiveNAV += repay
			gain -= repay
		}

		// Claim 3: both debts settled, the remainder is genuine yield.
		if gain > 0 {
			elapsedSec := (st.LastAccrualTS - st.LastDistributionTS) / MicrosPerSecond
			if elapsedSec <= 0 {
				// No accrual window: defer the whole remainder to ST.
				st.STEffectiveNAV += gain
			} else {
				// JT's share is the time-weighted average of the model's
				// instantaneous output over the window, floored.
				jtShare := fpmath.MulDiv(gain, st.Accumulator, elapsedSec*fpmath.RateScale, fpmath.RoundDown)
				stShare := gain - jtShare

				st.JTEffectiveNAV += jtShare
				st.STEffectiveNAV += stShare
				jtFee += fpmath.ApplyRateFloor(jtShare, st.Params.JTFeeRate)
				stFee += fpmath.ApplyRateFloor(stShare, st.Params.STFeeRate)
				distributed = true
			}
		}
	}

	st.STRawNAV = stRaw
	st.JTRawNAV = jtRaw

	if err := st.CheckConservation(); err != nil {
		return SyncResult{}, err
	}

	return resultFromState(st, stFee, jtFee, distributed), nil
}
