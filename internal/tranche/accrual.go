package tranche

import (
	fpmath "TrancheLedger/internal/math"
)

// accrueInto advances the time-weighted yield-share accumulator on st to
// now (unix micros) and returns the accrued value in rate·seconds. Preview
// calls run the identical arithmetic against the model's side-effect-free
// variant; callers wanting no persistence at all pass a clone of the state.
//
// First-ever call: initializes both timestamps to now and returns zero;
// there is no retroactive accrual before the first checkpoint. Zero whole
// elapsed seconds: returns the accumulator unchanged without touching the
// accrual timestamp, so fractional seconds carry into the next call and
// repeated same-instant syncs are idempotent.
//
// The model is queried with the checkpointed NAVs and params, not the
// incoming raw NAVs: the share applies to the interval being closed.
func accrueInto(st *AccountingState, model YieldModel, now int64, preview bool) int64 {
	if st.LastAccrualTS == 0 {
		st.LastAccrualTS = now
		st.LastDistributionTS = now
		return 0
	}

	elapsedSec := (now - st.LastAccrualTS) / MicrosPerSecond
	if elapsedSec <= 0 {
		return st.Accumulator
	}

	var share int64
	if preview {
		share = model.PreviewJTYieldShare(
			st.STRawNAV, st.JTRawNAV, st.Params.Beta, st.Params.CoverageRatio, st.JTEffectiveNAV)
	} else {
		share = model.JTYieldShare(
			st.STRawNAV, st.JTRawNAV, st.Params.Beta, st.Params.CoverageRatio, st.JTEffectiveNAV)
	}
	share = fpmath.ClampRate(share)

	st.Accumulator += share * elapsedSec
	st.LastAccrualTS += elapsedSec * MicrosPerSecond
	return st.Accumulator
}

// resetAccrualWindow zeroes the accumulator and bumps the distribution
// timestamp. Called only when the waterfall signals a genuine distribution.
func resetAccrualWindow(st *AccountingState) {
	st.Accumulator = 0
	st.LastDistributionTS = st.LastAccrualTS
}
