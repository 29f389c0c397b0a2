package tranche

import (
	fpmath "TrancheLedger/internal/math"
)

// YieldModel is the pluggable strategy computing the instantaneous fraction
// of ST's upside allocated to JT, as a per-million rate. The engine clamps
// the output to [0, RateScale] regardless of what the model returns, so a
// misbehaving model cannot push yield share above 100%.
//
// Models must be purely computational: they execute under the market lock
// with no I/O and no unbounded work.
type YieldModel interface {
	// JTYieldShare may update internal model state.
	JTYieldShare(stRaw, jtRaw, beta, coverageRatio, jtEffective int64) int64

	// PreviewJTYieldShare is numerically identical and side-effect-free.
	PreviewJTYieldShare(stRaw, jtRaw, beta, coverageRatio, jtEffective int64) int64
}

// LinearUtilizationModel pays JT a share that rises linearly with
// utilization: the more protection JT is actually providing, the larger its
// cut of ST's upside. share = base + slope·min(utilization, 100%).
type LinearUtilizationModel struct {
	Base  int64 // per-million
	Slope int64 // per-million
}

func (m *LinearUtilizationModel) share(stRaw, jtRaw, beta, coverageRatio, jtEffective int64) int64 {
	util := Utilization(stRaw, jtRaw, beta, coverageRatio, jtEffective)
	if util > fpmath.RateScale {
		util = fpmath.RateScale
	}
	return m.Base + fpmath.ApplyRateFloor(m.Slope, util)
}

func (m *LinearUtilizationModel) JTYieldShare(stRaw, jtRaw, beta, coverageRatio, jtEffective int64) int64 {
	return m.share(stRaw, jtRaw, beta, coverageRatio, jtEffective)
}

func (m *LinearUtilizationModel) PreviewJTYieldShare(stRaw, jtRaw, beta, coverageRatio, jtEffective int64) int64 {
	return m.share(stRaw, jtRaw, beta, coverageRatio, jtEffective)
}

// FixedShareModel always returns the same share. Used for flat-split markets
// and in tests.
type FixedShareModel struct {
	Share int64 // per-million
}

func (m *FixedShareModel) JTYieldShare(_, _, _, _, _ int64) int64 {
	return m.Share
}

func (m *FixedShareModel) PreviewJTYieldShare(_, _, _, _, _ int64) int64 {
	return m.Share
}
