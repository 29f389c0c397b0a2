package tranche

import (
	"fmt"

	"github.com/google/uuid"

	fpmath "TrancheLedger/internal/math"
)

// MicrosPerSecond converts the engine's unix-micro timestamps to the
// accumulator's rate·second units.
const MicrosPerSecond int64 = 1_000_000

// Params holds the admin-tunable parameters of a market.
// All rates are per-million fractions (fpmath.RateScale == 100%).
type Params struct {
	CoverageRatio int64 // fraction of covered exposure JT must buffer
	Beta          int64 // JT's sensitivity to the downside shared with ST
	STFeeRate     int64 // protocol fee on ST's distributed yield
	JTFeeRate     int64 // protocol fee on JT's gains and distributed yield
}

// Limits bounds the parameter space. Fixed at market creation.
type Limits struct {
	MinCoverageRatio int64
	MaxFeeRate       int64
}

// DefaultLimits are the MVP bounds: coverage ratio at least 1%, protocol
// fees at most 25%.
var DefaultLimits = Limits{
	MinCoverageRatio: 10_000,
	MaxFeeRate:       250_000,
}

// ValidateParams checks a parameter set against its limits.
// Rejected before any mutation; fully recoverable by retry with valid input.
// The ceil(coverageRatio·beta) < 1 bound guarantees JT withdrawals can never
// become permanently blocked (the capacity denominator stays positive).
func ValidateParams(p Params, limits Limits) error {
	if p.CoverageRatio < limits.MinCoverageRatio {
		return fmt.Errorf("coverage_ratio %d below minimum %d", p.CoverageRatio, limits.MinCoverageRatio)
	}
	if p.CoverageRatio >= fpmath.RateScale {
		return fmt.Errorf("coverage_ratio must be < %d, got %d", fpmath.RateScale, p.CoverageRatio)
	}
	if p.Beta < 0 {
		return fmt.Errorf("beta must be >= 0, got %d", p.Beta)
	}
	if fpmath.ApplyRateCeil(p.Beta, p.CoverageRatio) >= fpmath.RateScale {
		return fmt.Errorf("ceil(coverage_ratio * beta) must be < %d (coverage_ratio=%d beta=%d)",
			fpmath.RateScale, p.CoverageRatio, p.Beta)
	}
	if p.STFeeRate < 0 || p.STFeeRate > limits.MaxFeeRate {
		return fmt.Errorf("st_fee_rate %d outside [0, %d]", p.STFeeRate, limits.MaxFeeRate)
	}
	if p.JTFeeRate < 0 || p.JTFeeRate > limits.MaxFeeRate {
		return fmt.Errorf("jt_fee_rate %d outside [0, %d]", p.JTFeeRate, limits.MaxFeeRate)
	}
	return nil
}

// AccountingState is the persisted ledger of one market, owned exclusively
// by the engine and mutated only through its sync operations. All NAV fields
// are micro-units as of the last checkpoint.
type AccountingState struct {
	MarketID uuid.UUID
	Params   Params

	STRawNAV int64 // last observed unadjusted value of ST's investment
	JTRawNAV int64

	STEffectiveNAV int64 // value attributable to ST claims after waterfall adjustment
	JTEffectiveNAV int64

	// Cross-tranche coverage debt, one concept with explicit direction.
	// Both fields are non-negative; both may be transiently nonzero while a
	// liability flips direction (partial repayment with retroactive coverage).
	STDebt int64 // ST owes JT: coverage extended by JT, to be returned
	JTDebt int64 // JT owes ST: uncovered loss absorbed by ST, to be made whole

	Accumulator        int64 // time-weighted yield share, rate·seconds
	LastAccrualTS      int64 // unix micros; 0 until the first accrual checkpoint
	LastDistributionTS int64 // unix micros

	Version int64 // increments on every committed sync; checkpoint sequence
}

// NewAccountingState creates the ledger for a freshly initialized market:
// zero NAVs and debts, validated admin-supplied parameters.
func NewAccountingState(marketID uuid.UUID, params Params, limits Limits) (*AccountingState, error) {
	if err := ValidateParams(params, limits); err != nil {
		return nil, fmt.Errorf("invalid params for market %s: %w", marketID, err)
	}
	return &AccountingState{
		MarketID: marketID,
		Params:   params,
	}, nil
}

// Clone returns an independent copy. Sync operations compute on a clone and
// swap it in only on success, so a failed operation leaves no partial state.
func (s *AccountingState) Clone() *AccountingState {
	c := *s
	return &c
}

// TotalRawNAV returns the combined mark-to-market value of both tranches.
func (s *AccountingState) TotalRawNAV() int64 {
	return s.STRawNAV + s.JTRawNAV
}

// CheckConservation verifies that raw and effective NAVs sum to the same
// value exactly, at every checkpoint.
func (s *AccountingState) CheckConservation() error {
	raw := s.STRawNAV + s.JTRawNAV
	effective := s.STEffectiveNAV + s.JTEffectiveNAV
	if raw != effective {
		return fmt.Errorf("%w: raw=%d effective=%d (market %s)",
			ErrConservationViolation, raw, effective, s.MarketID)
	}
	if s.STDebt < 0 || s.JTDebt < 0 {
		return fmt.Errorf("%w: negative debt st=%d jt=%d (market %s)",
			ErrConservationViolation, s.STDebt, s.JTDebt, s.MarketID)
	}
	return nil
}

// SyncResult is the transient outcome of one sync operation.
type SyncResult struct {
	STRawNAV       int64
	JTRawNAV       int64
	STEffectiveNAV int64
	JTEffectiveNAV int64
	STDebt         int64
	JTDebt         int64
	STFeeAccrued   int64
	JTFeeAccrued   int64

	// Distributed is true only when a genuine yield split occurred,
	// not mere debt repayment. Only that resets the accrual window.
	Distributed bool
}

func resultFromState(s *AccountingState, stFee, jtFee int64, distributed bool) SyncResult {
	return SyncResult{
		STRawNAV:       s.STRawNAV,
		JTRawNAV:       s.JTRawNAV,
		STEffectiveNAV: s.STEffectiveNAV,
		JTEffectiveNAV: s.JTEffectiveNAV,
		STDebt:         s.STDebt,
		JTDebt:         s.JTDebt,
		STFeeAccrued:   stFee,
		JTFeeAccrued:   jtFee,
		Distributed:    distributed,
	}
}
