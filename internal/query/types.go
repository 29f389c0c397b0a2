package query

// MarketSummary is one entry of the market list.
type MarketSummary struct {
	MarketID       string `json:"market_id"`
	STEffectiveNAV int64  `json:"st_effective_nav"`
	JTEffectiveNAV int64  `json:"jt_effective_nav"`
	MarkSequence   int64  `json:"mark_sequence"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// MarketStateResponse is the full live state of one market. All responses
// carry as_of_sequence, the checkpoint version the state was read at.
type MarketStateResponse struct {
	MarketID string `json:"market_id"`

	STRawNAV       int64 `json:"st_raw_nav"`
	JTRawNAV       int64 `json:"jt_raw_nav"`
	STEffectiveNAV int64 `json:"st_effective_nav"`
	JTEffectiveNAV int64 `json:"jt_effective_nav"`
	STDebt         int64 `json:"st_debt"`
	JTDebt         int64 `json:"jt_debt"`

	CoverageRatio int64 `json:"coverage_ratio"`
	Beta          int64 `json:"beta"`
	STFeeRate     int64 `json:"st_fee_rate"`
	JTFeeRate     int64 `json:"jt_fee_rate"`

	Accumulator        int64 `json:"accumulator"`
	LastAccrualTS      int64 `json:"last_accrual_us"`
	LastDistributionTS int64 `json:"last_distribution_us"`

	MarkSequence int64 `json:"mark_sequence"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// CoverageResponse reports the coverage position of one market.
// Utilization is a per-million ratio; unbounded is set instead when JT has
// no effective NAV against nonzero required coverage.
type CoverageResponse struct {
	MarketID         string `json:"market_id"`
	RequiredCoverage int64  `json:"required_coverage"`
	JTEffectiveNAV   int64  `json:"jt_effective_nav"`
	Utilization      int64  `json:"utilization"`
	Unbounded        bool   `json:"unbounded,omitempty"`
	Satisfied        bool   `json:"satisfied"`
	AsOfSequence     int64  `json:"as_of_sequence"`
}

// CapacityResponse reports deposit and withdrawal headroom, previewed at the
// caller-supplied valuation without committing anything.
type CapacityResponse struct {
	MarketID        string `json:"market_id"`
	MaxSTDeposit    int64  `json:"max_st_deposit"`
	MaxJTWithdrawal int64  `json:"max_jt_withdrawal"`
	STPart          int64  `json:"st_part"`
	JTPart          int64  `json:"jt_part"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// PreviewResponse is the projected outcome of a valuation sync.
type PreviewResponse struct {
	MarketID string `json:"market_id"`

	STRawNAV       int64 `json:"st_raw_nav"`
	JTRawNAV       int64 `json:"jt_raw_nav"`
	STEffectiveNAV int64 `json:"st_effective_nav"`
	JTEffectiveNAV int64 `json:"jt_effective_nav"`
	STDebt         int64 `json:"st_debt"`
	JTDebt         int64 `json:"jt_debt"`
	STFeeAccrued   int64 `json:"st_fee_accrued"`
	JTFeeAccrued   int64 `json:"jt_fee_accrued"`
	Distributed    bool  `json:"distributed"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// CheckpointResponse is one persisted checkpoint from the durable log.
type CheckpointResponse struct {
	MarketID string `json:"market_id"`
	Sequence int64  `json:"sequence"`
	Kind     string `json:"kind"`

	STRawNAV       int64 `json:"st_raw_nav"`
	JTRawNAV       int64 `json:"jt_raw_nav"`
	STEffectiveNAV int64 `json:"st_effective_nav"`
	JTEffectiveNAV int64 `json:"jt_effective_nav"`
	STDebt         int64 `json:"st_debt"`
	JTDebt         int64 `json:"jt_debt"`
	STFeeAccrued   int64 `json:"st_fee_accrued"`
	JTFeeAccrued   int64 `json:"jt_fee_accrued"`
	Distributed    bool  `json:"distributed"`

	CoverageRatio int64 `json:"coverage_ratio"`
	Beta          int64 `json:"beta"`
}

type errorResponse struct {
	Error string `json:"error"`
}
