package tranche

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/observability"
)

// PostOpKind classifies the discrete raw-NAV reconciliation after a
// physical operation. Anything else is an inconsistent caller.
type PostOpKind int

const (
	PostOpSTIncrease PostOpKind = iota
	PostOpJTIncrease
	PostOpSTDecrease
	PostOpJTDecrease
)

func (k PostOpKind) String() string {
	switch k {
	case PostOpSTIncrease:
		return "st_increase"
	case PostOpJTIncrease:
		return "jt_increase"
	case PostOpSTDecrease:
		return "st_decrease"
	case PostOpJTDecrease:
		return "jt_decrease"
	default:
		return "unknown"
	}
}

// Checkpoint is the persisted record of one committed sync. Emitted on the
// persist channel with a BLOCKING send (backpressure, checkpoints are never
// dropped) and on the notify channel with a non-blocking send (downstream
// consumers can rebuild from the checkpoint log).
type Checkpoint struct {
	MarketID           uuid.UUID
	Sequence           int64
	Kind               string
	Result             SyncResult
	Params             Params
	Accumulator        int64
	LastAccrualTS      int64
	LastDistributionTS int64
}

// Engine is the tranche accounting engine for one market. Logically
// single-threaded: every mutating entry point serializes on one mutex and
// computes on a working copy that is swapped in only on success, so a failed
// call leaves no observable partial state. Preview calls snapshot under the
// same lock and compute on copies.
type Engine struct {
	mu       sync.Mutex
	st       *AccountingState
	model    YieldModel
	limits   Limits
	kernelID uuid.UUID

	persistChan chan<- Checkpoint
	notifyChan  chan<- Checkpoint
	metrics     *observability.Metrics
	log         zerolog.Logger
}

// NewEngine creates the engine for a freshly initialized market.
// persistChan and notifyChan may be nil (tests, previews-only deployments).
func NewEngine(
	marketID uuid.UUID,
	params Params,
	limits Limits,
	model YieldModel,
	kernelID uuid.UUID,
	persistChan, notifyChan chan<- Checkpoint,
	metrics *observability.Metrics,
	log zerolog.Logger,
) (*Engine, error) {
	if model == nil {
		return nil, fmt.Errorf("market %s: yield model is required", marketID)
	}
	if kernelID == uuid.Nil {
		return nil, fmt.Errorf("market %s: kernel reference is required", marketID)
	}
	st, err := NewAccountingState(marketID, params, limits)
	if err != nil {
		return nil, err
	}
	return &Engine{
		st:          st,
		model:       model,
		limits:      limits,
		kernelID:    kernelID,
		persistChan: persistChan,
		notifyChan:  notifyChan,
		metrics:     metrics,
		log:         log.With().Str("market", marketID.String()).Logger(),
	}, nil
}

// RestoreState replaces the engine's ledger on warm restart. The snapshot
// must have been produced by a previous engine for the same market.
func (e *Engine) RestoreState(st *AccountingState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st.MarketID != e.st.MarketID {
		return fmt.Errorf("snapshot market %s does not match engine market %s", st.MarketID, e.st.MarketID)
	}
	if err := st.CheckConservation(); err != nil {
		return err
	}
	e.st = st.Clone()
	return nil
}

// State returns a copy of the current ledger.
func (e *Engine) State() AccountingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.st
}

// KernelID returns the registered kernel.
func (e *Engine) KernelID() uuid.UUID {
	return e.kernelID
}

func (e *Engine) authorize(caller uuid.UUID) error {
	if caller != e.kernelID {
		return fmt.Errorf("%w: caller %s is not the registered kernel for market %s",
			ErrUnauthorized, caller, e.st.MarketID)
	}
	return nil
}

// PreSync catches unrealized PnL up to now: accrues yield share, runs the
// waterfall against kernel-supplied raw NAVs, persists the result, and
// resets the accrual window when a genuine distribution occurred.
func (e *Engine) PreSync(caller uuid.UUID, now, stRaw, jtRaw int64) (SyncResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(caller); err != nil {
		e.reject("pre_sync", "unauthorized")
		return SyncResult{}, err
	}
	return e.preSyncLocked(now, stRaw, jtRaw)
}

// preSyncLocked is shared by PreSync and the forced sync inside parameter
// setters. e.mu must be held.
func (e *Engine) preSyncLocked(now, stRaw, jtRaw int64) (SyncResult, error) {
	start := time.Now()

	work := e.st.Clone()
	accrueInto(work, e.model, now, false)

	res, err := runWaterfall(work, stRaw, jtRaw)
	if err != nil {
		e.reject("pre_sync", "waterfall")
		return SyncResult{}, err
	}
	if res.Distributed {
		resetAccrualWindow(work)
	}
	work.Version++

	e.commit(work, "pre_sync", res)

	if res.Distributed {
		e.log.Info().
			Int64("st_effective", res.STEffectiveNAV).
			Int64("jt_effective", res.JTEffectiveNAV).
			Int64("st_fee", res.STFeeAccrued).
			Int64("jt_fee", res.JTFeeAccrued).
			Msg("yield distributed")
	}
	if e.metrics != nil {
		e.metrics.SyncDuration.WithLabelValues("pre_sync").Observe(time.Since(start).Seconds())
	}
	return res, nil
}

// PreviewSync is the identical computation to PreSync, fully
// side-effect-free: same accrual arithmetic, same waterfall, no persistence.
func (e *Engine) PreviewSync(now, stRaw, jtRaw int64) (SyncResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	work := e.st.Clone()
	accrueInto(work, e.model, now, true)
	return runWaterfall(work, stRaw, jtRaw)
}

// PreviewAccrue returns what a mutating accrual at now would yield, without
// persisting anything.
func (e *Engine) PreviewAccrue(now int64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	work := e.st.Clone()
	return accrueInto(work, e.model, now, true)
}

// PostSync mechanically reconciles a discrete post-operation raw-NAV delta
// as a deposit or withdrawal, not PnL. The sign constraints per kind are
// strict: an inconsistent combination is a caller bug and surfaces as
// ErrInvalidPostOpState, never silently accepted.
func (e *Engine) PostSync(caller uuid.UUID, kind PostOpKind, stDelta, jtDelta int64) (SyncResult, error) {
	return e.postSync(caller, kind, stDelta, jtDelta, false)
}

// PostSyncEnforcingCoverage additionally re-checks the coverage invariant
// and fails with ErrCoverageUnsatisfied, committing nothing; the caller must
// roll back the entire operation including any fund movement already
// attempted. The plain PostSync persists a temporarily unsatisfied state.
func (e *Engine) PostSyncEnforcingCoverage(caller uuid.UUID, kind PostOpKind, stDelta, jtDelta int64) (SyncResult, error) {
	return e.postSync(caller, kind, stDelta, jtDelta, true)
}

func (e *Engine) postSync(caller uuid.UUID, kind PostOpKind, stDelta, jtDelta int64, enforceCoverage bool) (SyncResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	kindLabel := "post_sync_" + kind.String()

	if err := e.authorize(caller); err != nil {
		e.reject(kindLabel, "unauthorized")
		return SyncResult{}, err
	}

	work := e.st.Clone()
	if err := applyPostOp(work, kind, stDelta, jtDelta); err != nil {
		e.reject(kindLabel, "invalid_post_op")
		return SyncResult{}, err
	}
	if err := work.CheckConservation(); err != nil {
		e.reject(kindLabel, "conservation")
		return SyncResult{}, err
	}

	if enforceCoverage {
		p := work.Params
		if !CoverageSatisfied(work.STRawNAV, work.JTRawNAV, p.Beta, p.CoverageRatio, work.JTEffectiveNAV) {
			e.reject(kindLabel, "coverage")
			e.log.Warn().
				Str("kind", kind.String()).
				Int64("st_delta", stDelta).
				Int64("jt_delta", jtDelta).
				Int64("jt_effective", work.JTEffectiveNAV).
				Msg("coverage requirement unsatisfied, operation rejected")
			e.notify(Checkpoint{
				MarketID: work.MarketID,
				Sequence: e.st.Version,
				Kind:     "coverage_breach",
				Result:   resultFromState(work, 0, 0, false),
				Params:   work.Params,
			})
			return SyncResult{}, fmt.Errorf("%w: market %s after %s", ErrCoverageUnsatisfied, work.MarketID, kind)
		}
	}

	work.Version++
	res := resultFromState(work, 0, 0, false)
	e.commit(work, kindLabel, res)
	return res, nil
}

// applyPostOp applies one discrete reconciliation to the working copy.
func applyPostOp(st *AccountingState, kind PostOpKind, stDelta, jtDelta int64) error {
	switch kind {
	case PostOpSTIncrease:
		if stDelta < 0 || jtDelta != 0 {
			return fmt.Errorf("%w: st_increase with st_delta=%d jt_delta=%d", ErrInvalidPostOpState, stDelta, jtDelta)
		}
		st.STRawNAV += stDelta
		st.STEffectiveNAV += stDelta

	case PostOpJTIncrease:
		if jtDelta < 0 || stDelta != 0 {
			return fmt.Errorf("%w: jt_increase with st_delta=%d jt_delta=%d", ErrInvalidPostOpState, stDelta, jtDelta)
		}
		st.JTRawNAV += jtDelta
		st.JTEffectiveNAV += jtDelta

	case PostOpSTDecrease:
		// A withdrawing ST claim may pull coverage from JT's book, so both
		// deltas can be negative; the combined magnitude leaves ST.
		if stDelta > 0 || jtDelta > 0 {
			return fmt.Errorf("%w: st_decrease with st_delta=%d jt_delta=%d", ErrInvalidPostOpState, stDelta, jtDelta)
		}
		combined := -stDelta + -jtDelta
		before := st.STEffectiveNAV
		if combined > before || -stDelta > st.STRawNAV || -jtDelta > st.JTRawNAV {
			return fmt.Errorf("%w: st_decrease of %d exceeds available value", ErrInvalidPostOpState, combined)
		}
		st.STRawNAV += stDelta
		st.JTRawNAV += jtDelta
		st.STEffectiveNAV -= combined

		// The withdrawing claim realizes its proportional share of past
		// settlement: debts scale by the remaining ST fraction. Floor what
		// ST is owed away from, ceil what ST still owes, favoring ST.
		if before > 0 {
			after := st.STEffectiveNAV
			st.JTDebt = fpmath.MulDivFloor(st.JTDebt, after, before)
			st.STDebt = fpmath.MulDivCeil(st.STDebt, after, before)
		}

	case PostOpJTDecrease:
		if stDelta > 0 || jtDelta > 0 {
			return fmt.Errorf("%w: jt_decrease with st_delta=%d jt_delta=%d", ErrInvalidPostOpState, stDelta, jtDelta)
		}
		combined := -stDelta + -jtDelta
		if combined > st.JTEffectiveNAV || -stDelta > st.STRawNAV || -jtDelta > st.JTRawNAV {
			return fmt.Errorf("%w: jt_decrease of %d exceeds available value", ErrInvalidPostOpState, combined)
		}
		st.STRawNAV += stDelta
		st.JTRawNAV += jtDelta
		st.JTEffectiveNAV -= combined
		// No proportional debt reduction: JT cannot choose when debts are
		// realized.

	default:
		return fmt.Errorf("%w: unknown post-op kind %d", ErrInvalidPostOpState, kind)
	}
	return nil
}

// MaxSTDeposit reports the largest ST deposit that keeps coverage satisfied,
// computed against a preview of the effective NAVs at now. Rounds down.
func (e *Engine) MaxSTDeposit(now, stRaw, jtRaw int64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	work := e.st.Clone()
	accrueInto(work, e.model, now, true)
	res, err := runWaterfall(work, stRaw, jtRaw)
	if err != nil {
		return 0, err
	}
	p := work.Params
	return MaxSTDeposit(res.STRawNAV, res.JTRawNAV, p.Beta, p.CoverageRatio, res.JTEffectiveNAV), nil
}

// MaxJTWithdrawal reports the largest JT withdrawal that keeps coverage
// satisfied, split across ST-side and JT-side books per stSplit
// (per-million). Rounds down overall and per component.
func (e *Engine) MaxJTWithdrawal(now, stRaw, jtRaw, stSplit int64) (total, stPart, jtPart int64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	work := e.st.Clone()
	accrueInto(work, e.model, now, true)
	res, err := runWaterfall(work, stRaw, jtRaw)
	if err != nil {
		return 0, 0, 0, err
	}
	p := work.Params
	total, stPart, jtPart = MaxJTWithdrawal(res.STRawNAV, res.JTRawNAV, p.Beta, p.CoverageRatio, res.JTEffectiveNAV, stSplit)
	return total, stPart, jtPart, nil
}

// UpdateParams applies an admin parameter change. A pre-operation sync runs
// first so unaccrued PnL settles under the old parameters, then the change
// is validated against the market limits and committed atomically with the
// sync. Admin authorization is the market aggregate's responsibility.
func (e *Engine) UpdateParams(now, stRaw, jtRaw int64, change func(*Params)) (SyncResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	work := e.st.Clone()
	accrueInto(work, e.model, now, false)

	res, err := runWaterfall(work, stRaw, jtRaw)
	if err != nil {
		e.reject("params_updated", "waterfall")
		return SyncResult{}, err
	}
	if res.Distributed {
		resetAccrualWindow(work)
	}

	change(&work.Params)
	if err := ValidateParams(work.Params, e.limits); err != nil {
		e.reject("params_updated", "invalid_params")
		return SyncResult{}, fmt.Errorf("invalid params for market %s: %w", work.MarketID, err)
	}
	work.Version++

	e.commit(work, "params_updated", res)
	return res, nil
}

// SetModel swaps the yield distribution strategy. The forced sync settles
// the accrual window under the old model first.
func (e *Engine) SetModel(now, stRaw, jtRaw int64, model YieldModel) (SyncResult, error) {
	if model == nil {
		return SyncResult{}, fmt.Errorf("market %s: yield model is required", e.st.MarketID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.preSyncLocked(now, stRaw, jtRaw)
	if err != nil {
		return SyncResult{}, err
	}
	e.model = model
	return res, nil
}

// commit swaps the working copy in and emits the checkpoint.
func (e *Engine) commit(work *AccountingState, kind string, res SyncResult) {
	e.st = work

	cp := Checkpoint{
		MarketID:           work.MarketID,
		Sequence:           work.Version,
		Kind:               kind,
		Result:             res,
		Params:             work.Params,
		Accumulator:        work.Accumulator,
		LastAccrualTS:      work.LastAccrualTS,
		LastDistributionTS: work.LastDistributionTS,
	}

	if e.persistChan != nil {
		// Blocking send: the engine stalls until the checkpoint worker
		// drains. No checkpoint is ever lost.
		e.persistChan <- cp
	}
	e.notify(cp)

	if e.metrics != nil {
		market := work.MarketID.String()
		e.metrics.SyncsApplied.WithLabelValues(market, kind).Inc()
		e.metrics.EffectiveNAV.WithLabelValues(market, "st").Set(float64(work.STEffectiveNAV))
		e.metrics.EffectiveNAV.WithLabelValues(market, "jt").Set(float64(work.JTEffectiveNAV))
		e.metrics.CoverageDebt.WithLabelValues(market, "st_owes_jt").Set(float64(work.STDebt))
		e.metrics.CoverageDebt.WithLabelValues(market, "jt_owes_st").Set(float64(work.JTDebt))
		e.metrics.YieldAccumulator.WithLabelValues(market).Set(float64(work.Accumulator))

		p := work.Params
		util := Utilization(work.STRawNAV, work.JTRawNAV, p.Beta, p.CoverageRatio, work.JTEffectiveNAV)
		if util != UtilizationUnbounded {
			e.metrics.UtilizationRatio.WithLabelValues(market).Set(float64(util) / float64(fpmath.RateScale))
		}
		if res.Distributed {
			e.metrics.Distributions.WithLabelValues(market).Inc()
		}
		if res.STFeeAccrued > 0 {
			e.metrics.FeesAccrued.WithLabelValues(market, "st").Add(float64(res.STFeeAccrued))
		}
		if res.JTFeeAccrued > 0 {
			e.metrics.FeesAccrued.WithLabelValues(market, "jt").Add(float64(res.JTFeeAccrued))
		}
	}
}

func (e *Engine) notify(cp Checkpoint) {
	if e.notifyChan == nil {
		return
	}
	select {
	case e.notifyChan <- cp:
	default:
		// Dropped; downstream consumers rebuild from the checkpoint log.
		if e.metrics != nil {
			e.metrics.NotifyDrops.Inc()
		}
	}
}

func (e *Engine) reject(kind, reason string) {
	if e.metrics != nil {
		e.metrics.SyncsRejected.WithLabelValues(kind, reason).Inc()
	}
}
