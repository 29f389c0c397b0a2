package kernel

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/market"
	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/tranche"
)

var (
	// ErrUnknownMarket is returned for an operation against an unregistered
	// market.
	ErrUnknownMarket = errors.New("unknown market")

	// ErrCapacityExceeded is returned when a deposit or withdrawal exceeds
	// the coverage-constrained capacity at the sync instant. The amount was
	// valid at preview time or never; the caller retries with a fresh
	// preview.
	ErrCapacityExceeded = errors.New("capacity exceeded")
)

// Kernel is the single writer for every market engine: it sequences the
// pre-operation sync, the capacity check, and the post-operation
// reconciliation for each deposit and withdrawal, and routes raw-NAV marks.
// Fund movement itself lives outside this process; the kernel accounts for
// it and tells the caller to roll it back when an enforcing sync fails.
type Kernel struct {
	id          uuid.UUID
	registry    *market.Registry
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	log         zerolog.Logger
}

func New(id uuid.UUID, registry *market.Registry, idempotency *IdempotencyChecker, metrics *observability.Metrics, log zerolog.Logger) (*Kernel, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("kernel id is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("market registry is required")
	}
	if idempotency == nil {
		return nil, fmt.Errorf("idempotency checker is required")
	}
	return &Kernel{
		id:          id,
		registry:    registry,
		idempotency: idempotency,
		metrics:     metrics,
		log:         log.With().Str("component", "kernel").Logger(),
	}, nil
}

// ID returns the identity engines authorize against.
func (k *Kernel) ID() uuid.UUID {
	return k.id
}

// ApplyMark routes a sequenced raw-NAV mark to its market. Dedup rides on
// the mark sequence, not an idempotency key: redelivered sequences are
// ignored by the market cursor.
func (k *Kernel) ApplyMark(marketID uuid.UUID, sequence, timestamp, stRaw, jtRaw int64) (tranche.SyncResult, bool, error) {
	m := k.registry.Get(marketID)
	if m == nil {
		return tranche.SyncResult{}, false, fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	res, applied, err := m.ApplyMark(k.id, sequence, timestamp, stRaw, jtRaw)
	k.record("apply_mark", err)
	return res, applied, err
}

// DepositST credits the senior tranche. The pre-operation sync settles
// pending PnL first, then the deposit is checked against the remaining
// coverage capacity: an over-capacity senior deposit would dilute the
// protection every existing senior unit enjoys, so it is rejected rather
// than clamped.
//
// Returns applied=false without error for a duplicate idempotency key.
func (k *Kernel) DepositST(idempotencyKey string, marketID uuid.UUID, now, stRaw, jtRaw, amount int64) (tranche.SyncResult, bool, error) {
	const op = "deposit_st"
	m, dup, err := k.admit(op, idempotencyKey, marketID)
	if err != nil || dup {
		return tranche.SyncResult{}, false, err
	}
	eng := m.Engine()

	if _, err := eng.PreSync(k.id, now, stRaw, jtRaw); err != nil {
		k.record(op, err)
		return tranche.SyncResult{}, false, err
	}

	st := eng.State()
	capacity := tranche.MaxSTDeposit(st.STRawNAV, st.JTRawNAV, st.Params.Beta, st.Params.CoverageRatio, st.JTEffectiveNAV)
	if amount > capacity {
		err := fmt.Errorf("%w: st deposit %d over capacity %d for market %s", ErrCapacityExceeded, amount, capacity, marketID)
		k.record(op, err)
		return tranche.SyncResult{}, false, err
	}

	res, err := eng.PostSync(k.id, tranche.PostOpSTIncrease, amount, 0)
	if err != nil {
		k.record(op, err)
		return tranche.SyncResult{}, false, err
	}

	k.idempotency.MarkProcessed(op, idempotencyKey)
	k.record(op, nil)
	return res, true, nil
}

// DepositJT credits the junior tranche. Junior deposits only ever add
// protection, so there is no capacity bound.
func (k *Kernel) DepositJT(idempotencyKey string, marketID uuid.UUID, now, stRaw, jtRaw, amount int64) (tranche.SyncResult, bool, error) {
	const op = "deposit_jt"
	m, dup, err := k.admit(op, idempotencyKey, marketID)
	if err != nil || dup {
		return tranche.SyncResult{}, false, err
	}
	eng := m.Engine()

	if _, err := eng.PreSync(k.id, now, stRaw, jtRaw); err != nil {
		k.record(op, err)
		return tranche.SyncResult{}, false, err
	}

	res, err := eng.PostSync(k.id, tranche.PostOpJTIncrease, 0, amount)
	if err != nil {
		k.record(op, err)
		return tranche.SyncResult{}, false, err
	}

	k.idempotency.MarkProcessed(op, idempotencyKey)
	k.record(op, nil)
	return res, true, nil
}

// WithdrawST debits the senior tranche. fromST and fromJT are the
// non-negative raw amounts the settlement layer moved out of each side's
// book; their sum is the senior claim being paid out. The enforcing sync
// re-checks coverage: on ErrCoverageUnsatisfied nothing was committed and
// the caller must unwind the fund movement.
func (k *Kernel) WithdrawST(idempotencyKey string, marketID uuid.UUID, now, stRaw, jtRaw, fromST, fromJT int64) (tranche.SyncResult, bool, error) {
	const op = "withdraw_st"
	m, dup, err := k.admit(op, idempotencyKey, marketID)
	if err != nil || dup {
		return tranche.SyncResult{}, false, err
	}
	eng := m.Engine()

	if fromST < 0 || fromJT < 0 {
		err := fmt.Errorf("negative withdrawal components st=%d jt=%d", fromST, fromJT)
		k.record(op, err)
		return tranche.SyncResult{}, false, err
	}

	if _, err := eng.PreSync(k.id, now, stRaw, jtRaw); err != nil {
		k.record(op, err)
		return tranche.SyncResult{}, false, err
	}

	res, err := eng.PostSyncEnforcingCoverage(k.id, tranche.PostOpSTDecrease, -fromST, -fromJT)
	if err != nil {
		k.record(op, err)
		return tranche.SyncResult{}, false, err
	}

	k.idempotency.MarkProcessed(op, idempotencyKey)
	k.record(op, nil)
	return res, true, nil
}

// WithdrawJT debits the junior tranche by amount, splitting the raw
// movement across the ST-side and JT-side books at stSplit (per-million).
// The amount is checked against the coverage-constrained capacity first:
// junior value is the protection, so the cap binds here where senior
// withdrawals only need the post-check.
func (k *Kernel) WithdrawJT(idempotencyKey string, marketID uuid.UUID, now, stRaw, jtRaw, amount, stSplit int64) (tranche.SyncResult, bool, error) {
	const op = "withdraw_jt"
	m, dup, err := k.admit(op, idempotencyKey, marketID)
	if err != nil || dup {
		return tranche.SyncResult{}, false, err
	}
	eng := m.Engine()

	if amount <= 0 {
		err := fmt.Errorf("non-positive withdrawal amount %d", amount)
		k.record(op, err)
		return tranche.SyncResult{}, false, err
	}

	if _, err := eng.PreSync(k.id, now, stRaw, jtRaw); err != nil {
		k.record(op, err)
		return tranche.SyncResult{}, false, err
	}

	st := eng.State()
	maxTotal, _, _ := tranche.MaxJTWithdrawal(st.STRawNAV, st.JTRawNAV, st.Params.Beta, st.Params.CoverageRatio, st.JTEffectiveNAV, stSplit)
	if amount > maxTotal {
		err := fmt.Errorf("%w: jt withdrawal %d over capacity %d for market %s", ErrCapacityExceeded, amount, maxTotal, marketID)
		k.record(op, err)
		return tranche.SyncResult{}, false, err
	}

	stPart := fpmath.ApplyRateFloor(amount, fpmath.ClampRate(stSplit))
	jtPart := amount - stPart

	res, err := eng.PostSyncEnforcingCoverage(k.id, tranche.PostOpJTDecrease, -stPart, -jtPart)
	if err != nil {
		k.record(op, err)
		return tranche.SyncResult{}, false, err
	}

	k.idempotency.MarkProcessed(op, idempotencyKey)
	k.record(op, nil)
	return res, true, nil
}

// admit resolves the market and runs the dedup check shared by every
// keyed operation.
func (k *Kernel) admit(op, idempotencyKey string, marketID uuid.UUID) (*market.Market, bool, error) {
	m := k.registry.Get(marketID)
	if m == nil {
		err := fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
		k.record(op, err)
		return nil, false, err
	}
	if k.idempotency.IsDuplicate(op, idempotencyKey) {
		k.log.Debug().Str("op", op).Str("key", idempotencyKey).Msg("duplicate operation skipped")
		return nil, true, nil
	}
	return m, false, nil
}

func (k *Kernel) record(op string, err error) {
	if k.metrics == nil {
		return
	}
	outcome := "applied"
	if err != nil {
		outcome = "rejected"
	}
	k.metrics.KernelOps.WithLabelValues(op, outcome).Inc()
}
