package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"TrancheLedger/internal/tranche"
)

// SnapshotManager saves and loads per-market state snapshots for restart.
// A snapshot carries everything an engine needs to resume exactly where it
// stopped: the full accounting state, the inbound mark cursor, and recent
// idempotency keys for LRU warming.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the JSON-encoded payload of one snapshot row.
type SnapshotData struct {
	MarketID     string `json:"market_id"`
	Sequence     int64  `json:"sequence"`
	MarkSequence int64  `json:"mark_sequence"`

	CoverageRatio int64 `json:"coverage_ratio"`
	Beta          int64 `json:"beta"`
	STFeeRate     int64 `json:"st_fee_rate"`
	JTFeeRate     int64 `json:"jt_fee_rate"`

	STRawNAV       int64 `json:"st_raw_nav"`
	JTRawNAV       int64 `json:"jt_raw_nav"`
	STEffectiveNAV int64 `json:"st_effective_nav"`
	JTEffectiveNAV int64 `json:"jt_effective_nav"`
	STDebt         int64 `json:"st_debt"`
	JTDebt         int64 `json:"jt_debt"`

	Accumulator        int64 `json:"accumulator"`
	LastAccrualTS      int64 `json:"last_accrual_us"`
	LastDistributionTS int64 `json:"last_distribution_us"`

	IdempotencyKeys []string  `json:"idempotency_keys"`
	CreatedAt       time.Time `json:"created_at"`
}

// SnapshotFromState captures an accounting state and its mark cursor.
func SnapshotFromState(st tranche.AccountingState, markSequence int64, idempotencyKeys []string) *SnapshotData {
	return &SnapshotData{
		MarketID:           st.MarketID.String(),
		Sequence:           st.Version,
		MarkSequence:       markSequence,
		CoverageRatio:      st.Params.CoverageRatio,
		Beta:               st.Params.Beta,
		STFeeRate:          st.Params.STFeeRate,
		JTFeeRate:          st.Params.JTFeeRate,
		STRawNAV:           st.STRawNAV,
		JTRawNAV:           st.JTRawNAV,
		STEffectiveNAV:     st.STEffectiveNAV,
		JTEffectiveNAV:     st.JTEffectiveNAV,
		STDebt:             st.STDebt,
		JTDebt:             st.JTDebt,
		Accumulator:        st.Accumulator,
		LastAccrualTS:      st.LastAccrualTS,
		LastDistributionTS: st.LastDistributionTS,
		IdempotencyKeys:    idempotencyKeys,
		CreatedAt:          time.Now().UTC(),
	}
}

// State rebuilds the accounting state the snapshot was taken from.
func (s *SnapshotData) State() (*tranche.AccountingState, error) {
	marketID, err := uuid.Parse(s.MarketID)
	if err != nil {
		return nil, fmt.Errorf("snapshot market_id: %w", err)
	}
	return &tranche.AccountingState{
		MarketID: marketID,
		Params: tranche.Params{
			CoverageRatio: s.CoverageRatio,
			Beta:          s.Beta,
			STFeeRate:     s.STFeeRate,
			JTFeeRate:     s.JTFeeRate,
		},
		STRawNAV:           s.STRawNAV,
		JTRawNAV:           s.JTRawNAV,
		STEffectiveNAV:     s.STEffectiveNAV,
		JTEffectiveNAV:     s.JTEffectiveNAV,
		STDebt:             s.STDebt,
		JTDebt:             s.JTDebt,
		Accumulator:        s.Accumulator,
		LastAccrualTS:      s.LastAccrualTS,
		LastDistributionTS: s.LastDistributionTS,
		Version:            s.Sequence,
	}, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Re-saving the same (market, sequence)
// overwrites the payload, so a crash between save and verify is harmless.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO tranche_ledger.snapshots
			(snapshot_id, market_id, sequence, data, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		ON CONFLICT (market_id, sequence) DO UPDATE
		SET data = $4, size_bytes = $5
	`, uuid.New(), snap.MarketID, snap.Sequence, data, len(data), snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot for a market.
// Returns (nil, nil) when none exists, which means cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context, marketID string) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM tranche_ledger.snapshots
		WHERE market_id = $1 AND verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`, marketID)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified flags a snapshot after its state passed the conservation
// check against the checkpoint at the same sequence.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, marketID string, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE tranche_ledger.snapshots SET verified = TRUE
		WHERE market_id = $1 AND sequence = $2
	`, marketID, sequence)
	return err
}

// HeadSequence returns the highest durably written checkpoint sequence for a
// market, 0 when the market has never checkpointed.
func (sm *SnapshotManager) HeadSequence(ctx context.Context, marketID string) (int64, error) {
	var head sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT head_sequence FROM tranche_ledger.markets WHERE market_id = $1
	`, marketID).Scan(&head)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !head.Valid {
		return 0, nil
	}
	return head.Int64, nil
}
