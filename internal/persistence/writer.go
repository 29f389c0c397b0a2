package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"TrancheLedger/internal/tranche"
)

// CheckpointRow is a row in tranche_ledger.checkpoints. Every committed sync
// produces exactly one row; (market_id, sequence) is the primary key, so a
// replayed checkpoint is a no-op insert.
type CheckpointRow struct {
	MarketID string
	Sequence int64
	Kind     string

	STRawNAV       int64
	JTRawNAV       int64
	STEffectiveNAV int64
	JTEffectiveNAV int64
	STDebt         int64
	JTDebt         int64
	STFeeAccrued   int64
	JTFeeAccrued   int64
	Distributed    bool

	CoverageRatio int64
	Beta          int64
	STFeeRate     int64
	JTFeeRate     int64

	Accumulator        int64
	LastAccrualTS      int64
	LastDistributionTS int64

	CreatedAt time.Time
}

// RowFromCheckpoint flattens an engine checkpoint into its persisted form.
func RowFromCheckpoint(cp tranche.Checkpoint) CheckpointRow {
	return CheckpointRow{
		MarketID:           cp.MarketID.String(),
		Sequence:           cp.Sequence,
		Kind:               cp.Kind,
		STRawNAV:           cp.Result.STRawNAV,
		JTRawNAV:           cp.Result.JTRawNAV,
		STEffectiveNAV:     cp.Result.STEffectiveNAV,
		JTEffectiveNAV:     cp.Result.JTEffectiveNAV,
		STDebt:             cp.Result.STDebt,
		JTDebt:             cp.Result.JTDebt,
		STFeeAccrued:       cp.Result.STFeeAccrued,
		JTFeeAccrued:       cp.Result.JTFeeAccrued,
		Distributed:        cp.Result.Distributed,
		CoverageRatio:      cp.Params.CoverageRatio,
		Beta:               cp.Params.Beta,
		STFeeRate:          cp.Params.STFeeRate,
		JTFeeRate:          cp.Params.JTFeeRate,
		Accumulator:        cp.Accumulator,
		LastAccrualTS:      cp.LastAccrualTS,
		LastDistributionTS: cp.LastDistributionTS,
		CreatedAt:          time.Now().UTC(),
	}
}

const checkpointColumns = 20

// CheckpointWriter batch-writes checkpoint rows to Postgres using multi-row
// INSERT. Portable and fast enough for checkpoint volumes; switch to pgx
// CopyFrom if a market ever sustains thousands of marks per second.
type CheckpointWriter struct {
	db *sql.DB
}

func NewCheckpointWriter(db *sql.DB) *CheckpointWriter {
	return &CheckpointWriter{db: db}
}

// WriteCheckpointBatch inserts a batch within the given transaction.
// Conflicting rows are skipped, so redelivered batches are idempotent.
func (w *CheckpointWriter) WriteCheckpointBatch(ctx context.Context, tx *sql.Tx, rows []CheckpointRow) error {
	if len(rows) == 0 {
		return nil
	}

	query, args := buildCheckpointInsert(rows)
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func buildCheckpointInsert(rows []CheckpointRow) (string, []interface{}) {
	query := `INSERT INTO tranche_ledger.checkpoints
		(market_id, sequence, kind,
		 st_raw_nav, jt_raw_nav, st_effective_nav, jt_effective_nav,
		 st_debt, jt_debt, st_fee_accrued, jt_fee_accrued, distributed,
		 coverage_ratio, beta, st_fee_rate, jt_fee_rate,
		 accumulator, last_accrual_us, last_distribution_us, created_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*checkpointColumns)

	for i, r := range rows {
		base := i * checkpointColumns
		placeholders := make([]string, checkpointColumns)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			r.MarketID, r.Sequence, r.Kind,
			r.STRawNAV, r.JTRawNAV, r.STEffectiveNAV, r.JTEffectiveNAV,
			r.STDebt, r.JTDebt, r.STFeeAccrued, r.JTFeeAccrued, r.Distributed,
			r.CoverageRatio, r.Beta, r.STFeeRate, r.JTFeeRate,
			r.Accumulator, r.LastAccrualTS, r.LastDistributionTS, r.CreatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (market_id, sequence) DO NOTHING"
	return query, args
}

// UpsertMarketHead records the latest durable checkpoint sequence per market,
// inside the same transaction as the batch that advanced it.
func (w *CheckpointWriter) UpsertMarketHead(ctx context.Context, tx *sql.Tx, marketID string, sequence int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tranche_ledger.markets (market_id, head_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (market_id) DO UPDATE
		SET head_sequence = GREATEST(tranche_ledger.markets.head_sequence, $2),
		    updated_at    = NOW()
	`, marketID, sequence)
	return err
}

// LoadLatestCheckpoint returns the newest checkpoint for a market, or nil
// when the market has never persisted one.
func (w *CheckpointWriter) LoadLatestCheckpoint(ctx context.Context, marketID string) (*CheckpointRow, error) {
	row := w.db.QueryRowContext(ctx, `
		SELECT `+checkpointSelectColumns+`
		FROM tranche_ledger.checkpoints
		WHERE market_id = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, marketID)

	r, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	return &r, nil
}

// LoadCheckpointsSince returns checkpoints with sequence >= fromSequence in
// ascending order, capped at limit. Serves the history endpoint.
func (w *CheckpointWriter) LoadCheckpointsSince(ctx context.Context, marketID string, fromSequence int64, limit int) ([]CheckpointRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT `+checkpointSelectColumns+`
		FROM tranche_ledger.checkpoints
		WHERE market_id = $1 AND sequence >= $2
		ORDER BY sequence ASC
		LIMIT $3
	`, marketID, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CheckpointRow
	for rows.Next() {
		r, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const checkpointSelectColumns = `market_id, sequence, kind,
	st_raw_nav, jt_raw_nav, st_effective_nav, jt_effective_nav,
	st_debt, jt_debt, st_fee_accrued, jt_fee_accrued, distributed,
	coverage_ratio, beta, st_fee_rate, jt_fee_rate,
	accumulator, last_accrual_us, last_distribution_us, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCheckpoint(s rowScanner) (CheckpointRow, error) {
	var r CheckpointRow
	err := s.Scan(
		&r.MarketID, &r.Sequence, &r.Kind,
		&r.STRawNAV, &r.JTRawNAV, &r.STEffectiveNAV, &r.JTEffectiveNAV,
		&r.STDebt, &r.JTDebt, &r.STFeeAccrued, &r.JTFeeAccrued, &r.Distributed,
		&r.CoverageRatio, &r.Beta, &r.STFeeRate, &r.JTFeeRate,
		&r.Accumulator, &r.LastAccrualTS, &r.LastDistributionTS, &r.CreatedAt,
	)
	return r, err
}
