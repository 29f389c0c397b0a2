package persistence

import (
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"

	"TrancheLedger/internal/tranche"
)

func sampleCheckpoint(marketID uuid.UUID, seq int64) tranche.Checkpoint {
	return tranche.Checkpoint{
		MarketID: marketID,
		Sequence: seq,
		Kind:     "pre_sync",
		Result: tranche.SyncResult{
			STRawNAV:       650,
			JTRawNAV:       1000,
			STEffectiveNAV: 800,
			JTEffectiveNAV: 850,
			STDebt:         150,
			JTFeeAccrued:   5,
			Distributed:    true,
		},
		Params: tranche.Params{
			CoverageRatio: 200_000,
			JTFeeRate:     100_000,
		},
		Accumulator:        12_500_000,
		LastAccrualTS:      1_700_000_100_000_000,
		LastDistributionTS: 1_700_000_100_000_000,
	}
}

func TestRowFromCheckpoint(t *testing.T) {
	marketID := uuid.New()
	row := RowFromCheckpoint(sampleCheckpoint(marketID, 7))

	if row.MarketID != marketID.String() {
		t.Errorf("market_id: got %s, want %s", row.MarketID, marketID)
	}
	if row.Sequence != 7 || row.Kind != "pre_sync" {
		t.Errorf("identity: got seq=%d kind=%s", row.Sequence, row.Kind)
	}
	if row.STEffectiveNAV != 800 || row.JTEffectiveNAV != 850 || row.STDebt != 150 {
		t.Errorf("result fields: got stEff=%d jtEff=%d stDebt=%d",
			row.STEffectiveNAV, row.JTEffectiveNAV, row.STDebt)
	}
	if !row.Distributed || row.JTFeeAccrued != 5 {
		t.Errorf("distribution fields: distributed=%v jtFee=%d", row.Distributed, row.JTFeeAccrued)
	}
	if row.CoverageRatio != 200_000 || row.JTFeeRate != 100_000 {
		t.Errorf("params: got c=%d jtFeeRate=%d", row.CoverageRatio, row.JTFeeRate)
	}
	if row.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func TestBuildCheckpointInsert(t *testing.T) {
	marketID := uuid.New()
	rows := []CheckpointRow{
		RowFromCheckpoint(sampleCheckpoint(marketID, 1)),
		RowFromCheckpoint(sampleCheckpoint(marketID, 2)),
	}

	query, args := buildCheckpointInsert(rows)

	if got := len(args); got != 2*checkpointColumns {
		t.Fatalf("args: got %d, want %d", got, 2*checkpointColumns)
	}
	// Placeholders for the second row continue where the first stopped.
	last := "$" + strconv.Itoa(2*checkpointColumns)
	if !strings.Contains(query, last) {
		t.Errorf("query missing placeholder %s", last)
	}
	if strings.Contains(query, "$"+strconv.Itoa(2*checkpointColumns+1)) {
		t.Error("query has excess placeholders")
	}
	if !strings.Contains(query, "ON CONFLICT (market_id, sequence) DO NOTHING") {
		t.Error("insert is not idempotent on replay")
	}
	if args[checkpointColumns] != marketID.String() || args[checkpointColumns+1] != int64(2) {
		t.Errorf("second row args misaligned: %v %v", args[checkpointColumns], args[checkpointColumns+1])
	}
}


func TestBatchHeads(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	batch := []CheckpointRow{
		RowFromCheckpoint(sampleCheckpoint(a, 3)),
		RowFromCheckpoint(sampleCheckpoint(b, 9)),
		RowFromCheckpoint(sampleCheckpoint(a, 5)),
		RowFromCheckpoint(sampleCheckpoint(b, 8)),
	}

	heads := batchHeads(batch)
	if len(heads) != 2 {
		t.Fatalf("heads: got %d markets, want 2", len(heads))
	}
	if heads[a.String()] != 5 || heads[b.String()] != 9 {
		t.Errorf("heads: got a=%d b=%d, want a=5 b=9", heads[a.String()], heads[b.String()])
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	marketID := uuid.New()
	orig := tranche.AccountingState{
		MarketID:           marketID,
		Params:             tranche.Params{CoverageRatio: 200_000, Beta: 50_000, JTFeeRate: 100_000},
		STRawNAV:           650,
		JTRawNAV:           1000,
		STEffectiveNAV:     800,
		JTEffectiveNAV:     850,
		STDebt:             150,
		Accumulator:        12_500_000,
		LastAccrualTS:      1_700_000_100_000_000,
		LastDistributionTS: 1_700_000_000_000_000,
		Version:            42,
	}

	snap := SnapshotFromState(orig, 17, []string{"deposit_st:abc"})
	if snap.Sequence != 42 || snap.MarkSequence != 17 {
		t.Fatalf("cursors: got seq=%d mark=%d", snap.Sequence, snap.MarkSequence)
	}

	restored, err := snap.State()
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if *restored != orig {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", *restored, orig)
	}
	if err := restored.CheckConservation(); err != nil {
		t.Errorf("restored state violates conservation: %v", err)
	}
}

func TestSnapshotState_BadMarketID(t *testing.T) {
	snap := &SnapshotData{MarketID: "not-a-uuid"}
	if _, err := snap.State(); err == nil {
		t.Fatal("expected error for malformed market_id")
	}
}

func TestMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"000001_tranche_ledger.up.sql": "000001",
		"000002_snapshots.down.sql":    "000002",
		"noversion.sql":                "noversion.sql",
	}
	for in, want := range cases {
		if got := migrationVersion(in); got != want {
			t.Errorf("migrationVersion(%q): got %q, want %q", in, got, want)
		}
	}
}
