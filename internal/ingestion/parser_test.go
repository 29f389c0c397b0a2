package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"TrancheLedger/internal/ingestion"
	"TrancheLedger/internal/tranche"
)

func marshalMark(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParseMark(t *testing.T) {
	payload := map[string]interface{}{
		"market_id":     "550e8400-e29b-41d4-a716-446655440000",
		"st_raw_nav":    int64(800_000_000),
		"jt_raw_nav":    int64(1_000_000_000),
		"mark_sequence": int64(42),
		"timestamp_us":  int64(1_700_000_000_000_000),
	}

	mark, err := ingestion.ParseMark(marshalMark(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if mark.MarketID.String() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("market_id: got %s", mark.MarketID)
	}
	if mark.STRawNAV != 800_000_000 || mark.JTRawNAV != 1_000_000_000 {
		t.Errorf("raw NAVs: got (%d,%d)", mark.STRawNAV, mark.JTRawNAV)
	}
	if mark.Sequence != 42 {
		t.Errorf("sequence: got %d, want 42", mark.Sequence)
	}
	if mark.Timestamp != 1_700_000_000_000_000 {
		t.Errorf("timestamp: got %d", mark.Timestamp)
	}
}

func TestParseMark_Rejections(t *testing.T) {
	base := func() map[string]interface{} {
		return map[string]interface{}{
			"market_id":     "550e8400-e29b-41d4-a716-446655440000",
			"st_raw_nav":    int64(100),
			"jt_raw_nav":    int64(100),
			"mark_sequence": int64(1),
			"timestamp_us":  int64(1_700_000_000_000_000),
		}
	}

	cases := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"bad market id", func(m map[string]interface{}) { m["market_id"] = "not-a-uuid" }},
		{"negative st nav", func(m map[string]interface{}) { m["st_raw_nav"] = int64(-1) }},
		{"negative jt nav", func(m map[string]interface{}) { m["jt_raw_nav"] = int64(-1) }},
		{"zero sequence", func(m map[string]interface{}) { m["mark_sequence"] = int64(0) }},
		{"zero timestamp", func(m map[string]interface{}) { m["timestamp_us"] = int64(0) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := base()
			tc.mutate(payload)
			if _, err := ingestion.ParseMark(marshalMark(t, payload)); err == nil {
				t.Error("malformed mark accepted")
			}
		})
	}

	if _, err := ingestion.ParseMark([]byte("{not json")); err == nil {
		t.Error("invalid JSON accepted")
	}
}

// recordingApplier captures applied marks and returns canned outcomes.
type recordingApplier struct {
	applied []int64
	fail    bool
	stale   bool
}

func (a *recordingApplier) ApplyMark(_ uuid.UUID, sequence, _, _, _ int64) (tranche.SyncResult, bool, error) {
	if a.fail {
		return tranche.SyncResult{}, false, errors.New("engine unavailable")
	}
	if a.stale {
		return tranche.SyncResult{}, false, nil
	}
	a.applied = append(a.applied, sequence)
	return tranche.SyncResult{}, true, nil
}

func runProcessor(t *testing.T, applier ingestion.MarkApplier, raws ...ingestion.RawMark) {
	t.Helper()
	ch := make(chan ingestion.RawMark, len(raws))
	for _, r := range raws {
		ch <- r
	}
	close(ch)

	p := ingestion.NewProcessor(ch, applier, nil, zerolog.Nop())
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("processor: %v", err)
	}
}

func rawMark(t *testing.T, seq int64, acked, naked *bool) ingestion.RawMark {
	t.Helper()
	data := marshalMark(t, map[string]interface{}{
		"market_id":     uuid.New().String(),
		"st_raw_nav":    int64(100),
		"jt_raw_nav":    int64(100),
		"mark_sequence": seq,
		"timestamp_us":  int64(1_700_000_000_000_000),
	})
	return ingestion.RawMark{
		Subject: "tranche.marks.test",
		Data:    data,
		AckFunc: func() { *acked = true },
		NakFunc: func() { *naked = true },
	}
}

func TestProcessor_AcksAppliedMark(t *testing.T) {
	applier := &recordingApplier{}
	var acked, naked bool

	runProcessor(t, applier, rawMark(t, 7, &acked, &naked))

	if len(applier.applied) != 1 || applier.applied[0] != 7 {
		t.Fatalf("applied: got %v, want [7]", applier.applied)
	}
	if !acked || naked {
		t.Errorf("delivery: acked=%v naked=%v, want ack only", acked, naked)
	}
}

func TestProcessor_AcksMalformedMark(t *testing.T) {
	applier := &recordingApplier{}
	var acked, naked bool

	runProcessor(t, applier, ingestion.RawMark{
		Subject: "tranche.marks.test",
		Data:    []byte("{broken"),
		AckFunc: func() { acked = true },
		NakFunc: func() { naked = true },
	})

	if len(applier.applied) != 0 {
		t.Error("malformed mark reached the applier")
	}
	// Malformed payloads never heal on redelivery.
	if !acked || naked {
		t.Errorf("delivery: acked=%v naked=%v, want ack only", acked, naked)
	}
}

func TestProcessor_NaksFailedApplication(t *testing.T) {
	applier := &recordingApplier{fail: true}
	var acked, naked bool

	runProcessor(t, applier, rawMark(t, 3, &acked, &naked))

	if acked || !naked {
		t.Errorf("delivery: acked=%v naked=%v, want nak only", acked, naked)
	}
}

func TestProcessor_AcksStaleMark(t *testing.T) {
	applier := &recordingApplier{stale: true}
	var acked, naked bool

	runProcessor(t, applier, rawMark(t, 1, &acked, &naked))

	if !acked || naked {
		t.Errorf("delivery: acked=%v naked=%v, want ack only", acked, naked)
	}
}
