package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Mark is a validated valuation mark: the external pricing pipeline's
// statement of both tranches' raw NAVs at an instant.
type Mark struct {
	MarketID  uuid.UUID
	STRawNAV  int64
	JTRawNAV  int64
	Sequence  int64
	Timestamp int64 // unix micros
}

// markJSON is the wire format received on tranche.marks.{market_id}.
// Field names use snake_case to match upstream producers.
type markJSON struct {
	MarketID     string `json:"market_id"`
	STRawNAV     int64  `json:"st_raw_nav"`
	JTRawNAV     int64  `json:"jt_raw_nav"`
	MarkSequence int64  `json:"mark_sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

// ParseMark validates and converts a raw mark payload. Sequencing against
// the market's cursor happens downstream; here only the shape is checked.
func ParseMark(data []byte) (Mark, error) {
	var j markJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Mark{}, fmt.Errorf("parse mark: %w", err)
	}

	marketID, err := uuid.Parse(j.MarketID)
	if err != nil {
		return Mark{}, fmt.Errorf("parse market_id: %w", err)
	}
	if j.STRawNAV < 0 || j.JTRawNAV < 0 {
		return Mark{}, fmt.Errorf("negative raw NAV: st=%d jt=%d", j.STRawNAV, j.JTRawNAV)
	}
	if j.MarkSequence <= 0 {
		return Mark{}, fmt.Errorf("non-positive mark_sequence: %d", j.MarkSequence)
	}
	if j.TimestampUs <= 0 {
		return Mark{}, fmt.Errorf("non-positive timestamp_us: %d", j.TimestampUs)
	}

	return Mark{
		MarketID:  marketID,
		STRawNAV:  j.STRawNAV,
		JTRawNAV:  j.JTRawNAV,
		Sequence:  j.MarkSequence,
		Timestamp: j.TimestampUs,
	}, nil
}
