package market_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"TrancheLedger/internal/market"
	"TrancheLedger/internal/tranche"
)

const second = int64(1_000_000)

var t0 = int64(1_700_000_000) * second

func newTestMarket(t *testing.T) (*market.Market, uuid.UUID, uuid.UUID) {
	t.Helper()
	kernel := uuid.New()
	admin := uuid.New()
	m, err := market.New(market.Config{
		ID:       uuid.New(),
		Params:   tranche.Params{CoverageRatio: 200_000},
		Limits:   tranche.DefaultLimits,
		Model:    &tranche.FixedShareModel{Share: 500_000},
		KernelID: kernel,
		Admins:   []uuid.UUID{admin},
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new market: %v", err)
	}
	return m, kernel, admin
}

func TestApplyMark_StaleSequenceIgnored(t *testing.T) {
	m, kernel, _ := newTestMarket(t)

	if _, applied, err := m.ApplyMark(kernel, 5, t0, 1000, 500); err != nil || !applied {
		t.Fatalf("first mark: applied=%v err=%v", applied, err)
	}
	stateAfter := m.Engine().State()

	// Redelivery of the same sequence, and an older one, are no-ops.
	for _, seq := range []int64{5, 3} {
		_, applied, err := m.ApplyMark(kernel, seq, t0+second, 900, 500)
		if err != nil {
			t.Fatalf("stale mark %d: %v", seq, err)
		}
		if applied {
			t.Errorf("stale mark %d was applied", seq)
		}
	}
	if got := m.Engine().State(); got != stateAfter {
		t.Error("stale marks mutated the ledger")
	}
	if m.MarkSequence() != 5 {
		t.Errorf("mark sequence: got %d, want 5", m.MarkSequence())
	}
}

func TestApplyMark_GapTolerated(t *testing.T) {
	m, kernel, _ := newTestMarket(t)

	if _, applied, _ := m.ApplyMark(kernel, 1, t0, 1000, 500); !applied {
		t.Fatal("first mark not applied")
	}
	_, applied, err := m.ApplyMark(kernel, 10, t0+second, 1100, 500)
	if err != nil || !applied {
		t.Fatalf("gapped mark: applied=%v err=%v", applied, err)
	}
	if m.MarkSequence() != 10 {
		t.Errorf("mark sequence: got %d, want 10", m.MarkSequence())
	}
}

func TestApplyMark_FailedSyncKeepsCursor(t *testing.T) {
	m, kernel, _ := newTestMarket(t)

	if _, applied, _ := m.ApplyMark(kernel, 1, t0, 1000, 500); !applied {
		t.Fatal("first mark not applied")
	}
	// Negative raw NAV is rejected by the engine; the cursor must not
	// advance so a corrected redelivery of sequence 2 still lands.
	if _, _, err := m.ApplyMark(kernel, 2, t0+second, -1, 500); err == nil {
		t.Fatal("negative raw NAV accepted")
	}
	if m.MarkSequence() != 1 {
		t.Errorf("mark sequence after failure: got %d, want 1", m.MarkSequence())
	}
	if _, applied, err := m.ApplyMark(kernel, 2, t0+second, 1000, 500); err != nil || !applied {
		t.Fatalf("redelivered mark: applied=%v err=%v", applied, err)
	}
}

func TestApplyMark_ConcurrentCallersStayOrdered(t *testing.T) {
	m, kernel, _ := newTestMarket(t)

	// Each mark encodes its sequence in the ST raw NAV. Whatever subset of
	// concurrent marks is accepted, the ledger must end up at the raws of
	// the mark the cursor points to: a lower-sequence sync can never land
	// after a higher one.
	const marks = 50
	var wg sync.WaitGroup
	for i := int64(1); i <= marks; i++ {
		wg.Add(1)
		go func(seq int64) {
			defer wg.Done()
			m.ApplyMark(kernel, seq, t0, 1000+seq, 500)
		}(i)
	}
	wg.Wait()

	cursor := m.MarkSequence()
	if cursor < 1 || cursor > marks {
		t.Fatalf("cursor out of range: %d", cursor)
	}
	if got := m.Engine().State().STRawNAV; got != 1000+cursor {
		t.Errorf("st raw: got %d, want %d (the mark at cursor %d)", got, 1000+cursor, cursor)
	}
}

func TestUpdateParams_AdminOnly(t *testing.T) {
	m, kernel, admin := newTestMarket(t)
	if _, applied, _ := m.ApplyMark(kernel, 1, t0, 1000, 500); !applied {
		t.Fatal("seed mark not applied")
	}

	bump := func(p *tranche.Params) { p.CoverageRatio = 300_000 }

	_, err := m.UpdateParams(uuid.New(), t0+second, 1000, 500, bump)
	if !errors.Is(err, tranche.ErrUnauthorized) {
		t.Fatalf("non-admin: got %v, want ErrUnauthorized", err)
	}
	if got := m.Engine().State().Params.CoverageRatio; got != 200_000 {
		t.Fatalf("coverage ratio changed by non-admin: %d", got)
	}

	if _, err := m.UpdateParams(admin, t0+second, 1000, 500, bump); err != nil {
		t.Fatalf("admin update: %v", err)
	}
	if got := m.Engine().State().Params.CoverageRatio; got != 300_000 {
		t.Errorf("coverage ratio: got %d, want 300000", got)
	}
}

func TestSetModel_AdminOnly(t *testing.T) {
	m, kernel, admin := newTestMarket(t)
	if _, applied, _ := m.ApplyMark(kernel, 1, t0, 1000, 500); !applied {
		t.Fatal("seed mark not applied")
	}

	if _, err := m.SetModel(uuid.New(), t0+second, 1000, 500, &tranche.FixedShareModel{}); !errors.Is(err, tranche.ErrUnauthorized) {
		t.Fatalf("non-admin: got %v, want ErrUnauthorized", err)
	}
	if _, err := m.SetModel(admin, t0+second, 1000, 500, &tranche.FixedShareModel{}); err != nil {
		t.Fatalf("admin set model: %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := market.NewRegistry()
	m, _, _ := newTestMarket(t)

	if err := r.Add(m); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Add(m); err == nil {
		t.Fatal("duplicate registration accepted")
	}
	if got := r.Get(m.ID); got != m {
		t.Errorf("get: got %v", got)
	}
	if got := r.Get(uuid.New()); got != nil {
		t.Errorf("unknown id: got %v, want nil", got)
	}
	if got := len(r.List()); got != 1 {
		t.Errorf("list: got %d markets, want 1", got)
	}
}
