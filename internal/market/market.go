package market

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/tranche"
)

// Market is the aggregate for one two-tranche pool: the accounting engine
// plus the concerns the engine deliberately stays out of: admin
// authorization for parameter changes and mark-stream sequencing.
type Market struct {
	ID uuid.UUID

	engine *tranche.Engine

	mu       sync.Mutex
	admins   map[uuid.UUID]struct{}
	markSeq  int64
	markTS   int64
	metrics  *observability.Metrics
	log      zerolog.Logger
}

// Config carries everything needed to open a market.
type Config struct {
	ID       uuid.UUID
	Params   tranche.Params
	Limits   tranche.Limits
	Model    tranche.YieldModel
	KernelID uuid.UUID
	Admins   []uuid.UUID

	PersistChan chan<- tranche.Checkpoint
	NotifyChan  chan<- tranche.Checkpoint
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
}

func New(cfg Config) (*Market, error) {
	if cfg.ID == uuid.Nil {
		return nil, fmt.Errorf("market id is required")
	}
	if len(cfg.Admins) == 0 {
		return nil, fmt.Errorf("market %s: at least one admin is required", cfg.ID)
	}

	eng, err := tranche.NewEngine(
		cfg.ID, cfg.Params, cfg.Limits, cfg.Model, cfg.KernelID,
		cfg.PersistChan, cfg.NotifyChan, cfg.Metrics, cfg.Logger,
	)
	if err != nil {
		return nil, err
	}

	admins := make(map[uuid.UUID]struct{}, len(cfg.Admins))
	for _, a := range cfg.Admins {
		admins[a] = struct{}{}
	}

	return &Market{
		ID:      cfg.ID,
		engine:  eng,
		admins:  admins,
		metrics: cfg.Metrics,
		log:     cfg.Logger.With().Str("market", cfg.ID.String()).Logger(),
	}, nil
}

// Engine exposes the accounting engine for the kernel and query layers.
func (m *Market) Engine() *tranche.Engine {
	return m.engine
}

// IsAdmin reports whether caller may change market parameters.
func (m *Market) IsAdmin(caller uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.admins[caller]
	return ok
}

// MarkSequence returns the last accepted mark sequence.
func (m *Market) MarkSequence() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markSeq
}

// ApplyMark runs a pre-operation sync against a sequenced raw-NAV mark.
// Returns applied=false for a stale or duplicate sequence, which is ignored
// without error so redelivery is idempotent. Gaps are tolerated: a mark
// stream can skip sequences, unlike an operation stream.
func (m *Market) ApplyMark(caller uuid.UUID, sequence, timestamp, stRaw, jtRaw int64) (tranche.SyncResult, bool, error) {
	// One critical section around check, sync, and cursor update: two
	// concurrent callers can never interleave marks out of order.
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.markSeq != 0 {
		if sequence <= m.markSeq {
			// Stale or duplicate - silently ignore (idempotent)
			if m.metrics != nil {
				m.metrics.MarksRejected.WithLabelValues("stale_sequence").Inc()
			}
			return tranche.SyncResult{}, false, nil
		}
		if sequence > m.markSeq+1 {
			m.log.Warn().
				Int64("expected", m.markSeq+1).
				Int64("got", sequence).
				Msg("gap in mark sequence, accepting")
		}
	}

	res, err := m.engine.PreSync(caller, timestamp, stRaw, jtRaw)
	if err != nil {
		return tranche.SyncResult{}, false, err
	}

	m.markSeq = sequence
	m.markTS = timestamp

	if m.metrics != nil {
		m.metrics.MarksApplied.WithLabelValues(m.ID.String()).Inc()
	}
	return res, true, nil
}

// RestoreMarkSequence directly sets the mark cursor (snapshot restore).
func (m *Market) RestoreMarkSequence(sequence, timestamp int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markSeq = sequence
	m.markTS = timestamp
}

// UpdateParams applies an admin parameter change after checking the caller
// against the admin set. The engine forces a sync under the old parameters.
func (m *Market) UpdateParams(caller uuid.UUID, now, stRaw, jtRaw int64, change func(*tranche.Params)) (tranche.SyncResult, error) {
	if !m.IsAdmin(caller) {
		return tranche.SyncResult{}, fmt.Errorf("%w: caller %s is not a market admin", tranche.ErrUnauthorized, caller)
	}
	res, err := m.engine.UpdateParams(now, stRaw, jtRaw, change)
	if err != nil {
		return tranche.SyncResult{}, err
	}
	m.log.Info().Interface("params", m.engine.State().Params).Msg("market parameters updated")
	return res, nil
}

// SetModel swaps the yield distribution model, admin-only.
func (m *Market) SetModel(caller uuid.UUID, now, stRaw, jtRaw int64, model tranche.YieldModel) (tranche.SyncResult, error) {
	if !m.IsAdmin(caller) {
		return tranche.SyncResult{}, fmt.Errorf("%w: caller %s is not a market admin", tranche.ErrUnauthorized, caller)
	}
	return m.engine.SetModel(now, stRaw, jtRaw, model)
}
