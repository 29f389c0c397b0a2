package query

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"TrancheLedger/internal/market"
	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/persistence"
	"TrancheLedger/internal/tranche"
)

// CheckpointStore is the durable read side serving checkpoint history.
type CheckpointStore interface {
	LoadCheckpointsSince(ctx context.Context, marketID string, fromSequence int64, limit int) ([]persistence.CheckpointRow, error)
}

// Service serves read-only market state over HTTP/JSON. Live endpoints read
// engine state directly (always current, never blocked behind persistence);
// the history endpoint reads the durable checkpoint log.
type Service struct {
	registry *market.Registry
	store    CheckpointStore
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewService(registry *market.Registry, store CheckpointStore, metrics *observability.Metrics, log zerolog.Logger) *Service {
	return &Service{
		registry: registry,
		store:    store,
		metrics:  metrics,
		log:      log.With().Str("component", "query").Logger(),
	}
}

// Handler returns the route table.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/markets", s.instrument("list_markets", s.handleListMarkets))
	mux.HandleFunc("GET /v1/markets/{id}", s.instrument("market_state", s.handleMarketState))
	mux.HandleFunc("GET /v1/markets/{id}/coverage", s.instrument("coverage", s.handleCoverage))
	mux.HandleFunc("GET /v1/markets/{id}/capacity", s.instrument("capacity", s.handleCapacity))
	mux.HandleFunc("GET /v1/markets/{id}/preview", s.instrument("preview", s.handlePreview))
	mux.HandleFunc("GET /v1/markets/{id}/checkpoints", s.instrument("checkpoints", s.handleCheckpoints))
	return mux
}

func (s *Service) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
		}
		h(w, r)
		if s.metrics != nil {
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func (s *Service) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.registry.List()
	out := make([]MarketSummary, 0, len(markets))
	for _, m := range markets {
		st := m.Engine().State()
		out = append(out, MarketSummary{
			MarketID:       st.MarketID.String(),
			STEffectiveNAV: st.STEffectiveNAV,
			JTEffectiveNAV: st.JTEffectiveNAV,
			MarkSequence:   m.MarkSequence(),
			AsOfSequence:   st.Version,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleMarketState(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r, "market_state")
	if !ok {
		return
	}
	st := m.Engine().State()
	s.writeJSON(w, http.StatusOK, MarketStateResponse{
		MarketID:           st.MarketID.String(),
		STRawNAV:           st.STRawNAV,
		JTRawNAV:           st.JTRawNAV,
		STEffectiveNAV:     st.STEffectiveNAV,
		JTEffectiveNAV:     st.JTEffectiveNAV,
		STDebt:             st.STDebt,
		JTDebt:             st.JTDebt,
		CoverageRatio:      st.Params.CoverageRatio,
		Beta:               st.Params.Beta,
		STFeeRate:          st.Params.STFeeRate,
		JTFeeRate:          st.Params.JTFeeRate,
		Accumulator:        st.Accumulator,
		LastAccrualTS:      st.LastAccrualTS,
		LastDistributionTS: st.LastDistributionTS,
		MarkSequence:       m.MarkSequence(),
		AsOfSequence:       st.Version,
	})
}

func (s *Service) handleCoverage(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r, "coverage")
	if !ok {
		return
	}
	st := m.Engine().State()

	required := tranche.RequiredCoverage(st.STRawNAV, st.JTRawNAV, st.Params.Beta, st.Params.CoverageRatio)
	utilization := tranche.Utilization(st.STRawNAV, st.JTRawNAV, st.Params.Beta, st.Params.CoverageRatio, st.JTEffectiveNAV)

	resp := CoverageResponse{
		MarketID:         st.MarketID.String(),
		RequiredCoverage: required,
		JTEffectiveNAV:   st.JTEffectiveNAV,
		Satisfied:        tranche.CoverageSatisfied(st.STRawNAV, st.JTRawNAV, st.Params.Beta, st.Params.CoverageRatio, st.JTEffectiveNAV),
		AsOfSequence:     st.Version,
	}
	if utilization == tranche.UtilizationUnbounded {
		resp.Unbounded = true
	} else {
		resp.Utilization = utilization
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleCapacity previews deposit and withdrawal headroom at the supplied
// valuation: ?now=<unix_us>&st_raw=<micro>&jt_raw=<micro>[&st_split=<per-million>].
func (s *Service) handleCapacity(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r, "capacity")
	if !ok {
		return
	}
	now, stRaw, jtRaw, ok := s.valuationParams(w, r, "capacity")
	if !ok {
		return
	}
	stSplit, err := queryInt(r, "st_split", 0)
	if err != nil {
		s.writeError(w, "capacity", http.StatusBadRequest, "st_split must be an integer")
		return
	}

	eng := m.Engine()
	maxDeposit, err := eng.MaxSTDeposit(now, stRaw, jtRaw)
	if err != nil {
		s.writeError(w, "capacity", http.StatusUnprocessableEntity, err.Error())
		return
	}
	total, stPart, jtPart, err := eng.MaxJTWithdrawal(now, stRaw, jtRaw, stSplit)
	if err != nil {
		s.writeError(w, "capacity", http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, CapacityResponse{
		MarketID:        m.ID.String(),
		MaxSTDeposit:    maxDeposit,
		MaxJTWithdrawal: total,
		STPart:          stPart,
		JTPart:          jtPart,
		AsOfSequence:    eng.State().Version,
	})
}

func (s *Service) handlePreview(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r, "preview")
	if !ok {
		return
	}
	now, stRaw, jtRaw, ok := s.valuationParams(w, r, "preview")
	if !ok {
		return
	}

	eng := m.Engine()
	res, err := eng.PreviewSync(now, stRaw, jtRaw)
	if err != nil {
		s.writeError(w, "preview", http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, PreviewResponse{
		MarketID:       m.ID.String(),
		STRawNAV:       res.STRawNAV,
		JTRawNAV:       res.JTRawNAV,
		STEffectiveNAV: res.STEffectiveNAV,
		JTEffectiveNAV: res.JTEffectiveNAV,
		STDebt:         res.STDebt,
		JTDebt:         res.JTDebt,
		STFeeAccrued:   res.STFeeAccrued,
		JTFeeAccrued:   res.JTFeeAccrued,
		Distributed:    res.Distributed,
		AsOfSequence:   eng.State().Version,
	})
}

func (s *Service) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r, "checkpoints")
	if !ok {
		return
	}
	if s.store == nil {
		s.writeError(w, "checkpoints", http.StatusServiceUnavailable, "checkpoint history not available")
		return
	}

	from, err := queryInt(r, "from", 0)
	if err != nil {
		s.writeError(w, "checkpoints", http.StatusBadRequest, "from must be an integer")
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil || limit < 1 || limit > 1000 {
		s.writeError(w, "checkpoints", http.StatusBadRequest, "limit must be in [1, 1000]")
		return
	}

	rows, err := s.store.LoadCheckpointsSince(r.Context(), m.ID.String(), from, int(limit))
	if err != nil {
		s.log.Error().Err(err).Str("market", m.ID.String()).Msg("checkpoint history query failed")
		s.writeError(w, "checkpoints", http.StatusInternalServerError, "checkpoint history query failed")
		return
	}

	out := make([]CheckpointResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, CheckpointResponse{
			MarketID:       row.MarketID,
			Sequence:       row.Sequence,
			Kind:           row.Kind,
			STRawNAV:       row.STRawNAV,
			JTRawNAV:       row.JTRawNAV,
			STEffectiveNAV: row.STEffectiveNAV,
			JTEffectiveNAV: row.JTEffectiveNAV,
			STDebt:         row.STDebt,
			JTDebt:         row.JTDebt,
			STFeeAccrued:   row.STFeeAccrued,
			JTFeeAccrued:   row.JTFeeAccrued,
			Distributed:    row.Distributed,
			CoverageRatio:  row.CoverageRatio,
			Beta:           row.Beta,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// --- helpers ---

func (s *Service) market(w http.ResponseWriter, r *http.Request, endpoint string) (*market.Market, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, "malformed market id")
		return nil, false
	}
	m := s.registry.Get(id)
	if m == nil {
		s.writeError(w, endpoint, http.StatusNotFound, "unknown market")
		return nil, false
	}
	return m, true
}

func (s *Service) valuationParams(w http.ResponseWriter, r *http.Request, endpoint string) (now, stRaw, jtRaw int64, ok bool) {
	var err error
	if now, err = requireInt(r, "now"); err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, "now must be a unix-micro integer")
		return 0, 0, 0, false
	}
	if stRaw, err = requireInt(r, "st_raw"); err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, "st_raw must be an integer")
		return 0, 0, 0, false
	}
	if jtRaw, err = requireInt(r, "jt_raw"); err != nil {
		s.writeError(w, endpoint, http.StatusBadRequest, "jt_raw must be an integer")
		return 0, 0, 0, false
	}
	return now, stRaw, jtRaw, true
}

func requireInt(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
}

func queryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *Service) writeError(w http.ResponseWriter, endpoint string, status int, msg string) {
	if s.metrics != nil {
		s.metrics.QueryErrors.WithLabelValues(endpoint).Inc()
	}
	s.writeJSON(w, status, errorResponse{Error: msg})
}
