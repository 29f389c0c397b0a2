package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/tranche"
)

// CheckpointWorker drains the persist channel and batch-writes checkpoints
// to Postgres. Engines send on that channel with BLOCKING sends, so if this
// worker falls behind, syncs stall rather than lose a checkpoint.
type CheckpointWorker struct {
	writer       *CheckpointWriter
	inputChan    <-chan tranche.Checkpoint
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewCheckpointWorker(
	db *sql.DB,
	inputChan <-chan tranche.Checkpoint,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *CheckpointWorker {
	return &CheckpointWorker{
		writer:       NewCheckpointWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log.With().Str("component", "checkpoint_worker").Logger(),
	}
}

// Writer exposes the underlying writer for read-side consumers.
func (cw *CheckpointWorker) Writer() *CheckpointWriter {
	return cw.writer
}

// Run batches incoming checkpoints and flushes when the batch fills or the
// flush timeout expires. Blocks until ctx is cancelled or the channel closes;
// either way the remaining batch is flushed before returning.
func (cw *CheckpointWorker) Run(ctx context.Context) error {
	batch := make([]CheckpointRow, 0, cw.batchSize)

	timer := time.NewTimer(cw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := cw.flush(context.Background(), batch); err != nil {
					cw.log.Error().Err(err).Int("batch", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case cp, ok := <-cw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := cw.flush(context.Background(), batch); err != nil {
						cw.log.Error().Err(err).Int("batch", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, RowFromCheckpoint(cp))

			if len(batch) >= cw.batchSize {
				cw.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(cw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				cw.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(cw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// Checkpoints are never dropped; on cancellation one final attempt runs with
// a background context so graceful shutdown does not abandon the batch.
func (cw *CheckpointWorker) flushWithRetry(ctx context.Context, batch []CheckpointRow) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			cw.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("batch", len(batch)).
				Msg("retrying checkpoint flush")
			select {
			case <-ctx.Done():
				if err := cw.flush(context.Background(), batch); err != nil {
					cw.log.Error().Err(err).Int("batch", len(batch)).Msg("shutdown flush failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := cw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				cw.log.Info().Int("attempts", attempt).Msg("checkpoint flush recovered")
			}
			return
		}

		if cw.metrics != nil {
			cw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

// flush writes the batch and the per-market head watermarks in one
// transaction, so the head never points past a missing checkpoint.
func (cw *CheckpointWorker) flush(ctx context.Context, batch []CheckpointRow) error {
	start := time.Now()

	tx, err := cw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if cw.metrics != nil {
			cw.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := cw.writer.WriteCheckpointBatch(ctx, tx, batch); err != nil {
		if cw.metrics != nil {
			cw.metrics.PersistErrors.WithLabelValues("write_checkpoints").Inc()
		}
		return err
	}

	for market, head := range batchHeads(batch) {
		if err := cw.writer.UpsertMarketHead(ctx, tx, market, head); err != nil {
			if cw.metrics != nil {
				cw.metrics.PersistErrors.WithLabelValues("upsert_head").Inc()
			}
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		if cw.metrics != nil {
			cw.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if cw.metrics != nil {
		cw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		cw.metrics.PersistBatchSize.Observe(float64(len(batch)))
		cw.metrics.PersistCheckpointsWritten.Add(float64(len(batch)))
		for market, head := range batchHeads(batch) {
			cw.metrics.PersistLastSequence.WithLabelValues(market).Set(float64(head))
		}
	}

	return nil
}

// batchHeads returns the highest checkpoint sequence per market in the batch.
func batchHeads(batch []CheckpointRow) map[string]int64 {
	heads := make(map[string]int64, 1)
	for _, r := range batch {
		if r.Sequence > heads[r.MarketID] {
			heads[r.MarketID] = r.Sequence
		}
	}
	return heads
}
