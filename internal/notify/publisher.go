package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/tranche"
)

const (
	// StreamName holds the outbound ledger events.
	StreamName = "TRANCHE_LEDGER_EVENTS"

	// SubjectPrefix roots the outbound subjects:
	// tranche.ledger.events.{event_type}.{market_id}
	SubjectPrefix = "tranche.ledger.events"
)

// Event is the outbound wire format for one committed checkpoint or derived
// notification.
type Event struct {
	MarketID      string             `json:"market_id"`
	Sequence      int64              `json:"sequence"`
	EventType     string             `json:"event_type"`
	Result        tranche.SyncResult `json:"result"`
	Params        tranche.Params     `json:"params"`
	Accumulator   int64              `json:"accumulator"`
	LastAccrualUs int64              `json:"last_accrual_us"`
	LastDistribUs int64              `json:"last_distribution_us"`
	PublishedAtUs int64              `json:"published_at_us"`
}

// Publisher drains the notify channel and publishes each checkpoint to
// JetStream. Publish failures are non-fatal: downstream consumers can always
// rebuild from the checkpoint log.
type Publisher struct {
	js        jetstream.JetStream
	inputChan <-chan tranche.Checkpoint
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, inputChan <-chan tranche.Checkpoint, metrics *observability.Metrics, log zerolog.Logger) *Publisher {
	return &Publisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log.With().Str("component", "notify_publisher").Logger(),
	}
}

// Run starts the publisher loop.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cp, ok := <-p.inputChan:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, cp); err != nil {
				p.log.Warn().Err(err).
					Str("market", cp.MarketID.String()).
					Int64("sequence", cp.Sequence).
					Msg("outbound publish failed")
				if p.metrics != nil {
					p.metrics.PublishErrors.Inc()
				}
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, cp tranche.Checkpoint) error {
	eventType := classify(cp)

	evt := Event{
		MarketID:      cp.MarketID.String(),
		Sequence:      cp.Sequence,
		EventType:     eventType,
		Result:        cp.Result,
		Params:        cp.Params,
		Accumulator:   cp.Accumulator,
		LastAccrualUs: cp.LastAccrualTS,
		LastDistribUs: cp.LastDistributionTS,
		PublishedAtUs: time.Now().UnixMicro(),
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", SubjectPrefix, eventType, evt.MarketID)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(eventType).Inc()
	}
	return nil
}

// classify maps a checkpoint to its outbound event type. Distributions and
// coverage breaches get their own subjects so consumers can filter without
// inspecting payloads.
func classify(cp tranche.Checkpoint) string {
	switch {
	case cp.Kind == "coverage_breach":
		return "coverage_breach"
	case cp.Kind == "params_updated":
		return "params_updated"
	case cp.Result.Distributed:
		return "distribution"
	default:
		return "checkpoint"
	}
}

// EnsureStream creates the outbound events stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
