package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/tranche"
)

const (
	// MarkStreamName holds the inbound valuation-mark stream.
	MarkStreamName = "TRANCHE_MARKS"

	// MarkSubjectPrefix is the subject root; producers publish to
	// tranche.marks.{market_id}.
	MarkSubjectPrefix = "tranche.marks"
)

// RawMark is a mark message off the wire, ready for parsing, with its
// delivery controls attached.
type RawMark struct {
	Subject string
	Data    []byte
	AckFunc func()
	NakFunc func()
}

// MarkApplier routes a parsed mark into the accounting layer. Satisfied by
// *kernel.Kernel.
type MarkApplier interface {
	ApplyMark(marketID uuid.UUID, sequence, timestamp, stRaw, jtRaw int64) (tranche.SyncResult, bool, error)
}

// MarkSubscriber consumes tranche.marks.> from JetStream and feeds the
// messages into markChan for the processor loop.
type MarkSubscriber struct {
	js       jetstream.JetStream
	markChan chan<- RawMark
	consumer jetstream.ConsumeContext
	log      zerolog.Logger
}

func NewMarkSubscriber(js jetstream.JetStream, markChan chan<- RawMark, log zerolog.Logger) *MarkSubscriber {
	return &MarkSubscriber{
		js:       js,
		markChan: markChan,
		log:      log.With().Str("component", "mark_subscriber").Logger(),
	}
}

// Subscribe creates the durable consumer. Explicit ACK, max_deliver=5,
// ack_wait=30s: a mark that fails parsing or application is redelivered a
// few times and then dropped to the stream's advisory subject.
func (ms *MarkSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ms.js.CreateOrUpdateConsumer(ctx, MarkStreamName, jetstream.ConsumerConfig{
		Durable:       "tranche-marks",
		FilterSubject: MarkSubjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer tranche-marks: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawMark{
			Subject: msg.Subject(),
			Data:    msg.Data(),
			AckFunc: func() { msg.Ack() },
			NakFunc: func() { msg.Nak() },
		}
		select {
		case ms.markChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume tranche-marks: %w", err)
	}

	ms.consumer = cc
	ms.log.Info().Str("subject", MarkSubjectPrefix+".>").Msg("subscribed")
	return nil
}

// Stop gracefully stops the consumer.
func (ms *MarkSubscriber) Stop() {
	if ms.consumer != nil {
		ms.consumer.Stop()
	}
	ms.log.Info().Msg("mark subscriber stopped")
}

// EnsureMarkStream creates the inbound stream if it does not exist.
// FileStorage, retention by limits, 72h max age.
func EnsureMarkStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      MarkStreamName,
		Subjects:  []string{MarkSubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", MarkStreamName, err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// Processor drains markChan: parse, apply, ack. Parse failures are ACKed
// (a malformed payload never heals on redelivery); application failures are
// NAKed so the mark retries after the next checkpoint lands.
type Processor struct {
	markChan <-chan RawMark
	applier  MarkApplier
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewProcessor(markChan <-chan RawMark, applier MarkApplier, metrics *observability.Metrics, log zerolog.Logger) *Processor {
	return &Processor{
		markChan: markChan,
		applier:  applier,
		metrics:  metrics,
		log:      log.With().Str("component", "mark_processor").Logger(),
	}
}

// Run processes marks until ctx is cancelled or the channel closes.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-p.markChan:
			if !ok {
				return nil
			}
			p.handle(raw)
		}
	}
}

func (p *Processor) handle(raw RawMark) {
	mark, err := ParseMark(raw.Data)
	if err != nil {
		p.log.Error().Err(err).Str("subject", raw.Subject).Msg("malformed mark dropped")
		if p.metrics != nil {
			p.metrics.MarksRejected.WithLabelValues("malformed").Inc()
		}
		raw.AckFunc()
		return
	}

	_, applied, err := p.applier.ApplyMark(mark.MarketID, mark.Sequence, mark.Timestamp, mark.STRawNAV, mark.JTRawNAV)
	if err != nil {
		p.log.Warn().Err(err).
			Str("market", mark.MarketID.String()).
			Int64("sequence", mark.Sequence).
			Msg("mark application failed, redelivering")
		if p.metrics != nil {
			p.metrics.MarksRejected.WithLabelValues("apply_error").Inc()
		}
		raw.NakFunc()
		return
	}
	if !applied {
		// Stale sequence: already reflected in the ledger.
		raw.AckFunc()
		return
	}
	raw.AckFunc()
}
