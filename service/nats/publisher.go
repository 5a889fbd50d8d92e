package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/stagehop/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher defines the interface for publishing transfer and sweep events.
type Publisher interface {
	// PublishTransfer publishes to "stagehop.transfers.{payer}".
	PublishTransfer(ctx context.Context, event *TransferEvent) error

	// PublishTransferBatch publishes every event, logging and skipping
	// individual failures.
	PublishTransferBatch(ctx context.Context, events []*TransferEvent) error

	// PublishSweep publishes to "stagehop.sweeps".
	PublishSweep(ctx context.Context, event *SweepEvent) error

	Close() error
}

// JetStreamPublisher publishes events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	logger  *slog.Logger
	metrics *metrics.Metrics
}

const (
	// StreamName is the name of the JetStream stream for all events.
	StreamName = "STAGEHOP"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = "stagehop.>"

	// TransferSubjectPrefix is followed by the payer address.
	TransferSubjectPrefix = "stagehop.transfers."

	// SweepSubject carries sweep summaries.
	SweepSubject = "stagehop.sweeps"

	// StreamRetention is how long messages are retained.
	StreamRetention = 30 * 24 * time.Hour
)

// TransferSubject returns the subject for a payer's transfer events.
func TransferSubject(payer string) string {
	return TransferSubjectPrefix + payer
}

// Connect opens a NATS connection with the service's reconnect settings.
func Connect(natsURL, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the stream exists.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := Connect(natsURL, "stagehop-publisher")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		logger:  logger,
		metrics: m,
	}

	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// JetStream exposes the underlying JetStream context for consumers.
func (p *JetStreamPublisher) JetStream() jetstream.JetStream {
	return p.js
}

// ensureStream creates the JetStream stream if it doesn't exist.
func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := p.js.Stream(ctx, StreamName)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", StreamName)

	_, err = p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Staged transfer and sweep events",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

func (p *JetStreamPublisher) publish(ctx context.Context, subject string, v interface{}) error {
	start := time.Now()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.metrics.RecordNATSPublish(subject, "error", time.Since(start).Seconds())
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	p.metrics.RecordNATSPublish(subject, "success", time.Since(start).Seconds())
	return nil
}

// PublishTransfer publishes a single transfer event.
func (p *JetStreamPublisher) PublishTransfer(ctx context.Context, event *TransferEvent) error {
	subject := TransferSubject(event.Payer)
	if err := p.publish(ctx, subject, event); err != nil {
		return err
	}

	p.logger.Debug("published transfer event",
		"subject", subject,
		"round_id", event.RoundID,
		"success", event.Success,
	)
	return nil
}

// PublishTransferBatch publishes multiple transfer events.
func (p *JetStreamPublisher) PublishTransferBatch(ctx context.Context, events []*TransferEvent) error {
	if len(events) == 0 {
		return nil
	}

	for _, event := range events {
		if err := p.PublishTransfer(ctx, event); err != nil {
			p.logger.Error("failed to publish transfer in batch",
				"payer", event.Payer,
				"round_id", event.RoundID,
				"error", err,
			)
			continue
		}
	}

	p.logger.Debug("published transfer batch", "count", len(events))
	return nil
}

// PublishSweep publishes a sweep summary.
func (p *JetStreamPublisher) PublishSweep(ctx context.Context, event *SweepEvent) error {
	if err := p.publish(ctx, SweepSubject, event); err != nil {
		return err
	}
	p.logger.Debug("published sweep event",
		"status", event.Status,
		"closed", event.Closed,
	)
	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
