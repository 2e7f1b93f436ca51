package producer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/tareqmahmud/libraryfeed/events"
	"github.com/tareqmahmud/libraryfeed/libs/kafkax"
)

// PublishError means the transport stayed unreachable through every retry.
// The caller's mutation stands; the event is lost unless the caller has its
// own outbox. Tracking data lagging after this must be caught by monitoring.
type PublishError struct {
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish change event: gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// messageWriter is satisfied by *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Producer struct {
	writer      messageWriter
	closer      func() error
	logger      *slog.Logger
	maxAttempts int
	baseBackoff time.Duration
}

type Config struct {
	Brokers     string
	Topic       string
	MaxAttempts int
	BaseBackoff time.Duration
}

func New(logger *slog.Logger, cfg Config) *Producer {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  kafkax.SplitBrokers(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	})
	p := newWith(logger, writer, cfg)
	p.closer = writer.Close
	return p
}

func newWith(logger *slog.Logger, writer messageWriter, cfg Config) *Producer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}
	return &Producer{
		writer:      writer,
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
	}
}

// Publish appends one message to the stream, keyed so that all events for
// the same entity land on the same partition. It must only be called after
// the originating mutation has committed.
func (p *Producer) Publish(ctx context.Context, evt events.ChangeEvent) error {
	data, err := events.Encode(evt)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(evt.PartitionKey()),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(evt.EventID)},
			{Key: "event_type", Value: []byte(evt.EventType)},
			{Key: "schema_version", Value: []byte(fmt.Sprintf("%d", evt.SchemaVersion))},
		},
	}
	msg.Headers = kafkax.InjectTraceHeaders(ctx, msg.Headers)

	var lastErr error
	backoff := p.baseBackoff
	attempts := 0
	for attempts < p.maxAttempts {
		attempts++
		lastErr = p.writer.WriteMessages(ctx, msg)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		p.logger.Warn("publish attempt failed",
			"attempt", attempts,
			"event_id", evt.EventID,
			"err", lastErr,
		)
		if attempts == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return &PublishError{Attempts: attempts, Err: ctx.Err()}
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return &PublishError{Attempts: attempts, Err: lastErr}
}

func (p *Producer) Close() error {
	if p.closer != nil {
		return p.closer()
	}
	return nil
}
