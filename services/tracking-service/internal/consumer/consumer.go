package consumer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/tareqmahmud/libraryfeed/events"
	"github.com/tareqmahmud/libraryfeed/libs/kafkax"
	"github.com/tareqmahmud/libraryfeed/services/tracking-service/internal/tracking"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// State is the consumer lifecycle. Transitions:
// Stopped -> Starting -> Polling <-> Processing -> Stopping -> Stopped.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StatePolling
	StateProcessing
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StatePolling:
		return "polling"
	case StateProcessing:
		return "processing"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// messageSource is satisfied by *kafka.Reader. FetchMessage does not
// advance the consumer group offset; CommitMessages does.
type messageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	source messageSource
	store  tracking.Store
	logger *slog.Logger
	state  atomic.Int32

	storeBackoff     time.Duration
	maxStoreBackoff  time.Duration
	maxStoreAttempts int
	fetchRetryDelay  time.Duration
	finishTimeout    time.Duration
}

type Config struct {
	Brokers string
	GroupID string
	Topic   string
	// StoreBackoff is the base delay before retrying a failed persist.
	StoreBackoff time.Duration
	// MaxStoreAttempts bounds persist retries before the operator alert
	// fires; the consumer then holds at the max backoff without advancing.
	MaxStoreAttempts int
}

func New(logger *slog.Logger, store tracking.Store, cfg Config) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  kafkax.SplitBrokers(cfg.Brokers),
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newWith(logger, store, reader, cfg)
}

func newWith(logger *slog.Logger, store tracking.Store, source messageSource, cfg Config) *Consumer {
	if cfg.StoreBackoff <= 0 {
		cfg.StoreBackoff = 500 * time.Millisecond
	}
	if cfg.MaxStoreAttempts <= 0 {
		cfg.MaxStoreAttempts = 8
	}
	return &Consumer{
		source:           source,
		store:            store,
		logger:           logger,
		storeBackoff:     cfg.StoreBackoff,
		maxStoreBackoff:  30 * time.Second,
		maxStoreAttempts: cfg.MaxStoreAttempts,
		fetchRetryDelay:  time.Second,
		finishTimeout:    10 * time.Second,
	}
}

func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

// Run consumes until ctx is canceled. Progress for a message is committed
// only after its tracking record is persisted or confirmed as a duplicate;
// a crash between persist and commit re-delivers into a duplicate no-op.
func (c *Consumer) Run(ctx context.Context) {
	c.setState(StateStarting)
	defer c.source.Close()
	defer c.setState(StateStopped)

	for {
		c.setState(StatePolling)
		msg, err := c.source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateStopping)
				return
			}
			c.logger.Error("kafka fetch error", "err", err)
			select {
			case <-ctx.Done():
				c.setState(StateStopping)
				return
			case <-time.After(c.fetchRetryDelay):
			}
			continue
		}

		c.setState(StateProcessing)
		c.process(ctx, msg)

		if ctx.Err() != nil {
			c.setState(StateStopping)
			return
		}
	}
}

// process returns once msg is committed (persisted, duplicate, or skipped
// as poison), or once ctx is canceled mid-retry. It never advances past a
// message whose record could not be persisted. A fetched message is
// finished even when shutdown arrives mid-persist: the persist and commit
// calls run detached from the run context (bounded by finishTimeout), and
// cancellation is honored only at the backoff suspension points.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	msgCtx := kafkax.ExtractTraceContext(ctx, msg)
	spanCtx, span := otel.Tracer("kafka").Start(msgCtx, "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)

	evt, err := events.Decode(msg.Value)
	if err != nil {
		// Poison: retrying a malformed message can never succeed.
		c.logger.Error("poison message skipped",
			"event_id", meta.EventID,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"err", err,
		)
		span.RecordError(err)
		c.commit(ctx, msg)
		return
	}

	backoff := c.storeBackoff
	for attempt := 1; ; attempt++ {
		inserted, err := c.upsert(spanCtx, tracking.FromEvent(evt, time.Now().UTC()))
		if err == nil {
			if !inserted {
				c.logger.Info("duplicate event ignored", "event_id", evt.EventID, "event_type", evt.EventType)
			}
			c.commit(ctx, msg)
			return
		}

		span.RecordError(err)
		if attempt == c.maxStoreAttempts {
			c.logger.Error("tracking store unavailable, partition paused",
				"event_id", evt.EventID,
				"partition", msg.Partition,
				"attempts", attempt,
				"err", err,
				"alert", true,
			)
		} else if attempt < c.maxStoreAttempts {
			c.logger.Warn("tracking store write failed, retrying",
				"event_id", evt.EventID,
				"attempt", attempt,
				"err", err,
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < c.maxStoreBackoff {
			backoff *= 2
			if backoff > c.maxStoreBackoff {
				backoff = c.maxStoreBackoff
			}
		}
	}
}

// upsert persists under a context detached from the shutdown signal so a
// STOPPING consumer still finishes its in-flight message.
func (c *Consumer) upsert(parent context.Context, rec tracking.Record) (bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.finishTimeout)
	defer cancel()
	return c.store.UpsertIfAbsent(ctx, rec)
}

func (c *Consumer) commit(parent context.Context, msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.finishTimeout)
	defer cancel()
	if err := c.source.CommitMessages(ctx, msg); err != nil {
		// Redelivery after a failed commit is harmless: the duplicate
		// check turns it into a no-op.
		c.logger.Error("offset commit failed", "partition", msg.Partition, "offset", msg.Offset, "err", err)
	}
}
