package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/Shvan11/shwnod-sync/libs/kafkax"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Handler func(ctx context.Context, msg kafka.Message) error

// Consumer reads the appointment change broadcast. The channel is
// at-least-once and unordered across connections; deduplication and
// ordering concerns belong to the handler, not here.
type Consumer struct {
	reader      *kafka.Reader
	logger      *slog.Logger
	handler     Handler
	onReconnect func()
}

type Config struct {
	Brokers string
	GroupID string
	Topic   string
	// OnReconnect fires each time the read loop recovers from an error,
	// i.e. after a dropped connection was re-established.
	OnReconnect func()
}

func New(logger *slog.Logger, cfg Config, handler Handler) *Consumer {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{
		reader:      reader,
		logger:      logger,
		handler:     handler,
		onReconnect: cfg.OnReconnect,
	}
}

func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	degraded := false
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka read error", "err", err)
			degraded = true
			time.Sleep(1 * time.Second)
			continue
		}
		if degraded {
			degraded = false
			c.logger.Info("kafka consumer recovered")
			if c.onReconnect != nil {
				c.onReconnect()
			}
		}

		ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
		ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
			trace.WithAttributes(
				attribute.String("messaging.system", "kafka"),
				attribute.String("messaging.destination", msg.Topic),
			),
		)

		// A handler failure never stops the pipeline; the event is
		// logged and dropped, and the next reload repairs any gap.
		if err := c.handler(ctxSpan, msg); err != nil {
			meta := kafkax.ExtractEventMeta(msg)
			c.logger.Error("event handler error", "err", err, "event_id", meta.EventID)
			span.RecordError(err)
		}
		span.End()
	}
}
