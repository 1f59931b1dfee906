package projection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/publish"
)

// Consumer feeds published envelopes into an Engine.
//
// Messages are acked once handled. Storage failures nack the message for
// redelivery; domain errors (an apply that rejects the envelope, an
// undecodable message) are logged and acked, since redelivery would fail
// the same way.
type Consumer struct {
	sub    message.Subscriber
	topic  string
	engine *Engine
	logger *slog.Logger
}

// NewConsumer creates a Consumer reading topic from sub.
func NewConsumer(sub message.Subscriber, topic string, engine *Engine, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{sub: sub, topic: topic, engine: engine, logger: logger}
}

// Serve consumes until ctx is done or the subscription closes.
func (c *Consumer) Serve(ctx context.Context) error {
	msgs, err := c.sub.Subscribe(ctx, c.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.topic, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return ctx.Err()
			}
			c.consume(ctx, msg)
		}
	}
}

func (c *Consumer) consume(ctx context.Context, msg *message.Message) {
	env, err := publish.Unmarshal(msg)
	if err != nil {
		c.logger.ErrorContext(ctx, "projection consumer: undecodable message", "message_uuid", msg.UUID, "error", err)
		msg.Ack()
		return
	}
	err = c.engine.Handle(ctx, env)
	switch {
	case err == nil:
		msg.Ack()
	case isDomainError(err):
		c.logger.ErrorContext(ctx, "projection consumer: envelope rejected",
			"aggregate_id", env.AggregateID, "version", env.Version, "event_id", env.EventID, "error", err)
		msg.Ack()
	default:
		c.logger.WarnContext(ctx, "projection consumer: handling failed, requesting redelivery",
			"aggregate_id", env.AggregateID, "version", env.Version, "error", err)
		msg.Nack()
	}
}

func isDomainError(err error) bool {
	_, ok := event.AsError(err)
	return ok
}

// String implements fmt.Stringer for the supervisor's logs.
func (c *Consumer) String() string {
	return "projection-consumer"
}
