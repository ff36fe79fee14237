// Package bus implements the inbound side of the message-bus transport:
// it pulls frames off a Cloud Pub/Sub subscription and hands each one to
// the router, acking only once routing has accepted or rejected it.
//
// Adapted from the teacher's events.PubSubEventBus client setup (dial,
// ensure-topic-exists) and fabric.RedisEventBus's subscribe/handler
// registration shape, combined into a single inbound receive loop — the
// dispatcher side has no equivalent of the teacher's in-memory SSE fan-out,
// since every inbound frame routes to exactly one place.
package bus

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"

	"github.com/systeminit/veritech/internal/router"
)

// Handler processes one inbound message; a non-nil error is logged and
// the message is acked, so a rejected message is dropped, not redelivered.
type Handler func(ctx context.Context, msg router.InboundMessage) error

// Subscriber receives inbound dispatch requests from a Pub/Sub
// subscription.
type Subscriber struct {
	client *pubsub.Client
	sub    *pubsub.Subscription
	logger *slog.Logger
}

// Config configures a Subscriber.
type Config struct {
	ProjectID      string
	SubscriptionID string
	Logger         *slog.Logger
}

// New dials the configured Pub/Sub subscription.
func New(ctx context.Context, cfg Config) (*Subscriber, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	sub := client.Subscription(cfg.SubscriptionID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("subscription.Exists: %w", err)
	}
	if !exists {
		client.Close()
		return nil, fmt.Errorf("subscription %s does not exist", cfg.SubscriptionID)
	}

	return &Subscriber{client: client, sub: sub, logger: cfg.Logger}, nil
}

// Run blocks, dispatching every received message to handler until ctx is
// canceled. Pub/Sub delivers concurrently by default; handler must be
// safe for concurrent invocation (the router and dispatcher are).
func (s *Subscriber) Run(ctx context.Context, handler Handler) error {
	return s.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		msg := router.InboundMessage{
			Subject: m.Attributes["subject"],
			Headers: m.Attributes,
			Payload: m.Data,
		}

		if err := handler(ctx, msg); err != nil {
			s.logger.Warn("inbound message rejected, dropping", "error", err)
		}
		m.Ack()
	})
}

// Close shuts down the Pub/Sub client.
func (s *Subscriber) Close() error {
	return s.client.Close()
}
