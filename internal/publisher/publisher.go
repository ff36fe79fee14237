// Package publisher implements the progress publisher (C5): it streams
// Output frames and the single terminal result for an execution onto its
// reply channel, in order.
//
// Adapted from the teacher's events.PubSubEventBus — the same
// CloudEvents-over-Cloud-Pub/Sub envelope and per-key ordering, narrowed
// from tenant-scoped ordering to per-execution-id ordering so the wire
// guarantees that a caller sees output frames for one execution strictly
// in emission order, with the terminal frame always last.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/systeminit/veritech/internal/core"
)

// Publisher streams an execution's output and terminal result to its reply
// address over a Pub/Sub topic, with per-execution ordering.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *slog.Logger

	finalized sync.Map // core.ExecutionId -> *sync.Once, see FinalizeOutput
}

// Config configures a Publisher.
type Config struct {
	ProjectID string
	TopicID   string
	Logger    *slog.Logger
}

// New dials the configured Pub/Sub topic, creating it if absent, and
// enables per-key message ordering.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, cfg.TopicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}
	topic.EnableMessageOrdering = true

	return &Publisher{client: client, topic: topic, logger: cfg.Logger}, nil
}

// envelope is the CloudEvents-shaped wire payload for one published frame.
type envelope struct {
	SpecVersion string         `json:"specversion"`
	Type        string         `json:"type"`
	Source      string         `json:"source"`
	ID          string         `json:"id"`
	Time        time.Time      `json:"time"`
	Subject     string         `json:"subject"`
	ReplyTo     core.ReplyAddress `json:"reply_to"`
	Data        map[string]any `json:"data"`
}

// PublishOutput streams one progress frame to addr. Publish failures are
// reported to the caller but never kill the session in progress — a
// dropped progress line is not itself fatal to the execution, only to the
// caller's visibility into it.
func (p *Publisher) PublishOutput(ctx context.Context, addr core.ReplyAddress, out core.Output) error {
	return p.publish(ctx, addr, "dispatch.output", out.ExecutionId, map[string]any{
		"stream":  out.Stream,
		"level":   out.Level,
		"group":   out.Group,
		"data":    out.Data,
		"message": out.Message,
		"ts":      out.Timestamp,
	})
}

// FinalizeOutput marks the end of an execution's output stream. It is
// idempotent: the first call for a given execution id publishes a single
// finalizer frame, and every subsequent call for that id is a no-op, so
// callers reachable from more than one exit path (the session loop and the
// dispatcher's synthesized-failure paths) can each call it unconditionally
// without producing a duplicate finalizer on the wire.
func (p *Publisher) FinalizeOutput(ctx context.Context, addr core.ReplyAddress, id core.ExecutionId) error {
	onceVal, _ := p.finalized.LoadOrStore(id, new(sync.Once))
	once := onceVal.(*sync.Once)
	var err error
	once.Do(func() {
		err = p.publish(ctx, addr, "dispatch.finalize", id, map[string]any{})
	})
	return err
}

// PublishTerminal streams the single terminal frame for an execution. It
// is always the last frame published for a given ordering key.
func (p *Publisher) PublishTerminal(ctx context.Context, addr core.ReplyAddress, result core.TerminalResult) error {
	defer p.finalized.Delete(result.ExecutionId)

	data := map[string]any{"kind": result.Kind}
	if result.Payload != nil {
		data["payload"] = result.Payload
	}
	if result.Error != nil {
		data["error"] = map[string]any{"kind": result.Error.Kind, "message": result.Error.Message}
	}
	return p.publish(ctx, addr, "dispatch.terminal", result.ExecutionId, data)
}

func (p *Publisher) publish(ctx context.Context, addr core.ReplyAddress, eventType string, id core.ExecutionId, data map[string]any) error {
	payload, err := json.Marshal(envelope{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      "function-dispatcher",
		ID:          fmt.Sprintf("ce-%s-%d", id.String(), time.Now().UnixNano()),
		Time:        core.Now(),
		Subject:     string(addr),
		ReplyTo:     addr,
		Data:        data,
	})
	if err != nil {
		return fmt.Errorf("marshal publish envelope: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-type":    eventType,
			"execution_id": id.String(),
		},
		OrderingKey: id.String(),
	})

	if _, err := result.Get(ctx); err != nil {
		p.logger.Warn("publish failed", "execution_id", id.String(), "type", eventType, "error", err)
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

// ResumePublishing clears any ordering-key error state left after a prior
// publish failure, so subsequent frames for the same execution id are not
// permanently blocked by one transient error.
func (p *Publisher) ResumePublishing(id core.ExecutionId) {
	p.topic.ResumePublish(id.String())
}

// Close flushes and closes the underlying Pub/Sub client.
func (p *Publisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
