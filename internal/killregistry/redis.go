package killregistry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/systeminit/veritech/internal/core"
)

// channelPrefix namespaces the Redis Pub/Sub channels used for broadcast
// kill signals, one channel per execution id.
const channelPrefix = "dispatch:kill:"

// RedisBroadcaster wraps a Registry so that Kill also publishes to Redis,
// letting a kill request that lands on any dispatcher process reach the
// one actually holding the execution. The in-process Registry in
// killregistry.go remains the primary, always-consulted store; Redis is
// additive and a connection failure here never blocks a local kill.
type RedisBroadcaster struct {
	*Registry
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedisBroadcaster wraps reg with Redis-backed cross-process kill
// delivery.
func NewRedisBroadcaster(reg *Registry, addr string, logger *slog.Logger) (*RedisBroadcaster, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	return &RedisBroadcaster{Registry: reg, rdb: rdb, logger: logger}, nil
}

// Register installs the local handle and subscribes to this execution's
// broadcast channel so a kill published by another process still reaches
// it.
func (b *RedisBroadcaster) Register(id core.ExecutionId) <-chan struct{} {
	cancelCh := b.Registry.Register(id)

	ctx := context.Background()
	sub := b.rdb.Subscribe(ctx, channelPrefix+id.String())

	go func() {
		defer sub.Close()
		select {
		case _, ok := <-sub.Channel():
			if ok {
				b.Registry.Kill(id)
			}
		case <-cancelCh:
		}
	}()

	// The caller selects on the same local cancelCh the base Registry
	// already returns; Kill (below) closes it exactly once regardless of
	// whether the signal originated locally or via Redis.
	return cancelCh
}

// Kill fires the local handle (if present) and publishes to Redis so any
// other process also tracking this execution id is signaled too. The
// return value reflects only the local outcome, matching the base
// Registry's contract.
func (b *RedisBroadcaster) Kill(id core.ExecutionId) bool {
	found := b.Registry.Kill(id)

	if err := b.rdb.Publish(context.Background(), channelPrefix+id.String(), "1").Err(); err != nil {
		b.logger.Warn("redis kill broadcast failed", "execution_id", id.String(), "error", err)
	}
	return found
}

// Close shuts down the Redis client.
func (b *RedisBroadcaster) Close() error {
	return b.rdb.Close()
}
