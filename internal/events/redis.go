package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisPublisher is the subset of *redis.Client the bridge needs.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisBridge republishes bus events on Redis pub/sub so API servers in other
// processes can stream progress for instances they do not drive.
type RedisBridge struct {
	client  RedisPublisher
	prefix  string
	timeout time.Duration
}

// NewRedisBridge creates a bridge publishing to "<prefix>:<instance id>" and
// "<prefix>:all".
func NewRedisBridge(client RedisPublisher, prefix string) *RedisBridge {
	if prefix == "" {
		prefix = "handoff:events"
	}
	return &RedisBridge{client: client, prefix: prefix, timeout: 2 * time.Second}
}

// Channel returns the per-instance channel name.
func (r *RedisBridge) Channel(instanceID string) string {
	return r.prefix + ":" + instanceID
}

// Handle is a bus Handler.
func (r *RedisBridge) Handle(e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.client.Publish(ctx, r.Channel(e.InstanceID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", e.Type, err)
	}
	if err := r.client.Publish(ctx, r.prefix+":all", payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", e.Type, err)
	}
	return nil
}

// Attach subscribes the bridge to every event on bus.
func (r *RedisBridge) Attach(bus *Bus) Subscription {
	return bus.SubscribeAll("redis", r.Handle)
}

// NewRedisClient opens a client for addr and verifies it with PING.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}
