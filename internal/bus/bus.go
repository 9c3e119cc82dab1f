// Package bus is the redis-backed pub/sub layer: per-call event channels, a
// global activity channel, and the distributed lock that serializes policy
// hot-swaps across instances. All payloads are UTF-8 JSON.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/luthien-dev/luthien/internal/events"
)

// Channel and key names shared with external subscribers.
const (
	ActivityChannel   = "luthien:activity:global"
	callChannelPrefix = "luthien:conversation:"
	policyLockKey     = "luthien:policy:lock"
)

// CallChannel returns the per-call channel name.
func CallChannel(callID string) string {
	return callChannelPrefix + callID
}

// Bus wraps a redis client with the channel conventions above.
type Bus struct {
	client *redis.Client
}

// New connects to redis at the given URL (redis://...). The connection is
// verified with a ping so a misconfigured bus fails at startup, not mid-call.
func New(ctx context.Context, redisURL string) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Bus{client: client}, nil
}

// NewFromClient wraps an existing client; used by tests with miniredis.
func NewFromClient(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// PublishEvent sends the event on its per-call channel and the global
// activity channel. Redis pub/sub is fire and forget: subscribers that are
// absent or slow simply miss messages. Durable history lives in the store.
func (b *Bus) PublishEvent(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, CallChannel(ev.CallID), payload).Err(); err != nil {
		return fmt.Errorf("publish call channel: %w", err)
	}
	if err := b.client.Publish(ctx, ActivityChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish activity channel: %w", err)
	}
	return nil
}

// Subscription is a live feed of raw JSON event payloads from one channel.
type Subscription struct {
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
}

// Messages returns the payload channel. It closes when the subscription is
// closed or the connection drops.
func (s *Subscription) Messages() <-chan *redis.Message { return s.ch }

// Close tears the subscription down.
func (s *Subscription) Close() error { return s.pubsub.Close() }

// Subscribe opens a subscription on the named channel.
func (b *Bus) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	// Receive forces the SUBSCRIBE round trip so failures surface here.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return &Subscription{pubsub: pubsub, ch: pubsub.Channel()}, nil
}

// SubscribeActivity opens a subscription on the global activity channel.
func (b *Bus) SubscribeActivity(ctx context.Context) (*Subscription, error) {
	return b.Subscribe(ctx, ActivityChannel)
}

// SubscribeCall opens a subscription on one call's channel.
func (b *Bus) SubscribeCall(ctx context.Context, callID string) (*Subscription, error) {
	return b.Subscribe(ctx, CallChannel(callID))
}

// Close releases the underlying client.
func (b *Bus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	if err := b.client.Close(); err != nil {
		logrus.WithError(err).Warn("closing redis client")
		return err
	}
	return nil
}
