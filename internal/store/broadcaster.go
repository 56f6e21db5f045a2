package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/Watchdog088/Test-apps-sub002/internal/logging"
)

// RemoteChange is a durable-path change published by another instance.
type RemoteChange struct {
	Origin string          `json:"origin"`
	Path   string          `json:"path"`
	Value  json.RawMessage `json:"value"`
}

// Broadcaster carries durable-path changes between Store instances that
// share the same durable storage.
type Broadcaster interface {
	// Publish announces that path now holds value.
	Publish(ctx context.Context, path string, value interface{}) error
	// Subscribe delivers changes published by other instances to fn until
	// Close is called.
	Subscribe(ctx context.Context, fn func(RemoteChange)) error
	Close() error
}

// NopBroadcaster is used when there is no other instance to notify.
type NopBroadcaster struct{}

var _ Broadcaster = NopBroadcaster{}

func (NopBroadcaster) Publish(context.Context, string, interface{}) error { return nil }

func (NopBroadcaster) Subscribe(context.Context, func(RemoteChange)) error { return nil }

func (NopBroadcaster) Close() error { return nil }

// =============================================================================
// Redis
// =============================================================================

// RedisBroadcaster publishes changes on a redis pub/sub channel. Every
// instance tags its messages with a random origin and ignores its own.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	origin  string
	log     *logging.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

var _ Broadcaster = (*RedisBroadcaster)(nil)

// NewRedisBroadcaster creates a broadcaster on channel.
func NewRedisBroadcaster(client *redis.Client, channel string, logger *logging.Logger) *RedisBroadcaster {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &RedisBroadcaster{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		log:     logger.Named("broadcaster"),
	}
}

// Origin identifies this instance in published messages.
func (b *RedisBroadcaster) Origin() string {
	return b.origin
}

func (b *RedisBroadcaster) Publish(ctx context.Context, path string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	msg, err := json.Marshal(RemoteChange{Origin: b.origin, Path: path, Value: raw})
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, msg).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", path, err)
	}
	return nil
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context, fn func(RemoteChange)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return fmt.Errorf("already subscribed to %s", b.channel)
	}

	ps := b.client.Subscribe(ctx, b.channel)
	// Wait for the subscription confirmation so no publication is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.pubsub = ps
	b.done = make(chan struct{})

	go b.loop(ps.Channel(), fn, b.done)
	return nil
}

func (b *RedisBroadcaster) loop(ch <-chan *redis.Message, fn func(RemoteChange), done chan struct{}) {
	defer close(done)
	for m := range ch {
		var rc RemoteChange
		if err := json.Unmarshal([]byte(m.Payload), &rc); err != nil {
			b.log.WithError(err).Warn("dropping malformed change message")
			continue
		}
		if rc.Origin == b.origin {
			continue
		}
		fn(rc)
	}
}

// Close ends the subscription and waits for the delivery loop to exit.
func (b *RedisBroadcaster) Close() error {
	b.mu.Lock()
	ps, done := b.pubsub, b.done
	b.pubsub, b.done = nil, nil
	b.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}
