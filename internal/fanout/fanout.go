// Package fanout broadcasts room messages across processes via Redis
// pub/sub, following the teacher's own subscribe/publish loop in
// server/main.go, generalized from one hardcoded "test-doc" channel to one
// channel per document ("doc:<documentId>", named in spec §4.4).
package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"collabtext/internal/model"
)

// Bus fans messages out across every process subscribed to a document's
// channel, including the publishing process itself — Redis pub/sub has no
// notion of excluding the publisher. Every Bus carries a random instance
// id so callers can recognize and drop their own echo instead of
// re-delivering it locally a second time (local delivery to same-process
// peers is handled by the Room's own member map and never goes through
// Redis at all).
type Bus struct {
	client     *redis.Client
	instanceID string
}

// Dial connects to Redis, retrying with backoff for the same reason
// postgres.Dial does (startup ordering against a sibling container).
func Dial(ctx context.Context, addr string) (*Bus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	op := func() error { return client.Ping(ctx).Err() }
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("dial redis: %w", err)
	}
	return &Bus{client: client, instanceID: uuid.NewString()}, nil
}

// InstanceID identifies this process's Bus among every process subscribed
// to the same channels. Stable for the Bus's lifetime.
func (b *Bus) InstanceID() string { return b.instanceID }

func channelName(id model.DocumentId) string {
	return fmt.Sprintf("doc:%d", id)
}

// Publish fans raw bytes out to every process subscribed to the document's
// channel.
func (b *Bus) Publish(ctx context.Context, id model.DocumentId, payload []byte) error {
	if err := b.client.Publish(ctx, channelName(id), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channelName(id), err)
	}
	return nil
}

// Subscription is a live subscription to one document's channel.
type Subscription struct {
	pubsub *redis.PubSub
	C      <-chan []byte
}

// Subscribe opens a subscription to the document's channel. The caller
// must call Close when the last local member leaves.
func (b *Bus) Subscribe(ctx context.Context, id model.DocumentId) *Subscription {
	pubsub := b.client.Subscribe(ctx, channelName(id))
	raw := pubsub.Channel()
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range raw {
			out <- []byte(msg.Payload)
		}
	}()
	return &Subscription{pubsub: pubsub, C: out}
}

// Close ends the subscription.
func (s *Subscription) Close() error { return s.pubsub.Close() }

// Close releases the underlying Redis client.
func (b *Bus) Close() error { return b.client.Close() }
