// Package fanout bridges room notifications across SFU instances using
// Redis pub/sub. A single process only sees the Sessions connected to
// it; when a room spans more than one instance, each instance
// publishes its local notifications and relays what its peers publish
// back out to its own Sessions via gateway.Callbacks.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/brokerwave/sfu/internal/ids"
)

const (
	channelPrefix = "sfu:room:"
	publishTTL    = 5 * time.Second
)

// payload is the message published to Redis for cross-instance
// delivery.
type payload struct {
	Event string          `json:"event"`
	Body  json.RawMessage `json:"body"`
	At    int64           `json:"at"`
}

// Bridge publishes and subscribes to per-room Redis channels. A nil
// *redis.Client disables it entirely: Publish becomes a no-op and
// Subscribe never calls its handler, so a single-instance deployment
// can construct a Bridge unconditionally without checking config
// first.
type Bridge struct {
	client *redis.Client
	log    *zap.Logger
}

// New returns a Bridge using client. Pass nil to disable fan-out.
func New(client *redis.Client, log *zap.Logger) *Bridge {
	return &Bridge{client: client, log: log}
}

// Publish broadcasts event/body to every other instance subscribed to
// room. It is a best-effort send: a Redis outage degrades to
// single-instance delivery rather than failing the notification that
// triggered it.
func (b *Bridge) Publish(room ids.RoomID, event string, body json.RawMessage) {
	if b.client == nil {
		return
	}
	encoded, err := json.Marshal(payload{Event: event, Body: body, At: time.Now().Unix()})
	if err != nil {
		b.log.Error("marshal fanout payload failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTTL)
	defer cancel()
	if err := b.client.Publish(ctx, channelFor(room), encoded).Err(); err != nil {
		b.log.Warn("fanout publish failed", zap.String("room", string(room)), zap.Error(err))
	}
}

// Subscribe listens on room's channel until ctx is done, invoking
// handler for every message this instance did not itself publish.
// Subscribe returns once the subscription is confirmed; delivery runs
// in a background goroutine until ctx is canceled.
func (b *Bridge) Subscribe(ctx context.Context, room ids.RoomID, handler func(event string, body json.RawMessage)) error {
	if b.client == nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, channelFor(room))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("fanout: subscribe to %s: %w", room, err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p payload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					b.log.Warn("discarding malformed fanout payload", zap.Error(err))
					continue
				}
				handler(p.Event, p.Body)
			}
		}
	}()
	return nil
}

func channelFor(room ids.RoomID) string {
	return channelPrefix + string(room)
}
