// README: Event buses: in-process delivery, or Redis pub/sub so every API instance's hub sees every event.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LocalBus hands events straight to the in-process hub.
type LocalBus struct {
	hub *Hub
}

func NewLocalBus(hub *Hub) *LocalBus { return &LocalBus{hub: hub} }

func (b *LocalBus) Publish(ctx context.Context, e Event) { b.hub.Publish(ctx, e) }

// envelope carries the audience, which Event hides from clients.
type envelope struct {
	Event    json.RawMessage `json:"event"`
	Audience []Recipient     `json:"audience"`
}

// RedisBus publishes events to a Redis channel and feeds everything received
// on that channel, including its own publishes, into the local hub.
type RedisBus struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  *zap.Logger
}

func NewRedisBus(client *redis.Client, channel string, hub *Hub, logger *zap.Logger) *RedisBus {
	return &RedisBus{client: client, channel: channel, hub: hub, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	payload, err := encodeEnvelope(e)
	if err == nil {
		err = b.client.Publish(ctx, b.channel, payload).Err()
	}
	if err != nil {
		b.logger.Warn("redis publish failed, delivering locally",
			zap.String("channel", b.channel),
			zap.String("type", string(e.Type)),
			zap.Error(err))
		b.hub.Publish(ctx, e)
	}
}

// Run subscribes to the channel and forwards events to the hub until ctx ends.
func (b *RedisBus) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("subscribed to event channel", zap.String("channel", b.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			e, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn("discarding malformed event", zap.String("channel", b.channel), zap.Error(err))
				continue
			}
			b.hub.Publish(ctx, e)
		}
	}
}

func encodeEnvelope(e Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return json.Marshal(envelope{Event: raw, Audience: e.Audience})
}

// decodeEnvelope restores an event. Data comes back as generic JSON, which
// re-marshals to the same bytes clients would have seen.
func decodeEnvelope(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Event{}, err
	}
	var e Event
	if err := json.Unmarshal(env.Event, &e); err != nil {
		return Event{}, err
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("event without type")
	}
	e.Audience = env.Audience
	return e, nil
}
