package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"gifconv/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// wireEvent carries the owner routing key that models.Event keeps off the
// client-facing JSON.
type wireEvent struct {
	OwnerID string `json:"ownerId"`
	models.Event
}

// RedisRelay carries events between processes over Redis Pub/Sub, so workers
// and API servers can run separately.
type RedisRelay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  zerolog.Logger
}

func NewRedisRelay(client *redis.Client, channel string, hub *Hub, logger zerolog.Logger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		hub:     hub,
		logger:  logger.With().Str("component", "notify_relay").Logger(),
	}
}

func (r *RedisRelay) Publish(ctx context.Context, ev models.Event) error {
	payload, err := json.Marshal(wireEvent{OwnerID: ev.OwnerID, Event: ev})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Run forwards channel messages into the hub until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info().Str("channel", r.channel).Msg("relaying conversion events")

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("subscription to %s closed", r.channel)
			}
			var w wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
				r.logger.Warn().Err(err).Msg("dropping malformed event")
				continue
			}
			ev := w.Event
			ev.OwnerID = w.OwnerID
			_ = r.hub.Publish(ctx, ev)
		}
	}
}
