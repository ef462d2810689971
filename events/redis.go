package events

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisPublisher broadcasts events on a pub/sub channel so every instance
// can relay them to its own subscribers.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	data, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", e.Topic, err)
	}
	return nil
}

// Relay forwards every event received on channel into local until ctx is
// done.
func Relay(ctx context.Context, client *redis.Client, channel string, local Publisher, log *zap.Logger) error {
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	log.Info("relaying events from redis", zap.String("channel", channel))

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			e, err := Unmarshal([]byte(msg.Payload))
			if err != nil {
				log.Error("discarding malformed event", zap.Error(err))
				continue
			}
			if err := local.Publish(ctx, e); err != nil {
				log.Error("relay event", zap.String("topic", e.Topic), zap.Error(err))
			}
		}
	}
}
