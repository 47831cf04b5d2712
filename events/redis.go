package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix is prepended to the event type to form the channel.
const DefaultChannelPrefix = "loyalty:events:"

// RedisSink publishes each event as JSON on "<prefix><type>".
type RedisSink struct {
	client *redis.Client
	prefix string
}

func NewRedisSink(client *redis.Client, prefix string) *RedisSink {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisSink{client: client, prefix: prefix}
}

// Channel returns the channel an event type is published on.
func (s *RedisSink) Channel(t Type) string { return s.prefix + string(t) }

func (s *RedisSink) Emit(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.Channel(e.Type), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}
