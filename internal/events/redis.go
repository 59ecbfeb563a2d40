package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"stageline/internal/domain"
)

const DefaultStream = "stageline:events"

// RedisPublisher appends events to a Redis stream.
type RedisPublisher struct {
	Client *redis.Client
	Stream string
	// MaxLen caps the stream approximately when positive.
	MaxLen int64
}

func NewRedisPublisher(url, stream string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisPublisher{Client: redis.NewClient(opts), Stream: stream}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, evt domain.Event) error {
	body, err := json.Marshal(NewMessage(evt))
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: p.Stream,
		Values: map[string]any{
			"id":         evt.ID,
			"type":       evt.Type,
			"project_id": evt.ProjectID,
			"body":       string(body),
		},
	}
	if p.MaxLen > 0 {
		args.MaxLen = p.MaxLen
		args.Approx = true
	}
	return p.Client.XAdd(ctx, args).Err()
}

func (p *RedisPublisher) Close() error {
	return p.Client.Close()
}
