package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rsclarke/warden/internal/models"
)

// RedisPublisher fans audit entries out over Redis pub/sub.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

type redisMessage struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	EventType string          `json:"event_type"`
	Details   json.RawMessage `json:"details"`
}

// NewRedisPublisher connects to the Redis server at url and verifies it
// answers a ping.
func NewRedisPublisher(ctx context.Context, url, channel string) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisPublisher{client: client, channel: channel}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, entry models.AuditEntry) error {
	msg, err := json.Marshal(redisMessage{
		ID:        entry.ID,
		Timestamp: entry.Timestamp,
		EventType: entry.EventType,
		Details:   json.RawMessage(entry.Details),
	})
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, msg).Err()
}

// Close releases the Redis connection pool.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
