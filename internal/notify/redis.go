package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"collabline/internal/domain"
)

// Publisher fans a stored notification out to live listeners. It never
// decides whether a notification exists; the inbox table does.
type Publisher interface {
	Publish(ctx context.Context, n domain.Notification) error
}

// NopPublisher drops every notification.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, domain.Notification) error { return nil }

// ChannelPrefix is prepended to the recipient id to form the pub/sub channel.
const ChannelPrefix = "collabline:notifications:"

// Channel returns the pub/sub channel for a recipient.
func Channel(userID string) string {
	return ChannelPrefix + userID
}

type RedisPublisher struct {
	Client  *redis.Client
	Timeout time.Duration
}

// NewRedisPublisher connects to the given redis:// URL and checks it with a ping.
func NewRedisPublisher(ctx context.Context, url string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisPublisher{Client: client, Timeout: 2 * time.Second}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, n domain.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	return p.Client.Publish(ctx, Channel(n.ToID), payload).Err()
}

func (p *RedisPublisher) Close() error {
	return p.Client.Close()
}
