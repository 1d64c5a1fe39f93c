package presence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/remote-agent-terminal/relayhub/internal/model"
)

// RedisPublisher mirrors presence to Redis: every event is published on a
// channel, and the set of live peers is kept in a hash at "<channel>:live"
// keyed by clientId.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

// NewRedisPublisher connects to the Redis server at url and verifies the
// connection.
func NewRedisPublisher(ctx context.Context, url, channel string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	// Test connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisPublisherFromClient(rdb, channel), nil
}

// NewRedisPublisherFromClient wraps an existing client.
func NewRedisPublisherFromClient(rdb *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = "hub:presence"
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

// Name implements Sink.
func (p *RedisPublisher) Name() string {
	return "redis"
}

// LiveKey returns the hash holding currently connected peers.
func (p *RedisPublisher) LiveKey() string {
	return p.channel + ":live"
}

// Record implements Sink.
func (p *RedisPublisher) Record(ctx context.Context, event model.PresenceEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode presence event: %w", err)
	}

	pipe := p.rdb.TxPipeline()
	pipe.Publish(ctx, p.channel, data)
	if event.Kind == model.PresenceLeave {
		pipe.HDel(ctx, p.LiveKey(), event.Peer.ClientID)
	} else {
		peer, err := json.Marshal(event.Peer)
		if err != nil {
			return fmt.Errorf("failed to encode peer: %w", err)
		}
		pipe.HSet(ctx, p.LiveKey(), event.Peer.ClientID, peer)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish presence to redis: %w", err)
	}
	return nil
}

// Reset clears the live-peer hash. The hub calls it at startup because a
// fresh hub instance has no peers.
func (p *RedisPublisher) Reset(ctx context.Context) error {
	return p.rdb.Del(ctx, p.LiveKey()).Err()
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	if p == nil {
		return nil
	}
	return p.rdb.Close()
}
