package publisher

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// redisClient go-redis 中用到的部分，便于测试替换
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisBackend 每个批次发布一条 JSON 消息到指定频道
type RedisBackend struct {
	client  redisClient
	channel string
}

func NewRedisBackend(addr, channel string) *RedisBackend {
	return &RedisBackend{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
	}
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) Publish(ctx context.Context, msg Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
