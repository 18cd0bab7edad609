package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrMiss 键不存在或已过期
var ErrMiss = errors.New("kv: key not found")

// KV 账号记录与日程缓存共用的键值存储
type KV interface {
	// Get 键不存在时返回 ErrMiss
	Get(ctx context.Context, key string) (string, error)
	// Set ttl <= 0 表示不过期
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// RedisKV Redis 字符串键实现
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV 创建 RedisKV
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return val, err
}

func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}
