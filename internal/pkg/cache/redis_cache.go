package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/3Eeeecho/go-chatroom/internal/pkg/logger"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

var ErrCacheMiss error = errors.New("缓存未命中,key不存在")

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		logger.Error("Failed to marshal cache value", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("序列化缓存值失败: %w", err)
	}

	err = r.client.Set(ctx, key, data, expiration).Err()
	if err != nil {
		logger.Error("Failed to set value in Redis", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("写入 Redis 失败: %w", err)
	}
	return nil
}

func (r *RedisCache) Get(ctx context.Context, key string, target any) error {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrCacheMiss
		}
		logger.Error("Failed to get value from Redis", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("从 Redis 读取失败: %w", err)
	}

	err = json.Unmarshal(data, target)
	if err != nil {
		logger.Error("Failed to unmarshal cached value", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("反序列化缓存值失败: %w", err)
	}
	return nil
}

func (r *RedisCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := r.client.Del(ctx, keys...).Err()
	if err != nil {
		logger.Error("Failed to delete keys from Redis", zap.Strings("keys", keys), zap.Error(err))
		return fmt.Errorf("从 Redis 删除键失败: %w", err)
	}
	return nil
}

// HMSet 设置key的多个field
// go-redis/v8中HMSet已经被弃用,选择HSet配合map实现
func (r *RedisCache) HMSet(ctx context.Context, key string, fields map[string]any) error {
	// Using HSet with map is the recommended way for HMSet in go-redis/v8
	err := r.client.HSet(ctx, key, fields).Err()
	if err != nil {
		logger.Error("Failed to HMSet fields in Redis", zap.String("key", key), zap.Any("fields", fields), zap.Error(err))
		return fmt.Errorf("HMSet 操作失败: %w", err)
	}
	return nil
}

func (r *RedisCache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	resultMap, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss // 如果整个 Hash Key 不存在，HGetAll 也会返回 redis.Nil
		}
		logger.Error("Failed to HGetAll from Redis", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("HGetAll 操作失败: %w", err)
	}
	// 如果 key 存在但 Hash 为空，resultMap 会是空 map，而不是 nil。这很好。
	if len(resultMap) == 0 {
		return nil, ErrCacheMiss // 明确表示没有找到数据，可以根据业务决定是否返回 ErrCacheMiss
		// 或者返回一个空 map 代表找到了一个空Hash
	}
	return resultMap, nil
}

// HSetNX 仅当 field 不存在时写入, 返回是否写入成功
func (r *RedisCache) HSetNX(ctx context.Context, key string, field string, value any) (bool, error) {
	ok, err := r.client.HSetNX(ctx, key, field, value).Result()
	if err != nil {
		logger.Error("Failed to HSetNX field in Redis", zap.String("key", key), zap.String("field", field), zap.Error(err))
		return false, fmt.Errorf("HSetNX 操作失败: %w", err)
	}
	return ok, nil
}

// SMembers key 不存在时返回空切片
func (r *RedisCache) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		logger.Error("Failed to SMembers from Redis", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("SMembers 操作失败: %w", err)
	}
	return members, nil
}

func (r *RedisCache) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := r.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err(); err != nil {
		logger.Error("Failed to ZAdd member in Redis", zap.String("key", key), zap.String("member", member), zap.Error(err))
		return fmt.Errorf("ZAdd 操作失败: %w", err)
	}
	return nil
}

// ZRangeByScore 返回分数不大于 max 的成员
func (r *RedisCache) ZRangeByScore(ctx context.Context, key string, max float64) ([]string, error) {
	members, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(max, 'f', -1, 64),
	}).Result()
	if err != nil {
		logger.Error("Failed to ZRangeByScore from Redis", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("ZRangeByScore 操作失败: %w", err)
	}
	return members, nil
}

func (r *RedisCache) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.ZRem(ctx, key, args...).Err(); err != nil {
		logger.Error("Failed to ZRem members from Redis", zap.String("key", key), zap.Strings("members", members), zap.Error(err))
		return fmt.Errorf("ZRem 操作失败: %w", err)
	}
	return nil
}

func (r *RedisCache) TxPipeline() redis.Pipeliner {
	return r.client.TxPipeline()
}

var _ Cache = (*RedisCache)(nil)
