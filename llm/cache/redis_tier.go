package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// TierRedis 第二层名称
const TierRedis = "redis"

// RedisTierConfig Redis 层配置
type RedisTierConfig struct {
	Namespace string `yaml:"namespace" json:"namespace"` // 键空间前缀，例如 "genflow:"
	ScanCount int64  `yaml:"scan_count" json:"scan_count"`
}

// RedisTier 共享分布式缓存层
type RedisTier struct {
	client redis.UniversalClient
	cfg    RedisTierConfig
	now    func() time.Time
	logger *zap.Logger
}

// NewRedisTier 创建 Redis 层
func NewRedisTier(client redis.UniversalClient, cfg RedisTierConfig, logger *zap.Logger) *RedisTier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = 100
	}
	return &RedisTier{
		client: client,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(zap.String("component", "cache_redis_tier")),
	}
}

// Name 实现 Tier
func (t *RedisTier) Name() string { return TierRedis }

func (t *RedisTier) redisKey(key string) string {
	return t.cfg.Namespace + key
}

// Get 实现 Tier
func (t *RedisTier) Get(ctx context.Context, key string) (*Entry, bool, error) {
	data, err := t.client.Get(ctx, t.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// 损坏的信封直接丢弃
		t.client.Del(ctx, t.redisKey(key))
		return nil, false, fmt.Errorf("decode redis entry %s: %w", key, err)
	}
	if entry.Expired(t.now()) {
		return nil, false, nil
	}
	entry.Key = key
	return &entry, true, nil
}

// Set 实现 Tier，Redis TTL 取条目剩余存活时间
func (t *RedisTier) Set(ctx context.Context, entry *Entry) error {
	now := t.now()
	if entry.Expired(now) {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode redis entry %s: %w", entry.Key, err)
	}
	if err := t.client.Set(ctx, t.redisKey(entry.Key), data, entry.TTL(now)).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", entry.Key, err)
	}
	return nil
}

// Delete 实现 Tier
func (t *RedisTier) Delete(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, t.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// ListKeys 实现 Enumerator，使用 SCAN MATCH 避免阻塞服务端
func (t *RedisTier) ListKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	match := t.cfg.Namespace + pattern
	for {
		batch, next, err := t.client.Scan(ctx, cursor, match, t.cfg.ScanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %q: %w", pattern, err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, t.cfg.Namespace))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	t.logger.Debug("redis keys listed", zap.String("pattern", pattern), zap.Int("count", len(keys)))
	return keys, nil
}
