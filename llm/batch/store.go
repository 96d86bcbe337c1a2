package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/genflow/types"
)

// Store 批次快照存储
type Store interface {
	Save(ctx context.Context, s *Snapshot) error
	// Load 不存在时返回 BATCH_NOT_FOUND
	Load(ctx context.Context, batchID string) (*Snapshot, error)
}

// DefaultStorePrefix Redis 键前缀
const DefaultStorePrefix = "genflow:batch:"

// RedisStoreConfig Redis 存储配置
type RedisStoreConfig struct {
	Prefix    string        `yaml:"prefix" json:"prefix"`
	Retention time.Duration `yaml:"retention" json:"retention"` // 快照保留时长，0 表示永久
}

// RedisStore 把批次快照以 JSON 存入 Redis
type RedisStore struct {
	client redis.UniversalClient
	cfg    RedisStoreConfig
	logger *zap.Logger
}

// NewRedisStore 创建 Redis 存储
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig, logger *zap.Logger) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultStorePrefix
	}
	if cfg.Retention < 0 {
		cfg.Retention = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "batch_store")),
	}
}

func (s *RedisStore) key(batchID string) string {
	return s.cfg.Prefix + batchID
}

// saveScript 只写入版本号更新的快照
var saveScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// Save 写入快照，旧版本不会覆盖新版本
func (s *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal batch snapshot: %w", err)
	}
	ttl := s.cfg.Retention.Milliseconds()
	if err := saveScript.Run(ctx, s.client, []string{s.key(snap.BatchID)}, snap.Version, data, ttl).Err(); err != nil {
		return fmt.Errorf("save batch %s: %w", snap.BatchID, err)
	}
	return nil
}

// Load 读取快照
func (s *RedisStore) Load(ctx context.Context, batchID string) (*Snapshot, error) {
	data, err := s.client.HGet(ctx, s.key(batchID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.NewBatchNotFoundError(batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("load batch %s: %w", batchID, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("corrupt batch snapshot", zap.String("batch_id", batchID), zap.Error(err))
		return nil, fmt.Errorf("decode batch %s: %w", batchID, err)
	}
	return &snap, nil
}
