// Package idempotency 为批次提交提供 Idempotency-Key 去重。
//
// 同一个键第一次提交时先占位，批次创建成功后绑定 batch_id；
// 之后带相同键与相同请求体的提交直接回放原 batch_id。
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL 已完成键的默认保留时长
const DefaultTTL = 24 * time.Hour

// DefaultPendingTTL 占位的默认存活时长。进程在 Claim 与 Complete 之间崩溃时，
// 键最多在这段时间内返回"进行中"
const DefaultPendingTTL = 5 * time.Minute

// DefaultPrefix Redis 键前缀
const DefaultPrefix = "genflow:idem:"

// Entry 一个幂等键记录。BatchID 为空表示提交仍在进行
type Entry struct {
	BatchID     string `json:"batch_id,omitempty"`
	Fingerprint string `json:"fingerprint"`
}

// Pending 提交尚未完成
func (e Entry) Pending() bool { return e.BatchID == "" }

// Store 幂等键存储
type Store interface {
	// Claim 为 key 占位，ttl 是占位的存活时长，<=0 时取 DefaultPendingTTL。
	// key 已存在时返回现有记录且不做修改
	Claim(ctx context.Context, key string, e Entry, ttl time.Duration) (*Entry, error)
	// Complete 绑定最终的 batch_id，并把键的存活时长延长到 ttl（<=0 时取 DefaultTTL）
	Complete(ctx context.Context, key string, e Entry, ttl time.Duration) error
	// Release 提交失败时释放占位
	Release(ctx context.Context, key string) error
}

// Fingerprint 计算请求体指纹，相同输入得到相同结果
func Fingerprint(inputs ...any) (string, error) {
	if len(inputs) == 0 {
		return "", errors.New("fingerprint needs at least one input")
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint inputs: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

func normalizePendingTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultPendingTTL
	}
	return ttl
}

// =============================================================================
// 🗄️ Redis 实现
// =============================================================================

// RedisStore 基于 SETNX 的幂等键存储，多实例共享
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewRedisStore 创建 Redis 幂等键存储
func NewRedisStore(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "idempotency")),
	}
}

// Claim 实现 Store.Claim
func (s *RedisStore) Claim(ctx context.Context, key string, e Entry, ttl time.Duration) (*Entry, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal idempotency entry: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.prefix+key, data, normalizePendingTTL(ttl)).Result()
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return nil, nil
	}

	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		// 占位刚好过期，再试一次
		return s.Claim(ctx, key, e, ttl)
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}
	var existing Entry
	if err := json.Unmarshal(raw, &existing); err != nil {
		return nil, fmt.Errorf("decode idempotency entry: %w", err)
	}
	s.logger.Debug("idempotency key hit", zap.String("key", key), zap.Bool("pending", existing.Pending()))
	return &existing, nil
}

// Complete 实现 Store.Complete
func (s *RedisStore) Complete(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, normalizeTTL(ttl)).Err(); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Release 实现 Store.Release
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// =============================================================================
// 🧠 内存实现
// =============================================================================

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryStore 单实例内存存储，过期键在访问时清理
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore 创建内存幂等键存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

// WithClock 替换时钟，测试用
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// Claim 实现 Store.Claim
func (s *MemoryStore) Claim(_ context.Context, key string, e Entry, ttl time.Duration) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if cur, ok := s.entries[key]; ok && now.Before(cur.expiresAt) {
		existing := cur.entry
		return &existing, nil
	}
	s.entries[key] = memoryEntry{entry: e, expiresAt: now.Add(normalizePendingTTL(ttl))}
	return nil, nil
}

// Complete 实现 Store.Complete
func (s *MemoryStore) Complete(_ context.Context, key string, e Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{entry: e, expiresAt: s.now().Add(normalizeTTL(ttl))}
	return nil
}

// Release 实现 Store.Release
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len 未过期的键数量
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, cur := range s.entries {
		if now.Before(cur.expiresAt) {
			n++
		} else {
			delete(s.entries, k)
		}
	}
	return n
}
