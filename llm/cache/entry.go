package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotEnumerable 该层不支持按模式枚举键
	ErrNotEnumerable = errors.New("cache tier does not support key enumeration")
	// ErrAppendOnly 该层为仅追加存储，不支持删除
	ErrAppendOnly = errors.New("cache tier is append-only")
)

// Entry 缓存条目，由所在层独占；跨层回填时必须 Clone
type Entry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"` // 零值表示永不过期
	SizeBytes int       `json:"size_bytes"`
	HitCount  int64     `json:"hit_count"`
}

// NewEntry 创建条目，ttl <= 0 表示永不过期
func NewEntry(key string, value []byte, ttl time.Duration, now time.Time) *Entry {
	e := &Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		CreatedAt: now,
		SizeBytes: len(value),
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	return e
}

// Expired 判断是否已过期
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// TTL 剩余存活时间，永不过期返回 0
func (e *Entry) TTL(now time.Time) time.Duration {
	if e.ExpiresAt.IsZero() {
		return 0
	}
	if d := e.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Clone 深拷贝，Value 不与原条目共享底层数组
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Value = append([]byte(nil), e.Value...)
	return &cp
}

// Tier 单层缓存契约
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, key string) error
}

// Enumerator 支持按 glob 模式（* 与 ?）枚举键的层
type Enumerator interface {
	ListKeys(ctx context.Context, pattern string) ([]string, error)
}

// Sweeper 支持主动清理过期条目的层
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}
