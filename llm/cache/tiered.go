package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/genflow/types"
)

// Config TieredCache 配置
type Config struct {
	DefaultTTL    time.Duration `yaml:"default_ttl" json:"default_ttl"`
	PromotionTTL  time.Duration `yaml:"promotion_ttl" json:"promotion_ttl"` // 回填副本的 TTL 上限，0 表示沿用剩余 TTL
	TierTimeout   time.Duration `yaml:"tier_timeout" json:"tier_timeout"`   // 慢层单次操作超时
	WriteBehind   bool          `yaml:"write_behind" json:"write_behind"`   // 慢层异步写入
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		DefaultTTL:    24 * time.Hour,
		TierTimeout:   150 * time.Millisecond,
		SweepInterval: time.Minute,
	}
}

// Observer 统计事件回调，由指标采集器实现
type Observer interface {
	ObserveCacheHit(tier string)
	ObserveCacheMiss()
	ObserveCacheSet()
	ObserveCacheEviction(tier string)
	ObserveTierError(tier, op string)
}

// Option TieredCache 选项
type Option func(*TieredCache)

// WithObserver 注册统计回调
func WithObserver(o Observer) Option {
	return func(c *TieredCache) { c.observer = o }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(c *TieredCache) {
		if now != nil {
			c.now = now
		}
	}
}

// Stats 缓存统计快照
type Stats struct {
	HitsPerTier map[string]int64 `json:"hits_per_tier"`
	Misses      int64            `json:"misses"`
	Sets        int64            `json:"sets"`
	Evictions   int64            `json:"evictions"`
	TierErrors  map[string]int64 `json:"tier_errors"`
	HitRate     float64          `json:"hit_rate"`
	Size        int              `json:"size"`
	Capacity    int              `json:"capacity"`
	Tiers       []string         `json:"tiers"`
}

// InvalidationReport 按模式失效的结果
type InvalidationReport struct {
	Pattern string            `json:"pattern"`
	Removed int               `json:"removed"`           // 去重后被删除的键数
	PerTier map[string]int    `json:"per_tier"`          // 每层实际删除数
	Skipped []string          `json:"skipped,omitempty"` // 无法枚举而跳过的层
	Failed  map[string]string `json:"failed,omitempty"`  // 枚举或删除失败的层
}

// TieredCache 三级缓存：memory -> 慢层（按顺序）
type TieredCache struct {
	memory   *LRUCache
	tiers    []Tier
	cfg      Config
	observer Observer
	now      func() time.Time
	logger   *zap.Logger

	hits       []atomic.Int64 // 下标 0 为 memory，其余与 tiers 对应
	tierErrors []atomic.Int64
	misses     atomic.Int64
	sets       atomic.Int64

	wg sync.WaitGroup
}

// NewTieredCache 创建分层缓存，nil 的慢层会被忽略
func NewTieredCache(memory *LRUCache, tiers []Tier, cfg Config, logger *zap.Logger, opts ...Option) *TieredCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if memory == nil {
		memory = NewLRUCache(1000)
	}
	defaults := DefaultConfig()
	if cfg.TierTimeout <= 0 {
		cfg.TierTimeout = defaults.TierTimeout
	}

	active := make([]Tier, 0, len(tiers))
	for _, t := range tiers {
		if t != nil {
			active = append(active, t)
		}
	}

	c := &TieredCache{
		memory:     memory,
		tiers:      active,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.With(zap.String("component", "tiered_cache")),
		hits:       make([]atomic.Int64, len(active)+1),
		tierErrors: make([]atomic.Int64, len(active)+1),
	}
	for _, opt := range opts {
		opt(c)
	}

	memory.OnEvict(func(key string) {
		c.logger.Debug("memory tier evicted", zap.String("key", key))
		if c.observer != nil {
			c.observer.ObserveCacheEviction(TierMemory)
		}
	})

	names := make([]string, 0, len(active)+1)
	names = append(names, TierMemory)
	for _, t := range active {
		names = append(names, t.Name())
	}
	c.logger.Info("tiered cache initialized", zap.Strings("tiers", names))
	return c
}

// Get 依次查询各层；慢层命中时异步回填所有更快的层
func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if e, ok := c.memory.Lookup(key); ok {
		c.recordHit(0, TierMemory)
		return e.Value, true
	}

	for i, tier := range c.tiers {
		e, ok, err := c.tierGet(ctx, tier, key)
		if err != nil {
			c.recordTierError(i+1, tier.Name(), "get", err)
			continue
		}
		if !ok || e.Expired(c.now()) {
			continue
		}

		c.recordHit(i+1, tier.Name())
		c.promote(e.Clone(), i)
		return e.Value, true
	}

	c.misses.Add(1)
	if c.observer != nil {
		c.observer.ObserveCacheMiss()
	}
	return nil, false
}

func (c *TieredCache) tierGet(ctx context.Context, tier Tier, key string) (*Entry, bool, error) {
	tctx, cancel := context.WithTimeout(ctx, c.cfg.TierTimeout)
	defer cancel()
	return tier.Get(tctx, key)
}

// promote 把 level 层命中的副本写入 memory 以及 tiers[:level]
func (c *TieredCache) promote(e *Entry, level int) {
	now := c.now()
	if c.cfg.PromotionTTL > 0 {
		capAt := now.Add(c.cfg.PromotionTTL)
		if e.ExpiresAt.IsZero() || e.ExpiresAt.After(capAt) {
			e.ExpiresAt = capAt
		}
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		c.memory.Store(e)
		for j := 0; j < level; j++ {
			tier := c.tiers[j]
			if err := c.tierSet(context.Background(), tier, e.Clone()); err != nil {
				c.recordTierError(j+1, tier.Name(), "promote", err)
			}
		}
		c.logger.Debug("entry promoted",
			zap.String("key", e.Key),
			zap.String("from", c.tiers[level].Name()))
	}()
}

func (c *TieredCache) tierSet(ctx context.Context, tier Tier, e *Entry) error {
	tctx, cancel := context.WithTimeout(ctx, c.cfg.TierTimeout)
	defer cancel()
	return tier.Set(tctx, e)
}

// Set 写入所有层。memory 同步写入，慢层失败只记录不返回
func (c *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return types.NewInvalidRequestError("cache key is empty")
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	e := NewEntry(key, value, ttl, c.now())
	c.memory.Store(e)
	c.sets.Add(1)
	if c.observer != nil {
		c.observer.ObserveCacheSet()
	}

	if len(c.tiers) == 0 {
		return nil
	}

	if c.cfg.WriteBehind {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.writeSlowTiers(context.Background(), e)
		}()
		return nil
	}
	c.writeSlowTiers(ctx, e)
	return nil
}

func (c *TieredCache) writeSlowTiers(ctx context.Context, e *Entry) {
	for i, tier := range c.tiers {
		if err := c.tierSet(ctx, tier, e.Clone()); err != nil {
			c.recordTierError(i+1, tier.Name(), "set", err)
		}
	}
}

// Delete 从所有层删除，每层相互隔离；返回各层错误的合并
func (c *TieredCache) Delete(ctx context.Context, key string) error {
	c.memory.Remove(key)

	var errs []error
	for i, tier := range c.tiers {
		err := c.tierDelete(ctx, tier, key)
		switch {
		case err == nil:
		case errors.Is(err, ErrAppendOnly):
			c.logger.Debug("delete skipped on append-only tier",
				zap.String("tier", tier.Name()), zap.String("key", key))
		default:
			c.recordTierError(i+1, tier.Name(), "delete", err)
			errs = append(errs, fmt.Errorf("%s: %w", tier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (c *TieredCache) tierDelete(ctx context.Context, tier Tier, key string) error {
	tctx, cancel := context.WithTimeout(ctx, c.cfg.TierTimeout)
	defer cancel()
	return tier.Delete(tctx, key)
}

// InvalidatePattern 删除匹配 glob 的键，glob 只允许 * 和 ?。
// 在可枚举层找到的键也会按键从不可枚举层删除，不可枚举层记入 Skipped
func (c *TieredCache) InvalidatePattern(ctx context.Context, pattern string) (InvalidationReport, error) {
	report := InvalidationReport{
		Pattern: pattern,
		PerTier: make(map[string]int),
		Failed:  make(map[string]string),
	}
	if pattern == "" {
		return report, types.NewInvalidRequestError("invalidation pattern is empty")
	}
	// 只支持 * 和 ?，字符类与转义在各层的匹配语义不一致
	if strings.ContainsAny(pattern, `[]\`) {
		return report, types.NewInvalidRequestError("invalidation pattern supports only * and ? wildcards")
	}

	removed := make(map[string]struct{})

	n := 0
	for _, k := range c.memory.Keys(pattern) {
		if c.memory.Remove(k) {
			removed[k] = struct{}{}
			n++
		}
	}
	report.PerTier[TierMemory] = n

	var blind []int
	for i, tier := range c.tiers {
		enum, ok := tier.(Enumerator)
		if !ok {
			blind = append(blind, i)
			continue
		}

		lctx, cancel := context.WithTimeout(ctx, c.cfg.TierTimeout)
		keys, err := enum.ListKeys(lctx, pattern)
		cancel()
		if errors.Is(err, ErrNotEnumerable) {
			blind = append(blind, i)
			continue
		}
		if err != nil {
			c.recordTierError(i+1, tier.Name(), "list", err)
			report.Failed[tier.Name()] = err.Error()
			continue
		}

		n := 0
		seen := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			if err := c.tierDelete(ctx, tier, k); err != nil {
				c.recordTierError(i+1, tier.Name(), "delete", err)
				report.Failed[tier.Name()] = err.Error()
				continue
			}
			removed[k] = struct{}{}
			n++
		}
		report.PerTier[tier.Name()] = n
	}

	for _, i := range blind {
		tier := c.tiers[i]
		report.Skipped = append(report.Skipped, tier.Name())

		n := 0
		for k := range removed {
			err := c.tierDelete(ctx, tier, k)
			if err == nil {
				n++
				continue
			}
			if errors.Is(err, ErrAppendOnly) {
				break
			}
			c.recordTierError(i+1, tier.Name(), "delete", err)
			report.Failed[tier.Name()] = err.Error()
		}
		report.PerTier[tier.Name()] = n
	}

	report.Removed = len(removed)
	sort.Strings(report.Skipped)

	if len(report.Skipped) > 0 {
		c.logger.Warn("invalidation skipped non-enumerable tiers",
			zap.String("pattern", pattern),
			zap.Strings("skipped", report.Skipped))
	}
	c.logger.Info("cache invalidated",
		zap.String("pattern", pattern),
		zap.Int("removed", report.Removed))
	return report, nil
}

// Run 周期性清理过期条目，直到 ctx 取消
func (c *TieredCache) Run(ctx context.Context) error {
	if c.cfg.SweepInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep 清理一次，返回各层删除数
func (c *TieredCache) Sweep(ctx context.Context) map[string]int {
	now := c.now()
	out := make(map[string]int)

	n, _ := c.memory.Sweep(ctx, now)
	out[TierMemory] = n

	for i, tier := range c.tiers {
		sw, ok := tier.(Sweeper)
		if !ok {
			continue
		}
		tctx, cancel := context.WithTimeout(ctx, c.cfg.TierTimeout)
		n, err := sw.Sweep(tctx, now)
		cancel()
		if err != nil {
			c.recordTierError(i+1, tier.Name(), "sweep", err)
			continue
		}
		out[tier.Name()] = n
	}

	c.logger.Debug("cache sweep finished", zap.Any("removed", out))
	return out
}

// Wait 等待所有异步回填与后写完成
func (c *TieredCache) Wait() {
	c.wg.Wait()
}

// Stats 返回统计快照
func (c *TieredCache) Stats() Stats {
	lru := c.memory.Stats()
	s := Stats{
		HitsPerTier: make(map[string]int64, len(c.tiers)+1),
		TierErrors:  make(map[string]int64, len(c.tiers)),
		Misses:      c.misses.Load(),
		Sets:        c.sets.Load(),
		Evictions:   lru.Evictions,
		Size:        lru.Size,
		Capacity:    lru.Capacity,
		Tiers:       []string{TierMemory},
	}

	var hits int64
	s.HitsPerTier[TierMemory] = c.hits[0].Load()
	hits += s.HitsPerTier[TierMemory]
	for i, tier := range c.tiers {
		h := c.hits[i+1].Load()
		s.HitsPerTier[tier.Name()] = h
		s.TierErrors[tier.Name()] = c.tierErrors[i+1].Load()
		s.Tiers = append(s.Tiers, tier.Name())
		hits += h
	}

	if total := hits + s.Misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

func (c *TieredCache) recordHit(idx int, tier string) {
	c.hits[idx].Add(1)
	if c.observer != nil {
		c.observer.ObserveCacheHit(tier)
	}
}

// recordTierError 层故障降级为日志与计数，不向调用方传播
func (c *TieredCache) recordTierError(idx int, tier, op string, err error) {
	c.tierErrors[idx].Add(1)
	if c.observer != nil {
		c.observer.ObserveTierError(tier, op)
	}
	c.logger.Warn("cache tier unavailable",
		zap.String("tier", tier),
		zap.String("op", op),
		zap.String("code", string(types.ErrCacheTierUnavailable)),
		zap.Error(err))
}
