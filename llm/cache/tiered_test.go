package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/genflow/types"
)

// flakyTier 可注入故障的内存层，不支持枚举
type flakyTier struct {
	mu      sync.Mutex
	name    string
	data    map[string]*Entry
	fail    error
	delay   time.Duration
	deletes int
}

func newFlakyTier(name string) *flakyTier {
	return &flakyTier{name: name, data: make(map[string]*Entry)}
}

func (f *flakyTier) Name() string { return f.name }

func (f *flakyTier) Get(ctx context.Context, key string) (*Entry, bool, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, false, f.fail
	}
	e, ok := f.data[key]
	if !ok {
		return nil, false, nil
	}
	return e.Clone(), true, nil
}

func (f *flakyTier) Set(_ context.Context, e *Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.data[e.Key] = e.Clone()
	return nil
}

func (f *flakyTier) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if _, ok := f.data[key]; ok {
		f.deletes++
	}
	delete(f.data, key)
	return nil
}

func (f *flakyTier) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func (f *flakyTier) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

type countingObserver struct {
	mu         sync.Mutex
	hits       map[string]int
	misses     int
	sets       int
	evictions  int
	tierErrors int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{hits: make(map[string]int)}
}

func (o *countingObserver) ObserveCacheHit(tier string) {
	o.mu.Lock()
	o.hits[tier]++
	o.mu.Unlock()
}
func (o *countingObserver) ObserveCacheMiss() { o.mu.Lock(); o.misses++; o.mu.Unlock() }
func (o *countingObserver) ObserveCacheSet()  { o.mu.Lock(); o.sets++; o.mu.Unlock() }
func (o *countingObserver) ObserveCacheEviction(string) {
	o.mu.Lock()
	o.evictions++
	o.mu.Unlock()
}
func (o *countingObserver) ObserveTierError(string, string) {
	o.mu.Lock()
	o.tierErrors++
	o.mu.Unlock()
}

func testConfig() Config {
	return Config{DefaultTTL: time.Hour, TierTimeout: 500 * time.Millisecond}
}

func TestTieredCache_SetThenGet(t *testing.T) {
	clock := newManualClock()
	slow := newFlakyTier("slow")
	c := NewTieredCache(NewLRUCache(8, WithLRUClock(clock.Now)), []Tier{slow}, testConfig(), zap.NewNop(),
		WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	assert.True(t, slow.has("k"), "慢层同步写入")

	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	clock.Advance(time.Minute)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok, "TTL 之后必须未命中")

	s := c.Stats()
	assert.Equal(t, int64(1), s.HitsPerTier[TierMemory])
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(1), s.Sets)
	assert.InDelta(t, 0.5, s.HitRate, 1e-9)
}

func TestTieredCache_PromotesOnSlowHit(t *testing.T) {
	mid := newFlakyTier("mid")
	cold := newFlakyTier("cold")
	memory := NewLRUCache(8)
	obs := newCountingObserver()
	c := NewTieredCache(memory, []Tier{mid, cold}, testConfig(), zap.NewNop(), WithObserver(obs))
	ctx := context.Background()

	require.NoError(t, cold.Set(ctx, NewEntry("k", []byte("cold-value"), time.Hour, time.Now())))

	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("cold-value"), v)

	c.Wait()
	assert.True(t, mid.has("k"), "回填到更快的慢层")
	_, ok = memory.Lookup("k")
	assert.True(t, ok, "回填到内存层")

	v, ok = c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("cold-value"), v)

	s := c.Stats()
	assert.Equal(t, int64(1), s.HitsPerTier["cold"])
	assert.Equal(t, int64(1), s.HitsPerTier[TierMemory])
	assert.Equal(t, 1, obs.hits["cold"])
}

func TestTieredCache_PromotionCopiesAreIndependent(t *testing.T) {
	cold := newFlakyTier("cold")
	memory := NewLRUCache(8)
	c := NewTieredCache(memory, []Tier{cold}, testConfig(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, cold.Set(ctx, NewEntry("k", []byte("abc"), time.Hour, time.Now())))
	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	c.Wait()

	v[0] = 'Z'
	e, ok := memory.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), e.Value)

	// 慢层独立淘汰不影响内存层
	require.NoError(t, cold.Delete(ctx, "k"))
	_, ok = c.Get(ctx, "k")
	assert.True(t, ok)
}

func TestTieredCache_PromotionTTLCap(t *testing.T) {
	clock := newManualClock()
	cold := newFlakyTier("cold")
	memory := NewLRUCache(8, WithLRUClock(clock.Now))
	cfg := testConfig()
	cfg.PromotionTTL = time.Minute
	c := NewTieredCache(memory, []Tier{cold}, cfg, zap.NewNop(), WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, cold.Set(ctx, NewEntry("k", []byte("v"), 24*time.Hour, clock.Now())))
	_, ok := c.Get(ctx, "k")
	require.True(t, ok)
	c.Wait()

	e, ok := memory.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(time.Minute), e.ExpiresAt)
}

func TestTieredCache_TierOutageDegrades(t *testing.T) {
	broken := newFlakyTier("broken")
	broken.setFail(errors.New("connection refused"))
	healthy := newFlakyTier("healthy")
	obs := newCountingObserver()
	c := NewTieredCache(NewLRUCache(8), []Tier{broken, healthy}, testConfig(), zap.NewNop(), WithObserver(obs))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0), "慢层故障不影响写入")
	assert.True(t, healthy.has("k"))

	require.NoError(t, healthy.Set(ctx, NewEntry("h", []byte("hv"), time.Hour, time.Now())))
	v, ok := c.Get(ctx, "h")
	require.True(t, ok)
	assert.Equal(t, []byte("hv"), v)
	c.Wait()

	s := c.Stats()
	assert.GreaterOrEqual(t, s.TierErrors["broken"], int64(2))
	assert.Zero(t, s.TierErrors["healthy"])
	assert.GreaterOrEqual(t, obs.tierErrors, 2)
}

func TestTieredCache_SlowTierTimeout(t *testing.T) {
	slow := newFlakyTier("slow")
	slow.delay = time.Second
	c := NewTieredCache(NewLRUCache(8), []Tier{slow}, Config{TierTimeout: 20 * time.Millisecond}, zap.NewNop())

	start := time.Now()
	_, ok := c.Get(context.Background(), "missing")
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, int64(1), c.Stats().TierErrors["slow"])
}

func TestTieredCache_DeleteIsolatesTiers(t *testing.T) {
	broken := newFlakyTier("broken")
	healthy := newFlakyTier("healthy")
	c := NewTieredCache(NewLRUCache(8), []Tier{broken, healthy}, testConfig(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	broken.setFail(errors.New("down"))

	err := c.Delete(ctx, "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.False(t, healthy.has("k"), "故障层不阻止其他层删除")

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestTieredCache_EvictionCounted(t *testing.T) {
	obs := newCountingObserver()
	c := NewTieredCache(NewLRUCache(2), nil, testConfig(), zap.NewNop(), WithObserver(obs))
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(ctx, k, []byte(k), 0))
	}
	assert.Equal(t, int64(1), c.Stats().Evictions)
	assert.Equal(t, 1, obs.evictions)
}

func TestTieredCache_InvalidatePattern(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	redisTier := NewRedisTier(client, RedisTierConfig{Namespace: "t:"}, zap.NewNop())
	durable := setupDurableTier(t, true)
	blind := newFlakyTier("blind")

	c := NewTieredCache(NewLRUCache(16), []Tier{redisTier, blind, durable}, testConfig(), zap.NewNop())
	ctx := context.Background()

	for _, k := range []string{"gen:cache:a1", "gen:cache:a2", "gen:cache:b1"} {
		require.NoError(t, c.Set(ctx, k, []byte("v"), 0))
	}
	// 仅存在于 Redis 的键
	require.NoError(t, redisTier.Set(ctx, NewEntry("gen:cache:a3", []byte("v"), time.Hour, time.Now())))

	report, err := c.InvalidatePattern(ctx, "gen:cache:a*")
	require.NoError(t, err)

	assert.Equal(t, 3, report.Removed)
	assert.Equal(t, 2, report.PerTier[TierMemory])
	assert.Equal(t, 3, report.PerTier[TierRedis])
	assert.Equal(t, 3, report.PerTier["blind"], "不可枚举层按已发现的键逐个删除")
	assert.ElementsMatch(t, []string{"blind", TierDurable}, report.Skipped)
	assert.Empty(t, report.Failed)

	_, ok := c.Get(ctx, "gen:cache:b1")
	assert.True(t, ok)
	assert.False(t, blind.has("gen:cache:a1"))
	assert.True(t, blind.has("gen:cache:b1"))
	assert.False(t, mr.Exists("t:gen:cache:a3"))
}

func TestTieredCache_InvalidateEmptyPattern(t *testing.T) {
	c := NewTieredCache(NewLRUCache(4), nil, testConfig(), zap.NewNop())
	_, err := c.InvalidatePattern(context.Background(), "")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))

	assert.True(t, types.IsErrorCode(c.Set(context.Background(), "", nil, 0), types.ErrInvalidRequest))
}

func TestTieredCache_InvalidateRejectsClassSyntax(t *testing.T) {
	c := NewTieredCache(NewLRUCache(4), nil, testConfig(), zap.NewNop())
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "gen:cache:a1", []byte("v"), 0))

	for _, pattern := range []string{"gen:cache:[ab]*", "gen:cache:a]", `gen:cache:\*`} {
		_, err := c.InvalidatePattern(ctx, pattern)
		assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest), pattern)
	}
	_, ok := c.Get(ctx, "gen:cache:a1")
	assert.True(t, ok, "被拒绝的模式不删除任何键")

	report, err := c.InvalidatePattern(ctx, "gen:cache:a?")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed)
}

// hangingEnumTier 的 ListKeys 一直阻塞到 ctx 结束
type hangingEnumTier struct {
	*flakyTier
}

func (h hangingEnumTier) ListKeys(ctx context.Context, _ string) ([]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTieredCache_InvalidateListBoundedByTierTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.TierTimeout = 20 * time.Millisecond
	hanging := hangingEnumTier{newFlakyTier("hanging")}
	c := NewTieredCache(NewLRUCache(4), []Tier{hanging}, cfg, zap.NewNop())

	start := time.Now()
	report, err := c.InvalidatePattern(context.Background(), "gen:*")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Contains(t, report.Failed, "hanging")
}

func TestTieredCache_WriteBehind(t *testing.T) {
	slow := newFlakyTier("slow")
	cfg := testConfig()
	cfg.WriteBehind = true
	c := NewTieredCache(NewLRUCache(4), []Tier{slow}, cfg, zap.NewNop())

	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), 0))
	c.Wait()
	assert.True(t, slow.has("k"))
}

func TestTieredCache_RunSweeps(t *testing.T) {
	clock := newManualClock()
	memory := NewLRUCache(8, WithLRUClock(clock.Now))
	durable := setupDurableTier(t, false)
	durable.now = clock.Now
	cfg := testConfig()
	cfg.SweepInterval = 5 * time.Millisecond
	c := NewTieredCache(memory, []Tier{durable}, cfg, zap.NewNop(), WithClock(clock.Now))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Second))
	clock.Advance(2 * time.Second)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, func() bool { return memory.Stats().Size == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	_, ok, err := durable.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
