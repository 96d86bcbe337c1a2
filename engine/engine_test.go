package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/genflow/config"
	"github.com/BaSui01/genflow/internal/metrics"
	"github.com/BaSui01/genflow/llm/batch"
	"github.com/BaSui01/genflow/llm/cache"
	"github.com/BaSui01/genflow/llm/idempotency"
	"github.com/BaSui01/genflow/testutil"
	"github.com/BaSui01/genflow/testutil/mocks"
	"github.com/BaSui01/genflow/types"
)

// testConfig 单后端、无重试延迟、不会进入冷却
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Router.Backends = []config.BackendConfig{{ID: "mock", QualityScore: 0.8}}
	cfg.Router.FailureThreshold = 100
	cfg.Executor.MaxAttempts = 1
	cfg.Executor.CallTimeout = time.Second
	cfg.Executor.RetryInitialDelay = time.Millisecond
	cfg.Executor.RetryMaxDelay = time.Millisecond
	cfg.Cache.SweepInterval = 0
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(context.Background(), cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Batch.PoolSize = 0

	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
}

func TestNew_UnreachableRedis(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.RedisEnabled = true
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "failed to connect to redis")
}

func TestEngine_CacheHitSkipsBackend(t *testing.T) {
	gen := mocks.NewMockGenerator("mock")
	e := newTestEngine(t, testConfig(), WithGenerator("mock", gen))
	ctx := testutil.TestContext(t)

	first := e.Execute(ctx, testutil.NewRequest("a", "a red fox"))
	require.NoError(t, first.Err)
	assert.False(t, first.FromCache)

	second := e.Execute(ctx, testutil.NewRequest("b", "  A red FOX "))
	require.NoError(t, second.Err)
	assert.True(t, second.FromCache)
	assert.Equal(t, 1, gen.Calls())

	stats := e.CacheStats()
	assert.Equal(t, int64(1), stats.HitsPerTier[cache.TierMemory])
	assert.Equal(t, int64(1), stats.Sets)
}

func TestEngine_SequentialBatchOfTen(t *testing.T) {
	gen := mocks.NewMockGenerator("mock").WithDelay(2 * time.Millisecond)
	e := newTestEngine(t, testConfig(), WithGenerator("mock", gen))
	ctx := testutil.TestContext(t)

	id, err := e.Submit(ctx, batch.Request{Items: testutil.NewRequests(10)})
	require.NoError(t, err)

	p, err := e.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCompleted, p.Status)
	assert.Equal(t, 10, p.Completed)
	assert.Equal(t, 100, p.Percentage)

	snap, err := e.Batch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, batch.StrategySequential, snap.Strategy)
	assert.LessOrEqual(t, gen.PeakInFlight(), 1)
}

func TestEngine_PartialFailure(t *testing.T) {
	gen := mocks.NewMockGenerator("mock").WithFailWhen(func(req *types.GenerationRequest) error {
		if strings.HasSuffix(req.Payload.Prompt, "#1") || strings.HasSuffix(req.Payload.Prompt, "#3") {
			return errors.New("forced backend failure")
		}
		return nil
	})
	e := newTestEngine(t, testConfig(), WithGenerator("mock", gen))
	ctx := testutil.TestContext(t)

	id, err := e.Submit(ctx, batch.Request{Items: testutil.NewRequests(4)})
	require.NoError(t, err)
	p, err := e.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, batch.StatusCompletedWithErrors, p.Status)
	assert.Equal(t, 2, p.Completed)
	assert.Equal(t, 2, p.Failed)
	assert.Equal(t, 50, p.Percentage)

	results, err := e.Results(ctx, id)
	require.NoError(t, err)
	assert.Len(t, results, 4)
}

func TestEngine_UnknownBatch(t *testing.T) {
	e := newTestEngine(t, testConfig(), WithGenerator("mock", mocks.NewMockGenerator("mock")))

	_, err := e.GetProgress(context.Background(), "missing")
	assert.True(t, types.IsErrorCode(err, types.ErrBatchNotFound))
	assert.True(t, types.IsErrorCode(e.Cancel("missing"), types.ErrBatchNotFound))
}

func TestEngine_InvalidateCache(t *testing.T) {
	e := newTestEngine(t, testConfig(), WithGenerator("mock", mocks.NewMockGenerator("mock")))
	ctx := testutil.TestContext(t)

	for _, r := range testutil.NewRequests(3) {
		require.NoError(t, e.Execute(ctx, r).Err)
	}
	report, err := e.InvalidateCache(ctx, e.Config().Cache.KeyPrefix+"*")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Removed)
	assert.Zero(t, e.CacheStats().Size)
}

func TestEngine_BackendsAndHealth(t *testing.T) {
	cfg := testConfig()
	cfg.Router.Backends = append(cfg.Router.Backends, config.BackendConfig{ID: "remote", Priority: "low", BaseURL: "http://127.0.0.1:1"})
	e := newTestEngine(t, cfg, WithGenerator("mock", mocks.NewMockGenerator("mock")))

	backends := e.Backends()
	require.Len(t, backends, 2)

	health := e.Health(context.Background())
	assert.NoError(t, health["backends"])
	assert.NotContains(t, health, "redis")
}

func TestEngine_RedisTierAndPersistence(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := testConfig()
	cfg.Cache.RedisEnabled = true
	cfg.Batch.Persist = true
	gen := mocks.NewMockGenerator("mock")

	e := newTestEngine(t, cfg, WithGenerator("mock", gen), WithRedisClient(client))
	ctx := testutil.TestContext(t)

	id, err := e.Submit(ctx, batch.Request{Items: testutil.NewRequests(2)})
	require.NoError(t, err)
	_, err = e.Wait(ctx, id)
	require.NoError(t, err)

	assert.True(t, mr.Exists(cfg.Batch.PersistPrefix+id))
	assert.Equal(t, []string{cache.TierMemory, cache.TierRedis}, e.CacheStats().Tiers)

	// 新引擎共享同一个 Redis：批次进度可查，结果命中 Redis 层
	e2 := newTestEngine(t, cfg, WithGenerator("mock", gen), WithRedisClient(client))
	p, err := e2.GetProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCompleted, p.Status)

	res := e2.Execute(ctx, testutil.NewRequests(1)[0])
	require.NoError(t, res.Err)
	assert.True(t, res.FromCache)
	assert.Equal(t, 2, gen.Calls())
	assert.NoError(t, e2.Health(ctx)["redis"])
}

func TestEngine_DurableTierSQLite(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.DurableEnabled = true
	cfg.Database.Name = filepath.Join(t.TempDir(), "cache.db")
	gen := mocks.NewMockGenerator("mock")

	e := newTestEngine(t, cfg, WithGenerator("mock", gen))
	ctx := testutil.TestContext(t)
	require.NoError(t, e.Execute(ctx, testutil.NewRequest("a", "durable prompt")).Err)
	require.NoError(t, e.Close(ctx))

	// 重启后内存层为空，由持久层命中并回填
	e2 := newTestEngine(t, cfg, WithGenerator("mock", gen))
	res := e2.Execute(ctx, testutil.NewRequest("b", "durable prompt"))
	require.NoError(t, res.Err)
	assert.True(t, res.FromCache)
	assert.Equal(t, 1, gen.Calls())
	assert.Equal(t, int64(1), e2.CacheStats().HitsPerTier[cache.TierDurable])
	assert.NoError(t, e2.Health(ctx)["database"])
}

func TestEngine_MetricsWiring(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("genflow_test", reg, zap.NewNop())
	e := newTestEngine(t, testConfig(), WithGenerator("mock", mocks.NewMockGenerator("mock")), WithMetrics(collector))
	ctx := testutil.TestContext(t)

	id, err := e.Submit(ctx, batch.Request{Items: testutil.NewRequests(2)})
	require.NoError(t, err)
	_, err = e.Wait(ctx, id)
	require.NoError(t, err)

	n, err := promtestutil.GatherAndCount(reg,
		"genflow_test_executions_total",
		"genflow_test_backend_calls_total",
		"genflow_test_batches_submitted_total",
		"genflow_test_cache_sets_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 4)
}

func TestEngine_CloseIdempotent(t *testing.T) {
	e, err := New(context.Background(), testConfig(), nil, WithGenerator("mock", mocks.NewMockGenerator("mock")))
	require.NoError(t, err)

	require.NoError(t, e.Close(context.Background()))
	require.NoError(t, e.Close(context.Background()))

	_, err = e.Submit(context.Background(), batch.Request{Items: testutil.NewRequests(1)})
	assert.ErrorIs(t, err, batch.ErrOrchestratorClosed)
}

func TestEngine_IdempotencyStore(t *testing.T) {
	e := newTestEngine(t, testConfig(), WithGenerator("mock", mocks.NewMockGenerator("mock")))
	assert.IsType(t, &idempotency.MemoryStore{}, e.Idempotency())

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := testConfig()
	cfg.Cache.RedisEnabled = true
	shared := newTestEngine(t, cfg, WithGenerator("mock", mocks.NewMockGenerator("mock")), WithRedisClient(client))
	require.IsType(t, &idempotency.RedisStore{}, shared.Idempotency())

	ctx := testutil.TestContext(t)
	existing, err := shared.Idempotency().Claim(ctx, "k", idempotency.Entry{Fingerprint: "fp"}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, existing)
	assert.True(t, mr.Exists(idempotency.DefaultPrefix+"k"))
}

func TestEngine_BackendSuccessRateFromConfig(t *testing.T) {
	zero := 0.0
	cfg := testConfig()
	cfg.Router.Backends = append(cfg.Router.Backends, config.BackendConfig{ID: "down", SuccessRate: &zero})
	e := newTestEngine(t, cfg,
		WithGenerator("mock", mocks.NewMockGenerator("mock")),
		WithGenerator("down", mocks.NewMockGenerator("down")))

	rates := map[string]float64{}
	for _, b := range e.Backends() {
		rates[b.ID] = b.SuccessRate
	}
	assert.Equal(t, map[string]float64{"mock": 1.0, "down": 0}, rates)
}
