package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/genflow/config"
	"github.com/BaSui01/genflow/internal/database"
	"github.com/BaSui01/genflow/internal/metrics"
	"github.com/BaSui01/genflow/internal/pool"
	"github.com/BaSui01/genflow/llm/batch"
	"github.com/BaSui01/genflow/llm/cache"
	"github.com/BaSui01/genflow/llm/executor"
	"github.com/BaSui01/genflow/llm/idempotency"
	"github.com/BaSui01/genflow/llm/image"
	"github.com/BaSui01/genflow/llm/ratelimit"
	"github.com/BaSui01/genflow/llm/router"
	"github.com/BaSui01/genflow/types"
)

// =============================================================================
// 🧩 选项
// =============================================================================

// TracerProvider 提供具名 tracer，telemetry.Providers 实现了该接口
type TracerProvider interface {
	Tracer(name string) trace.Tracer
}

type options struct {
	metrics    *metrics.Collector
	tracers    TracerProvider
	redis      redis.UniversalClient
	db         *gorm.DB
	generators map[string]executor.Generator
	clock      func() time.Time
}

// Option 引擎选项
type Option func(*options)

// WithMetrics 把指标采集器挂到所有组件
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithTracerProvider 为执行器与编排器提供 tracer
func WithTracerProvider(tp TracerProvider) Option {
	return func(o *options) { o.tracers = tp }
}

// WithRedisClient 使用外部 Redis 客户端，引擎不负责关闭
func WithRedisClient(c redis.UniversalClient) Option {
	return func(o *options) { o.redis = c }
}

// WithDB 使用外部数据库连接作为持久层，引擎不负责关闭
func WithDB(db *gorm.DB) Option {
	return func(o *options) { o.db = db }
}

// WithGenerator 为后端绑定生成器，优先于按 base_url 创建的 HTTP 生成器
func WithGenerator(backendID string, g executor.Generator) Option {
	return func(o *options) {
		if o.generators == nil {
			o.generators = make(map[string]executor.Generator)
		}
		o.generators[backendID] = g
	}
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// =============================================================================
// 🚀 引擎
// =============================================================================

// Engine 生成工作负载引擎
type Engine struct {
	cfg *config.Config

	codec        *cache.KeyCodec
	cache        *cache.TieredCache
	limiter      *ratelimit.SlidingWindow
	router       *router.BackendRouter
	executor     *executor.Executor
	workers      *pool.WorkerPool
	orchestrator *batch.Orchestrator
	idempotency  idempotency.Store

	redis     redis.UniversalClient
	ownRedis  bool
	dbPool    *database.PoolManager
	tierNames []string

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}

	closeOnce sync.Once
	closeErr  error
	logger    *zap.Logger
}

// New 按配置组装引擎
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (_ *Engine, err error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, types.NewInvalidRequestError("%s", err.Error())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &options{clock: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "engine")),
	}
	// 构造失败时释放已打开的连接
	defer func() {
		if err != nil {
			e.releaseConnections()
		}
	}()

	if err := e.openStores(ctx, o); err != nil {
		return nil, err
	}
	tiers, err := e.buildTiers(o)
	if err != nil {
		return nil, err
	}

	// 分层缓存
	var cacheOpts []cache.Option
	cacheOpts = append(cacheOpts, cache.WithClock(o.clock))
	if o.metrics != nil {
		cacheOpts = append(cacheOpts, cache.WithObserver(o.metrics))
	}
	memory := cache.NewLRUCache(cfg.Cache.MemoryCapacity, cache.WithLRUClock(o.clock))
	e.cache = cache.NewTieredCache(memory, tiers, cacheConfig(cfg.Cache), logger, cacheOpts...)
	e.codec = cache.NewKeyCodec(cache.WithKeyPrefix(cfg.Cache.KeyPrefix))

	// 限流与路由
	e.limiter = ratelimit.NewSlidingWindow(cfg.RateLimit.Max, cfg.RateLimit.Window, ratelimit.WithClock(o.clock))
	routerOpts := []router.Option{router.WithClock(o.clock)}
	if o.metrics != nil {
		routerOpts = append(routerOpts, router.WithObserver(o.metrics))
	}
	e.router = router.NewBackendRouter(routerConfig(cfg.Router), logger, routerOpts...)
	for _, b := range cfg.Router.Backends {
		if err := e.router.Register(descriptor(b)); err != nil {
			return nil, err
		}
	}

	// 执行器
	execOpts := []executor.Option{executor.WithClock(o.clock)}
	if o.metrics != nil {
		execOpts = append(execOpts, executor.WithObserver(o.metrics))
	}
	if o.tracers != nil {
		execOpts = append(execOpts, executor.WithTracer(o.tracers.Tracer("github.com/BaSui01/genflow/llm/executor")))
	}
	e.executor, err = executor.NewExecutor(executorConfig(cfg.Executor), executor.Dependencies{
		Codec:   e.codec,
		Cache:   e.cache,
		Limiter: e.limiter,
		Router:  e.router,
	}, logger, execOpts...)
	if err != nil {
		return nil, err
	}
	e.bindGenerators(o, logger)

	// 编排
	e.workers = pool.NewWorkerPool(poolConfig(cfg.Batch), logger)
	var store batch.Store
	if cfg.Batch.Persist {
		store = batch.NewRedisStore(e.redis, storeConfig(cfg.Batch), logger)
	}
	batchOpts := []batch.Option{batch.WithClock(o.clock)}
	if o.metrics != nil {
		batchOpts = append(batchOpts, batch.WithObserver(o.metrics))
	}
	if o.tracers != nil {
		batchOpts = append(batchOpts, batch.WithTracer(o.tracers.Tracer("github.com/BaSui01/genflow/llm/batch")))
	}
	e.orchestrator, err = batch.NewOrchestrator(batchConfig(cfg.Batch), e.executor, e.workers, store, logger, batchOpts...)
	if err != nil {
		e.workers.Close()
		return nil, err
	}

	if e.redis != nil {
		e.idempotency = idempotency.NewRedisStore(e.redis, "", logger)
	} else {
		e.idempotency = idempotency.NewMemoryStore()
	}

	// 后台过期清理
	sweepCtx, cancel := context.WithCancel(context.Background())
	e.sweepCancel = cancel
	e.sweepDone = make(chan struct{})
	go func() {
		defer close(e.sweepDone)
		_ = e.cache.Run(sweepCtx)
	}()

	e.logger.Info("engine started",
		zap.Strings("tiers", e.tierNames),
		zap.Int("backends", e.router.Len()),
		zap.Int("pool_size", cfg.Batch.PoolSize),
		zap.Bool("persist", cfg.Batch.Persist))
	return e, nil
}

// openStores 打开 Redis 与持久层数据库
func (e *Engine) openStores(ctx context.Context, o *options) error {
	cfg := e.cfg
	if cfg.Cache.RedisEnabled || cfg.Batch.Persist {
		if o.redis != nil {
			e.redis = o.redis
		} else {
			client, err := database.OpenRedis(ctx, cfg.Redis, e.logger)
			if err != nil {
				return err
			}
			e.redis = client
			e.ownRedis = true
		}
	}

	if cfg.Cache.DurableEnabled {
		db := o.db
		owned := db == nil
		if owned {
			var err error
			if db, err = database.Open(cfg.Database, e.logger); err != nil {
				return err
			}
		}
		var poolOpts []database.PoolOption
		if o.metrics != nil {
			poolOpts = append(poolOpts, database.WithStatsRecorder(cfg.Database.Driver, o.metrics))
		}
		if owned {
			pm, err := database.NewPoolManager(db, dbPoolConfig(cfg.Database), e.logger, poolOpts...)
			if err != nil {
				return err
			}
			e.dbPool = pm
		}
		o.db = db
	}
	return nil
}

// buildTiers 按 redis → durable 顺序创建慢层
func (e *Engine) buildTiers(o *options) ([]cache.Tier, error) {
	cfg := e.cfg
	e.tierNames = []string{cache.TierMemory}

	var tiers []cache.Tier
	if cfg.Cache.RedisEnabled {
		tiers = append(tiers, cache.NewRedisTier(e.redis, cache.RedisTierConfig{Namespace: cfg.Cache.RedisNamespace}, e.logger))
		e.tierNames = append(e.tierNames, cache.TierRedis)
	}
	if cfg.Cache.DurableEnabled {
		dt, err := cache.NewDurableTier(o.db, durableConfig(cfg.Database), e.logger)
		if err != nil {
			return nil, fmt.Errorf("init durable tier: %w", err)
		}
		tiers = append(tiers, dt)
		e.tierNames = append(e.tierNames, cache.TierDurable)
	}
	return tiers, nil
}

// bindGenerators 注入的生成器优先，其余有 base_url 的后端使用 HTTP 生成器
func (e *Engine) bindGenerators(o *options, logger *zap.Logger) {
	for _, b := range e.cfg.Router.Backends {
		if g, ok := o.generators[b.ID]; ok {
			e.executor.RegisterGenerator(b.ID, g)
			continue
		}
		if b.BaseURL == "" {
			e.logger.Warn("backend has no generator bound", zap.String("backend", b.ID))
			continue
		}
		e.executor.RegisterGenerator(b.ID, image.NewHTTPGenerator(httpGeneratorConfig(b), logger))
	}
}

// =============================================================================
// 🎯 对外操作
// =============================================================================

// Submit 提交批次，立即返回 batch_id
func (e *Engine) Submit(ctx context.Context, req batch.Request) (string, error) {
	return e.orchestrator.Submit(ctx, req)
}

// GetProgress 批次进度，未知批次返回 BATCH_NOT_FOUND
func (e *Engine) GetProgress(ctx context.Context, batchID string) (batch.Progress, error) {
	return e.orchestrator.GetProgress(ctx, batchID)
}

// Batch 批次快照
func (e *Engine) Batch(ctx context.Context, batchID string) (*batch.Snapshot, error) {
	return e.orchestrator.Get(ctx, batchID)
}

// Results 批次内各条目的结果
func (e *Engine) Results(ctx context.Context, batchID string) ([]batch.ItemResult, error) {
	return e.orchestrator.Results(ctx, batchID)
}

// Cancel 取消批次
func (e *Engine) Cancel(batchID string) error {
	return e.orchestrator.Cancel(batchID)
}

// Wait 等待批次结束
func (e *Engine) Wait(ctx context.Context, batchID string) (batch.Progress, error) {
	return e.orchestrator.Wait(ctx, batchID)
}

// Idempotency 批次提交去重存储，配置了 Redis 时跨实例共享
func (e *Engine) Idempotency() idempotency.Store {
	return e.idempotency
}

// Execute 执行单个请求，不经过批次编排
func (e *Engine) Execute(ctx context.Context, req *types.GenerationRequest) *types.GenerationResult {
	return e.executor.Execute(ctx, req)
}

// CacheStats 缓存统计
func (e *Engine) CacheStats() cache.Stats {
	return e.cache.Stats()
}

// InvalidateCache 按 glob 模式失效缓存
func (e *Engine) InvalidateCache(ctx context.Context, pattern string) (cache.InvalidationReport, error) {
	return e.cache.InvalidatePattern(ctx, pattern)
}

// Backends 所有后端描述符的副本
func (e *Engine) Backends() []router.BackendDescriptor {
	return e.router.Snapshot()
}

// ResetCooldowns 立即解除所有后端冷却
func (e *Engine) ResetCooldowns() {
	e.router.ResetCooldowns()
}

// Stats 引擎整体统计
type Stats struct {
	Cache    cache.Stats     `json:"cache"`
	Executor executor.Stats  `json:"executor"`
	Limiter  ratelimit.Stats `json:"limiter"`
	Batches  batch.Stats     `json:"batches"`
	Pool     pool.Stats      `json:"pool"`
}

// Stats 返回统计快照
func (e *Engine) Stats() Stats {
	return Stats{
		Cache:    e.cache.Stats(),
		Executor: e.executor.Stats(),
		Limiter:  e.limiter.Stats(),
		Batches:  e.orchestrator.Stats(),
		Pool:     e.workers.Stats(),
	}
}

// Health 检查外部依赖，返回每个依赖的错误（nil 表示健康）
func (e *Engine) Health(ctx context.Context) map[string]error {
	out := map[string]error{}
	if e.redis != nil {
		out["redis"] = e.redis.Ping(ctx).Err()
	}
	if e.dbPool != nil {
		out["database"] = e.dbPool.Ping(ctx)
	}
	if len(e.router.Available()) == 0 {
		out["backends"] = types.NewError(types.ErrBackendUnavailable, "no backend available")
	} else {
		out["backends"] = nil
	}
	return out
}

// Config 当前配置
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// =============================================================================
// 🛑 关闭
// =============================================================================

// Close 等待运行中的批次（ctx 结束时取消剩余批次），然后释放资源，可重复调用
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		var errs []error
		if err := e.orchestrator.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown orchestrator: %w", err))
		}
		e.workers.Close()

		e.sweepCancel()
		<-e.sweepDone
		e.cache.Wait()

		if err := e.releaseConnections(); err != nil {
			errs = append(errs, err)
		}
		e.closeErr = errors.Join(errs...)
		e.logger.Info("engine stopped")
	})
	return e.closeErr
}

func (e *Engine) releaseConnections() error {
	var errs []error
	if e.ownRedis && e.redis != nil {
		if err := e.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if e.dbPool != nil {
		if err := e.dbPool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
