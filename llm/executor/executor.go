package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/genflow/llm/cache"
	"github.com/BaSui01/genflow/llm/ratelimit"
	"github.com/BaSui01/genflow/llm/retry"
	"github.com/BaSui01/genflow/llm/router"
	"github.com/BaSui01/genflow/types"
)

const instrumentationName = "github.com/BaSui01/genflow/llm/executor"

// 执行结果分类，用于指标
const (
	OutcomeCacheHit = "cache_hit"
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeInvalid  = "invalid"
)

// Config 执行器配置
type Config struct {
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"` // 单次后端调用超时
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"` // 含首次调用在内的最大尝试次数
	Retry       retry.Policy  `yaml:"retry" json:"retry"`               // 尝试之间的退避
	ResultTTL   time.Duration `yaml:"result_ttl" json:"result_ttl"`     // 回填缓存的 TTL，0 使用缓存默认值
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		CallTimeout: 60 * time.Second,
		MaxAttempts: 3,
		Retry: retry.Policy{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}
}

// Dependencies 执行器依赖的组件
type Dependencies struct {
	Codec   *cache.KeyCodec
	Cache   *cache.TieredCache
	Limiter ratelimit.Limiter
	Router  *router.BackendRouter
}

// Observer 执行事件回调
type Observer interface {
	ObserveExecution(outcome string, latency time.Duration)
}

// Option 执行器选项
type Option func(*Executor)

// WithObserver 注册事件回调
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithTracer 替换 tracer，默认使用全局 TracerProvider
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// Stats 执行统计
type Stats struct {
	Executions   int64 `json:"executions"`
	CacheHits    int64 `json:"cache_hits"`
	BackendCalls int64 `json:"backend_calls"`
	Rejected     int64 `json:"rejected"`
	Failures     int64 `json:"failures"`
	Shared       int64 `json:"shared"`
}

// Executor 生成请求执行器
type Executor struct {
	cfg     Config
	codec   *cache.KeyCodec
	cache   *cache.TieredCache
	limiter ratelimit.Limiter
	router  *router.BackendRouter
	retryer *retry.Retryer

	mu         sync.RWMutex
	generators map[string]Generator

	flights  singleflight.Group
	tracer   trace.Tracer
	observer Observer
	now      func() time.Time
	logger   *zap.Logger

	executions   atomic.Int64
	cacheHits    atomic.Int64
	backendCalls atomic.Int64
	rejected     atomic.Int64
	failures     atomic.Int64
	shared       atomic.Int64
}

// NewExecutor 创建执行器。Router 为必需依赖，Codec 缺省时使用默认编码器
func NewExecutor(cfg Config, deps Dependencies, logger *zap.Logger, opts ...Option) (*Executor, error) {
	if deps.Router == nil {
		return nil, errors.New("executor: router is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaults.CallTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry = defaults.Retry
	}
	if deps.Codec == nil {
		deps.Codec = cache.NewKeyCodec()
	}

	e := &Executor{
		cfg:        cfg,
		codec:      deps.Codec,
		cache:      deps.Cache,
		limiter:    deps.Limiter,
		router:     deps.Router,
		generators: make(map[string]Generator),
		tracer:     otel.Tracer(instrumentationName),
		now:        time.Now,
		logger:     logger.With(zap.String("component", "executor")),
	}
	for _, opt := range opts {
		opt(e)
	}

	policy := cfg.Retry
	policy.MaxRetries = cfg.MaxAttempts - 1
	policy.Retryable = retryableCall
	e.retryer = retry.NewRetryer(policy, e.logger)
	return e, nil
}

// RegisterGenerator 绑定后端 ID 与其实现，ID 需已在路由器中注册
func (e *Executor) RegisterGenerator(backendID string, g Generator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generators[backendID] = g
}

func (e *Executor) generator(backendID string) (Generator, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.generators[backendID]
	return g, ok
}

// flight 一次后端调用的共享结果
type flight struct {
	artifact *types.Artifact
	backend  string
	attempts int
}

// Execute 执行单个请求，结果从不为 nil，失败信息放在 Err 中
func (e *Executor) Execute(ctx context.Context, req *types.GenerationRequest) *types.GenerationResult {
	start := e.now()
	e.executions.Add(1)

	if err := req.Validate(); err != nil {
		result := &types.GenerationResult{Err: err}
		if req != nil {
			result.RequestID = req.ID
		}
		e.finish(OutcomeInvalid, start, result)
		return result
	}

	r := *req
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	key := e.codec.Encode(r.Payload)

	ctx, span := e.tracer.Start(ctx, "executor.execute",
		trace.WithAttributes(
			attribute.String("genflow.request_id", r.ID),
			attribute.String("genflow.cache_key", key),
		))
	defer span.End()

	result := &types.GenerationResult{RequestID: r.ID}

	if art, ok := e.lookup(ctx, key); ok {
		e.cacheHits.Add(1)
		result.FromCache = true
		result.BackendUsed = art.Backend
		result.Artifact = art
		span.SetAttributes(attribute.Bool("genflow.from_cache", true))
		e.finish(OutcomeCacheHit, start, result)
		return result
	}

	v, err, shared := e.flights.Do(key, func() (any, error) {
		return e.generate(ctx, key, &r)
	})
	if shared {
		e.shared.Add(1)
	}

	if err != nil {
		result.Err = err
		if f, ok := v.(*flight); ok && f != nil {
			result.Attempts = f.attempts
			result.BackendUsed = f.backend
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(types.GetErrorCode(err)))
		outcome := OutcomeFailed
		if types.IsErrorCode(err, types.ErrAdmissionRejected) {
			outcome = OutcomeRejected
		}
		e.finish(outcome, start, result)
		return result
	}

	f := v.(*flight)
	result.Artifact = f.artifact
	result.BackendUsed = f.backend
	result.Attempts = f.attempts
	span.SetAttributes(
		attribute.Bool("genflow.from_cache", false),
		attribute.String("genflow.backend", f.backend),
		attribute.Int("genflow.attempts", f.attempts),
	)
	e.finish(OutcomeSuccess, start, result)
	return result
}

func (e *Executor) lookup(ctx context.Context, key string) (*types.Artifact, bool) {
	if e.cache == nil {
		return nil, false
	}
	data, ok := e.cache.Get(ctx, key)
	if !ok {
		return nil, false
	}
	art, err := types.DecodeArtifact(data)
	if err != nil {
		e.logger.Warn("undecodable cached artifact, treating as miss",
			zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return art, true
}

// generate 未命中路径：准入 -> 选择 -> 调用 -> 重试 -> 回填
func (e *Executor) generate(ctx context.Context, key string, req *types.GenerationRequest) (*flight, error) {
	if e.limiter != nil && !e.limiter.Allow() {
		e.rejected.Add(1)
		e.logger.Debug("admission rejected", zap.String("request_id", req.ID))
		return nil, types.NewAdmissionRejectedError()
	}

	tried := make(map[string]bool)
	last := &flight{}

	f, err := retry.DoTyped(ctx, e.retryer, func(attempt int) (*flight, error) {
		last.attempts = attempt
		if len(tried) >= e.router.Len() {
			// 所有后端都试过一轮，允许再次选择
			tried = make(map[string]bool)
		}

		sel, err := e.router.Select(router.SelectRequest{Preferred: req.PreferredBackend, Exclude: tried})
		if err != nil {
			return nil, err
		}
		last.backend = sel.BackendID
		tried[sel.BackendID] = true

		art, err := e.call(ctx, sel.BackendID, req)
		if err != nil {
			e.logger.Debug("backend attempt failed",
				zap.String("request_id", req.ID),
				zap.String("backend", sel.BackendID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return nil, err
		}
		return &flight{artifact: art, backend: sel.BackendID, attempts: attempt}, nil
	})
	if err != nil {
		e.failures.Add(1)
		return last, e.classify(ctx, err, last)
	}

	e.store(ctx, key, f.artifact)
	return f, nil
}

// call 带超时调用一次后端并上报健康度
func (e *Executor) call(ctx context.Context, backendID string, req *types.GenerationRequest) (*types.Artifact, error) {
	g, ok := e.generator(backendID)
	if !ok {
		err := types.NewError(types.ErrBackendCallFailed, "no generator bound to backend").WithBackend(backendID)
		e.router.ReportFailure(backendID, 0, err)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	e.backendCalls.Add(1)
	start := e.now()
	art, err := g.Generate(callCtx, req)
	latency := e.now().Sub(start)

	if err == nil && art == nil {
		err = errors.New("backend returned empty artifact")
	}
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = types.NewError(types.ErrBackendCallFailed,
				fmt.Sprintf("backend call timed out after %s", e.cfg.CallTimeout)).
				WithCause(err).WithBackend(backendID).WithRetryable(true)
		}
		if ctx.Err() == nil {
			e.router.ReportFailure(backendID, latency, err)
		}
		return nil, err
	}

	e.router.ReportSuccess(backendID, latency)
	if art.Backend == "" {
		art.Backend = backendID
	}
	if art.CreatedAt.IsZero() {
		art.CreatedAt = e.now()
	}
	return art, nil
}

// classify 把重试耗尽后的错误归入统一错误码
func (e *Executor) classify(ctx context.Context, err error, last *flight) error {
	if ctx.Err() != nil {
		return types.NewError(types.ErrCancelled, "generation cancelled").WithCause(ctx.Err()).WithBackend(last.backend)
	}
	if te, ok := types.AsError(err); ok {
		switch te.Code {
		case types.ErrInvalidRequest, types.ErrBackendUnavailable:
			return te
		}
	}
	return types.NewError(types.ErrBackendCallFailed,
		fmt.Sprintf("generation failed after %d attempts", last.attempts)).
		WithCause(err).WithBackend(last.backend)
}

// store 回填缓存，失败只记录日志
func (e *Executor) store(ctx context.Context, key string, art *types.Artifact) {
	if e.cache == nil {
		return
	}
	data, err := art.Encode()
	if err != nil {
		e.logger.Warn("encode artifact for cache failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := e.cache.Set(context.WithoutCancel(ctx), key, data, e.cfg.ResultTTL); err != nil {
		e.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (e *Executor) finish(outcome string, start time.Time, result *types.GenerationResult) {
	latency := e.now().Sub(start)
	result.LatencyMS = float64(latency) / float64(time.Millisecond)
	if e.observer != nil {
		e.observer.ObserveExecution(outcome, latency)
	}
	if result.Err != nil {
		e.logger.Debug("execution finished with error",
			zap.String("request_id", result.RequestID),
			zap.String("outcome", outcome),
			zap.Error(result.Err))
	}
}

// Stats 返回执行统计
func (e *Executor) Stats() Stats {
	return Stats{
		Executions:   e.executions.Load(),
		CacheHits:    e.cacheHits.Load(),
		BackendCalls: e.backendCalls.Load(),
		Rejected:     e.rejected.Load(),
		Failures:     e.failures.Load(),
		Shared:       e.shared.Load(),
	}
}

// Key 返回请求对应的缓存键
func (e *Executor) Key(p types.Payload) string {
	return e.codec.Encode(p)
}

// retryableCall 客户端错误、凭证失效、主动取消以及路由器已无可选后端时不重试
func retryableCall(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if te, ok := types.AsError(err); ok {
		if te.Code == types.ErrBackendCallFailed && !te.Retryable &&
			(te.HTTPStatus == http.StatusUnauthorized || te.HTTPStatus == http.StatusForbidden) {
			return false
		}
		return te.Code != types.ErrInvalidRequest && te.Code != types.ErrBackendUnavailable
	}
	return true
}
