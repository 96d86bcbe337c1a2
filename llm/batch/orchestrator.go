package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/genflow/internal/ctxkeys"
	"github.com/BaSui01/genflow/internal/pool"
	"github.com/BaSui01/genflow/types"
)

// ErrOrchestratorClosed 关闭后拒绝新批次
var ErrOrchestratorClosed = errors.New("batch orchestrator closed")

const instrumentationName = "github.com/BaSui01/genflow/llm/batch"

// Runner 执行单个生成请求，executor.Executor 实现了该接口
type Runner interface {
	Execute(ctx context.Context, req *types.GenerationRequest) *types.GenerationResult
}

// Config 编排器配置
type Config struct {
	Policy            Policy        `yaml:"policy" json:"policy"`
	Deadline          time.Duration `yaml:"deadline" json:"deadline"`                       // 单个批次的整体截止时间，0 表示不限
	AllowStrategyHint bool          `yaml:"allow_strategy_hint" json:"allow_strategy_hint"` // 是否采纳调用方的 strategy_hint
	Persist           bool          `yaml:"persist" json:"persist"`                         // 每次状态变化写入 Store
	PersistTimeout    time.Duration `yaml:"persist_timeout" json:"persist_timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Policy:            DefaultPolicy(),
		Deadline:          10 * time.Minute,
		AllowStrategyHint: true,
		PersistTimeout:    time.Second,
	}
}

// Request 批次提交请求
type Request struct {
	Items        []*types.GenerationRequest `json:"items"`
	StrategyHint string                     `json:"strategy_hint,omitempty"`
}

// Observer 批次事件回调
type Observer interface {
	ObserveBatchSubmitted(strategy Strategy, items int)
	ObserveBatchFinished(strategy Strategy, status Status, duration time.Duration)
	ObserveItem(state ItemState)
}

// Option 编排器选项
type Option func(*Orchestrator)

// WithObserver 注册事件回调
func WithObserver(ob Observer) Option {
	return func(o *Orchestrator) { o.observer = ob }
}

// WithTracer 替换 tracer
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Stats 编排器统计
type Stats struct {
	Submitted int64 `json:"submitted"`
	Running   int64 `json:"running"`
	Finished  int64 `json:"finished"`
}

// Orchestrator 批次编排器
type Orchestrator struct {
	cfg     Config
	runner  Runner
	workers *pool.WorkerPool
	ownPool bool
	store   Store

	tracer   trace.Tracer
	observer Observer
	now      func() time.Time
	logger   *zap.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.RWMutex
	jobs   map[string]*Job
	closed bool

	submitted atomic.Int64
	running   atomic.Int64
	finished  atomic.Int64
}

// NewOrchestrator 创建编排器。workers 为 nil 时使用默认大小的私有池，store 可为 nil
func NewOrchestrator(cfg Config, runner Runner, workers *pool.WorkerPool, store Store, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if runner == nil {
		return nil, errors.New("batch: runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Policy = cfg.Policy.normalized()
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultConfig().PersistTimeout
	}

	o := &Orchestrator{
		cfg:     cfg,
		runner:  runner,
		workers: workers,
		store:   store,
		tracer:  otel.Tracer(instrumentationName),
		now:     time.Now,
		logger:  logger.With(zap.String("component", "batch_orchestrator")),
		jobs:    make(map[string]*Job),
	}
	if o.workers == nil {
		o.workers = pool.NewWorkerPool(pool.DefaultConfig(), logger)
		o.ownPool = true
	}
	for _, opt := range opts {
		opt(o)
	}
	o.baseCtx, o.baseCancel = context.WithCancel(context.Background())
	return o, nil
}

// =============================================================================
// 🎯 提交
// =============================================================================

// Submit 校验并启动批次，立即返回 batch_id。
// 批次的生命周期独立于 ctx，ctx 只用于持久化首个快照
func (o *Orchestrator) Submit(ctx context.Context, req Request) (string, error) {
	if len(req.Items) == 0 {
		return "", types.NewInvalidRequestError("batch must contain at least one item")
	}

	reqs := make([]*types.GenerationRequest, 0, len(req.Items))
	seen := make(map[string]bool, len(req.Items))
	for i, item := range req.Items {
		if err := item.Validate(); err != nil {
			return "", types.NewInvalidRequestError("item %d: %s", i, errMessage(err)).WithCause(err)
		}
		r := *item
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if seen[r.ID] {
			return "", types.NewInvalidRequestError("duplicate item id %q", r.ID)
		}
		seen[r.ID] = true
		reqs = append(reqs, &r)
	}

	strategy := o.cfg.Policy.Select(len(reqs))
	if req.StrategyHint != "" {
		hinted, err := ParseStrategy(req.StrategyHint)
		if err != nil {
			return "", err
		}
		if o.cfg.AllowStrategyHint {
			strategy = hinted
		} else {
			o.logger.Debug("strategy hint ignored", zap.String("hint", req.StrategyHint))
		}
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrOrchestratorClosed
	}
	job := newJob(uuid.NewString(), strategy, reqs, o.now())
	runCtx, cancel := context.WithCancel(o.baseCtx)
	if o.cfg.Deadline > 0 {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithTimeout(runCtx, o.cfg.Deadline)
		parent := cancel
		cancel = func() {
			cancelDeadline()
			parent()
		}
	}
	job.cancel = cancel
	o.jobs[job.id] = job
	o.wg.Add(1)
	o.mu.Unlock()

	o.submitted.Add(1)
	o.running.Add(1)
	o.persistWith(ctx, job)
	if o.observer != nil {
		o.observer.ObserveBatchSubmitted(strategy, len(reqs))
	}
	fields := []zap.Field{
		zap.String("batch_id", job.id),
		zap.String("strategy", string(strategy)),
		zap.Int("items", len(reqs)),
	}
	if rid, ok := ctxkeys.RequestID(ctx); ok {
		fields = append(fields, zap.String("http_request_id", rid))
	}
	o.logger.Info("batch submitted", fields...)

	go o.run(runCtx, job)
	return job.id, nil
}

func errMessage(err error) string {
	if te, ok := types.AsError(err); ok {
		return te.Message
	}
	return err.Error()
}

// =============================================================================
// ⚙️ 执行
// =============================================================================

func (o *Orchestrator) run(ctx context.Context, job *Job) {
	defer o.wg.Done()
	defer job.cancel()

	start := o.now()
	ctx, span := o.tracer.Start(ctx, "batch.run",
		trace.WithAttributes(
			attribute.String("genflow.batch_id", job.id),
			attribute.String("genflow.strategy", string(job.strategy)),
			attribute.Int("genflow.items", len(job.order)),
		))
	defer span.End()

	ids := append([]string(nil), job.order...)
	switch job.strategy {
	case StrategyParallel:
		o.runGroup(ctx, job, ids)
	case StrategyGrouped:
		size := o.cfg.Policy.GroupSize
		for lo := 0; lo < len(ids) && ctx.Err() == nil; lo += size {
			hi := min(lo+size, len(ids))
			o.runGroup(ctx, job, ids[lo:hi])
		}
	default:
		for _, id := range ids {
			if ctx.Err() != nil {
				break
			}
			o.runItem(ctx, job, id)
		}
	}

	o.finalize(ctx, job)

	progress := job.Progress()
	span.SetAttributes(
		attribute.String("genflow.status", string(progress.Status)),
		attribute.Int("genflow.completed", progress.Completed),
		attribute.Int("genflow.failed", progress.Failed),
	)
	o.persist(job)
	o.running.Add(-1)
	o.finished.Add(1)

	elapsed := o.now().Sub(start)
	if o.observer != nil {
		o.observer.ObserveBatchFinished(job.strategy, progress.Status, elapsed)
	}
	o.logger.Info("batch finished",
		zap.String("batch_id", job.id),
		zap.String("status", string(progress.Status)),
		zap.Int("completed", progress.Completed),
		zap.Int("failed", progress.Failed),
		zap.Int("peak_in_flight", job.PeakInFlight()),
		zap.Duration("elapsed", elapsed))

	close(job.done)
}

// runGroup 组内并行，等待全部结束。单个条目失败不影响其它条目
func (o *Orchestrator) runGroup(ctx context.Context, job *Job, ids []string) {
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			o.runItem(ctx, job, id)
			return nil
		})
	}
	_ = g.Wait()
}

// runItem 通过 worker 池执行条目；排队期间 ctx 结束则条目保持 PENDING，由 finalize 处理
func (o *Orchestrator) runItem(ctx context.Context, job *Job, id string) {
	err := o.workers.SubmitWait(ctx, func(taskCtx context.Context) error {
		o.execute(taskCtx, job, id)
		return nil
	})
	if err == nil || ctx.Err() != nil {
		return
	}

	o.logger.Warn("item could not be scheduled",
		zap.String("batch_id", job.id), zap.String("item_id", id), zap.Error(err))
	o.fail(job, id, types.NewError(types.ErrInternalError, "item could not be scheduled").WithCause(err))
}

func (o *Orchestrator) execute(ctx context.Context, job *Job, id string) {
	if !job.transition(id, ItemProcessing, o.now(), nil) {
		return
	}
	o.itemChanged(job, ItemProcessing)

	job.mu.Lock()
	req := job.items[id].Request
	job.mu.Unlock()

	res := o.runner.Execute(ctx, req)
	if res == nil {
		res = &types.GenerationResult{RequestID: id, Err: types.NewError(types.ErrInternalError, "runner returned no result")}
	}

	if res.OK() {
		if job.transition(id, ItemCompleted, o.now(), func(it *Item) { it.Result = res }) {
			o.itemChanged(job, ItemCompleted)
		}
		return
	}

	if res.Err == nil {
		res.Err = types.NewError(types.ErrInternalError, "runner returned no artifact")
	}
	// 批次截止导致的中断记为 BATCH_TIMEOUT，只有显式取消才是 CANCELLED
	if ctx.Err() != nil && types.IsErrorCode(res.Err, types.ErrCancelled) {
		if err, ok := interruption(ctx, job, "batch deadline exceeded while item was running"); ok {
			res.Err = err.WithCause(res.Err)
		}
	}
	o.logger.Debug("item failed",
		zap.String("batch_id", job.id), zap.String("item_id", id), zap.Error(res.Err))
	if job.transition(id, ItemFailed, o.now(), func(it *Item) {
		it.Result = res
		it.Error = res.Err.Error()
		it.ErrorCode = types.GetErrorCode(res.Err)
	}) {
		o.itemChanged(job, ItemFailed)
	}
}

func (o *Orchestrator) fail(job *Job, id string, err error) {
	if job.transition(id, ItemFailed, o.now(), func(it *Item) {
		it.Error = err.Error()
		it.ErrorCode = types.GetErrorCode(err)
	}) {
		o.itemChanged(job, ItemFailed)
	}
}

// finalize 未到达终态的条目统一失败：取消 -> CANCELLED，超时 -> BATCH_TIMEOUT
func (o *Orchestrator) finalize(ctx context.Context, job *Job) {
	ids := job.unfinished()
	if len(ids) == 0 {
		return
	}

	err, ok := interruption(ctx, job, "batch deadline exceeded before item finished")
	if !ok {
		err = types.NewError(types.ErrInternalError, "item did not run")
	}

	o.logger.Warn("failing unfinished items",
		zap.String("batch_id", job.id),
		zap.Int("items", len(ids)),
		zap.String("code", string(types.GetErrorCode(err))))
	for _, id := range ids {
		o.fail(job, id, err)
	}
}

// interruption 按批次 ctx 的结束原因给出条目错误，ctx 未结束且未取消时 ok 为 false
func interruption(ctx context.Context, job *Job, timeoutMsg string) (*types.Error, bool) {
	switch {
	case job.isCancelled() || errors.Is(ctx.Err(), context.Canceled):
		return types.NewError(types.ErrCancelled, "batch cancelled before item finished"), true
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return types.NewError(types.ErrBatchTimeout, timeoutMsg), true
	}
	return nil, false
}

func (o *Orchestrator) itemChanged(job *Job, state ItemState) {
	if o.observer != nil {
		o.observer.ObserveItem(state)
	}
	o.persist(job)
}

func (o *Orchestrator) persist(job *Job) {
	o.persistWith(context.Background(), job)
}

func (o *Orchestrator) persistWith(ctx context.Context, job *Job) {
	if o.store == nil || !o.cfg.Persist {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()
	if err := o.store.Save(ctx, job.Snapshot()); err != nil {
		o.logger.Warn("persist batch snapshot failed", zap.String("batch_id", job.id), zap.Error(err))
	}
}

// =============================================================================
// 🔍 查询与控制
// =============================================================================

func (o *Orchestrator) job(batchID string) (*Job, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	j, ok := o.jobs[batchID]
	return j, ok
}

// Get 返回批次快照；内存中不存在时回退到 Store
func (o *Orchestrator) Get(ctx context.Context, batchID string) (*Snapshot, error) {
	if j, ok := o.job(batchID); ok {
		return j.Snapshot(), nil
	}
	if o.store != nil {
		return o.store.Load(ctx, batchID)
	}
	return nil, types.NewBatchNotFoundError(batchID)
}

// GetProgress 返回批次进度，未知批次返回 BATCH_NOT_FOUND
func (o *Orchestrator) GetProgress(ctx context.Context, batchID string) (Progress, error) {
	if j, ok := o.job(batchID); ok {
		return j.Progress(), nil
	}
	snap, err := o.Get(ctx, batchID)
	if err != nil {
		return Progress{}, err
	}
	return snap.Progress, nil
}

// Results 返回每个条目的结果，按提交顺序
func (o *Orchestrator) Results(ctx context.Context, batchID string) ([]ItemResult, error) {
	snap, err := o.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return snap.Items, nil
}

// Cancel 取消批次。已结束的批次不受影响
func (o *Orchestrator) Cancel(batchID string) error {
	j, ok := o.job(batchID)
	if !ok {
		return types.NewBatchNotFoundError(batchID)
	}

	j.mu.Lock()
	select {
	case <-j.done:
		j.mu.Unlock()
		return nil
	default:
	}
	j.cancelled = true
	j.mu.Unlock()

	j.cancel()
	o.logger.Info("batch cancel requested", zap.String("batch_id", batchID))
	return nil
}

// Wait 阻塞到批次结束或 ctx 结束
func (o *Orchestrator) Wait(ctx context.Context, batchID string) (Progress, error) {
	j, ok := o.job(batchID)
	if !ok {
		return Progress{}, types.NewBatchNotFoundError(batchID)
	}
	select {
	case <-j.done:
		return j.Progress(), nil
	case <-ctx.Done():
		return j.Progress(), ctx.Err()
	}
}

// PeakInFlight 批次内观察到的最大并发条目数
func (o *Orchestrator) PeakInFlight(batchID string) (int, error) {
	j, ok := o.job(batchID)
	if !ok {
		return 0, types.NewBatchNotFoundError(batchID)
	}
	return j.PeakInFlight(), nil
}

// Stats 返回统计
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Submitted: o.submitted.Load(),
		Running:   o.running.Load(),
		Finished:  o.finished.Load(),
	}
}

// Shutdown 停止接收新批次并等待运行中的批次结束；ctx 结束时取消剩余批次
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		o.baseCancel()
		<-done
	}
	o.baseCancel()
	if o.ownPool {
		o.workers.Close()
	}
	return err
}

// Close 立即取消所有运行中的批次并等待其结束
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.baseCancel()
	o.wg.Wait()
	if o.ownPool {
		o.workers.Close()
	}
}
