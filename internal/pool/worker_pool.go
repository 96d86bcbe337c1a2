package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrTaskPanic  = errors.New("task panicked")
)

// Task 一个工作单元
type Task func(ctx context.Context) error

type job struct {
	task   Task
	ctx    context.Context
	result chan error
}

// Config 池配置
type Config struct {
	Size      int `yaml:"size" json:"size"`             // worker 数量，固定不变
	QueueSize int `yaml:"queue_size" json:"queue_size"` // 等待队列长度
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{Size: 4, QueueSize: 256}
}

// WorkerPool 固定大小的 worker 池。
// 同时运行的任务数永远不超过 Size
type WorkerPool struct {
	size   int
	queue  chan job
	wg     sync.WaitGroup
	logger *zap.Logger

	closeMu sync.RWMutex
	closed  bool

	active    atomic.Int32
	peak      atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
	skipped   atomic.Int64
}

// NewWorkerPool 创建并启动 worker
func NewWorkerPool(cfg Config, logger *zap.Logger) *WorkerPool {
	if cfg.Size <= 0 {
		cfg.Size = DefaultConfig().Size
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &WorkerPool{
		size:   cfg.Size,
		queue:  make(chan job, cfg.QueueSize),
		logger: logger.With(zap.String("component", "worker_pool")),
	}
	p.wg.Add(cfg.Size)
	for i := 0; i < cfg.Size; i++ {
		go p.worker()
	}
	return p
}

// Size worker 数量
func (p *WorkerPool) Size() int { return p.size }

// Submit 提交任务，不等待执行结果。队列满时阻塞直到有空位或 ctx 结束
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	return p.enqueue(ctx, job{task: task, ctx: ctx})
}

// SubmitWait 提交任务并等待其完成
func (p *WorkerPool) SubmitWait(ctx context.Context, task Task) error {
	j := job{task: task, ctx: ctx, result: make(chan error, 1)}
	if err := p.enqueue(ctx, j); err != nil {
		return err
	}
	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) enqueue(ctx context.Context, j job) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- j:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for j := range p.queue {
		var err error
		if cerr := j.ctx.Err(); cerr != nil {
			// 排队期间已取消的任务不再启动
			p.skipped.Add(1)
			err = cerr
		} else {
			err = p.run(j)
		}

		if j.result != nil {
			j.result <- err
		}
	}
}

func (p *WorkerPool) run(j job) (err error) {
	cur := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		peak := p.peak.Load()
		if cur <= peak || p.peak.CompareAndSwap(peak, cur) {
			break
		}
	}

	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("task panicked", zap.Any("panic", r))
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}()

	return j.task(j.ctx)
}

// Close 停止接收任务，等待队列中的任务执行完毕
func (p *WorkerPool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.closeMu.Unlock()

	p.wg.Wait()
}

// Stats 池统计
type Stats struct {
	Size       int   `json:"size"`
	Active     int   `json:"active"`
	PeakActive int   `json:"peak_active"`
	Queued     int   `json:"queued"`
	Submitted  int64 `json:"submitted"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Panics     int64 `json:"panics"`
	Skipped    int64 `json:"skipped"`
}

// Stats 返回池统计
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Size:       p.size,
		Active:     int(p.active.Load()),
		PeakActive: int(p.peak.Load()),
		Queued:     len(p.queue),
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Panics:     p.panics.Load(),
		Skipped:    p.skipped.Load(),
	}
}
