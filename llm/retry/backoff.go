package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy 指数退避策略
// 同时服务于执行器的重试间隔和路由器的冷却时长
type Policy struct {
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`     // 最大重试次数（0 表示不重试）
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"` // 初始延迟
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`         // 延迟上限
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`       // 倍增因子
	Jitter       bool          `yaml:"jitter" json:"jitter"`               // ±25% 随机抖动

	// Retryable 判断错误是否值得重试，为 nil 时全部重试
	Retryable func(err error) bool `yaml:"-" json:"-"`
	// OnRetry 每次重试前回调
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultPolicy 返回默认策略
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   2,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// normalized 修正非法参数
func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 200 * time.Millisecond
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

// Delay 计算第 attempt 次（从 1 开始）的退避时长
// delay = initial * multiplier^(attempt-1)，不超过 MaxDelay
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) || math.IsInf(delay, 0) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
		if delay > float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
		}
	}

	if delay < float64(p.InitialDelay) {
		delay = float64(p.InitialDelay)
	}
	return time.Duration(delay)
}

// =============================================================================
// 🔁 Retryer
// =============================================================================

// Retryer 按策略重试
type Retryer struct {
	policy Policy
	logger *zap.Logger
}

// NewRetryer 创建重试器
func NewRetryer(policy Policy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{
		policy: policy.normalized(),
		logger: logger.With(zap.String("component", "retry")),
	}
}

// Policy 返回生效的策略
func (r *Retryer) Policy() Policy {
	return r.policy
}

// Do 执行 fn，失败时按策略重试。fn 的参数为当前尝试序号（从 1 开始）
func (r *Retryer) Do(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error
	maxAttempts := r.policy.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.policy.Delay(attempt - 1)

			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled after %d attempts: %w", attempt-1, ctx.Err())
			case <-timer.C:
			}
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !r.retryable(lastErr) {
			return &ExhaustedError{Attempts: attempt, Err: lastErr}
		}
		if ctx.Err() != nil {
			return &ExhaustedError{Attempts: attempt, Err: lastErr}
		}
	}

	r.logger.Warn("retry budget exhausted",
		zap.Int("attempts", maxAttempts),
		zap.Error(lastErr),
	)
	return &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

func (r *Retryer) retryable(err error) bool {
	if r.policy.Retryable == nil {
		return true
	}
	return r.policy.Retryable(err)
}

// ExhaustedError 重试结束时的最后一个错误
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}
