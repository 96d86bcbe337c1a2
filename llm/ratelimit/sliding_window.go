// Package ratelimit 提供生成后端的滑动窗口准入控制。
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// Limiter 非阻塞准入接口
type Limiter interface {
	Allow() bool
	Remaining() int
	ResetAt() time.Time
	Reset()
}

// Clock 时钟源，测试时可替换
type Clock func() time.Time

// Option 配置项
type Option func(*SlidingWindow)

// WithClock 替换时钟
func WithClock(clock Clock) Option {
	return func(l *SlidingWindow) {
		if clock != nil {
			l.now = clock
		}
	}
}

// SlidingWindow 滑动窗口计数器
// 环形缓冲区保存最近 max 次准入时间戳，容量即上限，内存有界
type SlidingWindow struct {
	max    int
	window time.Duration
	now    Clock

	mu     sync.Mutex
	stamps []time.Time
	head   int // 最旧时间戳下标
	count  int

	allowed  atomic.Int64
	rejected atomic.Int64
}

// NewSlidingWindow 创建限流器。max <= 0 表示不限流
func NewSlidingWindow(max int, window time.Duration, opts ...Option) *SlidingWindow {
	if window <= 0 {
		window = time.Second
	}
	l := &SlidingWindow{
		max:    max,
		window: window,
		now:    time.Now,
	}
	if max > 0 {
		l.stamps = make([]time.Time, max)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow 清理窗口外的时间戳，剩余数量低于上限时记录并放行
func (l *SlidingWindow) Allow() bool {
	if l.max <= 0 {
		l.allowed.Add(1)
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.purgeLocked(now)

	if l.count >= l.max {
		l.rejected.Add(1)
		return false
	}

	tail := (l.head + l.count) % l.max
	l.stamps[tail] = now
	l.count++
	l.allowed.Add(1)
	return true
}

// purgeLocked 移除 (now-window, now] 之外的时间戳
func (l *SlidingWindow) purgeLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	for l.count > 0 && !l.stamps[l.head].After(cutoff) {
		l.stamps[l.head] = time.Time{}
		l.head = (l.head + 1) % l.max
		l.count--
	}
}

// Remaining 当前窗口剩余配额，不限流时返回 -1
func (l *SlidingWindow) Remaining() int {
	if l.max <= 0 {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.purgeLocked(l.now())
	return l.max - l.count
}

// ResetAt 最旧时间戳离开窗口的时刻
func (l *SlidingWindow) ResetAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.max <= 0 {
		return now
	}
	l.purgeLocked(now)
	if l.count == 0 {
		return now
	}
	return l.stamps[l.head].Add(l.window)
}

// Reset 清空窗口
func (l *SlidingWindow) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.stamps {
		l.stamps[i] = time.Time{}
	}
	l.head = 0
	l.count = 0
}

// Stats 限流统计
type Stats struct {
	Max      int           `json:"max"`
	Window   time.Duration `json:"window"`
	Allowed  int64         `json:"allowed"`
	Rejected int64         `json:"rejected"`
}

// Stats 返回累计统计
func (l *SlidingWindow) Stats() Stats {
	return Stats{
		Max:      l.max,
		Window:   l.window,
		Allowed:  l.allowed.Load(),
		Rejected: l.rejected.Load(),
	}
}
