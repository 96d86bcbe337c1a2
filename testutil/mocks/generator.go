// MockGenerator 生成后端的测试模拟实现。
//
// 支持固定延迟、错误注入、按请求失败与并发峰值统计。
package mocks

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/genflow/types"
)

// MockGenerator 是 executor.Generator 的模拟实现
type MockGenerator struct {
	backend string

	mu        sync.RWMutex
	delay     time.Duration
	err       error
	failFirst int
	failWhen  func(req *types.GenerationRequest) error
	data      []byte

	calls    atomic.Int64
	inFlight atomic.Int64
	peak     atomic.Int64

	reqMu    sync.Mutex
	requests []string
}

// NewMockGenerator 创建模拟后端
func NewMockGenerator(backend string) *MockGenerator {
	return &MockGenerator{
		backend: backend,
		data:    []byte("mock-image-bytes"),
	}
}

// WithDelay 每次调用的模拟耗时，期间响应 ctx 取消
func (m *MockGenerator) WithDelay(d time.Duration) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithError 所有调用都返回 err
func (m *MockGenerator) WithError(err error) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithFailFirst 前 n 次调用失败，之后成功
func (m *MockGenerator) WithFailFirst(n int, err error) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFirst = n
	m.err = err
	return m
}

// WithFailWhen 按请求决定是否失败，返回 nil 表示成功
func (m *MockGenerator) WithFailWhen(fn func(req *types.GenerationRequest) error) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWhen = fn
	return m
}

// WithData 设置返回的制品内容
func (m *MockGenerator) WithData(data []byte) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
	return m
}

// Generate 实现 executor.Generator
func (m *MockGenerator) Generate(ctx context.Context, req *types.GenerationRequest) (*types.Artifact, error) {
	n := m.calls.Add(1)
	cur := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		p := m.peak.Load()
		if cur <= p || m.peak.CompareAndSwap(p, cur) {
			break
		}
	}

	m.reqMu.Lock()
	m.requests = append(m.requests, req.ID)
	m.reqMu.Unlock()

	m.mu.RLock()
	delay, err, failFirst, failWhen := m.delay, m.err, m.failFirst, m.failWhen
	data := append([]byte(nil), m.data...)
	m.mu.RUnlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if failWhen != nil {
		if ferr := failWhen(req); ferr != nil {
			return nil, ferr
		}
	}
	if err != nil && (failFirst == 0 || n <= int64(failFirst)) {
		return nil, err
	}

	return &types.Artifact{
		Backend:     m.backend,
		ContentType: "image/png",
		Data:        data,
		Metadata:    map[string]string{"prompt": req.Payload.Prompt},
		CreatedAt:   time.Now(),
	}, nil
}

// Calls 已发生的调用次数
func (m *MockGenerator) Calls() int {
	return int(m.calls.Load())
}

// PeakInFlight 观察到的最大并发调用数
func (m *MockGenerator) PeakInFlight() int {
	return int(m.peak.Load())
}

// RequestIDs 按调用顺序记录的请求 ID
func (m *MockGenerator) RequestIDs() []string {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	return append([]string(nil), m.requests...)
}
