package router

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/genflow/llm/retry"
	"github.com/BaSui01/genflow/types"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRouter(t *testing.T, cfg Config) (*BackendRouter, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	return NewBackendRouter(cfg, zap.NewNop(), WithClock(clock.Now)), clock
}

func fixedCooldown() retry.Policy {
	return retry.Policy{InitialDelay: 10 * time.Second, MaxDelay: 80 * time.Second, Multiplier: 2}
}

func registerDefaults(t *testing.T, r *BackendRouter) {
	t.Helper()
	require.NoError(t, r.Register(BackendDescriptor{ID: "fast", QualityScore: 0.7, AvgLatencyMS: 200, SuccessRate: 0.99, CostPerCall: 0.02}))
	require.NoError(t, r.Register(BackendDescriptor{ID: "premium", QualityScore: 0.95, AvgLatencyMS: 900, SuccessRate: 0.97, CostPerCall: 0.08}))
	require.NoError(t, r.Register(BackendDescriptor{ID: "cheap", QualityScore: 0.5, AvgLatencyMS: 400, SuccessRate: 0.9, CostPerCall: 0.005}))
}

func TestWeights_Score(t *testing.T) {
	w := Weights{Quality: 1, Latency: 100, Reliability: 1, Cost: 10}
	d := &BackendDescriptor{QualityScore: 0.8, AvgLatencyMS: 200, SuccessRate: 0.9, CostPerCall: 0.05}
	assert.InDelta(t, 0.8+0.5+0.9-0.5, w.Score(d), 1e-9)

	zero := &BackendDescriptor{}
	assert.InDelta(t, 100.0, w.Score(zero), 1e-9, "延迟按 1ms 下限处理")
}

func TestBackendRouter_SelectsHighestScore(t *testing.T) {
	r, _ := newTestRouter(t, Config{Weights: Weights{Quality: 1, Latency: 100, Reliability: 1, Cost: 1}})
	registerDefaults(t, r)

	sel, err := r.Select(SelectRequest{})
	require.NoError(t, err)
	// fast: 0.7+0.5+0.99-0.02=2.17, premium: 0.95+0.111+0.97-0.08≈1.95, cheap: 0.5+0.25+0.9-0.005≈1.645
	assert.Equal(t, "fast", sel.BackendID)
	assert.Equal(t, ReasonScore, sel.Reason)

	// 权重可配置：重视质量时 premium 胜出
	r2, _ := newTestRouter(t, Config{Weights: Weights{Quality: 10, Latency: 1, Reliability: 1, Cost: 1}})
	registerDefaults(t, r2)
	sel, err = r2.Select(SelectRequest{})
	require.NoError(t, err)
	assert.Equal(t, "premium", sel.BackendID)
}

func TestBackendRouter_TieBrokenByLatencyThenPriority(t *testing.T) {
	r, _ := newTestRouter(t, Config{Weights: Weights{Quality: 1}})
	require.NoError(t, r.Register(BackendDescriptor{ID: "slow", QualityScore: 0.8, AvgLatencyMS: 500}))
	require.NoError(t, r.Register(BackendDescriptor{ID: "quick", QualityScore: 0.8, AvgLatencyMS: 100}))

	sel, err := r.Select(SelectRequest{})
	require.NoError(t, err)
	assert.Equal(t, "quick", sel.BackendID)

	r2, _ := newTestRouter(t, Config{Weights: Weights{Quality: 1}})
	require.NoError(t, r2.Register(BackendDescriptor{ID: "a", QualityScore: 0.8, AvgLatencyMS: 100, Priority: PriorityLow}))
	require.NoError(t, r2.Register(BackendDescriptor{ID: "b", QualityScore: 0.8, AvgLatencyMS: 100, Priority: PriorityHigh}))
	sel, err = r2.Select(SelectRequest{})
	require.NoError(t, err)
	assert.Equal(t, "b", sel.BackendID)
}

func TestBackendRouter_PreferredWins(t *testing.T) {
	r, _ := newTestRouter(t, DefaultConfig())
	registerDefaults(t, r)

	sel, err := r.Select(SelectRequest{Preferred: "cheap"})
	require.NoError(t, err)
	assert.Equal(t, "cheap", sel.BackendID)
	assert.Equal(t, ReasonPreferred, sel.Reason)

	sel, err = r.Select(SelectRequest{Preferred: "unknown"})
	require.NoError(t, err)
	assert.Equal(t, ReasonScore, sel.Reason)
}

func TestBackendRouter_PreferredInCooldownIgnored(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.Cooldown = fixedCooldown()
	r, _ := newTestRouter(t, cfg)
	registerDefaults(t, r)

	r.ReportFailure("cheap", time.Millisecond, errors.New("503"))
	sel, err := r.Select(SelectRequest{Preferred: "cheap"})
	require.NoError(t, err)
	assert.NotEqual(t, "cheap", sel.BackendID)
}

func TestBackendRouter_ExcludeAndEmpty(t *testing.T) {
	r, _ := newTestRouter(t, DefaultConfig())

	_, err := r.Select(SelectRequest{})
	assert.True(t, types.IsErrorCode(err, types.ErrBackendUnavailable))

	registerDefaults(t, r)
	sel, err := r.Select(SelectRequest{Exclude: map[string]bool{"fast": true, "premium": true}})
	require.NoError(t, err)
	assert.Equal(t, "cheap", sel.BackendID)

	_, err = r.Select(SelectRequest{Exclude: map[string]bool{"fast": true, "premium": true, "cheap": true}})
	assert.True(t, types.IsErrorCode(err, types.ErrBackendUnavailable))
	assert.True(t, types.IsRetryable(err))
}

func TestBackendRouter_CooldownAfterThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cooldown = fixedCooldown()
	r, clock := newTestRouter(t, cfg)
	registerDefaults(t, r)

	boom := errors.New("backend 500")
	r.ReportFailure("fast", 100*time.Millisecond, boom)
	r.ReportFailure("fast", 100*time.Millisecond, boom)
	d, _ := r.Get("fast")
	assert.Nil(t, d.CooldownUntil, "阈值之前不冷却")
	assert.Equal(t, 2, d.ConsecutiveFailures)

	r.ReportFailure("fast", 100*time.Millisecond, boom)
	d, _ = r.Get("fast")
	require.NotNil(t, d.CooldownUntil)
	assert.Equal(t, clock.Now().Add(10*time.Second), *d.CooldownUntil)
	assert.Less(t, d.SuccessRate, 0.99)
	assert.Equal(t, "backend 500", d.LastError)
	assert.NotContains(t, r.Available(), "fast")

	// 持续失败时冷却时长指数增长
	r.ReportFailure("fast", 0, boom)
	d, _ = r.Get("fast")
	assert.Equal(t, clock.Now().Add(20*time.Second), *d.CooldownUntil)

	// 成功解除冷却并重置连续失败
	r.ReportSuccess("fast", 150*time.Millisecond)
	d, _ = r.Get("fast")
	assert.Nil(t, d.CooldownUntil)
	assert.Zero(t, d.ConsecutiveFailures)
	assert.InDelta(t, 0.2*150+0.8*200, d.AvgLatencyMS, 1e-9)
}

func TestBackendRouter_ClientErrorsIgnored(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	r, _ := newTestRouter(t, cfg)
	registerDefaults(t, r)

	r.ReportFailure("fast", 0, types.NewInvalidRequestError("prompt rejected"))
	d, _ := r.Get("fast")
	assert.Nil(t, d.CooldownUntil)
	assert.Zero(t, d.ConsecutiveFailures)
	assert.Equal(t, int64(1), d.TotalCalls)
	assert.Zero(t, d.TotalFailures)
}

func TestBackendRouter_FailOpenWhenAllCoolingDown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.Cooldown = fixedCooldown()
	r, _ := newTestRouter(t, cfg)
	registerDefaults(t, r)

	for _, id := range []string{"fast", "premium", "cheap"} {
		r.ReportFailure(id, 0, errors.New("down"))
	}
	assert.Empty(t, r.Available())

	sel, err := r.Select(SelectRequest{})
	require.NoError(t, err)
	assert.Equal(t, ReasonFailOpen, sel.Reason)
	assert.Len(t, r.Available(), 3, "所有冷却已重置")
}

func TestBackendRouter_ExclusionDoesNotResetCooldowns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cooldown = fixedCooldown()
	r, _ := newTestRouter(t, cfg)
	require.NoError(t, r.Register(BackendDescriptor{ID: "healthy", QualityScore: 0.9, AvgLatencyMS: 100, SuccessRate: 1}))
	require.NoError(t, r.Register(BackendDescriptor{ID: "broken", QualityScore: 0.9, AvgLatencyMS: 100, SuccessRate: 1}))

	for i := 0; i < cfg.FailureThreshold; i++ {
		r.ReportFailure("broken", 0, errors.New("down"))
	}
	before, _ := r.Get("broken")
	require.NotNil(t, before.CooldownUntil)

	// 重试时排除了已尝试的健康后端，剩下的都在冷却
	sel, err := r.Select(SelectRequest{Exclude: map[string]bool{"healthy": true}})
	require.NoError(t, err)
	assert.Equal(t, "healthy", sel.BackendID)
	assert.Equal(t, ReasonReselect, sel.Reason)

	after, _ := r.Get("broken")
	require.NotNil(t, after.CooldownUntil, "排除不会触发冷却重置")
	assert.Equal(t, *before.CooldownUntil, *after.CooldownUntil)
	assert.Equal(t, []string{"healthy"}, r.Available())
}

func TestBackendRouter_RegisterValidation(t *testing.T) {
	r, _ := newTestRouter(t, DefaultConfig())

	assert.Error(t, r.Register(BackendDescriptor{}))
	assert.Error(t, r.Register(BackendDescriptor{ID: "x", SuccessRate: 1.5}))
	assert.Error(t, r.Register(BackendDescriptor{ID: "x", CostPerCall: -1}))
	assert.Error(t, r.Register(BackendDescriptor{ID: "x", Priority: "URGENT"}))

	require.NoError(t, r.Register(BackendDescriptor{ID: "x"}))
	d, ok := r.Get("x")
	require.True(t, ok)
	assert.Equal(t, PriorityMedium, d.Priority)
	assert.Zero(t, d.SuccessRate, "已知为 0 的成功率保持原值")

	require.NoError(t, r.Register(BackendDescriptor{ID: "y", SuccessRate: DefaultSuccessRate}))
	d, _ = r.Get("y")
	assert.Equal(t, 1.0, d.SuccessRate)
}

func TestBackendRouter_SnapshotIsCopy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	r, _ := newTestRouter(t, cfg)
	registerDefaults(t, r)
	r.ReportFailure("cheap", 0, errors.New("x"))

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "cheap", snap[0].ID)
	require.NotNil(t, snap[0].CooldownUntil)

	*snap[0].CooldownUntil = time.Time{}
	snap[0].QualityScore = 42
	d, _ := r.Get("cheap")
	assert.NotEqual(t, 42.0, d.QualityScore)
	assert.NotEqual(t, time.Time{}, *d.CooldownUntil)
}

func TestBackendRouter_ConcurrentReports(t *testing.T) {
	r, _ := newTestRouter(t, DefaultConfig())
	registerDefaults(t, r)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.ReportSuccess("fast", 10*time.Millisecond)
		}()
		go func() {
			defer wg.Done()
			_, _ = r.Select(SelectRequest{})
		}()
	}
	wg.Wait()

	d, _ := r.Get("fast")
	assert.Equal(t, int64(50), d.TotalCalls)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority(" high ")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, p)

	_, err = ParsePriority("asap")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
}

// 连续失败 threshold 次后被排除，冷却到期后立即恢复可选
func TestBackendRouter_PropertyIsolation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		threshold := rapid.IntRange(1, 6).Draw(rt, "threshold")
		baseSec := rapid.IntRange(1, 30).Draw(rt, "cooldownSec")

		cfg := DefaultConfig()
		cfg.FailureThreshold = threshold
		cfg.Cooldown = retry.Policy{
			InitialDelay: time.Duration(baseSec) * time.Second,
			MaxDelay:     time.Hour,
			Multiplier:   2,
		}
		clock := &testClock{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
		r := NewBackendRouter(cfg, zap.NewNop(), WithClock(clock.Now))
		_ = r.Register(BackendDescriptor{ID: "victim", QualityScore: 10, AvgLatencyMS: 10})
		_ = r.Register(BackendDescriptor{ID: "spare", QualityScore: 0.1, AvgLatencyMS: 1000})

		for i := 0; i < threshold-1; i++ {
			r.ReportFailure("victim", 0, errors.New("fail"))
			if sel, _ := r.Select(SelectRequest{}); sel.BackendID != "victim" {
				rt.Fatalf("victim excluded after %d failures, threshold %d", i+1, threshold)
			}
		}

		r.ReportFailure("victim", 0, errors.New("fail"))
		cooldown := time.Duration(baseSec) * time.Second

		clock.Advance(cooldown - time.Millisecond)
		if sel, _ := r.Select(SelectRequest{}); sel.BackendID == "victim" {
			rt.Fatalf("victim selected during cooldown")
		}

		clock.Advance(time.Millisecond)
		if sel, _ := r.Select(SelectRequest{}); sel.BackendID != "victim" {
			rt.Fatalf("victim not eligible right after cooldown, got %s", sel.BackendID)
		}
	})
}
