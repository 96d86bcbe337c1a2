package executor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/genflow/llm/cache"
	"github.com/BaSui01/genflow/llm/ratelimit"
	"github.com/BaSui01/genflow/llm/retry"
	"github.com/BaSui01/genflow/llm/router"
	"github.com/BaSui01/genflow/testutil"
	"github.com/BaSui01/genflow/testutil/mocks"
	"github.com/BaSui01/genflow/types"
)

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *recordingObserver) ObserveExecution(outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int)
	}
	o.outcomes[outcome]++
}

func (o *recordingObserver) count(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcomes[outcome]
}

type fixture struct {
	exec    *Executor
	router  *router.BackendRouter
	cache   *cache.TieredCache
	limiter *ratelimit.SlidingWindow
	obs     *recordingObserver
}

func testExecutorConfig() Config {
	return Config{
		CallTimeout: time.Second,
		MaxAttempts: 3,
		Retry:       retry.Policy{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2},
	}
}

// newFixture 注册若干后端；第一个后端得分最高
func newFixture(t *testing.T, cfg Config, limit int, gens map[string]*mocks.MockGenerator, order ...string) *fixture {
	t.Helper()

	rt := router.NewBackendRouter(router.DefaultConfig(), zap.NewNop())
	for i, id := range order {
		require.NoError(t, rt.Register(router.BackendDescriptor{
			ID:           id,
			QualityScore: 1.0 - float64(i)*0.2,
			AvgLatencyMS: 100,
			SuccessRate:  router.DefaultSuccessRate,
		}))
	}

	tc := cache.NewTieredCache(cache.NewLRUCache(64), nil, cache.Config{DefaultTTL: time.Hour}, zap.NewNop())
	lim := ratelimit.NewSlidingWindow(limit, time.Second)
	obs := &recordingObserver{}

	exec, err := NewExecutor(cfg, Dependencies{Cache: tc, Limiter: lim, Router: rt}, zap.NewNop(), WithObserver(obs))
	require.NoError(t, err)
	for id, g := range gens {
		exec.RegisterGenerator(id, g)
	}
	return &fixture{exec: exec, router: rt, cache: tc, limiter: lim, obs: obs}
}

func TestExecutor_CacheHitSkipsBackendAndLimiter(t *testing.T) {
	gen := mocks.NewMockGenerator("alpha")
	f := newFixture(t, testExecutorConfig(), 1, map[string]*mocks.MockGenerator{"alpha": gen}, "alpha")
	ctx := testutil.TestContext(t)

	first := f.exec.Execute(ctx, testutil.NewRequest("r1", "a red fox"))
	require.NoError(t, first.Err)
	assert.False(t, first.FromCache)
	assert.Equal(t, "alpha", first.BackendUsed)
	assert.Equal(t, 1, first.Attempts)

	// 限流额度已用完，等价请求仍应命中缓存
	same := testutil.NewRequest("r2", "  A   Red Fox ")
	same.Payload.Style = "Watercolor style"
	second := f.exec.Execute(ctx, same)
	require.NoError(t, second.Err)
	assert.True(t, second.FromCache)
	assert.Equal(t, "r2", second.RequestID)
	assert.Equal(t, first.Artifact.Data, second.Artifact.Data)
	assert.Equal(t, 1, gen.Calls(), "缓存命中不调用后端")

	d, _ := f.router.Get("alpha")
	assert.Equal(t, int64(1), d.TotalCalls, "缓存命中不更新健康度")

	stats := f.exec.Stats()
	assert.Equal(t, int64(2), stats.Executions)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.BackendCalls)
	assert.Equal(t, 1, f.obs.count(OutcomeCacheHit))
	assert.Equal(t, 1, f.obs.count(OutcomeSuccess))
}

func TestExecutor_AdmissionRejectionSurfaces(t *testing.T) {
	gen := mocks.NewMockGenerator("alpha").WithDelay(20 * time.Millisecond)
	f := newFixture(t, testExecutorConfig(), 1, map[string]*mocks.MockGenerator{"alpha": gen}, "alpha")
	ctx := testutil.TestContext(t)

	reqs := testutil.NewRequests(5)
	results := make([]*types.GenerationResult, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *types.GenerationRequest) {
			defer wg.Done()
			results[i] = f.exec.Execute(ctx, req)
		}(i, req)
	}
	wg.Wait()

	rejected, ok := 0, 0
	for i, r := range results {
		require.NotNil(t, r, "result %d dropped", i)
		assert.Equal(t, reqs[i].ID, r.RequestID)
		switch {
		case r.OK():
			ok++
		case types.IsErrorCode(r.Err, types.ErrAdmissionRejected):
			rejected++
			assert.True(t, types.IsRetryable(r.Err))
		default:
			t.Fatalf("unexpected error for %s: %v", r.RequestID, r.Err)
		}
	}
	assert.Equal(t, 5, ok+rejected)
	assert.GreaterOrEqual(t, rejected, 1)
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, gen.Calls())
	assert.Equal(t, rejected, f.obs.count(OutcomeRejected))
}

func TestExecutor_FallsBackToNextBackend(t *testing.T) {
	primary := mocks.NewMockGenerator("primary").WithError(errors.New("upstream 500"))
	secondary := mocks.NewMockGenerator("secondary")
	f := newFixture(t, testExecutorConfig(), 0,
		map[string]*mocks.MockGenerator{"primary": primary, "secondary": secondary}, "primary", "secondary")

	res := f.exec.Execute(testutil.TestContext(t), testutil.NewRequest("r1", "city skyline"))
	require.NoError(t, res.Err)
	assert.Equal(t, "secondary", res.BackendUsed)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, primary.Calls())
	assert.Equal(t, 1, secondary.Calls())

	d, _ := f.router.Get("primary")
	assert.Equal(t, 1, d.ConsecutiveFailures)
	assert.Equal(t, "upstream 500", d.LastError)
}

func TestExecutor_PreferredBackend(t *testing.T) {
	a := mocks.NewMockGenerator("a")
	b := mocks.NewMockGenerator("b")
	f := newFixture(t, testExecutorConfig(), 0, map[string]*mocks.MockGenerator{"a": a, "b": b}, "a", "b")

	req := testutil.NewRequest("r1", "mountain")
	req.PreferredBackend = "b"
	res := f.exec.Execute(testutil.TestContext(t), req)
	require.NoError(t, res.Err)
	assert.Equal(t, "b", res.BackendUsed)
	assert.Zero(t, a.Calls())
}

func TestExecutor_ExhaustionReturnsBackendCallFailed(t *testing.T) {
	boom := errors.New("overloaded")
	a := mocks.NewMockGenerator("a").WithError(boom)
	b := mocks.NewMockGenerator("b").WithError(boom)
	f := newFixture(t, testExecutorConfig(), 0, map[string]*mocks.MockGenerator{"a": a, "b": b}, "a", "b")

	res := f.exec.Execute(testutil.TestContext(t), testutil.NewRequest("r1", "desert"))
	require.Error(t, res.Err)
	assert.True(t, types.IsErrorCode(res.Err, types.ErrBackendCallFailed))
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, a.Calls()+b.Calls())
	assert.Nil(t, res.Artifact)

	_, cached := f.cache.Get(context.Background(), f.exec.Key(testutil.NewRequest("", "desert").Payload))
	assert.False(t, cached, "失败结果不写缓存")
	assert.Equal(t, int64(1), f.exec.Stats().Failures)
}

func TestExecutor_RetryKeepsCooledBackendBenched(t *testing.T) {
	primary := mocks.NewMockGenerator("primary").WithFailFirst(1, errors.New("upstream 503"))
	broken := mocks.NewMockGenerator("broken")
	f := newFixture(t, testExecutorConfig(), 0,
		map[string]*mocks.MockGenerator{"primary": primary, "broken": broken}, "primary", "broken")

	boom := errors.New("gateway down")
	for i := 0; i < router.DefaultConfig().FailureThreshold; i++ {
		f.router.ReportFailure("broken", time.Millisecond, boom)
	}
	before, _ := f.router.Get("broken")
	require.NotNil(t, before.CooldownUntil)

	res := f.exec.Execute(testutil.TestContext(t), testutil.NewRequest("r1", "harbor at dusk"))
	require.NoError(t, res.Err)
	assert.Equal(t, "primary", res.BackendUsed)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, primary.Calls())
	assert.Zero(t, broken.Calls(), "冷却中的后端不参与普通重试")

	after, _ := f.router.Get("broken")
	require.NotNil(t, after.CooldownUntil)
	assert.Equal(t, *before.CooldownUntil, *after.CooldownUntil)
	assert.Equal(t, before.ConsecutiveFailures, after.ConsecutiveFailures)
}

func TestExecutor_UnauthorizedCountsButNotRetried(t *testing.T) {
	denied := types.NewError(types.ErrBackendCallFailed, "invalid api key").
		WithHTTPStatus(http.StatusUnauthorized).
		WithRetryable(false)
	a := mocks.NewMockGenerator("a").WithError(denied)
	b := mocks.NewMockGenerator("b")
	f := newFixture(t, testExecutorConfig(), 0, map[string]*mocks.MockGenerator{"a": a, "b": b}, "a", "b")

	res := f.exec.Execute(testutil.TestContext(t), testutil.NewRequest("r1", "lighthouse"))
	require.Error(t, res.Err)
	assert.True(t, types.IsErrorCode(res.Err, types.ErrBackendCallFailed))
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, a.Calls())
	assert.Zero(t, b.Calls())

	d, _ := f.router.Get("a")
	assert.Equal(t, 1, d.ConsecutiveFailures, "凭证失效计入健康度")
}

func TestExecutor_ClientErrorNotRetried(t *testing.T) {
	a := mocks.NewMockGenerator("a").WithError(types.NewInvalidRequestError("prompt violates policy"))
	b := mocks.NewMockGenerator("b")
	f := newFixture(t, testExecutorConfig(), 0, map[string]*mocks.MockGenerator{"a": a, "b": b}, "a", "b")

	res := f.exec.Execute(testutil.TestContext(t), testutil.NewRequest("r1", "forbidden"))
	assert.True(t, types.IsErrorCode(res.Err, types.ErrInvalidRequest))
	assert.Equal(t, 1, res.Attempts)
	assert.Zero(t, b.Calls())

	d, _ := f.router.Get("a")
	assert.Zero(t, d.ConsecutiveFailures, "客户端错误不计入健康度")
}

func TestExecutor_InvalidRequest(t *testing.T) {
	gen := mocks.NewMockGenerator("a")
	f := newFixture(t, testExecutorConfig(), 0, map[string]*mocks.MockGenerator{"a": gen}, "a")

	res := f.exec.Execute(testutil.TestContext(t), &types.GenerationRequest{ID: "bad"})
	assert.True(t, types.IsErrorCode(res.Err, types.ErrInvalidRequest))
	assert.Equal(t, "bad", res.RequestID)
	assert.Zero(t, gen.Calls())

	res = f.exec.Execute(testutil.TestContext(t), nil)
	assert.True(t, types.IsErrorCode(res.Err, types.ErrInvalidRequest))
	assert.Equal(t, 2, f.obs.count(OutcomeInvalid))
}

func TestExecutor_CallTimeout(t *testing.T) {
	gen := mocks.NewMockGenerator("slow").WithDelay(500 * time.Millisecond)
	cfg := testExecutorConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	cfg.MaxAttempts = 1
	f := newFixture(t, cfg, 0, map[string]*mocks.MockGenerator{"slow": gen}, "slow")

	start := time.Now()
	res := f.exec.Execute(testutil.TestContext(t), testutil.NewRequest("r1", "ocean"))
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.True(t, types.IsErrorCode(res.Err, types.ErrBackendCallFailed))
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)

	d, _ := f.router.Get("slow")
	assert.Equal(t, 1, d.ConsecutiveFailures)
}

func TestExecutor_CancelledContext(t *testing.T) {
	gen := mocks.NewMockGenerator("a").WithDelay(50 * time.Millisecond)
	f := newFixture(t, testExecutorConfig(), 0, map[string]*mocks.MockGenerator{"a": gen}, "a")

	res := f.exec.Execute(testutil.CancelledContext(), testutil.NewRequest("r1", "forest"))
	assert.True(t, types.IsErrorCode(res.Err, types.ErrCancelled))

	d, _ := f.router.Get("a")
	assert.Zero(t, d.ConsecutiveFailures, "取消不算后端故障")
}

func TestExecutor_SingleflightCollapsesIdenticalMisses(t *testing.T) {
	gen := mocks.NewMockGenerator("a").WithDelay(100 * time.Millisecond)
	f := newFixture(t, testExecutorConfig(), 0, map[string]*mocks.MockGenerator{"a": gen}, "a")
	ctx := testutil.TestContext(t)

	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]*types.GenerationResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = f.exec.Execute(ctx, testutil.NewRequest("", "same prompt"))
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, gen.Calls())
	ids := make(map[string]bool)
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.NotEmpty(t, r.RequestID)
		ids[r.RequestID] = true
	}
	assert.Len(t, ids, len(results), "每个请求分配独立 ID")
}

func TestExecutor_UnboundGeneratorFallsThrough(t *testing.T) {
	b := mocks.NewMockGenerator("b")
	f := newFixture(t, testExecutorConfig(), 0, map[string]*mocks.MockGenerator{"b": b}, "a", "b")

	res := f.exec.Execute(testutil.TestContext(t), testutil.NewRequest("r1", "river"))
	require.NoError(t, res.Err)
	assert.Equal(t, "b", res.BackendUsed)
}

func TestExecutor_WithoutCache(t *testing.T) {
	rt := router.NewBackendRouter(router.DefaultConfig(), zap.NewNop())
	require.NoError(t, rt.Register(router.BackendDescriptor{ID: "a", SuccessRate: router.DefaultSuccessRate}))
	gen := mocks.NewMockGenerator("a")

	exec, err := NewExecutor(testExecutorConfig(), Dependencies{Router: rt}, nil)
	require.NoError(t, err)
	exec.RegisterGenerator("a", gen)

	ctx := testutil.TestContext(t)
	for i := 0; i < 2; i++ {
		res := exec.Execute(ctx, testutil.NewRequest("", "moon"))
		require.NoError(t, res.Err)
		assert.False(t, res.FromCache)
	}
	assert.Equal(t, 2, gen.Calls())
}

func TestExecutor_GeneratorFunc(t *testing.T) {
	rt := router.NewBackendRouter(router.DefaultConfig(), zap.NewNop())
	require.NoError(t, rt.Register(router.BackendDescriptor{ID: "fn", SuccessRate: router.DefaultSuccessRate}))
	exec, err := NewExecutor(testExecutorConfig(), Dependencies{Router: rt}, zap.NewNop())
	require.NoError(t, err)

	exec.RegisterGenerator("fn", GeneratorFunc(func(_ context.Context, req *types.GenerationRequest) (*types.Artifact, error) {
		return &types.Artifact{ContentType: "text/plain", Data: []byte(req.Payload.Prompt)}, nil
	}))

	res := exec.Execute(testutil.TestContext(t), testutil.NewRequest("r1", "hello"))
	require.NoError(t, res.Err)
	assert.Equal(t, "fn", res.Artifact.Backend, "未填写时回填后端 ID")
	assert.False(t, res.Artifact.CreatedAt.IsZero())
	assert.Equal(t, []byte("hello"), res.Artifact.Data)
}

func TestNewExecutor_RequiresRouter(t *testing.T) {
	_, err := NewExecutor(Config{}, Dependencies{}, nil)
	assert.Error(t, err)
}
