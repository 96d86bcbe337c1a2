package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/genflow/llm/batch"
	"github.com/BaSui01/genflow/llm/cache"
	"github.com/BaSui01/genflow/llm/executor"
	"github.com/BaSui01/genflow/llm/router"
)

// Collector 必须能直接作为各组件的 Observer 使用
var (
	_ cache.Observer    = (*Collector)(nil)
	_ router.Observer   = (*Collector)(nil)
	_ executor.Observer = (*Collector)(nil)
	_ batch.Observer    = (*Collector)(nil)
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("test", reg, zap.NewNop()), reg
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector_SeparateRegistries(t *testing.T) {
	// 同名 namespace 注册到不同注册表不会冲突
	a, _ := newTestCollector(t)
	b, _ := newTestCollector(t)
	assert.NotNil(t, a)
	assert.NotNil(t, b)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordHTTPRequest("GET", "/v1/batches/{id}", 200, 100*time.Millisecond, 1024, 2048)
	c.RecordHTTPRequest("GET", "/v1/batches/{id}", 204, 50*time.Millisecond, 512, 0)
	c.RecordHTTPRequest("POST", "/v1/batches", 429, time.Millisecond, 10, 10)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/v1/batches/{id}", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/v1/batches", "4xx")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.httpRequestDuration))
}

func TestCollector_CacheObserver(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveCacheHit("memory")
	c.ObserveCacheHit("memory")
	c.ObserveCacheHit("redis")
	c.ObserveCacheMiss()
	c.ObserveCacheSet()
	c.ObserveCacheEviction("memory")
	c.ObserveTierError("redis", "get")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheHits.WithLabelValues("memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheHits.WithLabelValues("redis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheSets))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheEvictions.WithLabelValues("memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheTierErrs.WithLabelValues("redis", "get")))
}

func TestCollector_RouterObserver(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveBackendCall("flux", true, 800*time.Millisecond)
	c.ObserveBackendCall("flux", false, 2*time.Second)
	c.ObserveCooldown("flux")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.backendCalls.WithLabelValues("flux", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.backendCalls.WithLabelValues("flux", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.backendCooldowns.WithLabelValues("flux")))
}

func TestCollector_ExecutionAndBatch(t *testing.T) {
	c, reg := newTestCollector(t)

	c.ObserveExecution(executor.OutcomeCacheHit, time.Millisecond)
	c.ObserveExecution(executor.OutcomeSuccess, time.Second)

	c.ObserveBatchSubmitted(batch.StrategyGrouped, 5)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.batchesRunning))
	c.ObserveItem(batch.ItemProcessing)
	c.ObserveItem(batch.ItemCompleted)
	c.ObserveBatchFinished(batch.StrategyGrouped, batch.StatusCompleted, 3*time.Second)

	assert.Equal(t, 0.0, testutil.ToFloat64(c.batchesRunning))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.batchItems.WithLabelValues("GROUPED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues(executor.OutcomeSuccess)))

	expected := `
# HELP test_batches_submitted_total Submitted batches by strategy
# TYPE test_batches_submitted_total counter
test_batches_submitted_total{strategy="GROUPED"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_batches_submitted_total"))
}

func TestCollector_RecordDBConnections(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordDBConnections("durable", 4, 2)
	assert.Equal(t, 4.0, testutil.ToFloat64(c.dbConnectionsOpen.WithLabelValues("durable")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.dbConnectionsIdle.WithLabelValues("durable")))
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"}, {201, "2xx"}, {301, "3xx"}, {404, "4xx"}, {499, "4xx"}, {502, "5xx"}, {100, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCode(tt.code), "code=%d", tt.code)
	}
}
