package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/genflow/llm/batch"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 缓存指标
	cacheHits      *prometheus.CounterVec
	cacheMisses    prometheus.Counter
	cacheSets      prometheus.Counter
	cacheEvictions *prometheus.CounterVec
	cacheTierErrs  *prometheus.CounterVec

	// 路由指标
	backendCalls     *prometheus.CounterVec
	backendLatency   *prometheus.HistogramVec
	backendCooldowns *prometheus.CounterVec

	// 执行指标
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec

	// 批次指标
	batchesSubmitted *prometheus.CounterVec
	batchItems       *prometheus.CounterVec
	batchesRunning   prometheus.Gauge
	batchDuration    *prometheus.HistogramVec
	batchItemStates  *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，reg 为 nil 时注册到默认注册表
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	c.httpRequestSize = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
		},
		[]string{"method", "path"},
	)
	c.httpResponseSize = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
		},
		[]string{"method", "path"},
	)

	// 缓存指标
	c.cacheHits = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits by tier",
		},
		[]string{"tier"},
	)
	c.cacheMisses = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "Lookups that missed every tier",
	})
	c.cacheSets = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_sets_total",
		Help:      "Values written to the cache",
	})
	c.cacheEvictions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Entries evicted or expired by tier",
		},
		[]string{"tier"},
	)
	c.cacheTierErrs = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_tier_errors_total",
			Help:      "Tier operation failures",
		},
		[]string{"tier", "op"},
	)

	// 路由指标
	c.backendCalls = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_calls_total",
			Help:      "Backend calls by outcome",
		},
		[]string{"backend", "status"},
	)
	c.backendLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_call_duration_seconds",
			Help:      "Backend call latency in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"backend"},
	)
	c.backendCooldowns = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_cooldowns_total",
			Help:      "Times a backend entered cooldown",
		},
		[]string{"backend"},
	)

	// 执行指标
	c.executionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Generation executions by outcome",
		},
		[]string{"outcome"},
	)
	c.executionDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "End-to-end execution latency in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	// 批次指标
	c.batchesSubmitted = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_submitted_total",
			Help:      "Submitted batches by strategy",
		},
		[]string{"strategy"},
	)
	c.batchItems = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_submitted_total",
			Help:      "Submitted batch items by strategy",
		},
		[]string{"strategy"},
	)
	c.batchesRunning = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "batches_running",
		Help:      "Batches currently running",
	})
	c.batchDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Batch wall-clock duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"strategy", "status"},
	)
	c.batchItemStates = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_item_transitions_total",
			Help:      "Batch item state transitions",
		},
		[]string{"state"},
	)

	// 数据库指标
	c.dbConnectionsOpen = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)
	c.dbConnectionsIdle = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Debug("metrics collector registered", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 💾 缓存指标记录（cache.Observer）
// =============================================================================

// ObserveCacheHit 记录缓存命中
func (c *Collector) ObserveCacheHit(tier string) { c.cacheHits.WithLabelValues(tier).Inc() }

// ObserveCacheMiss 记录全层未命中
func (c *Collector) ObserveCacheMiss() { c.cacheMisses.Inc() }

// ObserveCacheSet 记录写入
func (c *Collector) ObserveCacheSet() { c.cacheSets.Inc() }

// ObserveCacheEviction 记录淘汰
func (c *Collector) ObserveCacheEviction(tier string) { c.cacheEvictions.WithLabelValues(tier).Inc() }

// ObserveTierError 记录层级错误
func (c *Collector) ObserveTierError(tier, op string) { c.cacheTierErrs.WithLabelValues(tier, op).Inc() }

// =============================================================================
// 🧭 路由指标记录（router.Observer）
// =============================================================================

// ObserveBackendCall 记录一次后端调用
func (c *Collector) ObserveBackendCall(backend string, success bool, latency time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.backendCalls.WithLabelValues(backend, status).Inc()
	c.backendLatency.WithLabelValues(backend).Observe(latency.Seconds())
}

// ObserveCooldown 记录后端进入冷却
func (c *Collector) ObserveCooldown(backend string) {
	c.backendCooldowns.WithLabelValues(backend).Inc()
}

// =============================================================================
// ⚙️ 执行指标记录（executor.Observer）
// =============================================================================

// ObserveExecution 记录一次执行
func (c *Collector) ObserveExecution(outcome string, latency time.Duration) {
	c.executionsTotal.WithLabelValues(outcome).Inc()
	c.executionDuration.WithLabelValues(outcome).Observe(latency.Seconds())
}

// =============================================================================
// 📦 批次指标记录（batch.Observer）
// =============================================================================

// ObserveBatchSubmitted 记录批次提交
func (c *Collector) ObserveBatchSubmitted(strategy batch.Strategy, items int) {
	c.batchesSubmitted.WithLabelValues(string(strategy)).Inc()
	c.batchItems.WithLabelValues(string(strategy)).Add(float64(items))
	c.batchesRunning.Inc()
}

// ObserveBatchFinished 记录批次结束
func (c *Collector) ObserveBatchFinished(strategy batch.Strategy, status batch.Status, d time.Duration) {
	c.batchesRunning.Dec()
	c.batchDuration.WithLabelValues(string(strategy), string(status)).Observe(d.Seconds())
}

// ObserveItem 记录条目状态迁移
func (c *Collector) ObserveItem(state batch.ItemState) {
	c.batchItemStates.WithLabelValues(string(state)).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
