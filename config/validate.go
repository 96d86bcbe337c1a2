package config

import (
	"fmt"
	"strings"
)

var (
	validDrivers    = map[string]bool{"postgres": true, "mysql": true, "sqlite": true}
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"json": true, "console": true}
	validPriorities = map[string]bool{"": true, "HIGH": true, "MEDIUM": true, "LOW": true}
)

// Validate 校验全部配置项，一次返回所有错误
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	// 服务器
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		add("invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		add("invalid metrics port")
	}
	if c.Server.ClientRPS < 0 {
		add("server.client_rps must be non-negative")
	}

	// 缓存
	if c.Cache.MemoryCapacity <= 0 {
		add("cache.memory_capacity must be positive")
	}
	if c.Cache.DefaultTTL <= 0 {
		add("cache.default_ttl must be positive")
	}
	if c.Cache.PromotionTTL < 0 || c.Cache.TierTimeout < 0 {
		add("cache.promotion_ttl and cache.tier_timeout must be non-negative")
	}
	if c.Cache.RedisEnabled && c.Redis.Addr == "" {
		add("redis.addr is required when cache.redis_enabled is set")
	}
	if c.Batch.Persist && c.Redis.Addr == "" {
		add("redis.addr is required when batch.persist is set")
	}
	if c.Cache.DurableEnabled {
		if !validDrivers[c.Database.Driver] {
			add("unsupported database driver %q", c.Database.Driver)
		}
		if c.Database.Name == "" {
			add("database.name is required when cache.durable_enabled is set")
		}
	}

	// 限流
	if c.RateLimit.Max < 0 {
		add("rate_limit.max must be non-negative")
	}
	if c.RateLimit.Max > 0 && c.RateLimit.Window <= 0 {
		add("rate_limit.window must be positive")
	}

	// 路由
	r := c.Router
	if r.Weights.Quality < 0 || r.Weights.Latency < 0 || r.Weights.Reliability < 0 || r.Weights.Cost < 0 {
		add("router.weights must be non-negative")
	}
	if r.FailureThreshold < 1 {
		add("router.failure_threshold must be at least 1")
	}
	if r.CooldownBase <= 0 || r.CooldownMax < r.CooldownBase {
		add("router cooldown requires 0 < cooldown_base <= cooldown_max")
	}
	if r.Alpha <= 0 || r.Alpha > 1 {
		add("router.alpha must be within (0,1]")
	}
	seen := make(map[string]bool, len(r.Backends))
	for i, b := range r.Backends {
		switch {
		case strings.TrimSpace(b.ID) == "":
			add("router.backends[%d]: id is required", i)
		case seen[b.ID]:
			add("router.backends[%d]: duplicate id %q", i, b.ID)
		}
		seen[b.ID] = true
		if !validPriorities[strings.ToUpper(b.Priority)] {
			add("router.backends[%d]: unknown priority %q", i, b.Priority)
		}
		if b.CostPerCall < 0 || b.QualityScore < 0 || b.AvgLatencyMS < 0 {
			add("router.backends[%d]: cost, quality and latency must be non-negative", i)
		}
		if b.SuccessRate != nil && (*b.SuccessRate < 0 || *b.SuccessRate > 1) {
			add("router.backends[%d]: success_rate must be within [0,1]", i)
		}
	}

	// 执行器
	if c.Executor.MaxAttempts < 1 {
		add("executor.max_attempts must be at least 1")
	}
	if c.Executor.CallTimeout <= 0 {
		add("executor.call_timeout must be positive")
	}
	if c.Executor.RetryMultiplier != 0 && c.Executor.RetryMultiplier < 1 {
		add("executor.retry_multiplier must be >= 1")
	}

	// 批次
	b := c.Batch
	if b.ParallelMax < 1 || b.GroupSize < 1 {
		add("batch.parallel_max and batch.group_size must be at least 1")
	}
	if b.GroupedMax < b.ParallelMax {
		add("batch.grouped_max must be >= batch.parallel_max")
	}
	if b.PoolSize < 1 {
		add("batch.pool_size must be at least 1")
	}
	if b.Deadline < 0 || b.IdempotencyTTL < 0 || b.IdempotencyPendingTTL < 0 {
		add("batch.deadline and batch.idempotency ttls must be non-negative")
	}
	if b.IdempotencyTTL > 0 && b.IdempotencyPendingTTL > b.IdempotencyTTL {
		add("batch.idempotency_pending_ttl must not exceed batch.idempotency_ttl")
	}

	// 日志与遥测
	if !validLogLevels[c.Log.Level] {
		add("unknown log level %q", c.Log.Level)
	}
	if !validLogFormats[c.Log.Format] {
		add("unknown log format %q", c.Log.Format)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		add("telemetry.sample_rate must be within [0,1]")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		add("telemetry.otlp_endpoint is required when telemetry is enabled")
	}
	if c.Telemetry.ExportTimeout < 0 || c.Telemetry.MetricInterval < 0 {
		add("telemetry durations must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
