// =============================================================================
// 📦 GenFlow 默认配置
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Cache:     DefaultCacheConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		RateLimit: DefaultRateLimitConfig(),
		Router:    DefaultRouterConfig(),
		Executor:  DefaultExecutorConfig(),
		Batch:     DefaultBatchConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		ClientRPS:       20,
		ClientBurst:     40,
	}
}

// DefaultCacheConfig 只启用内存层
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MemoryCapacity: 1024,
		DefaultTTL:     24 * time.Hour,
		PromotionTTL:   time.Hour,
		TierTimeout:    150 * time.Millisecond,
		SweepInterval:  time.Minute,
		RedisNamespace: "genflow:cache:",
		KeyPrefix:      "gen:",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 默认使用本地 sqlite 文件
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "genflow",
		Name:            "genflow.db",
		SSLMode:         "disable",
		Table:           "cache_entries",
		AutoMigrate:     true,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultRateLimitConfig 每分钟 60 次后端调用
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Max:    60,
		Window: time.Minute,
	}
}

// DefaultRouterConfig 返回默认路由配置
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Weights: WeightsConfig{
			Quality:     1.0,
			Latency:     200.0,
			Reliability: 1.0,
			Cost:        1.0,
		},
		FailureThreshold: 3,
		CooldownBase:     5 * time.Second,
		CooldownMax:      5 * time.Minute,
		Alpha:            0.2,
	}
}

// DefaultExecutorConfig 返回默认执行器配置
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		CallTimeout:       60 * time.Second,
		MaxAttempts:       3,
		RetryInitialDelay: 100 * time.Millisecond,
		RetryMaxDelay:     2 * time.Second,
		RetryMultiplier:   2.0,
		RetryJitter:       true,
	}
}

// DefaultBatchConfig 返回默认批次配置
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		ParallelMax:           3,
		GroupedMax:            6,
		GroupSize:             3,
		PoolSize:              6,
		QueueSize:             256,
		Deadline:              10 * time.Minute,
		AllowStrategyHint:     true,
		PersistPrefix:         "genflow:batch:",
		Retention:             24 * time.Hour,
		IdempotencyTTL:        24 * time.Hour,
		IdempotencyPendingTTL: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:        false,
		OTLPEndpoint:   "localhost:4317",
		ServiceName:    "genflow",
		SampleRate:     0.1,
		Environment:    "development",
		Insecure:       true,
		ExportTimeout:  10 * time.Second,
		MetricInterval: 30 * time.Second,
	}
}
