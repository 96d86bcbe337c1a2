package engine

import (
	"strings"

	"github.com/BaSui01/genflow/config"
	"github.com/BaSui01/genflow/internal/database"
	"github.com/BaSui01/genflow/internal/pool"
	"github.com/BaSui01/genflow/llm/batch"
	"github.com/BaSui01/genflow/llm/cache"
	"github.com/BaSui01/genflow/llm/executor"
	"github.com/BaSui01/genflow/llm/image"
	"github.com/BaSui01/genflow/llm/retry"
	"github.com/BaSui01/genflow/llm/router"
)

// 配置段到组件配置的转换

func cacheConfig(c config.CacheConfig) cache.Config {
	return cache.Config{
		DefaultTTL:    c.DefaultTTL,
		PromotionTTL:  c.PromotionTTL,
		TierTimeout:   c.TierTimeout,
		WriteBehind:   c.WriteBehind,
		SweepInterval: c.SweepInterval,
	}
}

func durableConfig(d config.DatabaseConfig) cache.DurableTierConfig {
	return cache.DurableTierConfig{
		Table:       d.Table,
		AppendOnly:  d.AppendOnly,
		AutoMigrate: d.AutoMigrate,
	}
}

func routerConfig(r config.RouterConfig) router.Config {
	return router.Config{
		Weights: router.Weights{
			Quality:     r.Weights.Quality,
			Latency:     r.Weights.Latency,
			Reliability: r.Weights.Reliability,
			Cost:        r.Weights.Cost,
		},
		FailureThreshold: r.FailureThreshold,
		Cooldown: retry.Policy{
			InitialDelay: r.CooldownBase,
			MaxDelay:     r.CooldownMax,
			Multiplier:   2.0,
		},
		Alpha: r.Alpha,
	}
}

func descriptor(b config.BackendConfig) router.BackendDescriptor {
	rate := router.DefaultSuccessRate
	if b.SuccessRate != nil {
		rate = *b.SuccessRate
	}
	return router.BackendDescriptor{
		ID:           b.ID,
		Priority:     router.Priority(strings.ToUpper(strings.TrimSpace(b.Priority))),
		CostPerCall:  b.CostPerCall,
		QualityScore: b.QualityScore,
		AvgLatencyMS: b.AvgLatencyMS,
		SuccessRate:  rate,
	}
}

func httpGeneratorConfig(b config.BackendConfig) image.HTTPConfig {
	hc := image.DefaultHTTPConfig()
	hc.BackendID = b.ID
	hc.BaseURL = b.BaseURL
	hc.APIKey = b.APIKey
	if b.Model != "" {
		hc.Model = b.Model
	}
	if b.Timeout > 0 {
		hc.Timeout = b.Timeout
	}
	return hc
}

func executorConfig(e config.ExecutorConfig) executor.Config {
	return executor.Config{
		CallTimeout: e.CallTimeout,
		MaxAttempts: e.MaxAttempts,
		Retry: retry.Policy{
			InitialDelay: e.RetryInitialDelay,
			MaxDelay:     e.RetryMaxDelay,
			Multiplier:   e.RetryMultiplier,
			Jitter:       e.RetryJitter,
		},
		ResultTTL: e.ResultTTL,
	}
}

func poolConfig(b config.BatchConfig) pool.Config {
	return pool.Config{Size: b.PoolSize, QueueSize: b.QueueSize}
}

func batchConfig(b config.BatchConfig) batch.Config {
	bc := batch.DefaultConfig()
	bc.Policy = batch.Policy{
		ParallelMax: b.ParallelMax,
		GroupedMax:  b.GroupedMax,
		GroupSize:   b.GroupSize,
	}
	bc.Deadline = b.Deadline
	bc.AllowStrategyHint = b.AllowStrategyHint
	bc.Persist = b.Persist
	return bc
}

func storeConfig(b config.BatchConfig) batch.RedisStoreConfig {
	return batch.RedisStoreConfig{Prefix: b.PersistPrefix, Retention: b.Retention}
}

func dbPoolConfig(d config.DatabaseConfig) database.PoolConfig {
	return database.PoolConfigFrom(d)
}
