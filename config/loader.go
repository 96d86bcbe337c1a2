// =============================================================================
// 📦 GenFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("GENFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 GenFlow 的完整配置结构
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Cache     CacheConfig     `yaml:"cache" env:"CACHE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`
	Router    RouterConfig    `yaml:"router" env:"ROUTER"`
	Executor  ExecutorConfig  `yaml:"executor" env:"EXECUTOR"`
	Batch     BatchConfig     `yaml:"batch" env:"BATCH"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个客户端的每秒请求数，0 表示不限
	ClientRPS float64 `yaml:"client_rps" env:"CLIENT_RPS"`
	// 每个客户端的突发容量
	ClientBurst int `yaml:"client_burst" env:"CLIENT_BURST"`
}

// CacheConfig 分层缓存配置
type CacheConfig struct {
	// 内存层容量（条目数）
	MemoryCapacity int `yaml:"memory_capacity" env:"MEMORY_CAPACITY"`
	// 默认 TTL
	DefaultTTL time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
	// 回填副本的 TTL 上限，0 表示沿用剩余 TTL
	PromotionTTL time.Duration `yaml:"promotion_ttl" env:"PROMOTION_TTL"`
	// 慢层单次操作超时
	TierTimeout time.Duration `yaml:"tier_timeout" env:"TIER_TIMEOUT"`
	// 慢层异步写入
	WriteBehind bool `yaml:"write_behind" env:"WRITE_BEHIND"`
	// 过期清理间隔
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	// 是否启用 Redis 层
	RedisEnabled bool `yaml:"redis_enabled" env:"REDIS_ENABLED"`
	// Redis 层键前缀
	RedisNamespace string `yaml:"redis_namespace" env:"REDIS_NAMESPACE"`
	// 是否启用持久层
	DurableEnabled bool `yaml:"durable_enabled" env:"DURABLE_ENABLED"`
	// 缓存键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 是否使用 TLS 连接
	TLS bool `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 持久层数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 缓存表名
	Table string `yaml:"table" env:"TABLE"`
	// 仅追加存储：不覆盖、不删除
	AppendOnly bool `yaml:"append_only" env:"APPEND_ONLY"`
	// 启动时建表
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RateLimitConfig 后端调用准入限流
type RateLimitConfig struct {
	// 窗口内最多准入次数，0 表示不限
	Max int `yaml:"max" env:"MAX"`
	// 滑动窗口长度
	Window time.Duration `yaml:"window" env:"WINDOW"`
}

// WeightsConfig 路由评分权重
type WeightsConfig struct {
	Quality     float64 `yaml:"quality" env:"QUALITY"`
	Latency     float64 `yaml:"latency" env:"LATENCY"`
	Reliability float64 `yaml:"reliability" env:"RELIABILITY"`
	Cost        float64 `yaml:"cost" env:"COST"`
}

// RouterConfig 后端路由配置
type RouterConfig struct {
	Weights WeightsConfig `yaml:"weights" env:"WEIGHTS"`
	// 连续失败达到该值后进入冷却
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// 首次冷却时长
	CooldownBase time.Duration `yaml:"cooldown_base" env:"COOLDOWN_BASE"`
	// 冷却时长上限
	CooldownMax time.Duration `yaml:"cooldown_max" env:"COOLDOWN_MAX"`
	// EWMA 平滑系数
	Alpha float64 `yaml:"alpha" env:"ALPHA"`
	// 后端列表，仅支持文件配置
	Backends []BackendConfig `yaml:"backends" env:"-"`
}

// BackendConfig 单个生成后端
type BackendConfig struct {
	ID           string        `yaml:"id"`
	Priority     string        `yaml:"priority"`
	CostPerCall  float64       `yaml:"cost_per_call"`
	QualityScore float64       `yaml:"quality_score"`
	AvgLatencyMS float64       `yaml:"avg_latency_ms"`
	// 初始成功率，未设置时为 1.0；显式 0 表示已知不可用
	SuccessRate  *float64      `yaml:"success_rate"`
	BaseURL      string        `yaml:"base_url"`
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ExecutorConfig 执行器配置
type ExecutorConfig struct {
	// 单次后端调用超时
	CallTimeout time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
	// 含首次调用在内的最大尝试次数
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// 重试初始延迟
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" env:"RETRY_INITIAL_DELAY"`
	// 重试延迟上限
	RetryMaxDelay time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	// 重试倍增因子
	RetryMultiplier float64 `yaml:"retry_multiplier" env:"RETRY_MULTIPLIER"`
	// 重试抖动
	RetryJitter bool `yaml:"retry_jitter" env:"RETRY_JITTER"`
	// 结果写入缓存的 TTL，0 使用缓存默认值
	ResultTTL time.Duration `yaml:"result_ttl" env:"RESULT_TTL"`
}

// BatchConfig 批次编排配置
type BatchConfig struct {
	// 不超过该条目数时全并行
	ParallelMax int `yaml:"parallel_max" env:"PARALLEL_MAX"`
	// 不超过该条目数时分组执行
	GroupedMax int `yaml:"grouped_max" env:"GROUPED_MAX"`
	// 分组大小
	GroupSize int `yaml:"group_size" env:"GROUP_SIZE"`
	// 工作池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 工作池队列长度
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// 单个批次截止时间，0 表示不限
	Deadline time.Duration `yaml:"deadline" env:"DEADLINE"`
	// 是否采纳 strategy_hint
	AllowStrategyHint bool `yaml:"allow_strategy_hint" env:"ALLOW_STRATEGY_HINT"`
	// 是否把快照写入 Redis
	Persist bool `yaml:"persist" env:"PERSIST"`
	// 快照键前缀
	PersistPrefix string `yaml:"persist_prefix" env:"PERSIST_PREFIX"`
	// 快照保留时长
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
	// Idempotency-Key 保留时长
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl" env:"IDEMPOTENCY_TTL"`
	// Idempotency-Key 占位时长，提交完成前崩溃的键在此之后可重新提交
	IdempotencyPendingTTL time.Duration `yaml:"idempotency_pending_ttl" env:"IDEMPOTENCY_PENDING_TTL"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 部署环境，写入 deployment.environment
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
	// 使用明文 gRPC 连接 collector
	Insecure bool `yaml:"insecure" env:"INSECURE"`
	// 附加到每次导出请求的 gRPC 元数据，例如鉴权头
	Headers map[string]string `yaml:"headers"`
	// 单次导出超时
	ExportTimeout time.Duration `yaml:"export_timeout" env:"EXPORT_TIMEOUT"`
	// 指标导出周期
	MetricInterval time.Duration `yaml:"metric_interval" env:"METRIC_INTERVAL"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "GENFLOW",
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// setFieldsFromEnv 按 env tag 递归覆盖字段，键为 PREFIX_SECTION_FIELD
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag
		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
