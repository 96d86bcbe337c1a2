package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/genflow/api/routes"
	"github.com/BaSui01/genflow/config"
	"github.com/BaSui01/genflow/engine"
	"github.com/BaSui01/genflow/internal/metrics"
	"github.com/BaSui01/genflow/internal/server"
	"github.com/BaSui01/genflow/internal/telemetry"
)

// reloadInterval 配置文件检查间隔
const reloadInterval = 5 * time.Second

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server 组装引擎、API 监听器与 Metrics 监听器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel

	registry  *prometheus.Registry
	collector *metrics.Collector
	telemetry *telemetry.Providers
	engine    *engine.Engine
	reloader  *config.Reloader

	httpManager    *server.Manager
	metricsManager *server.Manager
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		level:      level,
	}
}

// Init 构建所有组件，失败时释放已创建的部分
func (s *Server) Init(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			s.closeComponents(context.WithoutCancel(ctx))
		}
	}()

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector("genflow", s.registry, s.logger)

	s.telemetry, err = telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("telemetry disabled", zap.Error(err))
		s.telemetry, err = nil, nil
	}

	s.engine, err = engine.New(ctx, s.cfg, s.logger,
		engine.WithMetrics(s.collector),
		engine.WithTracerProvider(s.telemetry))
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	if s.configPath != "" {
		s.reloader = config.NewReloader(s.configPath, s.cfg, reloadInterval, s.logger)
		s.reloader.OnReload(s.applyConfig)
	}

	s.httpManager = server.NewManager(s.apiHandler(ctx), server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	s.metricsManager = server.NewManager(mux, server.Config{
		Name:            "metrics",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return nil
}

// apiHandler 构建 API 路由与中间件链
func (s *Server) apiHandler(ctx context.Context) http.Handler {
	return routes.New(s.engine, routes.Options{
		Version:               Version,
		Idempotency:           s.engine.Idempotency(),
		IdempotencyTTL:        s.cfg.Batch.IdempotencyTTL,
		IdempotencyPendingTTL: s.cfg.Batch.IdempotencyPendingTTL,
		Middleware: []Middleware{
			Recovery(s.logger),
			RequestID(),
			SecurityHeaders(),
			telemetry.HTTPMiddleware(s.telemetry.Tracer("genflow/http"), routes.Pattern),
			MetricsMiddleware(s.collector),
			RequestLogger(s.logger),
			ClientRateLimiter(ctx, s.cfg.Server.ClientRPS, s.cfg.Server.ClientBurst, "/health", "/ready"),
		},
	}, s.logger)
}

// applyConfig 日志级别即时生效，其余段落需要重启
func (s *Server) applyConfig(oldCfg, newCfg *config.Config) {
	changed := config.ChangedSections(oldCfg, newCfg)
	if oldCfg.Log.Level != newCfg.Log.Level {
		s.level.SetLevel(parseLevel(newCfg.Log.Level))
		s.logger.Info("log level updated", zap.String("level", newCfg.Log.Level))
	}

	var pending []string
	for _, section := range changed {
		if section != "log" {
			pending = append(pending, section)
		}
	}
	if len(pending) > 0 {
		s.logger.Warn("config sections changed, restart required to apply", zap.Strings("sections", pending))
	}
}

// Run 启动监听器并阻塞到 ctx 结束或任一监听器异常，随后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.httpManager.Run(gctx) })
	g.Go(func() error { return s.metricsManager.Run(gctx) })
	if s.reloader != nil {
		g.Go(func() error {
			s.reloader.Run(gctx)
			return nil
		})
	}

	s.logger.Info("GenFlow started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload", s.reloader != nil))

	err := g.Wait()
	s.closeComponents(context.WithoutCancel(ctx))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// closeComponents 先停引擎（排空批次）再关闭 telemetry
func (s *Server) closeComponents(ctx context.Context) {
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if s.engine != nil {
		if err := s.engine.Close(ctx); err != nil {
			s.logger.Error("engine shutdown error", zap.Error(err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}
	s.logger.Info("graceful shutdown completed")
}
