// Package routes 使用 chi 注册 GenFlow HTTP API 路由。
package routes

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/genflow/api/handlers"
	"github.com/BaSui01/genflow/llm/idempotency"
)

// Service 路由需要的全部引擎能力，engine.Engine 满足该接口
type Service interface {
	handlers.BatchService
	handlers.CacheService
	handlers.BackendService
	handlers.Executor
	Health(ctx context.Context) map[string]error
}

// Options 路由选项
type Options struct {
	Version    string
	Middleware []func(http.Handler) http.Handler
	// Idempotency 非空时 POST /v1/batches 支持 Idempotency-Key
	Idempotency           idempotency.Store
	IdempotencyTTL        time.Duration
	IdempotencyPendingTTL time.Duration
}

// New 构建 API 路由，Options.Middleware 作用于全部路由
func New(svc Service, opts Options, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	health := handlers.NewHealthHandler(opts.Version, logger)
	deps := svc.Health(context.Background())
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		health.RegisterCheck(handlers.NewCheck(name, func(ctx context.Context) error {
			return svc.Health(ctx)[name]
		}))
	}

	batches := handlers.NewBatchHandler(svc, logger,
		handlers.WithIdempotency(opts.Idempotency, opts.IdempotencyTTL),
		handlers.WithIdempotencyPendingTTL(opts.IdempotencyPendingTTL))
	generations := handlers.NewGenerationHandler(svc, logger)
	caches := handlers.NewCacheHandler(svc, logger)
	backends := handlers.NewBackendHandler(svc, logger)

	r := chi.NewRouter()
	r.Use(opts.Middleware...)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteErrorMessage(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteErrorMessage(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})

	r.Get("/health", health.HandleHealth)
	r.Get("/ready", health.HandleReady)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", batches.HandleSubmit)
			r.Get("/{id}", batches.HandleGet)
			r.Get("/{id}/results", batches.HandleResults)
			r.Delete("/{id}", batches.HandleCancel)
		})
		r.Post("/generations", generations.HandleGenerate)
		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", caches.HandleStats)
			r.Post("/invalidate", caches.HandleInvalidate)
		})
		r.Route("/backends", func(r chi.Router) {
			r.Get("/", backends.HandleList)
			r.Post("/reset", backends.HandleReset)
		})
	})

	return r
}

// Pattern 返回请求匹配到的路由模板，用于指标与追踪的低基数标签
func Pattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
