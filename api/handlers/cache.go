package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/genflow/api"
	"github.com/BaSui01/genflow/llm/cache"
	"github.com/BaSui01/genflow/types"
)

// CacheService 缓存操作
type CacheService interface {
	CacheStats() cache.Stats
	InvalidateCache(ctx context.Context, pattern string) (cache.InvalidationReport, error)
}

// CacheHandler 缓存处理器
type CacheHandler struct {
	svc    CacheService
	logger *zap.Logger
}

// NewCacheHandler 创建缓存处理器
func NewCacheHandler(svc CacheService, logger *zap.Logger) *CacheHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheHandler{svc: svc, logger: logger.With(zap.String("component", "cache_handler"))}
}

// HandleStats 处理 GET /v1/cache/stats
// @Summary 缓存统计
// @Tags 缓存
// @Produce json
// @Success 200 {object} Response{data=cache.Stats}
// @Router /v1/cache/stats [get]
func (h *CacheHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.svc.CacheStats())
}

// HandleInvalidate 处理 POST /v1/cache/invalidate。
// 部分层失败时仍返回 200，失败层列在 report.failed 中
// @Summary 按模式失效缓存
// @Tags 缓存
// @Accept json
// @Produce json
// @Param request body api.InvalidateRequest true "失效请求"
// @Success 200 {object} Response{data=cache.InvalidationReport}
// @Failure 400 {object} Response
// @Router /v1/cache/invalidate [post]
func (h *CacheHandler) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req api.InvalidateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.Pattern) == "" {
		WriteError(w, types.NewInvalidRequestError("pattern is required"), h.logger)
		return
	}

	report, err := h.svc.InvalidateCache(r.Context(), req.Pattern)
	if err != nil {
		if _, ok := types.AsError(err); !ok {
			err = types.NewError(types.ErrCacheTierUnavailable, "cache invalidation failed").WithCause(err)
		}
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("cache invalidated",
		zap.String("pattern", req.Pattern),
		zap.Int("removed", report.Removed))
	WriteSuccess(w, report)
}
