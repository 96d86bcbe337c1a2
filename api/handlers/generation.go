package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/genflow/api"
	"github.com/BaSui01/genflow/types"
)

// Executor 同步执行单个请求
type Executor interface {
	Execute(ctx context.Context, req *types.GenerationRequest) *types.GenerationResult
}

// GenerationHandler 单请求处理器
type GenerationHandler struct {
	exec   Executor
	logger *zap.Logger
}

// NewGenerationHandler 创建单请求处理器
func NewGenerationHandler(exec Executor, logger *zap.Logger) *GenerationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GenerationHandler{exec: exec, logger: logger.With(zap.String("component", "generation_handler"))}
}

// HandleGenerate 处理 POST /v1/generations，阻塞到执行结束
// @Summary 同步生成
// @Tags 生成
// @Accept json
// @Produce json
// @Param request body api.GenerationItem true "生成请求"
// @Success 200 {object} Response{data=types.GenerationResult}
// @Failure 400 {object} Response
// @Failure 429 {object} Response
// @Failure 502 {object} Response
// @Router /v1/generations [post]
func (h *GenerationHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var item api.GenerationItem
	if err := DecodeJSONBody(w, r, &item, h.logger); err != nil {
		return
	}

	res := h.exec.Execute(r.Context(), item.ToRequest())
	if res.Err != nil {
		WriteError(w, res.Err, h.logger)
		return
	}
	WriteSuccess(w, res)
}
