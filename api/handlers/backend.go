package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/genflow/api"
	"github.com/BaSui01/genflow/llm/router"
)

// BackendService 后端操作
type BackendService interface {
	Backends() []router.BackendDescriptor
	ResetCooldowns()
}

// BackendHandler 后端处理器
type BackendHandler struct {
	svc    BackendService
	now    func() time.Time
	logger *zap.Logger
}

// NewBackendHandler 创建后端处理器
func NewBackendHandler(svc BackendService, logger *zap.Logger) *BackendHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackendHandler{svc: svc, now: time.Now, logger: logger.With(zap.String("component", "backend_handler"))}
}

// HandleList 处理 GET /v1/backends
// @Summary 后端列表
// @Tags 后端
// @Produce json
// @Success 200 {object} Response{data=api.BackendListResponse}
// @Router /v1/backends [get]
func (h *BackendHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	descs := h.svc.Backends()
	out := api.BackendListResponse{Backends: make([]api.BackendView, 0, len(descs))}
	for _, d := range descs {
		out.Backends = append(out.Backends, api.NewBackendView(d, now))
	}
	WriteSuccess(w, out)
}

// HandleReset 处理 POST /v1/backends/reset，立即解除所有冷却
func (h *BackendHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	h.svc.ResetCooldowns()
	h.logger.Info("backend cooldowns reset")
	h.HandleList(w, r)
}
