package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/genflow/api"
	"github.com/BaSui01/genflow/llm/batch"
	"github.com/BaSui01/genflow/llm/idempotency"
	"github.com/BaSui01/genflow/types"
)

// BatchService 批次操作
type BatchService interface {
	Submit(ctx context.Context, req batch.Request) (string, error)
	Batch(ctx context.Context, batchID string) (*batch.Snapshot, error)
	Results(ctx context.Context, batchID string) ([]batch.ItemResult, error)
	Cancel(batchID string) error
}

// =============================================================================
// 📦 批次 Handler
// =============================================================================

// IdempotencyHeader 提交去重请求头
const IdempotencyHeader = "Idempotency-Key"

// ReplayedHeader 回放已有批次时设置
const ReplayedHeader = "Idempotent-Replayed"

// BatchHandler 批次处理器
type BatchHandler struct {
	svc     BatchService
	idem       idempotency.Store
	idemTTL    time.Duration
	pendingTTL time.Duration
	logger     *zap.Logger
}

// BatchHandlerOption 批次处理器选项
type BatchHandlerOption func(*BatchHandler)

// WithIdempotency 启用 Idempotency-Key 去重，store 为 nil 时不生效
func WithIdempotency(store idempotency.Store, ttl time.Duration) BatchHandlerOption {
	return func(h *BatchHandler) {
		h.idem = store
		h.idemTTL = ttl
	}
}

// WithIdempotencyPendingTTL 设置占位的存活时长，提交完成后延长为完整 TTL
func WithIdempotencyPendingTTL(ttl time.Duration) BatchHandlerOption {
	return func(h *BatchHandler) {
		h.pendingTTL = ttl
	}
}

// NewBatchHandler 创建批次处理器
func NewBatchHandler(svc BatchService, logger *zap.Logger, opts ...BatchHandlerOption) *BatchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &BatchHandler{svc: svc, logger: logger.With(zap.String("component", "batch_handler"))}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleSubmit 处理 POST /v1/batches，返回 202 与 batch_id
// @Summary 提交批次
// @Tags 批次
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "提交去重键"
// @Param request body api.SubmitBatchRequest true "批次请求"
// @Success 202 {object} Response{data=api.SubmitBatchResponse}
// @Failure 400 {object} Response
// @Router /v1/batches [post]
func (h *BatchHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitBatchRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	key := r.Header.Get(IdempotencyHeader)
	if key == "" || h.idem == nil {
		h.submit(w, r, req)
		return
	}

	fp, err := idempotency.Fingerprint(req)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "fingerprint request").WithCause(err), h.logger)
		return
	}
	existing, err := h.idem.Claim(r.Context(), key, idempotency.Entry{Fingerprint: fp}, h.claimTTL())
	if err != nil {
		// 去重存储不可用时按普通提交处理
		h.logger.Warn("idempotency store unavailable", zap.Error(err))
		h.submit(w, r, req)
		return
	}

	switch {
	case existing == nil:
		id, ok := h.submit(w, r, req)
		if !ok {
			if err := h.idem.Release(r.Context(), key); err != nil {
				h.logger.Warn("release idempotency key failed", zap.Error(err))
			}
			return
		}
		if err := h.idem.Complete(r.Context(), key, idempotency.Entry{BatchID: id, Fingerprint: fp}, h.idemTTL); err != nil {
			h.logger.Warn("complete idempotency key failed", zap.String("batch_id", id), zap.Error(err))
		}
	case existing.Fingerprint != fp:
		WriteError(w, types.NewInvalidRequestError("idempotency key reused with a different request").
			WithHTTPStatus(http.StatusUnprocessableEntity), h.logger)
	case existing.Pending():
		WriteError(w, types.NewInvalidRequestError("request with this idempotency key is in progress").
			WithHTTPStatus(http.StatusConflict), h.logger)
	default:
		w.Header().Set(ReplayedHeader, "true")
		w.Header().Set("Location", "/v1/batches/"+existing.BatchID)
		WriteStatus(w, http.StatusAccepted, api.SubmitBatchResponse{BatchID: existing.BatchID})
	}
}

func (h *BatchHandler) submit(w http.ResponseWriter, r *http.Request, req api.SubmitBatchRequest) (string, bool) {
	id, err := h.svc.Submit(r.Context(), req.ToBatchRequest())
	if err != nil {
		if !types.IsErrorCode(err, types.ErrInvalidRequest) {
			err = types.NewError(types.ErrInternalError, "submit batch failed").WithCause(err)
		}
		WriteError(w, err, h.logger)
		return "", false
	}

	w.Header().Set("Location", "/v1/batches/"+id)
	WriteStatus(w, http.StatusAccepted, api.SubmitBatchResponse{BatchID: id})
	return id, true
}

// HandleGet 处理 GET /v1/batches/{id}
// @Summary 批次快照
// @Tags 批次
// @Produce json
// @Param id path string true "批次 ID"
// @Success 200 {object} Response{data=batch.Snapshot}
// @Failure 404 {object} Response
// @Router /v1/batches/{id} [get]
func (h *BatchHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Batch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, snap)
}

// HandleResults 处理 GET /v1/batches/{id}/results
// @Summary 批次结果
// @Tags 批次
// @Produce json
// @Param id path string true "批次 ID"
// @Success 200 {object} Response{data=api.BatchResultsResponse}
// @Failure 404 {object} Response
// @Router /v1/batches/{id}/results [get]
func (h *BatchHandler) HandleResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	results, err := h.svc.Results(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.BatchResultsResponse{BatchID: id, Results: results})
}

// HandleCancel 处理 DELETE /v1/batches/{id}
// @Summary 取消批次
// @Tags 批次
// @Param id path string true "批次 ID"
// @Success 202 {object} Response
// @Failure 404 {object} Response
// @Router /v1/batches/{id} [delete]
func (h *BatchHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Cancel(id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteStatus(w, http.StatusAccepted, api.SubmitBatchResponse{BatchID: id})
}

// claimTTL 占位时长不超过完整 TTL
func (h *BatchHandler) claimTTL() time.Duration {
	ttl := h.pendingTTL
	if ttl <= 0 {
		ttl = idempotency.DefaultPendingTTL
	}
	if h.idemTTL > 0 && h.idemTTL < ttl {
		ttl = h.idemTTL
	}
	return ttl
}
