package api

import (
	"time"

	"github.com/BaSui01/genflow/llm/batch"
	"github.com/BaSui01/genflow/llm/router"
	"github.com/BaSui01/genflow/types"
)

// =============================================================================
// 批次类型
// =============================================================================

// GenerationItem 批次中的单个生成请求
// @Description 生成请求
type GenerationItem struct {
	// 条目 ID，留空时由服务端生成
	ID string `json:"id,omitempty" example:"item-1"`
	// 提示词
	Prompt string `json:"prompt" example:"a lighthouse at dusk" binding:"required"`
	// 反向提示词
	NegativePrompt string `json:"negative_prompt,omitempty"`
	// 宽高（像素）
	Width  int `json:"width,omitempty" example:"1024"`
	Height int `json:"height,omitempty" example:"1024"`
	// 风格与质量描述
	Style   string `json:"style,omitempty" example:"watercolor"`
	Quality string `json:"quality,omitempty" example:"hd"`
	// 模型
	Model string `json:"model,omitempty"`
	// 随机种子
	Seed *int64 `json:"seed,omitempty"`
	// 其他参数，参与缓存键计算
	Extra map[string]string `json:"extra,omitempty"`
	// 优先级（越大越优先，仅作提示）
	Priority int `json:"priority,omitempty"`
	// 优先使用的后端
	PreferredBackend string `json:"preferred_backend,omitempty"`
}

// ToRequest 转换为引擎请求
func (g GenerationItem) ToRequest() *types.GenerationRequest {
	return &types.GenerationRequest{
		ID: g.ID,
		Payload: types.Payload{
			Prompt:         g.Prompt,
			NegativePrompt: g.NegativePrompt,
			Width:          g.Width,
			Height:         g.Height,
			Style:          g.Style,
			Quality:        g.Quality,
			Model:          g.Model,
			Seed:           g.Seed,
			Extra:          g.Extra,
		},
		Priority:         g.Priority,
		PreferredBackend: g.PreferredBackend,
	}
}

// SubmitBatchRequest 提交批次请求
// @Description 批次提交请求
type SubmitBatchRequest struct {
	Items []GenerationItem `json:"items" binding:"required"`
	// 执行策略提示（parallel、grouped、sequential）
	StrategyHint string `json:"strategy_hint,omitempty" example:"grouped"`
}

// ToBatchRequest 转换为编排器请求
func (r SubmitBatchRequest) ToBatchRequest() batch.Request {
	items := make([]*types.GenerationRequest, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, it.ToRequest())
	}
	return batch.Request{Items: items, StrategyHint: r.StrategyHint}
}

// SubmitBatchResponse 提交批次响应
type SubmitBatchResponse struct {
	BatchID string `json:"batch_id" example:"7f1c..."`
}

// BatchResultsResponse 批次结果列表
type BatchResultsResponse struct {
	BatchID string             `json:"batch_id"`
	Results []batch.ItemResult `json:"results"`
}

// =============================================================================
// 缓存类型
// =============================================================================

// InvalidateRequest 缓存失效请求
// @Description 缓存失效请求
type InvalidateRequest struct {
	// glob 模式，支持 * 与 ?
	Pattern string `json:"pattern" example:"gen:*" binding:"required"`
}

// =============================================================================
// 后端类型
// =============================================================================

// BackendView 后端描述符的 API 视图
type BackendView struct {
	ID                  string     `json:"id"`
	Priority            string     `json:"priority"`
	CostPerCall         float64    `json:"cost_per_call"`
	QualityScore        float64    `json:"quality_score"`
	AvgLatencyMS        float64    `json:"avg_latency_ms"`
	SuccessRate         float64    `json:"success_rate"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Available           bool       `json:"available"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	TotalCalls          int64      `json:"total_calls"`
	TotalFailures       int64      `json:"total_failures"`
	LastError           string     `json:"last_error,omitempty"`
}

// NewBackendView 从描述符构建视图，now 用于判断冷却是否结束
func NewBackendView(d router.BackendDescriptor, now time.Time) BackendView {
	v := BackendView{
		ID:                  d.ID,
		Priority:            string(d.Priority),
		CostPerCall:         d.CostPerCall,
		QualityScore:        d.QualityScore,
		AvgLatencyMS:        d.AvgLatencyMS,
		SuccessRate:         d.SuccessRate,
		ConsecutiveFailures: d.ConsecutiveFailures,
		Available:           !d.InCooldown(now),
		TotalCalls:          d.TotalCalls,
		TotalFailures:       d.TotalFailures,
		LastError:           d.LastError,
	}
	if !v.Available {
		t := *d.CooldownUntil
		v.CooldownUntil = &t
	}
	return v
}

// BackendListResponse 后端列表
type BackendListResponse struct {
	Backends []BackendView `json:"backends"`
}
