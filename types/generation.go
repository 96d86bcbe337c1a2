package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// 📨 生成请求
// =============================================================================

// Payload 生成参数，对引擎而言不透明，仅用于缓存键计算和后端调用
type Payload struct {
	Prompt         string            `json:"prompt"`
	NegativePrompt string            `json:"negative_prompt,omitempty"`
	Width          int               `json:"width,omitempty"`
	Height         int               `json:"height,omitempty"`
	Style          string            `json:"style,omitempty"`
	Quality        string            `json:"quality,omitempty"`
	Model          string            `json:"model,omitempty"`
	Seed           *int64            `json:"seed,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// GenerationRequest 单次生成请求，提交后不可变
type GenerationRequest struct {
	ID               string  `json:"id"`
	Payload          Payload `json:"payload"`
	Priority         int     `json:"priority,omitempty"`
	PreferredBackend string  `json:"preferred_backend,omitempty"`
}

// MaxDimension 单边像素上限
const MaxDimension = 8192

// Validate 校验请求，错误码为 INVALID_REQUEST
func (r *GenerationRequest) Validate() error {
	if r == nil {
		return NewInvalidRequestError("request is nil")
	}
	if r.Payload.Prompt == "" {
		return NewInvalidRequestError("request %q: prompt is required", r.ID)
	}
	if r.Payload.Width < 0 || r.Payload.Height < 0 {
		return NewInvalidRequestError("request %q: dimensions must be non-negative, got %dx%d",
			r.ID, r.Payload.Width, r.Payload.Height)
	}
	if r.Payload.Width > MaxDimension || r.Payload.Height > MaxDimension {
		return NewInvalidRequestError("request %q: dimensions exceed %d", r.ID, MaxDimension)
	}
	if r.Priority < 0 {
		return NewInvalidRequestError("request %q: priority must be non-negative, got %d", r.ID, r.Priority)
	}
	return nil
}

// =============================================================================
// 📦 生成结果
// =============================================================================

// Artifact 后端生成产物
type Artifact struct {
	Backend     string            `json:"backend"`
	ContentType string            `json:"content_type,omitempty"`
	Data        []byte            `json:"data,omitempty"`
	URL         string            `json:"url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Encode 序列化产物，用作缓存值
func (a *Artifact) Encode() ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return data, nil
}

// DecodeArtifact 从缓存值还原产物
func DecodeArtifact(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return &a, nil
}

// GenerationResult 单次执行结果
type GenerationResult struct {
	RequestID   string    `json:"request_id"`
	BackendUsed string    `json:"backend_used,omitempty"`
	FromCache   bool      `json:"from_cache"`
	LatencyMS   float64   `json:"latency_ms"`
	Attempts    int       `json:"attempts"`
	Artifact    *Artifact `json:"artifact,omitempty"`
	Err         error     `json:"-"`
}

// OK 是否成功
func (r *GenerationResult) OK() bool {
	return r != nil && r.Err == nil && r.Artifact != nil
}

// MarshalJSON 将 Err 输出为字符串
func (r GenerationResult) MarshalJSON() ([]byte, error) {
	type alias GenerationResult
	out := struct {
		alias
		Error     string    `json:"error,omitempty"`
		ErrorCode ErrorCode `json:"error_code,omitempty"`
	}{alias: alias(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
		out.ErrorCode = GetErrorCode(r.Err)
	}
	return json.Marshal(out)
}
