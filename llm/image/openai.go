package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/genflow/internal/tlsutil"
	"github.com/BaSui01/genflow/types"
)

// HTTPGenerator 调用 OpenAI 兼容的图像生成接口
type HTTPGenerator struct {
	cfg    HTTPConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPGenerator 创建 HTTP 生成后端
func NewHTTPGenerator(cfg HTTPConfig, logger *zap.Logger) *HTTPGenerator {
	defaults := DefaultHTTPConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.BackendID == "" {
		cfg.BackendID = defaults.BackendID
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPGenerator{
		cfg:    cfg,
		client: tlsutil.NewHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "http_generator"), zap.String("backend", cfg.BackendID)),
	}
}

// Name 后端 ID
func (g *HTTPGenerator) Name() string { return g.cfg.BackendID }

type imagesRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	Style          string `json:"style,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	Seed           *int64 `json:"seed,omitempty"`
}

type imagesResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		URL           string `json:"url,omitempty"`
		B64JSON       string `json:"b64_json,omitempty"`
		RevisedPrompt string `json:"revised_prompt,omitempty"`
	} `json:"data"`
}

// Generate 实现 executor.Generator
func (g *HTTPGenerator) Generate(ctx context.Context, req *types.GenerationRequest) (*types.Artifact, error) {
	p := req.Payload
	model := p.Model
	if model == "" {
		model = g.cfg.Model
	}

	body := imagesRequest{
		Model:          model,
		Prompt:         buildPrompt(p),
		N:              1,
		Quality:        p.Quality,
		Style:          p.Style,
		ResponseFormat: "b64_json",
		Seed:           p.Seed,
	}
	if p.Width > 0 && p.Height > 0 {
		body.Size = fmt.Sprintf("%dx%d", p.Width, p.Height)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal image request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(g.cfg.BaseURL, "/")+"/v1/images/generations",
		bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if g.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("image request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, mapStatusError(g.cfg.BackendID, resp.StatusCode, errBody)
	}

	var iResp imagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&iResp); err != nil {
		return nil, fmt.Errorf("failed to decode image response: %w", err)
	}
	if len(iResp.Data) == 0 {
		return nil, types.NewError(types.ErrBackendCallFailed, "image response contained no data").
			WithBackend(g.cfg.BackendID)
	}

	first := iResp.Data[0]
	art := &types.Artifact{
		Backend:   g.cfg.BackendID,
		URL:       first.URL,
		Metadata:  map[string]string{"model": model},
		CreatedAt: time.Now(),
	}
	if iResp.Created > 0 {
		art.CreatedAt = time.Unix(iResp.Created, 0)
	}
	if first.RevisedPrompt != "" {
		art.Metadata["revised_prompt"] = first.RevisedPrompt
	}
	if first.B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(first.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("decode b64_json: %w", err)
		}
		art.Data = data
		art.ContentType = http.DetectContentType(data)
	}

	g.logger.Debug("image generated",
		zap.String("request_id", req.ID),
		zap.String("model", model),
		zap.Int("bytes", len(art.Data)))
	return art, nil
}

// buildPrompt 负向提示词拼在末尾，OpenAI 接口没有独立字段
func buildPrompt(p types.Payload) string {
	if p.NegativePrompt == "" {
		return p.Prompt
	}
	return p.Prompt + "\nAvoid: " + p.NegativePrompt
}

// mapStatusError 429 与 5xx 可重试；其余 4xx 是请求本身的问题
func mapStatusError(backend string, status int, body []byte) error {
	msg := fmt.Sprintf("image backend returned status=%d body=%s", status, strings.TrimSpace(string(body)))
	switch {
	case status == http.StatusTooManyRequests:
		return types.NewError(types.ErrBackendCallFailed, msg).
			WithHTTPStatus(status).WithRetryable(true).WithBackend(backend)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		// 凭证失效属于后端故障，计入健康度但不重试
		return types.NewError(types.ErrBackendCallFailed, msg).
			WithHTTPStatus(status).WithRetryable(false).WithBackend(backend)
	case status >= 400 && status < 500:
		return types.NewError(types.ErrInvalidRequest, msg).
			WithHTTPStatus(status).WithRetryable(false).WithBackend(backend)
	default:
		return types.NewError(types.ErrBackendCallFailed, msg).
			WithHTTPStatus(status).WithRetryable(true).WithBackend(backend)
	}
}
