package image

import "time"

// HTTPConfig 配置 OpenAI 兼容的图像生成端点
type HTTPConfig struct {
	BackendID string        `json:"backend_id" yaml:"backend_id"`
	APIKey    string        `json:"api_key" yaml:"api_key"`
	BaseURL   string        `json:"base_url" yaml:"base_url"`
	Model     string        `json:"model,omitempty" yaml:"model,omitempty"` // dall-e-3, gpt-image-1
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// DefaultHTTPConfig 返回默认配置
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		BackendID: "openai-image",
		BaseURL:   "https://api.openai.com",
		Model:     "dall-e-3",
		Timeout:   120 * time.Second,
	}
}
