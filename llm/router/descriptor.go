package router

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/genflow/types"
)

// Priority 后端优先级，分数与延迟都相同时 HIGH 优先
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// ParsePriority 解析优先级，空串视为 MEDIUM
func ParsePriority(s string) (Priority, error) {
	switch Priority(strings.ToUpper(strings.TrimSpace(s))) {
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityMedium, "":
		return PriorityMedium, nil
	case PriorityLow:
		return PriorityLow, nil
	default:
		return "", types.NewInvalidRequestError("unknown backend priority %q", s)
	}
}

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// BackendDescriptor 后端健康、质量与成本状态
type BackendDescriptor struct {
	ID                  string     `json:"id"`
	Priority            Priority   `json:"priority"`
	CostPerCall         float64    `json:"cost_per_call"`
	QualityScore        float64    `json:"quality_score"`
	AvgLatencyMS        float64    `json:"avg_latency_ms"`
	SuccessRate         float64    `json:"success_rate"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`

	TotalCalls    int64  `json:"total_calls"`
	TotalFailures int64  `json:"total_failures"`
	LastError     string `json:"last_error,omitempty"`
}

// InCooldown 冷却期内不参与选择
func (d *BackendDescriptor) InCooldown(now time.Time) bool {
	return d.CooldownUntil != nil && now.Before(*d.CooldownUntil)
}

func (d *BackendDescriptor) clone() BackendDescriptor {
	cp := *d
	if d.CooldownUntil != nil {
		until := *d.CooldownUntil
		cp.CooldownUntil = &until
	}
	return cp
}

func (d *BackendDescriptor) validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return types.NewInvalidRequestError("backend id is required")
	}
	if d.SuccessRate < 0 || d.SuccessRate > 1 {
		return types.NewInvalidRequestError("backend %q: success_rate must be within [0,1], got %v", d.ID, d.SuccessRate)
	}
	if d.CostPerCall < 0 || d.QualityScore < 0 || d.AvgLatencyMS < 0 {
		return types.NewInvalidRequestError("backend %q: cost, quality and latency must be non-negative", d.ID)
	}
	if _, err := ParsePriority(string(d.Priority)); err != nil {
		return fmt.Errorf("backend %q: %w", d.ID, err)
	}
	return nil
}

// Weights 评分权重
// score = quality*Quality + (1/latency_ms)*Latency + success_rate*Reliability - cost*Cost
type Weights struct {
	Quality     float64 `yaml:"quality" json:"quality"`
	Latency     float64 `yaml:"latency" json:"latency"`
	Reliability float64 `yaml:"reliability" json:"reliability"`
	Cost        float64 `yaml:"cost" json:"cost"`
}

// DefaultWeights 默认权重
func DefaultWeights() Weights {
	return Weights{
		Quality:     1.0,
		Latency:     200.0,
		Reliability: 1.0,
		Cost:        1.0,
	}
}

// minLatencyMS 避免 1/0
const minLatencyMS = 1.0

// Score 计算后端得分
func (w Weights) Score(d *BackendDescriptor) float64 {
	latency := d.AvgLatencyMS
	if latency < minLatencyMS {
		latency = minLatencyMS
	}
	return d.QualityScore*w.Quality +
		(1/latency)*w.Latency +
		d.SuccessRate*w.Reliability -
		d.CostPerCall*w.Cost
}
