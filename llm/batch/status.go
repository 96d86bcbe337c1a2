package batch

import (
	"math"
	"strings"

	"github.com/BaSui01/genflow/types"
)

// Strategy 批次执行策略
type Strategy string

const (
	StrategyParallel   Strategy = "PARALLEL"
	StrategyGrouped    Strategy = "GROUPED"
	StrategySequential Strategy = "SEQUENTIAL"
)

// ParseStrategy 解析 strategy_hint，大小写不敏感
func ParseStrategy(hint string) (Strategy, error) {
	switch Strategy(strings.ToUpper(strings.TrimSpace(hint))) {
	case StrategyParallel:
		return StrategyParallel, nil
	case StrategyGrouped:
		return StrategyGrouped, nil
	case StrategySequential:
		return StrategySequential, nil
	default:
		return "", types.NewInvalidRequestError("unknown strategy hint %q", hint)
	}
}

// ItemState 条目状态
type ItemState string

const (
	ItemPending    ItemState = "PENDING"
	ItemProcessing ItemState = "PROCESSING"
	ItemCompleted  ItemState = "COMPLETED"
	ItemFailed     ItemState = "FAILED"
)

// Terminal 终态不可再迁移
func (s ItemState) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed
}

// canTransition PENDING -> PROCESSING -> {COMPLETED | FAILED}；
// 未开始的条目可以直接失败（取消或超时）
func canTransition(from, to ItemState) bool {
	switch from {
	case ItemPending:
		return to == ItemProcessing || to == ItemFailed
	case ItemProcessing:
		return to == ItemCompleted || to == ItemFailed
	default:
		return false
	}
}

// Status 批次聚合状态
type Status string

const (
	StatusPending             Status = "PENDING"
	StatusProcessing          Status = "PROCESSING"
	StatusCompleted           Status = "COMPLETED"
	StatusFailed              Status = "FAILED"
	StatusCompletedWithErrors Status = "COMPLETED_WITH_ERRORS"
)

// Progress 批次进度
type Progress struct {
	Total      int    `json:"total"`
	Completed  int    `json:"completed"`
	Processing int    `json:"processing"`
	Pending    int    `json:"pending"`
	Failed     int    `json:"failed"`
	Percentage int    `json:"percentage"`
	Status     Status `json:"status"`
}

// Done 所有条目都已到达终态
func (p Progress) Done() bool {
	return p.Total > 0 && p.Completed+p.Failed == p.Total
}

// Derive 从条目状态计算聚合进度，是纯函数
func Derive(states []ItemState) Progress {
	p := Progress{Total: len(states)}
	for _, s := range states {
		switch s {
		case ItemCompleted:
			p.Completed++
		case ItemFailed:
			p.Failed++
		case ItemProcessing:
			p.Processing++
		default:
			p.Pending++
		}
	}

	if p.Total > 0 {
		p.Percentage = int(math.Round(100 * float64(p.Completed) / float64(p.Total)))
	}

	switch {
	case p.Total == 0:
		p.Status = StatusPending
	case p.Completed == p.Total:
		p.Status = StatusCompleted
	case p.Failed == p.Total:
		p.Status = StatusFailed
	case p.Processing > 0:
		p.Status = StatusProcessing
	case p.Completed+p.Failed == p.Total:
		p.Status = StatusCompletedWithErrors
	default:
		p.Status = StatusPending
	}
	return p
}

// Policy 按批次大小选择策略的阈值
type Policy struct {
	ParallelMax int `yaml:"parallel_max" json:"parallel_max"` // 不超过该值全部并行
	GroupedMax  int `yaml:"grouped_max" json:"grouped_max"`   // 不超过该值分组执行
	GroupSize   int `yaml:"group_size" json:"group_size"`
}

// DefaultPolicy 默认阈值
func DefaultPolicy() Policy {
	return Policy{ParallelMax: 3, GroupedMax: 6, GroupSize: 3}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.ParallelMax <= 0 {
		p.ParallelMax = d.ParallelMax
	}
	if p.GroupedMax < p.ParallelMax {
		p.GroupedMax = p.ParallelMax
	}
	if p.GroupSize <= 0 {
		p.GroupSize = d.GroupSize
	}
	return p
}

// Select 按条目数量选择策略
func (p Policy) Select(n int) Strategy {
	p = p.normalized()
	switch {
	case n <= p.ParallelMax:
		return StrategyParallel
	case n <= p.GroupedMax:
		return StrategyGrouped
	default:
		return StrategySequential
	}
}

// Concurrency 策略下单个批次的并发上限（未考虑池大小）
func (p Policy) Concurrency(s Strategy, n int) int {
	p = p.normalized()
	switch s {
	case StrategySequential:
		return 1
	case StrategyGrouped:
		if n < p.GroupSize {
			return max(n, 1)
		}
		return p.GroupSize
	default:
		return max(n, 1)
	}
}
