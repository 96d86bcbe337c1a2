package router

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/genflow/llm/retry"
	"github.com/BaSui01/genflow/types"
)

// Config 路由配置
type Config struct {
	Weights          Weights      `yaml:"weights" json:"weights"`
	FailureThreshold int          `yaml:"failure_threshold" json:"failure_threshold"` // 连续失败达到该值后进入冷却
	Cooldown         retry.Policy `yaml:"cooldown" json:"cooldown"`                   // 冷却时长退避策略
	Alpha            float64      `yaml:"alpha" json:"alpha"`                         // EWMA 平滑系数
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Weights:          DefaultWeights(),
		FailureThreshold: 3,
		Cooldown: retry.Policy{
			InitialDelay: 5 * time.Second,
			MaxDelay:     5 * time.Minute,
			Multiplier:   2.0,
		},
		Alpha: 0.2,
	}
}

// SelectRequest 选择请求
type SelectRequest struct {
	Preferred string
	Exclude   map[string]bool
}

// Selection 选择结果
type Selection struct {
	BackendID string  `json:"backend_id"`
	Score     float64 `json:"score"`
	Reason    string  `json:"reason"`
}

// 选择原因
const (
	ReasonPreferred = "preferred"
	ReasonScore     = "weighted_score"
	ReasonFailOpen  = "fail_open"
	ReasonReselect  = "reselect_tried"
)

// DefaultSuccessRate 未知成功率的初始值
const DefaultSuccessRate = 1.0

// Observer 路由事件回调
type Observer interface {
	ObserveBackendCall(backend string, success bool, latency time.Duration)
	ObserveCooldown(backend string)
}

// Option 路由选项
type Option func(*BackendRouter)

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(r *BackendRouter) {
		if now != nil {
			r.now = now
		}
	}
}

// WithObserver 注册事件回调
func WithObserver(o Observer) Option {
	return func(r *BackendRouter) { r.observer = o }
}

// BackendRouter 按健康、质量与成本选择后端，并自动隔离故障后端。
// 所有描述符的读写在同一把锁下串行完成
type BackendRouter struct {
	mu       sync.Mutex
	backends map[string]*BackendDescriptor
	cfg      Config
	now      func() time.Time
	observer Observer
	logger   *zap.Logger
}

// NewBackendRouter 创建路由器
func NewBackendRouter(cfg Config, logger *zap.Logger, opts ...Option) *BackendRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = defaults.Alpha
	}
	if cfg.Cooldown.InitialDelay <= 0 {
		cfg.Cooldown = defaults.Cooldown
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = defaults.Weights
	}

	r := &BackendRouter{
		backends: make(map[string]*BackendDescriptor),
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With(zap.String("component", "backend_router")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register 注册或替换后端，SuccessRate 按原值使用。
// 没有历史数据的后端应使用 DefaultSuccessRate
func (r *BackendRouter) Register(d BackendDescriptor) error {
	if d.Priority == "" {
		d.Priority = PriorityMedium
	}
	if err := d.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cp := d.clone()
	r.backends[d.ID] = &cp
	r.logger.Info("backend registered",
		zap.String("backend", d.ID),
		zap.String("priority", string(d.Priority)),
		zap.Float64("quality", d.QualityScore),
		zap.Float64("cost", d.CostPerCall))
	return nil
}

// Select 选择后端：
// 过滤冷却 -> 首选优先 -> 按分数选最高（同分取延迟最低）。
// 未排除的后端都在冷却时，从已排除但健康的后端中重选；
// 只有全部已注册后端都在冷却时才重置冷却并重试一次
func (r *BackendRouter) Select(req SelectRequest) (Selection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make([]*BackendDescriptor, 0, len(r.backends))
	for id, d := range r.backends {
		if req.Exclude[id] {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		if len(r.backends) == 0 {
			return Selection{}, types.NewError(types.ErrBackendUnavailable, "no generation backends registered")
		}
		return Selection{}, types.NewError(types.ErrBackendUnavailable, "all generation backends excluded")
	}

	now := r.now()
	if sel, ok := r.pickLocked(candidates, req.Preferred, now); ok {
		return sel, nil
	}

	if len(candidates) < len(r.backends) {
		all := make([]*BackendDescriptor, 0, len(r.backends))
		for _, d := range r.backends {
			all = append(all, d)
		}
		if sel, ok := r.pickLocked(all, req.Preferred, now); ok {
			sel.Reason = ReasonReselect
			return sel, nil
		}
	}

	r.logger.Warn("all backends in cooldown, resetting cooldowns",
		zap.Int("backends", len(r.backends)))
	r.resetCooldownsLocked()

	sel, ok := r.pickLocked(candidates, req.Preferred, now)
	if !ok {
		return Selection{}, types.NewError(types.ErrBackendUnavailable, "no generation backend available after cooldown reset")
	}
	if sel.Reason == ReasonScore {
		sel.Reason = ReasonFailOpen
	}
	return sel, nil
}

func (r *BackendRouter) pickLocked(candidates []*BackendDescriptor, preferred string, now time.Time) (Selection, bool) {
	available := make([]*BackendDescriptor, 0, len(candidates))
	for _, d := range candidates {
		if !d.InCooldown(now) {
			available = append(available, d)
		}
	}
	if len(available) == 0 {
		return Selection{}, false
	}

	if preferred != "" {
		for _, d := range available {
			if d.ID == preferred {
				return Selection{BackendID: d.ID, Score: r.cfg.Weights.Score(d), Reason: ReasonPreferred}, true
			}
		}
	}

	sort.Slice(available, func(i, j int) bool {
		a, b := available[i], available[j]
		sa, sb := r.cfg.Weights.Score(a), r.cfg.Weights.Score(b)
		if sa != sb {
			return sa > sb
		}
		if a.AvgLatencyMS != b.AvgLatencyMS {
			return a.AvgLatencyMS < b.AvgLatencyMS
		}
		if a.Priority.rank() != b.Priority.rank() {
			return a.Priority.rank() < b.Priority.rank()
		}
		return a.ID < b.ID
	})

	best := available[0]
	return Selection{BackendID: best.ID, Score: r.cfg.Weights.Score(best), Reason: ReasonScore}, true
}

// ReportSuccess 成功：成功率向 1.0 靠拢，清零连续失败并解除冷却
func (r *BackendRouter) ReportSuccess(id string, latency time.Duration) {
	r.mu.Lock()
	d, ok := r.backends[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	alpha := r.cfg.Alpha
	ms := float64(latency) / float64(time.Millisecond)
	d.SuccessRate += alpha * (1 - d.SuccessRate)
	if d.AvgLatencyMS <= 0 {
		d.AvgLatencyMS = ms
	} else {
		d.AvgLatencyMS = alpha*ms + (1-alpha)*d.AvgLatencyMS
	}
	d.ConsecutiveFailures = 0
	d.CooldownUntil = nil
	d.TotalCalls++
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.ObserveBackendCall(id, true, latency)
	}
}

// ReportFailure 失败：成功率衰减，连续失败达到阈值后按指数退避进入冷却。
// 客户端错误不计入健康度
func (r *BackendRouter) ReportFailure(id string, latency time.Duration, err error) {
	r.mu.Lock()
	d, ok := r.backends[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	d.TotalCalls++
	if err != nil {
		d.LastError = err.Error()
	}
	if isClientError(err) {
		r.mu.Unlock()
		r.logger.Debug("client error not counted against backend health",
			zap.String("backend", id), zap.Error(err))
		return
	}

	d.TotalFailures++
	d.SuccessRate *= 1 - r.cfg.Alpha
	d.ConsecutiveFailures++

	var until time.Time
	enteredCooldown := false
	if d.ConsecutiveFailures >= r.cfg.FailureThreshold {
		step := d.ConsecutiveFailures - r.cfg.FailureThreshold + 1
		until = r.now().Add(r.cfg.Cooldown.Delay(step))
		d.CooldownUntil = &until
		enteredCooldown = true
	}
	failures := d.ConsecutiveFailures
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.ObserveBackendCall(id, false, latency)
	}
	if enteredCooldown {
		r.logger.Warn("backend entered cooldown",
			zap.String("backend", id),
			zap.Int("consecutive_failures", failures),
			zap.Time("cooldown_until", until),
			zap.Error(err))
		if r.observer != nil {
			r.observer.ObserveCooldown(id)
		}
	}
}

// ResetCooldowns 清除所有冷却
func (r *BackendRouter) ResetCooldowns() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetCooldownsLocked()
}

func (r *BackendRouter) resetCooldownsLocked() {
	for _, d := range r.backends {
		d.CooldownUntil = nil
	}
}

// Get 返回后端描述符副本
func (r *BackendRouter) Get(id string) (BackendDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.backends[id]
	if !ok {
		return BackendDescriptor{}, false
	}
	return d.clone(), true
}

// Snapshot 返回全部描述符副本，按 ID 排序
func (r *BackendRouter) Snapshot() []BackendDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BackendDescriptor, 0, len(r.backends))
	for _, d := range r.backends {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Available 当前未冷却的后端 ID
func (r *BackendRouter) Available() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	ids := make([]string, 0, len(r.backends))
	for id, d := range r.backends {
		if !d.InCooldown(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len 已注册后端数量
func (r *BackendRouter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.backends)
}

// isClientError 判断错误是否为客户端错误（不应计入后端失败）
func isClientError(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := types.AsError(err); ok {
		return e.Code == types.ErrInvalidRequest
	}
	msg := err.Error()
	for _, code := range []string{"INVALID_REQUEST", "CONTENT_FILTERED", "UNAUTHORIZED", "FORBIDDEN"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}
