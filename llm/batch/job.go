package batch

import (
	"sync"
	"time"

	"github.com/BaSui01/genflow/types"
)

// Item 批次中的一个条目
type Item struct {
	ID         string
	Request    *types.GenerationRequest
	State      ItemState
	Result     *types.GenerationResult
	Error      string
	ErrorCode  types.ErrorCode
	StartedAt  time.Time
	FinishedAt time.Time
}

// ItemResult 条目结果快照
type ItemResult struct {
	ItemID      string          `json:"item_id"`
	State       ItemState       `json:"state"`
	Backend     string          `json:"backend,omitempty"`
	FromCache   bool            `json:"from_cache"`
	LatencyMS   float64         `json:"latency_ms"`
	Attempts    int             `json:"attempts,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorCode   types.ErrorCode `json:"error_code,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
	URL         string          `json:"url,omitempty"`
	SizeBytes   int             `json:"size_bytes,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`

	// Artifact 仅在内存中的批次可用，持久化快照不包含制品内容
	Artifact *types.Artifact `json:"-"`
}

// Snapshot 批次快照，用于持久化与 API 输出
type Snapshot struct {
	BatchID   string       `json:"batch_id"`
	Strategy  Strategy     `json:"strategy"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Progress  Progress     `json:"progress"`
	Items     []ItemResult `json:"items"`
	Version   int64        `json:"version"`
}

// Job 运行中的批次。条目状态只能通过 transition 修改，聚合状态总是现算
type Job struct {
	mu        sync.Mutex
	id        string
	strategy  Strategy
	createdAt time.Time
	updatedAt time.Time
	items     map[string]*Item
	order     []string
	version   int64

	inFlight int
	peak     int

	cancelled bool
	cancel    func()
	done      chan struct{}
}

func newJob(id string, strategy Strategy, reqs []*types.GenerationRequest, now time.Time) *Job {
	j := &Job{
		id:        id,
		strategy:  strategy,
		createdAt: now,
		updatedAt: now,
		items:     make(map[string]*Item, len(reqs)),
		order:     make([]string, 0, len(reqs)),
		done:      make(chan struct{}),
	}
	for _, r := range reqs {
		j.items[r.ID] = &Item{ID: r.ID, Request: r, State: ItemPending}
		j.order = append(j.order, r.ID)
	}
	return j
}

// ID 批次 ID
func (j *Job) ID() string { return j.id }

// Strategy 执行策略
func (j *Job) Strategy() Strategy { return j.strategy }

// Done 批次结束时关闭
func (j *Job) Done() <-chan struct{} { return j.done }

// transition 迁移条目状态，非法迁移返回 false 且不做任何修改
func (j *Job) transition(itemID string, to ItemState, now time.Time, mutate func(*Item)) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	it, ok := j.items[itemID]
	if !ok || !canTransition(it.State, to) {
		return false
	}

	from := it.State
	it.State = to
	switch {
	case to == ItemProcessing:
		it.StartedAt = now
		j.inFlight++
		if j.inFlight > j.peak {
			j.peak = j.inFlight
		}
	case to.Terminal():
		it.FinishedAt = now
		if from == ItemProcessing {
			j.inFlight--
		}
	}
	if mutate != nil {
		mutate(it)
	}
	j.updatedAt = now
	j.version++
	return true
}

// Progress 当前进度
func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progressLocked()
}

func (j *Job) progressLocked() Progress {
	states := make([]ItemState, 0, len(j.items))
	for _, it := range j.items {
		states = append(states, it.State)
	}
	return Derive(states)
}

// PeakInFlight 观察到的最大同时执行条目数
func (j *Job) PeakInFlight() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.peak
}

// unfinished 尚未到达终态的条目，按提交顺序
func (j *Job) unfinished() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var ids []string
	for _, id := range j.order {
		if !j.items[id].State.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (j *Job) isCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// Snapshot 返回批次的独立副本
func (j *Job) Snapshot() *Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := &Snapshot{
		BatchID:   j.id,
		Strategy:  j.strategy,
		CreatedAt: j.createdAt,
		UpdatedAt: j.updatedAt,
		Progress:  j.progressLocked(),
		Items:     make([]ItemResult, 0, len(j.order)),
		Version:   j.version,
	}
	for _, id := range j.order {
		s.Items = append(s.Items, j.items[id].result())
	}
	return s
}

func (it *Item) result() ItemResult {
	r := ItemResult{
		ItemID:    it.ID,
		State:     it.State,
		Error:     it.Error,
		ErrorCode: it.ErrorCode,
	}
	if !it.StartedAt.IsZero() {
		t := it.StartedAt
		r.StartedAt = &t
	}
	if !it.FinishedAt.IsZero() {
		t := it.FinishedAt
		r.FinishedAt = &t
	}
	if res := it.Result; res != nil {
		r.Backend = res.BackendUsed
		r.FromCache = res.FromCache
		r.LatencyMS = res.LatencyMS
		r.Attempts = res.Attempts
		if a := res.Artifact; a != nil {
			r.ContentType = a.ContentType
			r.URL = a.URL
			r.SizeBytes = len(a.Data)
			r.Artifact = a
		}
	}
	return r
}
