package cache

import (
	"context"
	"sync"
	"time"

	"github.com/tidwall/match"
)

// TierMemory 第一层名称
const TierMemory = "memory"

// ============================================================
// LRU 本地缓存实现（使用双向链表实现 O(1) 操作）
// ============================================================

// LRUOption LRU 选项
type LRUOption func(*LRUCache)

// WithLRUClock 替换时钟
func WithLRUClock(now func() time.Time) LRUOption {
	return func(c *LRUCache) {
		if now != nil {
			c.now = now
		}
	}
}

// LRUCache 容量受限的进程内缓存
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*lruNode
	head     *lruNode // 最近使用
	tail     *lruNode // 最久未使用
	now      func() time.Time
	onEvict  func(key string)

	evictions int64
	expired   int64
}

type lruNode struct {
	entry *Entry
	prev  *lruNode
	next  *lruNode
}

// NewLRUCache 创建 LRU，capacity <= 0 时取 1
func NewLRUCache(capacity int, opts ...LRUOption) *LRUCache {
	if capacity <= 0 {
		capacity = 1
	}
	c := &LRUCache{
		capacity: capacity,
		items:    make(map[string]*lruNode, capacity),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name 实现 Tier
func (c *LRUCache) Name() string { return TierMemory }

// OnEvict 注册容量淘汰回调，回调在锁外执行
func (c *LRUCache) OnEvict(fn func(key string)) {
	c.mu.Lock()
	c.onEvict = fn
	c.mu.Unlock()
}

// Get 命中时返回副本并移动到头部；过期条目视为未命中并移除
func (c *LRUCache) Get(_ context.Context, key string) (*Entry, bool, error) {
	e, ok := c.Lookup(key)
	return e, ok, nil
}

// Lookup 同步读取
func (c *LRUCache) Lookup(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.items[key]
	if !ok {
		return nil, false
	}

	if node.entry.Expired(c.now()) {
		c.removeNode(node)
		delete(c.items, key)
		c.expired++
		return nil, false
	}

	c.moveToHead(node)
	node.entry.HitCount++
	return node.entry.Clone(), true
}

// Set 实现 Tier
func (c *LRUCache) Set(_ context.Context, entry *Entry) error {
	c.Store(entry)
	return nil
}

// Store 写入副本；满容量时先淘汰最久未使用的条目
func (c *LRUCache) Store(entry *Entry) {
	if entry == nil {
		return
	}
	cp := entry.Clone()

	c.mu.Lock()
	if node, ok := c.items[cp.Key]; ok {
		node.entry = cp
		c.moveToHead(node)
		c.mu.Unlock()
		return
	}

	var evicted string
	if len(c.items) >= c.capacity {
		evicted = c.evictTail()
	}

	node := &lruNode{entry: cp}
	c.items[cp.Key] = node
	c.addToHead(node)
	hook := c.onEvict
	c.mu.Unlock()

	if evicted != "" && hook != nil {
		hook(evicted)
	}
}

// Delete 实现 Tier
func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.Remove(key)
	return nil
}

// Remove 删除键，返回是否存在
func (c *LRUCache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeNode(node)
	delete(c.items, key)
	return true
}

// Keys 返回匹配 glob 模式的未过期键
func (c *LRUCache) Keys(pattern string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	keys := make([]string, 0)
	for k, node := range c.items {
		if node.entry.Expired(now) {
			continue
		}
		if match.Match(k, pattern) {
			keys = append(keys, k)
		}
	}
	return keys
}

// ListKeys 实现 Enumerator
func (c *LRUCache) ListKeys(_ context.Context, pattern string) ([]string, error) {
	return c.Keys(pattern), nil
}

// Sweep 实现 Sweeper，移除所有已过期条目
func (c *LRUCache) Sweep(_ context.Context, now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for node := c.tail; node != nil; {
		prev := node.prev
		if node.entry.Expired(now) {
			c.removeNode(node)
			delete(c.items, node.entry.Key)
			removed++
		}
		node = prev
	}
	c.expired += int64(removed)
	return removed, nil
}

// Clear 清空
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*lruNode, c.capacity)
	c.head = nil
	c.tail = nil
}

// addToHead 添加节点到头部 O(1)
func (c *LRUCache) addToHead(node *lruNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

// removeNode 从链表中摘除节点 O(1)
func (c *LRUCache) removeNode(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
	node.prev, node.next = nil, nil
}

func (c *LRUCache) moveToHead(node *lruNode) {
	if node == c.head {
		return
	}
	c.removeNode(node)
	c.addToHead(node)
}

// evictTail 淘汰尾部节点，返回被淘汰的键
func (c *LRUCache) evictTail() string {
	if c.tail == nil {
		return ""
	}
	key := c.tail.entry.Key
	delete(c.items, key)
	c.removeNode(c.tail)
	c.evictions++
	return key
}

// LRUStats LRU 统计
type LRUStats struct {
	Size      int   `json:"size"`
	Capacity  int   `json:"capacity"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

// Stats 返回统计
func (c *LRUCache) Stats() LRUStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return LRUStats{
		Size:      len(c.items),
		Capacity:  c.capacity,
		Evictions: c.evictions,
		Expired:   c.expired,
	}
}
