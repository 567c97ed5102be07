// Package util 收集了几个被多个包共用的小工具。
package util

import (
	"container/list"
	"sync"
	"time"
)

type lruEntry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time // 零值表示永不过期
}

// LRU 是一个并发安全、带可选 TTL 的定长缓存。注册表用它缓存订阅查询与编译后的 glob。
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	ll       *list.List
	items    map[K]*list.Element
}

// LRUOption 调整缓存行为。
type LRUOption[K comparable, V any] func(*LRU[K, V])

// WithLRUClock 替换时钟，测试用。
func WithLRUClock[K comparable, V any](now func() time.Time) LRUOption[K, V] {
	return func(c *LRU[K, V]) { c.now = now }
}

// NewLRU 创建缓存。capacity <= 0 时按 1 处理；ttl 为 0 表示条目不过期。
func NewLRU[K comparable, V any](capacity int, ttl time.Duration, opts ...LRUOption[K, V]) *LRU[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	c := &LRU[K, V]{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		ll:       list.New(),
		items:    make(map[K]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get 返回未过期的值，并把它标记为最近使用。过期条目在这里被动淘汰。
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*lruEntry[K, V])
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		c.removeElement(el)
		return zero, false
	}
	c.ll.MoveToFront(el)
	return e.value, true
}

// Add 插入或更新一个值，并刷新它的过期时间。
func (c *LRU[K, V]) Add(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}
	if el, ok := c.items[key]; ok {
		e := el.Value.(*lruEntry[K, V])
		e.value, e.expiresAt = value, expiresAt
		c.ll.MoveToFront(el)
		return
	}
	c.items[key] = c.ll.PushFront(&lruEntry[K, V]{key: key, value: value, expiresAt: expiresAt})
	for c.ll.Len() > c.capacity {
		c.removeElement(c.ll.Back())
	}
}

// Remove 删除一个键，返回它是否存在。
func (c *LRU[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if ok {
		c.removeElement(el)
	}
	return ok
}

// Purge 清空缓存。注册表数据变更后调用。
func (c *LRU[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[K]*list.Element)
}

// Len 返回当前条目数，包括尚未被淘汰的过期条目。
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// 调用方需持有锁。
func (c *LRU[K, V]) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*lruEntry[K, V]).key)
}
