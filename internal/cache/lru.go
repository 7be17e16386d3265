package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/costflow/internal/clock"
)

type entry[K comparable, V any] struct {
	key       K
	value     V
	createdAt time.Time
	expiresAt time.Time
}

// LRU is a capacity bounded cache with per-entry absolute expiry. Get refreshes
// recency, so it takes the write lock.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	clock    clock.Clock
	order    *list.List
	items    map[K]*list.Element
	onEvict  func(K, V)
}

func NewLRU[K comparable, V any](capacity int, clk clock.Clock, onEvict func(K, V)) *LRU[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRU[K, V]{
		capacity: capacity,
		clock:    clk,
		order:    list.New(),
		items:    make(map[K]*list.Element, capacity),
		onEvict:  onEvict,
	}
}

func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if !c.clock.Now().Before(e.expiresAt) {
		c.removeElement(el)
		return zero, false
	}
	c.order.MoveToFront(el)
	return e.value, true
}

// Set stores value until expiresAt, evicting the least recently used entry when full.
func (c *LRU[K, V]) Set(key K, value V, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		e.value = value
		e.createdAt = now
		e.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		e := c.removeElement(oldest)
		if c.onEvict != nil {
			c.onEvict(e.key, e.value)
		}
	}
	el := c.order.PushFront(&entry[K, V]{key: key, value: value, createdAt: now, expiresAt: expiresAt})
	c.items[key] = el
}

// ExpiresAt reports the stored expiry of a live entry.
func (c *LRU[K, V]) ExpiresAt(key K) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return time.Time{}, false
	}
	return el.Value.(*entry[K, V]).expiresAt, true
}

func (c *LRU[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// DeleteFunc removes every entry matching match and returns how many were removed.
func (c *LRU[K, V]) DeleteFunc(match func(K, V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry[K, V])
		if match(e.key, e.value) {
			c.removeElement(el)
			removed++
		}
		el = next
	}
	return removed
}

func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *LRU[K, V]) removeElement(el *list.Element) *entry[K, V] {
	e := c.order.Remove(el).(*entry[K, V])
	delete(c.items, e.key)
	return e
}

// Key joins the trimmed, lowercased non-empty parts with "|".
func Key(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
