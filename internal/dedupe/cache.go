// ABOUTME: Thread-safe TTL cache that remembers recently handled inbound message ids
// ABOUTME: Lets the sync engine drop a network redelivery of a message it already stored

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key  string
	seen time.Time
}

// Cache remembers keys for ttl, holding at most maxSize of them. Entries are
// kept in mark order, so expiry and eviction both pop from the front.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache. A non-positive maxSize means unbounded.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// MessageKey scopes a network message id to its tenant.
func MessageKey(tenantID, messageID string) string {
	return tenantID + "\x00" + messageID
}

// CheckAndMark marks key and reports whether it was already present.
// Check and mark happen under one lock so concurrent callers cannot both see false.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()

	if el, ok := c.index[key]; ok {
		el.Value.(*entry).seen = c.now()
		c.order.MoveToBack(el)
		return true
	}

	if c.maxSize > 0 && c.order.Len() >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seen: c.now()})
	return false
}

// Forget removes key so a redelivery of a message whose handling failed is
// processed again.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.removeLocked(el)
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()
	return c.order.Len()
}

func (c *Cache) expireLocked() {
	cutoff := c.now().Add(-c.ttl)
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if el.Value.(*entry).seen.After(cutoff) {
			return
		}
		c.removeLocked(el)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry).key)
}
