// ABOUTME: Thread-safe TTL cache remembering inbound message ids already applied.
// ABOUTME: Lets the engine drop frames the server redelivers after a reconnect.

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/clinic-chat/internal/clock"
)

// Default limits used when the configuration leaves them unset.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 10_000
)

const cleanupInterval = time.Minute

type cacheEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a TTL-based, size-limited set of seen message ids.
// A linked list keeps insertion order so eviction of the oldest id is O(1).
type Cache struct {
	mu      sync.RWMutex
	clock   clock.Clock
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the clock used for expiry. Defaults to the system clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Cache) {
		c.clock = clk
	}
}

// New creates a cache with the given TTL and maximum size. Non-positive
// values fall back to DefaultTTL and DefaultMaxSize. A background goroutine
// removes expired entries until Close.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		clock:   clock.System(),
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.cleanup()
	return c
}

// Check returns true if id has been seen and is not expired.
func (c *Cache) Check(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[id]
	if !ok {
		return false
	}
	return c.clock.Now().Sub(entry.seenAt) < c.ttl
}

// CheckAndMark atomically checks whether id was seen and marks it if not.
// Returns true for a duplicate, false if id is new and now marked.
func (c *Cache) CheckAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[id]
	if ok && c.clock.Now().Sub(entry.seenAt) < c.ttl {
		return true
	}
	c.markLocked(id)
	return false
}

// Mark records id as seen, evicting the oldest id when full.
func (c *Cache) Mark(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(id)
}

// Len returns the number of ids held, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}

// Reset forgets every id. Used when the session is torn down.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = make(map[string]*cacheEntry)
	c.order.Init()
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(id string) {
	now := c.clock.Now()

	if entry, exists := c.seen[id]; exists {
		entry.seenAt = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(id)
	c.seen[id] = &cacheEntry{seenAt: now, element: elem}
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, id)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for id, entry := range c.seen {
		if now.Sub(entry.seenAt) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, id)
		}
	}
}

// Close stops the cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
