// Package cache implements the role-scoped semantic answer cache.
//
// Keys are derived from a normalized form of the query plus the caller's role
// and the target model. Scoping keys by role prevents a cached answer
// produced under one role's context from leaking to another role. The cache
// is bounded (LRU) with per-entry TTL, and a single-flight group collapses
// concurrent misses on the same key into one upstream call.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/sync/singleflight"
)

// DefaultCapacity bounds the number of live entries when no capacity is given.
const DefaultCapacity = 1024

// Entry is one cached answer. Entries handed to callers are copies; the
// cache's own entry is never exposed for mutation.
type Entry struct {
	Key       string    `json:"key"`
	Answer    string    `json:"answer"`
	Model     string    `json:"model"`
	Sources   []string  `json:"sources,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	HitCount  int64     `json:"hit_count"`
}

// Key derives the deterministic cache key for a query. Two queries that
// differ only in case, punctuation, or whitespace share a key; queries from
// different roles or against different models never do.
func Key(role, model, text string) string {
	h := sha256.Sum256([]byte(role + "\x00" + model + "\x00" + Normalize(text)))
	return hex.EncodeToString(h[:])
}

// Normalize lowercases the text, strips punctuation, and collapses runs of
// whitespace to single spaces.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			space = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			// dropped
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Cache is a bounded LRU with per-entry TTL. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List // front = most recently used

	group singleflight.Group
}

type lruItem struct {
	key    string
	entry  Entry
	stored time.Time
}

// New creates a cache. ttl <= 0 means entries never expire by age.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Lookup returns a copy of the entry for key, or false on miss. A hit bumps
// the entry's recency and hit count; an expired entry is removed and reported
// as a miss.
func (c *Cache) Lookup(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	item := el.Value.(*lruItem)
	if c.expired(item, time.Now()) {
		c.removeLocked(el)
		return nil, false
	}

	item.entry.HitCount++
	c.order.MoveToFront(el)

	cp := item.entry
	cp.Sources = append([]string(nil), item.entry.Sources...)
	return &cp, true
}

// Store inserts or replaces the entry for key. Replacement is whole-entry and
// idempotent: storing the same answer twice leaves one entry, and concurrent
// stores resolve to last-store-wins. The stored entry starts with the hit
// count the caller provides (normally zero).
func (c *Cache) Store(key string, entry Entry) {
	entry.Key = key
	entry.Sources = append([]string(nil), entry.Sources...)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*lruItem).entry = entry
		el.Value.(*lruItem).stored = time.Now()
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&lruItem{key: key, entry: entry, stored: time.Now()})
	c.items[key] = el

	for c.order.Len() > c.capacity {
		c.removeLocked(c.order.Back())
	}
}

// Do runs fn under single-flight for key: when N goroutines miss on the same
// key concurrently, fn executes once and all N receive its result.
func (c *Cache) Do(key string, fn func() (*Entry, error)) (*Entry, error) {
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	entry, ok := v.(*Entry)
	if !ok {
		return nil, fmt.Errorf("cache: unexpected single-flight result type %T", v)
	}
	return entry, nil
}

// Sweep removes every expired entry and returns how many were dropped.
// Intended for a periodic job; lookups also evict lazily.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*lruItem), now) {
			c.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

// Len returns the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) expired(item *lruItem, now time.Time) bool {
	return c.ttl > 0 && now.Sub(item.stored) >= c.ttl
}

func (c *Cache) removeLocked(el *list.Element) {
	item := el.Value.(*lruItem)
	delete(c.items, item.key)
	c.order.Remove(el)
}
