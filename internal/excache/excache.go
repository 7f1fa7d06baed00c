// Package excache keeps connected provider executors alive across calls.
//
// The cache is keyed by chatbot id and bounded two ways: a hard size limit
// with least-recently-used eviction, and a per-entry inactivity TTL enforced
// both on lookup and by a background cleanup sweep. Evicted executors are
// disconnected exactly once, outside the cache lock, so a slow provider
// teardown never stalls other calls.
package excache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/pkg/executor"
)

const (
	DefaultMaxSize         = 100
	DefaultInactivityTTL   = 3 * time.Hour
	DefaultCleanupInterval = 15 * time.Minute
)

// Config holds the cache tunables. Zero values select the defaults above.
type Config struct {
	MaxSize         int
	InactivityTTL   time.Duration
	CleanupInterval time.Duration
	Metrics         *observe.Metrics
	Logger          *slog.Logger
}

// EntryStats describes one cached executor for diagnostics.
type EntryStats struct {
	ChatbotID string
	IdleTime  time.Duration
}

// Stats is a point-in-time snapshot of the cache.
type Stats struct {
	Size          int
	MaxSize       int
	InactivityTTL time.Duration
	Entries       []EntryStats
}

type entry struct {
	exec         executor.Executor
	lastActivity time.Time
}

// Cache is the LRU+TTL executor cache. All methods are safe for concurrent
// use.
type Cache struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Cache and starts its cleanup goroutine.
func New(cfg Config) *Cache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.InactivityTTL <= 0 {
		cfg.InactivityTTL = DefaultInactivityTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Cache{
		cfg:     cfg,
		log:     cfg.Logger,
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get returns the cached executor for a chatbot and refreshes its activity
// timestamp. Expired entries are evicted (and disconnected) on lookup.
func (c *Cache) Get(chatbotID string) (executor.Executor, bool) {
	var expired executor.Executor

	c.mu.Lock()
	e, ok := c.entries[chatbotID]
	if ok {
		if time.Since(e.lastActivity) > c.cfg.InactivityTTL {
			expired = e.exec
			delete(c.entries, chatbotID)
			ok = false
		} else {
			e.lastActivity = time.Now()
		}
	}
	c.mu.Unlock()

	if expired != nil {
		c.log.Info("executor expired", "chatbot_id", chatbotID)
		c.gauge(-1)
		go expired.Disconnect()
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return e.exec, true
}

// Set inserts or replaces the executor for a chatbot. When the cache is full
// and the key is new, the least-recently-used entry is evicted and its
// executor disconnected.
func (c *Cache) Set(chatbotID string, exec executor.Executor) {
	var evicted executor.Executor
	var evictedID string

	c.mu.Lock()
	before := len(c.entries)
	if _, exists := c.entries[chatbotID]; !exists && len(c.entries) >= c.cfg.MaxSize {
		evictedID = c.oldestLocked()
		if evictedID != "" {
			evicted = c.entries[evictedID].exec
			delete(c.entries, evictedID)
		}
	}
	c.entries[chatbotID] = &entry{exec: exec, lastActivity: time.Now()}
	delta := len(c.entries) - before
	c.mu.Unlock()

	c.gauge(int64(delta))
	if evicted != nil {
		c.log.Info("executor evicted", "chatbot_id", evictedID)
		go evicted.Disconnect()
	}
}

// Invalidate disconnects and removes the executor for a chatbot.
func (c *Cache) Invalidate(chatbotID string) {
	c.mu.Lock()
	e, ok := c.entries[chatbotID]
	delete(c.entries, chatbotID)
	c.mu.Unlock()

	if ok {
		c.gauge(-1)
		e.exec.Disconnect()
	}
}

// Clear disconnects every cached executor and empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	old := c.entries
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	c.gauge(-int64(len(old)))
	for _, e := range old {
		e.exec.Disconnect()
	}
}

// Stats returns a snapshot of the cache contents.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:          len(c.entries),
		MaxSize:       c.cfg.MaxSize,
		InactivityTTL: c.cfg.InactivityTTL,
		Entries:       make([]EntryStats, 0, len(c.entries)),
	}
	now := time.Now()
	for id, e := range c.entries {
		s.Entries = append(s.Entries, EntryStats{
			ChatbotID: id,
			IdleTime:  now.Sub(e.lastActivity),
		})
	}
	return s
}

// Close stops the cleanup goroutine and disconnects all entries. Idempotent.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.done) })
	c.Clear()
}

// oldestLocked returns the key with the smallest lastActivity. Caller holds
// the lock.
func (c *Cache) oldestLocked() string {
	var oldestID string
	var oldest time.Time
	for id, e := range c.entries {
		if oldestID == "" || e.lastActivity.Before(oldest) {
			oldestID = id
			oldest = e.lastActivity
		}
	}
	return oldestID
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

// evictExpired removes every entry past the inactivity TTL.
func (c *Cache) evictExpired() {
	var expired []executor.Executor

	c.mu.Lock()
	now := time.Now()
	for id, e := range c.entries {
		if now.Sub(e.lastActivity) > c.cfg.InactivityTTL {
			expired = append(expired, e.exec)
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()

	c.gauge(-int64(len(expired)))
	for _, ex := range expired {
		ex.Disconnect()
	}
}

// gauge moves the cached-executors occupancy gauge by delta.
func (c *Cache) gauge(delta int64) {
	if delta == 0 {
		return
	}
	c.cfg.Metrics.CachedExecutors.Add(context.Background(), delta)
}
