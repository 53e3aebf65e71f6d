package config

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultCacheTTL is how long a loaded configuration is served before reloading.
const DefaultCacheTTL = 5 * time.Minute

// Loader produces a fresh configuration.
type Loader func(ctx context.Context) (*Bot, error)

// FileLoader loads from path with Load.
func FileLoader(path string) Loader {
	return func(context.Context) (*Bot, error) { return Load(path) }
}

// Cache serves a configuration for a time-to-live. Invalidate forces the next Get to reload.
type Cache struct {
	mu       sync.Mutex
	load     Loader
	ttl      time.Duration
	value    *Bot
	loadedAt time.Time
	now      func() time.Time
}

// NewCache creates a cache around loader. A non-positive ttl uses DefaultCacheTTL.
func NewCache(loader Loader, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{load: loader, ttl: ttl, now: time.Now}
}

// Static returns a cache that always serves b.
func Static(b *Bot) *Cache {
	return NewCache(func(context.Context) (*Bot, error) { return b, nil }, time.Hour)
}

// Get returns the cached configuration, reloading it when expired. If a reload fails and an
// older value exists, the older value is served and the error logged.
func (c *Cache) Get(ctx context.Context) (*Bot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.value != nil && c.now().Sub(c.loadedAt) < c.ttl {
		return c.value, nil
	}
	b, err := c.load(ctx)
	if err != nil {
		if c.value != nil {
			slog.Warn("Cache.Get: reload failed, serving previous configuration", "error", err)
			c.loadedAt = c.now()
			return c.value, nil
		}
		return nil, err
	}
	c.value = b
	c.loadedAt = c.now()
	slog.Debug("Cache.Get: configuration loaded", "model", b.Model, "fidelity", b.Fidelity)
	return b, nil
}

// Invalidate drops the cached value.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = nil
	slog.Debug("Cache.Invalidate: configuration invalidated")
}
