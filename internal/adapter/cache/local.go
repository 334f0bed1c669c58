package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-chargepoint/internal/observability/telemetry"
	"github.com/seu-repo/sigec-chargepoint/internal/ports"
)

var _ ports.Cache = (*LocalCache)(nil)

type localEntry struct {
	value    string
	deadline time.Time // zero means no expiry
}

func (e localEntry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && !now.Before(e.deadline)
}

// LocalCache keeps authorization decisions in process memory. It is the
// default on a standalone charge point; entries do not survive a restart.
type LocalCache struct {
	mu      sync.RWMutex
	entries map[string]localEntry
	now     func() time.Time
	log     *zap.Logger

	stop      chan struct{}
	closeOnce sync.Once
}

// NewLocalCache starts a sweeper that drops expired id tags every interval.
func NewLocalCache(interval time.Duration, log *zap.Logger) *LocalCache {
	if interval <= 0 {
		interval = time.Minute
	}
	c := &LocalCache{
		entries: make(map[string]localEntry),
		now:     time.Now,
		log:     log,
		stop:    make(chan struct{}),
	}
	go c.sweep(interval)

	log.Info("Local authorization cache ready", zap.Duration("sweep_interval", interval))
	return c
}

func (c *LocalCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || e.expired(c.now()) {
		telemetry.AuthCacheLookupsTotal.WithLabelValues("local", "miss").Inc()
		return "", ports.ErrCacheMiss
	}
	telemetry.AuthCacheLookupsTotal.WithLabelValues("local", "hit").Inc()
	return e.value, nil
}

func (c *LocalCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	e := localEntry{value: encoded}
	if expiration > 0 {
		e.deadline = c.now().Add(expiration)
	}

	c.mu.Lock()
	c.entries[key] = e
	size := len(c.entries)
	c.mu.Unlock()

	telemetry.AuthCacheEntries.Set(float64(size))
	return nil
}

func (c *LocalCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	size := len(c.entries)
	c.mu.Unlock()

	telemetry.AuthCacheEntries.Set(float64(size))
	return nil
}

// Len counts stored entries, including expired ones not yet swept.
func (c *LocalCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *LocalCache) Ping() error {
	select {
	case <-c.stop:
		return fmt.Errorf("local cache closed")
	default:
		return nil
	}
}

func (c *LocalCache) Close() error {
	c.closeOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *LocalCache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.purge(); n > 0 {
				c.log.Debug("Dropped expired id tags", zap.Int("count", n))
			}
		}
	}
}

func (c *LocalCache) purge() int {
	now := c.now()

	c.mu.Lock()
	dropped := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			dropped++
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	telemetry.AuthCacheEntries.Set(float64(size))
	return dropped
}

// encodeValue stores strings and bytes as-is and everything else as JSON,
// so both backends hold the same representation.
func encodeValue(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode cache value: %w", err)
		}
		return string(data), nil
	}
}
