package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-chargepoint/internal/ports"
)

func TestLocalCache_SetGet(t *testing.T) {
	c := NewLocalCache(time.Minute, zap.NewNop())
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "tag", "Accepted", 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	val, err := c.Get(ctx, "tag")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "Accepted" {
		t.Errorf("expected 'Accepted', got '%s'", val)
	}
}

func TestLocalCache_Miss(t *testing.T) {
	c := NewLocalCache(time.Minute, zap.NewNop())
	defer c.Close()

	_, err := c.Get(context.Background(), "absent")
	if !errors.Is(err, ports.ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss, got %v", err)
	}
}

func TestLocalCache_Expiry(t *testing.T) {
	c := NewLocalCache(time.Minute, zap.NewNop())
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "tag", "Accepted", time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := c.Get(ctx, "tag"); !errors.Is(err, ports.ErrCacheMiss) {
		t.Errorf("expected expired entry to miss, got %v", err)
	}
}

func TestLocalCache_StructValuesAreJSON(t *testing.T) {
	c := NewLocalCache(time.Minute, zap.NewNop())
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", map[string]string{"status": "Blocked"}, 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	val, _ := c.Get(ctx, "k")
	if val != `{"status":"Blocked"}` {
		t.Errorf("unexpected encoding: %s", val)
	}
}

func TestLocalCache_PurgeDropsExpired(t *testing.T) {
	c := NewLocalCache(time.Hour, zap.NewNop())
	defer c.Close()
	ctx := context.Background()

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if err := c.Set(ctx, "short", "Accepted", time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := c.Set(ctx, "forever", "Accepted", 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if dropped := c.purge(); dropped != 1 {
		t.Errorf("expected 1 dropped entry, got %d", dropped)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 remaining entry, got %d", c.Len())
	}
	if _, err := c.Get(ctx, "forever"); err != nil {
		t.Errorf("entry without expiry should survive, got %v", err)
	}
}

func TestLocalCache_CloseIsIdempotent(t *testing.T) {
	c := NewLocalCache(time.Minute, zap.NewNop())
	if err := c.Ping(); err != nil {
		t.Fatalf("Ping on open cache failed: %v", err)
	}
	c.Close()
	c.Close()
	if err := c.Ping(); err == nil {
		t.Error("expected Ping to fail after Close")
	}
}
