package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestReady_AllHealthy(t *testing.T) {
	s := NewService(Config{Version: "v1", BootNr: 3}, zap.NewNop())
	s.RegisterPing("store", func(ctx context.Context) error { return nil })
	s.RegisterDegradable("central_system", func() bool { return true })

	resp := s.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Len(t, resp.Checks, 2)

	assert.Equal(t, 3, s.Health(context.Background()).BootNr)
}

func TestReady_DisconnectedCentralSystemDegrades(t *testing.T) {
	s := NewService(Config{}, zap.NewNop())
	s.RegisterPing("store", func(ctx context.Context) error { return nil })
	s.RegisterDegradable("central_system", func() bool { return false })

	resp := s.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Equal(t, "disconnected", resp.Checks["central_system"].Message)
}

func TestReady_FailedPingIsUnready(t *testing.T) {
	s := NewService(Config{}, zap.NewNop())
	s.RegisterPing("cache", func(ctx context.Context) error { return errors.New("connection refused") })
	s.RegisterDegradable("central_system", func() bool { return false })

	resp := s.Ready(context.Background())
	assert.False(t, resp.Ready)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Checks["cache"].Message, "connection refused")
}
