package clock

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// MinTime is the earliest timestamp treated as real wall-clock time.
	MinTime = time.Date(2010, time.January, 1, 0, 0, 0, 0, time.UTC)

	// PrebootOrigin is where uptime-based timestamps start before the
	// clock has been synchronized.
	PrebootOrigin = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
)

// Clock tracks device time for one boot epoch. Until SetTime succeeds every
// timestamp it hands out is PrebootOrigin + uptime, which is below MinTime.
type Clock struct {
	bootNr int
	uptime func() time.Duration
	log    *zap.Logger

	mu         sync.RWMutex
	synced     bool
	syncReal   time.Time
	syncUptime time.Duration
}

type Option func(*Clock)

// WithUptime replaces the monotonic uptime source.
func WithUptime(fn func() time.Duration) Option {
	return func(c *Clock) { c.uptime = fn }
}

func New(bootNr int, log *zap.Logger, opts ...Option) *Clock {
	start := time.Now()
	c := &Clock{
		bootNr: bootNr,
		uptime: func() time.Duration { return time.Since(start) },
		log:    log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Clock) BootNr() int {
	return c.bootNr
}

func (c *Clock) Synchronized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.synced
}

func (c *Clock) Now() time.Time {
	up := c.uptime()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.synced {
		return PrebootOrigin.Add(up)
	}
	return c.syncReal.Add(up - c.syncUptime)
}

// SetTime anchors the clock to a real timestamp, typically the currentTime
// of a BootNotification or Heartbeat response. Values below MinTime are
// ignored.
func (c *Clock) SetTime(real time.Time) bool {
	if real.Before(MinTime) {
		c.log.Warn("Ignoring clock update below minimum valid time", zap.Time("time", real))
		return false
	}
	up := c.uptime()

	c.mu.Lock()
	wasSynced := c.synced
	c.synced = true
	c.syncReal = real.UTC()
	c.syncUptime = up
	c.mu.Unlock()

	if !wasSynced {
		c.log.Info("Clock synchronized",
			zap.Time("time", real),
			zap.Int("boot_nr", c.bootNr),
		)
	}
	return true
}

func (c *Clock) IsPreboot(t time.Time) bool {
	return t.Before(MinTime)
}

// AdjustPrebootTimestamp converts a pre-boot timestamp taken during this
// boot epoch into real time. Real timestamps are returned unchanged, which
// makes the mapping idempotent. Without synchronization the input is
// returned as is.
func (c *Clock) AdjustPrebootTimestamp(t time.Time) time.Time {
	if !c.IsPreboot(t) {
		return t
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.synced {
		return t
	}
	recordedUptime := t.Sub(PrebootOrigin)
	return c.syncReal.Add(recordedUptime - c.syncUptime)
}
