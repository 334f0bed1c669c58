package clock

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeUptime struct {
	d time.Duration
}

func (f *fakeUptime) get() time.Duration { return f.d }

func TestClock_PrebootBeforeSync(t *testing.T) {
	up := &fakeUptime{d: 42 * time.Second}
	c := New(3, zap.NewNop(), WithUptime(up.get))

	now := c.Now()
	if !c.IsPreboot(now) {
		t.Fatalf("expected pre-boot timestamp, got %v", now)
	}
	if want := PrebootOrigin.Add(42 * time.Second); !now.Equal(want) {
		t.Errorf("expected %v, got %v", want, now)
	}
	if c.Synchronized() {
		t.Error("clock should not be synchronized")
	}
	if c.BootNr() != 3 {
		t.Errorf("expected boot nr 3, got %d", c.BootNr())
	}
}

func TestClock_SetTimeRejectsInvalid(t *testing.T) {
	c := New(1, zap.NewNop())
	if c.SetTime(time.Date(2005, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatal("expected SetTime to reject timestamp below MinTime")
	}
	if c.Synchronized() {
		t.Error("clock should stay unsynchronized")
	}
}

func TestClock_AdjustPrebootTimestamp(t *testing.T) {
	up := &fakeUptime{d: 10 * time.Second}
	c := New(1, zap.NewNop(), WithUptime(up.get))

	recorded := c.Now() // uptime 10s, pre-boot

	up.d = 70 * time.Second
	real := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if !c.SetTime(real) {
		t.Fatal("SetTime failed")
	}

	adjusted := c.AdjustPrebootTimestamp(recorded)
	want := real.Add(-60 * time.Second)
	if !adjusted.Equal(want) {
		t.Errorf("expected %v, got %v", want, adjusted)
	}

	again := c.AdjustPrebootTimestamp(adjusted)
	if !again.Equal(adjusted) {
		t.Errorf("adjustment is not idempotent: %v != %v", again, adjusted)
	}
}

func TestClock_AdjustWithoutSyncIsNoop(t *testing.T) {
	c := New(1, zap.NewNop())
	ts := PrebootOrigin.Add(time.Minute)
	if got := c.AdjustPrebootTimestamp(ts); !got.Equal(ts) {
		t.Errorf("expected unchanged timestamp, got %v", got)
	}
}

func TestClock_NowAfterSync(t *testing.T) {
	up := &fakeUptime{d: time.Second}
	c := New(1, zap.NewNop(), WithUptime(up.get))
	real := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.SetTime(real)

	up.d = 31 * time.Second
	if got, want := c.Now(), real.Add(30*time.Second); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}
