package signal

import (
	"testing"
	"time"
)

func TestRoomRateLimiterSlidingWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRoomRateLimiter(2, 10*time.Second)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatalf("first two joins rejected")
	}
	if rl.Allow("a") {
		t.Fatalf("third join inside the window allowed")
	}
	if !rl.Allow("b") {
		t.Fatalf("limit leaked across participants")
	}

	now = now.Add(11 * time.Second)
	if !rl.Allow("a") {
		t.Fatalf("join after the window rejected")
	}

	rl.Forget("a")
	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatalf("history kept after Forget")
	}
}

func TestWsSignalConnOptionsDefaults(t *testing.T) {
	o := Options{PingPeriod: time.Minute, PongWait: 30 * time.Second}.withDefaults()
	if o.PingPeriod >= o.PongWait {
		t.Fatalf("ping=%s pong=%s, ping must be shorter", o.PingPeriod, o.PongWait)
	}
	if o.SendBuffer <= 0 || o.ReadLimit <= 0 || o.WriteWait <= 0 {
		t.Fatalf("defaults not applied: %+v", o)
	}
}
