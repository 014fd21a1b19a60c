package signal

import (
	"sync"
	"time"

	"github.com/dkeye/meshcall/internal/domain"
)

// RoomRateLimiter caps joinRoom requests per participant in a sliding window.
type RoomRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.ParticipantID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewRoomRateLimiter(limit int, interval time.Duration) *RoomRateLimiter {
	return &RoomRateLimiter{
		history:  make(map[domain.ParticipantID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *RoomRateLimiter) Allow(p domain.ParticipantID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[p]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[p] = fresh
		return false
	}
	rl.history[p] = append(fresh, now)
	return true
}

// Forget drops the history of a participant whose connection ended.
func (rl *RoomRateLimiter) Forget(p domain.ParticipantID) {
	rl.mu.Lock()
	delete(rl.history, p)
	rl.mu.Unlock()
}
