package signal

import (
	"sync"
	"time"

	"github.com/dkeye/heartline/internal/core"
)

// StrikeWindow counts protocol violations in a sliding window.
type StrikeWindow struct {
	mu       sync.Mutex
	history  []time.Time
	limit    int
	interval time.Duration
}

func NewStrikeWindow(limit int, interval time.Duration) *StrikeWindow {
	return &StrikeWindow{
		limit:    limit,
		interval: interval,
	}
}

// Allow records a strike at now and reports whether the session is still
// within its allowance.
func (sw *StrikeWindow) Allow(now time.Time) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	windowStart := now.Add(-sw.interval)
	fresh := sw.history[:0]
	for _, t := range sw.history {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= sw.limit {
		sw.history = fresh
		return false
	}
	sw.history = append(fresh, now)
	return true
}

// Count returns the strikes inside the window ending at now.
func (sw *StrikeWindow) Count(now time.Time) int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	windowStart := now.Add(-sw.interval)
	n := 0
	for _, t := range sw.history {
		if t.After(windowStart) {
			n++
		}
	}
	return n
}

func (s *Supervisor) strike(code string, err error) {
	if s.strikes.Allow(s.clock.Now()) {
		return
	}
	s.log.Warn().Err(err).Str("code", code).Msg("abuse threshold exceeded")
	s.Close(core.ReasonProtocolAbuse)
}
